/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package statemachine

import (
	"testing"
	"time"
)

func TestHibernationAge(t *testing.T) {
	now := time.Date(2026, 7, 31, 2, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		reason  string
		wantOK  bool
		wantAge time.Duration
	}{
		{"well-formed reason", "Client.UserInitiatedHibernate: Client user has requested to hibernate the instance (2026-07-31 00:00:00 UTC)", true, 2 * time.Hour},
		{"unparseable timestamp treated as just now", "Client.UserInitiatedHibernate (garbage)", false, 0},
		{"no parentheses treated as just now", "Client.UserInitiatedHibernate", false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			age, ok := hibernationAge(tc.reason, now)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && age != tc.wantAge {
				t.Fatalf("age = %v, want %v", age, tc.wantAge)
			}
		})
	}
}
