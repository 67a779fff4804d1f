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
	"strings"
	"time"
)

// hibernationTimeLayout matches the timestamp EC2 embeds in
// stateTransitionReason, e.g. "Client.UserInitiatedHibernate: ...
// (2026-07-31 10:15:00 UTC)".
const hibernationTimeLayout = "2006-01-02 15:04:05 MST"

// hibernationAge parses the timestamp inside the last parenthesized
// region of reason and returns how long ago it was relative to now.
// An unparseable or absent timestamp is treated as "just now" (age 0,
// ok=false) so a node is never mistakenly judged stale.
func hibernationAge(reason string, now time.Time) (time.Duration, bool) {
	open := strings.LastIndexByte(reason, '(')
	closeIdx := strings.LastIndexByte(reason, ')')
	if open < 0 || closeIdx < 0 || closeIdx < open {
		return 0, false
	}
	ts, err := time.Parse(hibernationTimeLayout, reason[open+1:closeIdx])
	if err != nil {
		return 0, false
	}
	return now.Sub(ts), true
}
