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

package domain

import "fmt"

// Comment is the daemon's structured side-channel smuggled into the
// scheduler's free-text Comment field. The original daemon wrote and
// read this as an ad hoc "k:v,k:v" string with no validation; this type
// is the strict replacement called for in the REDESIGN FLAGS: a
// comment that is neither empty nor exactly "InstanceId:<v>,SpotId:<v>"
// is a parse error rather than a silently-dropped field.
type Comment struct {
	InstanceId string
	SpotId     string
}

// Empty reports whether neither InstanceId nor SpotId is set.
func (c Comment) Empty() bool {
	return c.InstanceId == "" && c.SpotId == ""
}

// String renders the canonical "InstanceId:<v>,SpotId:<v>" form, the
// only shape ParseComment accepts back.
func (c Comment) String() string {
	return fmt.Sprintf("InstanceId:%s,SpotId:%s", c.InstanceId, c.SpotId)
}

// ParseComment decodes the scheduler's Comment field. An empty string
// decodes to the zero Comment. Any other input must match exactly two
// "key:value" fields, in order, named InstanceId and SpotId; anything
// else is a parse error instead of a silently lost linkage.
// pkg/scheduler's ParseShowNodes fails the whole inventory parse on it.
func ParseComment(raw string) (Comment, error) {
	if raw == "" {
		return Comment{}, nil
	}
	fields, err := splitCommentFields(raw)
	if err != nil {
		return Comment{}, err
	}
	if len(fields) != 2 || fields[0].key != "InstanceId" || fields[1].key != "SpotId" {
		return Comment{}, fmt.Errorf("comment %q does not match InstanceId:<v>,SpotId:<v>", raw)
	}
	return Comment{InstanceId: fields[0].value, SpotId: fields[1].value}, nil
}

type commentField struct {
	key   string
	value string
}

func splitCommentFields(raw string) ([]commentField, error) {
	var fields []commentField
	for _, kv := range splitOn(raw, ',') {
		parts := splitOn(kv, ':')
		if len(parts) != 2 {
			return nil, fmt.Errorf("comment field %q is not key:value", kv)
		}
		fields = append(fields, commentField{key: parts[0], value: parts[1]})
	}
	return fields, nil
}

func splitOn(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
