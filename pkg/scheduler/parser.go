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

package scheduler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
)

// ParseShowNodes parses the line-oriented output of "scontrol show
// nodes": a NodeName=... line starts a record, and every following
// non-blank line until the next NodeName=... line contributes more
// space-separated key=value attributes to that record.
func ParseShowNodes(lines []string) ([]domain.Node, error) {
	seen := map[string]bool{}
	var nodes []domain.Node
	var current *rawNode

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := fieldsWithEquals(line)
		if strings.HasPrefix(line, "NodeName=") {
			name := fields["NodeName"]
			if seen[name] {
				return nil, fmt.Errorf("duplicate nodename detected: %s", name)
			}
			seen[name] = true
			if current != nil {
				node, err := current.toNode()
				if err != nil {
					return nil, err
				}
				nodes = append(nodes, node)
			}
			current = &rawNode{name: name, attrs: map[string]string{}}
		}
		if current == nil {
			continue
		}
		for k, v := range fields {
			current.attrs[k] = v
		}
	}
	if current != nil {
		node, err := current.toNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

type rawNode struct {
	name  string
	attrs map[string]string
}

func (r *rawNode) toNode() (domain.Node, error) {
	weight := 1
	if w, ok := r.attrs["Weight"]; ok {
		parsed, err := strconv.Atoi(w)
		if err != nil {
			return domain.Node{}, fmt.Errorf("node %s: invalid Weight %q: %w", r.name, w, err)
		}
		weight = parsed
	}
	comment, err := domain.ParseComment(r.attrs["Comment"])
	if err != nil {
		return domain.Node{}, fmt.Errorf("node %s: %w", r.name, err)
	}
	return domain.Node{
		Name:      r.name,
		Partition: r.attrs["Partitions"],
		States:    domain.NewStateSet(r.attrs["State"]),
		NodeAddr:  r.attrs["NodeAddr"],
		Weight:    weight,
		Comment:   comment,
	}, nil
}

// fieldsWithEquals splits a line on whitespace and keeps only the
// space-separated tokens that contain "=", splitting each into a
// key/value pair on the first "=". Values themselves may not contain
// spaces, matching scontrol's own one-line-per-attribute-set output.
func fieldsWithEquals(line string) map[string]string {
	out := map[string]string{}
	for _, tok := range strings.Fields(line) {
		idx := strings.Index(tok, "=")
		if idx < 0 {
			continue
		}
		out[tok[:idx]] = tok[idx+1:]
	}
	return out
}
