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

package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
)

// Scheduler is an in-memory test double standing in for a real
// scontrol CLI, backing the same operations pkg/scheduler.CLI exposes.
type Scheduler struct {
	mu    sync.Mutex
	Nodes map[string]domain.Node
}

func NewScheduler(nodes ...domain.Node) *Scheduler {
	s := &Scheduler{Nodes: map[string]domain.Node{}}
	for _, n := range nodes {
		s.Nodes[n.Name] = n
	}
	return s
}

func (s *Scheduler) ShowNodes(_ context.Context) ([]domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out = append(out, n)
	}
	return out, nil
}

func (s *Scheduler) UpdateNode(_ context.Context, nodeName string, params map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.Nodes[nodeName]
	if !ok {
		return fmt.Errorf("unknown node %s", nodeName)
	}
	if v, ok := params["state"]; ok {
		n.States = domain.NewStateSet(v)
	}
	if v, ok := params["nodeaddr"]; ok {
		n.NodeAddr = v
	}
	if v, ok := params["comment"]; ok {
		comment, err := domain.ParseComment(v)
		if err != nil {
			return err
		}
		n.Comment = comment
	}
	if v, ok := params["weight"]; ok {
		var weight int
		if _, err := fmt.Sscanf(v, "%d", &weight); err != nil {
			return fmt.Errorf("invalid weight %q: %w", v, err)
		}
		n.Weight = weight
	}
	s.Nodes[nodeName] = n
	return nil
}
