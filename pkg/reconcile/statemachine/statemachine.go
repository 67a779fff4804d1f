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

// Package statemachine implements the Per-Node State Machine: the
// decision table that reconciles one Slurm node's reported state
// against the cloud instance it claims to be linked to.
package statemachine

import (
	"context"
	"time"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/reconcile/acquisition"
)

// CloudClient is the one cloud operation the state machine performs
// directly; everything else routes through the Acquisition Engine or
// back to the Sweep Driver for orphan cleanup and transplants.
type CloudClient interface {
	TerminateInstance(ctx context.Context, id, spotRequestId string) error
}

// SchedulerClient is the scheduler operation the state machine issues.
type SchedulerClient interface {
	UpdateNode(ctx context.Context, nodeName string, params map[string]string) error
}

// Machine evaluates one node per call against the instance and spot
// request snapshot the Sweep Driver took at the start of the sweep.
type Machine struct {
	Cloud      CloudClient
	Scheduler  SchedulerClient
	Acquirer   *acquisition.Engine
	Now        func() time.Time
}

func New(cloud CloudClient, sched SchedulerClient, acquirer *acquisition.Engine) *Machine {
	return &Machine{Cloud: cloud, Scheduler: sched, Acquirer: acquirer, Now: time.Now}
}

// Result reports whether node should be handed to the transplant
// workflow after this evaluation.
type Result struct {
	ScheduleTransplant bool
	DonorInstance      domain.Instance
}

// Evaluate applies the per-node decision table, first matching row
// wins. instances is the nodegroup's instance snapshot for this sweep,
// keyed by instance id.
func (m *Machine) Evaluate(ctx context.Context, node domain.Node, nodegroup domain.Nodegroup, instances map[string]domain.Instance) (Result, error) {
	if node.Locked() {
		return Result{}, nil
	}

	inst, linked := instances[node.Comment.InstanceId]
	linked = linked && node.Comment.InstanceId != ""

	switch {
	case (node.States.Has(domain.StateDown) || node.States.Has(domain.StateDrain)) && node.States.Has(domain.StatePoweredDown):
		return Result{}, m.setState(ctx, node.Name, "IDLE", "")

	case !linked && node.States.Has(domain.StatePoweringUp):
		_, err := m.Acquirer.Acquire(ctx, node, nodegroup, nodegroup.Instances)
		return Result{}, err

	case !linked && (node.States.Has(domain.StatePoweredDown) || node.States.Has(domain.StatePoweringDown)):
		if node.Comment.InstanceId != "" {
			return Result{}, m.clearComment(ctx, node.Name)
		}
		return Result{}, nil

	case !linked:
		return Result{}, m.setState(ctx, node.Name, "POWER_DOWN_FORCE", "instance_terminated")

	case linked && (node.States.Has(domain.StatePoweredDown) || node.States.Has(domain.StatePoweringDown)):
		if inst.State != domain.InstanceStateTerminated && inst.State != domain.InstanceStateStopping {
			if err := m.Cloud.TerminateInstance(ctx, inst.Id, inst.SpotRequestId); err != nil {
				return Result{}, err
			}
		}
		return Result{}, m.clearComment(ctx, node.Name)

	case linked && inst.State == domain.InstanceStateStopped && !node.States.Has(domain.StateDrain):
		if err := m.setState(ctx, node.Name, "DRAIN", "instance_hibernated"); err != nil {
			return Result{}, err
		}
		if nodegroup.MaxHibernationMin == nil {
			return Result{}, nil
		}
		age, ok := hibernationAge(inst.StateTransitionReason, m.Now())
		if ok && age > time.Duration(*nodegroup.MaxHibernationMin)*time.Minute {
			return Result{ScheduleTransplant: true, DonorInstance: inst}, nil
		}
		return Result{}, nil

	case linked && node.States.Has(domain.StateDrain) && inst.State != domain.InstanceStateStopped:
		return Result{}, m.setState(ctx, node.Name, "UNDRAIN", "")

	case linked && node.States.Has(domain.StateDown):
		return Result{}, m.setState(ctx, node.Name, "POWER_DOWN", "node_stuck")

	case linked && node.States.Has(domain.StateCompleting) && (node.States.Has(domain.StateDrain) || node.States.Has(domain.StateNotResponding)):
		return Result{}, m.setState(ctx, node.Name, "POWER_DOWN_FORCE", "node_stuck")

	case linked && node.NodeAddr != inst.PrivateIp:
		return Result{}, m.Scheduler.UpdateNode(ctx, node.Name, map[string]string{"nodeaddr": inst.PrivateIp})
	}

	return Result{}, nil
}

func (m *Machine) setState(ctx context.Context, nodeName, state, reason string) error {
	params := map[string]string{"state": state}
	if reason != "" {
		params["reason"] = reason
	}
	return m.Scheduler.UpdateNode(ctx, nodeName, params)
}

func (m *Machine) clearComment(ctx context.Context, nodeName string) error {
	return m.Scheduler.UpdateNode(ctx, nodeName, map[string]string{"comment": domain.Comment{}.String()})
}

// OrphanSets computes the two sets that need cleanup after the
// per-node pass: instances and spot requests present in the
// nodegroup's snapshot but referenced by no node.
func OrphanSets(nodes []domain.Node, instances map[string]domain.Instance, spotRequests map[string]domain.SpotRequest) (orphanInstances []string, orphanSpots []string) {
	referencedInstances := map[string]bool{}
	referencedSpots := map[string]bool{}
	for _, n := range nodes {
		if n.Comment.InstanceId != "" {
			referencedInstances[n.Comment.InstanceId] = true
		}
		if n.Comment.SpotId != "" {
			referencedSpots[n.Comment.SpotId] = true
		}
	}
	for id := range instances {
		if !referencedInstances[id] {
			orphanInstances = append(orphanInstances, id)
		}
	}
	for id := range spotRequests {
		if !referencedSpots[id] {
			orphanSpots = append(orphanSpots, id)
		}
	}
	return orphanInstances, orphanSpots
}
