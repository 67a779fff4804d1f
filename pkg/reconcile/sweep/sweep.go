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

// Package sweep implements the Sweep Driver: it iterates every
// partition/nodegroup in the configuration, holds the nodegroup's
// advisory lock for the duration of its sweep, and sequences the
// Cloud Adapter, Per-Node State Machine, Acquisition Engine and
// Transplant Workflow against that nodegroup's snapshot.
package sweep

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/lockfile"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/logging"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/providers/pricing"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/ranker"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/reconcile/acquisition"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/reconcile/statemachine"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/reconcile/transplant"
)

// lockTimeout is the fixed 10s acquisition timeout of the per-nodegroup
// lock; pkg/hostsfile declares its own 10s timeout for the hosts-file lock.
const lockTimeout = 10 * time.Second

// SchedulerClient is every scheduler operation the sweep and the
// components it drives need.
type SchedulerClient interface {
	ShowNodes(ctx context.Context) ([]domain.Node, error)
	UpdateNode(ctx context.Context, nodeName string, params map[string]string) error
}

// CloudProvider is every cloud operation the sweep drives directly;
// acquisition and transplant take the narrower awsapi.EC2API instead.
type CloudProvider interface {
	DescribeInstancesForNodegroup(ctx context.Context, nodegroupPrefix, launchTemplateId string) (map[string]domain.Instance, error)
	DescribeSpotRequestsForNodegroup(ctx context.Context, nodegroupPrefix, launchTemplateId string) (map[string]domain.SpotRequest, error)
	TerminateInstance(ctx context.Context, id, spotRequestId string) error
	CancelSpotRequest(ctx context.Context, id string) error
}

// Driver is the Sweep Driver.
type Driver struct {
	Scheduler   SchedulerClient
	Cloud       CloudProvider
	Pricing     *pricing.Provider
	Acquirer    *acquisition.Engine
	Transplant  *transplant.Workflow
	Region      string
	LockDir     string
	StackPrefix string
}

// Run performs one complete sweep over every nodegroup in nodegroups,
// an error-propagation policy where a lock timeout or an error
// inside one nodegroup's body is logged and the driver moves on to the
// next nodegroup. Only a failure to load the node inventory at all is
// fatal to the sweep.
func (d *Driver) Run(ctx context.Context, nodegroups []domain.Nodegroup) error {
	sweepId := uuid.NewString()
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("sweep", sweepId))
	log := logging.FromContext(ctx)

	nodes, err := d.Scheduler.ShowNodes(ctx)
	if err != nil {
		return domain.Classify(domain.ErrClassSchedulerCLI, fmt.Errorf("load node inventory: %w", err))
	}

	var errs error
	for _, ng := range nodegroups {
		if err := d.sweepNodegroup(ctx, ng, nodes); err != nil {
			if class, ok := domain.ClassOf(err); ok && class == domain.ErrClassLockTimeout {
				log.Infow("skipping nodegroup, lock held by another invocation", "nodegroup", ng.Prefix())
				continue
			}
			log.Errorw("nodegroup sweep failed", "nodegroup", ng.Prefix(), "error", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (d *Driver) sweepNodegroup(ctx context.Context, ng domain.Nodegroup, allNodes []domain.Node) error {
	log := logging.FromContext(ctx)

	lock := lockfile.New(fmt.Sprintf("%s/%s-%s.lock", d.LockDir, d.StackPrefix, ng.Prefix()), lockTimeout)
	if err := lock.Acquire(ctx); err != nil {
		return domain.Classify(domain.ErrClassLockTimeout, err)
	}
	defer lock.Release()

	nodes := lo.Filter(allNodes, func(n domain.Node, _ int) bool {
		return domain.NodegroupPrefix(n.Name) == ng.Prefix()
	})
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	instances, err := d.Cloud.DescribeInstancesForNodegroup(ctx, ng.Prefix(), ng.LaunchTemplateId)
	if err != nil {
		log.Errorw("describe instances failed, skipping nodegroup this sweep", "nodegroup", ng.Prefix(), "error", err)
		return err
	}
	spotRequests, err := d.Cloud.DescribeSpotRequestsForNodegroup(ctx, ng.Prefix(), ng.LaunchTemplateId)
	if err != nil {
		log.Errorw("describe spot requests failed, skipping nodegroup this sweep", "nodegroup", ng.Prefix(), "error", err)
		return err
	}

	rankedTypes := ranker.Rank(ng.Instances, ng.EffectiveAllocationStrategy(), ng.PurchasingOption, d.Region, d.Pricing, d.Pricing)

	machine := statemachine.New(d.Cloud, d.Scheduler, d.Acquirer)

	ngWithRanking := ng
	ngWithRanking.Instances = rankedTypes

	var errs error
	for _, node := range nodes {
		result, err := machine.Evaluate(ctx, node, ngWithRanking, instances)
		if err != nil {
			log.Errorw("state machine evaluation failed for node", "node", node.Name, "error", err)
			errs = multierr.Append(errs, err)
			continue
		}

		if result.ScheduleTransplant {
			if err := d.runTransplant(ctx, node, ngWithRanking, result.DonorInstance.Id); err != nil {
				log.Errorw("transplant failed", "node", node.Name, "error", err)
				errs = multierr.Append(errs, err)
			}
		}
	}

	// Re-read the nodegroup's nodes once more before computing orphan
	// sets: the per-node pass above may have cleared a node's comment
	// (a linked node being powered down), so that the instance and spot
	// request it referenced are eligible for orphan cleanup in this sweep
	// rather than waiting for the next one.
	settledNodes := nodes
	if refreshed, err := d.Scheduler.ShowNodes(ctx); err == nil {
		settledNodes = lo.Filter(refreshed, func(n domain.Node, _ int) bool {
			return domain.NodegroupPrefix(n.Name) == ng.Prefix()
		})
	}

	orphanInstances, orphanSpots := statemachine.OrphanSets(settledNodes, instances, spotRequests)
	for _, id := range orphanInstances {
		inst := instances[id]
		log.Infow("terminating orphan instance", "nodegroup", ng.Prefix(), "instance", id)
		if err := d.Cloud.TerminateInstance(ctx, id, inst.SpotRequestId); err != nil {
			log.Errorw("failed to terminate orphan instance", "instance", id, "error", err)
			errs = multierr.Append(errs, err)
		}
	}
	for _, id := range orphanSpots {
		log.Infow("cancelling orphan spot request", "nodegroup", ng.Prefix(), "spotRequest", id)
		if err := d.Cloud.CancelSpotRequest(ctx, id); err != nil {
			log.Errorw("failed to cancel orphan spot request", "spotRequest", id, "error", err)
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

func (d *Driver) runTransplant(ctx context.Context, node domain.Node, ng domain.Nodegroup, donorId string) error {
	if err := d.Scheduler.UpdateNode(ctx, node.Name, map[string]string{"weight": "0"}); err != nil {
		return domain.Classify(domain.ErrClassTransplantFailure, fmt.Errorf("lock node %s for transplant: %w", node.Name, err))
	}
	return d.Transplant.Run(ctx, node.Name, donorId, ng)
}
