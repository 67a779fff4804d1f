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

// Package acquisition implements the Acquisition Engine: request a
// fresh instance for a node whose state is POWERING_UP and has no
// linked instance yet, preferring spot with an on-demand fallback.
package acquisition

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/aws/awsapi"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/hostsfile"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/logging"
)

// rateLimitDelay is the sleep after every RunInstances call, keeping
// the daemon well under EC2's request rate limits.
const rateLimitDelay = 100 * time.Millisecond

// SchedulerClient is the one scheduler operation the Acquisition
// Engine needs, satisfied by both *scheduler.CLI and *fake.Scheduler.
type SchedulerClient interface {
	UpdateNode(ctx context.Context, nodeName string, params map[string]string) error
}

// Engine is the Acquisition Engine.
type Engine struct {
	EC2       awsapi.EC2API
	Scheduler SchedulerClient
	HostsFile string

	// Sleep is overridable in tests so the rate-limit delay doesn't
	// slow the suite down.
	Sleep func(time.Duration)
}

func New(ec2api awsapi.EC2API, sched SchedulerClient, hostsFilePath string) *Engine {
	return &Engine{EC2: ec2api, Scheduler: sched, HostsFile: hostsFilePath, Sleep: time.Sleep}
}

// Outcome reports whether Acquire obtained an instance for node.
type Outcome struct {
	Acquired   bool
	InstanceId string
}

// Acquire tries every (type, subnet) pair in
// rankedTypes on the spot market first (if the nodegroup is a spot
// nodegroup), then fall back to on-demand across the same grid. A
// single success terminates the attempt.
func (e *Engine) Acquire(ctx context.Context, node domain.Node, nodegroup domain.Nodegroup, rankedTypes []string) (Outcome, error) {
	log := logging.FromContext(ctx)

	if nodegroup.PurchasingOption == domain.PurchasingOptionSpot {
		outcome, err := e.tryGrid(ctx, node, nodegroup, rankedTypes, true)
		if err != nil {
			return Outcome{}, err
		}
		if outcome.Acquired {
			return outcome, nil
		}
		log.Infow("spot acquisition exhausted, falling back to on-demand", "node", node.Name, "nodegroup", nodegroup.Prefix())
	}

	outcome, err := e.tryGrid(ctx, node, nodegroup, rankedTypes, false)
	if err != nil {
		return Outcome{}, err
	}
	if !outcome.Acquired {
		log.Warnw("acquisition failed for all instance types and subnets", "node", node.Name, "nodegroup", nodegroup.Prefix())
	}
	return outcome, nil
}

func (e *Engine) tryGrid(ctx context.Context, node domain.Node, nodegroup domain.Nodegroup, rankedTypes []string, spot bool) (Outcome, error) {
	log := logging.FromContext(ctx)

	for _, instanceType := range rankedTypes {
		for _, subnet := range nodegroup.SubnetIds {
			input := &ec2.RunInstancesInput{
				LaunchTemplate: &ec2types.LaunchTemplateSpecification{LaunchTemplateId: aws.String(nodegroup.LaunchTemplateId)},
				InstanceType:   ec2types.InstanceType(instanceType),
				MinCount:       aws.Int32(1),
				MaxCount:       aws.Int32(1),
				SubnetId:       aws.String(subnet),
			}
			if spot {
				input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
					MarketType: ec2types.MarketTypeSpot,
					SpotOptions: &ec2types.SpotMarketOptions{
						SpotInstanceType:             ec2types.SpotInstanceTypePersistent,
						InstanceInterruptionBehavior: ec2types.InstanceInterruptionBehavior(nodegroup.InterruptionBehavior),
					},
				}
			}

			out, err := e.EC2.RunInstances(ctx, input)
			e.Sleep(rateLimitDelay)
			if err != nil {
				log.Infow("runInstances failed", "instanceType", instanceType, "subnet", subnet, "spot", spot, "error", err)
				continue
			}
			if len(out.Instances) == 0 {
				continue
			}

			inst := out.Instances[0]
			instanceId := aws.ToString(inst.InstanceId)
			spotId := aws.ToString(inst.SpotInstanceRequestId)
			privateIp := aws.ToString(inst.PrivateIpAddress)
			weight := 1
			if spot {
				weight = 2
			}

			if err := e.publish(ctx, node, nodegroup, instanceId, spotId, privateIp, weight); err != nil {
				return Outcome{}, err
			}
			return Outcome{Acquired: true, InstanceId: instanceId}, nil
		}
	}
	return Outcome{}, nil
}

func (e *Engine) publish(ctx context.Context, node domain.Node, nodegroup domain.Nodegroup, instanceId, spotId, privateIp string, weight int) error {
	log := logging.FromContext(ctx)

	// Both the instance and its spot request (if any) are tagged with
	// nodegroup/launchtemplate/Name. "aws:ec2launchtemplate:id" is
	// populated automatically by EC2 on the instance because it was
	// launched from a launch template reference, but that auto-tag never
	// applies to the spot request resource, so the spot request is
	// tagged with the same "launchtemplate" key
	// pkg/providers/instance's nodegroup filter also checks for the
	// transplant recipient (see launchTemplateTagKeys).
	resources := []string{instanceId}
	if spotId != "" {
		resources = append(resources, spotId)
	}
	if _, err := e.EC2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: resources,
		Tags: []ec2types.Tag{
			{Key: aws.String("Name"), Value: aws.String(node.Name)},
			{Key: aws.String("nodegroup"), Value: aws.String(nodegroup.Prefix())},
			{Key: aws.String("launchtemplate"), Value: aws.String(nodegroup.LaunchTemplateId)},
		},
	}); err != nil {
		log.Warnw("failed to tag acquired instance", "instanceId", instanceId, "spotId", spotId, "error", err)
	}

	comment := domain.Comment{InstanceId: instanceId, SpotId: spotId}
	if err := e.Scheduler.UpdateNode(ctx, node.Name, map[string]string{
		"nodeaddr":     privateIp,
		"nodehostname": node.Name,
		"comment":      comment.String(),
		"weight":       strconv.Itoa(weight),
	}); err != nil {
		return domain.Classify(domain.ErrClassAcquisitionFailure, err)
	}

	if err := hostsfile.Update(ctx, e.HostsFile, node.Name, privateIp); err != nil {
		log.Infow("hosts file update skipped", "node", node.Name, "error", err)
	}
	return nil
}
