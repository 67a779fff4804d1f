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

// Package instance is the Cloud Adapter: a thin, typed wrapper over
// awsapi.EC2API that converts to and from pkg/domain types and never
// surfaces "resource not found" as an error.
package instance

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	smithy "github.com/aws/smithy-go"
	"github.com/samber/lo"

	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/aws/awsapi"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
)

// instanceStateWhitelist and spotRequestStateWhitelist implement the
// filters needed for per-nodegroup enumeration.
var instanceStateWhitelist = []string{"pending", "running", "stopped", "stopping"}
var spotRequestStateWhitelist = []string{"open", "active"}

// Provider is the Cloud Adapter.
type Provider struct {
	EC2 awsapi.EC2API
}

func New(ec2api awsapi.EC2API) *Provider {
	return &Provider{EC2: ec2api}
}

// notFound reports whether err is an EC2 "does not exist" API error,
// the only case the adapter is required to swallow into an empty
// result instead of propagating.
func notFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "InvalidInstanceID.NotFound", "InvalidSpotInstanceRequestID.NotFound",
		"InvalidVolume.NotFound", "InvalidNetworkInterfaceID.NotFound",
		"InvalidLaunchTemplateId.NotFound", "InvalidLaunchTemplateId.VersionNotFound":
		return true
	}
	return false
}

// launchTemplateTagKeys are the two tag keys under which an instance
// may carry its launch-template linkage: "aws:ec2launchtemplate:id" is
// populated automatically by EC2 when an instance is launched with a
// LaunchTemplate reference (every Acquisition Engine launch); the
// Transplant Workflow's recipient is launched from a hand-reconstructed
// request with no LaunchTemplate reference (so it can drop
// SecurityGroupIds/UserData, see pkg/reconcile/transplant), so it
// instead carries an explicit "launchtemplate" tag set by CreateTags.
// Both must be checked so a recipient is found by the very next sweep.
var launchTemplateTagKeys = []string{"tag:aws:ec2launchtemplate:id", "tag:launchtemplate"}

// DescribeInstancesForNodegroup enumerates every instance tagged for
// nodegroupPrefix and launchTemplateId in a state the daemon cares
// about.
func (p *Provider) DescribeInstancesForNodegroup(ctx context.Context, nodegroupPrefix, launchTemplateId string) (map[string]domain.Instance, error) {
	result := map[string]domain.Instance{}
	for _, tagKey := range launchTemplateTagKeys {
		out, err := p.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{
				{Name: aws.String("tag:nodegroup"), Values: []string{nodegroupPrefix}},
				{Name: aws.String(tagKey), Values: []string{launchTemplateId}},
				{Name: aws.String("instance-state-name"), Values: instanceStateWhitelist},
			},
		})
		if notFound(err) {
			continue
		}
		if err != nil {
			return nil, domain.Classify(domain.ErrClassCloudTransient, fmt.Errorf("describe instances: %w", err))
		}
		for _, reservation := range out.Reservations {
			for _, raw := range reservation.Instances {
				inst := toDomainInstance(raw)
				result[inst.Id] = inst
			}
		}
	}
	return result, nil
}

// DescribeSpotRequestsForNodegroup enumerates every open or active
// spot request tagged for nodegroupPrefix and launchTemplateId. A spot
// request never receives EC2's automatic "aws:ec2launchtemplate:id"
// tag the way a launched instance does (that auto-tag applies only to
// the instance resource type), so the Acquisition Engine tags every
// spot request it creates with an explicit "launchtemplate" tag
// instead; both keys are checked for the same reason
// launchTemplateTagKeys exists for instances.
func (p *Provider) DescribeSpotRequestsForNodegroup(ctx context.Context, nodegroupPrefix, launchTemplateId string) (map[string]domain.SpotRequest, error) {
	result := map[string]domain.SpotRequest{}
	for _, tagKey := range launchTemplateTagKeys {
		out, err := p.EC2.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
			Filters: []ec2types.Filter{
				{Name: aws.String("tag:nodegroup"), Values: []string{nodegroupPrefix}},
				{Name: aws.String(tagKey), Values: []string{launchTemplateId}},
				{Name: aws.String("state"), Values: spotRequestStateWhitelist},
			},
		})
		if notFound(err) {
			continue
		}
		if err != nil {
			return nil, domain.Classify(domain.ErrClassCloudTransient, fmt.Errorf("describe spot requests: %w", err))
		}
		for _, raw := range out.SpotInstanceRequests {
			sr := domain.SpotRequest{
				Id:         aws.ToString(raw.SpotInstanceRequestId),
				State:      domain.SpotRequestState(raw.State),
				InstanceId: aws.ToString(raw.InstanceId),
			}
			result[sr.Id] = sr
		}
	}
	return result, nil
}

// TerminateInstance terminates id and, if spotRequestId is non-empty,
// also cancels the associated spot request to prevent re-fulfilment,
// for the state machine to evaluate.
func (p *Provider) TerminateInstance(ctx context.Context, id, spotRequestId string) error {
	_, err := p.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	if err != nil && !notFound(err) {
		return domain.Classify(domain.ErrClassCloudTransient, fmt.Errorf("terminate instance %s: %w", id, err))
	}
	if spotRequestId != "" {
		if err := p.CancelSpotRequest(ctx, spotRequestId); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) CancelSpotRequest(ctx context.Context, id string) error {
	_, err := p.EC2.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{id},
	})
	if err != nil && !notFound(err) {
		return domain.Classify(domain.ErrClassCloudTransient, fmt.Errorf("cancel spot request %s: %w", id, err))
	}
	return nil
}

func (p *Provider) StopInstance(ctx context.Context, id string, hibernate bool) error {
	_, err := p.EC2.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{id},
		Hibernate:   aws.Bool(hibernate),
	})
	if err != nil && !notFound(err) {
		return domain.Classify(domain.ErrClassCloudTransient, fmt.Errorf("stop instance %s: %w", id, err))
	}
	return nil
}

func (p *Provider) StartInstance(ctx context.Context, id string) error {
	_, err := p.EC2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}})
	if err != nil && !notFound(err) {
		return domain.Classify(domain.ErrClassCloudTransient, fmt.Errorf("start instance %s: %w", id, err))
	}
	return nil
}

// DescribeInstance re-reads a single instance, returning ok=false if
// it no longer exists (the guard the transplant workflow uses before
// every step).
func (p *Provider) DescribeInstance(ctx context.Context, id string) (domain.Instance, bool, error) {
	out, err := p.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if notFound(err) {
		return domain.Instance{}, false, nil
	}
	if err != nil {
		return domain.Instance{}, false, domain.Classify(domain.ErrClassCloudTransient, fmt.Errorf("describe instance %s: %w", id, err))
	}
	for _, reservation := range out.Reservations {
		for _, raw := range reservation.Instances {
			return toDomainInstance(raw), true, nil
		}
	}
	return domain.Instance{}, false, nil
}

// ReachabilityPassed reports whether EC2 reports the instance's
// system-status reachability check as passed.
func (p *Provider) ReachabilityPassed(ctx context.Context, id string) (bool, error) {
	out, err := p.EC2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return false, domain.Classify(domain.ErrClassCloudTransient, fmt.Errorf("describe instance status %s: %w", id, err))
	}
	for _, st := range out.InstanceStatuses {
		if st.SystemStatus != nil && st.SystemStatus.Status == ec2types.SummaryStatusOk {
			return true, nil
		}
	}
	return false, nil
}

func (p *Provider) DetachVolume(ctx context.Context, volumeId, instanceId string) error {
	_, err := p.EC2.DetachVolume(ctx, &ec2.DetachVolumeInput{VolumeId: aws.String(volumeId), InstanceId: aws.String(instanceId)})
	if err != nil && !notFound(err) {
		return domain.Classify(domain.ErrClassCloudTransient, fmt.Errorf("detach volume %s from %s: %w", volumeId, instanceId, err))
	}
	return nil
}

func (p *Provider) AttachVolume(ctx context.Context, device, instanceId, volumeId string) error {
	_, err := p.EC2.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(device),
		InstanceId: aws.String(instanceId),
		VolumeId:   aws.String(volumeId),
	})
	if err != nil {
		return domain.Classify(domain.ErrClassCloudTransient, fmt.Errorf("attach volume %s to %s: %w", volumeId, instanceId, err))
	}
	return nil
}

func (p *Provider) DeleteVolume(ctx context.Context, volumeId string) error {
	_, err := p.EC2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeId)})
	if err != nil && !notFound(err) {
		return domain.Classify(domain.ErrClassCloudTransient, fmt.Errorf("delete volume %s: %w", volumeId, err))
	}
	return nil
}

func (p *Provider) SetDeleteOnTermination(ctx context.Context, eniId, attachmentId string, deleteOnTermination bool) error {
	_, err := p.EC2.ModifyNetworkInterfaceAttribute(ctx, &ec2.ModifyNetworkInterfaceAttributeInput{
		NetworkInterfaceId: aws.String(eniId),
		Attachment: &ec2types.NetworkInterfaceAttachmentChanges{
			AttachmentId:        aws.String(attachmentId),
			DeleteOnTermination: aws.Bool(deleteOnTermination),
		},
	})
	if err != nil && !notFound(err) {
		return domain.Classify(domain.ErrClassCloudTransient, fmt.Errorf("modify eni %s attribute: %w", eniId, err))
	}
	return nil
}

func (p *Provider) Tag(ctx context.Context, resourceIds []string, tags map[string]string) error {
	if len(resourceIds) == 0 {
		return nil
	}
	_, err := p.EC2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: resourceIds,
		Tags: lo.MapToSlice(tags, func(k, v string) ec2types.Tag {
			return ec2types.Tag{Key: aws.String(k), Value: aws.String(v)}
		}),
	})
	if err != nil {
		return domain.Classify(domain.ErrClassCloudTransient, fmt.Errorf("create tags on %v: %w", resourceIds, err))
	}
	return nil
}

// ToDomainInstance converts a raw EC2 SDK instance into the reduced
// domain.Instance the reconciliation core operates on. Exported so the
// transplant workflow, which talks to awsapi.EC2API directly instead
// of through Provider, can reuse the same conversion.
func ToDomainInstance(raw ec2types.Instance) domain.Instance {
	return toDomainInstance(raw)
}

func toDomainInstance(raw ec2types.Instance) domain.Instance {
	var state ec2types.InstanceStateName
	if raw.State != nil {
		state = raw.State.Name
	}
	inst := domain.Instance{
		Id:                    aws.ToString(raw.InstanceId),
		PrivateIp:             aws.ToString(raw.PrivateIpAddress),
		State:                 domain.InstanceState(state),
		StateTransitionReason: aws.ToString(raw.StateTransitionReason),
		Lifecycle:             domain.LifecycleOnDemand,
	}
	if raw.InstanceType != "" {
		inst.Type = string(raw.InstanceType)
	}
	if raw.InstanceLifecycle == ec2types.InstanceLifecycleTypeSpot {
		inst.Lifecycle = domain.LifecycleSpot
	}
	if raw.SpotInstanceRequestId != nil {
		inst.SpotRequestId = aws.ToString(raw.SpotInstanceRequestId)
	}
	for _, bdm := range raw.BlockDeviceMappings {
		if bdm.Ebs == nil {
			continue
		}
		inst.BlockDeviceMappings = append(inst.BlockDeviceMappings, domain.BlockDevice{
			DeviceName: aws.ToString(bdm.DeviceName),
			VolumeId:   aws.ToString(bdm.Ebs.VolumeId),
		})
	}
	for _, eni := range raw.NetworkInterfaces {
		nic := domain.NetworkInterface{
			EniId:     aws.ToString(eni.NetworkInterfaceId),
			PrivateIp: aws.ToString(eni.PrivateIpAddress),
		}
		if eni.Attachment != nil {
			nic.AttachmentId = aws.ToString(eni.Attachment.AttachmentId)
			nic.CardIndex = aws.ToInt32(eni.Attachment.DeviceIndex)
		}
		inst.NetworkInterfaces = append(inst.NetworkInterfaces, nic)
	}
	return inst
}
