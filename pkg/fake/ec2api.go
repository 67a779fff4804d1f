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

// Package fake provides in-memory test doubles for the EC2 surface and
// the scheduler CLI, so the reconciliation packages can be exercised
// without real AWS credentials or a real scontrol binary.
package fake

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	smithy "github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/aws/awsapi"
)

var _ awsapi.EC2API = (*EC2API)(nil)

// notFoundError satisfies smithy.APIError so instance.notFound
// recognizes it the same way it recognizes a real EC2 error.
type notFoundError struct{ code string }

func (e notFoundError) Error() string     { return e.code }
func (e notFoundError) ErrorCode() string { return e.code }
func (e notFoundError) ErrorMessage() string { return e.code }
func (e notFoundError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

// EC2API is an in-memory fake backing awsapi.EC2API, keyed the way a
// real account would be: instances, spot requests and volumes each
// live in their own map.
type EC2API struct {
	mu sync.Mutex

	Instances    map[string]ec2types.Instance
	SpotRequests map[string]ec2types.SpotInstanceRequest
	Volumes      map[string]ec2types.Volume

	// LaunchTemplateVersions lets tests seed describeLaunchTemplateVersions responses.
	LaunchTemplateVersions map[string]ec2types.LaunchTemplateVersion

	// NextInstanceID lets tests force a deterministic id for the next RunInstances call.
	NextInstanceID string
}

func NewEC2API() *EC2API {
	return &EC2API{
		Instances:              map[string]ec2types.Instance{},
		SpotRequests:           map[string]ec2types.SpotInstanceRequest{},
		Volumes:                map[string]ec2types.Volume{},
		LaunchTemplateVersions: map[string]ec2types.LaunchTemplateVersion{},
	}
}

func (f *EC2API) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(in.InstanceIds) == 1 {
		inst, ok := f.Instances[in.InstanceIds[0]]
		if !ok {
			return nil, notFoundError{code: "InvalidInstanceID.NotFound"}
		}
		return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{inst}}}}, nil
	}

	var out []ec2types.Instance
	for _, inst := range f.Instances {
		if matchesFilters(in.Filters, inst) {
			out = append(out, inst)
		}
	}
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: out}}}, nil
}

func (f *EC2API) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.NextInstanceID
	if id == "" {
		id = "i-" + uuid.NewString()[:8]
	}
	f.NextInstanceID = ""

	inst := ec2types.Instance{
		InstanceId:   aws.String(id),
		InstanceType: in.InstanceType,
		State:        &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
	}
	if in.LaunchTemplate != nil {
		// Real EC2 auto-tags an instance launched from a launch template
		// reference; the reconstructed requests the transplant workflow
		// builds never set this (see pkg/reconcile/transplant), so they
		// never receive it here either.
		inst.Tags = append(inst.Tags, ec2types.Tag{
			Key:   aws.String("aws:ec2launchtemplate:id"),
			Value: aws.String(aws.ToString(in.LaunchTemplate.LaunchTemplateId)),
		})
	}
	for _, ts := range in.TagSpecifications {
		if ts.ResourceType == ec2types.ResourceTypeInstance {
			inst.Tags = append(inst.Tags, ts.Tags...)
		}
	}
	if in.InstanceMarketOptions != nil && in.InstanceMarketOptions.MarketType == ec2types.MarketTypeSpot {
		inst.InstanceLifecycle = ec2types.InstanceLifecycleTypeSpot
		sirID := "sir-" + uuid.NewString()[:8]
		inst.SpotInstanceRequestId = aws.String(sirID)
		f.SpotRequests[sirID] = ec2types.SpotInstanceRequest{
			SpotInstanceRequestId: aws.String(sirID),
			State:                 ec2types.SpotInstanceStateActive,
			InstanceId:            aws.String(id),
		}
	}
	for _, nic := range in.NetworkInterfaces {
		inst.NetworkInterfaces = append(inst.NetworkInterfaces, ec2types.InstanceNetworkInterface{
			NetworkInterfaceId: nic.NetworkInterfaceId,
			Attachment:         &ec2types.InstanceNetworkInterfaceAttachment{AttachmentId: aws.String("eni-attach-" + uuid.NewString()[:8]), DeviceIndex: nic.DeviceIndex},
		})
	}
	f.Instances[id] = inst
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{inst}}, nil
}

func (f *EC2API) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.InstanceIds {
		if inst, ok := f.Instances[id]; ok {
			inst.State = &ec2types.InstanceState{Name: ec2types.InstanceStateNameTerminated}
			f.Instances[id] = inst
		}
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *EC2API) StartInstances(_ context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.InstanceIds {
		if inst, ok := f.Instances[id]; ok {
			inst.State = &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning}
			f.Instances[id] = inst
		}
	}
	return &ec2.StartInstancesOutput{}, nil
}

func (f *EC2API) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.InstanceIds {
		if inst, ok := f.Instances[id]; ok {
			inst.State = &ec2types.InstanceState{Name: ec2types.InstanceStateNameStopped}
			if aws.ToBool(in.Hibernate) {
				inst.StateTransitionReason = aws.String("Client.UserInitiatedHibernate: Client user has requested to hibernate the instance (2026-07-31 00:00:00 UTC)")
			}
			f.Instances[id] = inst
		}
	}
	return &ec2.StopInstancesOutput{}, nil
}

func (f *EC2API) DescribeInstanceStatus(_ context.Context, in *ec2.DescribeInstanceStatusInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var statuses []ec2types.InstanceStatus
	for _, id := range in.InstanceIds {
		if _, ok := f.Instances[id]; ok {
			statuses = append(statuses, ec2types.InstanceStatus{
				InstanceId:   aws.String(id),
				SystemStatus: &ec2types.InstanceStatusSummary{Status: ec2types.SummaryStatusOk},
			})
		}
	}
	return &ec2.DescribeInstanceStatusOutput{InstanceStatuses: statuses}, nil
}

func (f *EC2API) DescribeSpotInstanceRequests(_ context.Context, in *ec2.DescribeSpotInstanceRequestsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(in.SpotInstanceRequestIds) > 0 {
		var out []ec2types.SpotInstanceRequest
		for _, id := range in.SpotInstanceRequestIds {
			sr, ok := f.SpotRequests[id]
			if !ok {
				return nil, notFoundError{code: "InvalidSpotInstanceRequestID.NotFound"}
			}
			out = append(out, sr)
		}
		return &ec2.DescribeSpotInstanceRequestsOutput{SpotInstanceRequests: out}, nil
	}

	var out []ec2types.SpotInstanceRequest
	for _, sr := range f.SpotRequests {
		if matchesSpotFilters(in.Filters, sr) {
			out = append(out, sr)
		}
	}
	return &ec2.DescribeSpotInstanceRequestsOutput{SpotInstanceRequests: out}, nil
}

func (f *EC2API) CancelSpotInstanceRequests(_ context.Context, in *ec2.CancelSpotInstanceRequestsInput, _ ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.SpotInstanceRequestIds {
		if sr, ok := f.SpotRequests[id]; ok {
			sr.State = ec2types.SpotInstanceStateCancelled
			f.SpotRequests[id] = sr
		}
	}
	return &ec2.CancelSpotInstanceRequestsOutput{}, nil
}

func (f *EC2API) DetachVolume(_ context.Context, in *ec2.DetachVolumeInput, _ ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error) {
	return &ec2.DetachVolumeOutput{}, nil
}

func (f *EC2API) AttachVolume(_ context.Context, in *ec2.AttachVolumeInput, _ ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error) {
	return &ec2.AttachVolumeOutput{}, nil
}

func (f *EC2API) DeleteVolume(_ context.Context, in *ec2.DeleteVolumeInput, _ ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Volumes, aws.ToString(in.VolumeId))
	return &ec2.DeleteVolumeOutput{}, nil
}

func (f *EC2API) DescribeVolumes(_ context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ec2types.Volume
	for _, id := range in.VolumeIds {
		if v, ok := f.Volumes[id]; ok {
			out = append(out, v)
		}
	}
	return &ec2.DescribeVolumesOutput{Volumes: out}, nil
}

func (f *EC2API) ModifyNetworkInterfaceAttribute(_ context.Context, in *ec2.ModifyNetworkInterfaceAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyNetworkInterfaceAttributeOutput, error) {
	return &ec2.ModifyNetworkInterfaceAttributeOutput{}, nil
}

func (f *EC2API) DescribeLaunchTemplateVersions(_ context.Context, in *ec2.DescribeLaunchTemplateVersionsInput, _ ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplateVersionsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.LaunchTemplateVersions[aws.ToString(in.LaunchTemplateId)]
	if !ok {
		return nil, notFoundError{code: "InvalidLaunchTemplateId.NotFound"}
	}
	return &ec2.DescribeLaunchTemplateVersionsOutput{LaunchTemplateVersions: []ec2types.LaunchTemplateVersion{v}}, nil
}

// CreateTags merges tags onto every resource id that is a known
// instance or spot request, so a tag-filtered DescribeInstances call
// made in a later sweep can find what an earlier sweep tagged -
// mirroring real EC2's behavior, unlike a no-op stub would.
func (f *EC2API) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Resources {
		if inst, ok := f.Instances[id]; ok {
			inst.Tags = mergeTags(inst.Tags, in.Tags)
			f.Instances[id] = inst
		}
		if sr, ok := f.SpotRequests[id]; ok {
			sr.Tags = mergeTags(sr.Tags, in.Tags)
			f.SpotRequests[id] = sr
		}
	}
	return &ec2.CreateTagsOutput{}, nil
}

func mergeTags(existing, additions []ec2types.Tag) []ec2types.Tag {
	byKey := map[string]string{}
	for _, t := range existing {
		byKey[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	for _, t := range additions {
		byKey[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	out := make([]ec2types.Tag, 0, len(byKey))
	for k, v := range byKey {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}

func matchesFilters(filters []ec2types.Filter, inst ec2types.Instance) bool {
	tags := map[string]string{}
	for _, t := range inst.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	for _, filt := range filters {
		name := aws.ToString(filt.Name)
		switch {
		case name == "instance-state-name":
			var state ec2types.InstanceStateName
			if inst.State != nil {
				state = inst.State.Name
			}
			if !contains(filt.Values, string(state)) {
				return false
			}
		case len(name) > 4 && name[:4] == "tag:":
			key := name[4:]
			if !contains(filt.Values, tags[key]) {
				return false
			}
		}
	}
	return true
}

func matchesSpotFilters(filters []ec2types.Filter, sr ec2types.SpotInstanceRequest) bool {
	tags := map[string]string{}
	for _, t := range sr.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	for _, filt := range filters {
		name := aws.ToString(filt.Name)
		switch {
		case name == "state":
			if !contains(filt.Values, string(sr.State)) {
				return false
			}
		case len(name) > 4 && name[:4] == "tag:":
			key := name[4:]
			if !contains(filt.Values, tags[key]) {
				return false
			}
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
