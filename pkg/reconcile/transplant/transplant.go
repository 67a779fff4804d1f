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

// Package transplant implements the Transplant Workflow: swap a
// hibernated spot donor instance for a fresh hibernated on-demand
// recipient, carrying over its volumes and network interfaces.
package transplant

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/avast/retry-go"
	"github.com/awslabs/operatorpkg/serrors"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/aws/awsapi"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/logging"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/providers/instance"
)

// SchedulerClient is the scheduler operation the workflow issues.
type SchedulerClient interface {
	UpdateNode(ctx context.Context, nodeName string, params map[string]string) error
}

// Workflow runs the 14-step hibernated spot-to-on-demand transplant.
type Workflow struct {
	EC2       awsapi.EC2API
	Scheduler SchedulerClient

	Sleep func(time.Duration)

	ReachabilityRetryOptions []retry.Option
	StoppedRetryOptions      []retry.Option
}

func New(ec2api awsapi.EC2API, sched SchedulerClient) *Workflow {
	return &Workflow{
		EC2:       ec2api,
		Scheduler: sched,
		Sleep:     time.Sleep,
		ReachabilityRetryOptions: []retry.Option{
			retry.Delay(5 * time.Second),
			retry.DelayType(retry.FixedDelay),
			retry.Attempts(36), // ~3 minutes
			retry.LastErrorOnly(true),
		},
		StoppedRetryOptions: []retry.Option{
			retry.Delay(5 * time.Second),
			retry.DelayType(retry.FixedDelay),
			retry.Attempts(24), // ~2 minutes
			retry.LastErrorOnly(true),
		},
	}
}

// Run executes the transplant for node, whose donor instance is
// donorId, in nodegroup. node.Weight must already be 0 (the Sweep
// Driver sets it before invoking Run); weight is restored to 1 on
// every exit path.
func (w *Workflow) Run(ctx context.Context, nodeName string, donorId string, nodegroup domain.Nodegroup) error {
	log := logging.FromContext(ctx)
	defer func() {
		if err := w.Scheduler.UpdateNode(ctx, nodeName, map[string]string{"weight": "1"}); err != nil {
			log.Errorw("failed to restore weight after transplant", "node", nodeName, "error", err)
		}
	}()

	donor, err := w.describeDonor(ctx, donorId)
	if err != nil {
		return domain.Classify(domain.ErrClassTransplantFailure, err)
	}

	// Step 1: cancel the donor's spot request.
	if donor.SpotRequestId != "" {
		if _, err := w.EC2.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{
			SpotInstanceRequestIds: []string{donor.SpotRequestId},
		}); err != nil {
			return domain.Classify(domain.ErrClassTransplantFailure, serrors.Wrap(err, "donor-id", donorId, "spot-request-id", donor.SpotRequestId))
		}
	}
	donor, err = w.describeDonor(ctx, donorId)
	if err != nil {
		return domain.Classify(domain.ErrClassTransplantFailure, err)
	}

	// Step 2: record and detach donor volumes.
	donorVolumes := donor.BlockDeviceMappings
	for _, bdm := range donorVolumes {
		if _, err := w.EC2.DetachVolume(ctx, &ec2.DetachVolumeInput{VolumeId: aws.String(bdm.VolumeId), InstanceId: aws.String(donor.Id)}); err != nil {
			return domain.Classify(domain.ErrClassTransplantFailure, serrors.Wrap(err, "donor-id", donor.Id, "volume-id", bdm.VolumeId))
		}
	}
	donor, err = w.describeDonor(ctx, donorId)
	if err != nil {
		return domain.Classify(domain.ErrClassTransplantFailure, err)
	}

	// Step 3: record donor ENIs and disable DeleteOnTermination.
	donorNICs := donor.NetworkInterfaces
	for _, nic := range donorNICs {
		if _, err := w.EC2.ModifyNetworkInterfaceAttribute(ctx, &ec2.ModifyNetworkInterfaceAttributeInput{
			NetworkInterfaceId: aws.String(nic.EniId),
			Attachment: &ec2types.NetworkInterfaceAttachmentChanges{
				AttachmentId:        aws.String(nic.AttachmentId),
				DeleteOnTermination: aws.Bool(false),
			},
		}); err != nil {
			return domain.Classify(domain.ErrClassTransplantFailure, serrors.Wrap(err, "donor-id", donor.Id, "eni-id", nic.EniId))
		}
	}
	donor, err = w.describeDonor(ctx, donorId)
	if err != nil {
		return domain.Classify(domain.ErrClassTransplantFailure, err)
	}
	if donor.State != domain.InstanceStateStopped {
		return domain.Classify(domain.ErrClassTransplantFailure, fmt.Errorf("donor %s no longer stopped, aborting transplant", donorId))
	}

	// Step 4: terminate the donor.
	if _, err := w.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{donor.Id}}); err != nil {
		return domain.Classify(domain.ErrClassTransplantFailure, serrors.Wrap(err, "donor-id", donor.Id))
	}

	// Step 5: build the recipient's launch request against the
	// nodegroup's own launch template, grafting on the donor's ENIs.
	runInput, err := reconstructRunInstancesInput(ctx, w.EC2, nodegroup.LaunchTemplateId, nodegroup.Overrides, donor, donorNICs)
	if err != nil {
		return domain.Classify(domain.ErrClassTransplantFailure, serrors.Wrap(err, "node", nodeName, "launch-template-id", nodegroup.LaunchTemplateId))
	}

	// Step 6: runInstances (on-demand) with nodegroup tags, publish
	// comment. The reconstructed request carries no LaunchTemplate
	// reference (see launchtemplate.go), so it never receives EC2's
	// automatic "aws:ec2launchtemplate:id" tag; "launchtemplate" stands
	// in for it so the next sweep's nodegroup filter still finds this
	// instance (manually setting an "aws:"-prefixed tag is rejected by
	// the API).
	runInput.TagSpecifications = []ec2types.TagSpecification{{
		ResourceType: ec2types.ResourceTypeInstance,
		Tags: []ec2types.Tag{
			{Key: aws.String("Name"), Value: aws.String(nodeName)},
			{Key: aws.String("nodegroup"), Value: aws.String(nodegroup.Prefix())},
			{Key: aws.String("launchtemplate"), Value: aws.String(nodegroup.LaunchTemplateId)},
		},
	}}
	runOut, err := w.EC2.RunInstances(ctx, runInput)
	if err != nil || len(runOut.Instances) == 0 {
		return domain.Classify(domain.ErrClassTransplantFailure, serrors.Wrap(err, "node", nodeName, "launch-template-id", nodegroup.LaunchTemplateId))
	}
	recipientId := aws.ToString(runOut.Instances[0].InstanceId)
	if err := w.Scheduler.UpdateNode(ctx, nodeName, map[string]string{
		"comment": domain.Comment{InstanceId: recipientId}.String(),
	}); err != nil {
		return domain.Classify(domain.ErrClassTransplantFailure, serrors.Wrap(err, "node", nodeName, "recipient-id", recipientId))
	}

	// Step 7: poll reachability, then settle.
	if err := retry.Do(func() error {
		out, err := w.EC2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{InstanceIds: []string{recipientId}})
		if err != nil {
			return err
		}
		for _, st := range out.InstanceStatuses {
			if st.SystemStatus != nil && st.SystemStatus.Status == ec2types.SummaryStatusOk {
				return nil
			}
		}
		return fmt.Errorf("recipient %s not yet reachable", recipientId)
	}, w.ReachabilityRetryOptions...); err != nil {
		return domain.Classify(domain.ErrClassTransplantFailure, serrors.Wrap(err, "recipient-id", recipientId))
	}
	w.Sleep(20 * time.Second)

	// Step 8: hibernate and poll for stopped.
	if _, err := w.EC2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{recipientId}, Hibernate: aws.Bool(true)}); err != nil {
		return domain.Classify(domain.ErrClassTransplantFailure, serrors.Wrap(err, "recipient-id", recipientId))
	}
	if err := retry.Do(func() error {
		out, err := w.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{recipientId}})
		if err != nil {
			return err
		}
		for _, r := range out.Reservations {
			for _, inst := range r.Instances {
				if inst.State.Name == ec2types.InstanceStateNameStopped {
					return nil
				}
			}
		}
		return fmt.Errorf("recipient %s not yet stopped", recipientId)
	}, w.StoppedRetryOptions...); err != nil {
		return domain.Classify(domain.ErrClassTransplantFailure, serrors.Wrap(err, "recipient-id", recipientId))
	}

	// Everything from here is best-effort: log and continue on failure.
	recipientDesc, ok, err := w.reDescribe(ctx, recipientId)
	if err != nil || !ok {
		log.Errorw("failed to re-read recipient before ENI/volume swap", "recipient", recipientId, "error", err)
		return nil
	}

	// Step 9: re-enable DeleteOnTermination on recipient ENIs.
	for _, nic := range recipientDesc.NetworkInterfaces {
		if _, err := w.EC2.ModifyNetworkInterfaceAttribute(ctx, &ec2.ModifyNetworkInterfaceAttributeInput{
			NetworkInterfaceId: aws.String(nic.EniId),
			Attachment: &ec2types.NetworkInterfaceAttachmentChanges{
				AttachmentId:        aws.String(nic.AttachmentId),
				DeleteOnTermination: aws.Bool(true),
			},
		}); err != nil {
			log.Errorw("failed to re-enable delete-on-termination", "eni", nic.EniId, "error", err)
		}
	}

	// Step 10: detach and record recipient's original volumes. Re-read
	// each volume's attachment state first, so a volume already detached
	// by a previous partial run of this step isn't detached again.
	recipientOriginalVolumes := recipientDesc.BlockDeviceMappings
	attached := w.attachedVolumes(ctx, recipientOriginalVolumes)
	for _, bdm := range recipientOriginalVolumes {
		if !attached[bdm.VolumeId] {
			continue
		}
		if _, err := w.EC2.DetachVolume(ctx, &ec2.DetachVolumeInput{VolumeId: aws.String(bdm.VolumeId), InstanceId: aws.String(recipientId)}); err != nil {
			log.Errorw("failed to detach recipient original volume", "volume", bdm.VolumeId, "error", err)
		}
	}

	// Step 11: settle, then attach donor volumes using donor device names.
	w.Sleep(10 * time.Second)
	for _, bdm := range donorVolumes {
		if err := w.attachVolume(ctx, bdm.DeviceName, recipientId, bdm.VolumeId); err != nil {
			log.Errorw("failed to attach donor volume to recipient", "volume", bdm.VolumeId, "error", err)
		}
	}

	// Step 12: start the recipient.
	if _, err := w.EC2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{recipientId}}); err != nil {
		log.Errorw("failed to start recipient", "recipient", recipientId, "error", err)
	}

	// Step 13: delete recipient's original volumes.
	for _, bdm := range recipientOriginalVolumes {
		if _, err := w.EC2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(bdm.VolumeId)}); err != nil {
			log.Errorw("failed to delete recipient original volume", "volume", bdm.VolumeId, "error", err)
		}
	}

	// Step 14: undrain.
	if err := w.Scheduler.UpdateNode(ctx, nodeName, map[string]string{"state": "UNDRAIN"}); err != nil {
		log.Errorw("failed to undrain node after transplant", "node", nodeName, "error", err)
	}
	return nil
}

// attachedVolumes describes bdms and returns the subset still reporting
// an "attached" attachment state. A describe failure is treated as
// "nothing confirmed attached" so the caller's best-effort loop skips
// detaching rather than risking a call against a volume that already
// moved on.
func (w *Workflow) attachedVolumes(ctx context.Context, bdms []domain.BlockDevice) map[string]bool {
	attached := map[string]bool{}
	if len(bdms) == 0 {
		return attached
	}
	volIds := make([]string, len(bdms))
	for i, bdm := range bdms {
		volIds[i] = bdm.VolumeId
	}
	out, err := w.EC2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: volIds})
	if err != nil {
		logging.FromContext(ctx).Errorw("failed to describe recipient's original volumes", "volume-ids", volIds, "error", err)
		return attached
	}
	for _, v := range out.Volumes {
		for _, att := range v.Attachments {
			if att.State == ec2types.VolumeAttachmentStateAttached {
				attached[aws.ToString(v.VolumeId)] = true
			}
		}
	}
	return attached
}

func (w *Workflow) attachVolume(ctx context.Context, device, instanceId, volumeId string) error {
	_, err := w.EC2.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(device),
		InstanceId: aws.String(instanceId),
		VolumeId:   aws.String(volumeId),
	})
	return err
}

// describeDonor re-reads the donor and aborts if it is no longer
// stopped, the guard every step requires against
// concurrent resumption.
func (w *Workflow) describeDonor(ctx context.Context, donorId string) (domain.Instance, error) {
	inst, ok, err := w.reDescribe(ctx, donorId)
	if err != nil {
		return domain.Instance{}, fmt.Errorf("describe donor %s: %w", donorId, err)
	}
	if !ok {
		return domain.Instance{}, fmt.Errorf("donor %s no longer exists, aborting transplant", donorId)
	}
	if inst.State != domain.InstanceStateStopped {
		return domain.Instance{}, fmt.Errorf("donor %s state is %s, not stopped, aborting transplant", donorId, inst.State)
	}
	return inst, nil
}

func (w *Workflow) reDescribe(ctx context.Context, id string) (domain.Instance, bool, error) {
	out, err := w.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return domain.Instance{}, false, err
	}
	for _, r := range out.Reservations {
		for _, raw := range r.Instances {
			return instance.ToDomainInstance(raw), true, nil
		}
	}
	return domain.Instance{}, false, nil
}
