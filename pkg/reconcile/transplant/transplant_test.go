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

package transplant_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/fake"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/reconcile/transplant"
)

func TestTransplant(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Transplant")
}

var _ = Describe("Run", func() {
	const (
		donorId   = "i-donor01"
		donorSir  = "sir-donor01"
		nodeName  = "compute-0"
		ltId      = "lt-0123"
		donorVol  = "vol-root"
		donorEni  = "eni-0"
		donorAttc = "eni-attach-0"
	)

	var (
		ec2API    *fake.EC2API
		sched     *fake.Scheduler
		workflow  *transplant.Workflow
		nodegroup domain.Nodegroup
	)

	BeforeEach(func() {
		ec2API = fake.NewEC2API()
		ec2API.Instances[donorId] = ec2types.Instance{
			InstanceId:            aws.String(donorId),
			InstanceType:          ec2types.InstanceTypeM5Large,
			State:                 &ec2types.InstanceState{Name: ec2types.InstanceStateNameStopped},
			InstanceLifecycle:     ec2types.InstanceLifecycleTypeSpot,
			SpotInstanceRequestId: aws.String(donorSir),
			BlockDeviceMappings: []ec2types.InstanceBlockDeviceMapping{
				{DeviceName: aws.String("/dev/sda1"), Ebs: &ec2types.EbsInstanceBlockDevice{VolumeId: aws.String(donorVol)}},
			},
			NetworkInterfaces: []ec2types.InstanceNetworkInterface{
				{
					NetworkInterfaceId: aws.String(donorEni),
					PrivateIpAddress:   aws.String("10.0.0.5"),
					Attachment:         &ec2types.InstanceNetworkInterfaceAttachment{AttachmentId: aws.String(donorAttc), DeviceIndex: aws.Int32(0)},
				},
			},
		}
		ec2API.SpotRequests[donorSir] = ec2types.SpotInstanceRequest{
			SpotInstanceRequestId: aws.String(donorSir),
			State:                 ec2types.SpotInstanceStateActive,
			InstanceId:            aws.String(donorId),
		}
		ec2API.LaunchTemplateVersions[ltId] = ec2types.LaunchTemplateVersion{
			LaunchTemplateId: aws.String(ltId),
			LaunchTemplateData: &ec2types.ResponseLaunchTemplateData{
				ImageId:      aws.String("ami-1234"),
				InstanceType: ec2types.InstanceTypeM5Large,
			},
		}

		node := domain.Node{
			Name:    nodeName,
			States:  domain.NewStateSet("DRAIN"),
			Weight:  0,
			Comment: domain.Comment{InstanceId: donorId, SpotId: donorSir},
		}
		sched = fake.NewScheduler(node)

		nodegroup = domain.Nodegroup{
			PartitionName:    "compute",
			NodegroupName:    "gpu",
			PurchasingOption: domain.PurchasingOptionSpot,
			LaunchTemplateId: ltId,
			SubnetIds:        []string{"subnet-a"},
			Instances:        []string{"m5.large"},
		}

		workflow = transplant.New(ec2API, sched)
		workflow.Sleep = func(time.Duration) {}
	})

	It("swaps the hibernated spot donor for a fresh on-demand recipient and restores weight", func() {
		err := workflow.Run(context.Background(), nodeName, donorId, nodegroup)
		Expect(err).NotTo(HaveOccurred())

		updated := sched.Nodes[nodeName]
		Expect(updated.Weight).To(Equal(1), "weight must be restored once the workflow exits")
		Expect(updated.Comment.InstanceId).NotTo(Equal(donorId), "node must be re-pointed at the recipient")
		Expect(updated.States.Has("UNDRAIN")).To(BeTrue())

		donorAfter := ec2API.Instances[donorId]
		Expect(donorAfter.State.Name).To(Equal(ec2types.InstanceStateNameTerminated))

		spotAfter := ec2API.SpotRequests[donorSir]
		Expect(spotAfter.State).To(Equal(ec2types.SpotInstanceStateCancelled))

		recipientId := updated.Comment.InstanceId
		Expect(recipientId).NotTo(BeEmpty())
		recipient, ok := ec2API.Instances[recipientId]
		Expect(ok).To(BeTrue())
		Expect(recipient.State.Name).To(Equal(ec2types.InstanceStateNameRunning))
		Expect(recipient.InstanceType).To(Equal(ec2types.InstanceTypeM5Large))

		// The recipient carries the donor's ENI, grafted in step 5/6.
		Expect(recipient.NetworkInterfaces).To(HaveLen(1))
		Expect(aws.ToString(recipient.NetworkInterfaces[0].NetworkInterfaceId)).To(Equal(donorEni))
	})

	It("restores weight to 1 even when the launch template cannot be found", func() {
		nodegroup.LaunchTemplateId = "lt-does-not-exist"

		err := workflow.Run(context.Background(), nodeName, donorId, nodegroup)
		Expect(err).To(HaveOccurred())

		Expect(sched.Nodes[nodeName].Weight).To(Equal(1))
	})

	It("aborts before touching the donor when it is no longer stopped", func() {
		donor := ec2API.Instances[donorId]
		donor.State = &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning}
		ec2API.Instances[donorId] = donor

		err := workflow.Run(context.Background(), nodeName, donorId, nodegroup)
		Expect(err).To(HaveOccurred())

		class, ok := domain.ClassOf(err)
		Expect(ok).To(BeTrue())
		Expect(class).To(Equal(domain.ErrClassTransplantFailure))
		Expect(sched.Nodes[nodeName].Weight).To(Equal(1))
	})
})
