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

package transplant

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/aws/awsapi"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
)

// reconstructRunInstancesInput builds the recipient's launch request by
// fetching the nodegroup's launch template's most recent version and
// copying its fields onto a RunInstancesInput by hand, rather than passing
// LaunchTemplate as a reference. A reference can only be overridden,
// never subtracted from: EC2 rejects a request that both references a
// template carrying SecurityGroupIds and specifies NetworkInterfaces
// explicitly, so SecurityGroupIds and UserData are dropped by copying
// the template's fields in by hand and not carrying those two over.
// The fields copied are ImageId, KeyName, EbsOptimized,
// DisableApiTermination, BlockDeviceMappings, CreditSpecification,
// CpuOptions, MetadataOptions, Placement, IamInstanceProfile, Monitoring
// and InstanceInitiatedShutdownBehavior; any other template field is not
// carried over. The nodegroup's Overrides are merged on top, the donor's NICs are
// injected verbatim, HibernationOptions.Configured is forced true, and
// InstanceType is pinned to the donor's so the recipient can hibernate
// at the same size. Because this reconstructed request carries no
// LaunchTemplate reference, the recipient never receives EC2's
// automatic "aws:ec2launchtemplate:id" tag; Run (see transplant.go)
// compensates by tagging it with an explicit "launchtemplate" tag that
// pkg/providers/instance's nodegroup filter also matches on.
func reconstructRunInstancesInput(ctx context.Context, ec2api awsapi.EC2API, launchTemplateId string, overrides map[string]string, donor domain.Instance, donorNICs []domain.NetworkInterface) (*ec2.RunInstancesInput, error) {
	out, err := ec2api.DescribeLaunchTemplateVersions(ctx, &ec2.DescribeLaunchTemplateVersionsInput{
		LaunchTemplateId: aws.String(launchTemplateId),
		Versions:         []string{"$Latest"},
	})
	if err != nil {
		return nil, fmt.Errorf("describe launch template %s versions: %w", launchTemplateId, err)
	}
	if len(out.LaunchTemplateVersions) == 0 || out.LaunchTemplateVersions[0].LaunchTemplateData == nil {
		return nil, fmt.Errorf("launch template %s has no versions", launchTemplateId)
	}
	data := out.LaunchTemplateVersions[0].LaunchTemplateData

	in := &ec2.RunInstancesInput{
		MinCount:              aws.Int32(1),
		MaxCount:               aws.Int32(1),
		ImageId:               data.ImageId,
		KeyName:               data.KeyName,
		EbsOptimized:          data.EbsOptimized,
		DisableApiTermination: data.DisableApiTermination,
		BlockDeviceMappings:   convertBlockDeviceMappings(data.BlockDeviceMappings),
		CreditSpecification:   convertCreditSpecification(data.CreditSpecification),
		CpuOptions:            convertCPUOptions(data.CpuOptions),
		MetadataOptions:       convertMetadataOptions(data.MetadataOptions),
		Placement:             convertPlacement(data.Placement),
		IamInstanceProfile:    convertIamInstanceProfile(data.IamInstanceProfile),

		// Deliberately dropped: SecurityGroupIds, SecurityGroups and
		// UserData are never copied from the template, since EC2 rejects
		// a request that references a template carrying SecurityGroupIds
		// while also specifying NetworkInterfaces explicitly.
		InstanceType: ec2types.InstanceType(donor.Type),
		HibernationOptions: &ec2types.HibernationOptionsRequest{
			Configured: aws.Bool(true),
		},
	}
	if data.Monitoring != nil {
		in.Monitoring = &ec2types.RunInstancesMonitoringEnabled{Enabled: data.Monitoring.Enabled}
	}
	if data.InstanceInitiatedShutdownBehavior != "" {
		in.InstanceInitiatedShutdownBehavior = ec2types.ShutdownBehavior(data.InstanceInitiatedShutdownBehavior)
	}

	in.NetworkInterfaces = make([]ec2types.InstanceNetworkInterfaceSpecification, 0, len(donorNICs))
	for _, nic := range donorNICs {
		in.NetworkInterfaces = append(in.NetworkInterfaces, ec2types.InstanceNetworkInterfaceSpecification{
			DeviceIndex:        aws.Int32(nic.CardIndex),
			NetworkInterfaceId: aws.String(nic.EniId),
		})
	}

	applyOverrides(in, overrides)
	return in, nil
}

func convertBlockDeviceMappings(src []ec2types.LaunchTemplateBlockDeviceMapping) []ec2types.BlockDeviceMapping {
	if len(src) == 0 {
		return nil
	}
	out := make([]ec2types.BlockDeviceMapping, 0, len(src))
	for _, bdm := range src {
		mapped := ec2types.BlockDeviceMapping{
			DeviceName:  bdm.DeviceName,
			NoDevice:    bdm.NoDevice,
			VirtualName: bdm.VirtualName,
		}
		if bdm.Ebs != nil {
			mapped.Ebs = &ec2types.EbsBlockDevice{
				DeleteOnTermination: bdm.Ebs.DeleteOnTermination,
				Encrypted:           bdm.Ebs.Encrypted,
				Iops:                bdm.Ebs.Iops,
				KmsKeyId:            bdm.Ebs.KmsKeyId,
				Throughput:          bdm.Ebs.Throughput,
				VolumeSize:          bdm.Ebs.VolumeSize,
				VolumeType:          bdm.Ebs.VolumeType,
			}
		}
		out = append(out, mapped)
	}
	return out
}

func convertCreditSpecification(src *ec2types.CreditSpecification) *ec2types.CreditSpecificationRequest {
	if src == nil {
		return nil
	}
	return &ec2types.CreditSpecificationRequest{CpuCredits: src.CpuCredits}
}

func convertCPUOptions(src *ec2types.LaunchTemplateCpuOptions) *ec2types.CpuOptionsRequest {
	if src == nil {
		return nil
	}
	return &ec2types.CpuOptionsRequest{CoreCount: src.CoreCount, ThreadsPerCore: src.ThreadsPerCore}
}

func convertMetadataOptions(src *ec2types.LaunchTemplateInstanceMetadataOptions) *ec2types.InstanceMetadataOptionsRequest {
	if src == nil {
		return nil
	}
	return &ec2types.InstanceMetadataOptionsRequest{
		HttpEndpoint:            ec2types.InstanceMetadataEndpointState(src.HttpEndpoint),
		HttpProtocolIpv6:        ec2types.InstanceMetadataProtocolState(src.HttpProtocolIpv6),
		HttpPutResponseHopLimit: src.HttpPutResponseHopLimit,
		HttpTokens:              ec2types.HttpTokensState(src.HttpTokens),
		InstanceMetadataTags:    ec2types.InstanceMetadataTagsState(src.InstanceMetadataTags),
	}
}

func convertPlacement(src *ec2types.LaunchTemplatePlacement) *ec2types.Placement {
	if src == nil {
		return nil
	}
	return &ec2types.Placement{
		Affinity:         src.Affinity,
		AvailabilityZone: src.AvailabilityZone,
		GroupName:        src.GroupName,
		HostId:           src.HostId,
		PartitionNumber:  src.PartitionNumber,
		SpreadDomain:     src.SpreadDomain,
		Tenancy:          src.Tenancy,
	}
}

func convertIamInstanceProfile(src *ec2types.LaunchTemplateIamInstanceProfileSpecification) *ec2types.IamInstanceProfileSpecification {
	if src == nil {
		return nil
	}
	return &ec2types.IamInstanceProfileSpecification{Arn: src.Arn, Name: src.Name}
}

// applyOverrides merges the nodegroup's raw key/value overrides over
// the reconstructed request, recognizing the handful of fields that
// make sense as a per-nodegroup override on an already-typed request.
func applyOverrides(in *ec2.RunInstancesInput, overrides map[string]string) {
	for k, v := range overrides {
		switch k {
		case "KeyName":
			in.KeyName = aws.String(v)
		case "IamInstanceProfileArn":
			in.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{Arn: aws.String(v)}
		case "IamInstanceProfileName":
			in.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{Name: aws.String(v)}
		}
	}
}
