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

package statemachine_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/fake"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/providers/instance"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/reconcile/acquisition"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/reconcile/statemachine"
)

func TestStatemachine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Statemachine")
}

var _ = Describe("Evaluate", func() {
	var (
		ec2API    *fake.EC2API
		sched     *fake.Scheduler
		provider  *instance.Provider
		machine   *statemachine.Machine
		nodegroup domain.Nodegroup
	)

	BeforeEach(func() {
		ec2API = fake.NewEC2API()
		provider = instance.New(ec2API)
		nodegroup = domain.Nodegroup{
			PartitionName: "compute", NodegroupName: "gpu",
			LaunchTemplateId: "lt-1", SubnetIds: []string{"subnet-a"}, Instances: []string{"m5.large"},
			PurchasingOption: domain.PurchasingOptionOnDemand, InterruptionBehavior: domain.InterruptionStop,
		}
	})

	It("skips a locked node", func() {
		node := domain.Node{Name: "n0", Weight: 0, States: domain.NewStateSet("DOWN")}
		sched = fake.NewScheduler(node)
		machine = statemachine.New(provider, sched, acquisition.New(ec2API, sched, filepath.Join(GinkgoT().TempDir(), "hosts")))

		result, err := machine.Evaluate(context.Background(), node, nodegroup, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ScheduleTransplant).To(BeFalse())
		Expect(sched.Nodes["n0"].States.Has(domain.StateDown)).To(BeTrue())
	})

	It("sets IDLE when DOWN and POWERED_DOWN", func() {
		node := domain.Node{Name: "n0", Weight: 1, States: domain.NewStateSet("DOWN+POWERED_DOWN")}
		sched = fake.NewScheduler(node)
		machine = statemachine.New(provider, sched, acquisition.New(ec2API, sched, filepath.Join(GinkgoT().TempDir(), "hosts")))

		_, err := machine.Evaluate(context.Background(), node, nodegroup, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(sched.Nodes["n0"].States.Has(domain.StateIdle)).To(BeTrue())
	})

	It("invokes acquisition for an unlinked POWERING_UP node", func() {
		node := domain.Node{Name: "n0", Weight: 1, States: domain.NewStateSet("POWERING_UP")}
		sched = fake.NewScheduler(node)
		machine = statemachine.New(provider, sched, acquisition.New(ec2API, sched, filepath.Join(GinkgoT().TempDir(), "hosts")))

		_, err := machine.Evaluate(context.Background(), node, nodegroup, map[string]domain.Instance{})
		Expect(err).NotTo(HaveOccurred())
		Expect(sched.Nodes["n0"].Comment.Empty()).To(BeFalse())
	})

	It("force-powers-down an unlinked node that is not in a transitional power state", func() {
		node := domain.Node{Name: "n0", Weight: 1, States: domain.NewStateSet("IDLE")}
		sched = fake.NewScheduler(node)
		machine = statemachine.New(provider, sched, acquisition.New(ec2API, sched, filepath.Join(GinkgoT().TempDir(), "hosts")))

		_, err := machine.Evaluate(context.Background(), node, nodegroup, map[string]domain.Instance{})
		Expect(err).NotTo(HaveOccurred())
		Expect(sched.Nodes["n0"].States.Has(domain.State("POWER_DOWN_FORCE"))).To(BeTrue())
	})

	It("drains a linked node whose instance just stopped, without scheduling a transplant when maxHibernationMin is unset", func() {
		node := domain.Node{Name: "n0", Weight: 1, States: domain.NewStateSet("ALLOCATED"), Comment: domain.Comment{InstanceId: "i-1"}}
		sched = fake.NewScheduler(node)
		machine = statemachine.New(provider, sched, acquisition.New(ec2API, sched, filepath.Join(GinkgoT().TempDir(), "hosts")))

		instances := map[string]domain.Instance{"i-1": {Id: "i-1", State: domain.InstanceStateStopped}}
		result, err := machine.Evaluate(context.Background(), node, nodegroup, instances)
		Expect(err).NotTo(HaveOccurred())
		Expect(sched.Nodes["n0"].States.Has(domain.StateDrain)).To(BeTrue())
		Expect(result.ScheduleTransplant).To(BeFalse())
	})

	It("schedules a transplant when the instance has been hibernated past the threshold", func() {
		maxMin := 60
		nodegroup.MaxHibernationMin = &maxMin
		node := domain.Node{Name: "n0", Weight: 1, States: domain.NewStateSet("ALLOCATED"), Comment: domain.Comment{InstanceId: "i-1"}}
		sched = fake.NewScheduler(node)
		machine = statemachine.New(provider, sched, acquisition.New(ec2API, sched, filepath.Join(GinkgoT().TempDir(), "hosts")))
		machine.Now = func() time.Time { return time.Date(2026, 7, 31, 3, 0, 0, 0, time.UTC) }

		instances := map[string]domain.Instance{"i-1": {
			Id: "i-1", State: domain.InstanceStateStopped,
			StateTransitionReason: "Client.UserInitiatedHibernate (2026-07-31 00:00:00 UTC)",
		}}
		result, err := machine.Evaluate(context.Background(), node, nodegroup, instances)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ScheduleTransplant).To(BeTrue())
		Expect(result.DonorInstance.Id).To(Equal("i-1"))
	})

	It("undrains a linked, drained node whose instance is no longer stopped", func() {
		node := domain.Node{Name: "n0", Weight: 1, States: domain.NewStateSet("DRAIN"), Comment: domain.Comment{InstanceId: "i-1"}}
		sched = fake.NewScheduler(node)
		machine = statemachine.New(provider, sched, acquisition.New(ec2API, sched, filepath.Join(GinkgoT().TempDir(), "hosts")))

		instances := map[string]domain.Instance{"i-1": {Id: "i-1", State: domain.InstanceStateRunning}}
		_, err := machine.Evaluate(context.Background(), node, nodegroup, instances)
		Expect(err).NotTo(HaveOccurred())
		Expect(sched.Nodes["n0"].States.Has(domain.State("UNDRAIN"))).To(BeTrue())
	})

	It("publishes a nodeaddr update when it diverges from the instance's private ip", func() {
		node := domain.Node{Name: "n0", Weight: 1, States: domain.NewStateSet("ALLOCATED"), NodeAddr: "10.0.0.1", Comment: domain.Comment{InstanceId: "i-1"}}
		sched = fake.NewScheduler(node)
		machine = statemachine.New(provider, sched, acquisition.New(ec2API, sched, filepath.Join(GinkgoT().TempDir(), "hosts")))

		instances := map[string]domain.Instance{"i-1": {Id: "i-1", State: domain.InstanceStateRunning, PrivateIp: "10.0.0.2"}}
		_, err := machine.Evaluate(context.Background(), node, nodegroup, instances)
		Expect(err).NotTo(HaveOccurred())
		Expect(sched.Nodes["n0"].NodeAddr).To(Equal("10.0.0.2"))
	})
})

var _ = Describe("OrphanSets", func() {
	It("computes instances and spot requests unreferenced by any node", func() {
		nodes := []domain.Node{{Name: "n0", Comment: domain.Comment{InstanceId: "i-1", SpotId: "sir-1"}}}
		instances := map[string]domain.Instance{"i-1": {}, "i-2": {}}
		spots := map[string]domain.SpotRequest{"sir-1": {}, "sir-2": {}}

		orphanInstances, orphanSpots := statemachine.OrphanSets(nodes, instances, spots)
		Expect(orphanInstances).To(ConsistOf("i-2"))
		Expect(orphanSpots).To(ConsistOf("sir-2"))
	})
})
