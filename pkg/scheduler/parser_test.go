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

package scheduler_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/scheduler"
)

func TestScheduler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scheduler")
}

var _ = Describe("ParseShowNodes", func() {
	It("parses a single node spread across multiple lines", func() {
		lines := []string{
			"NodeName=compute-gpu-0 CoresPerSocket=64",
			"   Partitions=compute State=IDLE+CLOUD+POWERED_DOWN",
			"   NodeAddr=compute-gpu-0 Weight=2 Comment=InstanceId:i-0abc,SpotId:sir-0def",
		}
		nodes, err := scheduler.ParseShowNodes(lines)
		Expect(err).NotTo(HaveOccurred())
		Expect(nodes).To(HaveLen(1))

		n := nodes[0]
		Expect(n.Name).To(Equal("compute-gpu-0"))
		Expect(n.Partition).To(Equal("compute"))
		Expect(n.States.Has(domain.StateIdle, domain.StateCloud, domain.StatePoweredDown)).To(BeTrue())
		Expect(n.Weight).To(Equal(2))
		Expect(n.Comment.InstanceId).To(Equal("i-0abc"))
		Expect(n.Comment.SpotId).To(Equal("sir-0def"))
	})

	It("defaults weight to 1 and comment to empty when absent", func() {
		lines := []string{"NodeName=compute-gpu-1", "   State=IDLE"}
		nodes, err := scheduler.ParseShowNodes(lines)
		Expect(err).NotTo(HaveOccurred())
		Expect(nodes[0].Weight).To(Equal(1))
		Expect(nodes[0].Comment.Empty()).To(BeTrue())
	})

	It("parses multiple nodes in one response", func() {
		lines := []string{
			"NodeName=compute-gpu-0",
			"   State=IDLE",
			"NodeName=compute-gpu-1",
			"   State=DOWN",
		}
		nodes, err := scheduler.ParseShowNodes(lines)
		Expect(err).NotTo(HaveOccurred())
		Expect(nodes).To(HaveLen(2))
		Expect(nodes[1].States.Has(domain.StateDown)).To(BeTrue())
	})

	It("rejects duplicate node names", func() {
		lines := []string{
			"NodeName=compute-gpu-0",
			"State=IDLE",
			"NodeName=compute-gpu-0",
			"State=DOWN",
		}
		_, err := scheduler.ParseShowNodes(lines)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("duplicate nodename"))
	})

	It("rejects a malformed comment instead of silently dropping it", func() {
		lines := []string{
			"NodeName=compute-gpu-0",
			"Comment=garbage",
		}
		_, err := scheduler.ParseShowNodes(lines)
		Expect(err).To(HaveOccurred())
	})

	It("returns no nodes for empty output", func() {
		nodes, err := scheduler.ParseShowNodes(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(nodes).To(BeEmpty())
	})
})
