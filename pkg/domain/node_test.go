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

package domain_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
)

var _ = Describe("StateSet", func() {
	It("parses a \"+\"-joined state string", func() {
		set := domain.NewStateSet("IDLE+CLOUD+POWERED_DOWN")
		Expect(set.Has(domain.StateIdle, domain.StateCloud, domain.StatePoweredDown)).To(BeTrue())
		Expect(set.Has(domain.StateDown)).To(BeFalse())
	})

	It("HasAny matches when at least one named state is present", func() {
		set := domain.NewStateSet("DRAIN+CLOUD")
		Expect(set.HasAny(domain.StateDown, domain.StateDrain)).To(BeTrue())
		Expect(set.HasAny(domain.StateDown, domain.StateIdle)).To(BeFalse())
	})

	It("ignores an empty segment", func() {
		set := domain.NewStateSet("")
		Expect(set).To(BeEmpty())
	})
})

var _ = Describe("Node.Locked", func() {
	It("is true exactly when Weight is the 0 sentinel", func() {
		Expect(domain.Node{Weight: 0}.Locked()).To(BeTrue())
		Expect(domain.Node{Weight: 1}.Locked()).To(BeFalse())
	})
})

var _ = Describe("NodegroupPrefix", func() {
	It("strips the trailing node index", func() {
		Expect(domain.NodegroupPrefix("p1-ng1-42")).To(Equal("p1-ng1"))
	})

	It("returns the whole name when there is no hyphen", func() {
		Expect(domain.NodegroupPrefix("solo")).To(Equal("solo"))
	})
})
