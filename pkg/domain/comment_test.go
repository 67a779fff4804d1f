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
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
)

func TestDomain(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Domain")
}

var _ = Describe("Comment", func() {
	It("round-trips through String and ParseComment", func() {
		c := domain.Comment{InstanceId: "i-0123", SpotId: "sir-0123"}
		parsed, err := domain.ParseComment(c.String())
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed).To(Equal(c))
	})

	It("decodes an empty string to the zero Comment", func() {
		c, err := domain.ParseComment("")
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Empty()).To(BeTrue())
	})

	DescribeTable("rejects malformed comments instead of silently mis-parsing them",
		func(raw string) {
			_, err := domain.ParseComment(raw)
			Expect(err).To(HaveOccurred())
		},
		Entry("missing SpotId field", "InstanceId:i-0123"),
		Entry("fields out of order", "SpotId:sir-0123,InstanceId:i-0123"),
		Entry("not key:value at all", "just some free text"),
		Entry("a field with no colon", "InstanceId:i-0123,SpotId"),
		Entry("an unrelated key", "foo:bar,baz:qux"),
	)
})
