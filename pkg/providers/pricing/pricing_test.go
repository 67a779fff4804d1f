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

package pricing

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestPricing(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pricing")
}

var _ = DescribeTable("stripJSONP",
	func(in, want string) {
		Expect(string(stripJSONP([]byte(in)))).To(Equal(want))
	},
	Entry("plain JSON object passes through", `{"a":1}`, `{"a":1}`),
	Entry("a JSONP callback wrapper is stripped", `callback({"a":1});`, `{"a":1}`),
	Entry("leading/trailing whitespace is tolerated", "  {\"a\":1}  ", `{"a":1}`),
)

var _ = Describe("parseSpotPriceBody", func() {
	const doc = `{
		"config": {
			"regions": [
				{
					"region": "us-east-1",
					"instanceTypes": [
						{
							"type": "generalCurrentGen",
							"sizes": [
								{
									"size": "m5.large",
									"valueColumns": [
										{"name": "linux", "prices": {"USD": "0.0321"}}
									]
								}
							]
						}
					]
				},
				{
					"region": "us-west-2",
					"instanceTypes": [
						{
							"type": "generalCurrentGen",
							"sizes": [
								{
									"size": "m5.large",
									"valueColumns": [
										{"name": "linux", "prices": {"USD": "0.0299"}}
									]
								}
							]
						}
					]
				}
			]
		}
	}`

	It("flattens only the requested region's prices", func() {
		prices, err := parseSpotPriceBody([]byte(doc), "us-east-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(prices).To(HaveKeyWithValue("m5.large", 0.0321))
		Expect(prices).To(HaveLen(1))
	})

	It("returns an empty map for a region absent from the feed", func() {
		prices, err := parseSpotPriceBody([]byte(doc), "eu-west-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(prices).To(BeEmpty())
	})

	It("errors on malformed JSON", func() {
		_, err := parseSpotPriceBody([]byte("not json"), "us-east-1")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("parseInterruptionBody", func() {
	const doc = `{
		"spot_advisor": {
			"us-east-1": {
				"Linux": {
					"Types": {
						"m5.large": {"r": 2},
						"m5.xlarge": {"r": 4}
					}
				}
			},
			"us-west-2": {
				"Linux": {
					"Types": {
						"m5.large": {"r": 5}
					}
				}
			}
		}
	}`

	It("keeps the worst (highest) rank seen for an instance type across regions", func() {
		ranks, err := parseInterruptionBody([]byte(doc))
		Expect(err).NotTo(HaveOccurred())
		Expect(ranks).To(HaveKeyWithValue("m5.large", 5))
		Expect(ranks).To(HaveKeyWithValue("m5.xlarge", 4))
	})

	It("ignores a region with no Linux entry", func() {
		noLinux := `{"spot_advisor":{"us-east-1":{"Windows":{"Types":{"m5.large":{"r":9}}}}}}`
		ranks, err := parseInterruptionBody([]byte(noLinux))
		Expect(err).NotTo(HaveOccurred())
		Expect(ranks).To(BeEmpty())
	})
})
