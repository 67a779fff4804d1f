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

package ranker_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/ranker"
)

func TestRanker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Ranker")
}

type fakePrices map[string]float64

func (f fakePrices) SpotPrice(region, instanceType string) (float64, bool) {
	v, ok := f[instanceType]
	return v, ok
}

type fakeInterruption map[string]int

func (f fakeInterruption) InterruptionRank(instanceType string) (int, bool) {
	v, ok := f[instanceType]
	return v, ok
}

var _ = Describe("Rank", func() {
	types := []string{"m5.large", "m5.xlarge", "c5.large"}

	It("preserves user order for the rank strategy", func() {
		ranked := ranker.Rank(types, domain.AllocationRank, domain.PurchasingOptionSpot, "us-east-1", nil, nil)
		Expect(ranked).To(Equal(types))
	})

	It("forces rank order for on-demand regardless of configured strategy", func() {
		prices := fakePrices{"m5.large": 1.0, "m5.xlarge": 0.1, "c5.large": 0.5}
		ranked := ranker.Rank(types, domain.AllocationLowestPrice, domain.PurchasingOptionOnDemand, "us-east-1", prices, nil)
		Expect(ranked).To(Equal(types))
	})

	It("orders by ascending spot price", func() {
		prices := fakePrices{"m5.large": 1.0, "m5.xlarge": 0.1, "c5.large": 0.5}
		ranked := ranker.Rank(types, domain.AllocationLowestPrice, domain.PurchasingOptionSpot, "us-east-1", prices, nil)
		Expect(ranked).To(Equal([]string{"m5.xlarge", "c5.large", "m5.large"}))
	})

	It("treats missing price data as highest cost", func() {
		prices := fakePrices{"m5.xlarge": 0.1, "c5.large": 0.5}
		ranked := ranker.Rank(types, domain.AllocationLowestPrice, domain.PurchasingOptionSpot, "us-east-1", prices, nil)
		Expect(ranked).To(Equal([]string{"m5.xlarge", "c5.large", "m5.large"}))
	})

	It("orders by ascending interruption rank for capacity-optimized", func() {
		rates := fakeInterruption{"m5.large": 5, "m5.xlarge": 1, "c5.large": 3}
		ranked := ranker.Rank(types, domain.AllocationCapacityOptimized, domain.PurchasingOptionSpot, "us-east-1", nil, rates)
		Expect(ranked).To(Equal([]string{"m5.xlarge", "c5.large", "m5.large"}))
	})

	It("treats missing interruption data as rank 10", func() {
		rates := fakeInterruption{"m5.xlarge": 1, "c5.large": 3}
		ranked := ranker.Rank(types, domain.AllocationCapacityOptimized, domain.PurchasingOptionSpot, "us-east-1", nil, rates)
		Expect(ranked).To(Equal([]string{"m5.xlarge", "c5.large", "m5.large"}))
	})

	It("orders by (interruption-rank+3) x price for price-capacity-optimized", func() {
		prices := fakePrices{"m5.large": 0.2, "m5.xlarge": 0.2, "c5.large": 0.2}
		rates := fakeInterruption{"m5.large": 7, "m5.xlarge": 0, "c5.large": 3}
		ranked := ranker.Rank(types, domain.AllocationPriceCapacityOptimized, domain.PurchasingOptionSpot, "us-east-1", prices, rates)
		Expect(ranked).To(Equal([]string{"m5.xlarge", "c5.large", "m5.large"}))
	})
})
