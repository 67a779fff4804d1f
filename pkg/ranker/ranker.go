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

// Package ranker implements the Instance Ranker: a pure function over
// a nodegroup's candidate instance types, its allocation strategy, and
// pricing/interruption data fetched once per sweep.
package ranker

import (
	"sort"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
)

// missingInterruptionRank is the worst possible rank, assigned when no
// interruption data is available for a type.
const missingInterruptionRank = 10

// PriceSource and InterruptionSource are satisfied by
// pkg/providers/pricing.Provider; defined here so the ranker depends
// only on the two lookups it needs, not on HTTP or caching concerns.
type PriceSource interface {
	SpotPrice(region, instanceType string) (price float64, ok bool)
}

type InterruptionSource interface {
	InterruptionRank(instanceType string) (rank int, ok bool)
}

// Rank orders instanceTypes (as given by the nodegroup's Instances
// list) according to strategy, consulting prices and
// interruption only for the strategies that need them.
func Rank(instanceTypes []string, strategy domain.AllocationStrategy, purchasingOption domain.PurchasingOption, region string, prices PriceSource, interruption InterruptionSource) []string {
	effective := strategy
	if purchasingOption == domain.PurchasingOptionOnDemand {
		effective = domain.AllocationRank
	}

	ranked := make([]string, len(instanceTypes))
	copy(ranked, instanceTypes)

	switch effective {
	case domain.AllocationRank:
		// user-provided order, nothing to do.
	case domain.AllocationLowestPrice:
		sort.SliceStable(ranked, func(i, j int) bool {
			return price(ranked[i], region, prices) < price(ranked[j], region, prices)
		})
	case domain.AllocationCapacityOptimized:
		sort.SliceStable(ranked, func(i, j int) bool {
			return interruptionRankOf(ranked[i], interruption) < interruptionRankOf(ranked[j], interruption)
		})
	case domain.AllocationPriceCapacityOptimized:
		sort.SliceStable(ranked, func(i, j int) bool {
			return score(ranked[i], region, prices, interruption) < score(ranked[j], region, prices, interruption)
		})
	}
	return ranked
}

func price(instanceType, region string, prices PriceSource) float64 {
	if prices == nil {
		return highestCost
	}
	p, ok := prices.SpotPrice(region, instanceType)
	if !ok {
		return highestCost
	}
	return p
}

func interruptionRankOf(instanceType string, interruption InterruptionSource) int {
	if interruption == nil {
		return missingInterruptionRank
	}
	r, ok := interruption.InterruptionRank(instanceType)
	if !ok {
		return missingInterruptionRank
	}
	return r
}

// highestCost stands in for "missing price data" so such a type always
// sorts last among lowest-price or price-capacity-optimized orderings.
const highestCost = 1 << 30

func score(instanceType, region string, prices PriceSource, interruption InterruptionSource) float64 {
	return float64(interruptionRankOf(instanceType, interruption)+3) * price(instanceType, region, prices)
}
