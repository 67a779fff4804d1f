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

package domain

import "fmt"

// PurchasingOption is a nodegroup's procurement mode.
type PurchasingOption string

const (
	PurchasingOptionSpot     PurchasingOption = "spot"
	PurchasingOptionOnDemand PurchasingOption = "on-demand"
)

// InterruptionBehavior is what a spot instance does when reclaimed.
type InterruptionBehavior string

const (
	InterruptionTerminate InterruptionBehavior = "terminate"
	InterruptionStop      InterruptionBehavior = "stop"
	InterruptionHibernate InterruptionBehavior = "hibernate"
)

// AllocationStrategy selects how the Instance Ranker orders candidate
// instance types.
type AllocationStrategy string

const (
	AllocationRank                  AllocationStrategy = "rank"
	AllocationLowestPrice           AllocationStrategy = "lowest-price"
	AllocationCapacityOptimized     AllocationStrategy = "capacity-optimized"
	AllocationPriceCapacityOptimized AllocationStrategy = "price-capacity-optimized"
)

// Nodegroup is the static procurement policy for one nodegroup, loaded
// from the daemon's configuration file.
type Nodegroup struct {
	PartitionName        string
	NodegroupName        string
	NumNodes             int
	PurchasingOption     PurchasingOption
	InterruptionBehavior InterruptionBehavior
	AllocationStrategy   AllocationStrategy
	LaunchTemplateId     string
	SubnetIds            []string
	Instances            []string
	Overrides            map[string]string
	MaxHibernationMin    *int
}

// Prefix is the "<partition>-<nodegroup>" string used to tag and filter
// cloud resources and to select this nodegroup's nodes by name.
func (n Nodegroup) Prefix() string {
	return fmt.Sprintf("%s-%s", n.PartitionName, n.NodegroupName)
}

// EffectiveAllocationStrategy forces on-demand nodegroups to always
// rank in user-provided order, regardless of their configured strategy.
func (n Nodegroup) EffectiveAllocationStrategy() AllocationStrategy {
	if n.PurchasingOption == PurchasingOptionOnDemand {
		return AllocationRank
	}
	return n.AllocationStrategy
}

// Validate enforces the one cross-field invariant worth checking here:
// a spot nodegroup must not use "terminate" as its interruption
// behavior (a terminated spot instance can never be reconciled back to
// a stable state by this daemon).
func (n Nodegroup) Validate() error {
	if n.PurchasingOption == PurchasingOptionSpot && n.InterruptionBehavior == InterruptionTerminate {
		return fmt.Errorf("nodegroup %s: purchasingOption=spot cannot use interruptionBehavior=terminate", n.Prefix())
	}
	return nil
}
