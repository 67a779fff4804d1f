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

// Package config loads and validates the daemon's JSON configuration
// file, the typed replacement for the original Python daemon's
// common.py:validate_config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/logging"
)

// NodegroupSpec is the on-disk shape of one nodegroup's configuration,
// matching the daemon's documented configuration schema field-for-field.
type NodegroupSpec struct {
	NumNodes             int               `json:"NumNodes"`
	PurchasingOption     string            `json:"PurchasingOption"`
	AllocationStrategy   string            `json:"AllocationStrategy"`
	InterruptionBehavior string            `json:"InteruptionBehavior"`
	LaunchTemplate       string            `json:"LaunchTemplate"`
	SubnetIds            []string          `json:"SubnetIds"`
	Instances            []string          `json:"Instances"`
	Overrides            map[string]string `json:"Overrides,omitempty"`
	MaxHibernationMin    *int              `json:"MaxHibernationMin,omitempty"`
}

// Config is the daemon's configuration file: its top-level keys, with
// Partitions mapping partition name to nodegroup name to NodegroupSpec.
type Config struct {
	LogLevel         logging.Level                        `json:"LogLevel"`
	LogFileName      string                                `json:"LogFileName"`
	SlurmBinPath     string                                `json:"SlurmBinPath"`
	Region           string                                `json:"Region"`
	SlurmConf        string                                `json:"SlurmConf"`
	Partitions       map[string]map[string]NodegroupSpec   `json:"Partitions"`
	PartitionOptions map[string]map[string]string          `json:"PartitionOptions"`

	// StackPrefix names the per-nodegroup advisory lock files
	// ("<lock-dir>/<stackprefix>-<partition>-<nodegroup>.lock", lock-dir
	// defaulting to /tmp); the hosts-file lock does not use it. Not one
	// of the documented required keys; defaults to "slurm" when absent
	// so a config written against the documented schema still produces
	// stable lock paths.
	StackPrefix string `json:"StackPrefix,omitempty"`
}

// EffectiveStackPrefix returns StackPrefix, defaulting to "slurm".
func (c *Config) EffectiveStackPrefix() string {
	if c.StackPrefix == "" {
		return "slurm"
	}
	return c.StackPrefix
}

// Load reads and validates the configuration file at path. Any failure
// here is a class-1 configuration error: fatal, before any side
// effect.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.Classify(domain.ErrClassConfig, fmt.Errorf("read config %s: %w", path, err))
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, domain.Classify(domain.ErrClassConfig, fmt.Errorf("parse config %s: %w", path, err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, domain.Classify(domain.ErrClassConfig, err)
	}
	if !strings.HasSuffix(cfg.SlurmBinPath, "/") {
		cfg.SlurmBinPath += "/"
	}
	return &cfg, nil
}

var validLogLevels = map[logging.Level]bool{
	logging.LevelDebug: true, logging.LevelInfo: true, logging.LevelWarning: true,
	logging.LevelError: true, logging.LevelCritical: true,
}

var validPurchasing = map[string]bool{"spot": true, "on-demand": true}
var validAllocation = map[string]bool{
	"rank": true, "lowest-price": true, "capacity-optimized": true, "price-capacity-optimized": true,
}
var validInterruption = map[string]bool{"terminate": true, "stop": true, "hibernate": true}

// Validate checks the structural and cross-field invariants a
// nodegroup configuration must satisfy, without mutating cfg.
func (c *Config) Validate() error {
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid LogLevel %q", c.LogLevel)
	}
	if c.LogFileName == "" {
		return fmt.Errorf("LogFileName is required")
	}
	if c.SlurmBinPath == "" {
		return fmt.Errorf("SlurmBinPath is required")
	}
	if c.Region == "" {
		return fmt.Errorf("Region is required")
	}
	if c.SlurmConf == "" {
		return fmt.Errorf("SlurmConf is required")
	}
	if c.Partitions == nil {
		return fmt.Errorf("Partitions is required")
	}
	for partitionName, nodegroups := range c.Partitions {
		for nodegroupName, ng := range nodegroups {
			if err := ng.validate(partitionName, nodegroupName); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ng NodegroupSpec) validate(partitionName, nodegroupName string) error {
	prefix := fmt.Sprintf("%s/%s", partitionName, nodegroupName)
	if !validPurchasing[ng.PurchasingOption] {
		return fmt.Errorf("%s: invalid PurchasingOption %q", prefix, ng.PurchasingOption)
	}
	if !validAllocation[ng.AllocationStrategy] {
		return fmt.Errorf("%s: invalid AllocationStrategy %q", prefix, ng.AllocationStrategy)
	}
	if !validInterruption[ng.InterruptionBehavior] {
		return fmt.Errorf("%s: invalid InteruptionBehavior %q", prefix, ng.InterruptionBehavior)
	}
	if ng.PurchasingOption == "spot" && ng.InterruptionBehavior == "terminate" {
		return fmt.Errorf("%s: PurchasingOption=spot cannot use InteruptionBehavior=terminate", prefix)
	}
	if ng.LaunchTemplate == "" {
		return fmt.Errorf("%s: LaunchTemplate is required", prefix)
	}
	if len(ng.SubnetIds) == 0 {
		return fmt.Errorf("%s: SubnetIds must be non-empty", prefix)
	}
	if len(ng.Instances) == 0 {
		return fmt.Errorf("%s: Instances must be non-empty", prefix)
	}
	return nil
}

// Nodegroup converts the on-disk NodegroupSpec into the domain type
// the reconciliation core operates on.
func (ng NodegroupSpec) Nodegroup(partitionName, nodegroupName string) domain.Nodegroup {
	return domain.Nodegroup{
		PartitionName:        partitionName,
		NodegroupName:        nodegroupName,
		NumNodes:             ng.NumNodes,
		PurchasingOption:     domain.PurchasingOption(ng.PurchasingOption),
		InterruptionBehavior: domain.InterruptionBehavior(ng.InterruptionBehavior),
		AllocationStrategy:   domain.AllocationStrategy(ng.AllocationStrategy),
		LaunchTemplateId:     ng.LaunchTemplate,
		SubnetIds:            ng.SubnetIds,
		Instances:            ng.Instances,
		Overrides:            ng.Overrides,
		MaxHibernationMin:    ng.MaxHibernationMin,
	}
}

// Nodegroups flattens the Partitions map into an ordered slice of
// domain.Nodegroup, sorted by partition then nodegroup name so sweeps
// are deterministic across runs.
func (c *Config) Nodegroups() []domain.Nodegroup {
	var out []domain.Nodegroup
	for _, partitionName := range sortedKeys(c.Partitions) {
		nodegroups := c.Partitions[partitionName]
		for _, nodegroupName := range sortedKeysNG(nodegroups) {
			out = append(out, nodegroups[nodegroupName].Nodegroup(partitionName, nodegroupName))
		}
	}
	return out
}

func sortedKeys(m map[string]map[string]NodegroupSpec) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysNG(m map[string]NodegroupSpec) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
