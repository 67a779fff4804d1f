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

// Command reconciler is the one-shot entrypoint: load configuration,
// build the adapters and engines, run a single sweep, exit. Invocation
// is expected to be cron-driven; this binary performs no
// internal scheduling of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	awsclient "github.com/aws-samples/ec2-slurm-reconciler/pkg/aws"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/config"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/logging"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/providers/instance"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/providers/pricing"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/reconcile/acquisition"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/reconcile/sweep"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/reconcile/transplant"
	"github.com/aws-samples/ec2-slurm-reconciler/pkg/scheduler"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath, hostsPath, lockDir string
	flag.StringVar(&configPath, "config", "/etc/ec2-slurm-reconciler/config.json", "path to the daemon's JSON configuration file")
	flag.StringVar(&hostsPath, "hosts-file", "/etc/hosts", "path to the hosts file the Acquisition Engine publishes addresses to")
	flag.StringVar(&lockDir, "lock-dir", "/tmp", "directory holding per-nodegroup advisory sweep locks")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %s\n", err)
		return 1
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %s\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	ctx := logging.WithLogger(context.Background(), log)

	if err := runSweep(ctx, cfg, hostsPath, lockDir); err != nil {
		log.Errorw("sweep completed with errors", "error", err)
		if class, ok := domain.ClassOf(err); ok && class == domain.ErrClassConfig {
			return 1
		}
	}
	return 0
}

func runSweep(ctx context.Context, cfg *config.Config, hostsPath, lockDir string) error {
	log := logging.FromContext(ctx)

	ec2api, err := awsclient.NewEC2Client(ctx, cfg.Region)
	if err != nil {
		return domain.Classify(domain.ErrClassConfig, fmt.Errorf("build ec2 client: %w", err))
	}

	schedulerCLI := scheduler.New(cfg.SlurmBinPath, cfg.SlurmConf)
	cloudProvider := instance.New(ec2api)
	pricingProvider := pricing.New()
	acquirer := acquisition.New(ec2api, schedulerCLI, hostsPath)
	transplantWorkflow := transplant.New(ec2api, schedulerCLI)

	driver := &sweep.Driver{
		Scheduler:   schedulerCLI,
		Cloud:       cloudProvider,
		Pricing:     pricingProvider,
		Acquirer:    acquirer,
		Transplant:  transplantWorkflow,
		Region:      cfg.Region,
		LockDir:     lockDir,
		StackPrefix: cfg.EffectiveStackPrefix(),
	}

	log.Infow("starting sweep", "nodegroups", len(cfg.Nodegroups()))
	return driver.Run(ctx, cfg.Nodegroups())
}
