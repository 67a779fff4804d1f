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

// Package aws builds the EC2 client the rest of the daemon depends on
// only through the awsapi.EC2API interface.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/aws/awsapi"
)

// NewEC2Client loads the default SDK config (environment, shared
// config, instance role) scoped to region and returns an EC2 client
// satisfying awsapi.EC2API. Client-level retries are disabled
// (max attempts = 1): a transient failure is left for the next sweep
// to retry rather than retried within this one.
func NewEC2Client(ctx context.Context, region string) (awsapi.EC2API, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region), config.WithRetryMaxAttempts(1))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}
