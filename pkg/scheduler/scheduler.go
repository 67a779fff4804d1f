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

// Package scheduler is the Scheduler Adapter: it invokes scontrol to
// read and update the workload manager's view of nodes, the Go
// replacement for the original daemon's common.py:run_scommand and
// fleet_daemon.py:scontrol_nodeinfo/update_node.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/domain"
)

// CLI runs scontrol commands against one Slurm installation.
type CLI struct {
	BinPath   string
	ConfFile  string
}

// New builds a CLI that invokes "<binPath>scontrol", exporting
// SLURM_CONF=confFile the way the original daemon's wrapper scripts do.
func New(binPath, confFile string) *CLI {
	return &CLI{BinPath: binPath, ConfFile: confFile}
}

func (c *CLI) run(ctx context.Context, command string, args ...string) ([]string, error) {
	path := c.BinPath + command
	cmd := exec.CommandContext(ctx, path, args...)
	if c.ConfFile != "" {
		cmd.Env = append(cmd.Environ(), "SLURM_CONF="+c.ConfFile)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, domain.Classify(domain.ErrClassSchedulerCLI,
			fmt.Errorf("%s %s: %w (stderr: %s)", command, strings.Join(args, " "), err, stderr.String()))
	}
	lines := strings.Split(stdout.String(), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

// ShowNodes runs "scontrol show nodes" and parses its output into the
// per-node record the reconciliation core operates on.
func (c *CLI) ShowNodes(ctx context.Context) ([]domain.Node, error) {
	lines, err := c.run(ctx, "scontrol", "show", "nodes")
	if err != nil {
		return nil, err
	}
	return ParseShowNodes(lines)
}

// UpdateNode runs "scontrol update nodename=<name> k=v ...". Keys are
// emitted in the fixed order state, reason, nodeaddr, nodehostname,
// comment, weight; any other key in params is not passed to scontrol.
func (c *CLI) UpdateNode(ctx context.Context, nodeName string, params map[string]string) error {
	args := []string{"update", "nodename=" + nodeName}
	for _, k := range []string{"state", "reason", "nodeaddr", "nodehostname", "comment", "weight"} {
		if v, ok := params[k]; ok {
			args = append(args, fmt.Sprintf("%s=%s", k, v))
		}
	}
	_, err := c.run(ctx, "scontrol", args...)
	return err
}
