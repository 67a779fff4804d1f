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

// Package hostsfile rewrites /etc/hosts to publish a node's new
// address, the Go equivalent of the original daemon's
// fleet_daemon.py:update_hosts_file.
package hostsfile

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws-samples/ec2-slurm-reconciler/pkg/lockfile"
)

const lockTimeout = 10 * time.Second

// Update rewrites path so that nodeName resolves to ip: any existing
// line whose second column is exactly nodeName is dropped whole
// (including any further names on it), and a fresh "ip name" line is
// appended. Every other line is kept as it is, including one that names
// nodeName only in a later column. Acquisition of the lock times out
// after 10s, at which point the update is skipped; the next sweep retries.
func Update(ctx context.Context, path, nodeName, ip string) error {
	lock := lockfile.New(path+".lock", lockTimeout)
	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	defer lock.Release()

	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var lines []string
	if len(raw) > 0 {
		lines = strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	}

	kept := lines[:0]
	for _, line := range lines {
		cols := strings.Fields(line)
		if len(cols) > 1 && cols[1] == nodeName {
			continue
		}
		kept = append(kept, line)
	}
	kept = append(kept, fmt.Sprintf("%s %s", ip, nodeName))

	out := strings.Join(kept, "\n") + "\n"
	if err := os.WriteFile(path, []byte(out), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
