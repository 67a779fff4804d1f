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

// Package lockfile wraps gofrs/flock with the fixed-timeout,
// skip-on-contention discipline every advisory lock in this daemon
// uses: per-nodegroup sweep locks and the /etc/hosts companion lock.
package lockfile

import (
	"context"
	"time"

	"github.com/gofrs/flock"
)

// ErrTimeout is returned by Acquire when the lock is not obtained
// before the deadline; callers log it at info and skip the protected
// work rather than treating it as a failure.
var ErrTimeout = context.DeadlineExceeded

// Lock is a named advisory file lock with a fixed acquisition timeout.
type Lock struct {
	flock   *flock.Flock
	timeout time.Duration
}

func New(path string, timeout time.Duration) *Lock {
	return &Lock{flock: flock.New(path), timeout: timeout}
}

// Acquire blocks, retrying every 100ms, until the lock is held or
// timeout elapses. Release must be called to free it once held.
func (l *Lock) Acquire(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	locked, err := l.flock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return err
	}
	if !locked {
		return ErrTimeout
	}
	return nil
}

func (l *Lock) Release() error {
	return l.flock.Unlock()
}
