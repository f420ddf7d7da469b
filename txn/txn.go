/*
   Copyright The cvmfs-contrib Authors.

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

// Package txn brackets repository writes in the filesystem's native
// begin/commit/abort window. The shared filesystem admits only one open
// transaction at a time; the external subsystem enforces that globally,
// this package only keeps one process from double-opening and recovers
// transactions a crashed prior run left open.
package txn

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/containerd/log"
)

var (
	// ErrBeginFailed reports that the underlying begin verb failed.
	// This is the expected signal when another process holds the
	// filesystem-wide transaction; it is never retried automatically.
	ErrBeginFailed = errors.New("transaction begin failed")

	// ErrCommitFailed reports that the underlying commit verb failed.
	// The transaction is terminated either way, so the manager's state
	// is cleared before this is returned.
	ErrCommitFailed = errors.New("transaction commit failed")
)

// Backend runs the filesystem's native transaction verbs. Implementations
// must be safe to call with a namespace that has no open transaction;
// the real backend shells out to the repository tooling.
type Backend interface {
	// Begin opens a transaction on the named filesystem.
	Begin(ctx context.Context, fsname string) error

	// Commit publishes everything written since Begin.
	Commit(ctx context.Context, fsname string) error

	// Abort discards everything written since Begin.
	Abort(ctx context.Context, fsname string) error

	// Stale reports whether the filesystem carries a persisted
	// in-transaction marker, i.e. a prior process crashed mid-publish.
	Stale(fsname string) bool
}

// Manager tracks whether this process holds a transaction open. One
// manager per orchestrated publish run; it models the one-mount-per-
// process assumption with a single open flag.
type Manager struct {
	backend Backend

	mu   sync.Mutex
	open bool
}

func NewManager(backend Backend) *Manager {
	return &Manager{backend: backend}
}

// Begin opens a transaction on fsname. Re-entrant: if this manager
// already holds one open, Begin is a no-op success. A stale on-disk
// transaction marker from a crashed prior process is aborted first;
// failure to abort it is fatal for this Begin.
func (m *Manager) Begin(ctx context.Context, fsname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open {
		return nil
	}

	if m.backend.Stale(fsname) {
		log.G(ctx).Warnf("found lingering transaction on %s, aborting it", fsname)
		if status := m.abortLocked(ctx, fsname); status != 0 {
			return fmt.Errorf("abort lingering transaction on %s (exit status %d): %w", fsname, status, ErrBeginFailed)
		}
	}

	if err := m.backend.Begin(ctx, fsname); err != nil {
		m.open = false
		return fmt.Errorf("begin on %s: %v: %w", fsname, err, ErrBeginFailed)
	}
	m.open = true
	return nil
}

// Commit publishes the open transaction on fsname. A commit with no
// open transaction is a no-op success. The open flag clears whether or
// not the underlying commit succeeds: the filesystem transaction is
// terminated either way.
func (m *Manager) Commit(ctx context.Context, fsname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return nil
	}
	m.open = false

	if err := m.backend.Commit(ctx, fsname); err != nil {
		return fmt.Errorf("commit on %s: %v: %w", fsname, err, ErrCommitFailed)
	}
	return nil
}

// Abort discards the transaction on fsname, best effort. It never
// returns an error; the backend's exit status is returned for logging.
// Callers must not escalate a failed abort beyond logging it.
func (m *Manager) Abort(ctx context.Context, fsname string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abortLocked(ctx, fsname)
}

func (m *Manager) abortLocked(ctx context.Context, fsname string) int {
	m.open = false
	log.G(ctx).Warnf("aborting transaction on %s", fsname)
	err := m.backend.Abort(ctx, fsname)
	if err == nil {
		return 0
	}
	status := exitStatus(err)
	log.G(ctx).WithError(err).Errorf("abort on %s failed (exit status %d)", fsname, status)
	return status
}

// exitStatus extracts a process-style status from an error, preserving
// the numeric exit code of subprocess-backed verbs.
func exitStatus(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
