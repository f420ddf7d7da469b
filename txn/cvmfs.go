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

package txn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
)

const (
	defaultSpoolDir = "/var/spool/cvmfs"
	defaultMountDir = "/cvmfs"

	// lockFile is the marker cvmfs_server leaves for the duration of a
	// transaction; its presence after a crash is the recovery signal.
	lockFile = "in_transaction.lock"
)

// CVMFSServer is the Backend that drives the real `cvmfs_server` tool.
type CVMFSServer struct {
	// Command overrides the tool name, for non-standard installs.
	Command string

	// SpoolDir overrides the server spool directory.
	SpoolDir string

	// MountDir overrides the repository mount root.
	MountDir string
}

func (c *CVMFSServer) command() string {
	if c.Command != "" {
		return c.Command
	}
	return "cvmfs_server"
}

func (c *CVMFSServer) spoolDir() string {
	if c.SpoolDir != "" {
		return c.SpoolDir
	}
	return defaultSpoolDir
}

func (c *CVMFSServer) mountDir() string {
	if c.MountDir != "" {
		return c.MountDir
	}
	return defaultMountDir
}

// Begin verifies the repository is mounted, then opens a transaction.
// An unmounted repository means this host is not a publisher node for
// fsname, which no amount of retrying will fix.
func (c *CVMFSServer) Begin(ctx context.Context, fsname string) error {
	repo := filepath.Join(c.mountDir(), fsname)
	mounted, err := mountinfo.Mounted(repo)
	if err != nil {
		return fmt.Errorf("check mount of %s: %w", repo, err)
	}
	if !mounted {
		return fmt.Errorf("repository %s is not mounted at %s", fsname, repo)
	}
	return c.run(ctx, "transaction", fsname)
}

func (c *CVMFSServer) Commit(ctx context.Context, fsname string) error {
	return c.run(ctx, "publish", fsname)
}

func (c *CVMFSServer) Abort(ctx context.Context, fsname string) error {
	return c.run(ctx, "abort", "-f", fsname)
}

// Stale checks the spool for the in-transaction marker.
func (c *CVMFSServer) Stale(fsname string) bool {
	_, err := os.Stat(filepath.Join(c.spoolDir(), fsname, lockFile))
	return err == nil
}

func (c *CVMFSServer) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, c.command(), args...)
	out := log.G(ctx).WriterLevel(logrus.DebugLevel)
	defer out.Close()
	cmd.Stdout = out
	cmd.Stderr = out
	log.G(ctx).Debugf("running %s %v", c.command(), args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w", c.command(), args, err)
	}
	return nil
}
