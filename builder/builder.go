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

// Package builder invokes the external tool that materializes an image
// into a directory tree. The build is a blocking whole-call operation:
// no partial progress, no internal timeout, cancellation only through
// the context.
package builder

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
)

// Builder materializes the named image into dir.
type Builder interface {
	Build(ctx context.Context, dir, imageName string) error
}

// Singularity builds sandbox directories with `singularity build`.
type Singularity struct {
	// Command overrides the tool name, e.g. "apptainer".
	Command string
}

func (s *Singularity) command() string {
	if s.Command != "" {
		return s.Command
	}
	return "singularity"
}

// Build runs `singularity build --force --sandbox <dir> docker://<image>`.
// The target directory already exists (the store creates it), hence
// --force. Tool output goes to the debug log.
func (s *Singularity) Build(ctx context.Context, dir, imageName string) error {
	cmd := exec.CommandContext(ctx, s.command(),
		"build", "--force", "--sandbox", dir, "docker://"+imageName)
	out := log.G(ctx).WriterLevel(logrus.DebugLevel)
	defer out.Close()
	cmd.Stdout = out
	cmd.Stderr = out
	log.G(ctx).Infof("building %s into %s", imageName, dir)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s build of %s: %w", s.command(), imageName, err)
	}
	return nil
}
