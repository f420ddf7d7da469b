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

// Package tag maintains the human-facing tag pointers. A tag is a
// symlink whose target is a digest-addressed content directory; the
// symlink is the only mutable state downstream consumers ever see.
package tag

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
)

// ErrOccupied is returned when the tag path exists but is not a
// symlink. Such paths are reserved for pointer semantics and are never
// overwritten.
var ErrOccupied = fmt.Errorf("tag path occupied by a non-symlink: %w", errdefs.ErrFailedPrecondition)

// Outcome reports what Point had to do.
type Outcome int

const (
	// Created means the tag did not exist and was linked fresh.
	Created Outcome = iota

	// Repaired means the tag pointed elsewhere and was relinked.
	Repaired

	// AlreadyCorrect means the tag already pointed at the target.
	AlreadyCorrect
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Repaired:
		return "repaired"
	case AlreadyCorrect:
		return "already-correct"
	}
	return "unknown"
}

// Point makes tagPath resolve to target, creating parent directories as
// needed. It is idempotent: pointing a tag at its current target is a
// no-op. Must run inside an open filesystem transaction; Point itself
// does not check that.
func Point(tagPath, target string) (Outcome, error) {
	if err := os.MkdirAll(filepath.Dir(tagPath), 0755); err != nil {
		return 0, fmt.Errorf("create tag parent directory: %w", err)
	}

	fi, err := os.Lstat(tagPath)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.Symlink(target, tagPath); err != nil {
			return 0, fmt.Errorf("link tag %s: %w", tagPath, err)
		}
		return Created, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat tag %s: %w", tagPath, err)
	}

	if fi.Mode()&os.ModeSymlink == 0 {
		return 0, fmt.Errorf("%s: %w", tagPath, ErrOccupied)
	}

	current, err := os.Readlink(tagPath)
	if err != nil {
		return 0, fmt.Errorf("read tag %s: %w", tagPath, err)
	}
	if current == target {
		return AlreadyCorrect, nil
	}
	if err := os.Remove(tagPath); err != nil {
		return 0, fmt.Errorf("unlink stale tag %s: %w", tagPath, err)
	}
	if err := os.Symlink(target, tagPath); err != nil {
		return 0, fmt.Errorf("relink tag %s: %w", tagPath, err)
	}
	return Repaired, nil
}
