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

package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/containerd/log"
)

// defaultRootGlobs match release files present in mainstream Linux
// distributions (os-release, lsb-release, redhat-release, ...).
var defaultRootGlobs = []string{"etc/*-release"}

// GlobRootDetector detects OS-root images by matching glob patterns
// against the tree. With no patterns it checks for etc/*-release.
func GlobRootDetector(patterns ...string) RootDetector {
	if len(patterns) == 0 {
		patterns = defaultRootGlobs
	}
	return func(dir string) bool {
		fsys := os.DirFS(dir)
		for _, pattern := range patterns {
			if matches, err := doublestar.Glob(fsys, pattern); err == nil && len(matches) > 0 {
				return true
			}
		}
		return false
	}
}

// normalizePermissions walks a materialized image tree and widens modes
// that would break later archival or cleanup: files gain owner-read if
// they have no read bit at all, directories gain owner-execute and
// owner-write if missing. Symlinks are left alone.
func normalizePermissions(ctx context.Context, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Images ship directories the publishing user cannot list
			// (mode 0 and friends). Those subtrees keep whatever modes
			// the builder gave them; the publish still goes through.
			if errors.Is(err, fs.ErrPermission) {
				log.G(ctx).Debugf("skipping unreadable %s", path)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode().Perm()

		var fixed fs.FileMode
		if d.IsDir() {
			fixed = mode
			if mode&0111 == 0 {
				fixed |= 0100
			}
			if mode&0222 == 0 {
				fixed |= 0200
			}
		} else {
			fixed = mode
			if mode&0444 == 0 {
				fixed |= 0400
			}
		}
		if fixed == mode {
			return nil
		}
		log.G(ctx).Debugf("fixing mode of %s from %#o to %#o", path, mode, fixed)
		return os.Chmod(path, fixed)
	})
}
