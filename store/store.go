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

// Package store owns the digest-addressed content directories. A digest
// directory is written exactly once and is immutable afterwards; every
// image with the same content digest shares one copy regardless of the
// namespace or tag it was requested under.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/continuity/fs"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"
)

// DigestsDir is the directory under a project root that holds all
// content-addressed image copies.
const DigestsDir = ".digests"

// CatalogMarker is the sentinel file left at the root of every image
// directory so the repository indexes each image as an independent unit.
const CatalogMarker = ".cvmfscatalog"

// mountPoints are created inside images that look like a full OS root,
// so the image can host further bind-mounts when run.
var mountPoints = []string{"srv", "cvmfs", "dev", "proc", "sys"}

// ErrInvalidDigest is returned for a digest with an empty hash or an
// algorithm the store does not recognize. No filesystem action is taken.
var ErrInvalidDigest = fmt.Errorf("invalid content digest: %w", errdefs.ErrInvalidArgument)

// DigestPath maps a digest to its canonical directory under root:
// root/.digests/<algorithm>/<hex[:2]>/<hex>. Pure; identical digests
// always map to the identical path.
func DigestPath(root string, dgst digest.Digest) (string, error) {
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("%q: %v: %w", dgst, err, ErrInvalidDigest)
	}
	encoded := dgst.Encoded()
	return filepath.Join(root, DigestsDir, string(dgst.Algorithm()), encoded[:2], encoded), nil
}

// BuildFunc materializes image content into dir. It is the seam to the
// external image builder; the orchestrator binds the image reference
// into it.
type BuildFunc func(ctx context.Context, dir string) error

// RootDetector reports whether a materialized tree looks like a full
// operating-system root.
type RootDetector func(dir string) bool

// Store decides whether a publish must materialize content or can
// short-circuit because the digest directory already exists.
type Store struct {
	detect RootDetector
	group  singleflight.Group
}

// Opt configures a Store.
type Opt func(*Store)

// WithRootDetector replaces the OS-root heuristic.
func WithRootDetector(detect RootDetector) Opt {
	return func(s *Store) { s.detect = detect }
}

func New(opts ...Opt) *Store {
	s := &Store{detect: GlobRootDetector()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ensure returns the digest directory for dgst under root, invoking
// build only when the directory does not exist yet. The returned bool
// reports whether content was materialized by this call. Concurrent
// calls for the same directory within this process are coalesced; the
// builder runs at most once. On build failure the partial directory is
// retained for postmortem and the caller must abort the enclosing
// transaction so it never becomes visible.
func (s *Store) Ensure(ctx context.Context, root string, dgst digest.Digest, build BuildFunc) (string, bool, error) {
	dir, err := DigestPath(root, dgst)
	if err != nil {
		return "", false, err
	}

	type result struct {
		built bool
	}
	v, err, _ := s.group.Do(dir, func() (interface{}, error) {
		if _, err := os.Lstat(dir); err == nil {
			log.G(ctx).Debugf("content for %s already stored at %s", dgst, dir)
			return result{built: false}, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", dir, err)
		}

		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create digest directory: %w", err)
		}
		if err := build(ctx, dir); err != nil {
			// Orphaned partial directory is retained (policy: retain);
			// the aborted transaction keeps it from becoming visible.
			log.G(ctx).WithError(err).Errorf("build into %s failed, partial content retained", dir)
			return nil, err
		}
		if err := s.finalize(ctx, dir); err != nil {
			return nil, err
		}
		return result{built: true}, nil
	})
	if err != nil {
		return "", false, err
	}
	return dir, v.(result).built, nil
}

// finalize normalizes a freshly materialized tree so archival tooling
// can always traverse it and the owning service can clean it up, adds
// bind-mount points to OS-root images, and drops the catalog sentinel.
func (s *Store) finalize(ctx context.Context, dir string) error {
	if err := normalizePermissions(ctx, dir); err != nil {
		return fmt.Errorf("normalize permissions: %w", err)
	}

	// Write access on the image root makes bind points and later
	// de-publication possible.
	if err := os.Chmod(dir, 0755); err != nil {
		return fmt.Errorf("chmod image root: %w", err)
	}

	if s.detect(dir) {
		log.G(ctx).Debugf("%s looks like an OS root, adding bind-mount points", dir)
		for _, mp := range mountPoints {
			if err := os.Mkdir(filepath.Join(dir, mp), 0755); err != nil && !errors.Is(err, os.ErrExist) {
				return fmt.Errorf("create mount point %s: %w", mp, err)
			}
		}
	}

	marker, err := os.OpenFile(filepath.Join(dir, CatalogMarker), os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("create catalog marker: %w", err)
	}
	marker.Close()

	if usage, err := fs.DiskUsage(ctx, dir); err == nil {
		log.G(ctx).Infof("stored %d bytes in %d inodes at %s", usage.Size, usage.Inodes, dir)
	}
	return nil
}
