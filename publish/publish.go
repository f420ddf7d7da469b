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

// Package publish orchestrates one image publication: resolve the
// digest, open a transaction, materialize content if missing, point the
// tag, commit. Any failure after begin aborts the transaction; the
// filesystem is never left mid-transaction on an error path.
package publish

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"github.com/cvmfs-contrib/container-publisher/builder"
	"github.com/cvmfs-contrib/container-publisher/image"
	"github.com/cvmfs-contrib/container-publisher/journal"
	"github.com/cvmfs-contrib/container-publisher/metrics"
	"github.com/cvmfs-contrib/container-publisher/resolver"
	"github.com/cvmfs-contrib/container-publisher/store"
	"github.com/cvmfs-contrib/container-publisher/tag"
	"github.com/cvmfs-contrib/container-publisher/txn"
)

var (
	// ErrBuildFailed reports that materializing the digest directory
	// failed. The transaction has been aborted; the partial directory
	// is retained on disk but is not visible to consumers.
	ErrBuildFailed = errors.New("image build failed")

	// ErrLinkFailed reports that the tag pointer could not be updated.
	// The transaction has been aborted.
	ErrLinkFailed = errors.New("tag link failed")

	// ErrRepositoryReadOnly reports that the repository root was not
	// writable after a successful begin, which means the transaction
	// did not remount it as expected.
	ErrRepositoryReadOnly = fmt.Errorf("repository not writable inside transaction: %w", errdefs.ErrFailedPrecondition)
)

// Publisher composes the transaction manager, the content store, the
// tag linker and the external collaborators.
type Publisher struct {
	Txn      *txn.Manager
	Store    *store.Store
	Resolver resolver.Resolver
	Builder  builder.Builder

	// Journal, if set, records every attempt.
	Journal *journal.Journal

	// MountDir is the repository mount root, default /cvmfs.
	MountDir string
}

// Result describes a successful publish.
type Result struct {
	Digest   digest.Digest
	ImageDir string
	TagPath  string
	Link     tag.Outcome

	// Deduplicated is true when the content already existed and the
	// builder never ran.
	Deduplicated bool
}

func (p *Publisher) mountDir() string {
	if p.MountDir != "" {
		return p.MountDir
	}
	return "/cvmfs"
}

// Publish publishes ref into fsname under rootDir. Steps run strictly
// in order begin, ensure, link, commit; the tag is never pointed at a
// directory that has not been confirmed fully materialized.
func (p *Publisher) Publish(ctx context.Context, ref image.Reference, fsname, rootDir string) (*Result, error) {
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("session", xid.New().String()).
		WithField("image", ref.Name()).
		WithField("repository", fsname))
	started := time.Now()

	res, err := p.publish(ctx, ref, fsname, rootDir)

	outcome := "published"
	if err != nil {
		outcome = outcomeOf(err)
	}
	metrics.Publishes.WithValues(outcome).Inc()
	if res != nil && res.Deduplicated {
		metrics.DedupHits.Inc()
	}

	if p.Journal != nil {
		entry := journal.Entry{
			Image:    ref.Name(),
			Tag:      ref.Tag,
			Outcome:  outcome,
			Duration: time.Since(started),
			When:     started,
		}
		if res != nil {
			entry.Digest = res.Digest.String()
		} else if ref.Digest != "" {
			entry.Digest = ref.Digest.String()
		}
		if err != nil {
			entry.Error = err.Error()
		}
		if jerr := p.Journal.Record(fsname, entry); jerr != nil {
			log.G(ctx).WithError(jerr).Warn("failed to record journal entry")
		}
	}
	return res, err
}

func (p *Publisher) publish(ctx context.Context, ref image.Reference, fsname, rootDir string) (*Result, error) {
	dgst := ref.Digest
	if dgst == "" {
		// The one slow, flaky step allowed before any mutation. Not
		// retried here; rerunning the whole publish is the retry.
		resolved, err := p.Resolver.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		dgst = resolved
		log.G(ctx).Infof("resolved %s to %s", ref.Name(), dgst)
	}

	if err := p.Txn.Begin(ctx, fsname); err != nil {
		return nil, err
	}

	repoRoot := filepath.Join(p.mountDir(), fsname)
	if unix.Access(repoRoot, unix.W_OK) != nil {
		p.Txn.Abort(ctx, fsname)
		return nil, fmt.Errorf("%s: %w", repoRoot, ErrRepositoryReadOnly)
	}

	projectRoot := filepath.Join(repoRoot, rootDir, ref.Namespace, ref.Project)
	build := func(ctx context.Context, dir string) error {
		buildStart := time.Now()
		defer metrics.BuildDuration.UpdateSince(buildStart)
		return p.Builder.Build(ctx, dir, ref.Name())
	}
	imageDir, built, err := p.Store.Ensure(ctx, projectRoot, dgst, build)
	if err != nil {
		p.Txn.Abort(ctx, fsname)
		return nil, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}

	tagPath := filepath.Join(projectRoot, ref.Tag)
	target, err := filepath.Rel(projectRoot, imageDir)
	if err != nil {
		p.Txn.Abort(ctx, fsname)
		return nil, fmt.Errorf("%w: %w", ErrLinkFailed, err)
	}
	linked, err := tag.Point(tagPath, target)
	if err != nil {
		p.Txn.Abort(ctx, fsname)
		return nil, fmt.Errorf("%w: %w", ErrLinkFailed, err)
	}
	log.G(ctx).Infof("tag %s -> %s (%s)", tagPath, target, linked)

	if err := p.Txn.Commit(ctx, fsname); err != nil {
		return nil, err
	}
	return &Result{
		Digest:       dgst,
		ImageDir:     imageDir,
		TagPath:      tagPath,
		Link:         linked,
		Deduplicated: !built,
	}, nil
}

// PublishAll publishes each reference in turn, one transaction per
// image, continuing past individual failures. The returned error joins
// every per-image failure.
func (p *Publisher) PublishAll(ctx context.Context, refs []image.Reference, fsname, rootDir string) error {
	var errs []error
	for _, ref := range refs {
		if _, err := p.Publish(ctx, ref, fsname, rootDir); err != nil {
			log.G(ctx).WithError(err).Errorf("publish of %s failed", ref.Name())
			errs = append(errs, fmt.Errorf("%s: %w", ref.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, resolver.ErrResolveFailed):
		return "resolve-failed"
	case errors.Is(err, txn.ErrBeginFailed):
		return "tx-begin-failed"
	case errors.Is(err, txn.ErrCommitFailed):
		return "tx-commit-failed"
	case errors.Is(err, ErrBuildFailed):
		return "build-failed"
	case errors.Is(err, ErrLinkFailed):
		return "link-failed"
	default:
		return "failed"
	}
}
