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

package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/cvmfs-contrib/container-publisher/image"
	"github.com/cvmfs-contrib/container-publisher/resolver"
	"github.com/cvmfs-contrib/container-publisher/store"
	"github.com/cvmfs-contrib/container-publisher/tag"
	"github.com/cvmfs-contrib/container-publisher/txn"
)

var testDigest = digest.Digest("sha256:" + strings.Repeat("ab", 32))

type fakeBackend struct {
	begins, commits, aborts int
	beginErr                error
}

func (f *fakeBackend) Begin(ctx context.Context, fsname string) error {
	f.begins++
	return f.beginErr
}
func (f *fakeBackend) Commit(ctx context.Context, fsname string) error { f.commits++; return nil }
func (f *fakeBackend) Abort(ctx context.Context, fsname string) error  { f.aborts++; return nil }
func (f *fakeBackend) Stale(fsname string) bool                        { return false }

type fakeBuilder struct {
	builds   int
	buildErr error
}

func (f *fakeBuilder) Build(ctx context.Context, dir, imageName string) error {
	f.builds++
	if f.buildErr != nil {
		return f.buildErr
	}
	return os.WriteFile(filepath.Join(dir, "rootfs.txt"), []byte(imageName), 0644)
}

type fakeResolver struct {
	digest digest.Digest
	err    error
	calls  int
}

func (f *fakeResolver) Resolve(ctx context.Context, ref image.Reference) (digest.Digest, error) {
	f.calls++
	return f.digest, f.err
}

func testRef(tagName string) image.Reference {
	return image.Reference{
		Registry:  "registry.example.com",
		Namespace: "ns",
		Project:   "proj",
		Tag:       tagName,
		Digest:    testDigest,
	}
}

func newTestPublisher(t *testing.T, backend txn.Backend, b *fakeBuilder, r resolver.Resolver) *Publisher {
	t.Helper()
	mount := t.TempDir()
	if err := os.MkdirAll(filepath.Join(mount, "test.repo"), 0755); err != nil {
		t.Fatal(err)
	}
	return &Publisher{
		Txn:      txn.NewManager(backend),
		Store:    store.New(),
		Resolver: r,
		Builder:  b,
		MountDir: mount,
	}
}

func TestPublishEndToEnd(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	bldr := &fakeBuilder{}
	p := newTestPublisher(t, backend, bldr, &fakeResolver{})

	res, err := p.Publish(ctx, testRef("mytag"), "test.repo", "images")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	hex := testDigest.Encoded()
	wantDir := filepath.Join(p.MountDir, "test.repo", "images", "ns", "proj",
		".digests", "sha256", hex[:2], hex)
	if res.ImageDir != wantDir {
		t.Errorf("image dir = %q, want %q", res.ImageDir, wantDir)
	}
	if _, err := os.Stat(filepath.Join(wantDir, store.CatalogMarker)); err != nil {
		t.Errorf("catalog marker: %v", err)
	}
	if res.Link != tag.Created {
		t.Errorf("link outcome = %v, want %v", res.Link, tag.Created)
	}
	target, err := os.Readlink(res.TagPath)
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if want := filepath.Join(".digests", "sha256", hex[:2], hex); target != want {
		t.Errorf("tag target = %q, want %q", target, want)
	}
	if backend.begins != 1 || backend.commits != 1 || backend.aborts != 0 {
		t.Errorf("backend calls = %+v", backend)
	}

	// Second publish of the same digest under a different tag: only a
	// new symlink, no rebuild, same content path.
	res2, err := p.Publish(ctx, testRef("other"), "test.repo", "images")
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if !res2.Deduplicated {
		t.Error("second publish rebuilt existing content")
	}
	if bldr.builds != 1 {
		t.Errorf("builds = %d, want 1", bldr.builds)
	}
	if res2.ImageDir != res.ImageDir {
		t.Errorf("content paths differ: %q vs %q", res2.ImageDir, res.ImageDir)
	}
	target2, err := os.Readlink(res2.TagPath)
	if err != nil {
		t.Fatal(err)
	}
	if target2 != target {
		t.Errorf("tags resolve differently: %q vs %q", target2, target)
	}
}

func TestPublishBuildFailureAborts(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	bldr := &fakeBuilder{buildErr: errors.New("registry unreachable")}
	p := newTestPublisher(t, backend, bldr, &fakeResolver{})

	ref := testRef("mytag")
	_, err := p.Publish(ctx, ref, "test.repo", "")
	if !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("err = %v, want ErrBuildFailed", err)
	}
	if backend.aborts != 1 {
		t.Errorf("aborts = %d, want 1", backend.aborts)
	}
	if backend.commits != 0 {
		t.Errorf("commits = %d, want 0", backend.commits)
	}
	tagPath := filepath.Join(p.MountDir, "test.repo", "ns", "proj", "mytag")
	if _, err := os.Lstat(tagPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("tag symlink exists after failed build (lstat: %v)", err)
	}
}

func TestPublishInvalidDigestAborts(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	p := newTestPublisher(t, backend, &fakeBuilder{}, &fakeResolver{})

	ref := testRef("mytag")
	ref.Digest = digest.Digest("sha256:")
	_, err := p.Publish(ctx, ref, "test.repo", "")
	if !errors.Is(err, store.ErrInvalidDigest) {
		t.Fatalf("err = %v, want ErrInvalidDigest", err)
	}
	if backend.aborts != 1 {
		t.Errorf("aborts = %d, want 1", backend.aborts)
	}
}

func TestPublishBeginFailureStopsEverything(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{beginErr: errors.New("another publisher holds the lock")}
	bldr := &fakeBuilder{}
	p := newTestPublisher(t, backend, bldr, &fakeResolver{})

	_, err := p.Publish(ctx, testRef("mytag"), "test.repo", "")
	if !errors.Is(err, txn.ErrBeginFailed) {
		t.Fatalf("err = %v, want ErrBeginFailed", err)
	}
	if bldr.builds != 0 {
		t.Errorf("builder ran after failed begin")
	}
	if backend.commits != 0 || backend.aborts != 0 {
		t.Errorf("backend calls after failed begin = %+v", backend)
	}
}

func TestPublishResolvesMissingDigest(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	rslv := &fakeResolver{digest: testDigest}
	p := newTestPublisher(t, backend, &fakeBuilder{}, rslv)

	ref := testRef("mytag")
	ref.Digest = ""
	res, err := p.Publish(ctx, ref, "test.repo", "")
	if err != nil {
		t.Fatal(err)
	}
	if rslv.calls != 1 {
		t.Errorf("resolver calls = %d, want 1", rslv.calls)
	}
	if res.Digest != testDigest {
		t.Errorf("digest = %s, want %s", res.Digest, testDigest)
	}
}

func TestPublishResolveFailureTouchesNothing(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	rslv := &fakeResolver{err: resolver.ErrResolveFailed}
	p := newTestPublisher(t, backend, &fakeBuilder{}, rslv)

	ref := testRef("mytag")
	ref.Digest = ""
	_, err := p.Publish(ctx, ref, "test.repo", "")
	if !errors.Is(err, resolver.ErrResolveFailed) {
		t.Fatalf("err = %v, want ErrResolveFailed", err)
	}
	if backend.begins != 0 {
		t.Errorf("transaction opened before digest resolution: begins = %d", backend.begins)
	}
}

func TestPublishAllContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	bldr := &fakeBuilder{}
	rslv := &fakeResolver{err: resolver.ErrResolveFailed}
	p := newTestPublisher(t, backend, bldr, rslv)

	good := testRef("mytag")
	bad := testRef("broken")
	bad.Digest = "" // forces the failing resolver

	err := p.PublishAll(ctx, []image.Reference{bad, good}, "test.repo", "")
	if !errors.Is(err, resolver.ErrResolveFailed) {
		t.Fatalf("err = %v, want joined ErrResolveFailed", err)
	}
	// The good image still went through.
	if backend.commits != 1 {
		t.Errorf("commits = %d, want 1", backend.commits)
	}
}
