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

// Package image provides the image reference model used across the
// publisher. A reference is split into the pieces that matter for the
// repository layout (namespace, project, tag) rather than kept as an
// opaque string.
package image

import (
	"fmt"
	"strings"

	// Register sha256 so go-digest can validate the common case.
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// DefaultTag is assumed when a reference carries no explicit tag.
const DefaultTag = "latest"

// Reference identifies a source container image. Immutable once
// constructed; WithTag returns a copy rather than mutating.
type Reference struct {
	// Registry is the registry host, e.g. "registry-1.docker.io".
	Registry string

	// Namespace is every repository path segment but the last,
	// e.g. "library" for "library/ubuntu". May be empty.
	Namespace string

	// Project is the last repository path segment, e.g. "ubuntu".
	Project string

	// Tag is the human-chosen tag, never empty.
	Tag string

	// Digest is the pre-known content digest, if the caller supplied
	// one. Empty means the digest must be resolved at publish time.
	Digest digest.Digest
}

// Parse normalizes a docker-style reference string ("ubuntu",
// "quay.io/foo/bar:v1", "alpine@sha256:..."). Familiar shorthands are
// expanded the same way the docker CLI expands them.
func Parse(s string) (Reference, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Reference{}, fmt.Errorf("invalid image reference %q: %w", s, err)
	}
	named = reference.TagNameOnly(named)

	ref := Reference{
		Registry: reference.Domain(named),
		Tag:      DefaultTag,
	}
	path := reference.Path(named)
	if i := strings.LastIndex(path, "/"); i >= 0 {
		ref.Namespace, ref.Project = path[:i], path[i+1:]
	} else {
		ref.Project = path
	}
	if tagged, ok := named.(reference.Tagged); ok {
		ref.Tag = tagged.Tag()
	}
	if canonical, ok := named.(reference.Canonical); ok {
		ref.Digest = canonical.Digest()
	}
	return ref, nil
}

// WithTag returns a copy of the reference pointing at a different tag.
func (r Reference) WithTag(tag string) Reference {
	r.Tag = tag
	return r
}

// Name is the canonical composite name handed to the external builder
// and resolver: "registry/namespace/project:tag" with empty pieces
// omitted.
func (r Reference) Name() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.Registry, r.Namespace, r.Project} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/") + ":" + r.Tag
}

// Repository is the registry API repository path ("namespace/project").
func (r Reference) Repository() string {
	if r.Namespace == "" {
		return r.Project
	}
	return r.Namespace + "/" + r.Project
}

func (r Reference) String() string {
	if r.Digest != "" {
		return r.Name() + "@" + r.Digest.String()
	}
	return r.Name()
}
