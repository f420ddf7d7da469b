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

// Package resolver turns a tagged image reference into its content
// digest by asking the registry, without pulling the image. The digest
// of a manifest is the digest of its bytes, so a HEAD of the manifest
// endpoint (or a GET plus local hashing when the registry omits the
// digest header) is all that is needed.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/containerd/log"
	rhttp "github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cvmfs-contrib/container-publisher/image"
)

// ErrResolveFailed reports that the registry round trip did not yield a
// digest. Nothing on the filesystem has been touched when this is
// returned.
var ErrResolveFailed = errors.New("digest resolution failed")

const defaultRequestTimeout = 30 * time.Second

// digestHeader is set by registries implementing the distribution API.
const digestHeader = "Docker-Content-Digest"

var acceptedManifestTypes = strings.Join([]string{
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
}, ", ")

// Resolver resolves an image reference to its content digest.
type Resolver interface {
	Resolve(ctx context.Context, ref image.Reference) (digest.Digest, error)
}

// Credential supplies a username/password pair for a registry host.
// Empty strings mean anonymous.
type Credential func(host string) (string, string, error)

// Registry is the default Resolver, speaking the distribution API with
// Bearer token authentication.
type Registry struct {
	client    *http.Client
	creds     Credential
	plainHTTP bool
}

// Opt configures a Registry.
type Opt func(*Registry)

// WithCredential sets the credential source for token fetches.
func WithCredential(creds Credential) Opt {
	return func(r *Registry) { r.creds = creds }
}

// WithPlainHTTP switches to http scheme, for local registries.
func WithPlainHTTP() Opt {
	return func(r *Registry) { r.plainHTTP = true }
}

func NewRegistry(opts ...Opt) *Registry {
	client := rhttp.NewClient()
	client.Logger = nil // one log line per publish is enough
	client.HTTPClient.Timeout = defaultRequestTimeout
	r := &Registry{
		client: client.StandardClient(),
		creds:  func(string) (string, string, error) { return "", "", nil },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve asks the registry for the manifest digest of ref's tag. It
// prefers the Docker-Content-Digest header of a HEAD request and falls
// back to hashing the manifest body when the header is absent.
func (r *Registry) Resolve(ctx context.Context, ref image.Reference) (digest.Digest, error) {
	host := ref.Registry
	if host == "docker.io" {
		host = "registry-1.docker.io"
	}
	scheme := "https"
	if r.plainHTTP {
		scheme = "http"
	}
	manifestURL := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", scheme, host, ref.Repository(), ref.Tag)

	resp, err := r.get(ctx, http.MethodHead, manifestURL, host, ref.Repository())
	if err != nil {
		return "", fmt.Errorf("%s: %v: %w", ref.Name(), err, ErrResolveFailed)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if raw := resp.Header.Get(digestHeader); raw != "" {
		dgst, err := digest.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("%s: registry returned bad digest %q: %w", ref.Name(), raw, ErrResolveFailed)
		}
		return dgst, nil
	}

	// No digest header; fetch the manifest and hash it ourselves.
	log.G(ctx).Debugf("registry %s omits %s, hashing manifest body", host, digestHeader)
	resp, err = r.get(ctx, http.MethodGet, manifestURL, host, ref.Repository())
	if err != nil {
		return "", fmt.Errorf("%s: %v: %w", ref.Name(), err, ErrResolveFailed)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%s: read manifest: %v: %w", ref.Name(), err, ErrResolveFailed)
	}
	return digest.FromBytes(body), nil
}

// get performs one manifest request, answering a Bearer challenge once.
func (r *Registry) get(ctx context.Context, method, manifestURL, host, repository string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, manifestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", acceptedManifestTypes)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		challenge := resp.Header.Get("WWW-Authenticate")
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		token, err := r.fetchToken(ctx, challenge, host, repository)
		if err != nil {
			return nil, err
		}
		req, err = http.NewRequestWithContext(ctx, method, manifestURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", acceptedManifestTypes)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err = r.client.Do(req)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s from %s", resp.Status, manifestURL)
	}
	return resp, nil
}

// fetchToken exchanges registry credentials for a Bearer token at the
// realm named in the WWW-Authenticate challenge.
func (r *Registry) fetchToken(ctx context.Context, challenge, host, repository string) (string, error) {
	params := parseChallenge(challenge)
	realm := params["realm"]
	if realm == "" {
		return "", fmt.Errorf("registry %s sent an unusable auth challenge %q", host, challenge)
	}

	u, err := url.Parse(realm)
	if err != nil {
		return "", fmt.Errorf("bad auth realm %q: %w", realm, err)
	}
	q := u.Query()
	if service := params["service"]; service != "" {
		q.Set("service", service)
	}
	scope := params["scope"]
	if scope == "" {
		scope = fmt.Sprintf("repository:%s:pull", repository)
	}
	q.Set("scope", scope)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	if username, password, err := r.creds(host); err != nil {
		return "", fmt.Errorf("credentials for %s: %w", host, err)
	} else if username != "" || password != "" {
		req.SetBasicAuth(username, password)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint %s returned %s", u.Host, resp.Status)
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if payload.Token != "" {
		return payload.Token, nil
	}
	if payload.AccessToken != "" {
		return payload.AccessToken, nil
	}
	return "", fmt.Errorf("token endpoint %s returned no token", u.Host)
}

// parseChallenge splits `Bearer k="v",k2="v2"` into its parameters.
func parseChallenge(header string) map[string]string {
	params := map[string]string{}
	header = strings.TrimPrefix(header, "Bearer ")
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[k] = strings.Trim(v, `"`)
	}
	return params
}
