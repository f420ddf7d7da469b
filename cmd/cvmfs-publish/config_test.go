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

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
root_dir = "images"
metrics_addr = ":9402"
rootfs_globs = ["etc/*-release", "usr/lib/os-release"]

[[image]]
ref = "ubuntu:24.04"
extra_tags = ["24", "noble"]

[[image]]
ref = "quay.io/biocontainers/samtools:1.9"
digest = "sha256:` + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" + `"
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RootDir != "images" {
		t.Errorf("root_dir = %q", cfg.RootDir)
	}
	if len(cfg.RootfsGlobs) != 2 {
		t.Errorf("rootfs_globs = %v", cfg.RootfsGlobs)
	}
	if len(cfg.Images) != 2 {
		t.Fatalf("images = %d, want 2", len(cfg.Images))
	}

	ref, err := cfg.Images[0].reference()
	if err != nil {
		t.Fatal(err)
	}
	if ref.Project != "ubuntu" || ref.Tag != "24.04" {
		t.Errorf("ref = %+v", ref)
	}
	if len(cfg.Images[0].ExtraTags) != 2 {
		t.Errorf("extra_tags = %v", cfg.Images[0].ExtraTags)
	}

	pinned, err := cfg.Images[1].reference()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(pinned.Digest), "sha256:aaaa") {
		t.Errorf("digest = %s", pinned.Digest)
	}
}

func TestLoadConfigMissingFileIsEmpty(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RootDir != "" || len(cfg.Images) != 0 {
		t.Errorf("empty path produced non-zero config: %+v", cfg)
	}
}

func TestJournalPath(t *testing.T) {
	if got := (Config{}).journalPath(); got != defaultJournalPath {
		t.Errorf("default journal path = %q", got)
	}
	if got := (Config{JournalPath: "none"}).journalPath(); got != "" {
		t.Errorf("disabled journal path = %q", got)
	}
	if got := (Config{JournalPath: "/tmp/j.db"}).journalPath(); got != "/tmp/j.db" {
		t.Errorf("explicit journal path = %q", got)
	}
}

func TestBadReference(t *testing.T) {
	entry := ImageConfig{Ref: "NOT A REF"}
	if _, err := entry.reference(); err == nil {
		t.Error("expected parse error")
	}
	entry = ImageConfig{Ref: "ubuntu", Digest: "garbage"}
	if _, err := entry.reference(); err == nil {
		t.Error("expected digest error")
	}
}
