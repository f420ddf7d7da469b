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
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/opencontainers/go-digest"

	"github.com/cvmfs-contrib/container-publisher/image"
)

const defaultJournalPath = "/var/lib/cvmfs-publish/journal.db"

// Config is the TOML configuration file.
type Config struct {
	// RootDir is the subdirectory inside the repository under which
	// all image content is placed.
	RootDir string `toml:"root_dir"`

	// MountDir overrides the repository mount root (default /cvmfs).
	MountDir string `toml:"mount_dir"`

	// SpoolDir overrides the cvmfs_server spool directory.
	SpoolDir string `toml:"spool_dir"`

	// JournalPath is where publish history is recorded. Empty selects
	// the default; "none" disables the journal.
	JournalPath string `toml:"journal_path"`

	// MetricsAddr, if set, serves prometheus metrics during sync runs.
	MetricsAddr string `toml:"metrics_addr"`

	// RootfsGlobs override the OS-root detection patterns.
	RootfsGlobs []string `toml:"rootfs_globs"`

	// PlainHTTP talks to registries over http (local test registries).
	PlainHTTP bool `toml:"plain_http"`

	// BuilderCommand overrides the image build tool (e.g. "apptainer").
	BuilderCommand string `toml:"builder_command"`

	// Images is the list published by the sync command.
	Images []ImageConfig `toml:"image"`
}

// ImageConfig is one entry of the sync list.
type ImageConfig struct {
	Ref       string   `toml:"ref"`
	Digest    string   `toml:"digest"`
	ExtraTags []string `toml:"extra_tags"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load config file %q: %w", path, err)
	}
	return cfg, nil
}

func (c Config) journalPath() string {
	switch c.JournalPath {
	case "":
		return defaultJournalPath
	case "none":
		return ""
	}
	return c.JournalPath
}

// reference parses one sync entry into a publishable reference.
func (e ImageConfig) reference() (image.Reference, error) {
	ref, err := image.Parse(e.Ref)
	if err != nil {
		return image.Reference{}, err
	}
	if e.Digest != "" {
		dgst, err := digest.Parse(e.Digest)
		if err != nil {
			return image.Reference{}, fmt.Errorf("image %s: %w", e.Ref, err)
		}
		ref.Digest = dgst
	}
	return ref, nil
}
