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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"github.com/urfave/cli/v2"

	"github.com/cvmfs-contrib/container-publisher/builder"
	"github.com/cvmfs-contrib/container-publisher/image"
	"github.com/cvmfs-contrib/container-publisher/journal"
	"github.com/cvmfs-contrib/container-publisher/metrics"
	"github.com/cvmfs-contrib/container-publisher/publish"
	"github.com/cvmfs-contrib/container-publisher/resolver"
	"github.com/cvmfs-contrib/container-publisher/store"
	"github.com/cvmfs-contrib/container-publisher/txn"
)

var publishCommand = &cli.Command{
	Name:      "publish",
	Usage:     "publish one image into a repository",
	ArgsUsage: "<repository> <image-ref>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "digest",
			Usage: "pre-known content digest (algorithm:hex); skips resolution",
		},
		&cli.StringFlag{
			Name:  "root-dir",
			Usage: "subdirectory inside the repository for image content",
		},
		&cli.StringSliceFlag{
			Name:  "extra-tag",
			Usage: "additional tag symlinks onto the same content",
		},
	},
	Action: func(clicontext *cli.Context) error {
		if clicontext.NArg() != 2 {
			return errors.New("expected arguments: <repository> <image-ref>")
		}
		fsname, rawRef := clicontext.Args().Get(0), clicontext.Args().Get(1)

		cfg, err := loadConfig(clicontext.String("config"))
		if err != nil {
			return err
		}
		rootDir := cfg.RootDir
		if clicontext.IsSet("root-dir") {
			rootDir = clicontext.String("root-dir")
		}

		ref, err := image.Parse(rawRef)
		if err != nil {
			return err
		}
		if raw := clicontext.String("digest"); raw != "" {
			dgst, err := digest.Parse(raw)
			if err != nil {
				return fmt.Errorf("bad --digest: %w", err)
			}
			ref.Digest = dgst
		}

		p, cleanup, err := newPublisher(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := log.WithLogger(clicontext.Context, log.L)
		res, err := p.Publish(ctx, ref, fsname, rootDir)
		if err != nil {
			return err
		}
		if err := publishExtraTags(ctx, p, ref, res.Digest, clicontext.StringSlice("extra-tag"), fsname, rootDir); err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", ref.Name(), res.Digest, res.TagPath)
		return nil
	},
}

var syncCommand = &cli.Command{
	Name:  "sync",
	Usage: "publish every image from the configured list",
	Description: `Publishes each [[image]] entry of the configuration file in turn,
one transaction per image, continuing past individual failures.`,
	ArgsUsage: "<repository>",
	Action: func(clicontext *cli.Context) error {
		if clicontext.NArg() != 1 {
			return errors.New("expected argument: <repository>")
		}
		fsname := clicontext.Args().First()

		cfg, err := loadConfig(clicontext.String("config"))
		if err != nil {
			return err
		}
		if len(cfg.Images) == 0 {
			return errors.New("no [[image]] entries in configuration")
		}

		ctx := log.WithLogger(clicontext.Context, log.L)
		if cfg.MetricsAddr != "" {
			go func() {
				log.G(ctx).Infof("serving metrics on %s", cfg.MetricsAddr)
				if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
					log.G(ctx).WithError(err).Warn("metrics endpoint failed")
				}
			}()
		}

		p, cleanup, err := newPublisher(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		var failed int
		for _, entry := range cfg.Images {
			ref, err := entry.reference()
			if err != nil {
				log.G(ctx).WithError(err).Errorf("skipping %q", entry.Ref)
				failed++
				continue
			}
			res, err := p.Publish(ctx, ref, fsname, cfg.RootDir)
			if err != nil {
				log.G(ctx).WithError(err).Errorf("publish of %s failed", ref.Name())
				failed++
				continue
			}
			// Extra tags share the resolved digest so they land on the
			// same content directory.
			if err := publishExtraTags(ctx, p, ref, res.Digest, entry.ExtraTags, fsname, cfg.RootDir); err != nil {
				log.G(ctx).WithError(err).Errorf("extra tags of %s failed", ref.Name())
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d images failed", failed, len(cfg.Images))
		}
		log.G(ctx).Infof("synced %d images into %s", len(cfg.Images), fsname)
		return nil
	},
}

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "show recorded publishes for a repository",
	ArgsUsage: "<repository>",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Value: 20,
			Usage: "maximum entries to show (0 = all)",
		},
	},
	Action: func(clicontext *cli.Context) error {
		if clicontext.NArg() != 1 {
			return errors.New("expected argument: <repository>")
		}
		cfg, err := loadConfig(clicontext.String("config"))
		if err != nil {
			return err
		}
		path := cfg.journalPath()
		if path == "" {
			return errors.New("journal is disabled in configuration")
		}
		j, err := journal.Open(path)
		if err != nil {
			return err
		}
		defer j.Close()

		entries, err := j.List(clicontext.Args().First(), clicontext.Int("limit"))
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 4, 8, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tIMAGE\tTAG\tDIGEST\tOUTCOME\tTOOK")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.When.Local().Format(time.RFC3339), e.Image, e.Tag,
				shorten(e.Digest), e.Outcome, e.Duration.Round(time.Millisecond))
		}
		return w.Flush()
	},
}

func publishExtraTags(ctx context.Context, p *publish.Publisher, ref image.Reference, dgst digest.Digest, tags []string, fsname, rootDir string) error {
	var errs []error
	for _, extra := range tags {
		tagged := ref.WithTag(extra)
		tagged.Digest = dgst
		if _, err := p.Publish(ctx, tagged, fsname, rootDir); err != nil {
			errs = append(errs, fmt.Errorf("tag %s: %w", extra, err))
		}
	}
	return errors.Join(errs...)
}

// newPublisher wires the real collaborators from configuration. The
// returned cleanup closes the journal.
func newPublisher(cfg Config) (*publish.Publisher, func(), error) {
	backend := &txn.CVMFSServer{
		SpoolDir: cfg.SpoolDir,
		MountDir: cfg.MountDir,
	}

	resolverOpts := []resolver.Opt{
		resolver.WithCredential(resolver.DockerConfigCredential()),
	}
	if cfg.PlainHTTP {
		resolverOpts = append(resolverOpts, resolver.WithPlainHTTP())
	}

	storeOpts := []store.Opt{}
	if len(cfg.RootfsGlobs) > 0 {
		storeOpts = append(storeOpts, store.WithRootDetector(store.GlobRootDetector(cfg.RootfsGlobs...)))
	}

	p := &publish.Publisher{
		Txn:      txn.NewManager(backend),
		Store:    store.New(storeOpts...),
		Resolver: resolver.NewRegistry(resolverOpts...),
		Builder:  &builder.Singularity{Command: cfg.BuilderCommand},
		MountDir: cfg.MountDir,
	}

	cleanup := func() {}
	if path := cfg.journalPath(); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			log.L.WithError(err).Warnf("cannot prepare journal directory, continuing without journal")
		} else if j, err := journal.Open(path); err != nil {
			log.L.WithError(err).Warnf("cannot open journal at %s, continuing without journal", path)
		} else {
			p.Journal = j
			cleanup = func() { j.Close() }
		}
	}
	return p, cleanup, nil
}

func shorten(dgst string) string {
	if len(dgst) > 19 {
		return dgst[:19]
	}
	return dgst
}
