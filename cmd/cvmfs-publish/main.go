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

// cvmfs-publish publishes container images into a CVMFS repository as
// content-addressed, deduplicated directory trees with tag symlinks.
package main

import (
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const defaultLogLevel = logrus.InfoLevel

func main() {
	app := &cli.App{
		Name:  "cvmfs-publish",
		Usage: "publish container images into a CVMFS repository",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: defaultLogLevel.String(),
				Usage: "set the logging level [trace, debug, info, warn, error, fatal, panic]",
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "emit logs as JSON",
			},
		},
		Before: func(clicontext *cli.Context) error {
			lvl, err := logrus.ParseLevel(clicontext.String("log-level"))
			if err != nil {
				return fmt.Errorf("failed to prepare logger: %w", err)
			}
			logrus.SetLevel(lvl)
			if clicontext.Bool("log-json") {
				logrus.SetFormatter(&logrus.JSONFormatter{
					TimestampFormat: log.RFC3339NanoFixed,
				})
			}
			return nil
		},
		Commands: []*cli.Command{
			publishCommand,
			syncCommand,
			historyCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "cvmfs-publish: %v\n", err)
		os.Exit(1)
	}
}
