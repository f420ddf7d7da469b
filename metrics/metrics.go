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

// Package metrics exposes publish counters for batch runs. The CLI can
// serve these on an HTTP endpoint while a long sync is in flight.
package metrics

import (
	"net/http"

	metrics "github.com/docker/go-metrics"
)

var (
	ns = metrics.NewNamespace("cvmfs_publisher", "", nil)

	// Publishes counts publish attempts by outcome
	// (published, build-failed, link-failed, tx-failed, resolve-failed).
	Publishes = ns.NewLabeledCounter("publishes", "publish attempts by outcome", "outcome")

	// DedupHits counts publishes that skipped the build because the
	// digest directory already existed.
	DedupHits = ns.NewCounter("dedup_hits", "publishes satisfied by existing content")

	// BuildDuration observes wall time of external image builds.
	BuildDuration = ns.NewTimer("build_duration", "external builder wall time")
)

func init() {
	metrics.Register(ns)
}

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return metrics.Handler()
}
