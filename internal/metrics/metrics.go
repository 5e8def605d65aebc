// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobRuns counts finished job records by final status.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mould_job_runs_total",
		Help: "Finished job records by final status.",
	}, []string{"status"})

	// StepResourceRuns counts finished step-resource leaves by status and
	// extension.
	StepResourceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mould_step_resource_runs_total",
		Help: "Finished step resource records by status and extension.",
	}, []string{"status", "extension"})

	// RPCDuration observes per-route handling latency.
	RPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mould_rpc_duration_seconds",
		Help:    "RPC handling latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRPC records one handled RPC.
func ObserveRPC(route string, elapsed time.Duration) {
	RPCDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
