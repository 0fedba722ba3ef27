// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics, global only (short codes never become labels).
var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shortener_requests_total",
		Help: "Service operations by name and outcome",
	}, []string{"op", "status"})
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shortener_request_duration_seconds",
		Help:    "Service operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shortener_cache_hits_total",
		Help: "Lookup cache hits",
	})
	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shortener_cache_misses_total",
		Help: "Lookup cache misses",
	})
	clicksBufferedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shortener_clicks_buffered_total",
		Help: "Clicks accepted into the Redis buffer",
	})
	clickPublishFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shortener_click_publish_failures_total",
		Help: "Click events diverted to the fallback stream after a queue publish failure",
	})
)

func init() {
	// Register eagerly. Harmless when no /metrics endpoint is exposed.
	prometheus.MustRegister(requestsTotal, requestDuration, cacheHitsTotal, cacheMissesTotal, clicksBufferedTotal, clickPublishFailuresTotal)
}

func observeOp(op string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	requestsTotal.WithLabelValues(op, status).Inc()
	requestDuration.WithLabelValues(op).Observe(seconds)
}
