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

package allocator

import "github.com/prometheus/client_golang/prometheus"

var (
	allocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keygen_allocations_total",
		Help: "Granted ID ranges by backend",
	}, []string{"source"})
	allocationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygen_allocation_failures_total",
		Help: "Allocation requests that exhausted every backend",
	})
	allocationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "keygen_allocation_duration_seconds",
		Help:    "End-to-end allocation latency including lock acquisition",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	lockContentionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygen_lock_contention_total",
		Help: "Allocation attempts that gave up waiting for the allocation lock",
	})
	pendingSyncDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keygen_pending_sync_depth",
		Help: "Allocation records waiting for the background audit sync",
	})
	syncBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygen_sync_batches_total",
		Help: "Audit batches persisted by the background sync",
	})
	syncErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygen_sync_errors_total",
		Help: "Audit batches that failed after the in-batch retry budget",
	})
	pendingDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygen_pending_drops_total",
		Help: "Allocation records dropped because the pending queue was full",
	})
)

func init() {
	prometheus.MustRegister(allocationsTotal, allocationFailures, allocationDuration,
		lockContentionTotal, pendingSyncDepth, syncBatchesTotal, syncErrorsTotal, pendingDropsTotal)
}
