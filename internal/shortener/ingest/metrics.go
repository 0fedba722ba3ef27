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

package ingest

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_events_total",
		Help: "Click events consumed, by transport",
	}, []string{"source"})
	malformedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingestion_malformed_total",
		Help: "Events skipped because they could not be decoded",
	})
	flushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingestion_flushes_total",
		Help: "Aggregation flush cycles completed",
	})
	flushErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingestion_flush_errors_total",
		Help: "Flush cycles that failed and will retry from the spill hash",
	})
	sinkErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingestion_sink_errors_total",
		Help: "Analytics sink inserts that failed (rows are dropped)",
	})
	buffersReapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingestion_buffers_reaped_total",
		Help: "Orphaned click-buffer keys removed by the janitor",
	})
)

func init() {
	prometheus.MustRegister(eventsTotal, malformedTotal, flushesTotal, flushErrorsTotal, sinkErrorsTotal, buffersReapedTotal)
}
