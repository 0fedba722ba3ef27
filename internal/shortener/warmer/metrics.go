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

package warmer

import "github.com/prometheus/client_golang/prometheus"

var (
	cyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warmer_cycles_total",
		Help: "Completed warming cycles",
	})
	cycleErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warmer_cycle_errors_total",
		Help: "Warming cycles that failed",
	})
	keysWarmedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warmer_keys_warmed_total",
		Help: "Cache entries written by the warmer",
	})
	idsPregeneratedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warmer_ids_pregenerated_total",
		Help: "IDs drawn from the allocator to keep blocks warm",
	})
)

func init() {
	prometheus.MustRegister(cyclesTotal, cycleErrorsTotal, keysWarmedTotal, idsPregeneratedTotal)
}
