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

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"shortener/internal/shortener/persistence"
)

const (
	// pendingLimit bounds the in-memory queue; beyond it the oldest
	// records are dropped (they still exist in the Redis fast hash).
	pendingLimit = 1000

	// Batching thresholds by allocation rate. Higher load flushes in
	// smaller batches so the audit trail lags allocation by less.
	thresholdNormal   = 1000
	thresholdElevated = 500 // 1k-5k alloc/s
	thresholdHigh     = 100 // >5k alloc/s

	// pressureLimit forces a flush regardless of rate once the queue is
	// this deep, and maxPendingAge does the same for stale records.
	pressureLimit = 800
	maxPendingAge = 60 * time.Second

	// In-batch retry: base 100ms doubling with 20% jitter, 3 attempts.
	batchRetries    = 3
	batchRetryBase  = 100 * time.Millisecond
	batchRetryJit   = 0.20
	batchRetryCap   = 400 * time.Millisecond

	// Outer failure handling: exponential backoff between failed cycles,
	// and a long rest once failures persist.
	outerBackoffBase   = time.Second
	outerBackoffCap    = 30 * time.Second
	restAfterFailures  = 10
	restDuration       = 60 * time.Second
)

// AuditStore persists allocation records.
type AuditStore interface {
	InsertAllocationRecords(ctx context.Context, recs []persistence.AllocationRecord) error
}

// SyncWorker drains fast-persisted allocation records into the Postgres
// audit in the background. Batching adapts to the allocation rate and the
// worker survives audit outages with backoff instead of crashing the
// allocation path.
type SyncWorker struct {
	store    AuditStore
	rps      func() float64
	interval time.Duration
	log      zerolog.Logger

	mu                sync.Mutex
	pending           []pendingRecord
	consecutiveErrors int

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32

	sleep func(time.Duration) // test hook
	now   func() time.Time    // test hook
}

type pendingRecord struct {
	rec      persistence.AllocationRecord
	enqueued time.Time
}

// NewSyncWorker creates the worker. rps supplies the current allocation
// rate; interval is how often the flush decision runs.
func NewSyncWorker(store AuditStore, rps func() float64, interval time.Duration, log zerolog.Logger) *SyncWorker {
	if interval <= 0 {
		interval = time.Second
	}
	if rps == nil {
		rps = func() float64 { return 0 }
	}
	return &SyncWorker{
		store:    store,
		rps:      rps,
		interval: interval,
		log:      log.With().Str("component", "alloc-sync").Logger(),
		stopChan: make(chan struct{}),
		sleep:    time.Sleep,
		now:      time.Now,
	}
}

// Enqueue adds a record to the pending queue, dropping the oldest when full.
// The dropped record is still recoverable from the Redis fast hash.
func (w *SyncWorker) Enqueue(rec persistence.AllocationRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) >= pendingLimit {
		w.pending = w.pending[1:]
		pendingDropsTotal.Inc()
	}
	w.pending = append(w.pending, pendingRecord{rec: rec, enqueued: w.now()})
	pendingSyncDepth.Set(float64(len(w.pending)))
}

// Depth reports the pending queue size.
func (w *SyncWorker) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Start launches the background sync loop.
func (w *SyncWorker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
}

// Stop drains the queue with a final flush and waits for the loop to exit.
func (w *SyncWorker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	close(w.stopChan)
	w.wg.Wait()
}

func (w *SyncWorker) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if w.shouldFlush() {
				w.runFlush()
			}
		case <-w.stopChan:
			// Final flush: whatever is pending goes out, threshold or not.
			w.runFlush()
			return
		}
	}
}

// shouldFlush applies the load-adaptive policy: deeper batches under light
// load, shallow ones under heavy load, with age and pressure overrides.
func (w *SyncWorker) shouldFlush() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.pending)
	if n == 0 {
		return false
	}
	if n > pressureLimit {
		return true
	}
	if w.now().Sub(w.pending[0].enqueued) > maxPendingAge {
		return true
	}
	return n >= w.thresholdLocked()
}

func (w *SyncWorker) thresholdLocked() int {
	r := w.rps()
	switch {
	case r > 5000:
		return thresholdHigh
	case r > 1000:
		return thresholdElevated
	default:
		return thresholdNormal
	}
}

func (w *SyncWorker) runFlush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := make([]persistence.AllocationRecord, len(w.pending))
	for i, p := range w.pending {
		batch[i] = p.rec
	}
	requeue := w.pending
	w.pending = nil
	pendingSyncDepth.Set(0)
	w.mu.Unlock()

	if err := w.persistWithRetry(batch); err != nil {
		syncErrorsTotal.Inc()
		w.mu.Lock()
		w.consecutiveErrors++
		errs := w.consecutiveErrors
		// Put the batch back in front of anything enqueued meanwhile,
		// trimming to the limit from the old end.
		w.pending = append(requeue, w.pending...)
		if over := len(w.pending) - pendingLimit; over > 0 {
			w.pending = w.pending[over:]
		}
		pendingSyncDepth.Set(float64(len(w.pending)))
		w.mu.Unlock()

		if errs >= restAfterFailures {
			w.log.Error().Err(err).Int("consecutive_errors", errs).
				Msgf("audit sync failing persistently, resting %s", restDuration)
			w.sleep(restDuration)
			w.mu.Lock()
			w.consecutiveErrors = 0
			w.mu.Unlock()
			return
		}
		delay := backoffDelay(errs-1, outerBackoffBase, outerBackoffCap, 0)
		w.log.Warn().Err(err).Int("batch", len(batch)).Dur("backoff", delay).Msg("audit sync failed, backing off")
		w.sleep(delay)
		return
	}

	w.mu.Lock()
	w.consecutiveErrors = 0
	w.mu.Unlock()
	syncBatchesTotal.Inc()
	w.log.Debug().Int("batch", len(batch)).Msg("audit batch persisted")
}

func (w *SyncWorker) persistWithRetry(batch []persistence.AllocationRecord) error {
	var err error
	for attempt := 0; attempt < batchRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = w.store.InsertAllocationRecords(ctx, batch)
		cancel()
		if err == nil {
			return nil
		}
		if attempt < batchRetries-1 {
			w.sleep(backoffDelay(attempt, batchRetryBase, batchRetryCap, batchRetryJit))
		}
	}
	return err
}
