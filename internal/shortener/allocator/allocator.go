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

// Package allocator implements the distributed ID allocation service: block
// grants from a Redis counter under a distributed lock, tiered fallback
// backends, fast-persisted audit records and a load-adaptive background sync
// into Postgres.
package allocator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shortener/internal/shortener/core"
	"shortener/internal/shortener/persistence"
)

// FastRecordsKey is the Redis hash that receives every grant immediately,
// before the batched Postgres audit catches up. Field "start-end", value
// "unixts:size".
const FastRecordsKey = "id_allocation_records"

// Health states reported per backend and overall.
const (
	HealthHealthy  = "HEALTHY"
	HealthDegraded = "DEGRADED"
	HealthFailed   = "FAILED"
)

// Block is one granted ID range, inclusive on both ends.
type Block struct {
	Start  int64  `json:"start"`
	End    int64  `json:"end"`
	Source string `json:"source"`
}

// FastPersister records a grant in Redis on the allocation path.
type FastPersister interface {
	HSet(ctx context.Context, key, field, value string) error
}

// AuditReader recovers the allocation high-water mark after Redis loss.
type AuditReader interface {
	MaxAllocatedEnd(ctx context.Context) (int64, error)
}

// Service grants ID blocks. Backends are tried in order under the
// allocation lock; the first success wins and the rest are not consulted.
type Service struct {
	lock     *Lock
	backends []CounterBackend
	fast     FastPersister
	sync     *SyncWorker
	mirrors  []*RedisCounter
	log      zerolog.Logger

	blockSize int64

	mu         sync.Mutex
	health     map[string]string
	totals     map[string]int64
	failures   int64
	latencySum time.Duration
	latencyN   int64
	rate       *rateTracker
}

func NewService(lock *Lock, backends []CounterBackend, fast FastPersister, sync *SyncWorker, blockSize int64, log zerolog.Logger) *Service {
	if blockSize <= 0 {
		blockSize = 1000
	}
	health := make(map[string]string, len(backends))
	for _, b := range backends {
		health[b.Name()] = HealthHealthy
	}
	return &Service{
		lock:      lock,
		backends:  backends,
		fast:      fast,
		sync:      sync,
		log:       log.With().Str("component", "allocator").Logger(),
		blockSize: blockSize,
		health:    health,
		totals:    map[string]int64{},
		rate:      newRateTracker(),
	}
}

// AttachSync wires the audit sync worker after construction. The worker
// reads the service's RPS, so the two cannot be built in one step.
func (s *Service) AttachSync(w *SyncWorker) { s.sync = w }

// AttachMirrors registers Redis counters to keep in lock-step with every
// grant, so a failed-over counter resumes past ranges the others granted.
func (s *Service) AttachMirrors(counters ...*RedisCounter) { s.mirrors = counters }

// mirrorCounters pushes the latest granted end into every registered counter
// except the one that served the grant. Runs under the allocation lock, so
// grants serialize and an unconditional SET stays monotonic. Best effort: a
// counter that cannot be reached catches up on its next mirror or restore.
func (s *Service) mirrorCounters(ctx context.Context, granted CounterBackend, end int64) {
	for _, c := range s.mirrors {
		if CounterBackend(c) == granted {
			continue
		}
		if err := c.SetValue(ctx, end); err != nil {
			s.log.Warn().Err(err).Str("backend", c.Name()).Msg("counter mirror failed")
		}
	}
}

// RestoreCounter seeds the Redis counter if it is missing: the high-water
// mark from the Postgres audit when one exists, otherwise the configured
// base. Attached mirror counters missing their key are seeded to the same
// high-water mark so every backend starts past granted ranges. Runs under
// the allocation lock so concurrent instances cannot race the seed.
func (s *Service) RestoreCounter(ctx context.Context, primary *RedisCounter, audit AuditReader, base int64) error {
	token, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("restore counter: %w", err)
	}
	defer s.lock.Release(ctx, token)

	seed := base
	if audit != nil {
		maxEnd, err := audit.MaxAllocatedEnd(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("audit unavailable during restore, seeding from base")
		} else if maxEnd > seed {
			seed = maxEnd
		}
	}

	exists, err := primary.Initialized(ctx)
	if err != nil {
		return fmt.Errorf("restore counter: %w", err)
	}
	if exists {
		// A live primary may sit above the audited mark; standbys seed from
		// whichever is higher.
		if v, verr := primary.Value(ctx); verr == nil && v > seed {
			seed = v
		}
	} else {
		created, err := primary.InitializeAt(ctx, seed)
		if err != nil {
			return err
		}
		if created {
			s.log.Info().Int64("seed", seed).Msg("allocation counter restored")
		}
	}

	s.restoreMirrors(ctx, primary, seed)
	return nil
}

func (s *Service) restoreMirrors(ctx context.Context, primary *RedisCounter, seed int64) {
	for _, m := range s.mirrors {
		if m == primary {
			continue
		}
		exists, err := m.Initialized(ctx)
		if err != nil {
			s.log.Warn().Err(err).Str("backend", m.Name()).Msg("standby counter unreachable during restore")
			continue
		}
		if exists {
			continue
		}
		if _, err := m.InitializeAt(ctx, seed); err != nil {
			s.log.Warn().Err(err).Str("backend", m.Name()).Msg("standby counter seed failed")
			continue
		}
		s.log.Info().Int64("seed", seed).Str("backend", m.Name()).Msg("standby counter restored")
	}
}

// Allocate grants a block of size IDs. Zero size means the configured block
// size; negative sizes are rejected. Lock contention past the retry budget
// returns ErrTemporarilyUnavailable, exhausted backends ErrUnavailable.
func (s *Service) Allocate(ctx context.Context, size int64) (Block, error) {
	start := time.Now()
	if size == 0 {
		size = s.blockSize
	}
	if size < 0 {
		return Block{}, fmt.Errorf("allocation size %d: %w", size, core.ErrInvalidArgument)
	}
	if size > s.blockSize {
		return Block{}, fmt.Errorf("allocation size %d exceeds block size %d: %w", size, s.blockSize, core.ErrInvalidArgument)
	}

	token, err := s.lock.Acquire(ctx)
	if err != nil {
		lockContentionTotal.Inc()
		return Block{}, err
	}
	defer s.lock.Release(ctx, token)

	for _, backend := range s.backends {
		end, err := backend.Reserve(ctx, size)
		if err != nil {
			s.markBackend(backend.Name(), false)
			s.log.Warn().Err(err).Str("backend", backend.Name()).Msg("backend failed, trying next tier")
			continue
		}
		s.markBackend(backend.Name(), true)
		block := Block{Start: end - size + 1, End: end, Source: backend.Name()}
		s.mirrorCounters(ctx, backend, block.End)
		s.recordGrant(ctx, block, size, time.Since(start))
		return block, nil
	}

	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
	allocationFailures.Inc()
	return Block{}, fmt.Errorf("all allocation backends exhausted: %w", core.ErrUnavailable)
}

func (s *Service) recordGrant(ctx context.Context, block Block, size int64, elapsed time.Duration) {
	now := time.Now()
	rec := persistence.AllocationRecord{
		StartID:     block.Start,
		EndID:       block.End,
		Size:        size,
		Source:      block.Source,
		AllocatedAt: now,
	}

	// Fast persist is best effort: the pending queue still carries the
	// record to Postgres even if the Redis hash write fails.
	field := fmt.Sprintf("%d-%d", block.Start, block.End)
	value := fmt.Sprintf("%d:%d", now.Unix(), size)
	if err := s.fast.HSet(ctx, FastRecordsKey, field, value); err != nil {
		s.log.Warn().Err(err).Str("range", field).Msg("fast persist failed")
	}
	if s.sync != nil {
		s.sync.Enqueue(rec)
	}

	s.mu.Lock()
	s.totals[block.Source]++
	s.latencySum += elapsed
	s.latencyN++
	s.rate.observe(now)
	s.mu.Unlock()

	allocationsTotal.WithLabelValues(block.Source).Inc()
	allocationDuration.Observe(elapsed.Seconds())
}

func (s *Service) markBackend(name string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.health[name] = HealthHealthy
	} else {
		s.health[name] = HealthFailed
	}
}

// Health reports the overall state: HEALTHY when every backend works,
// DEGRADED while fallbacks carry the load, FAILED when nothing can grant.
func (s *Service) Health() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	healthy := 0
	for _, st := range s.health {
		if st == HealthHealthy {
			healthy++
		}
	}
	switch {
	case healthy == len(s.health):
		return HealthHealthy
	case healthy > 0:
		return HealthDegraded
	default:
		return HealthFailed
	}
}

// Status is the operational snapshot served by GET /status.
type Status struct {
	Health          string            `json:"health"`
	Backends        map[string]string `json:"backends"`
	TotalsBySource  map[string]int64  `json:"totals_by_source"`
	Failures        int64             `json:"failures"`
	AvgLatencyMs    float64           `json:"avg_latency_ms"`
	CurrentRPS      float64           `json:"current_rps"`
	PendingSyncSize int               `json:"pending_sync_size"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	backends := make(map[string]string, len(s.health))
	healthy := 0
	for name, st := range s.health {
		backends[name] = st
		if st == HealthHealthy {
			healthy++
		}
	}
	totals := make(map[string]int64, len(s.totals))
	for src, n := range s.totals {
		totals[src] = n
	}
	overall := HealthFailed
	if healthy == len(s.health) {
		overall = HealthHealthy
	} else if healthy > 0 {
		overall = HealthDegraded
	}
	var avgMs float64
	if s.latencyN > 0 {
		avgMs = float64(s.latencySum.Milliseconds()) / float64(s.latencyN)
	}
	pending := 0
	if s.sync != nil {
		pending = s.sync.Depth()
	}
	return Status{
		Health:          overall,
		Backends:        backends,
		TotalsBySource:  totals,
		Failures:        s.failures,
		AvgLatencyMs:    avgMs,
		CurrentRPS:      s.rate.rate(time.Now()),
		PendingSyncSize: pending,
	}
}

// RPS reports the current allocation rate; the sync worker uses it to pick
// its batching threshold.
func (s *Service) RPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate.rate(time.Now())
}

// rateTracker estimates requests per second over a two-bucket sliding
// window, cheap enough to sit inside the allocation lock.
type rateTracker struct {
	bucketStart time.Time
	current     int64
	previous    int64
}

func newRateTracker() *rateTracker {
	return &rateTracker{bucketStart: time.Now()}
}

func (r *rateTracker) observe(now time.Time) {
	r.roll(now)
	r.current++
}

func (r *rateTracker) rate(now time.Time) float64 {
	r.roll(now)
	// Weight the previous full second by how much of the current one is
	// still ahead, which smooths the estimate at bucket boundaries.
	frac := now.Sub(r.bucketStart).Seconds()
	if frac > 1 {
		frac = 1
	}
	return float64(r.previous)*(1-frac) + float64(r.current)
}

func (r *rateTracker) roll(now time.Time) {
	elapsed := now.Sub(r.bucketStart)
	switch {
	case elapsed >= 2*time.Second:
		r.previous = 0
		r.current = 0
		r.bucketStart = now
	case elapsed >= time.Second:
		r.previous = r.current
		r.current = 0
		r.bucketStart = r.bucketStart.Add(time.Second)
	}
}
