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

// Package warmer keeps the lookup cache populated ahead of demand. Each cycle
// it picks a hybrid set of codes (most clicked, newest, and whatever is hot in
// the click buffers right now), renders the cache payloads and writes them in
// one pipelined batch.
package warmer

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"shortener/internal/shortener/core"
)

// WarmCache is the Redis surface the warmer needs.
type WarmCache interface {
	WarmBatch(ctx context.Context, entries map[string]string, ttl time.Duration) error
	ScanPrefix(ctx context.Context, prefix string, limit int) ([]string, error)
	GetInt(ctx context.Context, key string) (int64, error)
	DBSize(ctx context.Context) (int64, error)
	HitRate(ctx context.Context) (float64, bool, error)
}

// URLSource selects the rows worth warming.
type URLSource interface {
	MostClicked(ctx context.Context, n int) ([]core.URLRecord, error)
	Newest(ctx context.Context, n int) ([]core.URLRecord, error)
	RandomSample(ctx context.Context, n int) ([]core.URLRecord, error)
	FindByCodes(ctx context.Context, codes []string) ([]core.URLRecord, error)
}

// Options configures a Warmer. The zero value of each optional knob disables
// it.
type Options struct {
	Interval time.Duration
	TopN     int
	CacheTTL time.Duration

	// Pregenerate draws this many IDs from the allocator each cycle so the
	// keygen side always has a fresh block committed.
	Pregenerate int

	// RandomSample warms this many random rows on top of the hybrid set.
	RandomSample int

	// TargetKeys tops the cache up with random rows until DBSIZE reaches it.
	TargetKeys int

	// HitRateThreshold triggers one extra random warm batch when the sampled
	// hit rate falls below it (fraction, 0 disables).
	HitRateThreshold float64

	FailureBackoff  time.Duration
	CacheKeyPrefix  string
	BufferKeyPrefix string
}

// Warmer is the periodic warming loop.
type Warmer struct {
	cache WarmCache
	urls  URLSource
	ids   core.IDSource
	log   zerolog.Logger
	opts  Options

	sleep func(time.Duration)

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// New builds a Warmer. ids may be nil when pregeneration is disabled.
func New(cache WarmCache, urls URLSource, ids core.IDSource, opts Options, log zerolog.Logger) *Warmer {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.TopN <= 0 {
		opts.TopN = 5000
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.FailureBackoff <= 0 {
		opts.FailureBackoff = 2 * time.Second
	}
	if opts.CacheKeyPrefix == "" {
		opts.CacheKeyPrefix = "url:"
	}
	if opts.BufferKeyPrefix == "" {
		opts.BufferKeyPrefix = "click_buffer:"
	}
	return &Warmer{
		cache:    cache,
		urls:     urls,
		ids:      ids,
		log:      log.With().Str("component", "cache-warmer").Logger(),
		opts:     opts,
		sleep:    time.Sleep,
		stopChan: make(chan struct{}),
	}
}

// Start launches the warming loop.
func (w *Warmer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := w.RunOnce(context.Background()); err != nil {
					w.sleep(w.opts.FailureBackoff)
				}
			case <-w.stopChan:
				return
			}
		}
	}()
}

func (w *Warmer) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	close(w.stopChan)
	w.wg.Wait()
}

// RunOnce executes one warming cycle and returns how many keys were written.
func (w *Warmer) RunOnce(ctx context.Context) (int, error) {
	records, err := w.selectHybrid(ctx)
	if err != nil {
		cycleErrorsTotal.Inc()
		return 0, err
	}
	warmed, err := w.warm(ctx, records)
	if err != nil {
		cycleErrorsTotal.Inc()
		return warmed, err
	}

	warmed += w.runOptions(ctx)

	cyclesTotal.Inc()
	w.log.Info().Int("keys", warmed).Msg("warm cycle complete")
	return warmed, nil
}

// selectHybrid picks the cycle's working set: half by persisted clicks, a
// third by recency, the rest by live click-buffer heat. Duplicates collapse.
func (w *Warmer) selectHybrid(ctx context.Context) ([]core.URLRecord, error) {
	popularN := w.opts.TopN / 2
	newestN := w.opts.TopN * 3 / 10
	hotN := w.opts.TopN - popularN - newestN

	popular, err := w.urls.MostClicked(ctx, popularN)
	if err != nil {
		return nil, err
	}
	newest, err := w.urls.Newest(ctx, newestN)
	if err != nil {
		return nil, err
	}
	hot := w.bufferHot(ctx, hotN)

	seen := make(map[string]struct{}, w.opts.TopN)
	out := make([]core.URLRecord, 0, w.opts.TopN)
	for _, set := range [][]core.URLRecord{popular, newest, hot} {
		for _, rec := range set {
			if _, dup := seen[rec.ShortCode]; dup {
				continue
			}
			seen[rec.ShortCode] = struct{}{}
			out = append(out, rec)
		}
	}
	return out, nil
}

// bufferHot ranks live click buffers by their pending count and resolves the
// top n codes to rows. Buffer heat is advisory; any failure degrades to an
// empty slice.
func (w *Warmer) bufferHot(ctx context.Context, n int) []core.URLRecord {
	if n <= 0 {
		return nil
	}
	keys, err := w.cache.ScanPrefix(ctx, w.opts.BufferKeyPrefix, n*10)
	if err != nil || len(keys) == 0 {
		return nil
	}
	type hotKey struct {
		code  string
		count int64
	}
	ranked := make([]hotKey, 0, len(keys))
	for _, key := range keys {
		count, err := w.cache.GetInt(ctx, key)
		if err != nil || count <= 0 {
			continue
		}
		ranked = append(ranked, hotKey{code: key[len(w.opts.BufferKeyPrefix):], count: count})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].count > ranked[j].count })
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	codes := make([]string, len(ranked))
	for i, h := range ranked {
		codes[i] = h.code
	}
	recs, err := w.urls.FindByCodes(ctx, codes)
	if err != nil {
		return nil
	}
	return recs
}

// warm writes one pipelined batch of cache payloads.
func (w *Warmer) warm(ctx context.Context, records []core.URLRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	entries := make(map[string]string, len(records))
	for _, rec := range records {
		payload := core.CachedURL{
			ID:          rec.ID,
			ShortCode:   rec.ShortCode,
			OriginalURL: rec.OriginalURL,
			Clicks:      rec.Clicks,
			CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339),
		}
		b, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		entries[w.opts.CacheKeyPrefix+rec.ShortCode] = string(b)
	}
	if err := w.cache.WarmBatch(ctx, entries, w.opts.CacheTTL); err != nil {
		return 0, err
	}
	keysWarmedTotal.Add(float64(len(entries)))
	return len(entries), nil
}

// runOptions applies the optional knobs. They are all best effort: an option
// that fails logs and moves on rather than failing the cycle.
func (w *Warmer) runOptions(ctx context.Context) int {
	warmed := 0

	if w.opts.Pregenerate > 0 && w.ids != nil {
		drawn := 0
		for i := 0; i < w.opts.Pregenerate; i++ {
			if _, err := w.ids.NextID(ctx); err != nil {
				w.log.Warn().Err(err).Int("drawn", drawn).Msg("pregeneration stopped early")
				break
			}
			drawn++
		}
		idsPregeneratedTotal.Add(float64(drawn))
	}

	if w.opts.RandomSample > 0 {
		warmed += w.warmRandom(ctx, w.opts.RandomSample)
	}

	if w.opts.TargetKeys > 0 {
		size, err := w.cache.DBSize(ctx)
		if err != nil {
			w.log.Warn().Err(err).Msg("dbsize unavailable, skipping target-keys top-up")
		} else if gap := w.opts.TargetKeys - int(size); gap > 0 {
			warmed += w.warmRandom(ctx, gap)
		}
	}

	if w.opts.HitRateThreshold > 0 {
		rate, ok, err := w.cache.HitRate(ctx)
		if err != nil {
			w.log.Warn().Err(err).Msg("hit rate unavailable")
		} else if ok && rate < w.opts.HitRateThreshold {
			w.log.Info().Float64("hit_rate", rate).Msg("hit rate below threshold, extra warm batch")
			warmed += w.warmRandom(ctx, w.opts.TopN)
		}
	}

	return warmed
}

func (w *Warmer) warmRandom(ctx context.Context, n int) int {
	recs, err := w.urls.RandomSample(ctx, n)
	if err != nil {
		w.log.Warn().Err(err).Msg("random sample failed")
		return 0
	}
	warmed, err := w.warm(ctx, recs)
	if err != nil {
		w.log.Warn().Err(err).Msg("random warm batch failed")
		return 0
	}
	return warmed
}
