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

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ClickTracker buffers click counts in Redis and publishes events to the
// queue. Redirect latency never depends on the queue: the buffered counter is
// the read-path truth until ingestion folds it into the store, and publish
// failures divert the event to a Redis fallback stream instead of surfacing.
type ClickTracker struct {
	cache     CacheWriter
	publisher ClickPublisher
	store     URLStore
	log       zerolog.Logger

	bufferPrefix string
	bufferTTL    time.Duration
	streamKey    string
	flushLockTTL time.Duration
}

// ClickOptions carries buffer and fallback-stream knobs.
type ClickOptions struct {
	BufferKeyPrefix string
	BufferTTL       time.Duration
	StreamKey       string
	FlushLockTTL    time.Duration
}

func NewClickTracker(cache CacheWriter, publisher ClickPublisher, store URLStore, opts ClickOptions, log zerolog.Logger) *ClickTracker {
	if opts.BufferKeyPrefix == "" {
		opts.BufferKeyPrefix = "click_buffer:"
	}
	if opts.BufferTTL <= 0 {
		opts.BufferTTL = 5 * time.Minute
	}
	if opts.StreamKey == "" {
		opts.StreamKey = "click_events_stream"
	}
	if opts.FlushLockTTL <= 0 {
		opts.FlushLockTTL = 2 * time.Second
	}
	return &ClickTracker{
		cache:        cache,
		publisher:    publisher,
		store:        store,
		log:          log.With().Str("component", "clicks").Logger(),
		bufferPrefix: opts.BufferKeyPrefix,
		bufferTTL:    opts.BufferTTL,
		streamKey:    opts.StreamKey,
		flushLockTTL: opts.FlushLockTTL,
	}
}

// BufferKey returns the buffered-counter key for a code.
func (t *ClickTracker) BufferKey(code string) string { return t.bufferPrefix + code }

func flushLockKey(code string) string { return "lock:click_flush:" + code }

// Track records one click: increment the buffer, arm its TTL on first
// increment, then hand the event to the queue with the stream as fallback.
// The returned error covers the buffer increment only; delivery problems are
// logged and absorbed.
func (t *ClickTracker) Track(ctx context.Context, code string) error {
	n, err := t.cache.Incr(ctx, t.BufferKey(code))
	if err != nil {
		return fmt.Errorf("buffer click for %s: %w", code, err)
	}
	if n == 1 {
		if err := t.cache.Expire(ctx, t.BufferKey(code), t.bufferTTL); err != nil {
			t.log.Warn().Err(err).Str("code", code).Msg("buffer TTL not set; janitor will reap the key")
		}
	}
	clicksBufferedTotal.Inc()

	ev := ClickEvent{ShortCode: code, Delta: 1, TimestampMs: time.Now().UnixMilli()}
	if err := t.publisher.Publish(ctx, ev); err != nil {
		t.log.Warn().Err(err).Str("code", code).Msg("queue publish failed, diverting to fallback stream")
		t.divert(ctx, ev)
	}
	return nil
}

// divert appends the event to the fallback stream. If that fails too, the
// buffered counter still holds the click and the on-demand flush path covers
// it.
func (t *ClickTracker) divert(ctx context.Context, ev ClickEvent) {
	clickPublishFailuresTotal.Inc()
	values := map[string]interface{}{
		"short_code": ev.ShortCode,
		"delta":      ev.Delta,
		"timestamp":  ev.TimestampMs,
	}
	if err := t.cache.XAdd(ctx, t.streamKey, values); err != nil {
		t.log.Error().Err(err).Str("code", ev.ShortCode).Msg("fallback stream append failed; click stays buffered only")
	}
}

// Buffered returns the count currently sitting in the click buffer for code.
func (t *ClickTracker) Buffered(ctx context.Context, code string) (int64, error) {
	n, err := t.cache.GetInt(ctx, t.BufferKey(code))
	if err != nil {
		return 0, fmt.Errorf("read click buffer for %s: %w", code, err)
	}
	return n, nil
}

// Flush folds the buffered count for one code into the store on demand. The
// flush lock keeps concurrent flushers from double-counting; when contended
// the call returns without flushing, which is fine because ingestion owns
// the steady-state drain.
func (t *ClickTracker) Flush(ctx context.Context, code string) error {
	ok, err := t.cache.SetNX(ctx, flushLockKey(code), "1", t.flushLockTTL)
	if err != nil {
		return fmt.Errorf("flush lock for %s: %w", code, err)
	}
	if !ok {
		return nil
	}

	n, err := t.cache.GetInt(ctx, t.BufferKey(code))
	if err != nil {
		return fmt.Errorf("read click buffer for %s: %w", code, err)
	}
	if n <= 0 {
		return nil
	}
	if err := t.store.IncrementClicks(ctx, code, n); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Buffered clicks for a deleted code are dropped with the key.
			_ = t.cache.Del(ctx, t.BufferKey(code))
			return nil
		}
		return fmt.Errorf("persist %d buffered clicks for %s: %w", n, code, err)
	}
	// Subtract exactly what we persisted; clicks landing mid-flush survive.
	if _, err := t.cache.DecrBy(ctx, t.BufferKey(code), n); err != nil {
		t.log.Warn().Err(err).Str("code", code).Int64("delta", n).Msg("buffer decrement failed after persist")
	}
	return nil
}
