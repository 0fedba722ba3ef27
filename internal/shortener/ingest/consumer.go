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

// Package ingest drains click events from the queue and the Redis fallback
// stream, aggregates them per code and periodically folds the deltas into
// Postgres and the ClickHouse analytics table.
package ingest

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"shortener/internal/shortener/core"
	"shortener/internal/shortener/persistence"
)

// EventSource yields click events from the primary queue. An empty slice
// with nil error means the poll timed out with nothing to read.
type EventSource interface {
	Fetch(ctx context.Context, max int) ([]core.ClickEvent, error)
}

// FallbackStream is the consumer-group surface of the Redis fallback stream.
type FallbackStream interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]persistence.StreamEntry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// AggCache is the Redis surface for the crash-safe spill hash and the
// post-flush buffer discounting.
type AggCache interface {
	HIncrByBatch(ctx context.Context, hashKey string, deltas map[string]int64) error
	HGetAllInt(ctx context.Context, hashKey string) (map[string]int64, error)
	Del(ctx context.Context, keys ...string) error
	DecrAndDel(ctx context.Context, decrs map[string]int64, dels []string) error
}

// ClickStore folds aggregated deltas into the OLTP store.
type ClickStore interface {
	ApplyClickDeltas(ctx context.Context, deltas map[string]int64) error
}

// Sink receives aggregated rows for analytics. Sink failures are lossy by
// design: OLTP is the source of truth.
type Sink interface {
	Insert(ctx context.Context, rows []persistence.AnalyticsRow) error
}

// Options configures a Consumer.
type Options struct {
	ConsumerName    string
	BatchSize       int
	PollBlock       time.Duration
	FlushInterval   time.Duration
	StreamKey       string
	StreamGroup     string
	BufferKeyPrefix string
	CacheKeyPrefix  string
}

// Consumer is the ingestion worker loop.
type Consumer struct {
	source EventSource
	stream FallbackStream
	agg    AggCache
	store  ClickStore
	sink   Sink
	log    zerolog.Logger
	opts   Options

	local       map[string]int64
	pendingAcks []string
	lastFlush   time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

func NewConsumer(source EventSource, stream FallbackStream, agg AggCache, store ClickStore, sink Sink, opts Options, log zerolog.Logger) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.PollBlock <= 0 {
		opts.PollBlock = time.Second
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.StreamKey == "" {
		opts.StreamKey = "click_events_stream"
	}
	if opts.StreamGroup == "" {
		opts.StreamGroup = "ingestion_workers"
	}
	if opts.BufferKeyPrefix == "" {
		opts.BufferKeyPrefix = "click_buffer:"
	}
	if opts.CacheKeyPrefix == "" {
		opts.CacheKeyPrefix = "url:"
	}
	if opts.ConsumerName == "" {
		opts.ConsumerName = "ingestion-worker"
	}
	return &Consumer{
		source:    source,
		stream:    stream,
		agg:       agg,
		store:     store,
		sink:      sink,
		log:       log.With().Str("component", "ingest").Str("consumer", opts.ConsumerName).Logger(),
		opts:      opts,
		local:     map[string]int64{},
		lastFlush: time.Now(),
		stopChan:  make(chan struct{}),
	}
}

// AggKey is the per-consumer spill hash.
func (c *Consumer) AggKey() string { return "ingestion_agg:" + c.opts.ConsumerName }

// Start launches the consume loop.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop()
	}()
}

// Stop flushes whatever is aggregated and waits for the loop to exit.
func (c *Consumer) Stop() {
	if !atomic.CompareAndSwapUint32(&c.stopped, 0, 1) {
		return
	}
	close(c.stopChan)
	c.wg.Wait()
}

func (c *Consumer) loop() {
	ctx := context.Background()
	if err := c.stream.EnsureGroup(ctx, c.opts.StreamKey, c.opts.StreamGroup); err != nil {
		c.log.Warn().Err(err).Msg("fallback stream group not ready; stream drain will retry")
	}

	for {
		select {
		case <-c.stopChan:
			c.Flush(ctx)
			return
		default:
		}

		c.pollOnce(ctx)

		if len(c.local) >= c.opts.BatchSize || time.Since(c.lastFlush) >= c.opts.FlushInterval {
			c.Flush(ctx)
		}
	}
}

// pollOnce reads one round from the queue and the fallback stream into the
// local aggregate.
func (c *Consumer) pollOnce(ctx context.Context) {
	events, err := c.source.Fetch(ctx, c.opts.BatchSize)
	if err != nil {
		c.log.Warn().Err(err).Msg("queue poll failed")
	}
	for _, ev := range events {
		c.accumulate(ev, "kafka")
	}

	entries, err := c.stream.ReadGroup(ctx, c.opts.StreamKey, c.opts.StreamGroup, c.opts.ConsumerName,
		int64(c.opts.BatchSize), 100*time.Millisecond)
	if err != nil {
		c.log.Warn().Err(err).Msg("fallback stream read failed")
		return
	}
	for _, e := range entries {
		ev, ok := decodeStreamEntry(e)
		if !ok {
			malformedTotal.Inc()
			// Ack it anyway or it will be redelivered forever.
			c.pendingAcks = append(c.pendingAcks, e.ID)
			continue
		}
		c.accumulate(ev, "stream")
		c.pendingAcks = append(c.pendingAcks, e.ID)
	}
}

func (c *Consumer) accumulate(ev core.ClickEvent, source string) {
	if ev.ShortCode == "" || ev.Delta <= 0 {
		malformedTotal.Inc()
		return
	}
	c.local[ev.ShortCode] += ev.Delta
	eventsTotal.WithLabelValues(source).Inc()
}

// Flush runs one full fold cycle:
//  1. spill the local aggregate into the per-consumer Redis hash, then ack
//     the drained stream entries (the spill hash now owns them)
//  2. read the hash back (it may hold leftovers from a crashed run)
//  3. fold the deltas into Postgres in one transaction
//  4. discount the click buffers by what was folded and invalidate the
//     now-stale lookup-cache entries
//  5. append the aggregate rows to the analytics sink
//  6. drop the hash
//
// A failure before step 3 leaves everything re-drivable; a failure after it
// keeps the hash so steps 4-6 rerun next cycle. At-least-once into OLTP is
// the accepted contract.
func (c *Consumer) Flush(ctx context.Context) {
	c.lastFlush = time.Now()

	if len(c.local) > 0 {
		if err := c.agg.HIncrByBatch(ctx, c.AggKey(), c.local); err != nil {
			flushErrorsTotal.Inc()
			c.log.Error().Err(err).Int("codes", len(c.local)).Msg("spill failed, keeping local aggregate")
			return
		}
		c.local = map[string]int64{}
	}
	if len(c.pendingAcks) > 0 {
		if err := c.stream.Ack(ctx, c.opts.StreamKey, c.opts.StreamGroup, c.pendingAcks...); err != nil {
			c.log.Warn().Err(err).Msg("stream ack failed; entries will be redelivered")
		}
		c.pendingAcks = nil
	}

	deltas, err := c.agg.HGetAllInt(ctx, c.AggKey())
	if err != nil {
		flushErrorsTotal.Inc()
		c.log.Error().Err(err).Msg("spill hash unreadable")
		return
	}
	if len(deltas) == 0 {
		return
	}

	if err := c.store.ApplyClickDeltas(ctx, deltas); err != nil {
		flushErrorsTotal.Inc()
		c.log.Error().Err(err).Int("codes", len(deltas)).Msg("click fold failed, will retry from spill hash")
		return
	}

	decrs := make(map[string]int64, len(deltas))
	dels := make([]string, 0, len(deltas))
	for code, n := range deltas {
		decrs[c.opts.BufferKeyPrefix+code] = n
		dels = append(dels, c.opts.CacheKeyPrefix+code)
	}
	if err := c.agg.DecrAndDel(ctx, decrs, dels); err != nil {
		c.log.Warn().Err(err).Msg("buffer discount failed; stats may briefly double-count")
	}

	now := time.Now()
	rows := make([]persistence.AnalyticsRow, 0, len(deltas))
	for code, n := range deltas {
		rows = append(rows, persistence.AnalyticsRow{ShortCode: code, Delta: clampUint32(n), EventTime: now})
	}
	if err := c.sink.Insert(ctx, rows); err != nil {
		sinkErrorsTotal.Inc()
		c.log.Warn().Err(err).Int("rows", len(rows)).Msg("analytics insert failed, rows dropped")
	}

	if err := c.agg.Del(ctx, c.AggKey()); err != nil {
		c.log.Warn().Err(err).Msg("spill hash cleanup failed; next cycle will re-fold")
	}
	flushesTotal.Inc()
	c.log.Info().Int("codes", len(deltas)).Msg("flush cycle complete")
}

func decodeStreamEntry(e persistence.StreamEntry) (core.ClickEvent, bool) {
	code, _ := e.Values["short_code"].(string)
	var delta int64
	switch v := e.Values["delta"].(type) {
	case string:
		delta, _ = strconv.ParseInt(v, 10, 64)
	case int64:
		delta = v
	case float64:
		delta = int64(v)
	}
	if code == "" || delta <= 0 {
		return core.ClickEvent{}, false
	}
	ev := core.ClickEvent{ShortCode: code, Delta: delta}
	if ts, ok := e.Values["timestamp"].(string); ok {
		ev.TimestampMs, _ = strconv.ParseInt(ts, 10, 64)
	}
	return ev, true
}

func clampUint32(n int64) uint32 {
	if n < 0 {
		return 0
	}
	if n > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n)
}
