package ingest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shortener/internal/shortener/core"
	"shortener/internal/shortener/persistence"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]core.ClickEvent
	err     error
}

func (f *fakeSource) Fetch(ctx context.Context, max int) ([]core.ClickEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

type fakeStream struct {
	mu      sync.Mutex
	entries []persistence.StreamEntry
	acked   []string
	groups  int
}

func (f *fakeStream) EnsureGroup(ctx context.Context, stream, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups++
	return nil
}

func (f *fakeStream) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]persistence.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.entries
	f.entries = nil
	return out, nil
}

func (f *fakeStream) Ack(ctx context.Context, stream, group string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return nil
}

type fakeAgg struct {
	mu     sync.Mutex
	hashes map[string]map[string]int64
	decrs  map[string]int64
	dels   []string

	spillErr error
	readErr  error
}

func newFakeAgg() *fakeAgg {
	return &fakeAgg{hashes: map[string]map[string]int64{}, decrs: map[string]int64{}}
}

func (f *fakeAgg) HIncrByBatch(ctx context.Context, hashKey string, deltas map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spillErr != nil {
		return f.spillErr
	}
	h := f.hashes[hashKey]
	if h == nil {
		h = map[string]int64{}
		f.hashes[hashKey] = h
	}
	for k, v := range deltas {
		h[k] += v
	}
	return nil
}

func (f *fakeAgg) HGetAllInt(ctx context.Context, hashKey string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := map[string]int64{}
	for k, v := range f.hashes[hashKey] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeAgg) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.hashes, k)
		f.dels = append(f.dels, k)
	}
	return nil
}

func (f *fakeAgg) DecrAndDel(ctx context.Context, decrs map[string]int64, dels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range decrs {
		f.decrs[k] += v
	}
	f.dels = append(f.dels, dels...)
	return nil
}

type fakeClickStore struct {
	mu      sync.Mutex
	applied []map[string]int64
	err     error
}

func (f *fakeClickStore) ApplyClickDeltas(ctx context.Context, deltas map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := map[string]int64{}
	for k, v := range deltas {
		cp[k] = v
	}
	f.applied = append(f.applied, cp)
	return nil
}

type fakeSink struct {
	mu   sync.Mutex
	rows []persistence.AnalyticsRow
	err  error
}

func (f *fakeSink) Insert(ctx context.Context, rows []persistence.AnalyticsRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, rows...)
	return nil
}

func newTestConsumer(source EventSource, stream FallbackStream, agg AggCache, store ClickStore, sink Sink) *Consumer {
	return NewConsumer(source, stream, agg, store, sink, Options{
		ConsumerName: "worker-1",
		BatchSize:    500,
	}, zerolog.Nop())
}

func streamEntry(id, code string, delta int64) persistence.StreamEntry {
	return persistence.StreamEntry{ID: id, Values: map[string]interface{}{
		"short_code": code,
		"delta":      strconv.FormatInt(delta, 10),
		"timestamp":  "1700000000000",
	}}
}

func TestPollAggregatesBothTransports(t *testing.T) {
	source := &fakeSource{batches: [][]core.ClickEvent{{
		{ShortCode: "aaa", Delta: 2},
		{ShortCode: "bbb", Delta: 1},
	}}}
	stream := &fakeStream{entries: []persistence.StreamEntry{
		streamEntry("1-0", "aaa", 3),
		streamEntry("2-0", "ccc", 1),
	}}
	c := newTestConsumer(source, stream, newFakeAgg(), &fakeClickStore{}, &fakeSink{})

	c.pollOnce(context.Background())
	if c.local["aaa"] != 5 || c.local["bbb"] != 1 || c.local["ccc"] != 1 {
		t.Fatalf("unexpected aggregate %v", c.local)
	}
	if len(c.pendingAcks) != 2 {
		t.Fatalf("expected 2 pending acks, got %d", len(c.pendingAcks))
	}
}

func TestPollSkipsMalformedStreamEntries(t *testing.T) {
	stream := &fakeStream{entries: []persistence.StreamEntry{
		{ID: "1-0", Values: map[string]interface{}{"nonsense": "x"}},
		streamEntry("2-0", "aaa", 1),
	}}
	c := newTestConsumer(&fakeSource{}, stream, newFakeAgg(), &fakeClickStore{}, &fakeSink{})

	c.pollOnce(context.Background())
	if c.local["aaa"] != 1 || len(c.local) != 1 {
		t.Fatalf("unexpected aggregate %v", c.local)
	}
	// Malformed entries still get acked so they stop being redelivered.
	if len(c.pendingAcks) != 2 {
		t.Fatalf("expected both entries acked, got %v", c.pendingAcks)
	}
}

func TestFlushFullCycle(t *testing.T) {
	agg := newFakeAgg()
	store := &fakeClickStore{}
	sink := &fakeSink{}
	stream := &fakeStream{entries: []persistence.StreamEntry{streamEntry("1-0", "aaa", 3)}}
	source := &fakeSource{batches: [][]core.ClickEvent{{{ShortCode: "aaa", Delta: 2}, {ShortCode: "bbb", Delta: 4}}}}
	c := newTestConsumer(source, stream, agg, store, sink)

	c.pollOnce(context.Background())
	c.Flush(context.Background())

	if len(store.applied) != 1 {
		t.Fatalf("expected one fold, got %d", len(store.applied))
	}
	if store.applied[0]["aaa"] != 5 || store.applied[0]["bbb"] != 4 {
		t.Fatalf("unexpected fold %v", store.applied[0])
	}
	if agg.decrs["click_buffer:aaa"] != 5 || agg.decrs["click_buffer:bbb"] != 4 {
		t.Fatalf("buffers not discounted: %v", agg.decrs)
	}
	foundCacheDel := false
	for _, d := range agg.dels {
		if d == "url:aaa" {
			foundCacheDel = true
		}
	}
	if !foundCacheDel {
		t.Fatalf("stale cache entries not invalidated: %v", agg.dels)
	}
	if len(sink.rows) != 2 {
		t.Fatalf("expected 2 analytics rows, got %d", len(sink.rows))
	}
	if len(stream.acked) != 1 || stream.acked[0] != "1-0" {
		t.Fatalf("stream entry not acked: %v", stream.acked)
	}
	if _, ok := agg.hashes[c.AggKey()]; ok {
		t.Fatalf("spill hash not cleaned up")
	}
	if len(c.local) != 0 {
		t.Fatalf("local aggregate not cleared")
	}
}

func TestFlushEmptyIsNoop(t *testing.T) {
	store := &fakeClickStore{}
	c := newTestConsumer(&fakeSource{}, &fakeStream{}, newFakeAgg(), store, &fakeSink{})
	c.Flush(context.Background())
	if len(store.applied) != 0 {
		t.Fatalf("nothing to fold")
	}
}

func TestFlushSpillFailureKeepsLocalAggregate(t *testing.T) {
	agg := newFakeAgg()
	agg.spillErr = errors.New("redis down")
	c := newTestConsumer(&fakeSource{}, &fakeStream{}, agg, &fakeClickStore{}, &fakeSink{})
	c.local["aaa"] = 3

	c.Flush(context.Background())
	if c.local["aaa"] != 3 {
		t.Fatalf("local aggregate must survive a failed spill: %v", c.local)
	}
}

func TestFlushStoreFailureKeepsSpillHash(t *testing.T) {
	agg := newFakeAgg()
	store := &fakeClickStore{err: errors.New("pg down")}
	c := newTestConsumer(&fakeSource{}, &fakeStream{}, agg, store, &fakeSink{})
	c.local["aaa"] = 3

	c.Flush(context.Background())
	if agg.hashes[c.AggKey()]["aaa"] != 3 {
		t.Fatalf("spill hash must survive a failed fold: %v", agg.hashes)
	}

	// Recovery: the next flush folds the hash without re-reading the queue.
	store.err = nil
	c.Flush(context.Background())
	if len(store.applied) != 1 || store.applied[0]["aaa"] != 3 {
		t.Fatalf("hash not re-folded after recovery: %v", store.applied)
	}
}

func TestFlushSinkFailureDoesNotBlockCycle(t *testing.T) {
	agg := newFakeAgg()
	sink := &fakeSink{err: errors.New("clickhouse down")}
	store := &fakeClickStore{}
	c := newTestConsumer(&fakeSource{}, &fakeStream{}, agg, store, sink)
	c.local["aaa"] = 3

	c.Flush(context.Background())
	if len(store.applied) != 1 {
		t.Fatalf("OLTP fold must happen despite sink failure")
	}
	if _, ok := agg.hashes[c.AggKey()]; ok {
		t.Fatalf("spill hash must be cleaned up; analytics rows are lossy by contract")
	}
}

func TestFlushRecoversCrashedConsumerLeftovers(t *testing.T) {
	agg := newFakeAgg()
	// Simulate a previous run that spilled but never folded.
	agg.hashes["ingestion_agg:worker-1"] = map[string]int64{"zzz": 9}
	store := &fakeClickStore{}
	c := newTestConsumer(&fakeSource{}, &fakeStream{}, agg, store, &fakeSink{})

	c.Flush(context.Background())
	if len(store.applied) != 1 || store.applied[0]["zzz"] != 9 {
		t.Fatalf("leftover spill not folded: %v", store.applied)
	}
}

func TestStopRunsFinalFlush(t *testing.T) {
	agg := newFakeAgg()
	store := &fakeClickStore{}
	source := &fakeSource{batches: [][]core.ClickEvent{{{ShortCode: "aaa", Delta: 1}}}}
	c := NewConsumer(source, &fakeStream{}, agg, store, &fakeSink{}, Options{
		ConsumerName:  "worker-1",
		FlushInterval: 50 * time.Millisecond,
	}, zerolog.Nop())
	c.Start()
	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.applied)
		store.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.applied) == 0 {
		t.Fatalf("events never folded")
	}
}

func TestDecodeStreamEntryNumericDelta(t *testing.T) {
	ev, ok := decodeStreamEntry(persistence.StreamEntry{ID: "1-0", Values: map[string]interface{}{
		"short_code": "abc", "delta": int64(2),
	}})
	if !ok || ev.Delta != 2 {
		t.Fatalf("unexpected %v %v", ev, ok)
	}
}

func TestClampUint32(t *testing.T) {
	if clampUint32(-1) != 0 {
		t.Fatalf("negative must clamp to 0")
	}
	if clampUint32(1<<40) != ^uint32(0) {
		t.Fatalf("overflow must clamp to max")
	}
	if clampUint32(7) != 7 {
		t.Fatalf("identity within range")
	}
}
