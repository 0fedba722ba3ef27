package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestTracker(cache *fakeCache, pub ClickPublisher, store URLStore) *ClickTracker {
	return NewClickTracker(cache, pub, store, ClickOptions{
		BufferTTL:    5 * time.Minute,
		StreamKey:    "click_events_stream",
		FlushLockTTL: 2 * time.Second,
	}, zerolog.Nop())
}

func TestTrackIncrementsBufferAndPublishes(t *testing.T) {
	cache := newFakeCache()
	pub := &fakePublisher{}
	tr := newTestTracker(cache, pub, newFakeStore())

	if err := tr.Track(context.Background(), "abc"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if v, _ := cache.get("click_buffer:abc"); v != "1" {
		t.Fatalf("buffer not incremented: %q", v)
	}
	if cache.ttls["click_buffer:abc"] != 5*time.Minute {
		t.Fatalf("first increment must arm the TTL, got %v", cache.ttls["click_buffer:abc"])
	}
	if pub.count() != 1 {
		t.Fatalf("expected 1 published event, got %d", pub.count())
	}
	if pub.events[0].ShortCode != "abc" || pub.events[0].Delta != 1 {
		t.Fatalf("unexpected event: %+v", pub.events[0])
	}
}

func TestTrackSecondClickKeepsTTL(t *testing.T) {
	cache := newFakeCache()
	tr := newTestTracker(cache, &fakePublisher{}, newFakeStore())
	_ = tr.Track(context.Background(), "abc")
	cache.ttls["click_buffer:abc"] = time.Minute // pretend time passed
	_ = tr.Track(context.Background(), "abc")
	if cache.ttls["click_buffer:abc"] != time.Minute {
		t.Fatalf("TTL must only be armed on the first increment")
	}
}

func TestTrackPublishFailureDivertsToStream(t *testing.T) {
	cache := newFakeCache()
	pub := &fakePublisher{err: errors.New("broker down")}
	tr := newTestTracker(cache, pub, newFakeStore())

	if err := tr.Track(context.Background(), "abc"); err != nil {
		t.Fatalf("publish failure must not surface: %v", err)
	}
	if len(cache.xaddCalls) != 1 {
		t.Fatalf("expected 1 stream append, got %d", len(cache.xaddCalls))
	}
	if cache.xaddCalls[0]["short_code"] != "abc" {
		t.Fatalf("unexpected stream entry: %v", cache.xaddCalls[0])
	}
}

func TestTrackBufferFailureSurfaces(t *testing.T) {
	cache := newFakeCache()
	cache.incrErr = errors.New("redis down")
	tr := newTestTracker(cache, &fakePublisher{}, newFakeStore())
	if err := tr.Track(context.Background(), "abc"); err == nil {
		t.Fatalf("expected error when the buffer increment fails")
	}
}

func TestFlushPersistsAndDecrements(t *testing.T) {
	cache := newFakeCache()
	cache.set("click_buffer:abc", "5")
	store := newFakeStore()
	store.byCode["abc"] = &URLRecord{ShortCode: "abc"}
	tr := newTestTracker(cache, &fakePublisher{}, store)

	if err := tr.Flush(context.Background(), "abc"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if store.byCode["abc"].Clicks != 5 {
		t.Fatalf("clicks not persisted: %d", store.byCode["abc"].Clicks)
	}
	if v, _ := cache.get("click_buffer:abc"); v != "0" {
		t.Fatalf("buffer not decremented: %q", v)
	}
}

func TestFlushContendedIsNoop(t *testing.T) {
	cache := newFakeCache()
	cache.set("lock:click_flush:abc", "1")
	cache.set("click_buffer:abc", "5")
	store := newFakeStore()
	store.byCode["abc"] = &URLRecord{ShortCode: "abc"}
	tr := newTestTracker(cache, &fakePublisher{}, store)

	if err := tr.Flush(context.Background(), "abc"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if store.byCode["abc"].Clicks != 0 {
		t.Fatalf("contended flush must not persist, got %d", store.byCode["abc"].Clicks)
	}
}

func TestFlushUnknownCodeDropsBuffer(t *testing.T) {
	cache := newFakeCache()
	cache.set("click_buffer:gone", "5")
	tr := newTestTracker(cache, &fakePublisher{}, newFakeStore())

	if err := tr.Flush(context.Background(), "gone"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if _, ok := cache.get("click_buffer:gone"); ok {
		t.Fatalf("orphan buffer should be dropped")
	}
}

func TestBuffered(t *testing.T) {
	cache := newFakeCache()
	cache.set("click_buffer:abc", "12")
	tr := newTestTracker(cache, &fakePublisher{}, newFakeStore())
	n, err := tr.Buffered(context.Background(), "abc")
	if err != nil || n != 12 {
		t.Fatalf("got %d, %v", n, err)
	}
}
