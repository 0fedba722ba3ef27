package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLookup(reader CacheReader, writer CacheWriter, store URLStore) *Lookup {
	return NewLookup(reader, writer, store, LookupOptions{
		TTL:            time.Hour,
		LockTTL:        3 * time.Second,
		LockRetries:    2,
		LockRetryDelay: time.Millisecond,
	}, zerolog.Nop())
}

func TestResolveCacheHitSkipsStore(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore()
	payload, _ := json.Marshal(CachedURL{OriginalURL: "https://example.com", Clicks: 3})
	cache.set("url:abc", string(payload))

	l := newTestLookup(cache, cache, store)
	got, err := l.Resolve(context.Background(), "abc")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if got.OriginalURL != "https://example.com" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if store.finds != 0 {
		t.Fatalf("store should not be touched on hit, finds=%d", store.finds)
	}
}

func TestResolveMissFillsCacheAndReleasesLock(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore()
	store.byCode["abc"] = &URLRecord{ID: 1000042, ShortCode: "abc", OriginalURL: "https://example.com", Clicks: 7, CreatedAt: time.Now()}

	l := newTestLookup(cache, cache, store)
	got, err := l.Resolve(context.Background(), "abc")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if got.OriginalURL != "https://example.com" || got.Clicks != 7 {
		t.Fatalf("unexpected payload: %+v", got)
	}
	raw, ok := cache.get("url:abc")
	if !ok {
		t.Fatalf("cache not filled")
	}
	var cached CachedURL
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		t.Fatalf("bad cache payload: %v", err)
	}
	// The payload carries the row identity, not just the target URL.
	if cached.ID != 1000042 || cached.ShortCode != "abc" {
		t.Fatalf("payload must mirror the row identity: %+v", cached)
	}
	if _, held := cache.get("lock:url:abc"); held {
		t.Fatalf("fill lock not released")
	}
}

func TestResolveUnknownCode(t *testing.T) {
	l := newTestLookup(newFakeCache(), newFakeCache(), newFakeStore())
	if _, err := l.Resolve(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveCacheErrorDegradesToStore(t *testing.T) {
	cache := newFakeCache()
	cache.getErr = errors.New("redis down")
	cache.setNXErr = errors.New("redis down")
	store := newFakeStore()
	store.byCode["abc"] = &URLRecord{ShortCode: "abc", OriginalURL: "https://example.com"}

	l := newTestLookup(cache, cache, store)
	got, err := l.Resolve(context.Background(), "abc")
	if err != nil {
		t.Fatalf("cache failure must not surface: %v", err)
	}
	if got.OriginalURL != "https://example.com" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestResolveLockContentionReadsStoreDirectly(t *testing.T) {
	cache := newFakeCache()
	cache.set("lock:url:abc", "someone-else") // held by another filler
	store := newFakeStore()
	store.byCode["abc"] = &URLRecord{ShortCode: "abc", OriginalURL: "https://example.com"}

	l := newTestLookup(cache, cache, store)
	got, err := l.Resolve(context.Background(), "abc")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if got.OriginalURL != "https://example.com" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	// The loser must not have filled the cache under someone else's lock.
	if _, ok := cache.get("url:abc"); ok {
		t.Fatalf("lock loser should not fill the cache")
	}
}

func TestResolveCorruptPayloadDroppedAndRefilled(t *testing.T) {
	cache := newFakeCache()
	cache.set("url:abc", "{not json")
	store := newFakeStore()
	store.byCode["abc"] = &URLRecord{ShortCode: "abc", OriginalURL: "https://example.com"}

	l := newTestLookup(cache, cache, store)
	got, err := l.Resolve(context.Background(), "abc")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if got.OriginalURL != "https://example.com" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	raw, ok := cache.get("url:abc")
	if !ok || raw == "{not json" {
		t.Fatalf("corrupt payload not replaced: %q", raw)
	}
}

func TestInvalidate(t *testing.T) {
	cache := newFakeCache()
	cache.set("url:abc", "x")
	l := newTestLookup(cache, cache, newFakeStore())
	l.Invalidate(context.Background(), "abc")
	if _, ok := cache.get("url:abc"); ok {
		t.Fatalf("key not invalidated")
	}
}
