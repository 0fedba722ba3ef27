package core

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// fakeCache is an in-memory CacheWriter with per-method error injection.
type fakeCache struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration

	getErr   error
	setErr   error
	incrErr  error
	setNXErr error

	evalCalls int
	xaddCalls []map[string]interface{}
	xaddErr   error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeCache) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", f.getErr
	}
	v, ok := f.data[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

func (f *fakeCache) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCache) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
		delete(f.ttls, k)
	}
	return nil
}

func (f *fakeCache) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incrErr != nil {
		return 0, f.incrErr
	}
	n, _ := strconv.ParseInt(f.data[key], 10, 64)
	n++
	f.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (f *fakeCache) GetInt(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return 0, f.getErr
	}
	n, _ := strconv.ParseInt(f.data[key], 10, 64)
	return n, nil
}

func (f *fakeCache) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, _ := strconv.ParseInt(f.data[key], 10, 64)
	cur -= n
	f.data[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (f *fakeCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setNXErr != nil {
		return false, f.setNXErr
	}
	if _, held := f.data[key]; held {
		return false, nil
	}
	f.data[key] = value
	f.ttls[key] = ttl
	return true, nil
}

func (f *fakeCache) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalCalls++
	// Behave like the compare-and-delete release script.
	if len(keys) == 1 && len(args) == 1 {
		if tok, ok := args[0].(string); ok && f.data[keys[0]] == tok {
			delete(f.data, keys[0])
			return int64(1), nil
		}
	}
	return int64(0), nil
}

func (f *fakeCache) XAdd(ctx context.Context, stream string, values map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.xaddErr != nil {
		return f.xaddErr
	}
	f.xaddCalls = append(f.xaddCalls, values)
	return nil
}

func (f *fakeCache) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeCache) set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
}

// fakeStore is an in-memory URLStore.
type fakeStore struct {
	mu      sync.Mutex
	byCode  map[string]*URLRecord
	nextNeg int64
	findErr error
	insErr  error
	incErr  error
	finds   int
}

func newFakeStore() *fakeStore { return &fakeStore{byCode: map[string]*URLRecord{}} }

func (f *fakeStore) Insert(ctx context.Context, rec *URLRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insErr != nil {
		return f.insErr
	}
	if _, dup := f.byCode[rec.ShortCode]; dup {
		return ErrConflict
	}
	// Rows inserted without an ID draw one from the negative identity
	// space, same as the Postgres store.
	if rec.ID == 0 {
		f.nextNeg--
		rec.ID = f.nextNeg
	}
	cp := *rec
	f.byCode[rec.ShortCode] = &cp
	return nil
}

func (f *fakeStore) FindByCode(ctx context.Context, code string) (*URLRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.findErr != nil {
		return nil, f.findErr
	}
	rec, ok := f.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) IncrementClicks(ctx context.Context, code string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incErr != nil {
		return f.incErr
	}
	rec, ok := f.byCode[code]
	if !ok {
		return ErrNotFound
	}
	rec.Clicks += delta
	return nil
}

// fakePublisher records published events and can fail on demand.
type fakePublisher struct {
	mu     sync.Mutex
	events []ClickEvent
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, ev ClickEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// fakeIDs hands out sequential IDs.
type fakeIDs struct {
	next int64
	err  error
}

func (f *fakeIDs) NextID(ctx context.Context) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.next++
	return f.next, nil
}
