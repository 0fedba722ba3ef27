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
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// lockReleaseScript deletes the fill lock only when the caller still owns it.
// Returns 1 if released, 0 if the lock expired or was taken over.
const lockReleaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
else
  return 0
end
`

// Lookup resolves short codes through the cache with single-flight filling:
// on a miss, one caller per code takes a short Redis lock, reads the store
// and populates the cache; lock losers read the store directly rather than
// pile up behind the filler. Cache failures never surface to the caller, the
// store remains the source of truth.
type Lookup struct {
	reader CacheReader
	writer CacheWriter
	store  URLStore
	log    zerolog.Logger

	keyPrefix string
	ttl       time.Duration

	lockTTL        time.Duration
	lockRetries    int
	lockRetryDelay time.Duration
}

// LookupOptions carries the cache-key and fill-lock knobs.
type LookupOptions struct {
	KeyPrefix      string
	TTL            time.Duration
	LockTTL        time.Duration
	LockRetries    int
	LockRetryDelay time.Duration
}

func NewLookup(reader CacheReader, writer CacheWriter, store URLStore, opts LookupOptions, log zerolog.Logger) *Lookup {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "url:"
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 3 * time.Second
	}
	if opts.LockRetries <= 0 {
		opts.LockRetries = 3
	}
	if opts.LockRetryDelay <= 0 {
		opts.LockRetryDelay = 50 * time.Millisecond
	}
	return &Lookup{
		reader:         reader,
		writer:         writer,
		store:          store,
		log:            log.With().Str("component", "lookup").Logger(),
		keyPrefix:      opts.KeyPrefix,
		ttl:            opts.TTL,
		lockTTL:        opts.LockTTL,
		lockRetries:    opts.LockRetries,
		lockRetryDelay: opts.LockRetryDelay,
	}
}

// CacheKey returns the cache key for a code. Exposed for the ingestion and
// warming paths, which invalidate and pre-fill the same keys.
func (l *Lookup) CacheKey(code string) string { return l.keyPrefix + code }

func lockKey(code string) string { return "lock:url:" + code }

// Resolve returns the cached payload for code, filling the cache on a miss.
func (l *Lookup) Resolve(ctx context.Context, code string) (*CachedURL, error) {
	if payload, ok := l.readCache(ctx, l.reader, code); ok {
		cacheHitsTotal.Inc()
		return payload, nil
	}
	cacheMissesTotal.Inc()

	token := uuid.NewString()
	if l.acquireFillLock(ctx, code, token) {
		defer l.releaseFillLock(code, token)
		// Another filler may have completed while we waited on the lock.
		if payload, ok := l.readCache(ctx, l.writer, code); ok {
			return payload, nil
		}
		rec, err := l.store.FindByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		payload := recordPayload(rec)
		l.fill(ctx, code, payload)
		return payload, nil
	}

	// Lock contended past the retry budget: serve from the store and leave
	// the cache fill to the lock holder.
	rec, err := l.store.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return recordPayload(rec), nil
}

// Prime caches the payload for rec so the first resolve after creation hits
// the cache. No lock dance: the caller just inserted the row it is caching.
func (l *Lookup) Prime(ctx context.Context, rec *URLRecord) {
	l.fill(ctx, rec.ShortCode, recordPayload(rec))
}

// Invalidate drops the cached payload for code.
func (l *Lookup) Invalidate(ctx context.Context, code string) {
	if err := l.writer.Del(ctx, l.CacheKey(code)); err != nil {
		l.log.Warn().Err(err).Str("code", code).Msg("cache invalidate failed")
	}
}

func (l *Lookup) readCache(ctx context.Context, c CacheReader, code string) (*CachedURL, bool) {
	raw, err := c.Get(ctx, l.CacheKey(code))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			l.log.Warn().Err(err).Str("code", code).Msg("cache read failed, falling through to store")
		}
		return nil, false
	}
	var payload CachedURL
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		l.log.Warn().Err(err).Str("code", code).Msg("corrupt cache payload, dropping")
		_ = l.writer.Del(ctx, l.CacheKey(code))
		return nil, false
	}
	return &payload, true
}

func (l *Lookup) fill(ctx context.Context, code string, payload *CachedURL) {
	b, err := json.Marshal(payload)
	if err != nil {
		l.log.Error().Err(err).Str("code", code).Msg("marshal cache payload")
		return
	}
	if err := l.writer.SetEx(ctx, l.CacheKey(code), string(b), l.ttl); err != nil {
		l.log.Warn().Err(err).Str("code", code).Msg("cache fill failed")
	}
}

func (l *Lookup) acquireFillLock(ctx context.Context, code, token string) bool {
	for attempt := 0; attempt < l.lockRetries; attempt++ {
		ok, err := l.writer.SetNX(ctx, lockKey(code), token, l.lockTTL)
		if err != nil {
			l.log.Warn().Err(err).Str("code", code).Msg("fill lock unavailable")
			return false
		}
		if ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(l.lockRetryDelay):
		}
	}
	return false
}

func (l *Lookup) releaseFillLock(code, token string) {
	// The request context may already be done; bound the release separately.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := l.writer.Eval(ctx, lockReleaseScript, []string{lockKey(code)}, token); err != nil {
		l.log.Warn().Err(err).Str("code", code).Msg("fill lock release failed; TTL will reap it")
	}
}

func recordPayload(rec *URLRecord) *CachedURL {
	return &CachedURL{
		ID:          rec.ID,
		ShortCode:   rec.ShortCode,
		OriginalURL: rec.OriginalURL,
		Clicks:      rec.Clicks,
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}
