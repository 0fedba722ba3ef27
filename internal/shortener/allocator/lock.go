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
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shortener/internal/shortener/core"
)

// LockKey is the Redis key serializing counter mutations across allocator
// instances.
const LockKey = "id_allocation_lock"

// lockReleaseScript deletes the lock only when the caller still owns it.
const lockReleaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
else
  return 0
end
`

// LockClient is the Redis surface the lock needs.
type LockClient interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// Lock is the distributed allocation lock: owner-token SETNX with a TTL so a
// crashed holder cannot wedge allocation, compare-and-delete release so an
// expired holder cannot free a successor's lock.
type Lock struct {
	client  LockClient
	log     zerolog.Logger
	ttl     time.Duration
	timeout time.Duration
	retries int

	sleep func(context.Context, time.Duration) error // test hook
}

func NewLock(client LockClient, ttl, timeout time.Duration, retries int, log zerolog.Logger) *Lock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retries <= 0 {
		retries = 20
	}
	return &Lock{
		client:  client,
		log:     log.With().Str("component", "alloc-lock").Logger(),
		ttl:     ttl,
		timeout: timeout,
		retries: retries,
		sleep:   sleepCtx,
	}
}

// Acquire takes the lock, retrying with capped exponential backoff and
// jitter until the attempt budget or the acquisition timeout runs out.
// Contention past the budget returns ErrTemporarilyUnavailable.
func (l *Lock) Acquire(ctx context.Context) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.timeout)
	// Each retry's delay is additionally capped so the full retry budget
	// fits inside the acquisition timeout with room to spare.
	maxDelay := l.timeout / time.Duration(l.retries) / 2

	for attempt := 0; attempt < l.retries; attempt++ {
		ok, err := l.client.SetNX(ctx, LockKey, token, l.ttl)
		if err != nil {
			return "", fmt.Errorf("allocation lock: %w", err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			break
		}
		delay := backoffDelay(attempt, time.Millisecond, 64*time.Millisecond, 0.10)
		if delay > maxDelay {
			delay = maxDelay
		}
		if err := l.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("allocation lock held: %w", core.ErrTemporarilyUnavailable)
}

// Release frees the lock if token still owns it. Failures only cost the
// remaining TTL, so they are logged and absorbed.
func (l *Lock) Release(ctx context.Context, token string) {
	if _, err := l.client.Eval(ctx, lockReleaseScript, []string{LockKey}, token); err != nil {
		l.log.Warn().Err(err).Msg("lock release failed; TTL will reap it")
	}
}

// backoffDelay computes base*2^attempt capped at maxDelay, with +/- jitter
// as a fraction of the delay.
func backoffDelay(attempt int, base, maxDelay time.Duration, jitter float64) time.Duration {
	d := base << uint(attempt)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	if jitter > 0 {
		spread := float64(d) * jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
