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

package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// JanitorCache is the Redis surface the buffer janitor needs.
type JanitorCache interface {
	ScanPrefix(ctx context.Context, prefix string, limit int) ([]string, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, keys ...string) error
}

// Janitor reaps click-buffer keys that lost their TTL (an Expire that never
// landed) or carry one beyond the configured maximum age. Without it, a key
// whose first-increment Expire failed would hold its count forever.
type Janitor struct {
	cache        JanitorCache
	log          zerolog.Logger
	bufferPrefix string
	maxAge       time.Duration
	interval     time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

func NewJanitor(cache JanitorCache, bufferPrefix string, maxAge, interval time.Duration, log zerolog.Logger) *Janitor {
	if bufferPrefix == "" {
		bufferPrefix = "click_buffer:"
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		cache:        cache,
		log:          log.With().Str("component", "buffer-janitor").Logger(),
		bufferPrefix: bufferPrefix,
		maxAge:       maxAge,
		interval:     interval,
		stopChan:     make(chan struct{}),
	}
}

func (j *Janitor) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				j.RunOnce(context.Background())
			case <-j.stopChan:
				return
			}
		}
	}()
}

func (j *Janitor) Stop() {
	if !atomic.CompareAndSwapUint32(&j.stopped, 0, 1) {
		return
	}
	close(j.stopChan)
	j.wg.Wait()
}

// RunOnce sweeps the buffer keyspace one time and returns the reap count.
func (j *Janitor) RunOnce(ctx context.Context) int {
	keys, err := j.cache.ScanPrefix(ctx, j.bufferPrefix, 0)
	if err != nil {
		j.log.Warn().Err(err).Msg("buffer scan failed")
		return 0
	}
	j.log.Debug().Int("active_buffers", len(keys)).Msg("buffer sweep")
	var reap []string
	for _, key := range keys {
		ttl, err := j.cache.TTL(ctx, key)
		if err != nil {
			continue
		}
		// go-redis reports -1 for keys without expiry, -2 for missing keys.
		if ttl == -1 || ttl > j.maxAge {
			reap = append(reap, key)
		}
	}
	if len(reap) == 0 {
		return 0
	}
	if err := j.cache.Del(ctx, reap...); err != nil {
		j.log.Warn().Err(err).Int("keys", len(reap)).Msg("buffer reap failed")
		return 0
	}
	buffersReapedTotal.Add(float64(len(reap)))
	j.log.Info().Int("keys", len(reap)).Msg("orphaned click buffers reaped")
	return len(reap)
}
