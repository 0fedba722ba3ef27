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

// Package persistence provides the concrete backend adapters: the Redis
// client pair, the Kafka click producer, the Postgres URL store and the
// ClickHouse analytics sink. Each adapter sits behind a narrow interface
// defined by its consumer so tests can swap in fakes.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"shortener/internal/shortener/core"
)

// RedisConfig describes one side of the cache pair.
type RedisConfig struct {
	URL        string
	ReplicaURL string

	SentinelAddrs  []string
	SentinelMaster string

	OpTimeout     time.Duration
	BreakerLimit  int
	BreakerWindow time.Duration
}

// Pair is the writer/reader split: Writer talks to the master (all
// mutations, locks, streams), Reader serves lookup-cache GETs from a replica
// and falls back to the writer connection when no replica is configured.
type Pair struct {
	Writer *Cache
	Reader *Cache
}

// NewPair builds the client pair. With sentinel addresses configured both
// sides discover the topology through sentinel, the reader pinned to
// replicas; otherwise plain clients are built from the URLs.
func NewPair(cfg RedisConfig) (*Pair, error) {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}

	var writerC, readerC redis.Cmdable
	if len(cfg.SentinelAddrs) > 0 {
		writerC = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: cfg.SentinelAddrs,
		})
		readerC = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: cfg.SentinelAddrs,
			ReplicaOnly:   true,
		})
	} else {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		writerC = redis.NewClient(opt)
		if cfg.ReplicaURL != "" {
			ropt, err := redis.ParseURL(cfg.ReplicaURL)
			if err != nil {
				return nil, fmt.Errorf("parse redis replica url: %w", err)
			}
			readerC = redis.NewClient(ropt)
		} else {
			readerC = writerC
		}
	}

	return &Pair{
		Writer: NewCache(writerC, cfg.OpTimeout, NewBreaker(cfg.BreakerLimit, cfg.BreakerWindow)),
		Reader: NewCache(readerC, cfg.OpTimeout, NewBreaker(cfg.BreakerLimit, cfg.BreakerWindow)),
	}, nil
}

// Cache wraps a go-redis client with the per-operation timeout and circuit
// breaker every caller gets for free. It implements core.CacheWriter.
type Cache struct {
	c       redis.Cmdable
	timeout time.Duration
	breaker *Breaker
}

func NewCache(c redis.Cmdable, timeout time.Duration, breaker *Breaker) *Cache {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if breaker == nil {
		breaker = NewBreaker(0, 0)
	}
	return &Cache{c: c, timeout: timeout, breaker: breaker}
}

// do bounds the call and feeds the breaker. redis.Nil is a data answer, not
// a backend failure.
func (r *Cache) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !r.breaker.Allow() {
		return fmt.Errorf("redis circuit open: %w", core.ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err := fn(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		r.breaker.Failure()
		return err
	}
	r.breaker.Success()
	return err
}

func (r *Cache) Ping(ctx context.Context) error {
	return r.do(ctx, func(ctx context.Context) error { return r.c.Ping(ctx).Err() })
}

func (r *Cache) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := r.do(ctx, func(ctx context.Context) error {
		v, err := r.c.Get(ctx, key).Result()
		val = v
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", core.ErrCacheMiss
	}
	return val, err
}

func (r *Cache) GetInt(ctx context.Context, key string) (int64, error) {
	var val int64
	err := r.do(ctx, func(ctx context.Context) error {
		v, err := r.c.Get(ctx, key).Int64()
		val = v
		return err
	})
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

func (r *Cache) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.do(ctx, func(ctx context.Context) error { return r.c.SetEx(ctx, key, value, ttl).Err() })
}

func (r *Cache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.do(ctx, func(ctx context.Context) error { return r.c.Del(ctx, keys...).Err() })
}

func (r *Cache) Incr(ctx context.Context, key string) (int64, error) {
	var val int64
	err := r.do(ctx, func(ctx context.Context) error {
		v, err := r.c.Incr(ctx, key).Result()
		val = v
		return err
	})
	return val, err
}

func (r *Cache) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	var val int64
	err := r.do(ctx, func(ctx context.Context) error {
		v, err := r.c.IncrBy(ctx, key, n).Result()
		val = v
		return err
	})
	return val, err
}

func (r *Cache) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	var val int64
	err := r.do(ctx, func(ctx context.Context) error {
		v, err := r.c.DecrBy(ctx, key, n).Result()
		val = v
		return err
	})
	return val, err
}

func (r *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.do(ctx, func(ctx context.Context) error { return r.c.Expire(ctx, key, ttl).Err() })
}

func (r *Cache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := r.do(ctx, func(ctx context.Context) error {
		v, err := r.c.SetNX(ctx, key, value, ttl).Result()
		ok = v
		return err
	})
	return ok, err
}

func (r *Cache) SetInt(ctx context.Context, key string, value int64) error {
	return r.do(ctx, func(ctx context.Context) error { return r.c.Set(ctx, key, value, 0).Err() })
}

func (r *Cache) SetNXInt(ctx context.Context, key string, value int64) (bool, error) {
	var ok bool
	err := r.do(ctx, func(ctx context.Context) error {
		v, err := r.c.SetNX(ctx, key, value, 0).Result()
		ok = v
		return err
	})
	return ok, err
}

func (r *Cache) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := r.do(ctx, func(ctx context.Context) error {
		v, err := r.c.Exists(ctx, key).Result()
		n = v
		return err
	})
	return n > 0, err
}

func (r *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := r.do(ctx, func(ctx context.Context) error {
		v, err := r.c.TTL(ctx, key).Result()
		d = v
		return err
	})
	return d, err
}

func (r *Cache) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	var res interface{}
	err := r.do(ctx, func(ctx context.Context) error {
		v, err := r.c.Eval(ctx, script, keys, args...).Result()
		res = v
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (r *Cache) HSet(ctx context.Context, key, field, value string) error {
	return r.do(ctx, func(ctx context.Context) error { return r.c.HSet(ctx, key, field, value).Err() })
}

// XAdd appends an entry to a stream.
func (r *Cache) XAdd(ctx context.Context, stream string, values map[string]interface{}) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.c.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err()
	})
}

// StreamEntry is one fallback-stream record.
type StreamEntry struct {
	ID     string
	Values map[string]interface{}
}

// EnsureGroup creates the consumer group, creating the stream if needed.
// An already-existing group is not an error.
func (r *Cache) EnsureGroup(ctx context.Context, stream, group string) error {
	return r.do(ctx, func(ctx context.Context) error {
		err := r.c.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	})
}

// ReadGroup fetches up to count new entries for the consumer. A timeout with
// nothing to read returns an empty slice, not an error.
func (r *Cache) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error) {
	var out []StreamEntry
	err := r.do(ctx, func(ctx context.Context) error {
		streams, err := r.c.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    count,
			Block:    block,
		}).Result()
		if err != nil {
			return err
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				out = append(out, StreamEntry{ID: m.ID, Values: m.Values})
			}
		}
		return nil
	})
	if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return out, err
}

func (r *Cache) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.do(ctx, func(ctx context.Context) error {
		return r.c.XAck(ctx, stream, group, ids...).Err()
	})
}

// HIncrByBatch spills a delta map into a hash with one pipelined round trip.
func (r *Cache) HIncrByBatch(ctx context.Context, hashKey string, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	return r.do(ctx, func(ctx context.Context) error {
		_, err := r.c.Pipelined(ctx, func(p redis.Pipeliner) error {
			for field, n := range deltas {
				p.HIncrBy(ctx, hashKey, field, n)
			}
			return nil
		})
		return err
	})
}

// HGetAllInt reads a hash of integer counters.
func (r *Cache) HGetAllInt(ctx context.Context, hashKey string) (map[string]int64, error) {
	var out map[string]int64
	err := r.do(ctx, func(ctx context.Context) error {
		raw, err := r.c.HGetAll(ctx, hashKey).Result()
		if err != nil {
			return err
		}
		out = make(map[string]int64, len(raw))
		for field, v := range raw {
			n, perr := strconv.ParseInt(v, 10, 64)
			if perr != nil {
				return fmt.Errorf("hash %s field %s holds %q: %w", hashKey, field, v, perr)
			}
			out[field] = n
		}
		return nil
	})
	return out, err
}

// DecrAndDel pipelines counter decrements and key deletions, used after a
// flush to discount drained buffers and invalidate stale cache entries.
func (r *Cache) DecrAndDel(ctx context.Context, decrs map[string]int64, dels []string) error {
	if len(decrs) == 0 && len(dels) == 0 {
		return nil
	}
	return r.do(ctx, func(ctx context.Context) error {
		_, err := r.c.Pipelined(ctx, func(p redis.Pipeliner) error {
			for key, n := range decrs {
				p.DecrBy(ctx, key, n)
			}
			if len(dels) > 0 {
				p.Del(ctx, dels...)
			}
			return nil
		})
		return err
	})
}

// WarmBatch writes many cache entries with one pipelined round trip.
func (r *Cache) WarmBatch(ctx context.Context, entries map[string]string, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	return r.do(ctx, func(ctx context.Context) error {
		_, err := r.c.Pipelined(ctx, func(p redis.Pipeliner) error {
			for key, value := range entries {
				p.SetEx(ctx, key, value, ttl)
			}
			return nil
		})
		return err
	})
}

func (r *Cache) DBSize(ctx context.Context) (int64, error) {
	var n int64
	err := r.do(ctx, func(ctx context.Context) error {
		v, err := r.c.DBSize(ctx).Result()
		n = v
		return err
	})
	return n, err
}

// ScanPrefix collects up to limit keys matching prefix*.
func (r *Cache) ScanPrefix(ctx context.Context, prefix string, limit int) ([]string, error) {
	var keys []string
	err := r.do(ctx, func(ctx context.Context) error {
		var cursor uint64
		for {
			batch, next, err := r.c.Scan(ctx, cursor, prefix+"*", 100).Result()
			if err != nil {
				return err
			}
			keys = append(keys, batch...)
			if limit > 0 && len(keys) >= limit {
				keys = keys[:limit]
				return nil
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	return keys, err
}

// HitRate samples the server-wide keyspace hit rate from INFO stats. The
// second return is false when the server has seen no traffic yet.
func (r *Cache) HitRate(ctx context.Context) (float64, bool, error) {
	var hits, misses int64
	err := r.do(ctx, func(ctx context.Context) error {
		info, err := r.c.Info(ctx, "stats").Result()
		if err != nil {
			return err
		}
		for _, line := range strings.Split(info, "\n") {
			line = strings.TrimSpace(line)
			if v, ok := strings.CutPrefix(line, "keyspace_hits:"); ok {
				hits, _ = strconv.ParseInt(v, 10, 64)
			}
			if v, ok := strings.CutPrefix(line, "keyspace_misses:"); ok {
				misses, _ = strconv.ParseInt(v, 10, 64)
			}
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	total := hits + misses
	if total == 0 {
		return 0, false, nil
	}
	return float64(hits) / float64(total), true, nil
}

var _ core.CacheWriter = (*Cache)(nil)
