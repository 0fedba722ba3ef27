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
)

// CounterKey is the Redis key holding the monotonic allocation counter.
const CounterKey = "id_allocation_counter"

// CounterBackend grants ID ranges. Reserve returns the END of the granted
// range; the caller derives start = end - size + 1. Implementations must be
// monotonic within themselves; cross-backend disjointness comes from the
// shared counter base and the audit-based restore.
type CounterBackend interface {
	Name() string
	Reserve(ctx context.Context, size int64) (int64, error)
}

// CounterClient is the Redis surface a counter backend needs.
type CounterClient interface {
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	GetInt(ctx context.Context, key string) (int64, error)
	SetInt(ctx context.Context, key string, value int64) error
	SetNXInt(ctx context.Context, key string, value int64) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// RedisCounter reserves ranges with a single INCRBY, which is atomic on its
// own; the allocation lock above it exists for counter initialization and
// restore, not for the increment.
type RedisCounter struct {
	client CounterClient
	name   string
}

func NewRedisCounter(client CounterClient, name string) *RedisCounter {
	if name == "" {
		name = "redis"
	}
	return &RedisCounter{client: client, name: name}
}

func (r *RedisCounter) Name() string { return r.name }

func (r *RedisCounter) Reserve(ctx context.Context, size int64) (int64, error) {
	end, err := r.client.IncrBy(ctx, CounterKey, size)
	if err != nil {
		return 0, fmt.Errorf("%s counter: %w", r.name, err)
	}
	return end, nil
}

// Initialized reports whether the counter key exists.
func (r *RedisCounter) Initialized(ctx context.Context) (bool, error) {
	return r.client.Exists(ctx, CounterKey)
}

// InitializeAt seeds the counter when absent. Returns true when this call
// created it.
func (r *RedisCounter) InitializeAt(ctx context.Context, value int64) (bool, error) {
	ok, err := r.client.SetNXInt(ctx, CounterKey, value)
	if err != nil {
		return false, fmt.Errorf("%s counter init: %w", r.name, err)
	}
	return ok, nil
}

// Value reads the current counter position. Missing key reads as zero.
func (r *RedisCounter) Value(ctx context.Context) (int64, error) {
	return r.client.GetInt(ctx, CounterKey)
}

// SetValue overwrites the counter. Used to keep a standby in lock-step with
// the granting backend.
func (r *RedisCounter) SetValue(ctx context.Context, value int64) error {
	if err := r.client.SetInt(ctx, CounterKey, value); err != nil {
		return fmt.Errorf("%s counter set: %w", r.name, err)
	}
	return nil
}

// SequenceReserver is the Postgres surface for the last-resort backend.
type SequenceReserver interface {
	NextSequenceEnd(ctx context.Context) (int64, error)
}

// SequenceBackend draws the database fallback sequence. The sequence
// increment equals the configured block size, so every nextval is a range
// end and ranges never overlap as long as requested sizes stay at or below
// the increment.
type SequenceBackend struct {
	seq       SequenceReserver
	blockSize int64
}

func NewSequenceBackend(seq SequenceReserver, blockSize int64) *SequenceBackend {
	return &SequenceBackend{seq: seq, blockSize: blockSize}
}

func (s *SequenceBackend) Name() string { return "postgres_sequence" }

func (s *SequenceBackend) Reserve(ctx context.Context, size int64) (int64, error) {
	if size > s.blockSize {
		return 0, fmt.Errorf("sequence backend grants at most %d ids per call, requested %d", s.blockSize, size)
	}
	end, err := s.seq.NextSequenceEnd(ctx)
	if err != nil {
		return 0, err
	}
	// A request smaller than the increment wastes the tail of the block.
	// Acceptable for a last-resort path; IDs are not required to be dense.
	return end - s.blockSize + size, nil
}
