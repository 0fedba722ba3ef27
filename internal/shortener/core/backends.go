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
	"time"
)

// CacheReader is the replica-side surface: lookup-cache GETs only.
// Implementations return ErrCacheMiss for absent keys.
type CacheReader interface {
	Get(ctx context.Context, key string) (string, error)
}

// CacheWriter abstracts the master-side Redis surface the domain needs.
// Implementations may wrap github.com/redis/go-redis/v9 or any equivalent.
type CacheWriter interface {
	CacheReader
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	// GetInt reads an integer counter; absent keys read as 0.
	GetInt(ctx context.Context, key string) (int64, error)
	DecrBy(ctx context.Context, key string, n int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	XAdd(ctx context.Context, stream string, values map[string]interface{}) error
}

// ClickPublisher pushes one click event onto the queue. A non-nil error means
// the event was NOT accepted and the caller must divert it to the fallback
// stream.
type ClickPublisher interface {
	Publish(ctx context.Context, ev ClickEvent) error
}

// URLStore is the OLTP surface for short links.
type URLStore interface {
	// Insert persists rec; a short-code collision returns ErrConflict.
	Insert(ctx context.Context, rec *URLRecord) error
	// FindByCode returns the record or ErrNotFound.
	FindByCode(ctx context.Context, code string) (*URLRecord, error)
	// IncrementClicks folds delta into the persisted click count.
	IncrementClicks(ctx context.Context, code string, delta int64) error
}

// IDSource yields globally unique IDs for code generation.
type IDSource interface {
	NextID(ctx context.Context) (int64, error)
}
