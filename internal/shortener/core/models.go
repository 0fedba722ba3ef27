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

// Package core holds the shortening domain: codes, lookups, clicks and the
// narrow backend interfaces the persistence adapters implement.
package core

import "time"

// URLRecord is the OLTP row for one short link. Clicks carries only the
// persisted count; buffered clicks live in Redis until ingestion folds them
// in.
type URLRecord struct {
	ID          int64
	ShortCode   string
	OriginalURL string
	Clicks      int64
	CreatedAt   time.Time
}

// CachedURL is the JSON payload stored under the lookup cache key. ID and
// ShortCode mirror the OLTP row; Clicks is a snapshot from cache-fill time
// and is never read back as authoritative.
type CachedURL struct {
	ID          int64  `json:"id"`
	ShortCode   string `json:"short_code"`
	OriginalURL string `json:"original_url"`
	Clicks      int64  `json:"clicks"`
	CreatedAt   string `json:"created_at"`
}

// ClickEvent is the queue message for one click observation. Delta is always
// positive; TimestampMs is set by the producer.
type ClickEvent struct {
	ShortCode   string `json:"short_code"`
	Delta       int64  `json:"delta"`
	TimestampMs int64  `json:"timestamp,omitempty"`
}

// ShortenResult is what the service hands back after creating a link.
type ShortenResult struct {
	ShortCode   string
	ShortURL    string
	OriginalURL string
	CreatedAt   time.Time
}

// URLStats combines the persisted click count with whatever is still sitting
// in the click buffer at read time.
type URLStats struct {
	ShortCode      string
	ShortURL       string
	OriginalURL    string
	CreatedAt      time.Time
	Clicks         int64
	BufferedClicks int64
}
