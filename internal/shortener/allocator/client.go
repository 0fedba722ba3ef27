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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"shortener/internal/shortener/core"
)

// BlockAllocator grants ID blocks. Implemented by Service in-process and by
// Client over HTTP against a standalone keygen service.
type BlockAllocator interface {
	Allocate(ctx context.Context, size int64) (Block, error)
}

// Client talks to a remote keygen service.
type Client struct {
	baseURL string
	hc      *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) Allocate(ctx context.Context, size int64) (Block, error) {
	body, _ := json.Marshal(map[string]int64{"size": size})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/allocate", bytes.NewReader(body))
	if err != nil {
		return Block{}, fmt.Errorf("keygen request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return Block{}, fmt.Errorf("keygen unreachable: %v: %w", err, core.ErrUnavailable)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return Block{}, fmt.Errorf("keygen exhausted: %w", core.ErrUnavailable)
	case http.StatusTooManyRequests:
		return Block{}, fmt.Errorf("keygen contended: %w", core.ErrTemporarilyUnavailable)
	default:
		return Block{}, fmt.Errorf("keygen status %d: %w", resp.StatusCode, core.ErrInternal)
	}

	var block Block
	if err := json.NewDecoder(resp.Body).Decode(&block); err != nil {
		return Block{}, fmt.Errorf("keygen response: %w", err)
	}
	if block.Start <= 0 || block.End < block.Start {
		return Block{}, fmt.Errorf("keygen returned range %d-%d: %w", block.Start, block.End, core.ErrInternal)
	}
	return block, nil
}

// BlockSource serves sequential IDs out of a locally held block and pulls a
// fresh block from the allocator when the current one runs out. It
// implements core.IDSource.
type BlockSource struct {
	alloc BlockAllocator
	size  int64

	mu   sync.Mutex
	next int64
	end  int64
}

func NewBlockSource(alloc BlockAllocator, size int64) *BlockSource {
	if size <= 0 {
		size = 1000
	}
	// next > end marks the block exhausted; a fresh source must fetch
	// before serving its first ID.
	return &BlockSource{alloc: alloc, size: size, next: 1}
}

func (b *BlockSource) NextID(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next > b.end {
		block, err := b.alloc.Allocate(ctx, b.size)
		if err != nil {
			return 0, err
		}
		b.next, b.end = block.Start, block.End
	}
	id := b.next
	b.next++
	return id, nil
}

// Remaining reports how many IDs are left in the held block.
func (b *BlockSource) Remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next > b.end {
		return 0
	}
	return b.end - b.next + 1
}

var _ core.IDSource = (*BlockSource)(nil)
