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

package persistence

import (
	"sync"
	"time"
)

// Breaker is a consecutive-failure circuit breaker for the Redis adapters.
// After failureLimit consecutive failures it rejects calls for openWindow;
// once the window elapses, callers are let through again (half-open) and the
// first success closes the circuit.
type Breaker struct {
	mu           sync.Mutex
	failureLimit int
	openWindow   time.Duration
	failures     int
	openUntil    time.Time

	now func() time.Time // test hook
}

func NewBreaker(failureLimit int, openWindow time.Duration) *Breaker {
	if failureLimit <= 0 {
		failureLimit = 5
	}
	if openWindow <= 0 {
		openWindow = 60 * time.Second
	}
	return &Breaker{failureLimit: failureLimit, openWindow: openWindow, now: time.Now}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().After(b.openUntil)
}

// Success closes the circuit and resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

// Failure records a failed call and opens the circuit at the limit.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.failureLimit {
		b.openUntil = b.now().Add(b.openWindow)
		// Keep the count at the limit so a half-open failure reopens
		// immediately instead of needing another full run of failures.
		b.failures = b.failureLimit
	}
}

// Open reports whether the circuit is currently rejecting calls.
func (b *Breaker) Open() bool { return !b.Allow() }
