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

import "errors"

// Error kinds shared across the service. Callers classify failures with
// errors.Is; transports map the kinds onto their own status codes. Wrap with
// fmt.Errorf("context: %w", Err...) so the kind survives annotation.
var (
	// ErrInvalidArgument marks input that fails validation (malformed URL,
	// bad custom code, non-positive allocation size).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict marks an already-taken short code.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks a short code with no record behind it.
	ErrNotFound = errors.New("not found")

	// ErrTemporarilyUnavailable marks contention that a retry is expected to
	// clear, such as a held allocation lock.
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")

	// ErrUnavailable marks exhausted backends; retrying without operator
	// intervention will not help.
	ErrUnavailable = errors.New("unavailable")

	// ErrInternal marks unexpected failures with no more specific kind.
	ErrInternal = errors.New("internal error")
)

// ErrCacheMiss is returned by cache implementations when a key is absent.
// It is an implementation signal, not an API error kind: lookup treats it as
// a miss and falls through to the store.
var ErrCacheMiss = errors.New("cache miss")
