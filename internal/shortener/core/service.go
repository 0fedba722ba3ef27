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
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	customCodeMinLen = 3
	customCodeMaxLen = 20
)

// Service is the shortening domain facade: create links, resolve codes,
// report statistics.
type Service struct {
	store  URLStore
	lookup *Lookup
	clicks *ClickTracker
	ids    IDSource
	log    zerolog.Logger

	baseURL    string
	codeLength int
}

func NewService(store URLStore, lookup *Lookup, clicks *ClickTracker, ids IDSource, baseURL string, codeLength int, log zerolog.Logger) *Service {
	if codeLength <= 0 {
		codeLength = 8
	}
	return &Service{
		store:      store,
		lookup:     lookup,
		clicks:     clicks,
		ids:        ids,
		log:        log.With().Str("component", "service").Logger(),
		baseURL:    strings.TrimRight(baseURL, "/"),
		codeLength: codeLength,
	}
}

// Shorten creates a short link for originalURL. With customCode empty a code
// is derived from the next allocator ID; otherwise the custom code is claimed
// and a collision returns ErrConflict.
func (s *Service) Shorten(ctx context.Context, originalURL, customCode string) (res *ShortenResult, err error) {
	start := time.Now()
	defer func() { observeOp("shorten", time.Since(start).Seconds(), err) }()

	if err = validateURL(originalURL); err != nil {
		return nil, err
	}

	rec := &URLRecord{OriginalURL: originalURL, CreatedAt: time.Now().UTC()}
	if customCode != "" {
		if err = validateCustomCode(customCode); err != nil {
			return nil, err
		}
		// Custom codes never occupy allocator IDs: the record goes in with
		// ID zero and the store assigns a row ID from its own identity
		// space, disjoint from every allocated range.
		rec.ShortCode = customCode
		if err = s.store.Insert(ctx, rec); err != nil {
			return nil, err
		}
	} else if err = s.insertGenerated(ctx, rec); err != nil {
		return nil, err
	}

	s.lookup.Prime(ctx, rec)
	s.log.Info().Str("code", rec.ShortCode).Int64("id", rec.ID).Msg("short link created")
	return &ShortenResult{
		ShortCode:   rec.ShortCode,
		ShortURL:    s.ShortURL(rec.ShortCode),
		OriginalURL: rec.OriginalURL,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

// generateAttempts bounds how many fresh IDs Shorten draws when a generated
// code lands on an existing row, which only happens after a counter reset
// replayed part of a granted range.
const generateAttempts = 3

func (s *Service) insertGenerated(ctx context.Context, rec *URLRecord) error {
	for attempt := 0; attempt < generateAttempts; attempt++ {
		id, err := s.ids.NextID(ctx)
		if err != nil {
			return fmt.Errorf("allocate id: %w", err)
		}
		rec.ID = id
		if rec.ShortCode, err = EncodeID(id, s.codeLength); err != nil {
			return err
		}
		err = s.store.Insert(ctx, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		s.log.Warn().Str("code", rec.ShortCode).Msg("generated code already taken, drawing a fresh id")
	}
	return fmt.Errorf("generated codes collided %d times: %w", generateAttempts, ErrInternal)
}

// Resolve returns the original URL for code and records the click. Click
// tracking is fire-and-observe: it runs detached from the request and can
// never delay or fail the redirect.
func (s *Service) Resolve(ctx context.Context, code string) (target string, err error) {
	start := time.Now()
	defer func() { observeOp("resolve", time.Since(start).Seconds(), err) }()

	payload, err := s.lookup.Resolve(ctx, code)
	if err != nil {
		return "", err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.clicks.Track(ctx, code); err != nil {
			s.log.Warn().Err(err).Str("code", code).Msg("click not recorded")
		}
	}()

	return payload.OriginalURL, nil
}

// Stats reports persisted plus still-buffered clicks for code. It reads the
// persisted snapshot through the lookup cache: ingestion invalidates the key
// whenever it folds buffered clicks in, so snapshot and buffer stay disjoint.
func (s *Service) Stats(ctx context.Context, code string) (stats *URLStats, err error) {
	start := time.Now()
	defer func() { observeOp("stats", time.Since(start).Seconds(), err) }()

	payload, err := s.lookup.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	buffered, berr := s.clicks.Buffered(ctx, code)
	if berr != nil {
		// Stats degrade to the persisted count when the buffer is unreadable.
		s.log.Warn().Err(berr).Str("code", code).Msg("click buffer unreadable, reporting persisted count only")
		buffered = 0
	}
	createdAt, perr := time.Parse(time.RFC3339, payload.CreatedAt)
	if perr != nil {
		s.log.Warn().Str("code", code).Str("created_at", payload.CreatedAt).Msg("bad created_at in cache payload")
	}
	return &URLStats{
		ShortCode:      code,
		ShortURL:       s.ShortURL(code),
		OriginalURL:    payload.OriginalURL,
		CreatedAt:      createdAt,
		Clicks:         payload.Clicks + buffered,
		BufferedClicks: buffered,
	}, nil
}

// ShortURL joins the public base URL with a code.
func (s *Service) ShortURL(code string) string { return s.baseURL + "/" + code }

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", ErrInvalidArgument)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be absolute http(s): %w", ErrInvalidArgument)
	}
	return nil
}

func validateCustomCode(code string) error {
	if len(code) < customCodeMinLen || len(code) > customCodeMaxLen {
		return fmt.Errorf("custom code length must be %d-%d: %w", customCodeMinLen, customCodeMaxLen, ErrInvalidArgument)
	}
	for _, c := range code {
		if !strings.ContainsRune(Base62Alphabet, c) {
			return fmt.Errorf("custom code must be alphanumeric: %w", ErrInvalidArgument)
		}
	}
	return nil
}
