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

// Package api exposes the public HTTP surface: shorten, redirect, stats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"shortener/internal/shortener/core"
)

// Shortener is the service surface the handlers drive.
type Shortener interface {
	Shorten(ctx context.Context, originalURL, customCode string) (*core.ShortenResult, error)
	Resolve(ctx context.Context, code string) (string, error)
	Stats(ctx context.Context, code string) (*core.URLStats, error)
}

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the public routes.
type Handler struct {
	svc   Shortener
	log   zerolog.Logger
	pings map[string]Pinger
}

func NewHandler(svc Shortener, pings map[string]Pinger, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, pings: pings, log: log.With().Str("component", "shortener-api").Logger()}
}

// Router builds the route tree. The redirect route sits at the root so short
// links stay short; everything else lives under /api.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requestLogger)
	r.Post("/api/shorten", h.shorten)
	r.Get("/api/stats/{code}", h.stats)
	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/{code}", h.redirect)
	return r
}

type shortenRequest struct {
	URL        string `json:"url"`
	CustomCode string `json:"custom_code,omitempty"`
}

type shortenResponse struct {
	ShortCode   string `json:"short_code"`
	ShortURL    string `json:"short_url"`
	OriginalURL string `json:"original_url"`
	CreatedAt   string `json:"created_at"`
}

func (h *Handler) shorten(w http.ResponseWriter, r *http.Request) {
	var req shortenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(errors.New("invalid JSON body")))
		return
	}

	res, err := h.svc.Shorten(r.Context(), req.URL, req.CustomCode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, shortenResponse{
		ShortCode:   res.ShortCode,
		ShortURL:    res.ShortURL,
		OriginalURL: res.OriginalURL,
		CreatedAt:   res.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	target, err := h.svc.Resolve(r.Context(), code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	// 307 keeps clients re-resolving, so click counts stay honest.
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// statsResponse reports clicks as the combined total the service computed
// (persisted + buffered); buffered_clicks breaks out the not-yet-folded part.
type statsResponse struct {
	ShortCode      string `json:"short_code"`
	ShortURL       string `json:"short_url"`
	OriginalURL    string `json:"original_url"`
	CreatedAt      string `json:"created_at"`
	Clicks         int64  `json:"clicks"`
	BufferedClicks int64  `json:"buffered_clicks"`
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	stats, err := h.svc.Stats(r.Context(), code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		ShortCode:      stats.ShortCode,
		ShortURL:       stats.ShortURL,
		OriginalURL:    stats.OriginalURL,
		CreatedAt:      stats.CreatedAt.UTC().Format(time.RFC3339),
		Clicks:         stats.Clicks,
		BufferedClicks: stats.BufferedClicks,
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "healthy"}
	for name, p := range h.pings {
		if err := p.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body[name] = "unhealthy"
		} else {
			body[name] = "healthy"
		}
	}
	writeJSON(w, status, body)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidArgument):
		writeJSON(w, http.StatusUnprocessableEntity, errBody(err))
	case errors.Is(err, core.ErrConflict):
		writeJSON(w, http.StatusConflict, errBody(err))
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errBody(err))
	case errors.Is(err, core.ErrTemporarilyUnavailable), errors.Is(err, core.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errBody(err))
	default:
		h.log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errBody(core.ErrInternal))
	}
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
