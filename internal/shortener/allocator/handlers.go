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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"shortener/internal/shortener/core"
)

// Handler serves the keygen HTTP surface.
type Handler struct {
	svc *Service
	log zerolog.Logger
}

func NewHandler(svc *Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log.With().Str("component", "keygen-api").Logger()}
}

// Router builds the keygen routes.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/allocate", h.allocate)
	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type allocateRequest struct {
	Size int64 `json:"size"`
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if r.Body != nil {
		// An empty body means "one default block".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	block, err := h.svc.Allocate(r.Context(), req.Size)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidArgument):
			writeJSON(w, http.StatusUnprocessableEntity, errBody(err))
		case errors.Is(err, core.ErrTemporarilyUnavailable):
			writeJSON(w, http.StatusTooManyRequests, errBody(err))
		case errors.Is(err, core.ErrUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, errBody(err))
		default:
			h.log.Error().Err(err).Msg("allocate failed")
			writeJSON(w, http.StatusInternalServerError, errBody(core.ErrInternal))
		}
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	health := h.svc.Health()
	status := http.StatusOK
	if health == HealthFailed {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": health})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
