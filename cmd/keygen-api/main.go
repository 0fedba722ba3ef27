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

// Package main runs the keygen service: it grants unique ID blocks out of a
// Redis counter, falls back to a Postgres sequence when Redis is down and
// audits every grant asynchronously.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"shortener/internal/shortener/allocator"
	"shortener/internal/shortener/config"
	"shortener/internal/shortener/persistence"
)

func main() {
	httpAddr := flag.String("http_addr", ":8001", "HTTP listen address")
	logLevel := flag.String("log_level", "info", "zerolog level (trace..panic)")
	syncInterval := flag.Duration("sync_interval", time.Second, "How often the audit sync worker evaluates its flush policy")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("app", "keygen-api").Logger()

	cfg := config.Load()
	ctx := context.Background()

	// 1. Backends.
	pair, err := persistence.NewPair(persistence.RedisConfig{
		URL:            cfg.RedisURL,
		SentinelAddrs:  cfg.SentinelHosts,
		SentinelMaster: cfg.SentinelMasterName,
		OpTimeout:      cfg.RedisOpTimeout,
		BreakerLimit:   cfg.BreakerFailureLimit,
		BreakerWindow:  cfg.BreakerOpenWindow,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("redis setup failed")
	}

	db, err := persistence.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres setup failed")
	}
	defer db.Close()
	store := persistence.NewStore(db)
	if err := store.EnsureSchema(ctx, cfg.IDCounterBase, cfg.IDBlockSize); err != nil {
		log.Fatal().Err(err).Msg("schema setup failed")
	}

	// 2. Allocation service: lock, counter chain, audit sync. The chain is
	// tried in order: primary Redis, optional standby Redis, Postgres
	// sequence as the last resort.
	lock := allocator.NewLock(pair.Writer, cfg.AllocLockTTL, cfg.AllocLockTimeout, cfg.AllocLockRetries, log)
	primary := allocator.NewRedisCounter(pair.Writer, "redis_primary")
	backends := []allocator.CounterBackend{primary}
	mirrors := []*allocator.RedisCounter{primary}
	if cfg.IDSecondaryRedisURL != "" {
		standby, err := persistence.NewPair(persistence.RedisConfig{
			URL:           cfg.IDSecondaryRedisURL,
			OpTimeout:     cfg.RedisOpTimeout,
			BreakerLimit:  cfg.BreakerFailureLimit,
			BreakerWindow: cfg.BreakerOpenWindow,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("secondary redis setup failed")
		}
		secondary := allocator.NewRedisCounter(standby.Writer, "redis_secondary")
		backends = append(backends, secondary)
		mirrors = append(mirrors, secondary)
	}
	backends = append(backends, allocator.NewSequenceBackend(store, cfg.IDBlockSize))

	svc := allocator.NewService(lock, backends, pair.Writer, nil, cfg.IDBlockSize, log)
	auditSync := allocator.NewSyncWorker(store, svc.RPS, *syncInterval, log)
	svc.AttachSync(auditSync)
	// Every grant pushes the other Redis counters to the granted end, so a
	// failover never re-grants a live range.
	svc.AttachMirrors(mirrors...)

	// The counter may be gone after a Redis wipe; reseed it from the audit
	// before serving.
	if err := svc.RestoreCounter(ctx, primary, store, cfg.IDCounterBase); err != nil {
		log.Warn().Err(err).Msg("counter restore failed, fallback backend will carry allocations")
	}
	auditSync.Start()

	// 3. HTTP surface.
	handler := allocator.NewHandler(svc, log)
	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: handler.Router(),
	}

	go func() {
		log.Info().Str("addr", *httpAddr).Msg("keygen API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// 4. Graceful shutdown: stop granting first, then flush the audit queue.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	auditSync.Stop()
	log.Info().Msg("stopped")
}
