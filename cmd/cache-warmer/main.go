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

// Package main runs the cache warmer: it keeps the hottest short links
// resident in Redis so redirects rarely touch Postgres.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"shortener/internal/shortener/allocator"
	"shortener/internal/shortener/config"
	"shortener/internal/shortener/core"
	"shortener/internal/shortener/persistence"
	"shortener/internal/shortener/warmer"
)

func main() {
	metricsAddr := flag.String("metrics_addr", ":9101", "Prometheus /metrics listen address (empty disables)")
	logLevel := flag.String("log_level", "info", "zerolog level (trace..panic)")
	runOnce := flag.Bool("once", false, "Run a single warm cycle and exit")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("app", "cache-warmer").Logger()

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

	// 2. Warmer. Pregeneration draws IDs through the keygen service so the
	// allocator always has a freshly committed block.
	var ids core.IDSource
	if cfg.WarmerPregenerate > 0 {
		ids = allocator.NewBlockSource(allocator.NewClient(cfg.KeygenServiceURL), cfg.IDBlockSize)
	}
	w := warmer.New(pair.Writer, store, ids, warmer.Options{
		Interval:         cfg.WarmerInterval,
		TopN:             cfg.WarmerTopN,
		CacheTTL:         cfg.CacheTTL,
		Pregenerate:      cfg.WarmerPregenerate,
		RandomSample:     cfg.WarmerRandomSample,
		TargetKeys:       cfg.WarmerTargetKeys,
		HitRateThreshold: cfg.WarmerHitRateThreshold,
		FailureBackoff:   cfg.WarmerFailureBackoff,
		CacheKeyPrefix:   cfg.CacheKeyPrefix,
		BufferKeyPrefix:  cfg.ClickBufferKeyPrefix,
	}, log)

	if *runOnce {
		n, err := w.RunOnce(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("warm cycle failed")
		}
		log.Info().Int("keys", n).Msg("warm cycle done")
		return
	}

	w.Start()

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", *metricsAddr).Msg("metrics listening")
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	log.Info().Dur("interval", cfg.WarmerInterval).Msg("cache warmer running")

	// 3. Graceful shutdown.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	w.Stop()
	log.Info().Msg("stopped")
}
