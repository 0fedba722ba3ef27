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

// Package main runs the public shortener API: shorten, redirect, stats.
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
	"shortener/internal/shortener/api"
	"shortener/internal/shortener/config"
	"shortener/internal/shortener/core"
	"shortener/internal/shortener/persistence"
)

func main() {
	httpAddr := flag.String("http_addr", ":8000", "HTTP listen address")
	logLevel := flag.String("log_level", "info", "zerolog level (trace..panic)")
	demoKafka := flag.Bool("demo_kafka", false, "Log click events instead of producing to Kafka (no broker needed)")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("app", "shortener-api").Logger()

	cfg := config.Load()
	ctx := context.Background()

	// 1. Backends: Redis pair (writer + replica reader), Postgres, Kafka.
	pair, err := persistence.NewPair(persistence.RedisConfig{
		URL:            cfg.RedisURL,
		ReplicaURL:     cfg.RedisReplicaURL,
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

	var producer persistence.ClickProducer
	if *demoKafka {
		producer = persistence.LoggingClickProducer{}
	} else {
		kp, err := persistence.NewKgoProducer(cfg.KafkaBootstrapServers)
		if err != nil {
			log.Fatal().Err(err).Msg("kafka setup failed")
		}
		defer kp.Close()
		producer = kp
	}
	publisher := persistence.NewClickPublisher(producer, cfg.KafkaClickTopic)

	// 2. Domain wiring: lookup cache, click tracking, remote ID blocks.
	lookup := core.NewLookup(pair.Reader, pair.Writer, store, core.LookupOptions{
		KeyPrefix:      cfg.CacheKeyPrefix,
		TTL:            cfg.CacheTTL,
		LockTTL:        cfg.CacheLockTTL,
		LockRetries:    cfg.CacheLockRetries,
		LockRetryDelay: cfg.CacheLockRetryDelay,
	}, log)
	clicks := core.NewClickTracker(pair.Writer, publisher, store, core.ClickOptions{
		BufferKeyPrefix: cfg.ClickBufferKeyPrefix,
		BufferTTL:       cfg.ClickBufferTTL,
		StreamKey:       cfg.ClickStreamKey,
		FlushLockTTL:    cfg.ClickFlushLockTTL,
	}, log)
	ids := allocator.NewBlockSource(allocator.NewClient(cfg.KeygenServiceURL), cfg.IDBlockSize)
	svc := core.NewService(store, lookup, clicks, ids, cfg.BaseURL, cfg.ShortCodeLength, log)

	// 3. HTTP surface.
	handler := api.NewHandler(svc, map[string]api.Pinger{
		"cache":    pair.Writer,
		"database": store,
	}, log)
	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: handler.Router(),
	}

	go func() {
		log.Info().Str("addr", *httpAddr).Msg("shortener API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// 4. Graceful shutdown.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	log.Info().Msg("stopped")
}
