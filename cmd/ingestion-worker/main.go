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

// Package main runs the ingestion worker: it drains click events from Kafka
// and the Redis fallback stream, folds aggregated deltas into Postgres and
// mirrors them into ClickHouse for analytics.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"shortener/internal/shortener/config"
	"shortener/internal/shortener/ingest"
	"shortener/internal/shortener/persistence"
)

func main() {
	metricsAddr := flag.String("metrics_addr", ":9100", "Prometheus /metrics listen address (empty disables)")
	logLevel := flag.String("log_level", "info", "zerolog level (trace..panic)")
	consumerName := flag.String("consumer_name", "", "Stable consumer name; defaults to a random one per process")
	noClickHouse := flag.Bool("no_clickhouse", false, "Log analytics rows instead of inserting into ClickHouse")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("app", "ingestion-worker").Logger()

	cfg := config.Load()
	ctx := context.Background()

	name := *consumerName
	if name == "" {
		name = "ingestion-" + uuid.NewString()[:8]
	}

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

	source, err := ingest.NewKafkaSource(cfg.KafkaBootstrapServers, cfg.KafkaClickTopic,
		cfg.IngestionConsumerGroup, cfg.IngestionPollBlock)
	if err != nil {
		log.Fatal().Err(err).Msg("kafka setup failed")
	}
	defer source.Close()

	var sink ingest.Sink
	if *noClickHouse {
		sink = persistence.LoggingSink{}
	} else {
		ch, err := persistence.NewClickHouseSink(ctx, persistence.ClickHouseConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			User:     cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
			Table:    cfg.ClickHouseTable,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("clickhouse setup failed")
		}
		defer ch.Close()
		sink = ch
	}

	// 2. Consumer loop plus the orphaned-buffer janitor.
	consumer := ingest.NewConsumer(source, pair.Writer, pair.Writer, store, sink, ingest.Options{
		ConsumerName:    name,
		BatchSize:       cfg.IngestionBatchSize,
		PollBlock:       cfg.IngestionPollBlock,
		FlushInterval:   cfg.IngestionFlushInterval,
		StreamKey:       cfg.ClickStreamKey,
		StreamGroup:     cfg.IngestionConsumerGroup,
		BufferKeyPrefix: cfg.ClickBufferKeyPrefix,
		CacheKeyPrefix:  cfg.CacheKeyPrefix,
	}, log)
	consumer.Start()

	janitor := ingest.NewJanitor(pair.Writer, cfg.ClickBufferKeyPrefix, cfg.BufferMaxAge, 0, log)
	janitor.Start()

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

	log.Info().Str("consumer", name).Msg("ingestion worker running")

	// 3. Graceful shutdown: Stop drains and runs a final flush.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	janitor.Stop()
	consumer.Stop()
	log.Info().Msg("stopped")
}
