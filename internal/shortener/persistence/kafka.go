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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"shortener/internal/shortener/core"
)

// ClickProducer is a minimal abstraction over a Kafka client. Keying records
// by short code keeps per-code ordering so downstream aggregation stays
// deterministic per partition.
type ClickProducer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte) error
}

// KgoProducer is the production Kafka client built on franz-go. Records are
// produced synchronously: the caller needs the error to decide whether the
// event goes to the fallback stream instead.
type KgoProducer struct {
	cl *kgo.Client
}

func NewKgoProducer(brokers []string) (*KgoProducer, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.ProduceRequestTimeout(5*time.Second),
		kgo.RecordRetries(3),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KgoProducer{cl: cl}, nil
}

func (p *KgoProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	return p.cl.ProduceSync(ctx, rec).FirstErr()
}

func (p *KgoProducer) Close() { p.cl.Close() }

// LoggingClickProducer is a tiny demo producer that logs the produced
// message. It lets a binary run without a real broker. Not for production
// use.
type LoggingClickProducer struct{}

func (LoggingClickProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	fmt.Printf("[kafka-demo] TOPIC=%s KEY=%s VALUE=%s\n", topic, string(key), string(value))
	return nil
}

// ClickPublisher serializes click events onto the queue. It implements
// core.ClickPublisher.
type ClickPublisher struct {
	producer ClickProducer
	topic    string
}

func NewClickPublisher(producer ClickProducer, topic string) *ClickPublisher {
	if topic == "" {
		topic = "click_events"
	}
	return &ClickPublisher{producer: producer, topic: topic}
}

func (p *ClickPublisher) Publish(ctx context.Context, ev core.ClickEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal click event: %w", err)
	}
	if err := p.producer.Produce(ctx, p.topic, []byte(ev.ShortCode), b); err != nil {
		return fmt.Errorf("produce click for %s: %w", ev.ShortCode, err)
	}
	return nil
}

var _ core.ClickPublisher = (*ClickPublisher)(nil)
