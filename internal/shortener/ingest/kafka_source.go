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

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"shortener/internal/shortener/core"
)

// KafkaSource consumes the click topic through a consumer group. It
// implements EventSource.
type KafkaSource struct {
	cl        *kgo.Client
	pollBlock time.Duration
}

func NewKafkaSource(brokers []string, topic, group string, pollBlock time.Duration) (*KafkaSource, error) {
	if pollBlock <= 0 {
		pollBlock = time.Second
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(group),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return &KafkaSource{cl: cl, pollBlock: pollBlock}, nil
}

// Fetch polls up to max records, blocking at most the configured poll
// window. Undecodable records are counted and skipped.
func (s *KafkaSource) Fetch(ctx context.Context, max int) ([]core.ClickEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.pollBlock)
	defer cancel()

	fetches := s.cl.PollRecords(ctx, max)
	if err := fetches.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("kafka poll: %w", err)
	}

	var events []core.ClickEvent
	fetches.EachRecord(func(rec *kgo.Record) {
		var ev core.ClickEvent
		if err := json.Unmarshal(rec.Value, &ev); err != nil {
			malformedTotal.Inc()
			return
		}
		events = append(events, ev)
	})
	return events, nil
}

func (s *KafkaSource) Close() { s.cl.Close() }
