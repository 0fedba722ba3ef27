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
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// AnalyticsRow is one aggregated click observation bound for the columnar
// store.
type AnalyticsRow struct {
	ShortCode string
	Delta     uint32
	EventTime time.Time
}

// ClickHouseConfig locates the analytics database.
type ClickHouseConfig struct {
	Addr     string
	Database string
	User     string
	Password string
	Table    string
}

// ClickHouseSink writes aggregated click rows into a MergeTree table,
// creating it on first use.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	if cfg.Table == "" {
		cfg.Table = "click_events"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	s := &ClickHouseSink{conn: conn, table: cfg.Table}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ClickHouseSink) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		short_code String,
		delta UInt32,
		event_time DateTime
	) ENGINE = MergeTree ORDER BY (short_code, event_time)`, s.table)
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("clickhouse ensure table %s: %w", s.table, err)
	}
	return nil
}

// Insert appends the rows in one batch.
func (s *ClickHouseSink) Insert(ctx context.Context, rows []AnalyticsRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (short_code, delta, event_time)", s.table))
	if err != nil {
		return fmt.Errorf("clickhouse prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(r.ShortCode, r.Delta, r.EventTime); err != nil {
			return fmt.Errorf("clickhouse append %s: %w", r.ShortCode, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }

// LoggingSink logs rows instead of storing them, for broker-free runs.
// Not for production use.
type LoggingSink struct{}

func (LoggingSink) Insert(ctx context.Context, rows []AnalyticsRow) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	for _, r := range rows {
		fmt.Printf("[clickhouse-demo] code=%s delta=%d at=%s\n", r.ShortCode, r.Delta, r.EventTime.Format(time.RFC3339))
	}
	return nil
}
