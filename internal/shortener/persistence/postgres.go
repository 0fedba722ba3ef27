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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"shortener/internal/shortener/core"
)

// Postgres schema lives in schemaStatements below.
//
// urls.id carries the allocator ID for generated codes. Custom-code rows
// insert with no ID and draw one from the table identity, which counts
// downward from -1 so the two spaces can never collide.
//
// url_id_fallback_seq is the allocator's last-resort backend: its increment
// equals the block size and nextval is the END of the granted range, so
// ranges stay contiguous and disjoint for any requested size up to the
// increment.

const uniqueViolation = "23505"

// AllocationRecord is one granted ID range, audited for restart recovery.
type AllocationRecord struct {
	StartID     int64
	EndID       int64
	Size        int64
	Source      string
	AllocatedAt time.Time
}

// Store is the Postgres adapter: URL rows, click folds, allocation audit and
// the fallback sequence. It implements core.URLStore.
type Store struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, defaultTimeout: 10 * time.Second}
}

// Open connects with lib/pq and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func schemaStatements(counterBase, blockSize int64) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS urls (
			id BIGINT GENERATED BY DEFAULT AS IDENTITY (START WITH -1 INCREMENT BY -1) PRIMARY KEY,
			short_code TEXT NOT NULL UNIQUE,
			original_url TEXT NOT NULL,
			clicks BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS ix_urls_clicks ON urls (clicks DESC)`,
		`CREATE INDEX IF NOT EXISTS ix_urls_created_at ON urls (created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS id_allocation_records (
			start_id BIGINT NOT NULL,
			end_id BIGINT NOT NULL,
			size BIGINT NOT NULL,
			source TEXT NOT NULL,
			allocated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (start_id, end_id)
		)`,
		fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS url_id_fallback_seq START %d INCREMENT %d`,
			counterBase+blockSize, blockSize),
	}
}

// EnsureSchema creates the tables, indexes and the fallback sequence when
// absent.
func (s *Store) EnsureSchema(ctx context.Context, counterBase, blockSize int64) error {
	for _, q := range schemaStatements(counterBase, blockSize) {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && s.defaultTimeout > 0 {
		return context.WithTimeout(ctx, s.defaultTimeout)
	}
	return ctx, func() {}
}

// Insert persists a short link. With rec.ID zero the row draws its ID from
// the table identity (negative, so it stays clear of allocator grants) and
// the assigned value is written back to rec.ID. A duplicate short code maps
// to ErrConflict; anything else comes back wrapped as ErrInternal.
func (s *Store) Insert(ctx context.Context, rec *core.URLRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var err error
	if rec.ID == 0 {
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO urls (short_code, original_url, clicks, created_at)
			 VALUES ($1,$2,$3,$4) RETURNING id`,
			rec.ShortCode, rec.OriginalURL, rec.Clicks, rec.CreatedAt).Scan(&rec.ID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO urls (id, short_code, original_url, clicks, created_at) VALUES ($1,$2,$3,$4,$5)`,
			rec.ID, rec.ShortCode, rec.OriginalURL, rec.Clicks, rec.CreatedAt)
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("short code %s taken: %w", rec.ShortCode, core.ErrConflict)
		}
		return fmt.Errorf("insert url %s: %v: %w", rec.ShortCode, err, core.ErrInternal)
	}
	return nil
}

func (s *Store) FindByCode(ctx context.Context, code string) (*core.URLRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rec := &core.URLRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, short_code, original_url, clicks, created_at FROM urls WHERE short_code = $1`,
		code).Scan(&rec.ID, &rec.ShortCode, &rec.OriginalURL, &rec.Clicks, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("short code %s: %w", code, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find url %s: %v: %w", code, err, core.ErrInternal)
	}
	return rec, nil
}

func (s *Store) IncrementClicks(ctx context.Context, code string, delta int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE urls SET clicks = clicks + $2, updated_at = now() WHERE short_code = $1`, code, delta)
	if err != nil {
		return fmt.Errorf("increment clicks %s: %v: %w", code, err, core.ErrInternal)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("short code %s: %w", code, core.ErrNotFound)
	}
	return nil
}

// ApplyClickDeltas folds a batch of aggregated deltas in one transaction.
// Codes with no row left are skipped, not failed: a deleted link must not
// wedge the whole ingestion batch.
func (s *Store) ApplyClickDeltas(ctx context.Context, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin click fold: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for code, delta := range deltas {
		if delta == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE urls SET clicks = clicks + $2, updated_at = now() WHERE short_code = $1`, code, delta); err != nil {
			return fmt.Errorf("fold clicks %s: %w", code, err)
		}
	}
	return tx.Commit()
}

// MostClicked returns up to n records ordered by persisted clicks.
func (s *Store) MostClicked(ctx context.Context, n int) ([]core.URLRecord, error) {
	return s.query(ctx, `SELECT id, short_code, original_url, clicks, created_at
		FROM urls ORDER BY clicks DESC LIMIT $1`, n)
}

// Newest returns up to n most recently created records.
func (s *Store) Newest(ctx context.Context, n int) ([]core.URLRecord, error) {
	return s.query(ctx, `SELECT id, short_code, original_url, clicks, created_at
		FROM urls ORDER BY created_at DESC LIMIT $1`, n)
}

// RandomSample returns up to n random records.
func (s *Store) RandomSample(ctx context.Context, n int) ([]core.URLRecord, error) {
	return s.query(ctx, `SELECT id, short_code, original_url, clicks, created_at
		FROM urls ORDER BY random() LIMIT $1`, n)
}

// FindByCodes fetches the named records in one round trip.
func (s *Store) FindByCodes(ctx context.Context, codes []string) ([]core.URLRecord, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	return s.query(ctx, `SELECT id, short_code, original_url, clicks, created_at
		FROM urls WHERE short_code = ANY($1)`, pq.Array(codes))
}

func (s *Store) query(ctx context.Context, q string, args ...interface{}) ([]core.URLRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query urls: %w", err)
	}
	defer rows.Close()
	var out []core.URLRecord
	for rows.Next() {
		var rec core.URLRecord
		if err := rows.Scan(&rec.ID, &rec.ShortCode, &rec.OriginalURL, &rec.Clicks, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan url row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertAllocationRecords audits granted ranges. Re-inserting an already
// audited range is a no-op so sync retries stay idempotent.
func (s *Store) InsertAllocationRecords(ctx context.Context, recs []AllocationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin allocation audit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO id_allocation_records (start_id, end_id, size, source, allocated_at)
			 VALUES ($1,$2,$3,$4,$5) ON CONFLICT DO NOTHING`,
			rec.StartID, rec.EndID, rec.Size, rec.Source, rec.AllocatedAt); err != nil {
			return fmt.Errorf("audit range %d-%d: %w", rec.StartID, rec.EndID, err)
		}
	}
	return tx.Commit()
}

// MaxAllocatedEnd reports the highest audited range end, 0 when none exist.
// The allocator restores its counter from this after losing Redis state.
func (s *Store) MaxAllocatedEnd(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var maxEnd sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(end_id) FROM id_allocation_records`).Scan(&maxEnd)
	if err != nil {
		return 0, fmt.Errorf("max allocated end: %w", err)
	}
	if !maxEnd.Valid {
		return 0, nil
	}
	return maxEnd.Int64, nil
}

// NextSequenceEnd draws the fallback sequence. The returned value is the END
// of the granted range; the caller derives start = end - size + 1.
func (s *Store) NextSequenceEnd(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var end int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('url_id_fallback_seq')`).Scan(&end); err != nil {
		return 0, fmt.Errorf("fallback sequence: %w", err)
	}
	return end, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

var _ core.URLStore = (*Store)(nil)
