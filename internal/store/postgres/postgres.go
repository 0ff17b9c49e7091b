// Package postgres provides the PostgreSQL-backed [store.Store]
// implementation, used when a DSN is configured. The schema is created on
// startup via [Migrate], which is idempotent and safe to run on every
// application start.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trunkline/trunkline/internal/store"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_id       TEXT         PRIMARY KEY,
    stream_id     TEXT         NOT NULL DEFAULT '',
    from_party    TEXT         NOT NULL DEFAULT '',
    to_party      TEXT         NOT NULL DEFAULT '',
    status        TEXT         NOT NULL,
    started_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at      TIMESTAMPTZ,
    end_reason    TEXT         NOT NULL DEFAULT '',
    frames_in     BIGINT       NOT NULL DEFAULT 0,
    frames_out    BIGINT       NOT NULL DEFAULT 0,
    inbound_drops BIGINT       NOT NULL DEFAULT 0,
    codec_errors  BIGINT       NOT NULL DEFAULT 0,
    barge_ins     BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_calls_status
    ON calls (status);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS call_transcripts (
    id       BIGSERIAL    PRIMARY KEY,
    call_id  TEXT         NOT NULL,
    role     TEXT         NOT NULL,
    text     TEXT         NOT NULL,
    at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_transcripts_call_id
    ON call_transcripts (call_id);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS).
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlCalls, ddlTranscripts} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

// Store is the PostgreSQL-backed call store. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn, verifies
// connectivity, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// StartCall implements [store.Store].
func (s *Store) StartCall(ctx context.Context, rec store.CallRecord) error {
	if rec.Status == "" {
		rec.Status = store.StatusActive
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	const q = `
		INSERT INTO calls (call_id, stream_id, from_party, to_party, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (call_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, q,
		rec.CallID, rec.StreamID, rec.From, rec.To, string(rec.Status), rec.StartedAt)
	if err != nil {
		return fmt.Errorf("postgres store: start call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

// EndCall implements [store.Store].
func (s *Store) EndCall(ctx context.Context, callID string, status store.CallStatus, reason string, stats store.Stats) error {
	const q = `
		UPDATE calls
		SET    status = $2, end_reason = $3, ended_at = now(),
		       frames_in = $4, frames_out = $5, inbound_drops = $6,
		       codec_errors = $7, barge_ins = $8
		WHERE  call_id = $1`

	tag, err := s.pool.Exec(ctx, q,
		callID, string(status), reason,
		int64(stats.FramesIn), int64(stats.FramesOut), int64(stats.InboundDrops),
		int64(stats.CodecErrors), int64(stats.BargeIns))
	if err != nil {
		return fmt.Errorf("postgres store: end call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendTranscript implements [store.Store].
func (s *Store) AppendTranscript(ctx context.Context, callID string, entry store.TranscriptEntry) error {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}

	const q = `
		INSERT INTO call_transcripts (call_id, role, text, at)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, callID, entry.Role, entry.Text, entry.At); err != nil {
		return fmt.Errorf("postgres store: append transcript: %w", err)
	}
	return nil
}

// Call implements [store.Store].
func (s *Store) Call(ctx context.Context, callID string) (store.CallRecord, error) {
	const q = selectRecord + `WHERE call_id = $1`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return store.CallRecord{}, fmt.Errorf("postgres store: get call: %w", err)
	}
	rec, err := pgx.CollectOneRow(rows, scanRecord)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CallRecord{}, store.ErrNotFound
		}
		return store.CallRecord{}, fmt.Errorf("postgres store: get call: %w", err)
	}
	return rec, nil
}

// Transcript implements [store.Store].
func (s *Store) Transcript(ctx context.Context, callID string) ([]store.TranscriptEntry, error) {
	const q = `
		SELECT role, text, at
		FROM   call_transcripts
		WHERE  call_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: transcript: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.TranscriptEntry, error) {
		var e store.TranscriptEntry
		err := row.Scan(&e.Role, &e.Text, &e.At)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: transcript: %w", err)
	}
	if entries == nil {
		entries = []store.TranscriptEntry{}
	}
	return entries, nil
}

// ActiveCalls implements [store.Store].
func (s *Store) ActiveCalls(ctx context.Context) ([]store.CallRecord, error) {
	const q = selectRecord + `WHERE status = $1 ORDER BY started_at`

	rows, err := s.pool.Query(ctx, q, string(store.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("postgres store: active calls: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("postgres store: active calls: %w", err)
	}
	return recs, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close implements [store.Store]. It releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const selectRecord = `
	SELECT call_id, stream_id, from_party, to_party, status, started_at,
	       ended_at, end_reason, frames_in, frames_out, inbound_drops,
	       codec_errors, barge_ins
	FROM   calls
`

// scanRecord scans one calls row into a CallRecord.
func scanRecord(row pgx.CollectableRow) (store.CallRecord, error) {
	var (
		rec                          store.CallRecord
		status                       string
		endedAt                      *time.Time
		in, out, drops, codec, barge int64
	)
	if err := row.Scan(
		&rec.CallID, &rec.StreamID, &rec.From, &rec.To, &status, &rec.StartedAt,
		&endedAt, &rec.EndReason, &in, &out, &drops, &codec, &barge,
	); err != nil {
		return store.CallRecord{}, err
	}
	rec.Status = store.CallStatus(status)
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	rec.Stats = store.Stats{
		FramesIn:     uint64(in),
		FramesOut:    uint64(out),
		InboundDrops: uint64(drops),
		CodecErrors:  uint64(codec),
		BargeIns:     uint64(barge),
	}
	return rec, nil
}
