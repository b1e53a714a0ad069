/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

// Package history persists finished calls to Postgres so users can see their
// call log. Recording is best-effort from the calling package; a failed
// insert never affects the call itself.
//
// Expected schema:
//
//	CREATE TABLE call_history (
//	    id               BIGSERIAL PRIMARY KEY,
//	    call_id          TEXT        NOT NULL,
//	    caller_id        TEXT        NOT NULL,
//	    caller_name      TEXT        NOT NULL DEFAULT '',
//	    receiver_id      TEXT        NOT NULL,
//	    receiver_name    TEXT        NOT NULL DEFAULT '',
//	    call_type        TEXT        NOT NULL,
//	    outcome          TEXT        NOT NULL,
//	    duration_seconds INTEGER     NOT NULL DEFAULT 0,
//	    started_at       TIMESTAMPTZ NOT NULL,
//	    ended_at         TIMESTAMPTZ
//	);
//	CREATE INDEX call_history_caller_idx ON call_history (caller_id, started_at DESC);
//	CREATE INDEX call_history_receiver_idx ON call_history (receiver_id, started_at DESC);
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/handylink/callkit-go-sdk/signaling"
)

// Entry is one row of a user's call log.
type Entry struct {
	ID           int64
	CallID       string
	CallerID     string
	CallerName   string
	ReceiverID   string
	ReceiverName string
	Type         signaling.CallType
	Outcome      signaling.CallStatus
	Duration     time.Duration
	StartedAt    time.Time
	EndedAt      *time.Time
}

// PoolConfig controls database/sql pool behavior.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	out := c
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 10
	}
	if out.MaxIdleConns <= 0 {
		out.MaxIdleConns = 5
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// Store is the Postgres-backed call log.
type Store struct {
	db *sql.DB
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres with the pgx stdlib driver, applies pool
// settings, and verifies the connection with a ping. The DSN contains
// credentials and must not be logged.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*Store, error) {
	pool = pool.withDefaults()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pool.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts one finished call. Implements calling.HistoryRecorder.
func (s *Store) Record(ctx context.Context, call *signaling.Call, outcome signaling.CallStatus, duration time.Duration) error {
	const query = `
		INSERT INTO call_history
			(call_id, caller_id, caller_name, receiver_id, receiver_name,
			 call_type, outcome, duration_seconds, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		call.ID, call.CallerID, call.CallerName, call.ReceiverID, call.ReceiverName,
		string(call.Type), string(outcome), int(duration/time.Second),
		call.CreatedAt, call.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}
	return nil
}

// ListForUser returns the most recent calls the user took part in, on either
// side, newest first.
func (s *Store) ListForUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, call_id, caller_id, caller_name, receiver_id, receiver_name,
		       call_type, outcome, duration_seconds, started_at, ended_at
		FROM call_history
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list call history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var callType, outcome string
		var durationSecs int
		if err := rows.Scan(&e.ID, &e.CallID, &e.CallerID, &e.CallerName,
			&e.ReceiverID, &e.ReceiverName, &callType, &outcome,
			&durationSecs, &e.StartedAt, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan call history row: %w", err)
		}
		e.Type = signaling.CallType(callType)
		e.Outcome = signaling.CallStatus(outcome)
		e.Duration = time.Duration(durationSecs) * time.Second
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read call history rows: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
