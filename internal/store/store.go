// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides persisted key-value state shared by the pagebrief
// client and the pagebriefd relay daemon.
//
// Values are single strings keyed by name, with last-write-wins semantics.
// There are no transactions: the rate limiter's request cadence is human-paced,
// so a lost update under- or over-throttles by one slot at worst and never
// corrupts state structurally.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Well-known keys. Every persisted value in pagebrief lives under one of these.
const (
	// KeyAPIKey is the upstream API credential. Only the relay daemon
	// should ever send it upstream; the client stores and forwards it.
	KeyAPIKey = "api_key"

	// KeyOnboardingComplete is set to "1" once first-run setup has finished.
	KeyOnboardingComplete = "onboarding_complete"

	// KeyLastRequestMS is the epoch-millisecond timestamp of the most
	// recently recorded upstream request.
	KeyLastRequestMS = "last_request_ms"

	// KeyBackoffMS is the active retry-backoff duration in milliseconds.
	// Absent when no backoff window is active.
	KeyBackoffMS = "backoff_ms"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store is a SQLite-backed key-value store.
//
// Store is safe for concurrent use within a process, including a Close that
// races an in-flight read; cross-process sharing relies on SQLite's own
// locking plus the last-write-wins contract above.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// DefaultPath returns the default database location, ~/.pagebrief/state.db.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".pagebrief", "state.db"), nil
}

// Open opens (creating if necessary) the state database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	// busy_timeout keeps concurrent client/daemon access from failing with
	// SQLITE_BUSY; WAL lets a reader proceed while the other process writes.
	dsn := "file:" + path + "?_pragma=busy_timeout(1000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle. Safe to call while reads
// are in flight; they finish against sql.DB's own close semantics.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// handle returns the live database handle, or ErrClosed after Close.
func (s *Store) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// Get returns the value for key. The second return reports whether the key
// was present.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	db, err := s.handle()
	if err != nil {
		return "", false, err
	}

	var value string
	err = db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// =============================================================================
// BOUNDED READS
// =============================================================================

// GetBounded reads key but never waits longer than timeout. If the read does
// not resolve in time, or fails, it degrades to ("", false): availability of
// the caller takes priority over a stuck storage layer.
func (s *Store) GetBounded(ctx context.Context, key string, timeout time.Duration) (string, bool) {
	type result struct {
		value string
		ok    bool
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		value, ok, err := s.Get(ctx, key)
		if err != nil {
			ch <- result{}
			return
		}
		ch <- result{value: value, ok: ok}
	}()

	select {
	case r := <-ch:
		return r.value, r.ok
	case <-ctx.Done():
		return "", false
	}
}
