// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package localstore provides the on-device SQLite storage used by overcache:
// one record table per cacheable collection, the sync metadata ledger and the
// durable mutation queue. All three share one transaction boundary.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrClosed is returned by every operation once the store has been closed.
var ErrClosed = errors.New("localstore: store is closed")

var collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Collection declares a cacheable collection known at startup.
type Collection struct {
	Name     string // e.g. "invoices"
	Unscoped bool   // records are shared across tenants (e.g. "companies")
}

// Options configures Open/OpenDB.
type Options struct {
	Collections []Collection
	BusyTimeout time.Duration    // default 5s
	Now         func() time.Time // default time.Now
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store owns the SQLite handle and the set of declared collections.
type Store struct {
	db          *sql.DB
	collections map[string]Collection
	now         func() time.Time
	ownsDB      bool
	closed      atomic.Bool
}

// Open opens (or creates) the SQLite database at path and prepares the schema.
// Use ":memory:" for a throwaway store; it is limited to a single connection.
func Open(path string, opts Options) (*Store, error) {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	dsn := path
	if path != ":memory:" {
		params := url.Values{}
		params.Set("_journal_mode", "WAL")
		params.Set("_synchronous", "FULL")
		params.Set("_busy_timeout", fmt.Sprintf("%d", busy.Milliseconds()))
		params.Set("_foreign_keys", "on")
		params.Set("_txlock", "immediate")
		dsn = "file:" + path + "?" + params.Encode()
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s, err := OpenDB(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// OpenDB prepares the schema on an already opened handle. The caller keeps
// ownership of db; Close will not close it.
func OpenDB(db *sql.DB, opts Options) (*Store, error) {
	s := &Store{
		db:          db,
		collections: make(map[string]Collection, len(opts.Collections)),
		now:         opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, c := range opts.Collections {
		if !collectionNameRe.MatchString(c.Name) {
			return nil, fmt.Errorf("invalid collection name %q", c.Name)
		}
		s.collections[c.Name] = c
	}

	if err := s.initializeDatabase(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

// initializeDatabase creates the ledger, queue and per-collection tables.
func (s *Store) initializeDatabase(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _sync_metadata (
			collection     TEXT    NOT NULL,
			tenant_id      TEXT    NOT NULL,
			last_synced_at INTEGER NOT NULL, -- unix nanoseconds
			record_count   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (collection, tenant_id)
		)`,

		`CREATE TABLE IF NOT EXISTS _sync_queue (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			collection      TEXT    NOT NULL,
			operation       TEXT    NOT NULL CHECK (operation IN ('insert','update','delete')),
			record_id       TEXT    NOT NULL,
			payload         TEXT,
			tenant_id       TEXT    NOT NULL,
			actor_id        TEXT    NOT NULL,
			status          TEXT    NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','syncing','failed')),
			created_at      INTEGER NOT NULL, -- unix nanoseconds
			retries         INTEGER NOT NULL DEFAULT 0,
			local_id        TEXT    NOT NULL,
			error           TEXT,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			attempted       INTEGER NOT NULL DEFAULT 0 -- set once the entry may have reached the remote
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status_created ON _sync_queue (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_tenant ON _sync_queue (tenant_id, status, created_at, id)`,
	}

	for name := range s.collections {
		table := tableName(name)
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
				id          TEXT    PRIMARY KEY,
				tenant_id   TEXT    NOT NULL,
				payload     TEXT    NOT NULL,
				unconfirmed INTEGER NOT NULL DEFAULT 0,
				updated_at  INTEGER NOT NULL
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (tenant_id)`, "idx_"+table+"_tenant", table),
		)
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// Close releases the handle if the store opened it. Safe to call twice.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Has reports whether collection was declared at Open.
func (s *Store) Has(collection string) bool {
	_, ok := s.collections[collection]
	return ok
}

// Records returns the record tables bound to the store handle.
func (s *Store) Records() *Records { return &Records{s: s, q: s.db} }

// Ledger returns the sync metadata ledger bound to the store handle.
func (s *Store) Ledger() *Ledger { return &Ledger{s: s, q: s.db} }

// Queue returns the mutation queue bound to the store handle.
func (s *Store) Queue() *Queue { return &Queue{s: s, q: s.db} }

// Tx is a storage transaction spanning records, ledger and queue.
type Tx struct {
	s  *Store
	tx *sql.Tx
}

// Records returns the record tables bound to this transaction.
func (t *Tx) Records() *Records { return &Records{s: t.s, q: t.tx, inTx: true} }

// Ledger returns the ledger bound to this transaction.
func (t *Tx) Ledger() *Ledger { return &Ledger{s: t.s, q: t.tx} }

// Queue returns the queue bound to this transaction.
func (t *Tx) Queue() *Queue { return &Queue{s: t.s, q: t.tx} }

// InTx runs fn in a single SQLite transaction. The transaction commits only if
// fn returns nil; a commit returning nil means the writes are durable.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback() // no-op after commit

	if err := fn(&Tx{s: s, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) checkClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func tableName(collection string) string {
	return "cache_" + strings.ToLower(collection)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
