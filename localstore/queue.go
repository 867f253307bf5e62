// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of queued mutation.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// EntryStatus is the replay state of a queue entry.
type EntryStatus string

const (
	StatusPending EntryStatus = "pending"
	StatusSyncing EntryStatus = "syncing"
	StatusFailed  EntryStatus = "failed"
)

var (
	ErrEntryNotFound   = errors.New("localstore: queue entry not found")
	ErrEntryNotPending = errors.New("localstore: queue entry is not pending")
)

// Entry is one durable mutation awaiting replay.
type Entry struct {
	ID            int64
	Collection    string
	Operation     Operation
	RecordID      string // target record; equals LocalID for inserts
	Payload       json.RawMessage
	TenantID      string
	ActorID       string
	Status        EntryStatus
	CreatedAt     time.Time
	Retries       int
	LocalID       string // client-generated uuid, also the insert idempotency key
	Error         string
	NextAttemptAt time.Time
	// Attempted is set once the entry may have reached the remote. Such an
	// entry is never rewritten or cancelled in place.
	Attempted     bool
}

// Counts summarizes queue entries by status.
type Counts struct {
	Pending int
	Syncing int
	Failed  int
}

// Queue is the durable mutation queue.
type Queue struct {
	s *Store
	q querier
}

const entryColumns = `id, collection, operation, record_id, payload, tenant_id, actor_id,
	status, created_at, retries, local_id, error, next_attempt_at, attempted`

func scanEntry(sc interface{ Scan(...any) error }) (Entry, error) {
	var (
		e         Entry
		op        string
		status    string
		payload   sql.NullString
		errMsg    sql.NullString
		createdAt int64
		nextAt    int64
		attempted int
	)
	if err := sc.Scan(&e.ID, &e.Collection, &op, &e.RecordID, &payload, &e.TenantID, &e.ActorID,
		&status, &createdAt, &e.Retries, &e.LocalID, &errMsg, &nextAt, &attempted); err != nil {
		return Entry{}, err
	}
	e.Operation = Operation(op)
	e.Status = EntryStatus(status)
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	e.Error = errMsg.String
	e.CreatedAt = fromNanos(createdAt)
	e.NextAttemptAt = fromNanos(nextAt)
	e.Attempted = attempted != 0
	return e, nil
}

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]Entry, error) {
	if err := q.s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Enqueue durably appends a pending entry and returns its id. Status and
// retries are reset; CreatedAt defaults to now. Attempted is kept so a write
// that already went out once is queued as such.
func (q *Queue) Enqueue(ctx context.Context, e Entry) (int64, error) {
	if err := q.s.checkClosed(); err != nil {
		return 0, err
	}
	switch e.Operation {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return 0, fmt.Errorf("unsupported queue operation %q", e.Operation)
	}
	if e.LocalID == "" {
		return 0, fmt.Errorf("queue entry for %s has no local id", e.Collection)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = q.s.now()
	}
	var payload any
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	attempted := 0
	if e.Attempted {
		attempted = 1
	}

	res, err := q.q.ExecContext(ctx, `
		INSERT INTO _sync_queue (collection, operation, record_id, payload, tenant_id, actor_id,
			status, created_at, retries, local_id, next_attempt_at, attempted)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, 0, ?, 0, ?)`,
		e.Collection, string(e.Operation), e.RecordID, payload, e.TenantID, e.ActorID,
		toNanos(e.CreatedAt), e.LocalID, attempted,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s %s: %w", e.Operation, e.Collection, err)
	}
	return res.LastInsertId()
}

// Get returns a single entry.
func (q *Queue) Get(ctx context.Context, id int64) (*Entry, error) {
	if err := q.s.checkClosed(); err != nil {
		return nil, err
	}
	e, err := scanEntry(q.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM _sync_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue entry %d: %w", id, err)
	}
	return &e, nil
}

// ListPending returns pending entries of a tenant ordered by (created_at, id).
// An empty tenantID lists every tenant.
func (q *Queue) ListPending(ctx context.Context, tenantID string) ([]Entry, error) {
	return q.listByStatus(ctx, StatusPending, tenantID)
}

// ListFailed returns terminally failed entries; an empty tenantID lists all.
func (q *Queue) ListFailed(ctx context.Context, tenantID string) ([]Entry, error) {
	return q.listByStatus(ctx, StatusFailed, tenantID)
}

func (q *Queue) listByStatus(ctx context.Context, status EntryStatus, tenantID string) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM _sync_queue WHERE status = ?`
	args := []any{string(status)}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at, id`
	return q.list(ctx, query, args...)
}

// PendingTenants returns tenants with pending entries, oldest first.
func (q *Queue) PendingTenants(ctx context.Context) ([]string, error) {
	if err := q.s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT tenant_id FROM _sync_queue
		WHERE status = 'pending'
		GROUP BY tenant_id
		ORDER BY MIN(created_at), MIN(id)`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkSyncing moves a pending entry to syncing and marks it attempted. It
// fails with ErrEntryNotPending when the entry was concurrently changed or
// removed.
func (q *Queue) MarkSyncing(ctx context.Context, id int64) error {
	return q.transition(ctx, id, `UPDATE _sync_queue SET status = 'syncing', attempted = 1 WHERE id = ? AND status = 'pending'`, id)
}

// Release returns a syncing entry to pending without consuming a retry.
func (q *Queue) Release(ctx context.Context, id int64) error {
	return q.transition(ctx, id, `UPDATE _sync_queue SET status = 'pending' WHERE id = ? AND status = 'syncing'`, id)
}

// RecordFailure charges one attempt against a syncing entry. The entry goes
// back to pending with nextAttemptAt, or to failed once retries reaches
// maxRetries. It returns the resulting status and retry count.
func (q *Queue) RecordFailure(ctx context.Context, id int64, cause string, maxRetries int, nextAttemptAt time.Time) (EntryStatus, int, error) {
	if err := q.s.checkClosed(); err != nil {
		return "", 0, err
	}
	row := q.q.QueryRowContext(ctx, `
		UPDATE _sync_queue SET
			retries         = retries + 1,
			status          = CASE WHEN retries + 1 >= ? THEN 'failed' ELSE 'pending' END,
			error           = ?,
			next_attempt_at = ?
		WHERE id = ? AND status = 'syncing'
		RETURNING status, retries`,
		maxRetries, cause, toNanos(nextAttemptAt), id,
	)
	var (
		status  string
		retries int
	)
	if err := row.Scan(&status, &retries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, q.missingOrNotPending(ctx, id)
		}
		return "", 0, fmt.Errorf("failed to record failure for queue entry %d: %w", id, err)
	}
	return EntryStatus(status), retries, nil
}

// MarkFailed moves an entry straight to failed, charging one attempt.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause string) error {
	return q.transition(ctx, id,
		`UPDATE _sync_queue SET status = 'failed', retries = retries + 1, error = ? WHERE id = ? AND status != 'failed'`,
		cause, id)
}

// Remove deletes an entry. Removing a missing entry is not an error.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if err := q.s.checkClosed(); err != nil {
		return err
	}
	if _, err := q.q.ExecContext(ctx, `DELETE FROM _sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove queue entry %d: %w", id, err)
	}
	return nil
}

// Requeue resets a failed entry to pending with a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, id int64) error {
	return q.transition(ctx, id, `
		UPDATE _sync_queue SET status = 'pending', retries = 0, error = NULL, next_attempt_at = 0
		WHERE id = ? AND status = 'failed'`, id)
}

// RequeueFailed resets every failed entry (of tenantID, or all when empty)
// and returns how many were reset.
func (q *Queue) RequeueFailed(ctx context.Context, tenantID string) (int, error) {
	if err := q.s.checkClosed(); err != nil {
		return 0, err
	}
	query := `UPDATE _sync_queue SET status = 'pending', retries = 0, error = NULL, next_attempt_at = 0
		WHERE status = 'failed'`
	var args []any
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetSyncing returns entries left in syncing by an interrupted process to
// pending. Call once at startup.
func (q *Queue) ResetSyncing(ctx context.Context) (int, error) {
	if err := q.s.checkClosed(); err != nil {
		return 0, err
	}
	res, err := q.q.ExecContext(ctx, `UPDATE _sync_queue SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset syncing entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Counts returns entry counts by status; an empty tenantID counts all.
func (q *Queue) Counts(ctx context.Context, tenantID string) (Counts, error) {
	if err := q.s.checkClosed(); err != nil {
		return Counts{}, err
	}
	query := `SELECT status, COUNT(*) FROM _sync_queue`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY status`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count queue entries: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		switch EntryStatus(status) {
		case StatusPending:
			c.Pending = n
		case StatusSyncing:
			c.Syncing = n
		case StatusFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// FindPendingInsert returns the pending insert entry whose local id is
// localID and that was never sent, or nil. Only such an entry may be
// rewritten or cancelled in place.
func (q *Queue) FindPendingInsert(ctx context.Context, collection, localID string) (*Entry, error) {
	entries, err := q.list(ctx,
		`SELECT `+entryColumns+` FROM _sync_queue
		 WHERE collection = ? AND local_id = ? AND operation = 'insert' AND status = 'pending' AND attempted = 0
		 LIMIT 1`,
		collection, localID)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// HasOutstanding reports whether any pending or syncing entry targets recordID.
func (q *Queue) HasOutstanding(ctx context.Context, collection, recordID string) (bool, error) {
	if err := q.s.checkClosed(); err != nil {
		return false, err
	}
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _sync_queue WHERE collection = ? AND record_id = ? AND status IN ('pending','syncing')`,
		collection, recordID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to inspect sync queue: %w", err)
	}
	return n > 0, nil
}

// UpdatePayload replaces the payload of a pending entry.
func (q *Queue) UpdatePayload(ctx context.Context, id int64, payload json.RawMessage) error {
	return q.transition(ctx, id, `UPDATE _sync_queue SET payload = ? WHERE id = ? AND status = 'pending'`, string(payload), id)
}

// RemapRecordID points not-yet-replayed entries that target a local id at the
// id assigned by the remote.
func (q *Queue) RemapRecordID(ctx context.Context, collection, tenantID, from, to string) error {
	if err := q.s.checkClosed(); err != nil {
		return err
	}
	if from == to || strings.TrimSpace(to) == "" {
		return nil
	}
	_, err := q.q.ExecContext(ctx, `
		UPDATE _sync_queue SET record_id = ?
		WHERE collection = ? AND tenant_id = ? AND record_id = ? AND status IN ('pending','failed')`,
		to, collection, tenantID, from)
	if err != nil {
		return fmt.Errorf("failed to remap queued record id %s: %w", from, err)
	}
	return nil
}

func (q *Queue) transition(ctx context.Context, id int64, query string, args ...any) error {
	if err := q.s.checkClosed(); err != nil {
		return err
	}
	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update queue entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.missingOrNotPending(ctx, id)
	}
	return nil
}

func (q *Queue) missingOrNotPending(ctx context.Context, id int64) error {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_queue WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("failed to inspect queue entry %d: %w", id, err)
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return ErrEntryNotPending
}
