// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is a cached copy of a remote record. Payload is the full JSON document
// as returned by the remote (or as written optimistically while offline).
type Record struct {
	ID          string
	TenantID    string
	Payload     json.RawMessage
	Unconfirmed bool // optimistic local write not yet acknowledged by the remote
	UpdatedAt   time.Time
}

// Records reads and writes the per-collection record tables.
// Operations on undeclared collections are no-ops that return empty results.
type Records struct {
	s    *Store
	q    querier
	inTx bool
}

// Get returns the record with id, or nil if it is not cached.
func (r *Records) Get(ctx context.Context, collection, id string) (*Record, error) {
	if err := r.s.checkClosed(); err != nil {
		return nil, err
	}
	if !r.s.Has(collection) {
		return nil, nil
	}

	var (
		rec         Record
		payload     string
		unconfirmed int
		updatedAt   int64
	)
	err := r.q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, tenant_id, payload, unconfirmed, updated_at FROM %q WHERE id = ?`, tableName(collection)),
		id,
	).Scan(&rec.ID, &rec.TenantID, &payload, &unconfirmed, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	rec.Payload = json.RawMessage(payload)
	rec.Unconfirmed = unconfirmed != 0
	rec.UpdatedAt = fromNanos(updatedAt)
	return &rec, nil
}

// Query returns all cached records of collection for tenantID. For unscoped
// collections tenantID is ignored. Order is by id for determinism.
func (r *Records) Query(ctx context.Context, collection, tenantID string) ([]Record, error) {
	if err := r.s.checkClosed(); err != nil {
		return nil, err
	}
	c, ok := r.s.collections[collection]
	if !ok {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT id, tenant_id, payload, unconfirmed, updated_at FROM %q`, tableName(collection))
	var args []any
	if !c.Unscoped {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY id`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec         Record
			payload     string
			unconfirmed int
			updatedAt   int64
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &payload, &unconfirmed, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", collection, err)
		}
		rec.Payload = json.RawMessage(payload)
		rec.Unconfirmed = unconfirmed != 0
		rec.UpdatedAt = fromNanos(updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Put inserts or replaces a single record.
func (r *Records) Put(ctx context.Context, collection string, rec Record) error {
	if err := r.s.checkClosed(); err != nil {
		return err
	}
	if !r.s.Has(collection) {
		return nil
	}
	return r.put(ctx, collection, rec, "INSERT OR REPLACE")
}

func (r *Records) put(ctx context.Context, collection string, rec Record, verb string) error {
	if rec.ID == "" {
		return fmt.Errorf("record in %s has no id", collection)
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.s.now()
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	unconfirmed := 0
	if rec.Unconfirmed {
		unconfirmed = 1
	}
	_, err := r.q.ExecContext(ctx,
		fmt.Sprintf(`%s INTO %q (id, tenant_id, payload, unconfirmed, updated_at) VALUES (?, ?, ?, ?, ?)`, verb, tableName(collection)),
		rec.ID, rec.TenantID, string(payload), unconfirmed, toNanos(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store %s/%s: %w", collection, rec.ID, err)
	}
	return nil
}

// BulkReplace atomically swaps the confirmed snapshot of collection for
// tenantID with recs. Unconfirmed (optimistic) rows survive the swap and win
// over a remote row with the same id until their queue entry is replayed.
func (r *Records) BulkReplace(ctx context.Context, collection, tenantID string, recs []Record) error {
	if err := r.s.checkClosed(); err != nil {
		return err
	}
	c, ok := r.s.collections[collection]
	if !ok {
		return nil
	}
	if !r.inTx {
		return r.s.InTx(ctx, func(tx *Tx) error {
			return tx.Records().BulkReplace(ctx, collection, tenantID, recs)
		})
	}

	query := fmt.Sprintf(`DELETE FROM %q WHERE unconfirmed = 0`, tableName(collection))
	var args []any
	if !c.Unscoped {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear %s for tenant %s: %w", collection, tenantID, err)
	}

	for _, rec := range recs {
		rec.Unconfirmed = false
		if rec.TenantID == "" {
			rec.TenantID = tenantID
		}
		if err := r.put(ctx, collection, rec, "INSERT OR IGNORE"); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a single record. Missing records are not an error.
func (r *Records) Delete(ctx context.Context, collection, id string) error {
	if err := r.s.checkClosed(); err != nil {
		return err
	}
	if !r.s.Has(collection) {
		return nil
	}
	if _, err := r.q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, tableName(collection)), id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Clear removes every cached record of collection for tenantID.
func (r *Records) Clear(ctx context.Context, collection, tenantID string) error {
	if err := r.s.checkClosed(); err != nil {
		return err
	}
	c, ok := r.s.collections[collection]
	if !ok {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %q`, tableName(collection))
	var args []any
	if !c.Unscoped {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear %s: %w", collection, err)
	}
	return nil
}
