// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncMetadata records when a collection snapshot for a tenant was last
// refreshed from the remote.
type SyncMetadata struct {
	Collection   string
	TenantID     string
	LastSyncedAt time.Time
	RecordCount  int
}

// Ledger is the per (collection, tenant) sync metadata table.
type Ledger struct {
	s *Store
	q querier
}

// Get returns the metadata entry, or nil when the pair was never synced or
// has been invalidated.
func (l *Ledger) Get(ctx context.Context, collection, tenantID string) (*SyncMetadata, error) {
	if err := l.s.checkClosed(); err != nil {
		return nil, err
	}
	md := SyncMetadata{Collection: collection, TenantID: tenantID}
	var last int64
	err := l.q.QueryRowContext(ctx,
		`SELECT last_synced_at, record_count FROM _sync_metadata WHERE collection = ? AND tenant_id = ?`,
		collection, tenantID,
	).Scan(&last, &md.RecordCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync metadata for %s: %w", collection, err)
	}
	md.LastSyncedAt = fromNanos(last)
	return &md, nil
}

// Put upserts a metadata entry.
func (l *Ledger) Put(ctx context.Context, md SyncMetadata) error {
	if err := l.s.checkClosed(); err != nil {
		return err
	}
	_, err := l.q.ExecContext(ctx, `
		INSERT INTO _sync_metadata (collection, tenant_id, last_synced_at, record_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, tenant_id) DO UPDATE SET
			last_synced_at = excluded.last_synced_at,
			record_count   = excluded.record_count`,
		md.Collection, md.TenantID, toNanos(md.LastSyncedAt), md.RecordCount,
	)
	if err != nil {
		return fmt.Errorf("failed to store sync metadata for %s: %w", md.Collection, err)
	}
	return nil
}

// Delete invalidates the metadata entry so the next read treats the cache as stale.
func (l *Ledger) Delete(ctx context.Context, collection, tenantID string) error {
	if err := l.s.checkClosed(); err != nil {
		return err
	}
	if _, err := l.q.ExecContext(ctx,
		`DELETE FROM _sync_metadata WHERE collection = ? AND tenant_id = ?`, collection, tenantID,
	); err != nil {
		return fmt.Errorf("failed to invalidate sync metadata for %s: %w", collection, err)
	}
	return nil
}

// DeleteAllForTenant invalidates every metadata entry of a tenant.
func (l *Ledger) DeleteAllForTenant(ctx context.Context, tenantID string) error {
	if err := l.s.checkClosed(); err != nil {
		return err
	}
	if _, err := l.q.ExecContext(ctx, `DELETE FROM _sync_metadata WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("failed to invalidate sync metadata for tenant %s: %w", tenantID, err)
	}
	return nil
}

// Latest returns the most recent last_synced_at across all entries, or the
// zero time when nothing was ever synced.
func (l *Ledger) Latest(ctx context.Context) (time.Time, error) {
	if err := l.s.checkClosed(); err != nil {
		return time.Time{}, err
	}
	var last sql.NullInt64
	if err := l.q.QueryRowContext(ctx, `SELECT MAX(last_synced_at) FROM _sync_metadata`).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("failed to read sync metadata: %w", err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return fromNanos(last.Int64), nil
}
