// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-overcache/localstore"
)

// Human readable warnings attached to results.
const (
	WarnCacheUnavailable = "cache unavailable"
	WarnSavedLocally     = "saved locally, will sync when back online"
	WarnModifiedLocally  = "modified locally, will sync when back online"
	WarnDeletedLocally   = "deleted locally, will sync when back online"
)

func staleWarning(lastSyncedAt *time.Time) string {
	if lastSyncedAt == nil {
		return "data may be stale (never synced)"
	}
	return fmt.Sprintf("data may be stale (as of %s)", lastSyncedAt.UTC().Format(time.RFC3339))
}

// QueryOptions narrows a collection read.
type QueryOptions struct {
	TenantID  string
	Filters   map[string]any // equality on top-level fields; nil values ignored
	OrderBy   string
	Ascending bool
	Limit     int
	CacheOnly bool // skip the network even when online
}

// complete reports whether the query reads the whole (collection, tenant) set,
// so its result may replace the cached snapshot.
func (o QueryOptions) complete() bool {
	if o.Limit > 0 {
		return false
	}
	for _, v := range o.Filters {
		if v != nil {
			return false
		}
	}
	return true
}

// Gateway is the single entry point for reads and writes. Reads are
// network-first with cache fallback; writes go to the remote when possible
// and to the mutation queue otherwise.
type Gateway struct {
	store     *localstore.Store
	remote    Remote
	conn      Connectivity
	cols      *Collections
	cfg       *Config
	publisher *StatusPublisher
	metrics   *stageObserver
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Query reads a collection. Remote failures degrade to the cache; only an
// unknown collection is an error.
func (g *Gateway) Query(ctx context.Context, collection string, opts QueryOptions) (Result[[]Record], error) {
	col, err := g.cols.Lookup(collection)
	if err != nil {
		return Result[[]Record]{}, err
	}

	if !opts.CacheOnly && g.conn.Online() {
		res, err := g.queryRemote(ctx, col, opts)
		if err == nil {
			return res, nil
		}
		g.logger.Warn("Remote query failed, serving from cache",
			"collection", col.Name, "tenant_id", opts.TenantID, "error", err)
	}
	return g.queryCache(ctx, col, opts), nil
}

func (g *Gateway) queryRemote(ctx context.Context, col Collection, opts QueryOptions) (Result[[]Record], error) {
	callCtx, cancel := g.callContext(ctx, "", opts.TenantID)
	defer cancel()

	start := g.metrics.start()
	records, err := g.remote.Select(callCtx, col.Name, SelectQuery{
		TenantID:  opts.TenantID,
		Filters:   opts.Filters,
		OrderBy:   opts.OrderBy,
		Ascending: opts.Ascending,
		Limit:     opts.Limit,
	})
	g.metrics.observe(ctx, MetricsOpQuery, MetricsStageQueryRemote, col.Name, start, len(records), 1, err != nil)
	if err != nil {
		return Result[[]Record]{}, err
	}
	if records == nil {
		records = []Record{}
	}

	now := g.now()
	if col.Cacheable {
		start := g.metrics.start()
		err := g.refreshCache(ctx, col, opts, records, now)
		g.metrics.observe(ctx, MetricsOpQuery, MetricsStageRefreshCache, col.Name, start, len(records), 1, err != nil)
		if err != nil {
			g.logger.Warn("Failed to refresh cache", "collection", col.Name, "tenant_id", opts.TenantID, "error", err)
		}
	}
	return Result[[]Record]{Data: records, FromCache: false, LastSyncedAt: &now}, nil
}

// refreshCache stores remote results. A complete read replaces the snapshot
// and stamps the ledger in one transaction; a partial read only upserts the
// records it returned.
func (g *Gateway) refreshCache(ctx context.Context, col Collection, opts QueryOptions, records []Record, now time.Time) error {
	locals := make([]localstore.Record, 0, len(records))
	for _, r := range records {
		if r.ID() == "" {
			continue
		}
		l, err := toLocal(r, opts.TenantID, false)
		if err != nil {
			return err
		}
		l.UpdatedAt = now
		locals = append(locals, l)
	}

	return g.store.InTx(ctx, func(tx *localstore.Tx) error {
		if opts.complete() {
			if err := tx.Records().BulkReplace(ctx, col.Name, opts.TenantID, locals); err != nil {
				return err
			}
			return tx.Ledger().Put(ctx, localstore.SyncMetadata{
				Collection:   col.Name,
				TenantID:     opts.TenantID,
				LastSyncedAt: now,
				RecordCount:  len(locals),
			})
		}
		for _, l := range locals {
			if err := putConfirmed(ctx, tx, col.Name, l); err != nil {
				return err
			}
		}
		return nil
	})
}

// putConfirmed stores an authoritative record unless a local optimistic edit
// of it is still waiting for replay.
func putConfirmed(ctx context.Context, tx *localstore.Tx, collection string, rec localstore.Record) error {
	existing, err := tx.Records().Get(ctx, collection, rec.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Unconfirmed {
		return nil
	}
	return tx.Records().Put(ctx, collection, rec)
}

func (g *Gateway) queryCache(ctx context.Context, col Collection, opts QueryOptions) Result[[]Record] {
	res := Result[[]Record]{Data: []Record{}, FromCache: true}
	if !col.Cacheable {
		res.Warning = WarnCacheUnavailable
		return res
	}

	locals, err := g.store.Records().Query(ctx, col.Name, opts.TenantID)
	if err != nil {
		g.logger.Error("Failed to read cache", "collection", col.Name, "tenant_id", opts.TenantID, "error", err)
		res.Warning = WarnCacheUnavailable
		return res
	}
	records := make([]Record, 0, len(locals))
	for _, l := range locals {
		r, err := fromLocal(l)
		if err != nil {
			g.logger.Warn("Skipping undecodable cached record", "collection", col.Name, "id", l.ID, "error", err)
			continue
		}
		records = append(records, r)
	}
	res.Data = applyQuery(records, opts)

	md, err := g.store.Ledger().Get(ctx, col.Name, opts.TenantID)
	if err != nil {
		g.logger.Warn("Failed to read sync metadata", "collection", col.Name, "tenant_id", opts.TenantID, "error", err)
	}
	if md != nil {
		t := md.LastSyncedAt
		res.LastSyncedAt = &t
	}
	if !g.cols.IsFresh(col.Name, res.LastSyncedAt, g.now()) {
		res.Warning = staleWarning(res.LastSyncedAt)
	}
	return res
}

// GetByID reads one record. Data is nil when the record does not exist.
func (g *Gateway) GetByID(ctx context.Context, collection, id string) (Result[Record], error) {
	col, err := g.cols.Lookup(collection)
	if err != nil {
		return Result[Record]{}, err
	}

	if g.conn.Online() {
		callCtx, cancel := g.callContext(ctx, "", "")
		rec, err := g.remote.Get(callCtx, col.Name, id)
		cancel()
		now := g.now()
		switch {
		case err == nil:
			if col.Cacheable {
				g.storeRecord(ctx, col, rec, now)
			}
			return Result[Record]{Data: rec, FromCache: false, LastSyncedAt: &now}, nil
		case errors.Is(err, ErrRemoteNotFound):
			// Optimistic records exist only locally until replayed
			if cached := g.getCached(ctx, col, id); cached.Data != nil && cached.Data.Unconfirmed() {
				return cached, nil
			}
			return Result[Record]{Data: nil, FromCache: false, LastSyncedAt: &now}, nil
		default:
			g.logger.Warn("Remote get failed, serving from cache", "collection", col.Name, "id", id, "error", err)
		}
	}
	return g.getCached(ctx, col, id), nil
}

func (g *Gateway) storeRecord(ctx context.Context, col Collection, rec Record, now time.Time) {
	if rec.ID() == "" {
		return
	}
	l, err := toLocal(rec, "", false)
	if err != nil {
		g.logger.Warn("Failed to encode record for cache", "collection", col.Name, "id", rec.ID(), "error", err)
		return
	}
	l.UpdatedAt = now
	err = g.store.InTx(ctx, func(tx *localstore.Tx) error {
		return putConfirmed(ctx, tx, col.Name, l)
	})
	if err != nil {
		g.logger.Warn("Failed to cache record", "collection", col.Name, "id", rec.ID(), "error", err)
	}
}

func (g *Gateway) getCached(ctx context.Context, col Collection, id string) Result[Record] {
	res := Result[Record]{FromCache: true}
	if !col.Cacheable {
		res.Warning = WarnCacheUnavailable
		return res
	}
	l, err := g.store.Records().Get(ctx, col.Name, id)
	if err != nil {
		g.logger.Error("Failed to read cache", "collection", col.Name, "id", id, "error", err)
		res.Warning = WarnCacheUnavailable
		return res
	}
	if l == nil {
		return res
	}
	rec, err := fromLocal(*l)
	if err != nil {
		g.logger.Error("Failed to decode cached record", "collection", col.Name, "id", id, "error", err)
		res.Warning = WarnCacheUnavailable
		return res
	}
	res.Data = rec
	if md, err := g.store.Ledger().Get(ctx, col.Name, l.TenantID); err == nil && md != nil {
		t := md.LastSyncedAt
		res.LastSyncedAt = &t
	}
	if !l.Unconfirmed && !g.cols.IsFresh(col.Name, res.LastSyncedAt, g.now()) {
		res.Warning = staleWarning(res.LastSyncedAt)
	}
	return res
}

// Insert creates a record. Offline (or when the remote fails) the record is
// queued and stored optimistically under a local id.
func (g *Gateway) Insert(ctx context.Context, collection string, payload Record, actorID, tenantID string) (Result[Record], error) {
	col, err := g.cols.Lookup(collection)
	if err != nil {
		return Result[Record]{}, err
	}
	// The local id doubles as idempotency key so an online attempt whose
	// response is lost and the queued replay create one remote record.
	localID := g.newID()
	attempted := false

	if g.conn.Online() {
		attempted = true
		callCtx, cancel := g.callContext(ctx, actorID, tenantID)
		rec, err := g.remote.Insert(callCtx, col.Name, payload, WriteOptions{TenantID: tenantID, ActorID: actorID, IdempotencyKey: localID})
		cancel()
		if err == nil {
			now := g.now()
			g.afterRemoteWrite(ctx, col, tenantID, rec, "")
			return Result[Record]{Data: rec, FromCache: false, LastSyncedAt: &now}, nil
		}
		g.logger.Warn("Remote insert failed, queueing", "collection", col.Name, "tenant_id", tenantID, "error", err)
	}

	if !col.Cacheable {
		return Result[Record]{}, notQueueable(col.Name)
	}

	data := wirePayload(payload)
	if col.DraftOnOffline {
		data[FieldStatus] = StatusDraft
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Result[Record]{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	data[FieldID] = localID
	data[FieldTenantID] = tenantID
	local, err := toLocal(data, tenantID, true)
	if err != nil {
		return Result[Record]{}, err
	}

	err = g.store.InTx(ctx, func(tx *localstore.Tx) error {
		if _, err := tx.Queue().Enqueue(ctx, localstore.Entry{
			Collection: col.Name,
			Operation:  localstore.OpInsert,
			RecordID:   localID,
			Payload:    raw,
			TenantID:   tenantID,
			ActorID:    actorID,
			LocalID:    localID,
			Attempted:  attempted,
		}); err != nil {
			return err
		}
		return tx.Records().Put(ctx, col.Name, local)
	})
	if err != nil {
		return Result[Record]{}, cacheUnavailable(err)
	}
	g.logger.Info("Insert queued", "collection", col.Name, "tenant_id", tenantID, "local_id", localID)
	g.publisher.Publish(ctx)

	data[FieldOffline] = true
	return Result[Record]{Data: data, FromCache: true, Warning: WarnSavedLocally}, nil
}

// Update merges payload into record id. Offline the change is queued; an
// update of a record whose insert is queued and was never sent is folded into
// that insert.
func (g *Gateway) Update(ctx context.Context, collection, id string, payload Record, actorID, tenantID string) (Result[Record], error) {
	col, err := g.cols.Lookup(collection)
	if err != nil {
		return Result[Record]{}, err
	}

	if g.conn.Online() {
		callCtx, cancel := g.callContext(ctx, actorID, tenantID)
		rec, err := g.remote.Update(callCtx, col.Name, id, payload, WriteOptions{TenantID: tenantID, ActorID: actorID})
		cancel()
		if err == nil {
			now := g.now()
			g.afterRemoteWrite(ctx, col, tenantID, rec, "")
			return Result[Record]{Data: rec, FromCache: false, LastSyncedAt: &now}, nil
		}
		g.logger.Warn("Remote update failed, queueing", "collection", col.Name, "id", id, "error", err)
	}

	if !col.Cacheable {
		return Result[Record]{}, notQueueable(col.Name)
	}

	patch := wirePayload(payload)
	var merged Record
	err = g.store.InTx(ctx, func(tx *localstore.Tx) error {
		pending, err := tx.Queue().FindPendingInsert(ctx, col.Name, id)
		if err != nil {
			return err
		}
		if pending != nil {
			body, err := decodePayload(pending.Payload)
			if err != nil {
				return err
			}
			for k, v := range patch {
				body[k] = v
			}
			if col.DraftOnOffline {
				body[FieldStatus] = StatusDraft
			}
			raw, err := json.Marshal(body)
			if err != nil {
				return err
			}
			if err := tx.Queue().UpdatePayload(ctx, pending.ID, raw); err != nil {
				return err
			}
		} else {
			raw, err := json.Marshal(patch)
			if err != nil {
				return err
			}
			if _, err := tx.Queue().Enqueue(ctx, localstore.Entry{
				Collection: col.Name,
				Operation:  localstore.OpUpdate,
				RecordID:   id,
				Payload:    raw,
				TenantID:   tenantID,
				ActorID:    actorID,
				LocalID:    g.newID(),
			}); err != nil {
				return err
			}
		}

		existing, err := tx.Records().Get(ctx, col.Name, id)
		if err != nil {
			return err
		}
		if existing == nil {
			merged = patch.Clone()
			merged[FieldID] = id
			merged[FieldTenantID] = tenantID
			return nil
		}
		merged, err = fromLocal(*existing)
		if err != nil {
			return err
		}
		for k, v := range patch {
			merged[k] = v
		}
		if pending != nil && col.DraftOnOffline {
			merged[FieldStatus] = StatusDraft
		}
		local, err := toLocal(merged, existing.TenantID, true)
		if err != nil {
			return err
		}
		return tx.Records().Put(ctx, col.Name, local)
	})
	if err != nil {
		return Result[Record]{}, cacheUnavailable(err)
	}
	g.logger.Info("Update queued", "collection", col.Name, "tenant_id", tenantID, "id", id)
	g.publisher.Publish(ctx)

	merged[FieldOffline] = true
	return Result[Record]{Data: merged, FromCache: true, Warning: WarnModifiedLocally}, nil
}

// Delete removes record id. Deleting a record whose insert is queued and was
// never sent cancels the insert.
func (g *Gateway) Delete(ctx context.Context, collection, id, actorID, tenantID string) (Result[Record], error) {
	col, err := g.cols.Lookup(collection)
	if err != nil {
		return Result[Record]{}, err
	}

	if g.conn.Online() {
		callCtx, cancel := g.callContext(ctx, actorID, tenantID)
		err := g.remote.Delete(callCtx, col.Name, id, WriteOptions{TenantID: tenantID, ActorID: actorID})
		cancel()
		if err == nil {
			now := g.now()
			g.afterRemoteWrite(ctx, col, tenantID, nil, id)
			return Result[Record]{Data: Record{FieldID: id}, FromCache: false, LastSyncedAt: &now}, nil
		}
		g.logger.Warn("Remote delete failed, queueing", "collection", col.Name, "id", id, "error", err)
	}

	if !col.Cacheable {
		return Result[Record]{}, notQueueable(col.Name)
	}

	err = g.store.InTx(ctx, func(tx *localstore.Tx) error {
		pending, err := tx.Queue().FindPendingInsert(ctx, col.Name, id)
		if err != nil {
			return err
		}
		if pending != nil {
			if err := tx.Queue().Remove(ctx, pending.ID); err != nil {
				return err
			}
		} else if _, err := tx.Queue().Enqueue(ctx, localstore.Entry{
			Collection: col.Name,
			Operation:  localstore.OpDelete,
			RecordID:   id,
			TenantID:   tenantID,
			ActorID:    actorID,
			LocalID:    g.newID(),
		}); err != nil {
			return err
		}
		return tx.Records().Delete(ctx, col.Name, id)
	})
	if err != nil {
		return Result[Record]{}, cacheUnavailable(err)
	}
	g.logger.Info("Delete queued", "collection", col.Name, "tenant_id", tenantID, "id", id)
	g.publisher.Publish(ctx)

	return Result[Record]{Data: Record{FieldID: id}, FromCache: true, Warning: WarnDeletedLocally}, nil
}

// afterRemoteWrite invalidates the snapshot of (collection, tenant) and keeps
// the single-record cache in step with the remote.
func (g *Gateway) afterRemoteWrite(ctx context.Context, col Collection, tenantID string, rec Record, deletedID string) {
	if col.Cacheable {
		err := g.store.InTx(ctx, func(tx *localstore.Tx) error {
			if err := tx.Ledger().Delete(ctx, col.Name, tenantID); err != nil {
				return err
			}
			if deletedID != "" {
				return tx.Records().Delete(ctx, col.Name, deletedID)
			}
			if rec == nil || rec.ID() == "" {
				return nil
			}
			l, err := toLocal(rec, tenantID, false)
			if err != nil {
				return err
			}
			return putConfirmed(ctx, tx, col.Name, l)
		})
		if err != nil {
			g.logger.Warn("Failed to update cache after remote write", "collection", col.Name, "tenant_id", tenantID, "error", err)
		}
	}
	g.publisher.Publish(ctx)
}

// LastSyncTime returns when (collection, tenant) was last refreshed, or nil.
func (g *Gateway) LastSyncTime(ctx context.Context, collection, tenantID string) (*time.Time, error) {
	if _, err := g.cols.Lookup(collection); err != nil {
		return nil, err
	}
	md, err := g.store.Ledger().Get(ctx, collection, tenantID)
	if err != nil {
		return nil, cacheUnavailable(err)
	}
	if md == nil {
		return nil, nil
	}
	t := md.LastSyncedAt
	return &t, nil
}

// InvalidateCache forces the next read of (collection, tenant) to be treated
// as stale.
func (g *Gateway) InvalidateCache(ctx context.Context, collection, tenantID string) error {
	if _, err := g.cols.Lookup(collection); err != nil {
		return err
	}
	if err := g.store.Ledger().Delete(ctx, collection, tenantID); err != nil {
		return cacheUnavailable(err)
	}
	return nil
}

func (g *Gateway) callContext(ctx context.Context, actorID, tenantID string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(withCallScope(ctx, actorID, tenantID), g.cfg.RemoteTimeout)
}
