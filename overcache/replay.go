// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/mobiletoly/go-overcache/localstore"
)

// SyncReport summarizes one replay pass.
type SyncReport struct {
	Synced  int `json:"synced"`  // entries applied remotely and removed
	Failed  int `json:"failed"`  // entries that became terminally failed in this pass
	Pending int `json:"pending"` // entries still waiting for a later pass
}

// Replayer drains the mutation queue against the remote. At most one pass
// runs at a time; entries of a tenant are replayed in creation order.
type Replayer struct {
	store     *localstore.Store
	remote    Remote
	conn      Connectivity
	cols      *Collections
	cfg       *Config
	state     *runState
	publisher *StatusPublisher
	metrics   *stageObserver
	logger    *slog.Logger
	now       func() time.Time
}

// SyncAll replays every pending entry, ignoring retry backoff.
func (r *Replayer) SyncAll(ctx context.Context) (SyncReport, error) {
	return r.run(ctx, false)
}

// Trigger replays entries whose backoff has elapsed. Used by the scheduler
// and on connectivity regained.
func (r *Replayer) Trigger(ctx context.Context) (SyncReport, error) {
	return r.run(ctx, true)
}

// RetryFailed gives every failed entry a fresh retry budget and replays.
func (r *Replayer) RetryFailed(ctx context.Context) (SyncReport, error) {
	n, err := r.store.Queue().RequeueFailed(ctx, "")
	if err != nil {
		return SyncReport{}, cacheUnavailable(err)
	}
	if n > 0 {
		r.logger.Info("Requeued failed entries", "count", n)
	}
	return r.SyncAll(ctx)
}

func (r *Replayer) queueReport(ctx context.Context) (SyncReport, error) {
	counts, err := r.store.Queue().Counts(ctx, "")
	if err != nil {
		return SyncReport{}, cacheUnavailable(err)
	}
	return SyncReport{Pending: counts.Pending + counts.Syncing}, nil
}

func (r *Replayer) run(ctx context.Context, respectBackoff bool) (SyncReport, error) {
	if !r.conn.Online() {
		r.logger.Debug("Offline, skipping replay")
		return r.queueReport(ctx)
	}
	if !r.state.syncing.CompareAndSwap(false, true) {
		r.logger.Debug("Replay already running")
		return r.queueReport(ctx)
	}
	report, err := r.exclusivePass(ctx, respectBackoff)
	r.publisher.Publish(context.WithoutCancel(ctx))

	if report.Synced+report.Failed > 0 || err != nil {
		r.logger.Info("Replay finished",
			"synced", report.Synced, "failed", report.Failed, "pending", report.Pending, "error", err)
	}
	return report, err
}

// exclusivePass runs one pass while holding the syncing flag. The flag is
// cleared even when a Remote panics.
func (r *Replayer) exclusivePass(ctx context.Context, respectBackoff bool) (SyncReport, error) {
	defer r.state.syncing.Store(false)
	r.publisher.Publish(ctx)

	start := r.metrics.start()
	report, err := r.pass(ctx, respectBackoff)
	r.metrics.observe(ctx, MetricsOpReplay, MetricsStageReplayPass, "", start, report.Synced+report.Failed, 1, err != nil)

	now := r.now()
	r.state.lastSyncAt.Store(&now)
	return report, err
}

func (r *Replayer) pass(ctx context.Context, respectBackoff bool) (SyncReport, error) {
	var report SyncReport
	q := r.store.Queue()

	tenants, err := q.PendingTenants(ctx)
	if err != nil {
		return report, cacheUnavailable(err)
	}

	for ti, tenant := range tenants {
		entries, err := q.ListPending(ctx, tenant)
		if err != nil {
			return report, cacheUnavailable(err)
		}
		if tenant == "" {
			// ListPending("") spans every tenant
			entries = slices.DeleteFunc(entries, func(e localstore.Entry) bool { return e.TenantID != "" })
		}

		// Later entries for a record whose earlier entry did not go through
		// wait for the next pass.
		blocked := map[string]bool{}
		for i, e := range entries {
			if ctx.Err() != nil {
				report.Pending += len(entries) - i + r.countRemaining(ctx, tenants[ti+1:])
				return report, ctx.Err()
			}
			key := e.Collection + "/" + e.RecordID
			if blocked[key] {
				report.Pending++
				continue
			}
			if respectBackoff && e.NextAttemptAt.After(r.now()) {
				report.Pending += len(entries) - i
				break
			}

			outcome, err := r.replayEntry(ctx, e)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					report.Pending += len(entries) - i + r.countRemaining(ctx, tenants[ti+1:])
				}
				return report, err
			}
			switch outcome {
			case outcomeSynced:
				report.Synced++
			case outcomeFailed:
				report.Failed++
				blocked[key] = true
			case outcomeRetry:
				report.Pending++
				blocked[key] = true
			}
		}
	}
	return report, nil
}

func (r *Replayer) countRemaining(ctx context.Context, tenants []string) int {
	n := 0
	for _, t := range tenants {
		c, err := r.store.Queue().Counts(context.WithoutCancel(ctx), t)
		if err == nil {
			n += c.Pending
		}
	}
	return n
}

type replayOutcome int

const (
	outcomeSkipped replayOutcome = iota
	outcomeSynced
	outcomeRetry
	outcomeFailed
)

// replayEntry sends one entry. The returned error is non-nil only when the
// pass must stop: the context was cancelled or the store failed.
func (r *Replayer) replayEntry(ctx context.Context, e localstore.Entry) (replayOutcome, error) {
	q := r.store.Queue()
	if err := q.MarkSyncing(ctx, e.ID); err != nil {
		if errors.Is(err, localstore.ErrEntryNotPending) || errors.Is(err, localstore.ErrEntryNotFound) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, cacheUnavailable(err)
	}
	// Bookkeeping after the remote call must land even if ctx is cancelled
	bctx := context.WithoutCancel(ctx)

	// An earlier insert of this pass may have remapped the record id
	fresh, err := q.Get(ctx, e.ID)
	if err != nil {
		if rerr := q.Release(bctx, e.ID); rerr != nil {
			r.logger.Error("Failed to release queue entry", "entry", e.ID, "error", rerr)
		}
		return outcomeSkipped, cacheUnavailable(err)
	}
	e = *fresh

	if _, err := r.cols.Lookup(e.Collection); err != nil {
		if err := q.MarkFailed(bctx, e.ID, err.Error()); err != nil {
			return outcomeSkipped, cacheUnavailable(err)
		}
		r.logger.Error("Queued entry targets unknown collection", "entry", e.ID, "collection", e.Collection)
		return outcomeFailed, nil
	}

	start := r.metrics.start()
	rec, err := r.send(ctx, e)
	r.metrics.observe(ctx, MetricsOpReplay, MetricsStageReplayEntry, e.Collection, start, 1, e.Retries+1, err != nil)

	if err == nil {
		if err := r.applySuccess(bctx, e, rec); err != nil {
			// Resending is idempotent
			if rerr := q.Release(bctx, e.ID); rerr != nil {
				r.logger.Error("Failed to release queue entry", "entry", e.ID, "error", rerr)
			}
			return outcomeSkipped, cacheUnavailable(err)
		}
		r.logger.Debug("Replayed queued entry",
			"entry", e.ID, "collection", e.Collection, "operation", e.Operation, "record_id", e.RecordID)
		return outcomeSynced, nil
	}

	if ctx.Err() != nil {
		if rerr := q.Release(bctx, e.ID); rerr != nil {
			r.logger.Error("Failed to release queue entry", "entry", e.ID, "error", rerr)
		}
		return outcomeSkipped, ctx.Err()
	}

	var rejected *RejectedError
	if errors.As(err, &rejected) && r.cfg.FailFastOnRejection {
		if err := q.MarkFailed(bctx, e.ID, err.Error()); err != nil {
			return outcomeSkipped, cacheUnavailable(err)
		}
		r.logger.Warn("Queued entry rejected by remote", "entry", e.ID, "collection", e.Collection, "error", err)
		return outcomeFailed, nil
	}

	status, retries, ferr := q.RecordFailure(bctx, e.ID, err.Error(), r.cfg.MaxRetries, r.now().Add(r.backoff(e.Retries+1)))
	if ferr != nil {
		return outcomeSkipped, cacheUnavailable(ferr)
	}
	if status == localstore.StatusFailed {
		r.logger.Warn("Queued entry failed permanently",
			"entry", e.ID, "collection", e.Collection, "retries", retries, "error", err)
		return outcomeFailed, nil
	}
	if rejected != nil {
		r.logger.Warn("Queued entry rejected by remote, will retry",
			"entry", e.ID, "collection", e.Collection, "retries", retries, "error", err)
	} else {
		r.logger.Info("Queued entry failed, will retry",
			"entry", e.ID, "collection", e.Collection, "retries", retries, "error", err)
	}
	return outcomeRetry, nil
}

func (r *Replayer) send(ctx context.Context, e localstore.Entry) (Record, error) {
	callCtx, cancel := context.WithTimeout(withCallScope(ctx, e.ActorID, e.TenantID), r.cfg.RemoteTimeout)
	defer cancel()
	opts := WriteOptions{TenantID: e.TenantID, ActorID: e.ActorID}

	switch e.Operation {
	case localstore.OpInsert:
		payload, err := decodePayload(e.Payload)
		if err != nil {
			return nil, err
		}
		opts.IdempotencyKey = e.LocalID
		return r.remote.Insert(callCtx, e.Collection, payload, opts)
	case localstore.OpUpdate:
		payload, err := decodePayload(e.Payload)
		if err != nil {
			return nil, err
		}
		return r.remote.Update(callCtx, e.Collection, e.RecordID, payload, opts)
	default:
		err := r.remote.Delete(callCtx, e.Collection, e.RecordID, opts)
		if errors.Is(err, ErrRemoteNotFound) {
			return nil, nil
		}
		return nil, err
	}
}

// applySuccess removes the entry and reconciles the cache with the
// authoritative result in one transaction.
func (r *Replayer) applySuccess(ctx context.Context, e localstore.Entry, rec Record) error {
	return r.store.InTx(ctx, func(tx *localstore.Tx) error {
		if err := tx.Queue().Remove(ctx, e.ID); err != nil {
			return err
		}
		if err := tx.Ledger().Delete(ctx, e.Collection, e.TenantID); err != nil {
			return err
		}

		switch e.Operation {
		case localstore.OpInsert:
			return confirmInsert(ctx, tx, e, rec)
		case localstore.OpUpdate:
			if rec == nil || rec.ID() == "" {
				return nil
			}
			outstanding, err := tx.Queue().HasOutstanding(ctx, e.Collection, e.RecordID)
			if err != nil || outstanding {
				return err
			}
			l, err := toLocal(rec, e.TenantID, false)
			if err != nil {
				return err
			}
			return tx.Records().Put(ctx, e.Collection, l)
		default:
			return tx.Records().Delete(ctx, e.Collection, e.RecordID)
		}
	})
}

// confirmInsert swaps the optimistic record for the remote one and points
// follow-up entries at the remote id.
func confirmInsert(ctx context.Context, tx *localstore.Tx, e localstore.Entry, rec Record) error {
	serverID := rec.ID()
	if serverID == "" {
		return tx.Records().Delete(ctx, e.Collection, e.RecordID)
	}
	if err := tx.Queue().RemapRecordID(ctx, e.Collection, e.TenantID, e.RecordID, serverID); err != nil {
		return err
	}

	optimistic, err := tx.Records().Get(ctx, e.Collection, e.RecordID)
	if err != nil {
		return err
	}
	if err := tx.Records().Delete(ctx, e.Collection, e.RecordID); err != nil {
		return err
	}

	outstanding, err := tx.Queue().HasOutstanding(ctx, e.Collection, serverID)
	if err != nil {
		return err
	}
	if outstanding {
		// Keep local edits visible under the remote id until they replay
		if optimistic == nil {
			return nil
		}
		optimistic.ID = serverID
		return tx.Records().Put(ctx, e.Collection, *optimistic)
	}

	l, err := toLocal(rec, e.TenantID, false)
	if err != nil {
		return err
	}
	return tx.Records().Put(ctx, e.Collection, l)
}

// backoff returns the delay before attempt n+1 after n failures.
func (r *Replayer) backoff(failures int) time.Duration {
	d := r.cfg.BackoffMin
	for i := 1; i < failures && d < r.cfg.BackoffMax; i++ {
		d *= 2
	}
	d = min(d, r.cfg.BackoffMax)
	if r.cfg.BackoffJitter > 0 {
		d += rand.N(r.cfg.BackoffJitter)
	}
	return d
}
