// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-overcache/localstore"
)

// SyncStatus is a point-in-time view of the mutation queue. It is derived on
// demand and never persisted.
type SyncStatus struct {
	PendingCount int        `json:"pending_count"`
	FailedCount  int        `json:"failed_count"`
	IsSyncing    bool       `json:"is_syncing"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
}

// Listener receives status snapshots.
type Listener func(SyncStatus)

// runState is shared by the replayer (writer) and the publisher (reader).
type runState struct {
	syncing    atomic.Bool
	lastSyncAt atomic.Pointer[time.Time]
}

func (s *runState) lastSync() *time.Time {
	if t := s.lastSyncAt.Load(); t != nil {
		c := *t
		return &c
	}
	return nil
}

type subscription struct {
	id int
	fn Listener
}

// StatusPublisher fans out status snapshots to listeners.
type StatusPublisher struct {
	queue  *localstore.Queue
	state  *runState
	logger *slog.Logger

	mu        sync.Mutex
	nextID    int
	listeners []subscription
}

func newStatusPublisher(queue *localstore.Queue, state *runState, logger *slog.Logger) *StatusPublisher {
	return &StatusPublisher{queue: queue, state: state, logger: logger}
}

// Subscribe registers a listener and returns a function that removes it.
func (p *StatusPublisher) Subscribe(fn Listener) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners = append(p.listeners, subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			for i, s := range p.listeners {
				if s.id == id {
					p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Snapshot computes the current status. In-flight entries count as pending.
// On a store failure the counts are zero and the error wraps ErrCacheUnavailable.
func (p *StatusPublisher) Snapshot(ctx context.Context) (SyncStatus, error) {
	st := SyncStatus{
		IsSyncing:  p.state.syncing.Load(),
		LastSyncAt: p.state.lastSync(),
	}
	counts, err := p.queue.Counts(ctx, "")
	if err != nil {
		return st, cacheUnavailable(err)
	}
	st.PendingCount = counts.Pending + counts.Syncing
	st.FailedCount = counts.Failed
	return st, nil
}

// Publish computes a snapshot and delivers it to every listener.
func (p *StatusPublisher) Publish(ctx context.Context) SyncStatus {
	st, err := p.Snapshot(ctx)
	if err != nil {
		p.logger.Warn("Failed to compute sync status", "error", err)
	}

	p.mu.Lock()
	listeners := make([]subscription, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, s := range listeners {
		p.deliver(s, st)
	}
	return st
}

func (p *StatusPublisher) deliver(s subscription, st SyncStatus) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Sync status listener panicked", "listener", s.id, "panic", r)
		}
	}()
	s.fn(st)
}
