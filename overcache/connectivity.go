// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Connectivity reports whether the remote is believed reachable and notifies
// when it becomes reachable again.
type Connectivity interface {
	Online() bool
	OnRegained(fn func()) (unsubscribe func())
}

// Monitor is a Connectivity driven by SetOnline or by a polling probe.
type Monitor struct {
	online atomic.Bool
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]func()
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{logger: logger, subs: map[int]func(){}}
	m.online.Store(online)
	return m
}

// Online reports the current belief.
func (m *Monitor) Online() bool { return m.online.Load() }

// SetOnline updates the state. An offline to online transition runs the
// OnRegained callbacks synchronously.
func (m *Monitor) SetOnline(online bool) {
	was := m.online.Swap(online)
	if was == online {
		return
	}
	m.logger.Info("Connectivity changed", "online", online)
	if !online {
		return
	}

	m.mu.Lock()
	subs := make([]func(), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// OnRegained registers fn for offline to online transitions.
func (m *Monitor) OnRegained(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Watch polls probe every interval until ctx is done, updating the state
// from its result.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, probe func(ctx context.Context) error) {
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := probe(pctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Debug("Connectivity probe failed", "error", err)
		}
		if ctx.Err() == nil {
			m.SetOnline(err == nil)
		}
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
