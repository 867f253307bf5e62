// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/mobiletoly/go-overcache/localstore"
)

// OpenStore opens the local database at path with every cacheable collection
// of cfg declared.
func OpenStore(path string, cfg *Config) (*localstore.Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cols, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	return localstore.Open(path, localstore.Options{Collections: cols.StoreCollections()})
}

// Service is the client engine: one per process, shared by every caller.
type Service struct {
	store  *localstore.Store
	remote Remote
	conn   Connectivity
	cols   *Collections
	cfg    *Config
	logger *slog.Logger
	now    func() time.Time

	state     *runState
	publisher *StatusPublisher
	gateway   *Gateway
	replayer  *Replayer
	preloader *Preloader
	feed      *StatusFeedHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	closed     bool
	cron       *cron.Cron
	unsubConn  func()
	stopCancel func() bool
}

// NewService wires the engine. The caller keeps ownership of store; entries
// left in flight by a previous process are returned to pending.
func NewService(store *localstore.Store, remote Remote, conn Connectivity, cfg *Config, logger *slog.Logger) (*Service, error) {
	if store == nil || remote == nil || conn == nil {
		return nil, errors.New("overcache: store, remote and connectivity are required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cols, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	for _, c := range cols.StoreCollections() {
		if !store.Has(c.Name) {
			return nil, fmt.Errorf("local store was opened without collection %q", c.Name)
		}
	}

	s := &Service{
		store:  store,
		remote: remote,
		conn:   conn,
		cols:   cols,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  &runState{},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	metrics := newStageObserver(cfg, logger)
	s.publisher = newStatusPublisher(store.Queue(), s.state, logger)
	s.gateway = &Gateway{
		store:     store,
		remote:    remote,
		conn:      conn,
		cols:      cols,
		cfg:       cfg,
		publisher: s.publisher,
		metrics:   metrics,
		logger:    logger,
		now:       s.clock,
		newID:     uuid.NewString,
	}
	s.replayer = &Replayer{
		store:     store,
		remote:    remote,
		conn:      conn,
		cols:      cols,
		cfg:       cfg,
		state:     s.state,
		publisher: s.publisher,
		metrics:   metrics,
		logger:    logger,
		now:       s.clock,
	}
	s.preloader = &Preloader{
		gateway:     s.gateway,
		conn:        conn,
		collections: cfg.PreloadCollections,
		logger:      logger,
	}
	s.feed = newStatusFeedHandler(s.ctx, s.publisher, logger)

	n, err := store.Queue().ResetSyncing(context.Background())
	if err != nil {
		return nil, cacheUnavailable(err)
	}
	if n > 0 {
		logger.Info("Recovered interrupted queue entries", "count", n)
	}
	return s, nil
}

func (s *Service) clock() time.Time { return s.now() }

// Start begins automatic replay: on the configured schedule and whenever
// connectivity is regained. Background work stops when ctx is done or Close
// is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("overcache: service is closed")
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cfg.SyncSchedule != "" {
		c, err := newScheduler(s.cfg.SyncSchedule, s.scheduledReplay, s.logger)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.cron = c
		c.Start()
	}
	s.unsubConn = s.conn.OnRegained(s.triggerAsync)
	s.stopCancel = context.AfterFunc(ctx, s.cancel)
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Sync service started", "schedule", s.cfg.SyncSchedule, "online", s.conn.Online())
	s.triggerAsync()
	return nil
}

// Close stops automatic replay and waits for background work. It does not
// close the store.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c, unsub, stop := s.cron, s.unsubConn, s.stopCancel
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if stop != nil {
		stop()
	}
	s.cancel()
	if c != nil {
		<-c.Stop().Done()
	}
	s.wg.Wait()
	s.logger.Info("Sync service closed")
	return nil
}

// spawn runs fn in a goroutine tracked by Close. It is a no-op once closed.
func (s *Service) spawn(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
	return true
}

func (s *Service) triggerAsync() {
	s.spawn(func(ctx context.Context) {
		if _, err := s.replayer.Trigger(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Automatic replay failed", "error", err)
		}
	})
}

func (s *Service) scheduledReplay() {
	if _, err := s.replayer.Trigger(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Scheduled replay failed", "error", err)
	}
}

// Query reads a collection; see Gateway.Query.
func (s *Service) Query(ctx context.Context, collection string, opts QueryOptions) (Result[[]Record], error) {
	return s.gateway.Query(ctx, collection, opts)
}

// GetByID reads one record; see Gateway.GetByID.
func (s *Service) GetByID(ctx context.Context, collection, id string) (Result[Record], error) {
	return s.gateway.GetByID(ctx, collection, id)
}

func (s *Service) Insert(ctx context.Context, collection string, payload Record, actorID, tenantID string) (Result[Record], error) {
	return s.gateway.Insert(ctx, collection, payload, actorID, tenantID)
}

func (s *Service) Update(ctx context.Context, collection, id string, payload Record, actorID, tenantID string) (Result[Record], error) {
	return s.gateway.Update(ctx, collection, id, payload, actorID, tenantID)
}

func (s *Service) Delete(ctx context.Context, collection, id, actorID, tenantID string) (Result[Record], error) {
	return s.gateway.Delete(ctx, collection, id, actorID, tenantID)
}

func (s *Service) LastSyncTime(ctx context.Context, collection, tenantID string) (*time.Time, error) {
	return s.gateway.LastSyncTime(ctx, collection, tenantID)
}

func (s *Service) InvalidateCache(ctx context.Context, collection, tenantID string) error {
	return s.gateway.InvalidateCache(ctx, collection, tenantID)
}

// SyncAll replays the queue now, ignoring retry backoff.
func (s *Service) SyncAll(ctx context.Context) (SyncReport, error) {
	return s.replayer.SyncAll(ctx)
}

// RetryFailed resets failed entries and replays them.
func (s *Service) RetryFailed(ctx context.Context) (SyncReport, error) {
	return s.replayer.RetryFailed(ctx)
}

// GetSyncStatus returns the current queue status.
func (s *Service) GetSyncStatus(ctx context.Context) (SyncStatus, error) {
	return s.publisher.Snapshot(ctx)
}

// Subscribe registers a status listener.
func (s *Service) Subscribe(fn Listener) (unsubscribe func()) {
	return s.publisher.Subscribe(fn)
}

// PreloadReferenceData warms the cache for tenantID in the background.
func (s *Service) PreloadReferenceData(tenantID string) {
	s.spawn(func(ctx context.Context) {
		s.preloader.Preload(ctx, tenantID)
	})
}

// Preload warms the cache for tenantID and waits for the result.
func (s *Service) Preload(ctx context.Context, tenantID string) PreloadReport {
	return s.preloader.Preload(ctx, tenantID)
}

// PendingEntries lists queued entries waiting for replay, oldest first.
func (s *Service) PendingEntries(ctx context.Context, tenantID string) ([]localstore.Entry, error) {
	entries, err := s.store.Queue().ListPending(ctx, tenantID)
	if err != nil {
		return nil, cacheUnavailable(err)
	}
	return entries, nil
}

// FailedEntries lists entries that exhausted their retries.
func (s *Service) FailedEntries(ctx context.Context, tenantID string) ([]localstore.Entry, error) {
	entries, err := s.store.Queue().ListFailed(ctx, tenantID)
	if err != nil {
		return nil, cacheUnavailable(err)
	}
	return entries, nil
}

// StatusFeed returns the WebSocket status stream handler.
func (s *Service) StatusFeed() http.Handler { return s.feed }
