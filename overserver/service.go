// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Validator inspects an incoming payload (the full document on insert, the
// patch on update) and returns a *ValidationError to reject it.
type Validator func(collection string, payload map[string]any) error

// RegisteredCollection is a collection the service accepts requests for.
type RegisteredCollection struct {
	Name      string
	Validator Validator // optional
}

// ServiceConfig holds configuration for the record service
type ServiceConfig struct {
	AppName     string                 // Application name for connection tracking
	Collections []RegisteredCollection // Collections allowed in requests (required)

	MaxPayloadBytes int // Maximum JSON payload size in bytes (0 = 1 MiB)
	MaxSelectLimit  int // Upper bound and default for select limits (0 = 1000)
	TxRetries       int // Attempts for serialization/deadlock failures (0 = 3)
}

// Scope is the authenticated caller of an operation. An empty TenantID means
// the caller is not restricted to a tenant.
type Scope struct {
	ActorID  string
	TenantID string
}

// RecordService stores tenant-scoped JSON documents per collection in
// PostgreSQL. It is the authoritative store that overcache clients replay
// their queued mutations against.
type RecordService struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	config      *ServiceConfig
	collections map[string]RegisteredCollection

	mu     sync.RWMutex
	closed bool
}

// NewRecordService creates the service from an existing pool and initializes
// its schema.
func NewRecordService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*RecordService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "go-overcache-app"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := *config
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if cfg.MaxSelectLimit <= 0 {
		cfg.MaxSelectLimit = defaultMaxSelectLimit
	}
	if cfg.TxRetries <= 0 {
		cfg.TxRetries = defaultTxRetries
	}

	service := &RecordService{
		pool:        pool,
		logger:      logger,
		config:      &cfg,
		collections: make(map[string]RegisteredCollection, len(cfg.Collections)),
	}
	for _, c := range cfg.Collections {
		if !collectionNameRe.MatchString(c.Name) {
			return nil, fmt.Errorf("invalid collection name %q", c.Name)
		}
		service.collections[c.Name] = c
		logger.Debug("Registered collection", "collection", c.Name, "validator", c.Validator != nil)
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize record service: %w", err)
	}
	logger.Debug("Database schema initialized successfully")
	return service, nil
}

// Close marks the service closed. It does NOT close the pool.
func (s *RecordService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Pool returns the underlying database connection pool
func (s *RecordService) Pool() *pgxpool.Pool {
	return s.pool
}

// IsCollectionRegistered reports whether requests for name are accepted.
func (s *RecordService) IsCollectionRegistered(name string) bool {
	_, ok := s.collections[name]
	return ok
}

// Ping checks database connectivity.
func (s *RecordService) Ping(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}

func (s *RecordService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

func (s *RecordService) lookup(collection string) (RegisteredCollection, error) {
	c, ok := s.collections[collection]
	if !ok {
		return RegisteredCollection{}, fmt.Errorf("%w: %s", ErrUnregisteredCollection, collection)
	}
	return c, nil
}
