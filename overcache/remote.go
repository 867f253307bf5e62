// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
)

// SelectQuery is a remote collection read.
type SelectQuery struct {
	TenantID  string
	Filters   map[string]any
	OrderBy   string
	Ascending bool
	Limit     int
}

// WriteOptions accompany every remote write.
type WriteOptions struct {
	TenantID string
	ActorID  string
	// IdempotencyKey makes a repeated insert return the first result
	// instead of creating a duplicate.
	IdempotencyKey string
}

// Remote is the authoritative store. Implementations classify failures as
// *TransportError (retryable), *RejectedError (refused) or ErrRemoteNotFound.
// The ctx of every call carries the actor and tenant (see ActorFromContext).
type Remote interface {
	// Select returns every matching record, or the first q.Limit of them
	// when q.Limit > 0. An unlimited result is never truncated.
	Select(ctx context.Context, collection string, q SelectQuery) ([]Record, error)
	Get(ctx context.Context, collection, id string) (Record, error)
	Insert(ctx context.Context, collection string, payload Record, opts WriteOptions) (Record, error)
	Update(ctx context.Context, collection, id string, payload Record, opts WriteOptions) (Record, error)
	Delete(ctx context.Context, collection, id string, opts WriteOptions) error
}
