// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCollection means the collection is not in the registry.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrNotQueueable means a write cannot be deferred because the collection
	// has no local cache.
	ErrNotQueueable = errors.New("collection cannot be written offline")
	// ErrCacheUnavailable wraps local store failures.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrRemoteNotFound is returned by a Remote when the record does not exist.
	ErrRemoteNotFound = errors.New("remote record not found")
)

// ConfigurationError reports a programming error in how a collection is used.
// It is returned immediately and never queued.
type ConfigurationError struct {
	Collection string
	Reason     error // ErrUnknownCollection or ErrNotQueueable
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("collection %q: %v", e.Collection, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Reason }

// TransportError is a retryable failure to reach the remote: network errors,
// timeouts, 5xx, 408 and 429 responses.
type TransportError struct {
	Op     string
	Status int // 0 when no response was received
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: remote returned status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports that retrying may succeed.
func (e *TransportError) Temporary() bool { return true }

// RejectedError means the remote refused the request (validation, permission).
// Retrying the same request is unlikely to succeed.
type RejectedError struct {
	Status  int
	Reason  string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote rejected request (%d %s)", e.Status, e.Reason)
	}
	return fmt.Sprintf("remote rejected request (%d %s): %s", e.Status, e.Reason, e.Message)
}

func unknownCollection(name string) error {
	return &ConfigurationError{Collection: name, Reason: ErrUnknownCollection}
}

func notQueueable(name string) error {
	return &ConfigurationError{Collection: name, Reason: ErrNotQueueable}
}

func cacheUnavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
}
