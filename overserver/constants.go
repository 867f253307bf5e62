// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

// Error codes returned in ErrorResponse.Error
const (
	ReasonInvalidRequest         = "invalid_request"
	ReasonBadPayload             = "bad_payload"
	ReasonPayloadTooLarge        = "payload_too_large"
	ReasonUnregisteredCollection = "unregistered_collection"
	ReasonNotFound               = "not_found"
	ReasonTenantMismatch         = "tenant_mismatch"
	ReasonValidationFailed       = "validation_failed"
	ReasonAuthenticationFailed   = "authentication_failed"
	ReasonInternalError          = "internal_error"
)

// Reserved document fields. They are owned by the server and stripped from
// incoming payloads.
const (
	FieldID       = "id"
	FieldTenantID = "tenant_id"
	FieldOffline  = "_offline"
)

// HeaderIdempotencyKey carries the client reference that makes inserts
// idempotent per (collection, tenant).
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	defaultMaxSelectLimit  = 1000
	defaultMaxPayloadBytes = 1 << 20
	defaultTxRetries       = 3
)
