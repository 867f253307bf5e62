// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"encoding/json"
)

// REST/JSON models shared by the server handlers and the overcache HTTP client.

// Document is a record as exchanged over the wire: the stored payload merged
// with the server-owned id and tenant_id fields.
type Document map[string]any

// ID returns the document id or "".
func (d Document) ID() string {
	id, _ := d[FieldID].(string)
	return id
}

// SelectRequest filters a collection. Filters are equality matches on
// top-level fields; nil values are ignored. A page holds at most Limit rows,
// bounded by the server's maximum; Offset skips rows of earlier pages.
type SelectRequest struct {
	TenantID  string         `json:"tenant_id,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
	OrderBy   string         `json:"order_by,omitempty"`
	Ascending bool           `json:"ascending"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
}

// SelectResponse carries one page of matching documents. HasMore reports
// that rows beyond this page exist; NextOffset is the offset of the next page.
type SelectResponse struct {
	Records    []Document `json:"records"`
	HasMore    bool       `json:"has_more"`
	NextOffset int        `json:"next_offset,omitempty"`
}

// WriteRequest is the body of insert and update requests. For updates the
// payload is merged into the stored document.
type WriteRequest struct {
	TenantID string          `json:"tenant_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// RecordResponse carries a single document.
type RecordResponse struct {
	Record Document `json:"record"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
