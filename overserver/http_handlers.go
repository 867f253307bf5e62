// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/mobiletoly/go-overcache/internal/auth"
)

// RecordStore is the storage behind the HTTP handlers. *RecordService
// implements it.
type RecordStore interface {
	Select(ctx context.Context, scope Scope, collection string, req SelectRequest) (SelectResponse, error)
	Get(ctx context.Context, scope Scope, collection, id string) (Document, error)
	Insert(ctx context.Context, scope Scope, collection, tenantID, clientRef string, payload map[string]any) (Document, error)
	Update(ctx context.Context, scope Scope, collection, id string, patch map[string]any) (Document, error)
	Delete(ctx context.Context, scope Scope, collection, id string) error
}

// HTTPHandlers exposes a RecordStore over the collections REST API.
type HTTPHandlers struct {
	store           RecordStore
	logger          *slog.Logger
	maxPayloadBytes int64
}

// NewHTTPHandlers creates the handlers. Requests must pass through
// JWTAuth.Middleware first.
func NewHTTPHandlers(store RecordStore, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		store:           store,
		logger:          logger,
		maxPayloadBytes: defaultMaxPayloadBytes + 4096,
	}
}

// RegisterRoutes wires the handlers onto mux behind the given auth middleware.
func (h *HTTPHandlers) RegisterRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("POST /collections/{collection}/select", authMiddleware(http.HandlerFunc(h.HandleSelect)))
	mux.Handle("GET /collections/{collection}/records/{id}", authMiddleware(http.HandlerFunc(h.HandleGet)))
	mux.Handle("POST /collections/{collection}/records", authMiddleware(http.HandlerFunc(h.HandleInsert)))
	mux.Handle("PATCH /collections/{collection}/records/{id}", authMiddleware(http.HandlerFunc(h.HandleUpdate)))
	mux.Handle("DELETE /collections/{collection}/records/{id}", authMiddleware(http.HandlerFunc(h.HandleDelete)))
}

// HandleHealth reports liveness; it needs no authentication.
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "go-overcache"})
}

// HandleSelect returns the documents matching the request filters
func (h *HTTPHandlers) HandleSelect(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	collection := r.PathValue("collection")

	var req SelectRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ReasonInvalidRequest, "Failed to parse select request")
		return
	}

	page, err := h.store.Select(r.Context(), scope, collection, req)
	if err != nil {
		h.writeStoreError(w, err, "select", collection)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HandleGet returns one document
func (h *HTTPHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	collection := r.PathValue("collection")

	doc, err := h.store.Get(r.Context(), scope, collection, r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err, "get", collection)
		return
	}
	writeJSON(w, http.StatusOK, RecordResponse{Record: doc})
}

// HandleInsert creates a document. The Idempotency-Key header deduplicates
// retried requests.
func (h *HTTPHandlers) HandleInsert(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	collection := r.PathValue("collection")

	req, payload, ok := h.decodeWrite(w, r)
	if !ok {
		return
	}

	doc, err := h.store.Insert(r.Context(), scope, collection, req.TenantID, r.Header.Get(HeaderIdempotencyKey), payload)
	if err != nil {
		h.writeStoreError(w, err, "insert", collection)
		return
	}
	writeJSON(w, http.StatusCreated, RecordResponse{Record: doc})
}

// HandleUpdate merges the payload into an existing document
func (h *HTTPHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	collection := r.PathValue("collection")

	req, payload, ok := h.decodeWrite(w, r)
	if !ok {
		return
	}
	if req.TenantID != "" && scope.TenantID != "" && req.TenantID != scope.TenantID {
		writeError(w, http.StatusForbidden, ReasonTenantMismatch, ErrTenantMismatch.Error())
		return
	}

	doc, err := h.store.Update(r.Context(), scope, collection, r.PathValue("id"), payload)
	if err != nil {
		h.writeStoreError(w, err, "update", collection)
		return
	}
	writeJSON(w, http.StatusOK, RecordResponse{Record: doc})
}

// HandleDelete removes a document
func (h *HTTPHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	collection := r.PathValue("collection")

	if err := h.store.Delete(r.Context(), scope, collection, r.PathValue("id")); err != nil {
		h.writeStoreError(w, err, "delete", collection)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandlers) scope(w http.ResponseWriter, r *http.Request) (Scope, bool) {
	actorID, ok := auth.GetActorID(r.Context())
	if !ok || actorID == "" {
		writeError(w, http.StatusUnauthorized, ReasonAuthenticationFailed, "missing authenticated actor")
		return Scope{}, false
	}
	tenantID, _ := auth.GetTenantID(r.Context())
	return Scope{ActorID: actorID, TenantID: tenantID}, true
}

func (h *HTTPHandlers) decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, h.maxPayloadBytes)).Decode(v)
}

func (h *HTTPHandlers) decodeWrite(w http.ResponseWriter, r *http.Request) (WriteRequest, map[string]any, bool) {
	var req WriteRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ReasonInvalidRequest, "Failed to parse write request")
		return WriteRequest{}, nil, false
	}
	var payload map[string]any
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &payload) != nil || payload == nil {
		writeError(w, http.StatusBadRequest, ReasonBadPayload, "payload must be a JSON object")
		return WriteRequest{}, nil, false
	}
	return req, payload, true
}

func (h *HTTPHandlers) writeStoreError(w http.ResponseWriter, err error, op, collection string) {
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrUnregisteredCollection):
		writeError(w, http.StatusBadRequest, ReasonUnregisteredCollection, err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, ReasonNotFound, err.Error())
	case errors.Is(err, ErrTenantMismatch):
		writeError(w, http.StatusForbidden, ReasonTenantMismatch, err.Error())
	case errors.As(err, &verr):
		status := http.StatusUnprocessableEntity
		if verr.Reason == ReasonInvalidRequest {
			status = http.StatusBadRequest
		}
		writeError(w, status, verr.Reason, verr.Message)
	case errors.Is(err, ErrServiceClosed):
		writeError(w, http.StatusServiceUnavailable, ReasonInternalError, err.Error())
	default:
		h.logger.Error("Failed to process request", "op", op, "collection", collection, "error", err)
		writeError(w, http.StatusInternalServerError, ReasonInternalError, "Failed to process request")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}
