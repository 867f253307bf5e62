// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Select returns one page of documents of collection matching req. A scope
// restricted to a tenant may not read another tenant.
func (s *RecordService) Select(ctx context.Context, scope Scope, collection string, req SelectRequest) (SelectResponse, error) {
	empty := SelectResponse{Records: []Document{}}
	if err := s.checkClosed(); err != nil {
		return empty, err
	}
	if _, err := s.lookup(collection); err != nil {
		return empty, err
	}
	tenantID, err := resolveTenant(scope, req.TenantID, false)
	if err != nil {
		return empty, err
	}

	query, args, ok, err := buildSelect(collection, tenantID, req, s.config.MaxSelectLimit)
	if err != nil {
		return empty, err
	}
	if !ok {
		return empty, nil
	}
	limit, _ := pageSize(req, s.config.MaxSelectLimit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return empty, fmt.Errorf("failed to select %s: %w", collection, err)
	}
	defer rows.Close()

	out := []Document{}
	for rows.Next() {
		var (
			id, tenant string
			payload    []byte
		)
		if err := rows.Scan(&id, &tenant, &payload); err != nil {
			return empty, fmt.Errorf("failed to scan %s row: %w", collection, err)
		}
		doc, err := toDocument(id, tenant, payload)
		if err != nil {
			return empty, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return empty, err
	}
	return pageOf(out, req.Offset, limit), nil
}

// pageOf trims rows fetched with one extra row to a page of limit rows.
func pageOf(rows []Document, offset, limit int) SelectResponse {
	if len(rows) <= limit {
		return SelectResponse{Records: rows}
	}
	return SelectResponse{Records: rows[:limit], HasMore: true, NextOffset: offset + limit}
}

// Get returns a single document or ErrNotFound.
func (s *RecordService) Get(ctx context.Context, scope Scope, collection, id string) (Document, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if _, err := s.lookup(collection); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	var (
		rid, tenant string
		payload     []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, tenant_id, payload FROM overcache.records
		WHERE collection = $1 AND id = $2::uuid AND ($3::text = '' OR tenant_id = $3)`,
		collection, id, scope.TenantID,
	).Scan(&rid, &tenant, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	return toDocument(rid, tenant, payload)
}

// Insert stores a new document with a server-assigned id. A non-empty
// clientRef makes the call idempotent: repeating it returns the document
// created by the first call.
func (s *RecordService) Insert(ctx context.Context, scope Scope, collection, tenantID, clientRef string, payload map[string]any) (Document, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	reg, err := s.lookup(collection)
	if err != nil {
		return nil, err
	}
	tenantID, err = resolveTenant(scope, tenantID, true)
	if err != nil {
		return nil, err
	}
	clean := stripReserved(payload)
	if reg.Validator != nil {
		if err := reg.Validator(collection, clean); err != nil {
			return nil, err
		}
	}
	raw, err := s.encodePayload(clean)
	if err != nil {
		return nil, err
	}

	var ref *string
	if clientRef != "" {
		ref = &clientRef
	}

	var doc Document
	err = s.runTx(ctx, func(tx pgx.Tx) error {
		var (
			id, tenant string
			stored     []byte
		)
		err := tx.QueryRow(ctx, `
			INSERT INTO overcache.records (collection, id, tenant_id, payload, client_ref, created_by, updated_by)
			VALUES ($1, $2::uuid, $3, $4::jsonb, $5, $6, $6)
			ON CONFLICT (collection, tenant_id, client_ref) WHERE client_ref IS NOT NULL DO NOTHING
			RETURNING id::text, tenant_id, payload`,
			collection, uuid.NewString(), tenantID, raw, ref, scope.ActorID,
		).Scan(&id, &tenant, &stored)
		if errors.Is(err, pgx.ErrNoRows) && ref != nil {
			// Replayed insert: hand back what the first attempt created
			err = tx.QueryRow(ctx, `
				SELECT id::text, tenant_id, payload FROM overcache.records
				WHERE collection = $1 AND tenant_id = $2 AND client_ref = $3`,
				collection, tenantID, clientRef,
			).Scan(&id, &tenant, &stored)
			if err == nil {
				s.logger.Debug("Duplicate insert resolved by client reference",
					"collection", collection, "tenant_id", tenantID, "client_ref", clientRef)
			}
		}
		if err != nil {
			return fmt.Errorf("failed to insert into %s: %w", collection, err)
		}
		doc, err = toDocument(id, tenant, stored)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Update merges patch into the stored document (shallow, last writer wins).
func (s *RecordService) Update(ctx context.Context, scope Scope, collection, id string, patch map[string]any) (Document, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	reg, err := s.lookup(collection)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	clean := stripReserved(patch)
	if reg.Validator != nil {
		if err := reg.Validator(collection, clean); err != nil {
			return nil, err
		}
	}
	raw, err := s.encodePayload(clean)
	if err != nil {
		return nil, err
	}

	var doc Document
	err = s.runTx(ctx, func(tx pgx.Tx) error {
		var (
			rid, tenant string
			stored      []byte
		)
		err := tx.QueryRow(ctx, `
			UPDATE overcache.records
			SET payload = payload || $4::jsonb, version = version + 1, updated_by = $5, updated_at = now()
			WHERE collection = $1 AND id = $2::uuid AND ($3::text = '' OR tenant_id = $3)
			RETURNING id::text, tenant_id, payload`,
			collection, id, scope.TenantID, raw, scope.ActorID,
		).Scan(&rid, &tenant, &stored)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
		}
		doc, err = toDocument(rid, tenant, stored)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Delete removes a document. Deleting a missing document returns ErrNotFound.
func (s *RecordService) Delete(ctx context.Context, scope Scope, collection, id string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if _, err := s.lookup(collection); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	return s.runTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM overcache.records
			WHERE collection = $1 AND id = $2::uuid AND ($3::text = '' OR tenant_id = $3)`,
			collection, id, scope.TenantID)
		if err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *RecordService) encodePayload(payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", validationErrorf(ReasonBadPayload, "payload is not serializable: %v", err)
	}
	if len(raw) > s.config.MaxPayloadBytes {
		return "", validationErrorf(ReasonPayloadTooLarge, "payload is %d bytes, limit %d", len(raw), s.config.MaxPayloadBytes)
	}
	return string(raw), nil
}

// resolveTenant picks the effective tenant of a request. A token restricted to
// a tenant cannot address another one.
func resolveTenant(scope Scope, requested string, required bool) (string, error) {
	switch {
	case scope.TenantID != "" && requested != "" && scope.TenantID != requested:
		return "", ErrTenantMismatch
	case requested != "":
		return requested, nil
	case scope.TenantID != "":
		return scope.TenantID, nil
	case required:
		return "", validationErrorf(ReasonInvalidRequest, "tenant_id is required")
	default:
		return "", nil
	}
}

func stripReserved(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch k {
		case FieldID, FieldTenantID, FieldOffline:
			continue
		}
		out[k] = v
	}
	return out
}

func toDocument(id, tenantID string, payload []byte) (Document, error) {
	doc := Document{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode stored payload of %s: %w", id, err)
		}
	}
	doc[FieldID] = id
	doc[FieldTenantID] = tenantID
	return doc, nil
}
