// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mobiletoly/go-overcache/localstore"
)

// Reserved record fields.
const (
	FieldID       = "id"
	FieldTenantID = "tenant_id"
	FieldOffline  = "_offline"
	FieldStatus   = "status"

	StatusDraft = "draft"
)

// Record is a collection record: a flat JSON object.
type Record map[string]any

// ID returns the record id or "".
func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

// TenantID returns the owning tenant or "".
func (r Record) TenantID() string {
	t, _ := r[FieldTenantID].(string)
	return t
}

// Unconfirmed reports whether the record is an optimistic local write that
// the remote has not acknowledged yet.
func (r Record) Unconfirmed() bool {
	v, _ := r[FieldOffline].(bool)
	return v
}

// Finalizable is false for unconfirmed records. Numbering, posting and export
// code must refuse to treat such records as final.
func (r Record) Finalizable() bool {
	return !r.Unconfirmed()
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Result wraps every gateway answer with its provenance.
type Result[T any] struct {
	Data         T
	FromCache    bool
	LastSyncedAt *time.Time
	Warning      string
}

// wirePayload strips client-side fields before a record is sent to the remote.
func wirePayload(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		switch k {
		case FieldID, FieldTenantID, FieldOffline:
			continue
		}
		out[k] = v
	}
	return out
}

func toLocal(r Record, tenantID string, unconfirmed bool) (localstore.Record, error) {
	doc := r.Clone()
	delete(doc, FieldOffline)
	if tenantID == "" {
		tenantID = doc.TenantID()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return localstore.Record{}, fmt.Errorf("failed to encode record %s: %w", r.ID(), err)
	}
	return localstore.Record{ID: r.ID(), TenantID: tenantID, Payload: raw, Unconfirmed: unconfirmed}, nil
}

func fromLocal(rec localstore.Record) (Record, error) {
	out := Record{}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &out); err != nil {
			return nil, fmt.Errorf("failed to decode cached record %s: %w", rec.ID, err)
		}
	}
	out[FieldID] = rec.ID
	if _, ok := out[FieldTenantID]; !ok && rec.TenantID != "" {
		out[FieldTenantID] = rec.TenantID
	}
	if rec.Unconfirmed {
		out[FieldOffline] = true
	}
	return out, nil
}

func decodePayload(raw json.RawMessage) (Record, error) {
	out := Record{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode queued payload: %w", err)
	}
	return out, nil
}

// matchFilters reports whether r has every filter field equal to its value.
// Nil filter values are ignored. Values are compared by their JSON encoding so
// 10 and 10.0 match.
func matchFilters(r Record, filters map[string]any) bool {
	for k, want := range filters {
		if want == nil {
			continue
		}
		got, ok := r[k]
		if !ok || !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b any) bool {
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	var na, nb any
	if json.Unmarshal(ja, &na) != nil || json.Unmarshal(jb, &nb) != nil {
		return false
	}
	return fmt.Sprint(na) == fmt.Sprint(nb)
}

// applyQuery filters, orders and limits cached records the way the remote does.
func applyQuery(records []Record, opts QueryOptions) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if matchFilters(r, opts.Filters) {
			out = append(out, r)
		}
	}
	if opts.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := compareValues(out[i][opts.OrderBy], out[j][opts.OrderBy])
			if opts.Ascending {
				return c < 0
			}
			return c > 0
		})
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// compareValues orders nil < bool < number < string; other types compare by
// their string form.
func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	switch va := a.(type) {
	case nil:
		return 0
	case bool:
		vb := b.(bool)
		switch {
		case va == vb:
			return 0
		case !va:
			return -1
		default:
			return 1
		}
	case float64:
		vb := b.(float64)
		switch {
		case va < vb:
			return -1
		case va > vb:
			return 1
		default:
			return 0
		}
	case string:
		vb := b.(string)
		switch {
		case va < vb:
			return -1
		case va > vb:
			return 1
		default:
			return 0
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}
