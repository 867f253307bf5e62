// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var fieldNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// pageSize returns the number of rows one select page may return.
func pageSize(req SelectRequest, maxLimit int) (int, error) {
	if req.Limit < 0 {
		return 0, validationErrorf(ReasonInvalidRequest, "limit must be >= 0")
	}
	if req.Limit == 0 || req.Limit > maxLimit {
		return maxLimit, nil
	}
	return req.Limit, nil
}

// buildSelect renders the select statement for one page of a collection. It
// asks for one row more than the page size so the caller can tell whether
// more rows follow. tenantID, when non-empty, restricts rows to that tenant.
// ok is false when the filters can never match (e.g. a malformed id), letting
// the caller skip the query.
func buildSelect(collection, tenantID string, req SelectRequest, maxLimit int) (query string, args []any, ok bool, err error) {
	args = []any{collection}
	where := []string{"collection = $1"}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if tenantID != "" {
		where = append(where, "tenant_id = "+arg(tenantID))
	}

	keys := make([]string, 0, len(req.Filters))
	for k := range req.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	contains := map[string]any{}
	for _, k := range keys {
		v := req.Filters[k]
		if v == nil {
			continue
		}
		switch k {
		case FieldID:
			s, isStr := v.(string)
			if !isStr {
				return "", nil, false, validationErrorf(ReasonInvalidRequest, "id filter must be a string")
			}
			if _, perr := uuid.Parse(s); perr != nil {
				return "", nil, false, nil
			}
			where = append(where, "id = "+arg(s)+"::uuid")
		case FieldTenantID:
			s, isStr := v.(string)
			if !isStr {
				return "", nil, false, validationErrorf(ReasonInvalidRequest, "tenant_id filter must be a string")
			}
			if tenantID != "" && s != tenantID {
				return "", nil, false, nil
			}
			where = append(where, "tenant_id = "+arg(s))
		default:
			if !fieldNameRe.MatchString(k) {
				return "", nil, false, validationErrorf(ReasonInvalidRequest, "invalid filter field %q", k)
			}
			contains[k] = v
		}
	}
	if len(contains) > 0 {
		raw, merr := json.Marshal(contains)
		if merr != nil {
			return "", nil, false, validationErrorf(ReasonInvalidRequest, "invalid filter values: %v", merr)
		}
		where = append(where, "payload @> "+arg(string(raw))+"::jsonb")
	}

	direction := "DESC"
	if req.Ascending {
		direction = "ASC"
	}
	order := "created_at " + direction
	switch {
	case req.OrderBy == "":
	case req.OrderBy == FieldID:
		order = "id " + direction
	case req.OrderBy == FieldTenantID:
		order = "tenant_id " + direction
	case fieldNameRe.MatchString(req.OrderBy):
		order = "payload -> " + arg(req.OrderBy) + "::text " + direction
	default:
		return "", nil, false, validationErrorf(ReasonInvalidRequest, "invalid order field %q", req.OrderBy)
	}

	limit, err := pageSize(req, maxLimit)
	if err != nil {
		return "", nil, false, err
	}
	if req.Offset < 0 {
		return "", nil, false, validationErrorf(ReasonInvalidRequest, "offset must be >= 0")
	}

	query = fmt.Sprintf(
		`SELECT id::text, tenant_id, payload FROM overcache.records WHERE %s ORDER BY %s, id LIMIT %s OFFSET %s`,
		strings.Join(where, " AND "), order, arg(limit+1), arg(req.Offset),
	)
	return query, args, true, nil
}
