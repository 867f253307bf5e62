// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"

	"github.com/mobiletoly/go-overcache/internal/auth"
)

// ActorFromContext returns the acting user of a remote call. Remote
// implementations and token functions use it to authenticate replayed writes
// as the user who made them.
func ActorFromContext(ctx context.Context) (string, bool) {
	return auth.GetActorID(ctx)
}

// TenantFromContext returns the tenant a remote call is made for.
func TenantFromContext(ctx context.Context) (string, bool) {
	return auth.GetTenantID(ctx)
}

func withCallScope(ctx context.Context, actorID, tenantID string) context.Context {
	if actorID != "" {
		ctx = auth.SetActorID(ctx, actorID)
	}
	if tenantID != "" {
		ctx = auth.SetTenantID(ctx, tenantID)
	}
	return ctx
}
