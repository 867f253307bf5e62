// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the records table within an existing transaction
func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS overcache`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS overcache.records (
			collection  TEXT        NOT NULL,
			id          UUID        NOT NULL,
			tenant_id   TEXT        NOT NULL,
			payload     JSONB       NOT NULL DEFAULT '{}'::jsonb,
			version     BIGINT      NOT NULL DEFAULT 1,
			client_ref  TEXT,
			created_by  TEXT        NOT NULL,
			updated_by  TEXT        NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)`,

		// Insert idempotency: one record per client reference
		/*language=postgresql*/ `CREATE UNIQUE INDEX IF NOT EXISTS records_client_ref_uq
			ON overcache.records (collection, tenant_id, client_ref)
			WHERE client_ref IS NOT NULL`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS records_tenant_idx
			ON overcache.records (collection, tenant_id)`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS records_payload_gin
			ON overcache.records USING GIN (payload jsonb_path_ops)`,
	}

	for _, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return nil
}
