package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLedger_PutGetDelete(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	ledger := s.Ledger()

	md, err := ledger.Get(ctx, "invoices", "t1")
	require.NoError(t, err)
	require.Nil(t, md)

	synced := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.Put(ctx, SyncMetadata{Collection: "invoices", TenantID: "t1", LastSyncedAt: synced, RecordCount: 4}))
	require.NoError(t, ledger.Put(ctx, SyncMetadata{Collection: "invoices", TenantID: "t1", LastSyncedAt: synced.Add(time.Minute), RecordCount: 5}))

	md, err = ledger.Get(ctx, "invoices", "t1")
	require.NoError(t, err)
	require.NotNil(t, md)
	require.True(t, md.LastSyncedAt.Equal(synced.Add(time.Minute)))
	require.Equal(t, 5, md.RecordCount)

	latest, err := ledger.Latest(ctx)
	require.NoError(t, err)
	require.True(t, latest.Equal(synced.Add(time.Minute)))

	require.NoError(t, ledger.Delete(ctx, "invoices", "t1"))
	md, err = ledger.Get(ctx, "invoices", "t1")
	require.NoError(t, err)
	require.Nil(t, md)
}

func TestLedger_DeleteAllForTenant(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	ledger := s.Ledger()
	now := time.Now()

	require.NoError(t, ledger.Put(ctx, SyncMetadata{Collection: "invoices", TenantID: "t1", LastSyncedAt: now}))
	require.NoError(t, ledger.Put(ctx, SyncMetadata{Collection: "journals", TenantID: "t1", LastSyncedAt: now}))
	require.NoError(t, ledger.Put(ctx, SyncMetadata{Collection: "journals", TenantID: "t2", LastSyncedAt: now}))

	require.NoError(t, ledger.DeleteAllForTenant(ctx, "t1"))

	md, err := ledger.Get(ctx, "journals", "t1")
	require.NoError(t, err)
	require.Nil(t, md)
	md, err = ledger.Get(ctx, "journals", "t2")
	require.NoError(t, err)
	require.NotNil(t, md)

	empty, _ := Open(":memory:", Options{})
	defer empty.Close()
	latest, err := empty.Ledger().Latest(ctx)
	require.NoError(t, err)
	require.True(t, latest.IsZero())
}
