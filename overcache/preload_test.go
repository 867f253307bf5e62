package overcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPreloader_BestEffort(t *testing.T) {
	h := newHarness(t, true)
	h.remote.seed("chart_of_accounts", Record{"id": "acc-1", "tenant_id": "t1", "code": "411"})
	h.remote.seed("journals", Record{"id": "j-1", "tenant_id": "t1", "code": "SAL"})
	h.remote.failCollection("accounting_periods", &TransportError{Op: "select accounting_periods", Status: 500, Err: errors.New("boom")})

	report := h.svc.Preload(context.Background(), "t1")
	require.Equal(t, []string{"chart_of_accounts", "journals"}, report.Refreshed)
	require.Equal(t, []string{"accounting_periods"}, report.FromCache)

	last, err := h.svc.LastSyncTime(context.Background(), "journals", "t1")
	require.NoError(t, err)
	require.NotNil(t, last)
}

func TestPreloader_SkippedOffline(t *testing.T) {
	h := newHarness(t, false)

	report := h.svc.Preload(context.Background(), "t1")
	require.Empty(t, report.Refreshed)
	require.Empty(t, report.FromCache)
	require.Empty(t, h.remote.callLog())
}

func TestService_PreloadReferenceDataRunsInBackground(t *testing.T) {
	h := newHarness(t, true)
	h.remote.seed("chart_of_accounts", Record{"id": "acc-1", "tenant_id": "t1"})

	h.svc.PreloadReferenceData("t1")
	require.Eventually(t, func() bool {
		last, err := h.svc.LastSyncTime(context.Background(), "chart_of_accounts", "t1")
		return err == nil && last != nil
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.svc.Close())

	// No background work is started once closed
	h.svc.PreloadReferenceData("t1")
}
