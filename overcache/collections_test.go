package overcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollections_DefaultTTLs(t *testing.T) {
	reg, err := NewCollections(DefaultCollections(), 0)
	require.NoError(t, err)

	for _, name := range []string{"chart_of_accounts", "journals", "accounting_periods", "companies", "user_companies", "third_parties", "articles"} {
		require.Equal(t, ReferenceTTL, reg.TTL(name), name)
	}
	for _, name := range []string{"invoices", "journal_entries", "journal_entry_lines", "payments", "bank_transactions"} {
		require.Equal(t, TransactionalTTL, reg.TTL(name), name)
	}
	require.Equal(t, DefaultTTL, reg.TTL("anything_else"))

	companies, err := reg.Lookup("companies")
	require.NoError(t, err)
	require.True(t, companies.Unscoped)
}

func TestIsFresh(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		t := now.Add(-d)
		return &t
	}

	require.False(t, IsFresh(time.Minute, nil, now))
	require.True(t, IsFresh(5*time.Minute, at(5*time.Minute-time.Nanosecond), now))
	require.False(t, IsFresh(5*time.Minute, at(5*time.Minute), now))

	reg, err := NewCollections(DefaultCollections(), 0)
	require.NoError(t, err)
	require.True(t, reg.IsFresh("journals", at(23*time.Hour), now))
	require.False(t, reg.IsFresh("invoices", at(6*time.Minute), now))
}

func TestApplyQuery_OrdersMixedTypes(t *testing.T) {
	recs := []Record{
		{"id": "a", "v": "x"},
		{"id": "b", "v": 2.0},
		{"id": "c"},
		{"id": "d", "v": true},
	}
	out := applyQuery(recs, QueryOptions{OrderBy: "v", Ascending: true})
	ids := make([]string, 0, len(out))
	for _, r := range out {
		ids = append(ids, r.ID())
	}
	require.Equal(t, []string{"c", "d", "b", "a"}, ids)

	out = applyQuery(recs, QueryOptions{Filters: map[string]any{"v": nil, "id": "b"}})
	require.Len(t, out, 1)
}
