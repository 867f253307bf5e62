package overcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-overcache/overserver"
)

func actorToken(ctx context.Context) (string, error) {
	actor, _ := ActorFromContext(ctx)
	return "tok-" + actor, nil
}

func TestHTTPRemote_InsertSendsIdempotencyKeyAndScope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/collections/invoices/records", r.URL.Path)
		require.Equal(t, "Bearer tok-u1", r.Header.Get("Authorization"))
		require.Equal(t, "key-1", r.Header.Get(overserver.HeaderIdempotencyKey))

		var req overserver.WriteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "t1", req.TenantID)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(req.Payload, &payload))
		require.Equal(t, map[string]any{"amount": 5.0}, payload)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(overserver.RecordResponse{Record: overserver.Document{"id": "srv-1", "tenant_id": "t1", "amount": 5.0}})
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL+"/", actorToken)
	ctx := withCallScope(context.Background(), "u1", "t1")
	rec, err := remote.Insert(ctx, "invoices", Record{"id": "local", "_offline": true, "amount": 5.0},
		WriteOptions{TenantID: "t1", ActorID: "u1", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	require.Equal(t, "srv-1", rec.ID())
}

func TestHTTPRemote_SelectAndDelete(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /collections/journals/select", func(w http.ResponseWriter, r *http.Request) {
		var req overserver.SelectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "t1", req.TenantID)
		require.Equal(t, "SAL", req.Filters["code"])
		_ = json.NewEncoder(w).Encode(overserver.SelectResponse{Records: []overserver.Document{{"id": "j-1", "code": "SAL"}}})
	})
	mux.HandleFunc("DELETE /collections/journals/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "j-1", r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, nil)
	recs, err := remote.Select(context.Background(), "journals", SelectQuery{TenantID: "t1", Filters: map[string]any{"code": "SAL"}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "j-1", recs[0].ID())

	require.NoError(t, remote.Delete(context.Background(), "journals", "j-1", WriteOptions{}))
}

// pagedSelectServer serves journals of tenant t1 in pages of at most pageSize
// records and logs the offsets it was asked for.
func pagedSelectServer(t *testing.T, total, pageSize int) (*httptest.Server, func() []int) {
	t.Helper()
	var (
		mu      sync.Mutex
		offsets []int
	)
	docs := make([]overserver.Document, total)
	for i := range docs {
		docs[i] = overserver.Document{"id": fmt.Sprintf("j-%03d", i), "tenant_id": "t1", "seq": float64(i)}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /collections/journals/select", func(w http.ResponseWriter, r *http.Request) {
		var req overserver.SelectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		offsets = append(offsets, req.Offset)
		mu.Unlock()

		limit := req.Limit
		if limit == 0 || limit > pageSize {
			limit = pageSize
		}
		resp := overserver.SelectResponse{Records: []overserver.Document{}}
		if req.Offset < len(docs) {
			end := min(req.Offset+limit, len(docs))
			resp.Records = docs[req.Offset:end]
			if end < len(docs) {
				resp.HasMore = true
				resp.NextOffset = end
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, func() []int {
		mu.Lock()
		defer mu.Unlock()
		return append([]int(nil), offsets...)
	}
}

func TestHTTPRemote_SelectReadsEveryPage(t *testing.T) {
	srv, offsets := pagedSelectServer(t, 5, 2)
	remote := NewHTTPRemote(srv.URL, nil)

	recs, err := remote.Select(context.Background(), "journals", SelectQuery{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, recs, 5)
	require.Equal(t, "j-004", recs[4].ID())
	require.Equal(t, []int{0, 2, 4}, offsets())
}

func TestHTTPRemote_SelectStopsAtLimit(t *testing.T) {
	srv, offsets := pagedSelectServer(t, 5, 2)
	remote := NewHTTPRemote(srv.URL, nil)

	recs, err := remote.Select(context.Background(), "journals", SelectQuery{TenantID: "t1", Limit: 3})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, []int{0, 2}, offsets())
}

func TestHTTPRemote_SelectRejectsStuckPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(overserver.SelectResponse{
			Records: []overserver.Document{{"id": "j-1"}}, HasMore: true,
		})
	}))
	defer srv.Close()

	_, err := NewHTTPRemote(srv.URL, nil).Select(context.Background(), "journals", SelectQuery{})
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
}

func TestGateway_FullRefreshKeepsRowsBeyondServerPage(t *testing.T) {
	srv, _ := pagedSelectServer(t, 5, 2)
	cfg := testConfig()
	store, err := OpenStore(filepath.Join(t.TempDir(), "cache.db"), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	monitor := NewMonitor(true, testLogger())
	svc, err := NewService(store, NewHTTPRemote(srv.URL, nil), monitor, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	online, err := svc.Query(ctx, "journals", QueryOptions{TenantID: "t1"})
	require.NoError(t, err)
	require.False(t, online.FromCache)
	require.Len(t, online.Data, 5)

	monitor.SetOnline(false)
	cached, err := svc.Query(ctx, "journals", QueryOptions{TenantID: "t1"})
	require.NoError(t, err)
	require.True(t, cached.FromCache)
	require.Len(t, cached.Data, 5)
	require.NotNil(t, cached.LastSyncedAt)
}

func TestHTTPRemote_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transport bool
		notFound  bool
		reason    string
	}{
		{name: "server error", status: 503, body: "unavailable", transport: true},
		{name: "request timeout", status: 408, transport: true},
		{name: "rate limited", status: 429, transport: true},
		{name: "record not found", status: 404, body: `{"error":"not_found"}`, notFound: true},
		{name: "route not found", status: 404, body: "404 page not found", reason: "Not Found"},
		{name: "validation", status: 422, body: `{"error":"validation_failed","message":"amount must be a number"}`, reason: "validation_failed"},
		{name: "unregistered", status: 400, body: `{"error":"unregistered_collection"}`, reason: "unregistered_collection"},
		{name: "forbidden", status: 403, body: `{"error":"tenant_mismatch"}`, reason: "tenant_mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPRemote(srv.URL, nil).Get(context.Background(), "invoices", "x")
			require.Error(t, err)

			var terr *TransportError
			var rerr *RejectedError
			switch {
			case tt.transport:
				require.ErrorAs(t, err, &terr)
				require.Equal(t, tt.status, terr.Status)
				require.True(t, terr.Temporary())
			case tt.notFound:
				require.ErrorIs(t, err, ErrRemoteNotFound)
			default:
				require.ErrorAs(t, err, &rerr)
				require.Equal(t, tt.status, rerr.Status)
				require.Equal(t, tt.reason, rerr.Reason)
			}
		})
	}
}

func TestHTTPRemote_NetworkFailureIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	remote := NewHTTPRemote(url, nil)
	_, err := remote.Get(context.Background(), "invoices", "x")
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	require.Zero(t, terr.Status)

	require.Error(t, remote.Ping(context.Background()))
}

func TestHTTPRemote_TokenFailureIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, func(context.Context) (string, error) {
		return "", errors.New("session expired")
	})
	_, err := remote.Get(context.Background(), "invoices", "x")
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	require.Contains(t, err.Error(), "session expired")
}

func TestHTTPRemote_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewHTTPRemote(srv.URL, nil).Ping(context.Background()))
}
