package overserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory RecordStore used to exercise the handlers.
type memoryStore struct {
	mu      sync.Mutex
	docs    map[string]Document // collection/id
	refs    map[string]string   // collection/tenant/ref -> id
	scopes  []Scope
	allowed map[string]bool

	// maxLimit bounds select pages like ServiceConfig.MaxSelectLimit
	maxLimit int
}

func newMemoryStore(collections ...string) *memoryStore {
	m := &memoryStore{docs: map[string]Document{}, refs: map[string]string{}, allowed: map[string]bool{}, maxLimit: defaultMaxSelectLimit}
	for _, c := range collections {
		m.allowed[c] = true
	}
	return m
}

func (m *memoryStore) check(scope Scope, collection string) error {
	m.scopes = append(m.scopes, scope)
	if !m.allowed[collection] {
		return ErrUnregisteredCollection
	}
	return nil
}

func (m *memoryStore) Select(_ context.Context, scope Scope, collection string, req SelectRequest) (SelectResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(scope, collection); err != nil {
		return SelectResponse{}, err
	}
	tenant, err := resolveTenant(scope, req.TenantID, false)
	if err != nil {
		return SelectResponse{}, err
	}
	limit, err := pageSize(req, m.maxLimit)
	if err != nil {
		return SelectResponse{}, err
	}
	out := []Document{}
	for key, d := range m.docs {
		if !strings.HasPrefix(key, collection+"/") {
			continue
		}
		if tenant != "" && d[FieldTenantID] != tenant {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	if req.Offset >= len(out) {
		return SelectResponse{Records: []Document{}}, nil
	}
	out = out[req.Offset:]
	if len(out) > limit+1 {
		out = out[:limit+1]
	}
	return pageOf(out, req.Offset, limit), nil
}

func (m *memoryStore) Get(_ context.Context, scope Scope, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(scope, collection); err != nil {
		return nil, err
	}
	d, ok := m.docs[collection+"/"+id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *memoryStore) Insert(_ context.Context, scope Scope, collection, tenantID, clientRef string, payload map[string]any) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(scope, collection); err != nil {
		return nil, err
	}
	tenantID, err := resolveTenant(scope, tenantID, true)
	if err != nil {
		return nil, err
	}
	refKey := collection + "/" + tenantID + "/" + clientRef
	if clientRef != "" {
		if id, ok := m.refs[refKey]; ok {
			return m.docs[collection+"/"+id], nil
		}
	}
	if payload["amount"] == "invalid" {
		return nil, validationErrorf(ReasonValidationFailed, "amount must be a number")
	}
	doc := Document{}
	for k, v := range stripReserved(payload) {
		doc[k] = v
	}
	doc[FieldID] = uuid.NewString()
	doc[FieldTenantID] = tenantID
	m.docs[collection+"/"+doc.ID()] = doc
	if clientRef != "" {
		m.refs[refKey] = doc.ID()
	}
	return doc, nil
}

func (m *memoryStore) Update(_ context.Context, scope Scope, collection, id string, patch map[string]any) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(scope, collection); err != nil {
		return nil, err
	}
	d, ok := m.docs[collection+"/"+id]
	if !ok {
		return nil, ErrNotFound
	}
	for k, v := range stripReserved(patch) {
		d[k] = v
	}
	return d, nil
}

func (m *memoryStore) Delete(_ context.Context, scope Scope, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(scope, collection); err != nil {
		return err
	}
	if _, ok := m.docs[collection+"/"+id]; !ok {
		return ErrNotFound
	}
	delete(m.docs, collection+"/"+id)
	return nil
}

type handlerHarness struct {
	t      *testing.T
	server *httptest.Server
	store  *memoryStore
	token  string
}

func newHandlerHarness(t *testing.T, tenantClaim string) *handlerHarness {
	t.Helper()
	store := newMemoryStore("invoices", "journals")
	jwtAuth := NewJWTAuth("test-secret")
	mux := http.NewServeMux()
	NewHTTPHandlers(store, nil).RegisterRoutes(mux, jwtAuth.Middleware)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	token, err := jwtAuth.GenerateToken("user-1", tenantClaim, time.Hour)
	require.NoError(t, err)
	return &handlerHarness{t: t, server: server, store: store, token: token}
}

func (h *handlerHarness) do(method, path string, body any, headers map[string]string) (int, []byte) {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(h.t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(h.t, err)
	return resp.StatusCode, buf.Bytes()
}

func TestHandlers_InsertGetUpdateDelete(t *testing.T) {
	h := newHandlerHarness(t, "")

	status, body := h.do(http.MethodPost, "/collections/invoices/records",
		WriteRequest{TenantID: "t1", Payload: json.RawMessage(`{"amount":100,"status":"draft","_offline":true,"id":"local-1"}`)}, nil)
	require.Equal(t, http.StatusCreated, status, string(body))

	var created RecordResponse
	require.NoError(t, json.Unmarshal(body, &created))
	id := created.Record.ID()
	require.NotEmpty(t, id)
	require.NotEqual(t, "local-1", id)
	require.Equal(t, "t1", created.Record[FieldTenantID])
	require.NotContains(t, created.Record, FieldOffline)

	status, body = h.do(http.MethodGet, "/collections/invoices/records/"+id, nil, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = h.do(http.MethodPatch, "/collections/invoices/records/"+id,
		WriteRequest{Payload: json.RawMessage(`{"amount":150}`)}, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var updated RecordResponse
	require.NoError(t, json.Unmarshal(body, &updated))
	require.EqualValues(t, 150, updated.Record["amount"])
	require.Equal(t, "draft", updated.Record["status"])

	status, _ = h.do(http.MethodDelete, "/collections/invoices/records/"+id, nil, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, body = h.do(http.MethodGet, "/collections/invoices/records/"+id, nil, nil)
	require.Equal(t, http.StatusNotFound, status)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Equal(t, ReasonNotFound, errResp.Error)
}

func TestHandlers_InsertIsIdempotentByKey(t *testing.T) {
	h := newHandlerHarness(t, "t1")
	headers := map[string]string{HeaderIdempotencyKey: "local-42"}
	req := WriteRequest{Payload: json.RawMessage(`{"amount":1}`)}

	_, first := h.do(http.MethodPost, "/collections/invoices/records", req, headers)
	_, second := h.do(http.MethodPost, "/collections/invoices/records", req, headers)

	var a, b RecordResponse
	require.NoError(t, json.Unmarshal(first, &a))
	require.NoError(t, json.Unmarshal(second, &b))
	require.Equal(t, a.Record.ID(), b.Record.ID())

	status, body := h.do(http.MethodPost, "/collections/invoices/select", SelectRequest{}, nil)
	require.Equal(t, http.StatusOK, status)
	var sel SelectResponse
	require.NoError(t, json.Unmarshal(body, &sel))
	require.Len(t, sel.Records, 1)
}

func TestHandlers_SelectPagesPastTheLimit(t *testing.T) {
	h := newHandlerHarness(t, "t1")
	h.store.maxLimit = 2
	for i := 0; i < 5; i++ {
		status, body := h.do(http.MethodPost, "/collections/journals/records",
			WriteRequest{Payload: json.RawMessage(`{"code":"J"}`)}, nil)
		require.Equal(t, http.StatusCreated, status, string(body))
	}

	seen := map[string]bool{}
	offset, pages := 0, 0
	for {
		status, body := h.do(http.MethodPost, "/collections/journals/select", SelectRequest{Offset: offset}, nil)
		require.Equal(t, http.StatusOK, status, string(body))
		var page SelectResponse
		require.NoError(t, json.Unmarshal(body, &page))
		require.LessOrEqual(t, len(page.Records), 2)
		for _, d := range page.Records {
			seen[d.ID()] = true
		}
		pages++
		if !page.HasMore {
			break
		}
		require.Equal(t, offset+2, page.NextOffset)
		offset = page.NextOffset
	}
	require.Equal(t, 3, pages)
	require.Len(t, seen, 5)
}

func TestHandlers_ErrorMapping(t *testing.T) {
	h := newHandlerHarness(t, "t1")

	status, body := h.do(http.MethodPost, "/collections/users/select", SelectRequest{}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, string(body), ReasonUnregisteredCollection)

	status, body = h.do(http.MethodPost, "/collections/invoices/select", SelectRequest{TenantID: "t2"}, nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Contains(t, string(body), ReasonTenantMismatch)

	status, body = h.do(http.MethodPost, "/collections/invoices/records",
		WriteRequest{Payload: json.RawMessage(`{"amount":"invalid"}`)}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Contains(t, string(body), ReasonValidationFailed)

	status, body = h.do(http.MethodPost, "/collections/invoices/records",
		WriteRequest{Payload: json.RawMessage(`[1,2]`)}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, string(body), ReasonBadPayload)
}

func TestHandlers_ScopeComesFromToken(t *testing.T) {
	h := newHandlerHarness(t, "t9")
	h.do(http.MethodPost, "/collections/journals/select", SelectRequest{}, nil)

	require.NotEmpty(t, h.store.scopes)
	require.Equal(t, Scope{ActorID: "user-1", TenantID: "t9"}, h.store.scopes[0])
}

func TestHandlers_HealthNeedsNoAuth(t *testing.T) {
	h := newHandlerHarness(t, "")
	resp, err := http.Get(h.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, h.server.URL+"/collections/invoices/select", bytes.NewReader([]byte(`{}`)))
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}
