package overcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-overcache/localstore"
)

// fakeRemote is an in-memory authoritative store with programmable failures.
type fakeRemote struct {
	mu       sync.Mutex
	records  map[string]map[string]Record // collection -> id -> record
	byKey    map[string]string            // idempotency key -> id
	seq      int
	calls    []string
	failures []error          // consumed one per call
	failOn   map[string]error // collection -> error for every call
	// loseResponses applies the next n writes and then reports a transport error
	loseResponses int
	// gate, when set, holds every write until closed or ctx is done
	gate    chan struct{}
	entered chan struct{}

	// panicNext makes the next insert panic
	panicNext bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records: map[string]map[string]Record{},
		byKey:   map[string]string{},
		failOn:  map[string]error{},
	}
}

func (f *fakeRemote) seed(collection string, recs ...Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[collection] == nil {
		f.records[collection] = map[string]Record{}
	}
	for _, r := range recs {
		f.records[collection][r.ID()] = r.Clone()
	}
}

func (f *fakeRemote) failNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.failures = append(f.failures, err)
	}
}

func (f *fakeRemote) failCollection(collection string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[collection] = err
}

func (f *fakeRemote) all(collection string) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, 0, len(f.records[collection]))
	for _, r := range f.records[collection] {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// begin records the call and returns the programmed failure, if any.
func (f *fakeRemote) begin(call, collection string) error {
	f.calls = append(f.calls, call)
	if err, ok := f.failOn[collection]; ok {
		return err
	}
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	return nil
}

func (f *fakeRemote) waitGate(ctx context.Context) error {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return &TransportError{Op: "gate", Err: ctx.Err()}
	}
}

func (f *fakeRemote) lost() error {
	if f.loseResponses > 0 {
		f.loseResponses--
		return &TransportError{Op: "write", Err: errors.New("connection reset")}
	}
	return nil
}

func (f *fakeRemote) Select(_ context.Context, collection string, q SelectQuery) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("select "+collection, collection); err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range f.records[collection] {
		if q.TenantID != "" && r.TenantID() != "" && r.TenantID() != q.TenantID {
			continue
		}
		if matchFilters(r, q.Filters) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *fakeRemote) Get(_ context.Context, collection, id string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("get "+collection+"/"+id, collection); err != nil {
		return nil, err
	}
	r, ok := f.records[collection][id]
	if !ok {
		return nil, fmt.Errorf("get: %w", ErrRemoteNotFound)
	}
	return r.Clone(), nil
}

func (f *fakeRemote) Insert(ctx context.Context, collection string, payload Record, opts WriteOptions) (Record, error) {
	if err := f.waitGate(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicNext {
		f.panicNext = false
		panic("remote insert blew up")
	}
	if err := f.begin("insert "+collection, collection); err != nil {
		return nil, err
	}
	if id, ok := f.byKey[opts.IdempotencyKey]; ok && opts.IdempotencyKey != "" {
		return f.records[collection][id].Clone(), nil
	}
	f.seq++
	rec := wirePayload(payload)
	rec[FieldID] = fmt.Sprintf("srv-%03d", f.seq)
	rec[FieldTenantID] = opts.TenantID
	if f.records[collection] == nil {
		f.records[collection] = map[string]Record{}
	}
	f.records[collection][rec.ID()] = rec
	if opts.IdempotencyKey != "" {
		f.byKey[opts.IdempotencyKey] = rec.ID()
	}
	if err := f.lost(); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (f *fakeRemote) Update(ctx context.Context, collection, id string, payload Record, _ WriteOptions) (Record, error) {
	if err := f.waitGate(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("update "+collection+"/"+id, collection); err != nil {
		return nil, err
	}
	rec, ok := f.records[collection][id]
	if !ok {
		return nil, fmt.Errorf("update: %w", ErrRemoteNotFound)
	}
	for k, v := range wirePayload(payload) {
		rec[k] = v
	}
	if err := f.lost(); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (f *fakeRemote) Delete(ctx context.Context, collection, id string, _ WriteOptions) error {
	if err := f.waitGate(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("delete "+collection+"/"+id, collection); err != nil {
		return err
	}
	if _, ok := f.records[collection][id]; !ok {
		return fmt.Errorf("delete: %w", ErrRemoteNotFound)
	}
	delete(f.records[collection], id)
	return f.lost()
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t       *testing.T
	path    string
	cfg     *Config
	store   *localstore.Store
	remote  *fakeRemote
	monitor *Monitor
	clock   *testClock
	svc     *Service
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.SyncSchedule = ""
	cfg.BackoffJitter = 0
	cfg.Collections = append(cfg.Collections, Collection{Name: "audit_log", Cacheable: false})
	return cfg
}

// newHarness opens a file-backed store in a temp dir and wires a service
// around a fake remote.
func newHarness(t *testing.T, online bool, configure ...func(*Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, fn := range configure {
		fn(cfg)
	}
	h := &harness{
		t:       t,
		path:    filepath.Join(t.TempDir(), "cache.db"),
		cfg:     cfg,
		remote:  newFakeRemote(),
		monitor: NewMonitor(online, testLogger()),
		clock:   &testClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.open()
	t.Cleanup(h.close)
	return h
}

func (h *harness) open() {
	h.t.Helper()
	store, err := OpenStore(h.path, h.cfg)
	require.NoError(h.t, err)
	svc, err := NewService(store, h.remote, h.monitor, h.cfg, testLogger())
	require.NoError(h.t, err)
	svc.now = h.clock.Now
	h.store, h.svc = store, svc
}

func (h *harness) close() {
	if h.svc != nil {
		_ = h.svc.Close()
		h.svc = nil
	}
	if h.store != nil {
		_ = h.store.Close()
		h.store = nil
	}
}

// reopen simulates a process restart on the same database file.
func (h *harness) reopen() {
	h.close()
	h.open()
}

func (h *harness) status() SyncStatus {
	h.t.Helper()
	st, err := h.svc.GetSyncStatus(context.Background())
	require.NoError(h.t, err)
	return st
}

func (h *harness) queued() []localstore.Entry {
	h.t.Helper()
	entries, err := h.svc.PendingEntries(context.Background(), "")
	require.NoError(h.t, err)
	return entries
}
