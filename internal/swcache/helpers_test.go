package swcache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testOrigin = "http://app.test"

// fakeOrigin is an in-process Fetcher with switchable reachability and
// per-path call counters.
type fakeOrigin struct {
	mu     sync.Mutex
	routes map[string]*Response
	down   bool
	calls  map[string]int
	total  int
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{routes: map[string]*Response{}, calls: map[string]int{}}
}

func (o *fakeOrigin) set(path string, status int, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	o.routes[path] = &Response{Status: status, Header: h, Body: []byte(body)}
}

func (o *fakeOrigin) setBytes(path string, body []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[path] = &Response{Status: http.StatusOK, Header: make(http.Header), Body: body}
}

func (o *fakeOrigin) setDown(down bool) {
	o.mu.Lock()
	o.down = down
	o.mu.Unlock()
}

func (o *fakeOrigin) Fetch(ctx context.Context, req *Request) (*Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	path := req.URL.RequestURI()
	o.calls[path]++
	o.total++
	if o.down {
		return nil, errors.New("connection refused")
	}
	r, ok := o.routes[path]
	if !ok {
		return &Response{Status: http.StatusNotFound, Header: make(http.Header), Body: []byte("not found")}, nil
	}
	return &Response{Status: r.Status, Header: cloneHeader(r.Header), Body: r.Body}, nil
}

func (o *fakeOrigin) callsTo(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[path]
}

func (o *fakeOrigin) totalCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.total
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig(t *testing.T, mutate ...func(*Config)) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Origin = testOrigin
	cfg.Storage.Backend = "memory"
	cfg.Cache.Precache = []string{}
	for _, m := range mutate {
		m(&cfg)
	}
	require.NoError(t, cfg.Compile())
	return cfg
}

// newInstalledEngine builds an engine and takes it through install. With the
// default skip-waiting it ends up active.
func newInstalledEngine(t *testing.T, cfg Config, origin Fetcher, opts ...Option) *Engine {
	t.Helper()
	e := newEngine(t, cfg, origin, opts...)
	require.NoError(t, e.Install(context.Background()))
	return e
}

func newEngine(t *testing.T, cfg Config, origin Fetcher, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, append([]Option{WithFetcher(origin)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func getReq(t *testing.T, path string) *Request {
	t.Helper()
	r, err := NewRequest(testOrigin + path)
	require.NoError(t, err)
	return r
}

func navReq(t *testing.T, path string) *Request {
	r := getReq(t, path)
	r.Mode = "navigate"
	r.Destination = "document"
	return r
}

func assetReq(t *testing.T, path, dest string) *Request {
	r := getReq(t, path)
	r.Destination = dest
	r.Mode = "no-cors"
	return r
}

// failingBackend wraps a backend and fails reads or writes on demand.
type failingBackend struct {
	Backend
	mu      sync.Mutex
	failGet bool
	failPut bool
}

func (b *failingBackend) set(get, put bool) {
	b.mu.Lock()
	b.failGet, b.failPut = get, put
	b.mu.Unlock()
}

func (b *failingBackend) Store(name string) Store {
	return &failingStore{Store: b.Backend.Store(name), b: b}
}

type failingStore struct {
	Store
	b *failingBackend
}

var errDiskOnFire = errors.New("disk on fire")

func (s *failingStore) Get(key string) (StoredEntry, bool, error) {
	s.b.mu.Lock()
	fail := s.b.failGet
	s.b.mu.Unlock()
	if fail {
		return StoredEntry{}, false, errDiskOnFire
	}
	return s.Store.Get(key)
}

func (s *failingStore) Put(key string, ent StoredEntry) error {
	s.b.mu.Lock()
	fail := s.b.failPut
	s.b.mu.Unlock()
	if fail {
		return errDiskOnFire
	}
	return s.Store.Put(key, ent)
}

func storeCount(t *testing.T, e *Engine, kind StoreKind) int {
	t.Helper()
	n, err := e.Stores().Store(kind).Count()
	require.NoError(t, err)
	return n
}
