package hubcache

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testConfigYAML = `
server:
  origin: http://origin.test
storage:
  mode: memory
lifecycle:
  precache: ["/", "/offline.html", "/offline/player.html"]
`

func testConfig(t *testing.T, extra ...func(*Config)) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(testConfigYAML))
	require.NoError(t, err)
	cfg.Lifecycle.Prewarm = nil
	for _, fn := range extra {
		fn(&cfg)
	}
	return cfg
}

// fakeOrigin answers from a fixed table keyed by request URI.
type fakeOrigin struct {
	mu    sync.Mutex
	pages map[string]CacheEntry
	down  bool
	fail  map[string]bool
	calls map[string]int
	reqs  []Request
}

func newFakeOrigin() *fakeOrigin {
	o := &fakeOrigin{
		pages: map[string]CacheEntry{},
		fail:  map[string]bool{},
		calls: map[string]int{},
	}
	o.set("/", "text/html", "<html>shell</html>")
	o.set("/offline.html", "text/html", "<html>generic offline</html>")
	o.set("/offline/player.html", "text/html", "<html>player offline</html>")
	return o
}

func (o *fakeOrigin) set(uri, contentType, body string) {
	o.setStatus(uri, http.StatusOK, contentType, body)
}

func (o *fakeOrigin) setStatus(uri string, status int, contentType, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := http.Header{}
	h.Set("Content-Type", contentType)
	o.pages[uri] = CacheEntry{Status: status, Header: h, Body: []byte(body)}
}

func (o *fakeOrigin) setDown(down bool) {
	o.mu.Lock()
	o.down = down
	o.mu.Unlock()
}

func (o *fakeOrigin) failURI(uri string, fail bool) {
	o.mu.Lock()
	o.fail[uri] = fail
	o.mu.Unlock()
}

func (o *fakeOrigin) callCount(uri string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[uri]
}

func (o *fakeOrigin) requests() []Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Request(nil), o.reqs...)
}

func (o *fakeOrigin) Fetch(ctx context.Context, req Request) (CacheEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	uri := req.URL.RequestURI()
	o.calls[uri]++
	o.reqs = append(o.reqs, req)
	if o.down || o.fail[uri] {
		return CacheEntry{}, errors.Newf(errors.CodeNetwork, "%s %s: connection refused", req.Method, uri)
	}
	if ent, ok := o.pages[uri]; ok {
		return cloneEntry(ent), nil
	}
	if req.Method != http.MethodGet {
		h := http.Header{}
		h.Set("Content-Type", "application/json")
		return CacheEntry{Status: http.StatusCreated, Header: h, Body: []byte(`{"ok":true}`)}, nil
	}
	return CacheEntry{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
}

// testClock is a settable clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	svc    *Service
	origin *fakeOrigin
	clock  *testClock
	store  Store
}

func newMemQueue(t *testing.T, replay Fetcher) *MutationQueue {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	q, err := newMutationQueue(db, nil, replay, discardLogger())
	require.NoError(t, err)
	return q
}

// newTestEnv builds a service on a memory store. Pass a store to share it
// between services (restart scenarios).
func newTestEnv(t *testing.T, cfg Config, store Store, origin *fakeOrigin) *testEnv {
	t.Helper()
	if store == nil {
		store = NewMemStore()
	}
	if origin == nil {
		origin = newFakeOrigin()
	}
	clock := newTestClock()
	svc := newService(cfg, serviceDeps{
		store:   store,
		queue:   newMemQueue(t, origin),
		fetcher: origin,
		logger:  discardLogger(),
		now:     clock.Now,
	})
	t.Cleanup(svc.Close)
	return &testEnv{svc: svc, origin: origin, clock: clock, store: store}
}

// booted returns an env whose configured generation is installed and active.
func booted(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t, testConfig(t), nil, nil)
	require.NoError(t, env.svc.lc.Boot(context.Background()))
	require.NotNil(t, env.svc.lc.Serving())
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.svc.Handler().ServeHTTP(w, r)
	return w
}

func (e *testEnv) partition(t *testing.T, c Category) Partition {
	t.Helper()
	p, err := e.svc.lc.Serving().Registry.Open(c)
	require.NoError(t, err)
	return p
}

func mkReq(method, raw string, header ...string) Request {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	h := http.Header{}
	for i := 0; i+1 < len(header); i += 2 {
		h.Set(header[i], header[i+1])
	}
	return Request{Method: method, URL: u, Header: h}
}

func entry(body string, storedAt time.Time) CacheEntry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return CacheEntry{Status: http.StatusOK, Header: h, Body: []byte(body), StoredAt: storedAt.UnixNano()}
}
