package policy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachegen/internal/faults"
	"cachegen/internal/store"
)

// fakeOrigin answers from a mutable body table, optionally after a delay.
type fakeOrigin struct {
	mu     sync.Mutex
	bodies map[string]string
	status int
	delay  time.Duration
	down   bool
	calls  atomic.Int32
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{bodies: map[string]string{}, status: http.StatusOK}
}

func (f *fakeOrigin) set(key, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[key] = body
}

func (f *fakeOrigin) Fetch(ctx context.Context, r *http.Request) (store.Entry, error) {
	f.calls.Add(1)
	f.mu.Lock()
	delay, down, status := f.delay, f.down, f.status
	body := f.bodies[Key(r)]
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return store.Entry{}, faults.Timeout("fetch")
		}
	}
	if down {
		return store.Entry{}, faults.Network(errors.New("connection refused"), r.URL.String())
	}
	return store.Entry{Status: status, Header: http.Header{}, Body: []byte(body), Hash32: uint32(len(body))}, nil
}

type fakeCache struct {
	mu       sync.Mutex
	entries  map[string]store.Entry
	revs     map[string]string
	putErr   error
	putCalls int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]store.Entry{}, revs: map[string]string{}}
}

func (c *fakeCache) Match(key string) (store.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *fakeCache) Put(key string, ent store.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putCalls++
	if c.putErr != nil {
		return c.putErr
	}
	c.entries[key] = ent
	return nil
}

func (c *fakeCache) Revision(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.revs[path]
	return r, ok
}

func (c *fakeCache) body(key string) string {
	e, _ := c.Match(key)
	return string(e.Body)
}

func entry(body string) store.Entry {
	return store.Entry{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body), Hash32: uint32(len(body))}
}

func newEngine(f *fakeOrigin, timeout time.Duration) *Engine {
	return New(Options{
		Fetcher:        f,
		NetworkTimeout: timeout,
		Classifier: Classifier{
			Dynamic: prefix("/api/"),
			Fresh:   prefix("/_app/version.json"),
			Default: StaleWhileRevalidate,
		},
	})
}

type prefix string

func (p prefix) Match(path string) bool { return strings.HasPrefix(path, string(p)) }

func TestClassifyOrder(t *testing.T) {
	c := Classifier{Dynamic: prefix("/api/"), Fresh: prefix("/api/version"), Default: CacheFirst}
	cache := newFakeCache()
	cache.revs["/app.js"] = "v1"
	cache.revs["/page"] = ""

	nav := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	assert.Equal(t, NetworkFirst, c.Classify(nav, cache))

	html := httptest.NewRequest(http.MethodGet, "/about", nil)
	html.Header.Set("Accept", "text/html,application/xhtml+xml")
	assert.Equal(t, NetworkFirst, c.Classify(html, cache))

	assert.Equal(t, CacheFirst, c.Classify(httptest.NewRequest(http.MethodGet, "/app.js", nil), cache))
	assert.Equal(t, StaleWhileRevalidate, c.Classify(httptest.NewRequest(http.MethodGet, "/api/version", nil), cache))
	assert.Equal(t, CacheFirst, c.Classify(httptest.NewRequest(http.MethodGet, "/page", nil), cache))

	c.Dynamic = nil
	assert.Equal(t, NetworkOnly, c.Classify(httptest.NewRequest(http.MethodGet, "/api/version", nil), cache))

	fetchMode := httptest.NewRequest(http.MethodGet, "/about", nil)
	fetchMode.Header.Set("Sec-Fetch-Mode", "cors")
	fetchMode.Header.Set("Accept", "text/html")
	assert.False(t, IsNavigation(fetchMode))
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{CacheFirst, NetworkFirst, StaleWhileRevalidate, NetworkOnly} {
		got, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStrategy("cache-only")
	assert.Error(t, err)
}

func TestCacheFirstHitMakesNoNetworkCall(t *testing.T) {
	f := newFakeOrigin()
	e := newEngine(f, time.Second)
	c := newFakeCache()
	c.entries["/app.js"] = entry("cached")

	res, err := e.Execute(context.Background(), CacheFirst, httptest.NewRequest(http.MethodGet, "/app.js", nil), c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, res.Outcome)
	assert.Equal(t, "cached", string(res.Entry.Body))
	assert.Zero(t, f.calls.Load())
}

func TestCacheFirstMiss(t *testing.T) {
	f := newFakeOrigin()
	f.set("/app.js", "fresh")
	e := newEngine(f, time.Second)
	c := newFakeCache()

	res, err := e.Execute(context.Background(), CacheFirst, httptest.NewRequest(http.MethodGet, "/app.js", nil), c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, res.Outcome)
	assert.Equal(t, "fresh", c.body("/app.js"))

	f.down = true
	_, err = e.Execute(context.Background(), CacheFirst, httptest.NewRequest(http.MethodGet, "/other.js", nil), c)
	require.Error(t, err)
	assert.True(t, faults.IsNetwork(err))
}

func TestNetworkFirstNetworkWins(t *testing.T) {
	f := newFakeOrigin()
	f.set("/", "from-network")
	e := newEngine(f, time.Second)
	c := newFakeCache()
	c.entries["/"] = entry("old")

	res, err := e.Execute(context.Background(), NetworkFirst, httptest.NewRequest(http.MethodGet, "/", nil), c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, res.Outcome)
	assert.Equal(t, "from-network", string(res.Entry.Body))
	assert.Equal(t, "from-network", c.body("/"))
}

func TestNetworkFirstTimeoutFallsBackToCache(t *testing.T) {
	f := newFakeOrigin()
	f.set("/", "late")
	f.delay = 200 * time.Millisecond
	e := newEngine(f, 20*time.Millisecond)
	c := newFakeCache()
	c.entries["/"] = entry("cached")

	start := time.Now()
	res, err := e.Execute(context.Background(), NetworkFirst, httptest.NewRequest(http.MethodGet, "/", nil), c)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, OutcomeFallback, res.Outcome)
	assert.Equal(t, "cached", string(res.Entry.Body))

	// the losing fetch still completes and refreshes the cache
	e.Wait()
	assert.Equal(t, "late", c.body("/"))
}

func TestNetworkFirstNoCacheNoNetwork(t *testing.T) {
	f := newFakeOrigin()
	f.down = true
	e := newEngine(f, time.Second)

	_, err := e.Execute(context.Background(), NetworkFirst, httptest.NewRequest(http.MethodGet, "/", nil), newFakeCache())
	require.Error(t, err)
	assert.True(t, faults.IsNetwork(err))
}

func TestNetworkFirstDoesNotCacheErrors(t *testing.T) {
	f := newFakeOrigin()
	f.status = http.StatusInternalServerError
	e := newEngine(f, time.Second)
	c := newFakeCache()

	res, err := e.Execute(context.Background(), NetworkFirst, httptest.NewRequest(http.MethodGet, "/", nil), c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.Entry.Status)
	assert.Equal(t, OutcomeNetwork, res.Outcome)
	assert.Zero(t, c.putCalls)
}

func TestStaleWhileRevalidate(t *testing.T) {
	f := newFakeOrigin()
	f.set("/api/items", "v2")
	e := newEngine(f, time.Second)
	c := newFakeCache()
	c.entries["/api/items"] = entry("v1")

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	res, err := e.Serve(context.Background(), req, c)
	require.NoError(t, err)
	assert.Equal(t, StaleWhileRevalidate, res.Strategy)
	assert.Equal(t, OutcomeHit, res.Outcome)
	assert.Equal(t, "v1", string(res.Entry.Body))

	e.Wait()
	res, err = e.Serve(context.Background(), httptest.NewRequest(http.MethodGet, "/api/items", nil), c)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(res.Entry.Body))
}

func TestStaleWhileRevalidateSwallowsRefreshFailure(t *testing.T) {
	f := newFakeOrigin()
	f.down = true
	e := newEngine(f, time.Second)
	c := newFakeCache()
	c.entries["/api/items"] = entry("v1")

	res, err := e.Serve(context.Background(), httptest.NewRequest(http.MethodGet, "/api/items", nil), c)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(res.Entry.Body))
	e.Wait()
	assert.Equal(t, "v1", c.body("/api/items"))
}

func TestStaleWhileRevalidateMissBlocksOnNetwork(t *testing.T) {
	f := newFakeOrigin()
	f.set("/api/items", "v1")
	e := newEngine(f, time.Second)
	c := newFakeCache()

	res, err := e.Serve(context.Background(), httptest.NewRequest(http.MethodGet, "/api/items", nil), c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, res.Outcome)
	assert.Equal(t, "v1", c.body("/api/items"))

	f.down = true
	_, err = e.Serve(context.Background(), httptest.NewRequest(http.MethodGet, "/api/other", nil), c)
	assert.Error(t, err)
}

func TestNetworkOnlyNeverTouchesCache(t *testing.T) {
	f := newFakeOrigin()
	f.set("/_app/version.json", `{"version":"2"}`)
	e := newEngine(f, time.Second)
	c := newFakeCache()
	c.entries["/_app/version.json"] = entry(`{"version":"1"}`)

	res, err := e.Serve(context.Background(), httptest.NewRequest(http.MethodGet, "/_app/version.json", nil), c)
	require.NoError(t, err)
	assert.Equal(t, NetworkOnly, res.Strategy)
	assert.Equal(t, `{"version":"2"}`, string(res.Entry.Body))
	assert.Zero(t, c.putCalls)

	f.down = true
	_, err = e.Serve(context.Background(), httptest.NewRequest(http.MethodGet, "/_app/version.json", nil), c)
	require.Error(t, err)
	assert.True(t, faults.IsNetwork(err))
}

func TestStorageFullIsNotFatal(t *testing.T) {
	f := newFakeOrigin()
	f.set("/app.js", "body")
	e := newEngine(f, time.Second)
	c := newFakeCache()
	c.putErr = faults.StorageFull("cachegen-1", 10, 1)

	res, err := e.Execute(context.Background(), CacheFirst, httptest.NewRequest(http.MethodGet, "/app.js", nil), c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNetwork, res.Outcome)
	assert.Equal(t, "body", string(res.Entry.Body))
}

func TestKeyIncludesQuery(t *testing.T) {
	assert.Equal(t, "/a", Key(httptest.NewRequest(http.MethodGet, "/a", nil)))
	assert.Equal(t, "/a?b=1", Key(httptest.NewRequest(http.MethodGet, "/a?b=1", nil)))
}
