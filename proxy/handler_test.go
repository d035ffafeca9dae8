package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	edgeproxy "github.com/lokah1945/CDN-EDGEProxy"
	"github.com/lokah1945/CDN-EDGEProxy/classify"
	"github.com/lokah1945/CDN-EDGEProxy/normalize"
	"github.com/lokah1945/CDN-EDGEProxy/storage"
)

type fakeResponse struct {
	status  int
	headers map[string]string
	body    []byte
	bodyErr error
}

func (r *fakeResponse) Status() int                { return r.status }
func (r *fakeResponse) Headers() map[string]string { return r.headers }
func (r *fakeResponse) Body() ([]byte, error)      { return r.body, r.bodyErr }

// fakeRoute records the terminal action the handler took.
type fakeRoute struct {
	req     Request
	fetchFn func(ctx context.Context, headers map[string]string) (Response, error)

	fetchHeaders []map[string]string
	continued    bool
	fulfilled    bool
	status       int
	headers      map[string]string
	body         []byte
}

func (r *fakeRoute) Request() Request { return r.req }

func (r *fakeRoute) Continue(ctx context.Context) error {
	r.continued = true
	return nil
}

func (r *fakeRoute) Fetch(ctx context.Context, headers map[string]string) (Response, error) {
	r.fetchHeaders = append(r.fetchHeaders, headers)
	if r.fetchFn == nil {
		return nil, errors.New("unexpected fetch")
	}
	return r.fetchFn(ctx, headers)
}

func (r *fakeRoute) Fulfill(ctx context.Context, status int, headers map[string]string, body []byte) error {
	r.fulfilled = true
	r.status = status
	r.headers = headers
	r.body = body
	return nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time           { return c.now }
func (c *testClock) Advance(d time.Duration)  { c.now = c.now.Add(d) }

type testEnv struct {
	proxy  *Proxy
	engine *storage.Engine
	clock  *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Unix(1700000000, 0)}

	engine, err := storage.New(storage.Config{
		Dir:            t.TempDir(),
		BodyTTL:        time.Hour,
		DebounceWindow: -1,
		DisableJournal: true,
		Logger:         slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Now:            clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Init(context.Background()))
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	classifier, err := classify.New(
		[]string{"*doubleclick.net*/gampad/ads?*"},
		[]string{"*google-analytics.com/collect*"},
	)
	require.NoError(t, err)

	p, err := New(Config{
		Classifier: classifier,
		Engine:     engine,
		Logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	require.NoError(t, err)

	return &testEnv{proxy: p, engine: engine, clock: clock}
}

func getRequest(url, resourceType string) Request {
	return Request{
		Method:       http.MethodGet,
		URL:          url,
		ResourceType: resourceType,
		Headers:      map[string]string{"accept": "*/*"},
	}
}

func seedAsset(t *testing.T, env *testEnv, url string, body []byte, headers map[string]string) string {
	t.Helper()
	canonical := normalize.Canonical(url, edgeproxy.OriginThirdParty)
	key := normalize.CacheKey(canonical)
	require.NoError(t, env.engine.Put(context.Background(), key, url, body, headers, "script", edgeproxy.OriginThirdParty, ""))
	return key
}

func TestNonGetContinues(t *testing.T) {
	env := newTestEnv(t)
	route := &fakeRoute{req: Request{Method: http.MethodPost, URL: "https://cdn.example/a.js", ResourceType: "script"}}

	require.NoError(t, env.proxy.Handle(context.Background(), route))
	require.True(t, route.continued)
	require.False(t, route.fulfilled)
}

func TestNonCacheableResourceTypeContinues(t *testing.T) {
	env := newTestEnv(t)
	route := &fakeRoute{req: getRequest("https://cdn.example/ws", "websocket")}

	require.NoError(t, env.proxy.Handle(context.Background(), route))
	require.True(t, route.continued)
}

func TestClassifierBypassLeavesStorageUntouched(t *testing.T) {
	env := newTestEnv(t)
	route := &fakeRoute{req: getRequest("https://ad.doubleclick.net/gampad/ads?foo=1", "script")}

	require.NoError(t, env.proxy.Handle(context.Background(), route))
	require.True(t, route.continued)
	require.Empty(t, route.fetchHeaders)

	report := env.engine.Report(context.Background(), 0)
	require.Zero(t, report.Entries)
}

func TestFreshHitServedFromCache(t *testing.T) {
	env := newTestEnv(t)
	url := "https://cdn.example/a.js"
	seedAsset(t, env, url, []byte("X"), map[string]string{"Content-Type": "application/javascript"})

	env.clock.Advance(30 * time.Minute)

	route := &fakeRoute{req: getRequest(url, "script")}
	require.NoError(t, env.proxy.Handle(context.Background(), route))

	require.True(t, route.fulfilled)
	require.Equal(t, http.StatusOK, route.status)
	require.Equal(t, []byte("X"), route.body)
	require.Equal(t, "HIT", route.headers["x-edgeproxy"])
	require.Contains(t, route.headers["x-edgeproxy-engine"], edgeproxy.EngineName)
	require.Empty(t, route.fetchHeaders, "fresh hit must not touch the origin")

	require.Equal(t, int64(1), env.engine.Stats().Outcome("hit").Count)
}

func TestReplayNeverCarriesEncodingHeaders(t *testing.T) {
	env := newTestEnv(t)
	url := "https://cdn.example/a.js"
	seedAsset(t, env, url, []byte("X"), map[string]string{"Content-Type": "text/javascript"})

	route := &fakeRoute{req: getRequest(url, "script")}
	require.NoError(t, env.proxy.Handle(context.Background(), route))
	require.True(t, route.fulfilled)

	for _, name := range []string{"content-encoding", "content-length", "transfer-encoding", "Content-Encoding", "Content-Length", "Transfer-Encoding"} {
		require.NotContains(t, route.headers, name)
	}
}

func TestConditionalRevalidation304(t *testing.T) {
	env := newTestEnv(t)
	url := "https://cdn.example/a.js"
	key := seedAsset(t, env, url, []byte("X"), map[string]string{"ETag": `"v1"`, "Content-Type": "text/javascript"})

	before, _ := env.engine.PeekMeta(key)

	// Past TTL: stale, triggers conditional revalidation.
	env.clock.Advance(2 * time.Hour)

	route := &fakeRoute{
		req: getRequest(url, "script"),
		fetchFn: func(ctx context.Context, headers map[string]string) (Response, error) {
			return &fakeResponse{status: http.StatusNotModified, headers: map[string]string{}}, nil
		},
	}
	require.NoError(t, env.proxy.Handle(context.Background(), route))

	require.True(t, route.fulfilled)
	require.Equal(t, http.StatusOK, route.status)
	require.Equal(t, []byte("X"), route.body)

	// The conditional fetch carried the validator and the Via tag.
	require.Len(t, route.fetchHeaders, 1)
	require.Equal(t, `"v1"`, route.fetchHeaders[0]["if-none-match"])
	require.Equal(t, edgeproxy.ViaValue(), route.fetchHeaders[0]["via"])

	// stored_at advanced.
	after, _ := env.engine.PeekMeta(key)
	require.Greater(t, after.StoredAt, before.StoredAt)

	require.Equal(t, int64(1), env.engine.Stats().Outcome("revalidated").Count)
}

func TestRevalidationContentChangedStoresNewBody(t *testing.T) {
	env := newTestEnv(t)
	url := "https://cdn.example/a.js"
	key := seedAsset(t, env, url, []byte("old"), map[string]string{"ETag": `"v1"`})

	env.clock.Advance(2 * time.Hour)

	route := &fakeRoute{
		req: getRequest(url, "script"),
		fetchFn: func(ctx context.Context, headers map[string]string) (Response, error) {
			return &fakeResponse{
				status:  http.StatusOK,
				headers: map[string]string{"ETag": `"v2"`, "Content-Type": "text/javascript"},
				body:    []byte("new body"),
			}, nil
		},
	}
	require.NoError(t, env.proxy.Handle(context.Background(), route))

	require.True(t, route.fulfilled)
	require.Equal(t, []byte("new body"), route.body)

	entry, ok := env.engine.PeekMeta(key)
	require.True(t, ok)
	require.Equal(t, `"v2"`, entry.ETag)
	require.Equal(t, int64(1), env.engine.Stats().Outcome("miss").Count)
}

func TestStaleHitWhenRevalidationFetchFails(t *testing.T) {
	env := newTestEnv(t)
	url := "https://cdn.example/a.js"
	seedAsset(t, env, url, []byte("X"), map[string]string{"ETag": `"v1"`})

	env.clock.Advance(2 * time.Hour)

	route := &fakeRoute{
		req: getRequest(url, "script"),
		fetchFn: func(ctx context.Context, headers map[string]string) (Response, error) {
			return nil, errors.New("origin unreachable")
		},
	}
	require.NoError(t, env.proxy.Handle(context.Background(), route))

	require.True(t, route.fulfilled)
	require.Equal(t, http.StatusOK, route.status)
	require.Equal(t, []byte("X"), route.body)
	require.Equal(t, int64(1), env.engine.Stats().Outcome("hit").Count)
}

func TestColdMissFetchesAndStores(t *testing.T) {
	env := newTestEnv(t)
	url := "https://cdn.example/new.css"

	route := &fakeRoute{
		req: getRequest(url, "stylesheet"),
		fetchFn: func(ctx context.Context, headers map[string]string) (Response, error) {
			return &fakeResponse{
				status:  http.StatusOK,
				headers: map[string]string{"Content-Type": "text/css", "Content-Length": "6", "ETag": `"c1"`},
				body:    []byte("body{}"),
			}, nil
		},
	}
	require.NoError(t, env.proxy.Handle(context.Background(), route))

	require.True(t, route.fulfilled)
	require.Equal(t, []byte("body{}"), route.body)
	require.Equal(t, edgeproxy.ViaValue(), route.fetchHeaders[0]["via"])

	key := normalize.CacheKey(normalize.Canonical(url, edgeproxy.OriginThirdParty))
	entry, ok := env.engine.PeekMeta(key)
	require.True(t, ok)
	require.Equal(t, `"c1"`, entry.ETag)

	miss := env.engine.Stats().Outcome("miss")
	require.Equal(t, int64(1), miss.Count)
	require.Equal(t, int64(6), miss.BodyBytes)
	require.Equal(t, int64(6), miss.WireBytes)
}

func TestColdMissNon2xxNotStored(t *testing.T) {
	env := newTestEnv(t)
	url := "https://cdn.example/missing.js"

	route := &fakeRoute{
		req: getRequest(url, "script"),
		fetchFn: func(ctx context.Context, headers map[string]string) (Response, error) {
			return &fakeResponse{status: http.StatusNotFound, headers: map[string]string{}, body: []byte("not found")}, nil
		},
	}
	require.NoError(t, env.proxy.Handle(context.Background(), route))

	require.True(t, route.fulfilled)
	require.Equal(t, http.StatusNotFound, route.status)

	key := normalize.CacheKey(normalize.Canonical(url, edgeproxy.OriginThirdParty))
	_, ok := env.engine.PeekMeta(key)
	require.False(t, ok)

	miss := env.engine.Stats().Outcome("miss")
	require.Equal(t, int64(1), miss.Count)
	require.Zero(t, miss.BodyBytes)
}

func TestFetchResponseWithUncacheableContentTypeNotStored(t *testing.T) {
	env := newTestEnv(t)
	url := "https://api.example.com/v1/data"

	route := &fakeRoute{
		req: getRequest(url, "fetch"),
		fetchFn: func(ctx context.Context, headers map[string]string) (Response, error) {
			return &fakeResponse{
				status:  http.StatusOK,
				headers: map[string]string{"Content-Type": "application/json"},
				body:    []byte(`{"ok":true}`),
			}, nil
		},
	}
	require.NoError(t, env.proxy.Handle(context.Background(), route))

	require.True(t, route.fulfilled)
	require.Equal(t, []byte(`{"ok":true}`), route.body)

	key := normalize.CacheKey(normalize.Canonical(url, edgeproxy.OriginThirdParty))
	_, ok := env.engine.PeekMeta(key)
	require.False(t, ok)
}

func TestStaleRescueWhenColdFetchFails(t *testing.T) {
	env := newTestEnv(t)
	url := "https://cdn.example/a.js"
	// No validators: the handler goes straight to the cold-miss fetch.
	seedAsset(t, env, url, []byte("rescued"), map[string]string{"Content-Type": "text/javascript"})

	env.clock.Advance(2 * time.Hour)

	route := &fakeRoute{
		req: getRequest(url, "script"),
		fetchFn: func(ctx context.Context, headers map[string]string) (Response, error) {
			return nil, errors.New("origin down")
		},
	}
	require.NoError(t, env.proxy.Handle(context.Background(), route))

	require.True(t, route.fulfilled)
	require.Equal(t, http.StatusOK, route.status)
	require.Equal(t, []byte("rescued"), route.body)
}

func TestStaleRescueBeyondStaleHorizon(t *testing.T) {
	env := newTestEnv(t)
	url := "https://cdn.example/ancient.js"
	seedAsset(t, env, url, []byte("ancient"), nil)

	// Way past the stale horizon: invisible to normal lookups, still
	// rescued when the origin is unreachable.
	env.clock.Advance(30 * 24 * time.Hour)

	route := &fakeRoute{
		req: getRequest(url, "script"),
		fetchFn: func(ctx context.Context, headers map[string]string) (Response, error) {
			return nil, errors.New("origin down")
		},
	}
	require.NoError(t, env.proxy.Handle(context.Background(), route))
	require.True(t, route.fulfilled)
	require.Equal(t, []byte("ancient"), route.body)
}

func TestColdMissFailureWithNothingCachedPropagates(t *testing.T) {
	env := newTestEnv(t)

	wantErr := errors.New("origin down")
	route := &fakeRoute{
		req: getRequest("https://cdn.example/never-seen.js", "script"),
		fetchFn: func(ctx context.Context, headers map[string]string) (Response, error) {
			return nil, wantErr
		},
	}
	err := env.proxy.Handle(context.Background(), route)
	require.ErrorIs(t, err, wantErr)
	require.False(t, route.fulfilled)
	require.False(t, route.continued)
}

func TestAliasPromotion(t *testing.T) {
	env := newTestEnv(t)

	// Seed the un-versioned canonical entry with a validator, bound to the
	// alias the versioned URL will derive.
	bareURL := "https://cdn.example/lib.js"
	aliasKey, ok := normalize.Alias(bareURL + "?v=9")
	require.True(t, ok)
	canonicalKey := normalize.CacheKey(normalize.Canonical(bareURL, edgeproxy.OriginThirdParty))
	require.NoError(t, env.engine.Put(context.Background(), canonicalKey, bareURL, []byte("libbody"),
		map[string]string{"ETag": `"v1"`, "Content-Type": "text/javascript"}, "script", edgeproxy.OriginThirdParty, aliasKey))

	// Stale entry so the alias hit revalidates instead of replaying fresh.
	env.clock.Advance(2 * time.Hour)

	// The versioned request misses on its canonical key, hits the alias,
	// revalidates, and gets 304.
	versionedURL := bareURL + "?v=9"
	route := &fakeRoute{
		req: getRequest(versionedURL, "script"),
		fetchFn: func(ctx context.Context, headers map[string]string) (Response, error) {
			require.Equal(t, `"v1"`, headers["if-none-match"])
			return &fakeResponse{status: http.StatusNotModified, headers: map[string]string{}}, nil
		},
	}
	require.NoError(t, env.proxy.Handle(context.Background(), route))

	require.True(t, route.fulfilled)
	require.Equal(t, []byte("libbody"), route.body)
	require.Equal(t, int64(1), env.engine.Stats().Outcome("revalidated").Count)

	// Promotion: the versioned URL's own canonical key now has an entry, so
	// the next request is a fresh hit with no fetch.
	versionedKey := normalize.CacheKey(normalize.Canonical(versionedURL, edgeproxy.OriginThirdParty))
	_, ok = env.engine.PeekMeta(versionedKey)
	require.True(t, ok)

	second := &fakeRoute{req: getRequest(versionedURL, "script")}
	require.NoError(t, env.proxy.Handle(context.Background(), second))
	require.True(t, second.fulfilled)
	require.Empty(t, second.fetchHeaders)
	require.Equal(t, []byte("libbody"), second.body)
}

func TestRepeatedRevalidationAdvancesStoredAt(t *testing.T) {
	env := newTestEnv(t)
	url := "https://cdn.example/a.js"
	key := seedAsset(t, env, url, []byte("X"), map[string]string{"ETag": `"v1"`})

	var lastStoredAt int64
	entry, _ := env.engine.PeekMeta(key)
	lastStoredAt = entry.StoredAt

	for i := 0; i < 3; i++ {
		env.clock.Advance(2 * time.Hour)
		route := &fakeRoute{
			req: getRequest(url, "script"),
			fetchFn: func(ctx context.Context, headers map[string]string) (Response, error) {
				return &fakeResponse{status: http.StatusNotModified, headers: map[string]string{}}, nil
			},
		}
		require.NoError(t, env.proxy.Handle(context.Background(), route))
		require.True(t, route.fulfilled)

		entry, _ := env.engine.PeekMeta(key)
		require.Greater(t, entry.StoredAt, lastStoredAt)
		lastStoredAt = entry.StoredAt
	}

	require.Equal(t, int64(3), env.engine.Stats().Outcome("revalidated").Count)
}
