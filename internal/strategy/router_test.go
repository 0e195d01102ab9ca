package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"offline-gateway/internal/store"
)

type fetchFunc func(*http.Request) (*http.Response, error)

func (f fetchFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

// switchableOrigin answers from handler while online and fails at the
// transport level while offline.
type switchableOrigin struct {
	handler http.Handler
	offline atomic.Bool
	calls   atomic.Int32
}

func (o *switchableOrigin) Do(r *http.Request) (*http.Response, error) {
	o.calls.Add(1)
	if o.offline.Load() {
		return nil, errors.New("dial tcp 127.0.0.1:80: connect: connection refused")
	}
	rec := httptest.NewRecorder()
	o.handler.ServeHTTP(rec, r)
	return rec.Result(), nil
}

func newGeneration(t *testing.T) store.Generation {
	t.Helper()
	gen, err := store.NewMemoryStore().Open(context.Background(), "cache-v1")
	if err != nil {
		t.Fatalf("open generation: %v", err)
	}
	return gen
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

type post struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

func TestNetworkFirstCachesAndServesOffline(t *testing.T) {
	posts := []post{{1, "a"}, {2, "b"}, {3, "c"}, {4, "d"}}
	origin := &switchableOrigin{handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(posts)
	})}
	gen := newGeneration(t)
	router := NewRouter(Config{}, origin)

	req := httptest.NewRequest(http.MethodGet, "http://origin/api/posts", nil)
	res, err := router.Fetch(context.Background(), gen, req)
	if err != nil {
		t.Fatalf("Fetch online: %v", err)
	}
	if res.Source != SourceNetwork || res.Class != ClassWriteSensitive {
		t.Fatalf("unexpected result: %+v", res)
	}
	online := readBody(t, res.Response)
	router.Wait()

	stored, ok, err := gen.Match(context.Background(), res.Fingerprint)
	if err != nil || !ok {
		t.Fatalf("expected stored entry, ok=%v err=%v", ok, err)
	}
	if string(stored.Body) != online || stored.Status != http.StatusOK {
		t.Fatalf("stored entry differs from returned response: %q vs %q", stored.Body, online)
	}

	origin.offline.Store(true)

	res, err = router.Fetch(context.Background(), gen, httptest.NewRequest(http.MethodGet, "http://origin/api/posts", nil))
	if err != nil {
		t.Fatalf("Fetch offline: %v", err)
	}
	if res.Source != SourceCache {
		t.Fatalf("expected cache fallback, got %s", res.Source)
	}
	var got []post
	if err := json.Unmarshal([]byte(readBody(t, res.Response)), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 4 || got[3].Title != "d" {
		t.Fatalf("unexpected posts from cache: %+v", got)
	}
}

func TestNetworkFirstPassesHTTPErrorsThrough(t *testing.T) {
	origin := &switchableOrigin{handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})}
	gen := newGeneration(t)
	req := httptest.NewRequest(http.MethodGet, "http://origin/api/posts", nil)
	fp := store.NewFingerprint(req, nil)
	if err := gen.Put(context.Background(), fp, &store.StoredResponse{Status: 200, Body: []byte("cached")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	router := NewRouter(Config{}, origin)
	res, err := router.Fetch(context.Background(), gen, req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceNetwork || res.Response.StatusCode != http.StatusInternalServerError {
		t.Fatalf("5xx must be returned as-is, got %s %d", res.Source, res.Response.StatusCode)
	}
	if body := readBody(t, res.Response); body != "boom" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestNetworkFirstMissAndOfflineFails(t *testing.T) {
	origin := &switchableOrigin{}
	origin.offline.Store(true)

	router := NewRouter(Config{}, origin)
	_, err := router.Fetch(context.Background(), newGeneration(t), httptest.NewRequest(http.MethodGet, "http://origin/api/posts", nil))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	origin := &switchableOrigin{}
	origin.offline.Store(true)

	gen := newGeneration(t)
	req := httptest.NewRequest(http.MethodGet, "http://origin/static/logo.png", nil)
	seeded := &store.StoredResponse{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"image/png"}},
		Body:   []byte("LOGO"),
	}
	if err := gen.Put(context.Background(), store.NewFingerprint(req, nil), seeded); err != nil {
		t.Fatalf("seed: %v", err)
	}

	router := NewRouter(Config{}, origin)
	res, err := router.Fetch(context.Background(), gen, req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if origin.calls.Load() != 0 {
		t.Fatalf("cache hit must not reach the network, got %d calls", origin.calls.Load())
	}
	if res.Source != SourceCache || res.Response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected result %+v", res)
	}
	if body := readBody(t, res.Response); body != "LOGO" {
		t.Fatalf("expected LOGO, got %q", body)
	}
	if res.Response.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("headers not preserved: %v", res.Response.Header)
	}
}

func TestCacheFirstMissFetchesAndStores(t *testing.T) {
	origin := &switchableOrigin{handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("body{}"))
	})}
	gen := newGeneration(t)
	router := NewRouter(Config{}, origin)

	for i := 0; i < 2; i++ {
		res, err := router.Fetch(context.Background(), gen, httptest.NewRequest(http.MethodGet, "http://origin/static/app.css", nil))
		if err != nil {
			t.Fatalf("Fetch %d: %v", i, err)
		}
		if body := readBody(t, res.Response); body != "body{}" {
			t.Fatalf("unexpected body %q", body)
		}
		router.Wait()
	}

	if origin.calls.Load() != 1 {
		t.Fatalf("second request should be a cache hit, network calls = %d", origin.calls.Load())
	}
}

func TestCacheFirstMissOfflineFails(t *testing.T) {
	origin := &switchableOrigin{}
	origin.offline.Store(true)

	router := NewRouter(Config{}, origin)
	_, err := router.Fetch(context.Background(), newGeneration(t), httptest.NewRequest(http.MethodGet, "http://origin/static/app.css", nil))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

type failingCache struct{ puts atomic.Int32 }

func (c *failingCache) Match(context.Context, store.Fingerprint) (*store.StoredResponse, bool, error) {
	return nil, false, errors.New("store unavailable")
}

func (c *failingCache) Put(context.Context, store.Fingerprint, *store.StoredResponse) error {
	c.puts.Add(1)
	return errors.New("quota exceeded")
}

func TestStoreFailuresNeverReachTheCaller(t *testing.T) {
	origin := &switchableOrigin{handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fresh"))
	})}
	cache := &failingCache{}
	router := NewRouter(Config{}, origin)

	for _, path := range []string{"/api/posts", "/static/app.js"} {
		res, err := router.Fetch(context.Background(), cache, httptest.NewRequest(http.MethodGet, "http://origin"+path, nil))
		if err != nil {
			t.Fatalf("%s: store failure leaked: %v", path, err)
		}
		if body := readBody(t, res.Response); body != "fresh" {
			t.Fatalf("%s: unexpected body %q", path, body)
		}
	}
	router.Wait()
	if cache.puts.Load() != 2 {
		t.Fatalf("expected both puts attempted, got %d", cache.puts.Load())
	}
}

func TestTruncatedBodyIsTransportFailure(t *testing.T) {
	fetcher := fetchFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       io.NopCloser(io.MultiReader(strings.NewReader("par"), errReader{})),
		}, nil
	})
	gen := newGeneration(t)
	req := httptest.NewRequest(http.MethodGet, "http://origin/api/posts", nil)
	if err := gen.Put(context.Background(), store.NewFingerprint(req, nil), &store.StoredResponse{Status: 200, Body: []byte("whole")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := NewRouter(Config{}, fetcher).Fetch(context.Background(), gen, req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceCache || readBody(t, res.Response) != "whole" {
		t.Fatalf("expected fallback to cached body")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

type recordingDeferrer struct {
	method string
	body   string
}

func (d *recordingDeferrer) Defer(_ context.Context, req *http.Request, body []byte) (string, error) {
	d.method = req.Method
	d.body = string(body)
	return "replay:abc", nil
}

func TestFailedWriteIsDeferred(t *testing.T) {
	origin := &switchableOrigin{}
	origin.offline.Store(true)
	deferrer := &recordingDeferrer{}
	router := NewRouter(Config{}, origin, WithDeferrer(deferrer))

	req, err := http.NewRequest(http.MethodPost, "http://origin/api/posts", strings.NewReader(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	_, err = router.Fetch(context.Background(), newGeneration(t), req)
	var deferred *DeferredError
	if !errors.As(err, &deferred) {
		t.Fatalf("expected DeferredError, got %v", err)
	}
	if deferred.Tag != "replay:abc" || !errors.Is(err, ErrTransport) {
		t.Fatalf("unexpected deferred error: %v", err)
	}
	if deferrer.method != http.MethodPost || deferrer.body != `{"title":"x"}` {
		t.Fatalf("deferrer got %s %q", deferrer.method, deferrer.body)
	}
}

func TestNonGETIsNeverStored(t *testing.T) {
	origin := &switchableOrigin{handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})}
	cache := &failingCache{}
	router := NewRouter(Config{}, origin)

	res, err := router.Fetch(context.Background(), cache, httptest.NewRequest(http.MethodPost, "http://origin/api/posts", strings.NewReader("{}")))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	res.Response.Body.Close()
	router.Wait()
	if res.Response.StatusCode != http.StatusCreated || cache.puts.Load() != 0 {
		t.Fatalf("POST must pass through without a put: status %d puts %d", res.Response.StatusCode, cache.puts.Load())
	}
}

func TestConnectionRefusedIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	router := NewRouter(Config{}, srv.Client())
	req, _ := http.NewRequest(http.MethodGet, url+"/api/posts", nil)
	_, err := router.Fetch(context.Background(), newGeneration(t), req)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestPathContainsClassifier(t *testing.T) {
	c := PathContains("/api/", "/graphql")
	cases := map[string]Class{
		"http://o/api/posts":     ClassWriteSensitive,
		"http://o/v1/graphql":    ClassWriteSensitive,
		"http://o/static/a.png":  ClassStatic,
		"http://o/apiary/x":      ClassStatic,
		"http://o/?q=/api/posts": ClassStatic,
	}
	for u, want := range cases {
		if got := c(httptest.NewRequest(http.MethodGet, u, nil)); got != want {
			t.Errorf("%s: got %s, want %s", u, got, want)
		}
	}
}

func TestVaryMissFallsBackToEntryStoredWithoutVary(t *testing.T) {
	origin := &switchableOrigin{}
	origin.offline.Store(true)
	vary := []string{"Accept-Language"}

	gen := newGeneration(t)
	bare := httptest.NewRequest(http.MethodGet, "http://origin/static/logo.png", nil)
	if err := gen.Put(context.Background(), store.NewFingerprint(bare, nil), &store.StoredResponse{Status: 200, Body: []byte("any")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	router := NewRouter(Config{VaryHeaders: vary}, origin)

	req := httptest.NewRequest(http.MethodGet, "http://origin/static/logo.png", nil)
	req.Header.Set("Accept-Language", "de")
	res, err := router.Fetch(context.Background(), gen, req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceCache || readBody(t, res.Response) != "any" {
		t.Fatalf("expected the vary-less entry from cache, got %+v", res)
	}
	if origin.calls.Load() != 0 {
		t.Fatalf("cache hit must not reach the network, got %d calls", origin.calls.Load())
	}

	if err := gen.Put(context.Background(), store.NewFingerprint(req, vary), &store.StoredResponse{Status: 200, Body: []byte("de")}); err != nil {
		t.Fatalf("seed variant: %v", err)
	}
	res, err = router.Fetch(context.Background(), gen, req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if body := readBody(t, res.Response); body != "de" {
		t.Fatalf("exact variant must win, got %q", body)
	}
}
