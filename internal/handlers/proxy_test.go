package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"offline-gateway/internal/middleware"
	"offline-gateway/internal/strategy"
)

type mockFetcher struct {
	res      *strategy.Result
	err      error
	calls    int
	lastReq  *http.Request
	lastBody string
}

func (m *mockFetcher) Fetch(ctx context.Context, req *http.Request) (*strategy.Result, error) {
	m.calls++
	m.lastReq = req
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		m.lastBody = string(b)
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.res, nil
}

func response(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newProxy(t *testing.T, f Fetcher) *ProxyHandler {
	t.Helper()
	h, err := NewProxyHandler(f, "http://origin.test/base/")
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	return h
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestProxyForwardsAndTagsSource(t *testing.T) {
	fetcher := &mockFetcher{res: &strategy.Result{
		Response: response(http.StatusOK, `[{"id":1}]`, http.Header{
			"Content-Type": {"application/json"},
			"Connection":   {"close"},
		}),
		Source: strategy.SourceCache,
		Class:  strategy.ClassWriteSensitive,
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/posts?page=2", nil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Connection", "keep-alive")
	rr := httptest.NewRecorder()
	newProxy(t, fetcher).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Header().Get(CacheSourceHeader); got != "cache" {
		t.Fatalf("expected %s cache, got %q", CacheSourceHeader, got)
	}
	if rr.Header().Get("Connection") != "" {
		t.Fatalf("hop-by-hop header leaked to client")
	}
	if rr.Body.String() != `[{"id":1}]` {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}

	out := fetcher.lastReq
	if got := out.URL.String(); got != "http://origin.test/base/api/posts?page=2" {
		t.Fatalf("unexpected outbound URL %s", got)
	}
	if out.Header.Get("Accept") != "application/json" {
		t.Fatalf("request headers not forwarded")
	}
	if out.Header.Get("Connection") != "" {
		t.Fatalf("hop-by-hop header forwarded to origin")
	}
}

func TestProxyPassesErrorStatusThrough(t *testing.T) {
	fetcher := &mockFetcher{res: &strategy.Result{
		Response: response(http.StatusNotFound, "nope", nil),
		Source:   strategy.SourceNetwork,
	}}

	rr := httptest.NewRecorder()
	newProxy(t, fetcher).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/missing", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected origin status 404, got %d", rr.Code)
	}
	if rr.Header().Get(CacheSourceHeader) != "network" {
		t.Fatalf("expected network source")
	}
}

func TestProxyForwardsBody(t *testing.T) {
	fetcher := &mockFetcher{res: &strategy.Result{Response: response(http.StatusCreated, "", nil), Source: strategy.SourceNetwork}}

	req := httptest.NewRequest(http.MethodPost, "/api/posts", bytes.NewBufferString(`{"title":"x"}`))
	rr := httptest.NewRecorder()
	newProxy(t, fetcher).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if fetcher.lastBody != `{"title":"x"}` {
		t.Fatalf("body not forwarded: %q", fetcher.lastBody)
	}
	if fetcher.lastReq.GetBody == nil {
		t.Fatalf("outbound request must be replayable")
	}
}

func TestProxyTransportFailure(t *testing.T) {
	fetcher := &mockFetcher{err: fmt.Errorf("%w: dial tcp: connection refused", strategy.ErrTransport)}

	rr := httptest.NewRecorder()
	newProxy(t, fetcher).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/posts", nil))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if body := decodeError(t, rr); body["error"] != "origin_unreachable" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestProxyDeferredWrite(t *testing.T) {
	fetcher := &mockFetcher{err: &strategy.DeferredError{
		Tag: "replay:abc",
		Err: fmt.Errorf("%w: offline", strategy.ErrTransport),
	}}

	rr := httptest.NewRecorder()
	newProxy(t, fetcher).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader("{}")))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if body := decodeError(t, rr); body["deferred_tag"] != "replay:abc" {
		t.Fatalf("expected deferred_tag in body, got %v", body)
	}
}

func TestProxyUnexpectedError(t *testing.T) {
	fetcher := &mockFetcher{err: errors.New("boom")}

	rr := httptest.NewRecorder()
	newProxy(t, fetcher).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestProxyRejectsOversizedBody(t *testing.T) {
	fetcher := &mockFetcher{}
	h := middleware.MaxBodySize(4)(newProxy(t, fetcher))

	req := httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader("too large"))
	req.ContentLength = -1
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	if fetcher.calls != 0 {
		t.Fatalf("oversized request must not reach the origin")
	}
}
