package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"offline-gateway/internal/middleware"
	"offline-gateway/internal/strategy"
	"offline-gateway/pkg/logging"

	"go.uber.org/zap"
)

// CacheSourceHeader tells the client where a proxied response came from.
const CacheSourceHeader = "X-Cache-Source"

// Fetcher answers an outbound request. *worker.Worker satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*strategy.Result, error)
}

// hopHeaders are per-connection and are not forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyHandler forwards client requests to the origin through the worker.
type ProxyHandler struct {
	Fetcher Fetcher
	Origin  *url.URL
}

func NewProxyHandler(f Fetcher, originURL string) (*ProxyHandler, error) {
	u, err := url.Parse(strings.TrimRight(originURL, "/"))
	if err != nil {
		return nil, err
	}
	return &ProxyHandler{Fetcher: f, Origin: u}, nil
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	out, err := h.outbound(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "request_too_large", nil)
			return
		}
		logger.Warn("invalid request", zap.Error(err))
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", nil)
		return
	}

	res, err := h.Fetcher.Fetch(ctx, out)
	if err != nil {
		h.writeFetchError(ctx, w, logger, err)
		return
	}
	defer res.Response.Body.Close()

	header := w.Header()
	for name, values := range res.Response.Header {
		header[name] = append([]string(nil), values...)
	}
	removeHopHeaders(header)
	header.Set(CacheSourceHeader, string(res.Source))

	w.WriteHeader(res.Response.StatusCode)
	n, copyErr := io.Copy(w, res.Response.Body)

	logger.Info("proxy_decision",
		zap.String("strategy", res.Class.String()),
		zap.String("source", string(res.Source)),
		zap.Int("status", res.Response.StatusCode),
		zap.Int64("bytes", n),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
	if copyErr != nil {
		logger.Warn("proxy_copy_failed", zap.Error(copyErr))
	}
}

// outbound builds the origin request for r. The body is buffered so the
// request can be re-read for replay.
func (h *ProxyHandler) outbound(r *http.Request) (*http.Request, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}

	target := *h.Origin
	target.Path = h.Origin.Path + r.URL.Path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), rdr)
	if err != nil {
		return nil, err
	}

	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)
	if ip := r.RemoteAddr; ip != "" {
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		out.Header.Add("X-Forwarded-For", ip)
	}
	return out, nil
}

func (h *ProxyHandler) writeFetchError(ctx context.Context, w http.ResponseWriter, logger *zap.Logger, err error) {
	var deferred *strategy.DeferredError
	switch {
	case errors.As(err, &deferred):
		logger.Info("proxy_write_deferred", zap.String("tag", deferred.Tag))
		middleware.WriteError(w, http.StatusServiceUnavailable, "origin_unreachable",
			map[string]any{"deferred_tag": deferred.Tag})

	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		logger.Warn("request timeout", zap.Error(err))
		middleware.WriteError(w, http.StatusGatewayTimeout, "gateway_timeout", nil)

	case errors.Is(err, strategy.ErrTransport):
		logger.Warn("proxy_transport_failure", zap.Error(err))
		middleware.WriteError(w, http.StatusBadGateway, "origin_unreachable", nil)

	case errors.Is(ctx.Err(), context.Canceled):
		// Client went away; nothing useful to write.
		logger.Debug("request cancelled")

	default:
		logger.Error("proxy_failed", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "internal_server_error", nil)
	}
}

func removeHopHeaders(h http.Header) {
	for _, name := range h.Values("Connection") {
		for _, field := range strings.Split(name, ",") {
			if field = strings.TrimSpace(field); field != "" {
				h.Del(field)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
