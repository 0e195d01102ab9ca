package strategy

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"offline-gateway/internal/metrics"
	"offline-gateway/internal/store"
	"offline-gateway/pkg/logging"

	"go.uber.org/zap"
)

// Fetcher performs the network round trip. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Cache is the store handle the router reads and writes: the current
// generation of the active lifecycle controller.
type Cache interface {
	Match(ctx context.Context, fp store.Fingerprint) (*store.StoredResponse, bool, error)
	Put(ctx context.Context, fp store.Fingerprint, resp *store.StoredResponse) error
}

// Deferrer queues a failed write for replay once the origin is reachable.
// It returns the tag of the queued task.
type Deferrer interface {
	Defer(ctx context.Context, req *http.Request, body []byte) (string, error)
}

// Source says where a response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Result is a response plus how it was obtained.
type Result struct {
	Response    *http.Response
	Source      Source
	Class       Class
	Fingerprint store.Fingerprint
}

type Config struct {
	Classifier  Classifier
	VaryHeaders []string
}

// Router classifies each request and runs the matching strategy against
// the cache and the network.
type Router struct {
	cfg      Config
	fetcher  Fetcher
	deferrer Deferrer
	now      func() time.Time

	puts sync.WaitGroup
}

type Option func(*Router)

// WithDeferrer hands transport failures of non-GET write-sensitive requests
// to d instead of failing them outright.
func WithDeferrer(d Deferrer) Option {
	return func(r *Router) { r.deferrer = d }
}

// WithClock overrides the capture timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter builds a router. Log output goes to the logger carried by the
// request context (see pkg/logging).
func NewRouter(cfg Config, fetcher Fetcher, opts ...Option) *Router {
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultClassifier
	}
	r := &Router{
		cfg:     cfg,
		fetcher: fetcher,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch answers req. A nil cache means no controller is active: the
// request goes to the network and nothing is stored.
func (r *Router) Fetch(ctx context.Context, cache Cache, req *http.Request) (*Result, error) {
	class := r.cfg.Classifier(req)

	// Only GET responses are cacheable; everything else is a plain round trip.
	if cache == nil || req.Method != http.MethodGet {
		return r.passThrough(ctx, req, class)
	}

	fp := store.NewFingerprint(req, r.cfg.VaryHeaders)
	ctx = logging.WithFields(ctx,
		zap.String("strategy", class.String()),
		zap.String("fingerprint", string(fp)),
	)

	if class == ClassWriteSensitive {
		return r.networkFirst(ctx, cache, req, fp)
	}
	return r.cacheFirst(ctx, cache, req, fp)
}

// networkFirst tries the network, caching what it gets; on a transport
// failure it falls back to the store.
func (r *Router) networkFirst(ctx context.Context, cache Cache, req *http.Request, fp store.Fingerprint) (*Result, error) {
	logger := logging.L(ctx)

	snap, err := r.network(ctx, req)
	if err == nil {
		r.put(ctx, cache, fp, snap)
		metrics.ResponsesTotal.WithLabelValues(ClassWriteSensitive.String(), string(SourceNetwork)).Inc()
		return &Result{Response: snap.Response(req), Source: SourceNetwork, Class: ClassWriteSensitive, Fingerprint: fp}, nil
	}

	logger.Warn("network_first_transport_failure", zap.Error(err))

	cached, ok := r.match(ctx, cache, req, fp)
	if !ok {
		metrics.TransportFailuresTotal.WithLabelValues(ClassWriteSensitive.String()).Inc()
		return nil, err
	}

	logger.Info("network_first_fallback",
		zap.Time("captured_at", cached.CapturedAt),
		zap.Int("status", cached.Status),
	)
	metrics.FallbacksTotal.Inc()
	metrics.ResponsesTotal.WithLabelValues(ClassWriteSensitive.String(), string(SourceCache)).Inc()
	return &Result{Response: cached.Response(req), Source: SourceCache, Class: ClassWriteSensitive, Fingerprint: fp}, nil
}

// cacheFirst answers from the store when it can, without touching the
// network. A hit is never revalidated.
func (r *Router) cacheFirst(ctx context.Context, cache Cache, req *http.Request, fp store.Fingerprint) (*Result, error) {
	if cached, ok := r.match(ctx, cache, req, fp); ok {
		metrics.ResponsesTotal.WithLabelValues(ClassStatic.String(), string(SourceCache)).Inc()
		return &Result{Response: cached.Response(req), Source: SourceCache, Class: ClassStatic, Fingerprint: fp}, nil
	}

	snap, err := r.network(ctx, req)
	if err != nil {
		logging.L(ctx).Warn("cache_first_transport_failure", zap.Error(err))
		metrics.TransportFailuresTotal.WithLabelValues(ClassStatic.String()).Inc()
		return nil, err
	}

	r.put(ctx, cache, fp, snap)
	metrics.ResponsesTotal.WithLabelValues(ClassStatic.String(), string(SourceNetwork)).Inc()
	return &Result{Response: snap.Response(req), Source: SourceNetwork, Class: ClassStatic, Fingerprint: fp}, nil
}

// passThrough forwards req without touching the store. Write-sensitive
// requests that fail at the transport level are deferred when possible.
func (r *Router) passThrough(ctx context.Context, req *http.Request, class Class) (*Result, error) {
	var body []byte
	if r.deferrer != nil && class == ClassWriteSensitive && req.GetBody != nil {
		// Read a copy up front: the outbound body is consumed by the round trip.
		if rc, err := req.GetBody(); err == nil {
			body, _ = io.ReadAll(rc)
			rc.Close()
		}
	}

	resp, err := r.fetcher.Do(req.WithContext(ctx))
	if err == nil {
		metrics.ResponsesTotal.WithLabelValues(class.String(), string(SourceNetwork)).Inc()
		return &Result{Response: resp, Source: SourceNetwork, Class: class}, nil
	}

	err = transportError(err)
	metrics.TransportFailuresTotal.WithLabelValues(class.String()).Inc()

	if r.deferrer == nil || class != ClassWriteSensitive || req.Method == http.MethodGet {
		return nil, err
	}

	tag, derr := r.deferrer.Defer(ctx, req, body)
	if derr != nil {
		logging.L(ctx).Error("defer_write_failed", zap.Error(derr), zap.NamedError("cause", err))
		return nil, err
	}
	logging.L(ctx).Info("write_deferred", zap.String("tag", tag), zap.Error(err))
	return nil, &DeferredError{Tag: tag, Err: err}
}

// network performs the round trip and snapshots the response. Any error,
// including one while reading the body, is a transport failure.
func (r *Router) network(ctx context.Context, req *http.Request) (*store.StoredResponse, error) {
	resp, err := r.fetcher.Do(req.WithContext(ctx))
	if err != nil {
		return nil, transportError(err)
	}
	snap, err := store.Snapshot(resp, r.now())
	if err != nil {
		return nil, transportError(err)
	}
	return snap, nil
}

// match reads from the store; a store error is logged and treated as a miss.
// With vary headers configured, a miss on fp falls back to the entry stored
// with vary ignored, which is where prewarmed responses live.
func (r *Router) match(ctx context.Context, cache Cache, req *http.Request, fp store.Fingerprint) (*store.StoredResponse, bool) {
	cached, ok := r.lookup(ctx, cache, fp)
	if ok || len(r.cfg.VaryHeaders) == 0 {
		return cached, ok
	}
	return r.lookup(ctx, cache, store.NewFingerprint(req, nil))
}

func (r *Router) lookup(ctx context.Context, cache Cache, fp store.Fingerprint) (*store.StoredResponse, bool) {
	cached, ok, err := cache.Match(ctx, fp)
	if err != nil {
		logging.L(ctx).Warn("store_match_failed", zap.Error(err))
		return nil, false
	}
	return cached, ok
}

// put writes a copy of snap in the background. Failures are logged only.
func (r *Router) put(ctx context.Context, cache Cache, fp store.Fingerprint, snap *store.StoredResponse) {
	entry := snap.Clone()
	ctx = context.WithoutCancel(ctx)

	r.puts.Add(1)
	go func() {
		defer r.puts.Done()
		if err := cache.Put(ctx, fp, entry); err != nil {
			logging.L(ctx).Warn("store_put_failed", zap.Error(err))
		}
	}()
}

// Wait blocks until every background put started so far has finished.
func (r *Router) Wait() {
	r.puts.Wait()
}
