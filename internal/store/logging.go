package store

import (
	"context"
	"time"

	"offline-gateway/internal/metrics"
	"offline-gateway/pkg/logging"

	"go.uber.org/zap"
)

// LoggingStore wraps a Store with logging + metrics.
type LoggingStore struct {
	inner   Store
	backend string
}

// NewLogging returns a store that logs every operation and records metrics.
func NewLogging(inner Store, backend string) *LoggingStore {
	return &LoggingStore{inner: inner, backend: backend}
}

func (s *LoggingStore) Open(ctx context.Context, name string) (Generation, error) {
	start := time.Now()
	gen, err := s.inner.Open(ctx, name)
	s.observe(ctx, "open", start, err, zap.String("generation", name))
	if err != nil {
		return nil, err
	}
	return &loggingGeneration{inner: gen, store: s}, nil
}

func (s *LoggingStore) Delete(ctx context.Context, name string) error {
	start := time.Now()
	err := s.inner.Delete(ctx, name)
	s.observe(ctx, "delete", start, err, zap.String("generation", name))
	return err
}

func (s *LoggingStore) List(ctx context.Context) ([]string, error) {
	start := time.Now()
	names, err := s.inner.List(ctx)
	s.observe(ctx, "list", start, err, zap.Int("generations", len(names)))
	return names, err
}

// observe records the outcome of a non-lookup operation.
func (s *LoggingStore) observe(ctx context.Context, op string, start time.Time, err error, fields ...zap.Field) {
	latency := time.Since(start)
	metrics.StoreLatencySeconds.WithLabelValues(op).Observe(latency.Seconds())

	fields = append(fields,
		zap.String("store_backend", s.backend),
		zap.Float64("latency_ms", float64(latency.Microseconds())/1000.0),
	)

	logger := logging.L(ctx)
	if err != nil {
		metrics.StoreOpsTotal.WithLabelValues(op, "error").Inc()
		logger.Error("store_"+op, append(fields, zap.Error(err))...)
		return
	}
	metrics.StoreOpsTotal.WithLabelValues(op, "ok").Inc()
	logger.Debug("store_"+op, fields...)
}

type loggingGeneration struct {
	inner Generation
	store *LoggingStore
}

func (g *loggingGeneration) Name() string { return g.inner.Name() }

func (g *loggingGeneration) Match(ctx context.Context, fp Fingerprint) (*StoredResponse, bool, error) {
	start := time.Now()
	resp, ok, err := g.inner.Match(ctx, fp)
	latency := time.Since(start)
	metrics.StoreLatencySeconds.WithLabelValues("match").Observe(latency.Seconds())

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
	}
	metrics.StoreOpsTotal.WithLabelValues("match", result).Inc()

	fields := []zap.Field{
		zap.String("store_backend", g.store.backend),
		zap.String("generation", g.inner.Name()),
		zap.String("fingerprint", string(fp)),
		zap.String("cache_result", result), // hit | miss | error
		zap.Float64("latency_ms", float64(latency.Microseconds())/1000.0),
	}

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("store_match", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("store_match", fields...)
	}
	return resp, ok, err
}

func (g *loggingGeneration) Put(ctx context.Context, fp Fingerprint, resp *StoredResponse) error {
	start := time.Now()
	err := g.inner.Put(ctx, fp, resp)
	g.store.observe(ctx, "put", start, err,
		zap.String("generation", g.inner.Name()),
		zap.String("fingerprint", string(fp)),
		zap.Int("status", resp.Status),
		zap.Int("body_bytes", len(resp.Body)),
	)
	return err
}
