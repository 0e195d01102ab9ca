package syncqueue

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"offline-gateway/internal/metrics"
	"offline-gateway/pkg/logging"

	"go.uber.org/zap"
)

// Prober watches origin reachability and drains the queue while the origin
// answers. Any HTTP response, whatever its status, counts as online.
type Prober struct {
	client   Doer
	url      string
	interval time.Duration
	queue    *Queue

	online atomic.Bool
	probed atomic.Bool
}

func NewProber(client Doer, url string, interval time.Duration, q *Queue) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{client: client, url: url, interval: interval, queue: q}
}

// Online reports the result of the last probe.
func (p *Prober) Online() bool {
	return p.online.Load()
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	logging.L(ctx).Info("prober_started",
		zap.String("url", p.url),
		zap.Duration("interval", p.interval),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Tick(ctx)
		select {
		case <-ctx.Done():
			logging.L(ctx).Info("prober_stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one probe and, when the origin is up, triggers due tasks.
func (p *Prober) Tick(ctx context.Context) {
	logger := logging.L(ctx)

	online := p.probe(ctx)
	was := p.online.Swap(online)
	first := !p.probed.Swap(true)

	if online {
		metrics.OriginOnline.Set(1)
	} else {
		metrics.OriginOnline.Set(0)
	}

	if first || was != online {
		if online {
			logger.Info("origin_online", zap.String("url", p.url))
		} else {
			logger.Warn("origin_offline", zap.String("url", p.url))
		}
	}

	if !online || p.queue == nil {
		return
	}

	n, err := p.queue.TriggerDue(ctx)
	if n > 0 || err != nil {
		logger.Info("sync_drain",
			zap.Int("attempted", n),
			zap.Error(err),
		)
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		logging.L(ctx).Debug("probe_failed", zap.Error(err))
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}
