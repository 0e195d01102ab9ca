// Package lifecycle installs, activates and retires versions of the cache.
// Each version owns one store generation; activating a version deletes
// every other generation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"offline-gateway/internal/metrics"
	"offline-gateway/internal/store"
	"offline-gateway/pkg/logging"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is a controller's position in its lifecycle.
type State int

const (
	StateInstalling State = iota
	StateWaiting
	StateActivating
	StateActive
	StateRedundant
)

var allStates = []State{StateInstalling, StateWaiting, StateActivating, StateActive, StateRedundant}

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNoGeneration  = errors.New("lifecycle: no generation open")
	ErrRedundant     = errors.New("lifecycle: controller is redundant")
	ErrInvalidState  = errors.New("lifecycle: invalid state transition")
	ErrPrewarmFailed = errors.New("lifecycle: prewarm failed")
)

// Fetcher performs prewarm round trips. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	Version    string
	Generation string
	// PrewarmURLs are fetched and stored during install. Any failure,
	// including a non-2xx status, fails the whole install.
	PrewarmURLs []string
	// PrewarmConcurrency bounds parallel prewarm fetches; 0 means 8.
	PrewarmConcurrency int
}

// Controller owns one version of the cache.
type Controller struct {
	cfg     Config
	store   store.Store
	fetcher Fetcher
	now     func() time.Time

	mu      sync.RWMutex
	state   State
	gen     store.Generation
	changed chan struct{}
}

func New(cfg Config, st store.Store, fetcher Fetcher) *Controller {
	if cfg.PrewarmConcurrency <= 0 {
		cfg.PrewarmConcurrency = 8
	}
	if fetcher == nil {
		fetcher = http.DefaultClient
	}
	c := &Controller{
		cfg:     cfg,
		store:   st,
		fetcher: fetcher,
		now:     time.Now,
		state:   StateInstalling,
		changed: make(chan struct{}),
	}
	c.publishState(StateInstalling)
	return c
}

func (c *Controller) Version() string    { return c.cfg.Version }
func (c *Controller) Generation() string { return c.cfg.Generation }

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// transition moves from one of the allowed states to next.
func (c *Controller) transition(next State, from ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	allowed := false
	for _, s := range from {
		if c.state == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, c.state, next)
	}

	c.setLocked(next)
	return nil
}

func (c *Controller) setLocked(next State) {
	c.state = next
	close(c.changed)
	c.changed = make(chan struct{})
	c.publishState(next)
}

func (c *Controller) publishState(current State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		metrics.LifecycleState.WithLabelValues(c.cfg.Version, s.String()).Set(v)
	}
}

// Install opens the controller's generation and prewarms it. On failure
// the controller becomes Redundant and nothing already active is touched.
func (c *Controller) Install(ctx context.Context) error {
	logger := logging.L(ctx).With(
		zap.String("version", c.cfg.Version),
		zap.String("generation", c.cfg.Generation),
	)

	if s := c.State(); s != StateInstalling {
		return fmt.Errorf("%w: install from %s", ErrInvalidState, s)
	}

	gen, err := c.store.Open(ctx, c.cfg.Generation)
	if err != nil {
		c.fail(logger, "install_open_failed", err)
		return fmt.Errorf("install %s: %w", c.cfg.Version, err)
	}

	c.mu.Lock()
	c.gen = gen
	c.mu.Unlock()

	start := time.Now()
	if err := c.prewarm(ctx, gen); err != nil {
		c.fail(logger, "install_prewarm_failed", err)
		return fmt.Errorf("install %s: %w", c.cfg.Version, err)
	}

	if err := c.transition(StateWaiting, StateInstalling); err != nil {
		return err
	}
	logger.Info("installed",
		zap.Int("prewarmed", len(c.cfg.PrewarmURLs)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (c *Controller) fail(logger *zap.Logger, msg string, err error) {
	logger.Error(msg, zap.Error(err))
	c.mu.Lock()
	if c.state != StateRedundant {
		c.setLocked(StateRedundant)
	}
	c.mu.Unlock()
}

type prewarmed struct {
	fp   store.Fingerprint
	snap *store.StoredResponse
}

// prewarm fetches every URL concurrently and stores the results only if
// all of them succeeded.
func (c *Controller) prewarm(ctx context.Context, gen store.Generation) error {
	if len(c.cfg.PrewarmURLs) == 0 {
		return nil
	}

	results := make([]prewarmed, len(c.cfg.PrewarmURLs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.PrewarmConcurrency)

	for i, url := range c.cfg.PrewarmURLs {
		i, url := i, url
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrPrewarmFailed, url, err)
			}
			resp, err := c.fetcher.Do(req)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrPrewarmFailed, url, err)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				return fmt.Errorf("%w: %s: status %d", ErrPrewarmFailed, url, resp.StatusCode)
			}
			snap, err := store.Snapshot(resp, c.now())
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrPrewarmFailed, url, err)
			}
			// Prewarm requests carry no client headers, so entries are keyed
			// with vary ignored and serve every variant until one is cached.
			results[i] = prewarmed{fp: store.NewFingerprint(req, nil), snap: snap}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range results {
		if err := gen.Put(ctx, r.fp, r.snap); err != nil {
			return fmt.Errorf("%w: store: %w", ErrPrewarmFailed, err)
		}
	}
	return nil
}

// Activate deletes every generation except this controller's and makes it
// Active. Failed deletions are logged and skipped.
func (c *Controller) Activate(ctx context.Context) error {
	if err := c.transition(StateActivating, StateWaiting); err != nil {
		return err
	}

	logger := logging.L(ctx).With(
		zap.String("version", c.cfg.Version),
		zap.String("generation", c.cfg.Generation),
	)

	names, err := c.store.List(ctx)
	if err != nil {
		logger.Error("activate_list_failed", zap.Error(err))
	}

	var (
		g       errgroup.Group
		evicted []string
		evMu    sync.Mutex
	)
	for _, name := range names {
		if name == c.cfg.Generation {
			continue
		}
		name := name
		g.Go(func() error {
			if err := c.store.Delete(ctx, name); err != nil {
				metrics.GenerationsEvictedTotal.WithLabelValues("error").Inc()
				logger.Error("generation_evict_failed", zap.String("evicted", name), zap.Error(err))
				return nil
			}
			metrics.GenerationsEvictedTotal.WithLabelValues("ok").Inc()
			evMu.Lock()
			evicted = append(evicted, name)
			evMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := c.transition(StateActive, StateActivating); err != nil {
		return err
	}
	logger.Info("activated", zap.Strings("evicted", evicted))
	return nil
}

// Supersede retires the controller. It is terminal.
func (c *Controller) Supersede() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRedundant {
		c.setLocked(StateRedundant)
	}
}

// WaitActive blocks until the controller is Active.
func (c *Controller) WaitActive(ctx context.Context) error {
	for {
		c.mu.RLock()
		state, changed := c.state, c.changed
		c.mu.RUnlock()

		switch state {
		case StateActive:
			return nil
		case StateRedundant:
			return ErrRedundant
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) generation() (store.Generation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gen == nil {
		return nil, ErrNoGeneration
	}
	return c.gen, nil
}

// Match looks fp up in the controller's generation only.
func (c *Controller) Match(ctx context.Context, fp store.Fingerprint) (*store.StoredResponse, bool, error) {
	gen, err := c.generation()
	if err != nil {
		return nil, false, err
	}
	return gen.Match(ctx, fp)
}

// Put writes into the controller's generation.
func (c *Controller) Put(ctx context.Context, fp store.Fingerprint, resp *store.StoredResponse) error {
	gen, err := c.generation()
	if err != nil {
		return err
	}
	return gen.Put(ctx, fp, resp)
}
