// Package worker turns lifecycle, fetch and sync signals into events and
// routes each one to its handler through an explicit dispatch table.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"offline-gateway/internal/lifecycle"
	"offline-gateway/internal/store"
	"offline-gateway/internal/strategy"
	"offline-gateway/internal/syncqueue"
	"offline-gateway/pkg/logging"

	"go.uber.org/zap"
)

// Kind names an event.
type Kind string

const (
	KindInstall  Kind = "install"
	KindActivate Kind = "activate"
	KindFetch    Kind = "fetch"
	KindRegister Kind = "register"
	KindSync     Kind = "sync"
)

var (
	ErrUnknownEvent = errors.New("worker: no handler for event")
	ErrNotWaiting   = errors.New("worker: no installed version is waiting")
	ErrStopped      = errors.New("worker: event loop stopped")
)

// Event is one signal from the environment. Fields not used by a kind are
// left zero.
type Event struct {
	Kind    Kind
	Version string        // install
	Request *http.Request // fetch
	Tag     string        // register, sync
	Payload []byte        // register
}

// Result carries what a handler produced.
type Result struct {
	Fetch      *strategy.Result
	Registered bool
}

// Outcome is delivered on Envelope.Done once the handler returns.
type Outcome struct {
	Result Result
	Err    error
}

// Envelope is an event in flight. Done receives exactly one Outcome.
type Envelope struct {
	Ctx   context.Context
	Event Event
	Done  chan Outcome
}

// HandlerFunc handles one event.
type HandlerFunc func(ctx context.Context, ev Event) (Result, error)

type Config struct {
	// CachePrefix and a version form the generation name, <prefix>-<version>.
	CachePrefix string
	PrewarmURLs []string
	// SkipWaiting activates a version as soon as it is installed.
	SkipWaiting bool
	// QueueSize is the event channel buffer; 0 means 64.
	QueueSize int
}

// Status describes the versions the worker holds.
type Status struct {
	Version        string `json:"version,omitempty"`
	State          string `json:"state"`
	Generation     string `json:"generation,omitempty"`
	WaitingVersion string `json:"waiting_version,omitempty"`
}

// Worker owns the lifecycle controllers and runs events against them.
type Worker struct {
	cfg     Config
	store   store.Store
	router  *strategy.Router
	queue   *syncqueue.Queue
	fetcher lifecycle.Fetcher

	// lifecycleMu serializes install and activate.
	lifecycleMu sync.Mutex

	mu      sync.RWMutex
	current *lifecycle.Controller
	waiting *lifecycle.Controller

	handlers map[Kind]HandlerFunc
	events   chan *Envelope
	inflight sync.WaitGroup

	// intakeMu is held for reading while Post sends; stopping is closed
	// first so a blocked sender lets go, then stopped is set under the
	// write lock and nothing can be queued behind the final drain.
	intakeMu sync.RWMutex
	stopped  bool
	stopping chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, st store.Store, router *strategy.Router, queue *syncqueue.Queue, fetcher lifecycle.Fetcher) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	w := &Worker{
		cfg:     cfg,
		store:   st,
		router:  router,
		queue:   queue,
		fetcher: fetcher,
		events:   make(chan *Envelope, cfg.QueueSize),
		stopping: make(chan struct{}),
	}
	w.handlers = map[Kind]HandlerFunc{
		KindInstall:  w.handleInstall,
		KindActivate: w.handleActivate,
		KindFetch:    w.handleFetch,
		KindRegister: w.handleRegister,
		KindSync:     w.handleSync,
	}
	return w
}

// On replaces the handler for kind. Call it before Run.
func (w *Worker) On(kind Kind, fn HandlerFunc) {
	w.handlers[kind] = fn
}

// Run dispatches events until ctx is cancelled, one goroutine per event.
// It returns once every in-flight handler has finished. After that, Post
// fails with ErrStopped.
func (w *Worker) Run(ctx context.Context) {
	defer w.inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			w.stop()
			w.drain()
			return
		case env := <-w.events:
			w.inflight.Add(1)
			go func() {
				defer w.inflight.Done()
				w.handle(env)
			}()
		}
	}
}

func (w *Worker) stop() {
	w.stopOnce.Do(func() {
		close(w.stopping)
		w.intakeMu.Lock()
		w.stopped = true
		w.intakeMu.Unlock()
	})
}

// drain fails events queued after shutdown started.
func (w *Worker) drain() {
	for {
		select {
		case env := <-w.events:
			env.Done <- Outcome{Err: ErrStopped}
		default:
			return
		}
	}
}

func (w *Worker) handle(env *Envelope) {
	ctx := logging.WithFields(env.Ctx, zap.String("event", string(env.Event.Kind)))

	fn, ok := w.handlers[env.Event.Kind]
	if !ok {
		env.Done <- Outcome{Err: fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event.Kind)}
		return
	}

	res, err := fn(ctx, env.Event)
	env.Done <- Outcome{Result: res, Err: err}
}

// Post queues ev and returns its envelope without waiting for the result.
func (w *Worker) Post(ctx context.Context, ev Event) (*Envelope, error) {
	w.intakeMu.RLock()
	defer w.intakeMu.RUnlock()

	if w.stopped {
		return nil, ErrStopped
	}

	env := &Envelope{Ctx: ctx, Event: ev, Done: make(chan Outcome, 1)}
	select {
	case w.events <- env:
		return env, nil
	case <-w.stopping:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatch queues ev and waits for its outcome.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	env, err := w.Post(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	select {
	case out := <-env.Done:
		return out.Result, out.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Install installs version, activating it right away when SkipWaiting is set.
func (w *Worker) Install(ctx context.Context, version string) error {
	_, err := w.Dispatch(ctx, Event{Kind: KindInstall, Version: version})
	return err
}

// Activate activates the waiting version.
func (w *Worker) Activate(ctx context.Context) error {
	_, err := w.Dispatch(ctx, Event{Kind: KindActivate})
	return err
}

// Upgrade installs version and, if SkipWaiting is off, activates it too.
func (w *Worker) Upgrade(ctx context.Context, version string) error {
	if err := w.Install(ctx, version); err != nil {
		return err
	}
	if w.cfg.SkipWaiting {
		return nil
	}
	return w.Activate(ctx)
}

// Fetch answers req through the gate and the strategy router.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*strategy.Result, error) {
	res, err := w.Dispatch(ctx, Event{Kind: KindFetch, Request: req})
	return res.Fetch, err
}

// RequestDeferredSync queues tag for background sync. It returns false
// when the tag was already queued.
func (w *Worker) RequestDeferredSync(ctx context.Context, tag string, payload []byte) (bool, error) {
	res, err := w.Dispatch(ctx, Event{Kind: KindRegister, Tag: tag, Payload: payload})
	return res.Registered, err
}

// Sync runs the task queued under tag once.
func (w *Worker) Sync(ctx context.Context, tag string) error {
	_, err := w.Dispatch(ctx, Event{Kind: KindSync, Tag: tag})
	return err
}

func (w *Worker) PendingTasks(ctx context.Context) ([]*syncqueue.Task, error) {
	return w.queue.Pending(ctx)
}

func (w *Worker) Generations(ctx context.Context) ([]string, error) {
	return w.store.List(ctx)
}

func (w *Worker) Status() Status {
	w.mu.RLock()
	current, waiting := w.current, w.waiting
	w.mu.RUnlock()

	var st Status
	if current == nil {
		st.State = "none"
	} else {
		st.Version = current.Version()
		st.State = current.State().String()
		st.Generation = current.Generation()
	}
	if waiting != nil {
		st.WaitingVersion = waiting.Version()
	}
	return st
}

// GenerationName is the store generation used for version.
func (w *Worker) GenerationName(version string) string {
	return w.cfg.CachePrefix + "-" + version
}

func (w *Worker) handleInstall(ctx context.Context, ev Event) (Result, error) {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	c := lifecycle.New(lifecycle.Config{
		Version:     ev.Version,
		Generation:  w.GenerationName(ev.Version),
		PrewarmURLs: w.cfg.PrewarmURLs,
	}, w.store, w.fetcher)

	if err := c.Install(ctx); err != nil {
		return Result{}, err
	}

	w.mu.Lock()
	previous := w.waiting
	w.waiting = c
	w.mu.Unlock()
	if previous != nil {
		previous.Supersede()
	}

	if w.cfg.SkipWaiting {
		return Result{}, w.activateLocked(ctx)
	}
	return Result{}, nil
}

func (w *Worker) handleActivate(ctx context.Context, _ Event) (Result, error) {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	return Result{}, w.activateLocked(ctx)
}

// activateLocked promotes the waiting controller. Fetches arriving while it
// is Activating wait for it instead of using the old version.
func (w *Worker) activateLocked(ctx context.Context) error {
	w.mu.Lock()
	next, old := w.waiting, w.current
	if next == nil {
		w.mu.Unlock()
		return ErrNotWaiting
	}
	w.current, w.waiting = next, nil
	w.mu.Unlock()

	if old != nil {
		old.Supersede()
	}
	return next.Activate(ctx)
}

// gate returns the cache fetches should use, waiting while the current
// controller activates. A nil cache means requests go straight to the
// network.
func (w *Worker) gate(ctx context.Context) (strategy.Cache, error) {
	for {
		w.mu.RLock()
		c := w.current
		w.mu.RUnlock()

		if c == nil {
			return nil, nil
		}

		err := c.WaitActive(ctx)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, lifecycle.ErrRedundant) {
			return nil, err
		}

		w.mu.RLock()
		replaced := w.current != c
		w.mu.RUnlock()
		if !replaced {
			return nil, nil
		}
	}
}

func (w *Worker) handleFetch(ctx context.Context, ev Event) (Result, error) {
	if ev.Request == nil {
		return Result{}, errors.New("worker: fetch event without request")
	}
	cache, err := w.gate(ctx)
	if err != nil {
		return Result{}, err
	}
	res, err := w.router.Fetch(ctx, cache, ev.Request)
	return Result{Fetch: res}, err
}

func (w *Worker) handleRegister(ctx context.Context, ev Event) (Result, error) {
	ok, err := w.queue.Register(ctx, ev.Tag, ev.Payload)
	return Result{Registered: ok}, err
}

func (w *Worker) handleSync(ctx context.Context, ev Event) (Result, error) {
	return Result{}, w.queue.Trigger(ctx, ev.Tag)
}
