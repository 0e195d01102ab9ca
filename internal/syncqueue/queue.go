// Package syncqueue holds deferred work keyed by tag and runs it when the
// origin is reachable again. A task is retried a bounded number of times and
// its listeners are notified when it succeeds.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"offline-gateway/internal/metrics"
	"offline-gateway/internal/notify"
	"offline-gateway/pkg/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownTag    = errors.New("syncqueue: no task body for tag")
	ErrTaskRunning   = errors.New("syncqueue: task already running")
	ErrNotPending    = errors.New("syncqueue: no pending task for tag")
	ErrSyncExhausted = errors.New("syncqueue: retry limit reached")
	ErrTaskDropped   = errors.New("syncqueue: task failed permanently")
)

// Body runs a task. On success it may return a notification for the user.
type Body func(ctx context.Context, t *Task) (*notify.Notification, error)

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

type prefixBody struct {
	prefix string
	body   Body
}

// Queue registers and triggers sync tasks.
type Queue struct {
	cfg   Config
	tasks TaskStore
	sink  notify.Sink
	now   func() time.Time

	mu        sync.Mutex
	bodies    map[string]Body
	prefixes  []prefixBody
	running   map[string]struct{}
	rerun     map[string][]byte
	exhausted []func(ctx context.Context, t *Task, err error)
}

type Option func(*Queue)

// WithClock overrides the time source used for scheduling.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// OnExhausted subscribes fn to tasks dropped after their last attempt or a
// permanent failure.
func OnExhausted(fn func(ctx context.Context, t *Task, err error)) Option {
	return func(q *Queue) { q.exhausted = append(q.exhausted, fn) }
}

func New(tasks TaskStore, sink notify.Sink, cfg Config, opts ...Option) *Queue {
	if tasks == nil {
		tasks = NewMemoryTaskStore()
	}
	if sink == nil {
		sink = notify.Multi{}
	}
	q := &Queue{
		cfg:     cfg.withDefaults(),
		tasks:   tasks,
		sink:    sink,
		now:     time.Now,
		bodies:  make(map[string]Body),
		running: make(map[string]struct{}),
		rerun:   make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Handle sets the body run for tag.
func (q *Queue) Handle(tag string, body Body) {
	q.mu.Lock()
	q.bodies[tag] = body
	q.mu.Unlock()
}

// HandlePrefix sets the body for every tag starting with prefix. Exact
// matches registered with Handle win.
func (q *Queue) HandlePrefix(prefix string, body Body) {
	q.mu.Lock()
	q.prefixes = append(q.prefixes, prefixBody{prefix: prefix, body: body})
	q.mu.Unlock()
}

func (q *Queue) body(tag string) (Body, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if b, ok := q.bodies[tag]; ok {
		return b, true
	}
	for _, p := range q.prefixes {
		if strings.HasPrefix(tag, p.prefix) {
			return p.body, true
		}
	}
	return nil, false
}

// Register queues a task for tag. It returns false, without error, when a
// task with the same tag is already pending. A registration made while the
// tag's task is running is queued again once that run finishes.
func (q *Queue) Register(ctx context.Context, tag string, payload []byte) (bool, error) {
	if tag == "" {
		return false, fmt.Errorf("%w: empty tag", ErrUnknownTag)
	}
	if _, ok := q.body(tag); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}

	logger := logging.L(ctx).With(zap.String("tag", tag))

	// q.mu is held across the insert so a run cannot start between the
	// running check and the write.
	q.mu.Lock()
	if _, busy := q.running[tag]; busy {
		_, queued := q.rerun[tag]
		if !queued {
			q.rerun[tag] = payload
		}
		q.mu.Unlock()

		if queued {
			metrics.SyncTasksTotal.WithLabelValues("duplicate").Inc()
			logger.Debug("sync_register_duplicate")
			return false, nil
		}
		metrics.SyncTasksTotal.WithLabelValues("registered").Inc()
		logger.Info("sync_registered_during_run")
		return true, nil
	}
	t, inserted, err := q.insert(ctx, tag, payload)
	q.mu.Unlock()

	if err != nil {
		return false, fmt.Errorf("register %s: %w", tag, err)
	}
	if !inserted {
		metrics.SyncTasksTotal.WithLabelValues("duplicate").Inc()
		logger.Debug("sync_register_duplicate")
		return false, nil
	}

	metrics.SyncTasksTotal.WithLabelValues("registered").Inc()
	logger.Info("sync_registered", zap.String("task_id", t.ID))
	q.refreshPending(ctx)
	return true, nil
}

// insert writes a fresh task for tag. Callers hold q.mu.
func (q *Queue) insert(ctx context.Context, tag string, payload []byte) (*Task, bool, error) {
	now := q.now()
	t := &Task{
		ID:            uuid.NewString(),
		Tag:           tag,
		Payload:       payload,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	inserted, err := q.tasks.Insert(ctx, t)
	return t, inserted, err
}

// Trigger runs the task queued under tag once.
//
// Success removes the task and notifies the sink. Failure counts an
// attempt; the task is dropped with ErrSyncExhausted when it reaches
// MaxAttempts, or with ErrTaskDropped on a permanent error. Otherwise it
// stays queued until its next attempt time.
func (q *Queue) Trigger(ctx context.Context, tag string) error {
	body, ok := q.body(tag)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}

	if !q.markRunning(tag) {
		return fmt.Errorf("%w: %s", ErrTaskRunning, tag)
	}
	defer q.finishRun(ctx, tag)

	t, ok, err := q.tasks.Get(ctx, tag)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", tag, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPending, tag)
	}

	ctx = logging.WithFields(ctx, zap.String("tag", tag), zap.String("task_id", t.ID))
	logger := logging.L(ctx)

	n, runErr := body(ctx, t)
	if runErr == nil {
		return q.succeed(ctx, t, n)
	}

	t.Attempts++
	t.LastError = runErr.Error()

	switch {
	case isPermanent(runErr):
		q.drop(ctx, t, "dropped", runErr)
		return fmt.Errorf("%w: %s: %w", ErrTaskDropped, tag, runErr)

	case t.Attempts >= q.cfg.MaxAttempts:
		q.drop(ctx, t, "exhausted", runErr)
		return fmt.Errorf("%w: %s after %d attempts: %w", ErrSyncExhausted, tag, t.Attempts, runErr)
	}

	delay := retryAfter(runErr)
	if delay <= 0 {
		delay = computeBackoff(q.cfg.BaseBackoff, t.Attempts-1, q.cfg.MaxBackoff)
	}
	t.NextAttemptAt = q.now().Add(delay)

	if err := q.tasks.Update(ctx, t); err != nil {
		return fmt.Errorf("trigger %s: save attempt: %w", tag, err)
	}

	metrics.SyncTasksTotal.WithLabelValues("retry").Inc()
	logger.Warn("sync_attempt_failed",
		zap.Int("attempt", t.Attempts),
		zap.Int("max_attempts", q.cfg.MaxAttempts),
		zap.Duration("retry_in", delay),
		zap.Error(runErr),
	)
	return fmt.Errorf("trigger %s: %w", tag, runErr)
}

func (q *Queue) succeed(ctx context.Context, t *Task, n *notify.Notification) error {
	logger := logging.L(ctx)

	if err := q.tasks.Delete(ctx, t.Tag); err != nil {
		return fmt.Errorf("trigger %s: remove completed task: %w", t.Tag, err)
	}
	metrics.SyncTasksTotal.WithLabelValues("success").Inc()
	logger.Info("sync_succeeded", zap.Int("attempt", t.Attempts+1))
	q.refreshPending(ctx)

	if n == nil {
		return nil
	}
	if n.Tag == "" {
		n.Tag = t.Tag
	}
	if err := q.sink.Notify(ctx, *n); err != nil {
		logger.Warn("sync_notification_failed", zap.Error(err))
	}
	return nil
}

// drop removes a task that will not be retried. The user is not notified;
// OnExhausted subscribers are.
func (q *Queue) drop(ctx context.Context, t *Task, outcome string, cause error) {
	logger := logging.L(ctx)

	if err := q.tasks.Delete(ctx, t.Tag); err != nil {
		logger.Error("sync_drop_failed", zap.Error(err))
	}
	metrics.SyncTasksTotal.WithLabelValues(outcome).Inc()
	logger.Error("sync_task_dropped",
		zap.String("outcome", outcome),
		zap.Int("attempts", t.Attempts),
		zap.Error(cause),
	)
	q.refreshPending(ctx)

	q.mu.Lock()
	hooks := append([]func(context.Context, *Task, error){}, q.exhausted...)
	q.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx, t, cause)
	}
}

// TriggerDue triggers every queued task whose next attempt time has
// passed. It returns how many tasks were attempted and the joined errors
// of those that failed.
func (q *Queue) TriggerDue(ctx context.Context) (int, error) {
	tasks, err := q.tasks.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}

	now := q.now()
	var (
		attempted int
		errs      []error
	)
	for _, t := range tasks {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if t.NextAttemptAt.After(now) {
			continue
		}
		err := q.Trigger(ctx, t.Tag)
		if errors.Is(err, ErrTaskRunning) || errors.Is(err, ErrNotPending) {
			continue
		}
		attempted++
		if err != nil {
			errs = append(errs, err)
		}
	}
	return attempted, errors.Join(errs...)
}

// Pending lists queued tasks, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]*Task, error) {
	return q.tasks.List(ctx)
}

func (q *Queue) markRunning(tag string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.running[tag]; busy {
		return false
	}
	q.running[tag] = struct{}{}
	return true
}

// finishRun clears the running mark and queues any registration that
// arrived during the run. When the run left its task pending for a retry,
// that task already covers the registration.
func (q *Queue) finishRun(ctx context.Context, tag string) {
	q.mu.Lock()
	payload, again := q.rerun[tag]
	delete(q.rerun, tag)
	delete(q.running, tag)
	if !again {
		q.mu.Unlock()
		return
	}
	t, inserted, err := q.insert(ctx, tag, payload)
	q.mu.Unlock()

	logger := logging.L(ctx)
	switch {
	case err != nil:
		logger.Error("sync_requeue_failed", zap.String("tag", tag), zap.Error(err))
	case inserted:
		logger.Info("sync_registered", zap.String("tag", tag), zap.String("task_id", t.ID))
		q.refreshPending(ctx)
	}
}

func (q *Queue) refreshPending(ctx context.Context) {
	tasks, err := q.tasks.List(ctx)
	if err != nil {
		return
	}
	metrics.SyncPending.Set(float64(len(tasks)))
}
