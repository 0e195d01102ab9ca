package syncqueue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReplayQueue(client Doer) *Queue {
	q := New(nil, nil, Config{MaxAttempts: 3, BaseBackoff: time.Millisecond})
	q.HandlePrefix(ReplayPrefix, ReplayTask(client))
	return q
}

func deferPost(t *testing.T, d *ReplayDeferrer, url, body string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "close")

	tag, err := d.Defer(context.Background(), req, []byte(body))
	require.NoError(t, err)
	return tag
}

func TestReplayDeferrerDedupesSameWrite(t *testing.T) {
	q := newReplayQueue(http.DefaultClient)
	d := NewReplayDeferrer(q)

	a := deferPost(t, d, "http://origin.test/api/posts", `{"title":"x"}`)
	b := deferPost(t, d, "http://origin.test/api/posts", `{"title":"x"}`)
	c := deferPost(t, d, "http://origin.test/api/posts", `{"title":"y"}`)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, ReplayPrefix))

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestReplayTaskResendsWrite(t *testing.T) {
	var got atomic.Value
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		got.Store(string(b))
		w.WriteHeader(http.StatusCreated)
	}))
	defer origin.Close()

	q := newReplayQueue(origin.Client())
	tag := deferPost(t, NewReplayDeferrer(q), origin.URL+"/api/posts", `{"title":"x"}`)

	require.NoError(t, q.Trigger(context.Background(), tag))
	assert.Equal(t, `{"title":"x"}`, got.Load())

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplayTaskClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer origin.Close()

	q := newReplayQueue(origin.Client())
	tag := deferPost(t, NewReplayDeferrer(q), origin.URL+"/api/posts", `{}`)

	err := q.Trigger(context.Background(), tag)
	assert.ErrorIs(t, err, ErrTaskDropped)
	assert.Equal(t, int32(1), calls.Load())

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplayTaskServerErrorIsRetried(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer origin.Close()

	q := newReplayQueue(origin.Client())
	tag := deferPost(t, NewReplayDeferrer(q), origin.URL+"/api/posts", `{}`)

	err := q.Trigger(context.Background(), tag)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTaskDropped)

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestRedisTaskStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisTaskStore(client, "test")
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, err := s.Insert(ctx, &Task{ID: "1", Tag: "b", CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Insert(ctx, &Task{ID: "2", Tag: "b"})
	require.NoError(t, err)
	assert.False(t, ok, "duplicate tag must not overwrite")

	ok, err = s.Insert(ctx, &Task{ID: "3", Tag: "a", CreatedAt: base, Payload: []byte(`{"k":1}`)})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("test:sync:tasks"))

	got, found, err := s.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", got.ID)

	got.Attempts = 2
	require.NoError(t, s.Update(ctx, got))

	tasks, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].Tag)
	assert.Equal(t, []byte(`{"k":1}`), tasks[0].Payload)
	assert.Equal(t, 2, tasks[1].Attempts)

	require.NoError(t, s.Delete(ctx, "a"))
	_, found, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQueueOnRedisTaskStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	var calls atomic.Int32
	q := New(NewRedisTaskStore(client, "gw"), nil, Config{MaxAttempts: 2, BaseBackoff: time.Millisecond})
	q.Handle(exampleTag, failing(&calls))
	ctx := context.Background()

	ok, err := q.Register(ctx, exampleTag, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Register(ctx, exampleTag, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	require.Error(t, q.Trigger(ctx, exampleTag))
	assert.ErrorIs(t, q.Trigger(ctx, exampleTag), ErrSyncExhausted)
	assert.Equal(t, int32(2), calls.Load())
}

func TestComputeBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 15; attempt++ {
		d := computeBackoff(time.Second, attempt, 10*time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 10*time.Second+1)
	}
	assert.Less(t, computeBackoff(time.Second, 0, time.Minute), time.Second)
}

func TestParseRetryAfter(t *testing.T) {
	header := func(v string) *http.Response {
		return &http.Response{Header: http.Header{"Retry-After": []string{v}}}
	}

	assert.Equal(t, 3*time.Second, parseRetryAfter(header("3")))
	assert.Equal(t, 5*time.Minute, parseRetryAfter(header("86400")))
	assert.Zero(t, parseRetryAfter(header("soon")))
	assert.Zero(t, parseRetryAfter(header("-1")))
	assert.Zero(t, parseRetryAfter(&http.Response{Header: http.Header{}}))
	assert.Zero(t, parseRetryAfter(nil))

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(header(future))
	assert.Greater(t, d, 60*time.Second)
	assert.LessOrEqual(t, d, 90*time.Second)
}

func TestProberDrainsQueueWhenOnline(t *testing.T) {
	var probes atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			probes.Add(1)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}))

	sink := &recordingSink{}
	q := New(nil, sink, Config{})
	q.Handle(exampleTag, FetchTask(origin.Client(), origin.URL+"/api/posts", updated))
	_, err := q.Register(context.Background(), exampleTag, nil)
	require.NoError(t, err)

	p := NewProber(origin.Client(), origin.URL, time.Second, q)
	p.Tick(context.Background())

	assert.True(t, p.Online())
	assert.Equal(t, int32(1), probes.Load())
	assert.Len(t, sink.all(), 1)

	origin.Close()
	p.Tick(context.Background())
	assert.False(t, p.Online())
}

func TestProberLeavesQueueAloneWhenOffline(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	var calls atomic.Int32
	q := New(nil, nil, Config{})
	q.Handle(exampleTag, failing(&calls))
	_, err := q.Register(context.Background(), exampleTag, nil)
	require.NoError(t, err)

	p := NewProber(http.DefaultClient, url, time.Second, q)
	p.Tick(context.Background())

	assert.False(t, p.Online())
	assert.Zero(t, calls.Load())
}
