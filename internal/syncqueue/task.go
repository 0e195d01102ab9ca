package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task is a deferred unit of work, keyed by tag.
type Task struct {
	ID            string    `json:"id"`
	Tag           string    `json:"tag"`
	Payload       []byte    `json:"payload,omitempty"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	return &c
}

// TaskStore holds queued tasks. Insert must perform the duplicate-tag
// check and the insert as one atomic step.
type TaskStore interface {
	// Insert adds t unless a task with the same tag exists; it reports
	// whether t was inserted.
	Insert(ctx context.Context, t *Task) (bool, error)
	Get(ctx context.Context, tag string) (*Task, bool, error)
	Update(ctx context.Context, t *Task) error
	Delete(ctx context.Context, tag string) error
	// List returns all tasks, oldest first.
	List(ctx context.Context) ([]*Task, error)
}

// MemoryTaskStore keeps tasks in process memory.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*Task)}
}

func (s *MemoryTaskStore) Insert(_ context.Context, t *Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.Tag]; exists {
		return false, nil
	}
	s.tasks[t.Tag] = t.clone()
	return true, nil
}

func (s *MemoryTaskStore) Get(_ context.Context, tag string) (*Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[tag]
	if !ok {
		return nil, false, nil
	}
	return t.clone(), true, nil
}

func (s *MemoryTaskStore) Update(_ context.Context, t *Task) error {
	s.mu.Lock()
	s.tasks[t.Tag] = t.clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryTaskStore) Delete(_ context.Context, tag string) error {
	s.mu.Lock()
	delete(s.tasks, tag)
	s.mu.Unlock()
	return nil
}

func (s *MemoryTaskStore) List(_ context.Context) ([]*Task, error) {
	s.mu.Lock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.clone())
	}
	s.mu.Unlock()

	sortTasks(out)
	return out, nil
}

// RedisTaskStore keeps tasks in a single Redis hash, tag -> JSON task.
// HSETNX makes registration atomic across gateway processes.
type RedisTaskStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisTaskStore(client redis.UniversalClient, prefix string) *RedisTaskStore {
	key := "sync:tasks"
	if prefix != "" {
		key = prefix + ":" + key
	}
	return &RedisTaskStore{client: client, key: key}
}

func (s *RedisTaskStore) Insert(ctx context.Context, t *Task) (bool, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("encode task: %w", err)
	}
	ok, err := s.client.HSetNX(ctx, s.key, t.Tag, data).Result()
	if err != nil {
		return false, fmt.Errorf("redis insert task %s: %w", t.Tag, err)
	}
	return ok, nil
}

func (s *RedisTaskStore) Get(ctx context.Context, tag string) (*Task, bool, error) {
	data, err := s.client.HGet(ctx, s.key, tag).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get task %s: %w", tag, err)
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, false, fmt.Errorf("decode task %s: %w", tag, err)
	}
	return &t, true, nil
}

func (s *RedisTaskStore) Update(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, t.Tag, data).Err(); err != nil {
		return fmt.Errorf("redis update task %s: %w", t.Tag, err)
	}
	return nil
}

func (s *RedisTaskStore) Delete(ctx context.Context, tag string) error {
	if err := s.client.HDel(ctx, s.key, tag).Err(); err != nil {
		return fmt.Errorf("redis delete task %s: %w", tag, err)
	}
	return nil
}

func (s *RedisTaskStore) List(ctx context.Context) ([]*Task, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list tasks: %w", err)
	}

	out := make([]*Task, 0, len(all))
	for tag, data := range all {
		var t Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", tag, err)
		}
		out = append(out, &t)
	}

	sortTasks(out)
	return out, nil
}

func sortTasks(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].Tag < tasks[j].Tag
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
