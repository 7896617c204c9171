// Package worker runs sync tasks: a queue the API and scheduler feed, a
// bounded pool of workers that hand tasks to the reconciler, and the
// periodic audit scheduler.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/types"
)

// ErrQueueFull is returned when the queue is at capacity.
var ErrQueueFull = errors.New("sync queue is full")

// Ticket identifies an accepted task. A duplicate ticket points at a task
// already waiting for the same work.
type Ticket struct {
	TaskID    string `json:"taskId"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Queue holds sync tasks until a worker takes them. While a task is
// waiting, an equivalent task is coalesced into it.
type Queue interface {
	Enqueue(ctx context.Context, task types.SyncTask) (Ticket, error)
	Dequeue(ctx context.Context) (types.SyncTask, error)
	Len(ctx context.Context) (int, error)
}

// dedupKey identifies equivalent work.
func dedupKey(t types.SyncTask) string {
	return strings.Join([]string{string(t.Reason), strings.ToLower(t.ContractAddress), t.TokenID, t.ListingID}, "|")
}

// MemoryQueue is an in-process bounded queue.
type MemoryQueue struct {
	mu      sync.Mutex
	tasks   chan types.SyncTask
	pending map[string]string
}

// NewMemoryQueue creates a queue holding at most size tasks.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1000
	}
	return &MemoryQueue{
		tasks:   make(chan types.SyncTask, size),
		pending: make(map[string]string),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, task types.SyncTask) (Ticket, error) {
	if err := task.Validate(); err != nil {
		return Ticket{}, apperrors.NewInvalidParameterError("task", err.Error())
	}
	k := dedupKey(task)

	q.mu.Lock()
	defer q.mu.Unlock()
	if id, ok := q.pending[k]; ok {
		return Ticket{TaskID: id, Duplicate: true}, nil
	}
	select {
	case q.tasks <- task:
		q.pending[k] = task.ID
		return Ticket{TaskID: task.ID}, nil
	default:
		return Ticket{}, ErrQueueFull
	}
}

// Dequeue implements Queue. It blocks until a task arrives or ctx is done.
func (q *MemoryQueue) Dequeue(ctx context.Context) (types.SyncTask, error) {
	select {
	case <-ctx.Done():
		return types.SyncTask{}, ctx.Err()
	case task := <-q.tasks:
		q.mu.Lock()
		k := dedupKey(task)
		if q.pending[k] == task.ID {
			delete(q.pending, k)
		}
		q.mu.Unlock()
		return task, nil
	}
}

// Len implements Queue.
func (q *MemoryQueue) Len(context.Context) (int, error) {
	return len(q.tasks), nil
}

// RedisQueue is a queue shared by the API server and worker processes.
// Tasks are JSON documents in a list; pending markers coalesce duplicates.
type RedisQueue struct {
	client     redis.Cmdable
	listKey    string
	pendingKey string
	size       int64
	pendingTTL time.Duration
	pollWait   time.Duration
}

// RedisQueueConfig configures a RedisQueue.
type RedisQueueConfig struct {
	Client redis.Cmdable
	// Name prefixes every key; defaults to "sync".
	Name string
	Size int
	// PendingTTL bounds how long a lost task can block duplicates.
	PendingTTL time.Duration
	// PollWait is how long one BRPOP blocks before ctx is checked again.
	PollWait time.Duration
}

// NewRedisQueue creates a Redis-backed queue.
func NewRedisQueue(cfg *RedisQueueConfig) (*RedisQueue, error) {
	if cfg == nil || cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	name := cfg.Name
	if name == "" {
		name = "sync"
	}
	q := &RedisQueue{
		client:     cfg.Client,
		listKey:    name + ":tasks",
		pendingKey: name + ":pending:",
		size:       int64(cfg.Size),
		pendingTTL: cfg.PendingTTL,
		pollWait:   cfg.PollWait,
	}
	if q.size <= 0 {
		q.size = 1000
	}
	if q.pendingTTL <= 0 {
		q.pendingTTL = time.Hour
	}
	if q.pollWait <= 0 {
		q.pollWait = time.Second
	}
	return q, nil
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, task types.SyncTask) (Ticket, error) {
	if err := task.Validate(); err != nil {
		return Ticket{}, apperrors.NewInvalidParameterError("task", err.Error())
	}
	data, err := json.Marshal(task)
	if err != nil {
		return Ticket{}, fmt.Errorf("failed to marshal task: %w", err)
	}

	marker := q.pendingKey + dedupKey(task)
	ok, err := q.client.SetNX(ctx, marker, task.ID, q.pendingTTL).Result()
	if err != nil {
		return Ticket{}, apperrors.NewStoreUnavailableError("enqueue", err)
	}
	if !ok {
		id, err := q.client.Get(ctx, marker).Result()
		if err == nil {
			return Ticket{TaskID: id, Duplicate: true}, nil
		}
		if !errors.Is(err, redis.Nil) {
			return Ticket{}, apperrors.NewStoreUnavailableError("enqueue", err)
		}
		// The marker expired between the two calls.
		if err := q.client.Set(ctx, marker, task.ID, q.pendingTTL).Err(); err != nil {
			return Ticket{}, apperrors.NewStoreUnavailableError("enqueue", err)
		}
	}

	n, err := q.client.LLen(ctx, q.listKey).Result()
	if err != nil {
		q.client.Del(ctx, marker)
		return Ticket{}, apperrors.NewStoreUnavailableError("enqueue", err)
	}
	if n >= q.size {
		q.client.Del(ctx, marker)
		return Ticket{}, ErrQueueFull
	}
	if err := q.client.LPush(ctx, q.listKey, data).Err(); err != nil {
		q.client.Del(ctx, marker)
		return Ticket{}, apperrors.NewStoreUnavailableError("enqueue", err)
	}
	return Ticket{TaskID: task.ID}, nil
}

// Dequeue implements Queue.
func (q *RedisQueue) Dequeue(ctx context.Context) (types.SyncTask, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.SyncTask{}, err
		}
		res, err := q.client.BRPop(ctx, q.pollWait, q.listKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return types.SyncTask{}, ctx.Err()
			}
			return types.SyncTask{}, apperrors.NewStoreUnavailableError("dequeue", err)
		}

		var task types.SyncTask
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return types.SyncTask{}, fmt.Errorf("failed to decode task: %w", err)
		}
		marker := q.pendingKey + dedupKey(task)
		if id, err := q.client.Get(ctx, marker).Result(); err == nil && id == task.ID {
			q.client.Del(ctx, marker)
		}
		return task, nil
	}
}

// Len implements Queue.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.listKey).Result()
	if err != nil {
		return 0, apperrors.NewStoreUnavailableError("queue length", err)
	}
	return int(n), nil
}

var (
	_ Queue = (*MemoryQueue)(nil)
	_ Queue = (*RedisQueue)(nil)
)
