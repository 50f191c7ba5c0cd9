// Package queue wraps the Redis lists used for dispatch and import jobs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect initializes a Redis client from URL or host:port input and pings it.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", parseErr)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", errPing)
	}
	return client, nil
}

// ErrEmpty is returned by Reserve when no job arrived before the timeout.
var ErrEmpty = errors.New("queue: empty")

// listClient is the subset of go-redis used by ListQueue.
type listClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
}

// ListQueue is a reliable FIFO over two Redis lists: jobs are pushed on the
// left of the main list and atomically moved into a processing list while a
// worker holds them, so a crashed worker's jobs can be put back.
type ListQueue struct {
	client     listClient
	name       string
	processing string
}

// NewListQueue builds a queue named name; its in-flight list is name + ":processing".
func NewListQueue(client listClient, name string) *ListQueue {
	return &ListQueue{client: client, name: name, processing: name + ":processing"}
}

// Name returns the main list key.
func (q *ListQueue) Name() string { return q.name }

// Enqueue pushes one job.
func (q *ListQueue) Enqueue(ctx context.Context, job string) error {
	if errPush := q.client.LPush(ctx, q.name, job).Err(); errPush != nil {
		return fmt.Errorf("queue %s: enqueue: %w", q.name, errPush)
	}
	return nil
}

// Reserve blocks up to timeout for the oldest job and moves it to the processing list.
func (q *ListQueue) Reserve(ctx context.Context, timeout time.Duration) (string, error) {
	job, errMove := q.client.BLMove(ctx, q.name, q.processing, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(errMove, redis.Nil) {
		return "", ErrEmpty
	}
	if errMove != nil {
		return "", fmt.Errorf("queue %s: reserve: %w", q.name, errMove)
	}
	return job, nil
}

// Ack removes a finished job from the processing list.
func (q *ListQueue) Ack(ctx context.Context, job string) error {
	if errRem := q.client.LRem(ctx, q.processing, 1, job).Err(); errRem != nil {
		return fmt.Errorf("queue %s: ack: %w", q.name, errRem)
	}
	return nil
}

// RequeueInflight moves every job left in the processing list back to the
// consuming end of the main list, oldest reservation first in line. Only call
// it when no worker of this queue is running.
func (q *ListQueue) RequeueInflight(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, errMove := q.client.LMove(ctx, q.processing, q.name, "LEFT", "RIGHT").Result()
		if errors.Is(errMove, redis.Nil) {
			return moved, nil
		}
		if errMove != nil {
			return moved, fmt.Errorf("queue %s: requeue: %w", q.name, errMove)
		}
		moved++
	}
}
