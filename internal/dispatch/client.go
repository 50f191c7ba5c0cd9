// Package dispatch pushes view jobs onto the durable Redis list read by the
// external workers. Delivery is at-least-once from the consumer's side and has
// no transactional link to the database.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/postreach/viewpool/internal/models"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	// DefaultQueueName is the list the view workers consume.
	DefaultQueueName   = "view-increment-queue"
	defaultPushTimeout = 5 * time.Second
)

// ErrNoProxy is returned for accounts without a loaded proxy.
var ErrNoProxy = errors.New("dispatch: account has no proxy")

// pusher is the subset of go-redis used for dispatch.
type pusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Options tunes a Client.
type Options struct {
	Queue       string
	PushTimeout time.Duration
	// RateLimit caps pushes per second; zero disables throttling.
	RateLimit float64
}

// Client serializes accounts into messages and pushes them to Redis.
type Client struct {
	rdb     pusher
	queue   string
	timeout time.Duration
	limiter *rate.Limiter
}

// NewClient constructs a dispatch client over a go-redis client.
func NewClient(rdb pusher, opts Options) *Client {
	c := &Client{
		rdb:     rdb,
		queue:   opts.Queue,
		timeout: opts.PushTimeout,
	}
	if c.queue == "" {
		c.queue = DefaultQueueName
	}
	if c.timeout <= 0 {
		c.timeout = defaultPushTimeout
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// Dispatch pushes one message for account against postURL. The call is
// bounded by the push timeout, including time spent waiting on the rate
// limiter, and is never retried here.
func (c *Client) Dispatch(ctx context.Context, account models.Account, postURL string) error {
	if account.Proxy == nil {
		return ErrNoProxy
	}
	payload, errMarshal := json.Marshal(NewMessage(account, postURL))
	if errMarshal != nil {
		return fmt.Errorf("dispatch: marshal account %d: %w", account.ID, errMarshal)
	}

	pushCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if errWait := c.limiter.Wait(pushCtx); errWait != nil {
			return fmt.Errorf("dispatch: throttle account %d: %w", account.ID, errWait)
		}
	}
	if errPush := c.rdb.LPush(pushCtx, c.queue, payload).Err(); errPush != nil {
		return fmt.Errorf("dispatch: push account %d: %w", account.ID, errPush)
	}
	return nil
}
