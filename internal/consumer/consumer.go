// Package consumer subscribes to the engine's event channel on Redis,
// decodes each envelope and hands the event to a dispatcher.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nadmax/asynctasq-monitor/internal/event"
	"github.com/nadmax/asynctasq-monitor/internal/metrics"
)

const (
	DefaultPollTimeout  = time.Second
	DefaultRetryBackoff = time.Second
)

// Dispatcher receives every successfully decoded event.
// *broadcaster.Broadcaster implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event) int
}

type Option func(*Consumer)

// WithPollTimeout bounds each wait for the next channel message, and with it
// how long Stop waits for the loop to notice cancellation.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.retryBackoff = d
		}
	}
}

// WithObserver registers fn to see each decoded event after dispatch.
func WithObserver(fn func(event.Event)) Option {
	return func(c *Consumer) {
		c.observers = append(c.observers, fn)
	}
}

// Consumer moves from idle to running on Start and back to idle on Stop.
// It owns its Redis client and subscription exclusively.
type Consumer struct {
	redisURL     string
	channel      string
	pollTimeout  time.Duration
	retryBackoff time.Duration
	dispatcher   Dispatcher
	observers    []func(event.Event)
	logger       *zap.Logger

	mu      sync.Mutex
	running bool
	client  *redis.Client
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(redisURL, channel string, dispatcher Dispatcher, logger *zap.Logger, opts ...Option) *Consumer {
	c := &Consumer{
		redisURL:     redisURL,
		channel:      channel,
		pollTimeout:  DefaultPollTimeout,
		retryBackoff: DefaultRetryBackoff,
		dispatcher:   dispatcher,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start connects, checks the broker is alive, subscribes and launches the
// consume loop. It returns once the subscription is confirmed. A failed
// liveness check is returned and leaves the consumer idle.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunningLocked() {
		c.logger.Info("consumer already running", zap.String("channel", c.channel))
		return nil
	}
	// A loop that exited on its own still holds its client.
	c.stopLocked()

	opts, err := redis.ParseURL(c.redisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	pubsub := client.Subscribe(ctx, c.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return fmt.Errorf("subscribe to %s: %w", c.channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.client = client
	c.pubsub = pubsub
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.loop(loopCtx, pubsub, c.done)

	c.logger.Info("consumer started",
		zap.String("addr", opts.Addr),
		zap.String("channel", c.channel),
	)
	return nil
}

func (c *Consumer) loop(ctx context.Context, pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := pubsub.ReceiveTimeout(ctx, c.pollTimeout)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case isTimeout(err):
				continue
			case errors.Is(err, redis.ErrClosed):
				c.logger.Warn("subscription closed, consume loop exiting")
				return
			}

			c.logger.Warn("receive from channel failed",
				zap.String("channel", c.channel),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryBackoff):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			c.handle(ctx, []byte(m.Payload))
		case *redis.Subscription, *redis.Pong:
		default:
			c.logger.Debug("unexpected pubsub message", zap.String("kind", fmt.Sprintf("%T", msg)))
		}
	}
}

// handle decodes and dispatches one envelope. Nothing it does can stop the
// loop.
func (c *Consumer) handle(ctx context.Context, data []byte) (res event.Result) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while handling event",
				zap.String("event_type", res.EventType),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	res = event.Decode(data)
	switch res.Outcome {
	case event.OutcomeIgnored:
		metrics.RecordEventIgnored()
		c.logger.Warn("ignoring event",
			zap.String("event_type", res.EventType),
			zap.String("reason", res.Reason),
		)

	case event.OutcomeMalformed:
		metrics.RecordEventMalformed()
		c.logger.Error("malformed event",
			zap.String("event_type", res.EventType),
			zap.Int("bytes", len(data)),
			zap.Error(res.Err),
		)

	case event.OutcomeOK:
		metrics.RecordEventReceived(res.EventType)
		c.dispatcher.Dispatch(ctx, res.Event)
		for _, observe := range c.observers {
			observe(res.Event)
		}
	}
	return res
}

// Stop cancels the loop, waits for it to exit and releases the subscription
// and client. It is safe to call at any time and never fails; close errors
// are logged.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Consumer) stopLocked() {
	c.running = false
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}

	if c.pubsub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.pollTimeout)
		if err := c.pubsub.Unsubscribe(ctx, c.channel); err != nil && !errors.Is(err, redis.ErrClosed) {
			c.logger.Warn("unsubscribe failed", zap.String("channel", c.channel), zap.Error(err))
		}
		cancel()
		if err := c.pubsub.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			c.logger.Warn("close subscription failed", zap.Error(err))
		}
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			c.logger.Warn("close redis client failed", zap.Error(err))
		}
		c.logger.Info("consumer stopped", zap.String("channel", c.channel))
	}

	c.client = nil
	c.pubsub = nil
	c.cancel = nil
	c.done = nil
}

// IsRunning reports whether the loop is live. A loop that has exited but not
// been cleaned up by Stop reports false.
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRunningLocked()
}

func (c *Consumer) isRunningLocked() bool {
	if !c.running || c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
