// Package retry wraps a single high-value operation with bounded
// exponential backoff. It is deliberately not used by the bulk dispatcher,
// where per-recipient retry would stretch batch latency without bound.
package retry

import (
	"context"
	"fmt"
	"time"

	logx "bellman/pkg/logx"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 5 * time.Second
)

type Coordinator struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration // 0 means uncapped
	log         logx.Logger

	// sleep is swappable for deterministic tests.
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Coordinator)

func WithMaxDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.maxDelay = d }
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

func New(maxAttempts int, baseDelay time.Duration, log logx.Logger, opts ...Option) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Coordinator{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		log:         log,
		sleep:       sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do runs op until it succeeds or maxAttempts failures have accumulated.
// The delay before retry k+1 is baseDelay * 2^k, optionally capped.
// Exhaustion surfaces the final error to the caller.
func (c *Coordinator) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.delayFor(attempt - 1)
			c.log.Debug("retrying after backoff",
				logx.Int("attempt", attempt+1),
				logx.Int("max", c.maxAttempts),
				logx.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		c.log.Warn("attempt failed",
			logx.Int("attempt", attempt+1),
			logx.Int("max", c.maxAttempts),
			logx.Err(lastErr))
	}
	return fmt.Errorf("giving up after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Coordinator) delayFor(failures int) time.Duration {
	d := c.baseDelay
	for i := 0; i < failures; i++ {
		d *= 2
		if c.maxDelay > 0 && d >= c.maxDelay {
			return c.maxDelay
		}
	}
	if c.maxDelay > 0 && d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
