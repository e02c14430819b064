// Package throttle paces outbound calls per platform with a fixed-window
// counter kept in memory or in Redis.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rate allows Limit calls per Window. A non-positive Limit or Window means
// no pacing.
type Rate struct {
	Limit  int
	Window time.Duration
}

func (r Rate) unlimited() bool { return r.Limit <= 0 || r.Window <= 0 }

// counter increments the call count of one key in one window.
type counter interface {
	incr(ctx context.Context, key string, window int64, ttl time.Duration) (int64, error)
	ping(ctx context.Context) error
}

// Limiter blocks callers until their key's window has room.
type Limiter struct {
	counter counter
	rates   map[string]Rate
	now     func() time.Time
}

// Wait blocks until a call for key is allowed or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	rate, ok := l.rates[key]
	if !ok || rate.unlimited() {
		return nil
	}

	for {
		now := l.now()
		window := now.UnixNano() / int64(rate.Window)
		n, err := l.counter.incr(ctx, key, window, rate.Window)
		if err != nil {
			return fmt.Errorf("throttle %s: %w", key, err)
		}
		if n <= int64(rate.Limit) {
			return nil
		}

		wait := time.Duration((window+1)*int64(rate.Window) - now.UnixNano())
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Rate returns the configured rate for key.
func (l *Limiter) Rate(key string) (Rate, bool) {
	r, ok := l.rates[key]
	return r, ok
}

// HealthCheck reports whether the counter backend is reachable.
func (l *Limiter) HealthCheck(ctx context.Context) error {
	return l.counter.ping(ctx)
}

// --- memory ---

type memWindow struct {
	window int64
	count  int64
}

type memCounter struct {
	mu      sync.Mutex
	windows map[string]*memWindow
}

func (c *memCounter) incr(_ context.Context, key string, window int64, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[key]
	if !ok || w.window != window {
		w = &memWindow{window: window}
		c.windows[key] = w
	}
	w.count++
	return w.count, nil
}

func (c *memCounter) ping(context.Context) error { return nil }

// NewMemoryLimiter paces calls within this process only.
func NewMemoryLimiter(rates map[string]Rate) *Limiter {
	return &Limiter{
		counter: &memCounter{windows: make(map[string]*memWindow)},
		rates:   rates,
		now:     time.Now,
	}
}

// --- redis ---

type redisCounter struct {
	client redis.Cmdable
	prefix string
}

func (c *redisCounter) incr(ctx context.Context, key string, window int64, ttl time.Duration) (int64, error) {
	k := fmt.Sprintf("%s%s:%d", c.prefix, key, window)

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.PExpire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr %q: %w", k, err)
	}
	return incr.Val(), nil
}

func (c *redisCounter) ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// NewRedisLimiter shares windows across every process using client. Keys
// are stored as "<prefix><key>:<window>".
func NewRedisLimiter(client redis.Cmdable, prefix string, rates map[string]Rate) *Limiter {
	if prefix == "" {
		prefix = "throttle:"
	}
	return &Limiter{
		counter: &redisCounter{client: client, prefix: prefix},
		rates:   rates,
		now:     time.Now,
	}
}
