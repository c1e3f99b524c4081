// Package cooldown 控制对话请求的最小间隔，并在上游限流后永久拉长间隔。
package cooldown

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/observe"
)

const (
	DefaultBaseline = 5 * time.Second
	DefaultFactor   = 2.0
	DefaultCeiling  = 10 * time.Second
)

// Config 描述冷却策略。
type Config struct {
	Baseline time.Duration
	Factor   float64
	Ceiling  time.Duration
}

// Controller spaces outbound requests. The zero value is not usable; call New.
type Controller struct {
	mu            sync.Mutex
	lastRequestAt time.Time
	minInterval   time.Duration
	factor        float64
	ceiling       time.Duration

	now     func() time.Time
	metrics *observe.Metrics
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithMetrics records escalations.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New creates a controller. Missing fields fall back to the defaults.
func New(cfg Config, opts ...Option) *Controller {
	if cfg.Baseline <= 0 {
		cfg.Baseline = DefaultBaseline
	}
	if cfg.Factor < 1 {
		cfg.Factor = DefaultFactor
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.Ceiling < cfg.Baseline {
		cfg.Ceiling = cfg.Baseline
	}

	c := &Controller{
		minInterval: cfg.Baseline,
		factor:      cfg.Factor,
		ceiling:     cfg.Ceiling,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire blocks until the caller may send. Slots are handed out in one
// critical section, so concurrent callers end up at least minInterval apart.
// A cancelled caller still consumes its slot.
func (c *Controller) Acquire(ctx context.Context) error {
	wait := c.reserve()
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// reserve 在锁内计算并登记调用者的发送时刻，返回需要等待的时长。
func (c *Controller) reserve() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	slot := now
	if !c.lastRequestAt.IsZero() {
		if next := c.lastRequestAt.Add(c.minInterval); next.After(slot) {
			slot = next
		}
	}
	c.lastRequestAt = slot
	return slot.Sub(now)
}

// Observe escalates when err reports upstream throttling.
func (c *Controller) Observe(err error) {
	if gateway.IsKind(err, gateway.RateLimited) {
		c.Escalate()
	}
}

// Escalate multiplies the interval by the factor, capped at the ceiling.
// The interval never shrinks back.
func (c *Controller) Escalate() time.Duration {
	c.mu.Lock()
	next := time.Duration(float64(c.minInterval) * c.factor)
	if next > c.ceiling {
		next = c.ceiling
	}
	if next < c.minInterval {
		next = c.minInterval
	}
	changed := next != c.minInterval
	c.minInterval = next
	c.mu.Unlock()

	if changed {
		log.Printf("[cooldown] rate limited upstream, interval raised to %s", next)
	}
	c.metrics.RecordEscalation(context.Background(), next)
	return next
}

// Interval returns the current minimum spacing.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minInterval
}

// Remaining returns how long a new caller would wait right now.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastRequestAt.IsZero() {
		return 0
	}
	remaining := c.lastRequestAt.Add(c.minInterval).Sub(c.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
