package cooldown

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestReserveSpacesConcurrentCallers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(Config{Baseline: 5 * time.Second}, WithClock(clock.Now))

	const callers = 8
	waits := make([]time.Duration, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			waits[i] = c.reserve()
		}(i)
	}
	wg.Wait()

	sort.Slice(waits, func(i, j int) bool { return waits[i] < waits[j] })
	if waits[0] != 0 {
		t.Fatalf("first caller should not wait, got %s", waits[0])
	}
	for i := 1; i < callers; i++ {
		if gap := waits[i] - waits[i-1]; gap < 5*time.Second {
			t.Fatalf("slots %d and %d only %s apart", i-1, i, gap)
		}
	}
}

func TestReserveAfterIdle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(Config{Baseline: 5 * time.Second}, WithClock(clock.Now))

	if wait := c.reserve(); wait != 0 {
		t.Fatalf("unexpected wait %s", wait)
	}
	clock.Advance(2 * time.Second)
	if wait := c.reserve(); wait != 3*time.Second {
		t.Fatalf("expected 3s wait, got %s", wait)
	}
	clock.Advance(time.Minute)
	if wait := c.reserve(); wait != 0 {
		t.Fatalf("expected no wait after idle, got %s", wait)
	}
}

func TestEscalationIsSticky(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(Config{}, WithClock(clock.Now))

	if got := c.Interval(); got != 5*time.Second {
		t.Fatalf("baseline = %s, want 5s", got)
	}

	c.Observe(gateway.NewError(gateway.RateLimited, "groq", "chat_completion", nil))
	if got := c.Interval(); got != 10*time.Second {
		t.Fatalf("after 429 interval = %s, want 10s", got)
	}

	c.Observe(gateway.NewError(gateway.RateLimited, "groq", "chat_completion", nil))
	if got := c.Interval(); got != 10*time.Second {
		t.Fatalf("interval must stay at ceiling, got %s", got)
	}

	// 后续成功请求不会让间隔回落。
	c.Observe(nil)
	c.Observe(errors.New("boom"))
	for i := 0; i < 3; i++ {
		c.reserve()
		clock.Advance(time.Minute)
	}
	if got := c.Interval(); got != 10*time.Second {
		t.Fatalf("interval decreased to %s", got)
	}

	first := c.reserve()
	clock.Advance(time.Second)
	if wait := c.reserve(); wait-first != 9*time.Second {
		t.Fatalf("expected 9s wait under escalated interval, got %s", wait)
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	c := New(Config{Baseline: time.Hour})
	if err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire err: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAcquireWaitsForSlot(t *testing.T) {
	c := New(Config{Baseline: 40 * time.Millisecond})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := c.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d err: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("three acquisitions finished after %s, expected at least 80ms", elapsed)
	}
}

func TestRemaining(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(Config{Baseline: 5 * time.Second}, WithClock(clock.Now))

	if got := c.Remaining(); got != 0 {
		t.Fatalf("remaining before first request = %s", got)
	}
	c.reserve()
	clock.Advance(time.Second)
	if got := c.Remaining(); got != 4*time.Second {
		t.Fatalf("remaining = %s, want 4s", got)
	}
}
