package avatar

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/job"
)

type pollResult struct {
	status *gateway.AvatarJobStatus
	err    error
}

type fakeProvider struct {
	mu         sync.Mutex
	submitID   string
	submitErrs []error
	submitted  []gateway.AvatarJobRequest
	script     []pollResult
	fallback   pollResult
	polls      int
}

func (f *fakeProvider) SubmitAvatarJob(_ context.Context, req gateway.AvatarJobRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitted = append(f.submitted, req)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if f.submitID != "" {
		return f.submitID, nil
	}
	return req.JobID, nil
}

func (f *fakeProvider) GetAvatarJobStatus(_ context.Context, jobID string) (*gateway.AvatarJobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.polls++
	res := f.fallback
	if len(f.script) > 0 {
		res = f.script[0]
		f.script = f.script[1:]
	}
	if res.err != nil {
		return nil, res.err
	}
	st := *res.status
	st.ID = jobID
	return &st, nil
}

func (f *fakeProvider) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func running() pollResult {
	return pollResult{status: &gateway.AvatarJobStatus{Status: job.Running}}
}

func newTestEngine(t *testing.T, provider *fakeProvider, cfg Config) (*Engine, *int32) {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}

	bus := evbus.New()
	var terminal int32
	if err := bus.Subscribe(Topic, func(ev Event) {
		if ev.Terminal {
			atomic.AddInt32(&terminal, 1)
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	engine := NewEngine(provider, cfg, WithBus(bus))
	t.Cleanup(engine.Close)
	return engine, &terminal
}

func TestRunSucceedsAfterThreePolls(t *testing.T) {
	provider := &fakeProvider{
		submitID: "abc-123",
		script: []pollResult{
			running(),
			running(),
			{status: &gateway.AvatarJobStatus{Status: job.Succeeded, ResultURL: "https://cdn.example/abc-123.mp4"}},
		},
		fallback: running(),
	}
	engine, terminal := newTestEngine(t, provider, Config{})

	final, err := engine.Run(context.Background(), Request{Text: "Hello"})
	if err != nil {
		t.Fatalf("Run err: %v", err)
	}
	if final.ID != "abc-123" || final.Status != job.Succeeded {
		t.Fatalf("unexpected final snapshot %+v", final)
	}
	if final.ResultRef != "https://cdn.example/abc-123.mp4" {
		t.Fatalf("unexpected result ref %s", final.ResultRef)
	}
	if final.Polls != 3 {
		t.Fatalf("expected 3 polls, got %d", final.Polls)
	}

	time.Sleep(50 * time.Millisecond)
	if got := provider.pollCount(); got != 3 {
		t.Fatalf("polling continued after terminal status: %d polls", got)
	}
	if got := atomic.LoadInt32(terminal); got != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", got)
	}

	stored, err := engine.Get(context.Background(), "abc-123")
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if stored.Status != job.Succeeded {
		t.Fatalf("store not updated: %+v", stored)
	}
}

func TestPerpetualRunningTimesOut(t *testing.T) {
	provider := &fakeProvider{fallback: running()}
	engine, terminal := newTestEngine(t, provider, Config{Timeout: 80 * time.Millisecond})

	start := time.Now()
	final, err := engine.Run(context.Background(), Request{Text: "Hello"})
	if err != nil {
		t.Fatalf("Run err: %v", err)
	}
	if final.Status != job.Failed || !strings.Contains(final.ErrorDetail, "Timeout") {
		t.Fatalf("expected timeout failure, got %+v", final)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}

	// 超时判定为 Failed 后轮询必须停止
	polls := provider.pollCount()
	time.Sleep(50 * time.Millisecond)
	if got := provider.pollCount(); got != polls {
		t.Fatalf("polling continued after timeout: %d -> %d polls", polls, got)
	}
	if got := atomic.LoadInt32(terminal); got != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", got)
	}
}

func TestPollErrorsAreIgnoredUntilTerminal(t *testing.T) {
	netErr := gateway.NewError(gateway.NetworkError, "azure", "get_avatar_job_status", errors.New("reset"))
	provider := &fakeProvider{
		script: []pollResult{
			{err: netErr},
			{err: gateway.NewError(gateway.UpstreamServerError, "azure", "get_avatar_job_status", nil)},
			{status: &gateway.AvatarJobStatus{Status: job.Failed, ErrorDetail: "InvalidText"}},
		},
	}
	engine, _ := newTestEngine(t, provider, Config{})

	final, err := engine.Run(context.Background(), Request{Text: "Hello"})
	if err != nil {
		t.Fatalf("Run err: %v", err)
	}
	if final.Status != job.Failed || final.ErrorDetail != "InvalidText" {
		t.Fatalf("unexpected final snapshot %+v", final)
	}
	if final.Polls != 3 {
		t.Fatalf("expected 3 polls, got %d", final.Polls)
	}
}

func TestSubmitRetriesOnlyNetworkErrors(t *testing.T) {
	netErr := gateway.NewError(gateway.NetworkError, "azure", "submit_avatar_job", errors.New("reset"))
	provider := &fakeProvider{
		submitErrs: []error{netErr, nil},
		fallback:   running(),
	}
	engine, _ := newTestEngine(t, provider, Config{SubmitRetries: 2})

	snap, err := engine.Submit(context.Background(), Request{Text: "Hello"})
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	if snap.Status != job.Queued {
		t.Fatalf("expected queued snapshot, got %s", snap.Status)
	}
	if len(provider.submitted) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(provider.submitted))
	}
	if provider.submitted[0].JobID != provider.submitted[1].JobID {
		t.Fatal("retry must reuse the job id")
	}

	limited := &fakeProvider{
		submitErrs: []error{gateway.NewError(gateway.RateLimited, "azure", "submit_avatar_job", nil)},
	}
	engine2, _ := newTestEngine(t, limited, Config{SubmitRetries: 2})
	_, err = engine2.Submit(context.Background(), Request{Text: "Hello"})
	if !gateway.IsKind(err, gateway.RateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if len(limited.submitted) != 1 {
		t.Fatalf("rate limited submission must not be retried, got %d attempts", len(limited.submitted))
	}
}

func TestSubmitUsesDefaultAvatarConfig(t *testing.T) {
	provider := &fakeProvider{fallback: running()}
	engine, _ := newTestEngine(t, provider, Config{Avatar: gateway.AvatarConfig{Character: "lisa", Style: "graceful-sitting"}})

	if _, err := engine.Submit(context.Background(), Request{Text: "Hi", Config: gateway.AvatarConfig{Style: "casual-sitting"}}); err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	got := provider.submitted[0].Config
	if got.Character != "lisa" || got.Style != "casual-sitting" {
		t.Fatalf("unexpected merged config %+v", got)
	}
}

func TestCancelStopsPolling(t *testing.T) {
	provider := &fakeProvider{fallback: running()}
	engine, terminal := newTestEngine(t, provider, Config{})

	snap, err := engine.Submit(context.Background(), Request{Text: "Hello"})
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if !engine.Cancel(snap.ID) {
		t.Fatal("expected Cancel to find the job")
	}
	polls := provider.pollCount()
	time.Sleep(40 * time.Millisecond)
	if got := provider.pollCount(); got != polls {
		t.Fatalf("polling continued after cancel: %d -> %d", polls, got)
	}

	final, err := engine.Get(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if final.Status != job.Failed || final.ErrorDetail != "cancelled" {
		t.Fatalf("unexpected final snapshot %+v", final)
	}
	if got := atomic.LoadInt32(terminal); got != 1 {
		t.Fatalf("expected one terminal event, got %d", got)
	}
	if engine.Cancel(snap.ID) {
		t.Fatal("second cancel should report no active job")
	}
}

func TestCloseStopsAllLoops(t *testing.T) {
	provider := &fakeProvider{fallback: running()}
	engine, terminal := newTestEngine(t, provider, Config{})

	for i := 0; i < 3; i++ {
		if _, err := engine.Submit(context.Background(), Request{Text: "Hello"}); err != nil {
			t.Fatalf("Submit err: %v", err)
		}
	}
	engine.Close()

	if got := atomic.LoadInt32(terminal); got != 3 {
		t.Fatalf("expected 3 terminal events, got %d", got)
	}
	if _, err := engine.Submit(context.Background(), Request{Text: "Hello"}); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	provider := &fakeProvider{fallback: running()}
	engine, _ := newTestEngine(t, provider, Config{})

	snap, err := engine.Submit(context.Background(), Request{Text: "Hello"})
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := engine.Wait(ctx, snap.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	if _, err := engine.Wait(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSubmitRejectsEmptyText(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeProvider{}, Config{})
	if _, err := engine.Submit(context.Background(), Request{Text: "   "}); err == nil {
		t.Fatal("expected error for empty text")
	}
}
