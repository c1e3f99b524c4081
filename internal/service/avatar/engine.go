// Package avatar 提交头像视频合成任务并轮询至终态。
package avatar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/job"
	"github.com/zhouzirui/mindful-companion/backend/internal/observe"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultTimeout      = 3 * time.Minute
	DefaultRetryBackoff = time.Second
)

var (
	// ErrEngineClosed is returned by Submit after Close.
	ErrEngineClosed = errors.New("avatar engine closed")

	errCancelled = errors.New("cancelled")
)

// Config 描述轮询节奏与超时。
type Config struct {
	PollInterval  time.Duration
	Timeout       time.Duration
	SubmitRetries int
	RetryBackoff  time.Duration
	Avatar        gateway.AvatarConfig
}

// Request asks for one avatar video. Empty Config fields use the engine defaults.
type Request struct {
	Text   string
	Config gateway.AvatarConfig
}

type tracked struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	final  job.Snapshot
}

// Engine owns the polling loop of every job it submitted.
type Engine struct {
	provider gateway.AvatarSynthesizer
	store    Store
	bus      evbus.Bus
	cfg      Config
	metrics  *observe.Metrics
	now      func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu     sync.Mutex
	jobs   map[string]*tracked
	closed bool
	wg     sync.WaitGroup
}

// Option customises an Engine.
type Option func(*Engine)

// WithStore replaces the default memory store.
func WithStore(store Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithBus publishes job events on the given bus.
func WithBus(bus evbus.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics records job outcomes.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine bound to provider.
func NewEngine(provider gateway.AvatarSynthesizer, cfg Config, opts ...Option) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SubmitRetries < 0 {
		cfg.SubmitRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	e := &Engine{
		provider:   provider,
		cfg:        cfg,
		now:        time.Now,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		jobs:       make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = NewMemoryStore(time.Hour)
	}
	if e.bus == nil {
		e.bus = evbus.New()
	}
	return e
}

// Bus exposes the event bus so a Hub can subscribe.
func (e *Engine) Bus() evbus.Bus {
	return e.bus
}

// Submit sends the job upstream and starts polling it. Submission failures
// are returned directly; only NetworkError is retried, with the same job id.
func (e *Engine) Submit(ctx context.Context, req Request) (job.Snapshot, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return job.Snapshot{}, fmt.Errorf("avatar text is required")
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return job.Snapshot{}, ErrEngineClosed
	}

	cfg := mergeAvatarConfig(req.Config, e.cfg.Avatar)
	jobReq := gateway.AvatarJobRequest{JobID: uuid.NewString(), Text: text, Config: cfg}

	id, err := e.submitWithRetry(ctx, jobReq)
	if err != nil {
		return job.Snapshot{}, err
	}

	now := e.now()
	snap := job.Snapshot{
		ID:          id,
		Status:      job.Queued,
		Text:        text,
		Character:   cfg.Character,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := e.store.Save(ctx, snap); err != nil {
		log.Printf("[avatar] failed to persist job %s: %v", id, err)
	}

	loopCtx, cancel := context.WithCancelCause(e.baseCtx)
	t := &tracked{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel(ErrEngineClosed)
		return job.Snapshot{}, ErrEngineClosed
	}
	e.jobs[id] = t
	e.wg.Add(1)
	e.mu.Unlock()

	e.publish(Event{Job: snap})
	e.metrics.JobStarted(ctx)
	log.Printf("[avatar] job %s submitted, polling every %s", id, e.cfg.PollInterval)

	go e.poll(loopCtx, t, snap)
	return snap, nil
}

func (e *Engine) submitWithRetry(ctx context.Context, req gateway.AvatarJobRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			log.Printf("[avatar] retrying submission of %s (attempt %d): %v", req.JobID, attempt+1, lastErr)
			timer := time.NewTimer(e.cfg.RetryBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}

		id, err := e.provider.SubmitAvatarJob(ctx, req)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !gateway.IsRetryable(err) {
			break
		}
	}
	return "", fmt.Errorf("submit avatar job: %w", lastErr)
}

// poll 是任务唯一的写入者，负责产生且只产生一次终态。
func (e *Engine) poll(ctx context.Context, t *tracked, snap job.Snapshot) {
	defer e.wg.Done()

	deadline := snap.SubmittedAt.Add(e.cfg.Timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.finish(t, snap, job.Failed, "", e.stopReason(ctx))
			return
		case <-ticker.C:
		}

		if !e.now().Before(deadline) {
			e.finish(t, snap, job.Failed, "", e.timeoutDetail())
			return
		}

		status, err := e.provider.GetAvatarJobStatus(ctx, snap.ID)
		snap.Polls++
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			// 轮询失败只记录，直到超时为止。
			log.Printf("[avatar] poll %d of job %s failed: %v", snap.Polls, snap.ID, err)
			e.metrics.RecordProviderError(ctx, "avatar", string(gateway.KindOf(err)))
			continue
		}

		switch status.Status {
		case job.Succeeded:
			e.finish(t, snap, job.Succeeded, status.ResultURL, "")
			return
		case job.Failed:
			detail := status.ErrorDetail
			if detail == "" {
				detail = "Video generation failed"
			}
			e.finish(t, snap, job.Failed, "", detail)
			return
		default:
			changed := snap.Status != status.Status
			snap.Status = status.Status
			snap.UpdatedAt = e.now()
			e.save(snap)
			if changed {
				e.publish(Event{Job: snap})
			}
		}
	}
}

func (e *Engine) stopReason(ctx context.Context) string {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		return e.timeoutDetail()
	case errors.Is(cause, ErrEngineClosed):
		return ErrEngineClosed.Error()
	default:
		return errCancelled.Error()
	}
}

func (e *Engine) timeoutDetail() string {
	return fmt.Sprintf("Timeout waiting for video generation after %s", e.cfg.Timeout)
}

func (e *Engine) finish(t *tracked, snap job.Snapshot, status job.Status, resultRef, detail string) {
	now := e.now()
	snap.Status = status
	snap.ResultRef = resultRef
	snap.ErrorDetail = detail
	snap.UpdatedAt = now

	e.save(snap)
	t.final = snap

	e.mu.Lock()
	delete(e.jobs, snap.ID)
	e.mu.Unlock()
	t.cancel(nil)

	elapsed := snap.Elapsed(now)
	if status == job.Succeeded {
		log.Printf("[avatar] job %s succeeded after %d polls (%s)", snap.ID, snap.Polls, elapsed.Round(time.Millisecond))
	} else {
		log.Printf("[avatar] job %s failed after %d polls: %s", snap.ID, snap.Polls, detail)
	}
	e.metrics.RecordAvatarJob(context.Background(), string(status), elapsed)
	e.metrics.JobFinished(context.Background())

	e.publish(Event{Job: snap, Terminal: true})
	close(t.done)
}

func (e *Engine) save(snap job.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Save(ctx, snap); err != nil {
		log.Printf("[avatar] failed to persist job %s: %v", snap.ID, err)
	}
}

func (e *Engine) publish(ev Event) {
	e.bus.Publish(Topic, ev)
}

// Wait blocks until the job is terminal or ctx ends. Jobs polled by another
// replica are followed through the store.
func (e *Engine) Wait(ctx context.Context, id string) (job.Snapshot, error) {
	e.mu.Lock()
	t, ok := e.jobs[id]
	e.mu.Unlock()

	if ok {
		select {
		case <-ctx.Done():
			return job.Snapshot{}, ctx.Err()
		case <-t.done:
			return t.final, nil
		}
	}

	for {
		snap, err := e.store.Get(ctx, id)
		if err != nil {
			return job.Snapshot{}, err
		}
		if snap.Status.Terminal() {
			return snap, nil
		}

		timer := time.NewTimer(e.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return job.Snapshot{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// Run submits and waits; ctx ending cancels the job.
func (e *Engine) Run(ctx context.Context, req Request) (job.Snapshot, error) {
	snap, err := e.Submit(ctx, req)
	if err != nil {
		return job.Snapshot{}, err
	}

	final, err := e.Wait(ctx, snap.ID)
	if err != nil {
		e.Cancel(snap.ID)
		return job.Snapshot{}, err
	}
	return final, nil
}

// Get returns the latest snapshot.
func (e *Engine) Get(ctx context.Context, id string) (job.Snapshot, error) {
	return e.store.Get(ctx, id)
}

// Cancel stops polling the job; it ends as Failed("cancelled").
// Returns false when the job is not being polled by this engine.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	t, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel(errCancelled)
	<-t.done
	return true
}

// Close cancels every polling loop and waits for them to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.baseCancel(ErrEngineClosed)
	e.wg.Wait()
}

func mergeAvatarConfig(override, base gateway.AvatarConfig) gateway.AvatarConfig {
	pick := func(a, b string) string {
		if a != "" {
			return a
		}
		return b
	}
	return gateway.AvatarConfig{
		Voice:           pick(override.Voice, base.Voice),
		Character:       pick(override.Character, base.Character),
		Style:           pick(override.Style, base.Style),
		VideoFormat:     pick(override.VideoFormat, base.VideoFormat),
		VideoCodec:      pick(override.VideoCodec, base.VideoCodec),
		SubtitleType:    pick(override.SubtitleType, base.SubtitleType),
		BackgroundColor: pick(override.BackgroundColor, base.BackgroundColor),
	}
}
