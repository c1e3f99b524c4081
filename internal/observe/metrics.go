// Package observe 提供 OpenTelemetry 指标，并通过 Prometheus 暴露 /metrics。
//
// 各服务持有一个可为 nil 的 *Metrics，nil 时所有记录方法都是空操作，
// 测试中可以用 NewMetrics 搭配 ManualReader 检查指标。
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/zhouzirui/mindful-companion/backend"

// Metrics holds the instruments used across the service.
type Metrics struct {
	ChatDuration        metric.Float64Histogram
	SpeechDuration      metric.Float64Histogram
	AvatarJobDuration   metric.Float64Histogram
	HTTPRequestDuration metric.Float64Histogram

	ProviderErrors      metric.Int64Counter
	NarrationOutcomes   metric.Int64Counter
	AvatarJobs          metric.Int64Counter
	CooldownEscalations metric.Int64Counter
	RateLimitedSends    metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter
	ActiveJobs     metric.Int64UpDownCounter
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChatDuration, err = m.Float64Histogram("companion.chat.duration",
		metric.WithDescription("Latency of chat completion calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechDuration, err = m.Float64Histogram("companion.speech.duration",
		metric.WithDescription("Latency of speech synthesis calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AvatarJobDuration, err = m.Float64Histogram("companion.avatar_job.duration",
		metric.WithDescription("Time from avatar job submission to its terminal status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("companion.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ProviderErrors, err = m.Int64Counter("companion.provider.errors",
		metric.WithDescription("Provider failures by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.NarrationOutcomes, err = m.Int64Counter("companion.narration.outcomes",
		metric.WithDescription("Narration results by mode used."),
	); err != nil {
		return nil, err
	}
	if met.AvatarJobs, err = m.Int64Counter("companion.avatar_jobs",
		metric.WithDescription("Avatar jobs reaching a terminal status."),
	); err != nil {
		return nil, err
	}
	if met.CooldownEscalations, err = m.Int64Counter("companion.cooldown.escalations",
		metric.WithDescription("Cooldown interval escalations after rate limiting."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitedSends, err = m.Int64Counter("companion.chat.rate_limited",
		metric.WithDescription("User sends answered with the rate-limit placeholder."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("companion.active_sessions",
		metric.WithDescription("Conversation sessions held in memory."),
	); err != nil {
		return nil, err
	}
	if met.ActiveJobs, err = m.Int64UpDownCounter("companion.active_jobs",
		metric.WithDescription("Avatar jobs currently being polled."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide instance bound to the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordChat 记录一次对话补全的耗时与结果。
func (m *Metrics) RecordChat(ctx context.Context, provider string, d time.Duration, errKind string) {
	if m == nil {
		return
	}
	m.ChatDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", statusOf(errKind)),
	))
	if errKind != "" {
		m.RecordProviderError(ctx, provider, errKind)
	}
}

// RecordSpeech 记录一次语音合成的耗时与结果。
func (m *Metrics) RecordSpeech(ctx context.Context, tier string, d time.Duration, errKind string) {
	if m == nil {
		return
	}
	m.SpeechDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("status", statusOf(errKind)),
	))
	if errKind != "" {
		m.RecordProviderError(ctx, tier, errKind)
	}
}

// RecordProviderError counts one failure of the named provider.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordNarration counts the mode a narration resolved to.
func (m *Metrics) RecordNarration(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.NarrationOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordAvatarJob records a job reaching a terminal status.
func (m *Metrics) RecordAvatarJob(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.AvatarJobs.Add(ctx, 1, attrs)
	m.AvatarJobDuration.Record(ctx, d.Seconds(), attrs)
}

// JobStarted / JobFinished track how many polling loops are alive.
func (m *Metrics) JobStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveJobs.Add(ctx, 1)
}

func (m *Metrics) JobFinished(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveJobs.Add(ctx, -1)
}

// RecordEscalation counts a cooldown escalation.
func (m *Metrics) RecordEscalation(ctx context.Context, interval time.Duration) {
	if m == nil {
		return
	}
	m.CooldownEscalations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("interval", interval.String()),
	))
}

// RecordRateLimitedSend counts a send answered with the placeholder.
func (m *Metrics) RecordRateLimitedSend(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitedSends.Add(ctx, 1)
}

// SessionOpened / SessionClosed track live sessions.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}

func statusOf(errKind string) string {
	if errKind == "" {
		return "ok"
	}
	return "error"
}
