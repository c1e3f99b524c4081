// Package narration 按优先级依次尝试头像视频、优质语音、基础语音和端侧朗读，
// 取第一个成功的结果。
package narration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/job"
	mediamodel "github.com/zhouzirui/mindful-companion/backend/internal/model/media"
	"github.com/zhouzirui/mindful-companion/backend/internal/observe"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/avatar"
)

// Mode 表示最终采用的朗读方式。
type Mode string

const (
	AvatarVideo    Mode = "AvatarVideo"
	PremiumAudio   Mode = "PremiumAudio"
	BasicAudio     Mode = "BasicAudio"
	OnDeviceSpeech Mode = "OnDeviceSpeech"
	None           Mode = "None"
)

// ErrSuperseded marks a narration replaced by a newer one for the same turn.
var ErrSuperseded = errors.New("superseded")

// AvatarRunner submits an avatar job and waits for its terminal state.
type AvatarRunner interface {
	Run(ctx context.Context, req avatar.Request) (job.Snapshot, error)
}

// MediaStore keeps produced audio addressable by URI.
type MediaStore interface {
	Put(data []byte, contentType string, kind mediamodel.Kind) (mediamodel.Ref, error)
	Release(ref mediamodel.Ref)
}

// Config 描述降级链的行为。
type Config struct {
	MaxChars     int
	PremiumVoice string
	BasicVoice   string
}

// Request describes one narration.
type Request struct {
	TurnID       string               `json:"turnId"`
	Text         string               `json:"text"`
	VoiceID      string               `json:"voice,omitempty"`
	Avatar       bool                 `json:"avatar"`
	AvatarConfig gateway.AvatarConfig `json:"avatarConfig,omitempty"`
	LocalSpeech  bool                 `json:"localSpeech"`
}

// Attempt records why a tier did not produce the result.
type Attempt struct {
	Mode   Mode   `json:"mode"`
	Reason string `json:"reason"`
}

// Result is the outcome of the chain. ModeUsed is None when every tier
// failed; the text reply is still shown to the user in that case.
type Result struct {
	TurnID            string          `json:"turnId,omitempty"`
	ModeUsed          Mode            `json:"modeUsed"`
	MediaRef          *mediamodel.Ref `json:"mediaRef,omitempty"`
	DegradationReason string          `json:"degradationReason,omitempty"`
	Attempts          []Attempt       `json:"attempts,omitempty"`
	Text              string          `json:"text"`
}

type turnToken struct {
	cancel context.CancelCauseFunc
}

// Chain runs the fallback order. Any tier may be nil when not configured.
type Chain struct {
	avatar  AvatarRunner
	premium gateway.SpeechSynthesizer
	basic   gateway.SpeechSynthesizer
	store   MediaStore
	cfg     Config
	metrics *observe.Metrics

	mu    sync.Mutex
	turns map[string]*turnToken
}

// Option customises a Chain.
type Option func(*Chain)

// WithAvatar enables the avatar tier.
func WithAvatar(runner AvatarRunner) Option {
	return func(c *Chain) { c.avatar = runner }
}

// WithPremium sets the premium speech provider.
func WithPremium(s gateway.SpeechSynthesizer) Option {
	return func(c *Chain) { c.premium = s }
}

// WithBasic sets the basic speech provider.
func WithBasic(s gateway.SpeechSynthesizer) Option {
	return func(c *Chain) { c.basic = s }
}

// WithMetrics records outcomes.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Chain) { c.metrics = m }
}

// NewChain creates a chain storing audio in store.
func NewChain(store MediaStore, cfg Config, opts ...Option) *Chain {
	if cfg.MaxChars == 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	c := &Chain{
		store: store,
		cfg:   cfg,
		turns: make(map[string]*turnToken),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Narrate tries each tier in order and stops at the first success. A newer
// Narrate for the same TurnID cancels this one, which then resolves to None
// with reason "superseded".
func (c *Chain) Narrate(ctx context.Context, req Request) (Result, error) {
	text := PrepareText(req.Text, c.cfg.MaxChars)
	if text == "" {
		return Result{}, fmt.Errorf("narration text is empty")
	}

	ctx, release := c.claimTurn(ctx, req.TurnID)
	defer release()

	result := Result{TurnID: req.TurnID, ModeUsed: None, Text: text}
	record := func(mode Mode, reason string) {
		result.Attempts = append(result.Attempts, Attempt{Mode: mode, Reason: reason})
	}

	for _, tier := range c.tiers(req) {
		if ctx.Err() != nil {
			break
		}

		ref, err := tier.run(ctx, text)
		if err == nil {
			if superseded(ctx) {
				c.discard(ref)
				break
			}
			result.ModeUsed = tier.mode
			result.MediaRef = ref
			break
		}

		if ctx.Err() != nil {
			c.discard(ref)
			break
		}
		log.Printf("[narration] %s failed for turn %s, trying next: %v", tier.mode, req.TurnID, err)
		record(tier.mode, err.Error())
	}

	switch {
	case superseded(ctx):
		result.ModeUsed = None
		result.MediaRef = nil
		record(None, ErrSuperseded.Error())
	case result.ModeUsed == None && ctx.Err() != nil:
		record(None, ctx.Err().Error())
	case result.ModeUsed == None:
		record(None, "all narration tiers exhausted")
	}

	result.DegradationReason = degradation(result.Attempts)
	c.metrics.RecordNarration(context.Background(), string(result.ModeUsed))
	return result, nil
}

type tier struct {
	mode Mode
	run  func(ctx context.Context, text string) (*mediamodel.Ref, error)
}

func (c *Chain) tiers(req Request) []tier {
	var tiers []tier

	if req.Avatar {
		tiers = append(tiers, tier{mode: AvatarVideo, run: func(ctx context.Context, text string) (*mediamodel.Ref, error) {
			return c.runAvatar(ctx, text, req.AvatarConfig)
		}})
	}

	premiumVoice := firstNonEmpty(req.VoiceID, c.cfg.PremiumVoice)
	tiers = append(tiers,
		tier{mode: PremiumAudio, run: func(ctx context.Context, text string) (*mediamodel.Ref, error) {
			return c.runSpeech(ctx, PremiumAudio, c.premium, text, premiumVoice)
		}},
		tier{mode: BasicAudio, run: func(ctx context.Context, text string) (*mediamodel.Ref, error) {
			return c.runSpeech(ctx, BasicAudio, c.basic, text, c.cfg.BasicVoice)
		}},
	)

	if req.LocalSpeech {
		tiers = append(tiers, tier{mode: OnDeviceSpeech, run: func(_ context.Context, text string) (*mediamodel.Ref, error) {
			return &mediamodel.Ref{Kind: mediamodel.Utterance, Text: text, ContentType: "text/plain"}, nil
		}})
	}
	return tiers
}

func (c *Chain) runAvatar(ctx context.Context, text string, cfg gateway.AvatarConfig) (*mediamodel.Ref, error) {
	if c.avatar == nil {
		return nil, errors.New("avatar synthesis not configured")
	}

	snap, err := c.avatar.Run(ctx, avatar.Request{Text: text, Config: cfg})
	if err != nil {
		return nil, err
	}
	if snap.Status != job.Succeeded {
		return nil, fmt.Errorf("avatar job %s failed: %s", snap.ID, snap.ErrorDetail)
	}
	return &mediamodel.Ref{URI: snap.ResultRef, ContentType: "video/mp4", Kind: mediamodel.Video}, nil
}

// runSpeech 每一档只调用一次，限流也不重试。
func (c *Chain) runSpeech(ctx context.Context, mode Mode, synth gateway.SpeechSynthesizer, text, voice string) (*mediamodel.Ref, error) {
	if synth == nil {
		return nil, fmt.Errorf("%s provider not configured", strings.ToLower(string(mode)))
	}

	start := time.Now()
	audio, err := synth.SynthesizeSpeech(ctx, text, voice)
	c.metrics.RecordSpeech(ctx, string(mode), time.Since(start), string(gateway.KindOf(err)))
	if err != nil {
		return nil, err
	}

	ref, err := c.store.Put(audio.Data, audio.ContentType, mediamodel.Audio)
	if err != nil {
		return nil, fmt.Errorf("store audio: %w", err)
	}
	return &ref, nil
}

// claimTurn registers ctx as the live narration of turnID, cancelling the
// previous one.
func (c *Chain) claimTurn(ctx context.Context, turnID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	if turnID == "" {
		return ctx, func() { cancel(nil) }
	}

	token := &turnToken{cancel: cancel}

	c.mu.Lock()
	if prev, ok := c.turns[turnID]; ok {
		prev.cancel(ErrSuperseded)
	}
	c.turns[turnID] = token
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		if c.turns[turnID] == token {
			delete(c.turns, turnID)
		}
		c.mu.Unlock()
		cancel(nil)
	}
}

func (c *Chain) discard(ref *mediamodel.Ref) {
	if ref != nil && ref.Kind == mediamodel.Audio {
		c.store.Release(*ref)
	}
}

func superseded(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrSuperseded)
}

func degradation(attempts []Attempt) string {
	if len(attempts) == 0 {
		return ""
	}
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Mode, a.Reason))
	}
	return strings.Join(parts, "; ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
