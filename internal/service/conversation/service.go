// Package conversation 把一次用户操作（拍照、排队、请求模型、朗读）编排成
// 短生命周期的状态机。
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	analysis "github.com/zhouzirui/mindful-companion/backend/internal/analysis/mood"
	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/chat"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/media"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/persona"
	"github.com/zhouzirui/mindful-companion/backend/internal/observe"
	chatservice "github.com/zhouzirui/mindful-companion/backend/internal/service/chat"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/cooldown"
	moodservice "github.com/zhouzirui/mindful-companion/backend/internal/service/mood"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/narration"
)

var (
	ErrEmptyMessage   = errors.New("message content is required")
	ErrAlreadyStarted = errors.New("conversation already started")
)

// greetingQuery is the user turn sent with the greeting prompt. It is not
// stored in the session.
const greetingQuery = "Hi"

const photoNote = "The user attached a photo to their latest message. You cannot see it; do not describe it. Invite them to share in their own words how they are feeling."

// RateLimitedError 表示上游限流。占位回复已写入会话，调用方应提示用户等待 Wait。
type RateLimitedError struct {
	Wait        time.Duration
	Placeholder chat.Turn
	Err         error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.Wait)
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// Narrator runs the media fallback chain for a reply.
type Narrator interface {
	Narrate(ctx context.Context, req narration.Request) (narration.Result, error)
}

// SendRequest 描述一次用户发送。
type SendRequest struct {
	SessionID string
	Text      string

	// Capture 不为空时先拍照并附加到用户消息；失败时不带图片继续发送。
	Capture MediaCapturer
	// AwaitMedia 标记用户消息等待客户端稍后上传图片，不在本次操作中拍照。
	AwaitMedia bool

	Narrate      bool
	Avatar       bool
	LocalSpeech  bool
	VoiceID      string
	AvatarConfig gateway.AvatarConfig

	// OnState is called for every state the action enters.
	OnState func(State)
}

// SendResult is what the caller renders after Send.
type SendResult struct {
	UserTurn     chat.Turn         `json:"userTurn"`
	Reply        *chat.Turn        `json:"reply,omitempty"`
	Photo        *media.Ref        `json:"photo,omitempty"`
	CaptureError string            `json:"captureError,omitempty"`
	Mood         analysis.Decision `json:"mood"`
	Narration    *narration.Result `json:"narration,omitempty"`
	States       []State           `json:"states"`
}

// Service 协调会话、冷却、模型和朗读。
type Service struct {
	sessions  *chatservice.Service
	personas  persona.Store
	completer gateway.ChatCompleter
	cooldown  *cooldown.Controller

	mood     *moodservice.Service
	narrator Narrator
	photos   PhotoStore
	metrics  *observe.Metrics
	provider string
	modelID  string
}

// Option customises the Service.
type Option func(*Service)

// WithMood 启用用户消息的情绪标注。
func WithMood(m *moodservice.Service) Option {
	return func(s *Service) { s.mood = m }
}

// WithNarrator enables narration of replies.
func WithNarrator(n Narrator) Option {
	return func(s *Service) { s.narrator = n }
}

// WithPhotoStore enables photo capture.
func WithPhotoStore(p PhotoStore) Option {
	return func(s *Service) { s.photos = p }
}

// WithMetrics records chat latency and rate-limited sends.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithModel sets the provider label and model id passed to the completer.
func WithModel(provider, modelID string) Option {
	return func(s *Service) {
		s.provider = provider
		s.modelID = modelID
	}
}

// NewService wires the orchestrator.
func NewService(sessions *chatservice.Service, personas persona.Store, completer gateway.ChatCompleter, cd *cooldown.Controller, opts ...Option) *Service {
	s := &Service{
		sessions:  sessions,
		personas:  personas,
		completer: completer,
		cooldown:  cd,
		provider:  "chat",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cooldown exposes the shared controller for status notices.
func (s *Service) Cooldown() *cooldown.Controller {
	return s.cooldown
}

// Send appends the user turn, optionally attaches a photo, waits for the
// cooldown slot and asks the model for a reply. A RateLimited reply leaves a
// placeholder assistant turn and returns *RateLimitedError.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return SendResult{}, ErrEmptyMessage
	}

	session, err := s.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return SendResult{}, err
	}
	p := s.persona(session.PersonaID)

	history, err := s.sessions.SnapshotForCompletion(ctx, req.SessionID)
	if err != nil {
		return SendResult{}, err
	}
	guidance := s.analyzeMood(ctx, &p, history, text)

	act := newAction(req.OnState)
	result := SendResult{Mood: guidance.Decision}

	userTurn, err := s.sessions.AppendTurn(ctx, req.SessionID, chat.Turn{
		Role:         chat.RoleUser,
		Content:      text,
		PendingMedia: req.Capture != nil || req.AwaitMedia,
		Mood:         string(guidance.Decision.Label),
	})
	if err != nil {
		act.fire(EventError)
		return s.finish(&result, act), err
	}
	result.UserTurn = userTurn

	if req.Capture != nil {
		act.fire(EventCapture)
		ref, err := s.capture(ctx, req.SessionID, req.Capture)
		if err != nil {
			log.Printf("[conversation] capture failed for session=%s, sending without photo: %v", req.SessionID, err)
			if _, relErr := s.sessions.ReleasePendingMedia(ctx, req.SessionID); relErr != nil {
				log.Printf("[conversation] release pending media failed: %v", relErr)
			}
			result.CaptureError = err.Error()
			result.UserTurn.PendingMedia = false
			act.fire(EventCaptureFailed)
		} else {
			result.Photo = &ref
			result.UserTurn.PendingMedia = false
			result.UserTurn.MediaRef = &ref
			act.fire(EventCaptured)
		}
	} else {
		act.fire(EventSubmit)
	}

	if err := s.cooldown.Acquire(ctx); err != nil {
		act.fire(EventError)
		return s.finish(&result, act), err
	}

	messages, err := s.sessions.SnapshotForCompletion(ctx, req.SessionID)
	if err != nil {
		act.fire(EventError)
		return s.finish(&result, act), err
	}
	system := s.systemPrompt(p.SystemPrompt, guidance, result.Photo != nil)
	messages = append([]gateway.Message{{Role: gateway.RoleSystem, Content: system}}, messages...)

	act.fire(EventSent)
	completion, err := s.complete(ctx, messages)
	if err != nil {
		s.cooldown.Observe(err)
		if gateway.IsKind(err, gateway.RateLimited) {
			rlErr := s.rateLimited(ctx, req.SessionID, err)
			if rlErr.Placeholder.ID != "" {
				placeholder := rlErr.Placeholder
				result.Reply = &placeholder
			}
			act.fire(EventRateLimited)
			return s.finish(&result, act), rlErr
		}
		act.fire(EventError)
		return s.finish(&result, act), fmt.Errorf("chat completion: %w", err)
	}

	reply, err := s.sessions.AppendTurn(ctx, req.SessionID, chat.Turn{
		Role:    chat.RoleAssistant,
		Content: completion.Content,
	})
	if err != nil {
		act.fire(EventError)
		return s.finish(&result, act), err
	}
	result.Reply = &reply
	act.fire(EventReplied)

	if req.Narrate && s.narrator != nil {
		narrated, err := s.narrator.Narrate(ctx, narration.Request{
			TurnID:       reply.ID,
			Text:         reply.Content,
			VoiceID:      firstNonEmpty(req.VoiceID, p.VoiceID),
			Avatar:       req.Avatar,
			AvatarConfig: mergeAvatar(req.AvatarConfig, p.Avatar),
			LocalSpeech:  req.LocalSpeech,
		})
		if err != nil {
			log.Printf("[conversation] narration failed for turn=%s: %v", reply.ID, err)
		} else {
			result.Narration = &narrated
		}
	}

	return s.finish(&result, act), nil
}

// Start 生成开场白。会话已有消息时返回 ErrAlreadyStarted。模型调用失败时
// 使用助手的 OpeningLine，开场不会因为上游故障而失败。
func (s *Service) Start(ctx context.Context, sessionID string) (chat.Turn, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return chat.Turn{}, err
	}
	transcript, err := s.sessions.Transcript(ctx, sessionID)
	if err != nil {
		return chat.Turn{}, err
	}
	if len(transcript) > 0 {
		return chat.Turn{}, ErrAlreadyStarted
	}
	p := s.persona(session.PersonaID)

	var content string
	if err := s.cooldown.Acquire(ctx); err != nil {
		return chat.Turn{}, err
	}
	completion, err := s.complete(ctx, []gateway.Message{
		{Role: gateway.RoleSystem, Content: firstNonEmpty(p.GreetingPrompt, p.SystemPrompt)},
		{Role: gateway.RoleUser, Content: greetingQuery},
	})
	switch {
	case err == nil:
		content = completion.Content
	case ctx.Err() != nil:
		return chat.Turn{}, ctx.Err()
	default:
		s.cooldown.Observe(err)
		log.Printf("[conversation] greeting completion failed for session=%s, use opening line: %v", sessionID, err)
		content = p.OpeningLine
	}

	return s.sessions.AppendTurn(ctx, sessionID, chat.Turn{
		Role:    chat.RoleAssistant,
		Content: content,
	})
}

func (s *Service) complete(ctx context.Context, messages []gateway.Message) (*gateway.Completion, error) {
	start := time.Now()
	completion, err := s.completer.ChatCompletion(ctx, messages, s.modelID)
	s.metrics.RecordChat(ctx, s.provider, time.Since(start), string(gateway.KindOf(err)))
	if err != nil {
		return nil, err
	}
	return completion, nil
}

func (s *Service) rateLimited(ctx context.Context, sessionID string, cause error) *RateLimitedError {
	wait := s.cooldown.Interval()
	s.metrics.RecordRateLimitedSend(ctx)

	placeholder, err := s.sessions.AppendTurn(ctx, sessionID, chat.Turn{
		Role:        chat.RoleAssistant,
		Content:     PlaceholderText(wait),
		Placeholder: true,
	})
	if err != nil {
		log.Printf("[conversation] append placeholder failed for session=%s: %v", sessionID, err)
	}
	log.Printf("[conversation] rate limited for session=%s, next request in %s", sessionID, wait)
	return &RateLimitedError{Wait: wait, Placeholder: placeholder, Err: cause}
}

// PlaceholderText is the assistant message kept in the log when the
// provider throttles a send.
func PlaceholderText(wait time.Duration) string {
	seconds := int(math.Ceil(wait.Seconds()))
	return fmt.Sprintf("I apologize, but our service is experiencing high demand right now. Please wait about %d seconds before sending another message. Your previous message has been received, but we need to space out requests to the AI service.", seconds)
}

func (s *Service) finish(result *SendResult, act *action) SendResult {
	result.States = act.trace
	return *result
}

func (s *Service) persona(id string) persona.Persona {
	if s.personas != nil {
		if p, ok := s.personas.FindByID(id); ok {
			return p
		}
		if p, ok := s.personas.FindByID(persona.DefaultID); ok {
			return p
		}
	}
	return persona.Seed()[0]
}

func (s *Service) analyzeMood(ctx context.Context, p *persona.Persona, history []gateway.Message, text string) moodservice.Guidance {
	if s.mood == nil {
		return moodservice.Guidance{Decision: analysis.Analyze(text)}
	}
	return s.mood.Analyze(ctx, p, history, text)
}

func (s *Service) systemPrompt(base string, guidance moodservice.Guidance, photo bool) string {
	sections := []string{base}
	if hint := guidance.SystemHint(); hint != "" {
		sections = append(sections, hint)
	}
	if photo {
		sections = append(sections, photoNote)
	}
	return strings.Join(sections, "\n\n")
}

func mergeAvatar(req gateway.AvatarConfig, p persona.Avatar) gateway.AvatarConfig {
	if req.Character == "" {
		req.Character = p.Character
	}
	if req.Style == "" {
		req.Style = p.Style
	}
	if req.Voice == "" {
		req.Voice = p.Voice
	}
	return req
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
