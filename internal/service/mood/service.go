package mood

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/mindful-companion/backend/internal/analysis/mood"
	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/persona"
)

// Config 控制情绪分析服务的行为。
type Config struct {
	Enabled      bool
	HistoryLimit int
}

// Guidance 表示情绪分析的结果以及对回复语气的建议。
type Guidance struct {
	Decision   analysis.Decision
	Style      string
	Confidence float32
	Reason     string
}

// Gate paces calls to the chat endpoint the classifier shares with the
// conversation. *cooldown.Controller implements it.
type Gate interface {
	Acquire(ctx context.Context) error
	Observe(err error)
}

// Service 使用大模型对用户情绪进行分类，失败时回退到关键词规则。
type Service struct {
	enabled      bool
	classifier   compose.Runnable[map[string]any, *schema.Message]
	fallback     func(text string) analysis.Decision
	historyLimit int
	gate         Gate
	mapErr       func(error) error
}

// Option customises a Service.
type Option func(*Service)

// WithGate 让分类调用与对话共用同一个冷却控制。
func WithGate(g Gate) Option {
	return func(s *Service) { s.gate = g }
}

// WithErrorMapper converts raw model errors into *gateway.Error so the gate
// can recognise throttling.
func WithErrorMapper(fn func(error) error) Option {
	return func(s *Service) { s.mapErr = fn }
}

// NewService 创建情绪分析服务。chatModel 为 nil 时只使用关键词规则。
func NewService(ctx context.Context, chatModel model.BaseChatModel, cfg Config, opts ...Option) (*Service, error) {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 6
	}

	svc := &Service{
		enabled:      cfg.Enabled && chatModel != nil,
		fallback:     analysis.Analyze,
		historyLimit: historyLimit,
	}
	for _, opt := range opts {
		opt(svc)
	}

	if !svc.enabled {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(moodSystemPrompt),
		schema.UserMessage(moodUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile mood classifier chain: %w", err)
	}

	svc.classifier = runnable
	return svc, nil
}

// Enabled 返回是否启用了模型分类。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.classifier != nil
}

// Analyze 根据最近对话和用户最新输入推断情绪。
func (s *Service) Analyze(ctx context.Context, p *persona.Persona, history []gateway.Message, userMessage string) Guidance {
	if !s.Enabled() {
		return s.fallbackGuidance(userMessage)
	}

	input := map[string]any{
		"persona":      summarizePersona(p),
		"history":      formatHistory(history, s.historyLimit),
		"user_message": strings.TrimSpace(userMessage),
	}

	if s.gate != nil {
		if err := s.gate.Acquire(ctx); err != nil {
			log.Printf("[mood] cooldown wait aborted, use fallback: %v", err)
			return s.fallbackGuidance(userMessage)
		}
	}

	msg, err := s.classifier.Invoke(ctx, input)
	if err != nil {
		if s.mapErr != nil {
			err = s.mapErr(err)
		}
		if s.gate != nil {
			s.gate.Observe(err)
		}
		log.Printf("[mood] classifier invoke failed, use fallback: %v", err)
		return s.fallbackGuidance(userMessage)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return s.fallbackGuidance(userMessage)
	}

	result, err := parseClassifierOutput(msg.Content)
	if err != nil {
		log.Printf("[mood] classifier output parse failed, use fallback: %v", err)
		return s.fallbackGuidance(userMessage)
	}

	label, ok := analysis.ParseLabel(result.Mood)
	if !ok {
		return s.fallbackGuidance(userMessage)
	}

	intensity := clampIntensity(result.Intensity)
	decision := analysis.Decision{
		Label:     label,
		Intensity: intensity,
		Score:     int(intensity * 2),
	}

	style := strings.TrimSpace(result.Style)
	if style == "" {
		style = defaultStyleByMood[label]
	}

	confidence := result.Confidence
	if confidence <= 0 {
		confidence = 0.6
	}
	if confidence > 1 {
		confidence = 1
	}

	return Guidance{
		Decision:   decision,
		Style:      style,
		Confidence: confidence,
		Reason:     strings.TrimSpace(result.Reason),
	}
}

// SystemHint 把情绪建议整理成可以追加到系统提示词后的一段话。
// 置信度过低或情绪平和时返回空串。
func (g Guidance) SystemHint() string {
	if g.Decision.Label == "" || g.Decision.Label == analysis.Neutral || g.Confidence < 0.5 {
		return ""
	}
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("The user currently seems %s (intensity %.1f of 5).", g.Decision.Label, g.Decision.Intensity))
	if g.Style != "" {
		builder.WriteString(" ")
		builder.WriteString(g.Style)
	}
	return builder.String()
}

func (s *Service) fallbackGuidance(userMessage string) Guidance {
	decision := s.fallback(userMessage)
	style := defaultStyleByMood[decision.Label]

	confidence := float32(0.3)
	if decision.Score > 0 {
		confidence = 0.55
	}

	return Guidance{
		Decision:   decision,
		Style:      style,
		Confidence: confidence,
		Reason:     "fallback",
	}
}

// parseClassifierOutput 截取模型输出中的 JSON 对象。
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &classifierPayload{}
	if err := sonic.UnmarshalString(trimmed[start:end+1], payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func summarizePersona(p *persona.Persona) string {
	if p == nil {
		return "No specific assistant profile."
	}
	sections := []string{
		fmt.Sprintf("Name: %s", strings.TrimSpace(p.Name)),
		fmt.Sprintf("Role: %s", strings.TrimSpace(p.Title)),
	}
	if tone := strings.TrimSpace(p.Tone); tone != "" {
		sections = append(sections, fmt.Sprintf("Tone: %s", tone))
	}
	return strings.Join(sections, " | ")
}

func formatHistory(messages []gateway.Message, limit int) string {
	if len(messages) == 0 {
		return "(no earlier messages)"
	}
	if limit < 1 {
		limit = 1
	}
	start := len(messages) - limit
	if start < 0 {
		start = 0
	}

	lines := make([]string, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		content := strings.TrimSpace(msg.Content)
		if content == "" || msg.Role == gateway.RoleSystem {
			continue
		}
		speaker := "User"
		if msg.Role == gateway.RoleAssistant {
			speaker = "Assistant"
		}
		lines = append(lines, speaker+": "+content)
	}
	if len(lines) == 0 {
		return "(no earlier messages)"
	}
	return strings.Join(lines, "\n")
}

func clampIntensity(val float32) float32 {
	if val <= 0 {
		return 3
	}
	if val < 1 {
		return 1
	}
	if val > 5 {
		return 5
	}
	return val
}

type classifierPayload struct {
	Mood       string  `json:"mood"`
	Intensity  float32 `json:"intensity"`
	Confidence float32 `json:"confidence"`
	Style      string  `json:"style"`
	Reason     string  `json:"reason"`
}

const moodSystemPrompt = "You analyse the emotional state of a user talking to a mental-wellness companion. Read the assistant profile, the recent conversation and the latest user message, then infer the user's mood.\nReturn only one JSON object with the fields: mood (one of neutral/calm/happy/sad/anxious/angry), intensity (number between 1 and 5), confidence (number between 0 and 1), style (one sentence on how the reply should sound), reason (short explanation). Do not output anything else."

const moodUserPrompt = "Assistant profile:\n{persona}\n\nRecent conversation:\n{history}\n\nLatest user message:\n{user_message}\n\nReply with the JSON object."

var defaultStyleByMood = map[analysis.Label]string{
	analysis.Neutral: "Keep a natural, friendly tone.",
	analysis.Calm:    "Match the user's calm pace and reinforce what is helping.",
	analysis.Happy:   "Share the user's good mood and encourage it.",
	analysis.Sad:     "Be gentle and validating; comfort before offering suggestions.",
	analysis.Anxious: "Be steady and reassuring; slow down and offer one small grounding step.",
	analysis.Angry:   "Stay calm and non-judgmental; acknowledge the frustration first.",
}
