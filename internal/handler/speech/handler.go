package speech

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/handler/httpx"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/persona"
	chatservice "github.com/zhouzirui/mindful-companion/backend/internal/service/chat"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/narration"
	"github.com/zhouzirui/mindful-companion/backend/pkg/utils"
)

// Narrator 抽象降级朗读链，便于测试与替换实现
type Narrator interface {
	Narrate(ctx context.Context, req narration.Request) (narration.Result, error)
}

// Handler 语音服务的HTTP处理器
type Handler struct {
	narrator     Narrator
	premium      gateway.SpeechSynthesizer
	chatSvc      *chatservice.Service
	personaStore persona.Store
}

// New 创建语音处理器。premium 为 nil 时 /speech/synthesize 返回 503。
func New(narrator Narrator, premium gateway.SpeechSynthesizer, chatSvc *chatservice.Service, personaStore persona.Store) *Handler {
	return &Handler{
		narrator:     narrator,
		premium:      premium,
		chatSvc:      chatSvc,
		personaStore: personaStore,
	}
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/narrate", h.handleNarrate)
	r.Route("/speech", func(speechRouter chi.Router) {
		speechRouter.Post("/synthesize", h.handleSynthesize)
		speechRouter.Get("/health", h.handleHealth)
	})
}

type narratePayload struct {
	narration.Request
	SessionID string `json:"sessionId"`
}

// handleNarrate 按 AvatarVideo → PremiumAudio → BasicAudio → OnDeviceSpeech 的顺序朗读文本。
func (h *Handler) handleNarrate(w http.ResponseWriter, r *http.Request) {
	var payload narratePayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	req := payload.Request
	if strings.TrimSpace(req.TurnID) == "" {
		req.TurnID = uuid.NewString()
	}
	if p, ok := h.personaFor(r.Context(), payload.SessionID); ok {
		if req.VoiceID == "" {
			req.VoiceID = p.VoiceID
		}
		if req.AvatarConfig.Character == "" {
			req.AvatarConfig.Character = p.Avatar.Character
			req.AvatarConfig.Style = p.Avatar.Style
		}
		if req.AvatarConfig.Voice == "" {
			req.AvatarConfig.Voice = p.Avatar.Voice
		}
	}

	result, err := h.narrator.Narrate(r.Context(), req)
	if err != nil {
		log.Printf("[speech] narration error: %v", err)
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// handleSynthesize 直接调用优质语音合成并返回音频。
func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if h.premium == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "speech synthesis unavailable")
		return
	}

	var req struct {
		Text      string `json:"text"`
		Voice     string `json:"voice"`
		SessionID string `json:"sessionId"`
	}
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	if strings.TrimSpace(req.Voice) == "" {
		if p, ok := h.personaFor(r.Context(), req.SessionID); ok {
			req.Voice = p.VoiceID
		}
	}

	text := narration.PrepareText(req.Text, narration.DefaultMaxChars)
	audio, err := h.premium.SynthesizeSpeech(r.Context(), text, req.Voice)
	if err != nil {
		log.Printf("[speech] TTS error: %v", err)
		httpx.RespondFailure(w, err)
		return
	}

	contentType := audio.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(audio.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio.Data); err != nil {
		log.Printf("failed to write audio response: %v", err)
	}
}

// personaFor 根据会话解析助手配置。
func (h *Handler) personaFor(ctx context.Context, sessionID string) (persona.Persona, bool) {
	sessionID = strings.TrimSpace(sessionID)
	if h.chatSvc == nil || h.personaStore == nil || sessionID == "" {
		return persona.Persona{}, false
	}

	session, err := h.chatSvc.GetSession(ctx, sessionID)
	if err != nil {
		return persona.Persona{}, false
	}
	return h.personaStore.FindByID(session.PersonaID)
}

// handleHealth 健康检查端点
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "speech",
		"premium": h.premium != nil,
	})
}
