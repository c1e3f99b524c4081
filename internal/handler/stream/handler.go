package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/mindful-companion/backend/internal/handler/httpx"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/persona"
	chatService "github.com/zhouzirui/mindful-companion/backend/internal/service/chat"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/conversation"
	"github.com/zhouzirui/mindful-companion/backend/pkg/utils"
)

// Handler 通过 Server-Sent Events 推送一次发送的各个阶段。
type Handler struct {
	convo    *conversation.Service
	chatSvc  *chatService.Service
	personas persona.Store
}

// New creates a new stream handler
func New(convo *conversation.Service, chatSvc *chatService.Service, personas persona.Store) *Handler {
	return &Handler{
		convo:    convo,
		chatSvc:  chatSvc,
		personas: personas,
	}
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event     string `json:"event"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RegisterRoutes 注册 SSE 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.handleStream)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userMessage := strings.TrimSpace(r.URL.Query().Get("message"))
	if userMessage == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	if _, _, err := h.getSessionPersona(r.Context(), sessionID); err != nil {
		httpx.RespondFailure(w, err)
		return
	}

	if err := h.HandleStreamRequest(r.Context(), w, sessionID, userMessage, streamOptions(r)); err != nil {
		log.Printf("[stream] error handling request: %v", err)
	}
}

func streamOptions(r *http.Request) conversation.SendRequest {
	q := r.URL.Query()
	return conversation.SendRequest{
		Narrate:     q.Get("narrate") == "true",
		Avatar:      q.Get("avatar") == "true",
		LocalSpeech: q.Get("localSpeech") == "true",
		VoiceID:     q.Get("voice"),
	}
}

// HandleStreamRequest runs one Send and reports each stage as an SSE chunk.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, sessionID, userMessage string, opts conversation.SendRequest) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return fmt.Errorf("streaming unsupported")
	}

	_, p, err := h.getSessionPersona(ctx, sessionID)
	if err != nil {
		utils.RespondError(w, httpx.StatusFor(err), err.Error())
		return err
	}

	utils.SetupSSEHeaders(w)

	h.sendSSE(w, flusher, StreamResponse{
		Event:     "start",
		SessionID: sessionID,
		Content:   fmt.Sprintf("%s is thinking", p.Name),
	})

	opts.SessionID = sessionID
	opts.Text = userMessage
	opts.OnState = func(state conversation.State) {
		h.sendSSE(w, flusher, StreamResponse{Event: "state", SessionID: sessionID, Content: string(state)})
		if state != conversation.Submitting {
			return
		}
		if wait := h.convo.Cooldown().Remaining(); wait > 0 {
			h.sendSSE(w, flusher, StreamResponse{
				Event:     "cooldown",
				SessionID: sessionID,
				Data:      map[string]int{"waitSeconds": int(math.Ceil(wait.Seconds()))},
			})
		}
	}

	result, err := h.convo.Send(ctx, opts)
	if err != nil {
		var rlErr *conversation.RateLimitedError
		if errors.As(err, &rlErr) {
			h.sendSSE(w, flusher, StreamResponse{
				Event:     "notice",
				SessionID: sessionID,
				Content:   rlErr.Placeholder.Content,
				Data:      map[string]int{"retryAfterSeconds": httpx.RetryAfterSeconds(rlErr)},
			})
			h.sendEnd(w, flusher, sessionID)
			return nil
		}
		h.sendSSEError(w, flusher, fmt.Sprintf("AI generation failed: %v", err))
		return err
	}

	h.sendSSE(w, flusher, StreamResponse{
		Event:     "mood",
		SessionID: sessionID,
		Data:      result.Mood,
	})
	if result.Reply != nil {
		h.sendSSE(w, flusher, StreamResponse{
			Event:     "message",
			SessionID: sessionID,
			Content:   result.Reply.Content,
			Data:      result.Reply,
		})
	}
	if result.Narration != nil {
		h.sendSSE(w, flusher, StreamResponse{
			Event:     "narration",
			SessionID: sessionID,
			Data:      result.Narration,
		})
	}

	h.sendEnd(w, flusher, sessionID)
	log.Printf("[stream] completed response for session=%s, persona=%s", sessionID, p.ID)
	return nil
}

// getSessionPersona retrieves session and associated persona information
func (h *Handler) getSessionPersona(ctx context.Context, sessionID string) (string, *persona.Persona, error) {
	session, err := h.chatSvc.GetSession(ctx, sessionID)
	if err != nil {
		return "", nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	p, ok := h.personas.FindByID(session.PersonaID)
	if !ok {
		return "", nil, fmt.Errorf("persona %s not found", session.PersonaID)
	}
	return session.ID, &p, nil
}

// sendSSE 用 event 行标出阶段名，payload 里也保留 event 字段
func (h *Handler) sendSSE(w http.ResponseWriter, flusher http.Flusher, response StreamResponse) {
	utils.SendSSEEvent(w, flusher, response.Event, response)
}

func (h *Handler) sendEnd(w http.ResponseWriter, flusher http.Flusher, sessionID string) {
	h.sendSSE(w, flusher, StreamResponse{
		Event:     "end",
		SessionID: sessionID,
		Finished:  true,
	})
}

// sendSSEError sends an error via Server-Sent Events
func (h *Handler) sendSSEError(w http.ResponseWriter, flusher http.Flusher, errorMsg string) {
	h.sendSSE(w, flusher, StreamResponse{
		Event: "error",
		Error: errorMsg,
	})
}
