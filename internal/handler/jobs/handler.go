// Package jobs 暴露头像视频任务的提交、查询与取消接口。
package jobs

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/handler/httpx"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/job"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/avatar"
	"github.com/zhouzirui/mindful-companion/backend/pkg/utils"
)

// Engine is the part of the avatar engine the handlers need.
type Engine interface {
	Submit(ctx context.Context, req avatar.Request) (job.Snapshot, error)
	Get(ctx context.Context, id string) (job.Snapshot, error)
	Cancel(id string) bool
}

// Listener delivers job events to websocket clients.
type Listener interface {
	Listen(jobID string) (<-chan avatar.Event, func())
}

// Handler 头像任务处理器
type Handler struct {
	engine   Engine
	listener Listener
}

// New 创建任务处理器；listener 为 nil 时不提供 websocket 推送。
func New(engine Engine, listener Listener) *Handler {
	return &Handler{engine: engine, listener: listener}
}

// RegisterRoutes 注册 /jobs 下的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/create", h.handleCreate)
	r.Get("/status/{jobID}", h.handleStatus)
	r.Delete("/{jobID}", h.handleCancel)
	if h.listener != nil {
		r.Get("/ws/{jobID}", h.handleWebSocket)
	}
}

// RegisterAliasRoutes 注册兼容旧客户端的 /api/avatar 路径
func (h *Handler) RegisterAliasRoutes(r chi.Router) {
	r.Post("/create", h.handleCreate)
	r.Get("/status/{jobID}", h.handleStatus)
}

type createPayload struct {
	Text         string               `json:"text"`
	AvatarType   string               `json:"avatarType"`
	Voice        string               `json:"voice"`
	AvatarConfig gateway.AvatarConfig `json:"avatarConfig"`
}

// statusResponse uses the vocabulary the web client polls for.
type statusResponse struct {
	Success   bool   `json:"success"`
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Error     string `json:"error,omitempty"`
	Polls     int    `json:"polls"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload createPayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	cfg := payload.AvatarConfig
	if cfg.Character == "" {
		cfg.Character = payload.AvatarType
	}
	if cfg.Voice == "" {
		cfg.Voice = payload.Voice
	}

	snap, err := h.engine.Submit(r.Context(), avatar.Request{Text: payload.Text, Config: cfg})
	if err != nil {
		log.Printf("[jobs] submit failed: %v", err)
		httpx.RespondFailure(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobId":   snap.ID,
		"message": "Avatar generation job submitted successfully",
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	snap, err := h.engine.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, avatar.ErrJobNotFound) {
			utils.RespondError(w, http.StatusNotFound, "Job not found")
			return
		}
		httpx.RespondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, toStatusResponse(snap))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if !h.engine.Cancel(jobID) {
		utils.RespondError(w, http.StatusNotFound, "Job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClientStatus maps job states onto processing, completed and failed.
func ClientStatus(s job.Status) string {
	switch s {
	case job.Succeeded:
		return "completed"
	case job.Failed:
		return "failed"
	default:
		return "processing"
	}
}

func toStatusResponse(snap job.Snapshot) statusResponse {
	return statusResponse{
		Success:   true,
		JobID:     snap.ID,
		Status:    ClientStatus(snap.Status),
		AvatarURL: snap.ResultRef,
		Error:     snap.ErrorDetail,
		Polls:     snap.Polls,
	}
}
