package chat

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/handler/httpx"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/media"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/persona"
	chatService "github.com/zhouzirui/mindful-companion/backend/internal/service/chat"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/conversation"
	"github.com/zhouzirui/mindful-companion/backend/pkg/utils"
)

// MaxPhotoBytes 限制单张上传图片的大小。
const MaxPhotoBytes = 10 << 20

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc      *chatService.Service
	convo        *conversation.Service
	personaStore persona.Store
	photos       conversation.PhotoStore
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, convo *conversation.Service, personaStore persona.Store, photos conversation.PhotoStore) *Handler {
	return &Handler{
		chatSvc:      chatSvc,
		convo:        convo,
		personaStore: personaStore,
		photos:       photos,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Route("/session/{sessionID}", func(s chi.Router) {
		s.Delete("/", h.handleDeleteSession)
		s.Post("/start", h.handleStart)
		s.Post("/messages", h.handleSendMessage)
		s.Post("/messages/photo", h.handleSendWithPhoto)
		s.Post("/media", h.handleAttachMedia)
		s.Post("/media/release", h.handleReleaseMedia)
		s.Get("/transcript", h.handleTranscript)
	})
}

type sendPayload struct {
	Content      string               `json:"content"`
	CaptureMedia bool                 `json:"captureMedia"`
	Narrate      bool                 `json:"narrate"`
	Avatar       bool                 `json:"avatar"`
	LocalSpeech  bool                 `json:"localSpeech"`
	Voice        string               `json:"voice"`
	AvatarConfig gateway.AvatarConfig `json:"avatarConfig"`
}

func (p sendPayload) request(sessionID string) conversation.SendRequest {
	return conversation.SendRequest{
		SessionID:    sessionID,
		Text:         p.Content,
		AwaitMedia:   p.CaptureMedia,
		Narrate:      p.Narrate,
		Avatar:       p.Avatar,
		LocalSpeech:  p.LocalSpeech,
		VoiceID:      p.Voice,
		AvatarConfig: p.AvatarConfig,
	}
}

// handleCreateSession 创建会话，未指定 personaId 时使用默认助手。
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PersonaID string `json:"personaId"`
	}

	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(r, &payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	personaID := strings.TrimSpace(payload.PersonaID)
	if personaID == "" {
		personaID = persona.DefaultID
	}
	if _, ok := h.personaStore.FindByID(personaID); !ok {
		utils.RespondError(w, http.StatusBadRequest, "persona not found")
		return
	}

	session, err := h.chatSvc.CreateSession(r.Context(), personaID)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	turn, err := h.convo.Start(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, turn)
}

// handleSendMessage 发送用户消息并返回助手回复
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload sendPayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.convo.Send(r.Context(), payload.request(chi.URLParam(r, "sessionID")))
	if err != nil {
		log.Printf("[chat] send failed: %v", err)
		httpx.RespondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// handleSendWithPhoto 处理带图片的 multipart 请求：content、photo 以及可选的朗读参数。
func (h *Handler) handleSendWithPhoto(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxPhotoBytes+1<<20)
	if err := r.ParseMultipartForm(MaxPhotoBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	payload := sendPayload{
		Content:     r.FormValue("content"),
		Narrate:     formBool(r, "narrate"),
		Avatar:      formBool(r, "avatar"),
		LocalSpeech: formBool(r, "localSpeech"),
		Voice:       r.FormValue("voice"),
	}
	req := payload.request(chi.URLParam(r, "sessionID"))

	// 图片缺失或读取失败时按 DeviceUnavailable 处理，消息照常发送。
	frame, release, err := readPhoto(r)
	if err != nil {
		log.Printf("[chat] photo unreadable, sending without it: %v", err)
		req.Capture = conversation.StaticCapture{}
	} else {
		req.Capture = conversation.StaticCapture{Frame: frame, Release: release}
	}

	result, err := h.convo.Send(r.Context(), req)
	if err != nil {
		log.Printf("[chat] send with photo failed: %v", err)
		httpx.RespondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// handleAttachMedia 把稍后上传的图片附加到最近一条等待图片的用户消息。
func (h *Handler) handleAttachMedia(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	if h.photos == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "media store unavailable")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxPhotoBytes+1<<20)
	if err := r.ParseMultipartForm(MaxPhotoBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	frame, release, err := readPhoto(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	release()

	ref, err := h.photos.Put(frame.Data, frame.ContentType, media.Image)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	attached, err := h.chatSvc.AttachMediaToLastPendingUserTurn(r.Context(), sessionID, ref)
	if err != nil || !attached {
		h.photos.Release(ref)
		if err != nil {
			httpx.RespondFailure(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]any{"attached": false})
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"attached": true, "mediaRef": ref})
}

func (h *Handler) handleReleaseMedia(w http.ResponseWriter, r *http.Request) {
	released, err := h.chatSvc.ReleasePendingMedia(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	turns, err := h.chatSvc.Transcript(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		httpx.RespondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readPhoto 读取表单字段 photo。release 关闭上传文件。
func readPhoto(r *http.Request) (conversation.Frame, func(), error) {
	file, header, err := r.FormFile("photo")
	if err != nil {
		return conversation.Frame{}, nil, fmt.Errorf("photo is required: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(file, MaxPhotoBytes+1))
	if err != nil {
		file.Close()
		return conversation.Frame{}, nil, fmt.Errorf("read photo: %w", err)
	}
	if len(data) > MaxPhotoBytes {
		file.Close()
		return conversation.Frame{}, nil, fmt.Errorf("photo exceeds %d bytes", MaxPhotoBytes)
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		file.Close()
		return conversation.Frame{}, nil, fmt.Errorf("unsupported photo type %q", contentType)
	}

	return conversation.Frame{Data: data, ContentType: contentType}, func() { file.Close() }, nil
}

func formBool(r *http.Request, key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.FormValue(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
