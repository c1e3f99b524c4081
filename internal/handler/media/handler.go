package media

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	mediastore "github.com/zhouzirui/mindful-companion/backend/internal/service/media"
	"github.com/zhouzirui/mindful-companion/backend/pkg/utils"
)

// Getter 读取已保存的媒体
type Getter interface {
	Get(id string) (mediastore.Blob, error)
}

// Handler 提供合成音频与上传照片的下载
type Handler struct {
	store Getter
}

// New 创建媒体处理器
func New(store Getter) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes 注册媒体路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/media/{mediaID}", h.handleGet)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "mediaID")
	blob, err := h.store.Get(id)
	if err != nil {
		if errors.Is(err, mediastore.ErrNotFound) {
			utils.RespondError(w, http.StatusNotFound, "media not found")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(blob.Data); err != nil {
		log.Printf("[media] write %s failed: %v", id, err)
	}
}
