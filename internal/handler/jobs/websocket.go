package jobs

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/mindful-companion/backend/internal/service/avatar"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type outgoingMessage struct {
	Type      string         `json:"type"`
	JobID     string         `json:"jobId"`
	Data      statusResponse `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

// handleWebSocket 推送任务状态，直到任务进入终态或客户端断开
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	// 先订阅再读取快照，避免错过两者之间的状态变化
	events, detach := h.listener.Listen(jobID)
	defer detach()

	snap, err := h.engine.Get(r.Context(), jobID)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[jobs] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go readLoop(conn, cancel)

	// 读循环与推送并发；写操作只在本 goroutine 中进行
	if !send(conn, "status", toStatusResponse(snap)) || snap.Status.Terminal() {
		closeNormally(conn)
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				closeNormally(conn)
				return
			}
			if !send(conn, "status", toStatusResponse(ev.Job)) {
				return
			}
			if ev.Terminal {
				closeNormally(conn)
				return
			}
		}
	}
}

// readLoop 丢弃客户端消息，只用于感知断开与处理 pong
func readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[jobs] websocket read error: %v", err)
			}
			return
		}
	}
}

func send(conn *websocket.Conn, kind string, status statusResponse) bool {
	msg := outgoingMessage{
		Type:      kind,
		JobID:     status.JobID,
		Data:      status,
		Timestamp: time.Now().Unix(),
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("[jobs] websocket write failed: %v", err)
		return false
	}
	return true
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// 确保 avatar.Hub 满足 Listener
var _ Listener = (*avatar.Hub)(nil)
