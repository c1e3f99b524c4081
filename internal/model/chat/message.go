package chat

import (
	"time"

	"github.com/zhouzirui/mindful-companion/backend/internal/model/media"
)

// Role 对话角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the conversation log. Turns are append-only; the
// only later change is attaching media to a pending user turn.
type Turn struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"sessionId"`
	Role         Role       `json:"role"`
	Content      string     `json:"content"`
	MediaRef     *media.Ref `json:"attachedMediaRef,omitempty"`
	PendingMedia bool       `json:"pendingMedia,omitempty"`
	Mood         string     `json:"mood,omitempty"`
	Placeholder  bool       `json:"placeholder,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Clone returns a copy that shares no pointers with t.
func (t Turn) Clone() Turn {
	if t.MediaRef != nil {
		ref := *t.MediaRef
		t.MediaRef = &ref
	}
	return t
}
