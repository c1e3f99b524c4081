package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/chat"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/media"
	"github.com/zhouzirui/mindful-companion/backend/internal/observe"
)

var (
	ErrPersonaRequired = errors.New("persona id is required")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidRole     = errors.New("invalid turn role")
)

// MediaReleaser frees media owned by evicted turns.
type MediaReleaser interface {
	Release(ref media.Ref)
}

// Service encapsulates conversation state management.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	turns    map[string][]chat.Turn

	now     func() time.Time
	media   MediaReleaser
	metrics *observe.Metrics
}

// Option customises the Service.
type Option func(*Service)

// WithMediaReleaser releases attached media when a session is deleted.
func WithMediaReleaser(r MediaReleaser) Option {
	return func(s *Service) { s.media = r }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics tracks live sessions.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService bootstraps the in-memory chat service.
func NewService(opts ...Option) *Service {
	s := &Service{
		sessions: make(map[string]chat.Session),
		turns:    make(map[string][]chat.Turn),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession provisions an anonymous session bound to a persona.
func (s *Service) CreateSession(ctx context.Context, personaID string) (chat.Session, error) {
	if strings.TrimSpace(personaID) == "" {
		return chat.Session{}, ErrPersonaRequired
	}

	session := chat.Session{
		ID:        uuid.NewString(),
		PersonaID: personaID,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.turns[session.ID] = make([]chat.Turn, 0, 16)
	s.mu.Unlock()

	s.metrics.SessionOpened(ctx)
	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// AppendTurn adds turn at the end of the log and returns the stored copy.
// CreatedAt never goes backwards within a session.
func (s *Service) AppendTurn(_ context.Context, sessionID string, turn chat.Turn) (chat.Turn, error) {
	switch turn.Role {
	case chat.RoleSystem, chat.RoleUser, chat.RoleAssistant:
	default:
		return chat.Turn{}, ErrInvalidRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	turns, ok := s.turns[sessionID]
	if !ok {
		return chat.Turn{}, ErrSessionNotFound
	}

	turn.ID = uuid.NewString()
	turn.SessionID = sessionID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	if n := len(turns); n > 0 && turn.CreatedAt.Before(turns[n-1].CreatedAt) {
		turn.CreatedAt = turns[n-1].CreatedAt
	}
	if turn.Role != chat.RoleUser {
		turn.PendingMedia = false
	}
	turn = turn.Clone()

	s.turns[sessionID] = append(turns, turn)
	return turn.Clone(), nil
}

// SnapshotForCompletion returns the role/content pairs in arrival order,
// ready to send to a completion provider.
func (s *Service) SnapshotForCompletion(_ context.Context, sessionID string) ([]gateway.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns, ok := s.turns[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	messages := make([]gateway.Message, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, gateway.Message{
			Role:    gateway.Role(turn.Role),
			Content: turn.Content,
		})
	}
	return messages, nil
}

// AttachMediaToLastPendingUserTurn fills the most recent user turn still
// waiting for media. It reports false when no such turn exists.
func (s *Service) AttachMediaToLastPendingUserTurn(_ context.Context, sessionID string, ref media.Ref) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns, ok := s.turns[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}

	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == chat.RoleUser && turns[i].PendingMedia {
			attached := ref
			turns[i].MediaRef = &attached
			turns[i].PendingMedia = false
			return true, nil
		}
	}
	return false, nil
}

// ReleasePendingMedia clears the pending flag of the most recent pending user
// turn, used when capture failed and the message goes out without media.
func (s *Service) ReleasePendingMedia(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns, ok := s.turns[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}

	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == chat.RoleUser && turns[i].PendingMedia {
			turns[i].PendingMedia = false
			return true, nil
		}
	}
	return false, nil
}

// Transcript returns copies of every turn.
func (s *Service) Transcript(_ context.Context, sessionID string) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns, ok := s.turns[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]chat.Turn, len(turns))
	for i, turn := range turns {
		copied[i] = turn.Clone()
	}
	return copied, nil
}

// DeleteSession evicts the session, its turns and their media.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	turns, ok := s.turns[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.turns, sessionID)
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if s.media != nil {
		for _, turn := range turns {
			if turn.MediaRef != nil {
				s.media.Release(*turn.MediaRef)
			}
		}
	}
	s.metrics.SessionClosed(ctx)
	return nil
}
