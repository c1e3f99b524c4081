package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/chat"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/avatar"
	chatservice "github.com/zhouzirui/mindful-companion/backend/internal/service/chat"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/conversation"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", chatservice.ErrSessionNotFound), http.StatusNotFound},
		{avatar.ErrJobNotFound, http.StatusNotFound},
		{conversation.ErrEmptyMessage, http.StatusBadRequest},
		{conversation.ErrAlreadyStarted, http.StatusConflict},
		{gateway.NewError(gateway.Unauthorized, "groq", "chat_completion", nil), http.StatusUnauthorized},
		{gateway.NewError(gateway.QuotaExceeded, "groq", "chat_completion", nil), http.StatusForbidden},
		{gateway.NewError(gateway.UpstreamServerError, "groq", "chat_completion", nil), http.StatusBadGateway},
		{gateway.NewError(gateway.Timeout, "groq", "chat_completion", nil), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestRespondFailureRateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	err := &conversation.RateLimitedError{
		Wait:        9500 * time.Millisecond,
		Placeholder: chat.Turn{Content: "please wait"},
		Err:         gateway.NewError(gateway.RateLimited, "groq", "chat_completion", nil),
	}
	RespondFailure(rec, fmt.Errorf("send: %w", err))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "10" {
		t.Fatalf("unexpected Retry-After %q", rec.Header().Get("Retry-After"))
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"retryAfterSeconds":10`) || !strings.Contains(body, `"placeholder":"please wait"`) {
		t.Fatalf("unexpected body %s", body)
	}
}
