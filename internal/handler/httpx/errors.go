// Package httpx 把服务层错误映射为 HTTP 状态码。
package httpx

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/avatar"
	chatservice "github.com/zhouzirui/mindful-companion/backend/internal/service/chat"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/conversation"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/media"
	"github.com/zhouzirui/mindful-companion/backend/pkg/utils"
)

// RateLimitedBody is returned with 429.
type RateLimitedBody struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
	Placeholder       string `json:"placeholder,omitempty"`
}

// StatusFor 返回 err 对应的状态码。
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, chatservice.ErrSessionNotFound),
		errors.Is(err, avatar.ErrJobNotFound),
		errors.Is(err, media.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chatservice.ErrPersonaRequired),
		errors.Is(err, chatservice.ErrInvalidRole),
		errors.Is(err, conversation.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, avatar.ErrEngineClosed):
		return http.StatusServiceUnavailable
	}

	switch gateway.KindOf(err) {
	case gateway.RateLimited:
		return http.StatusTooManyRequests
	case gateway.Unauthorized:
		return http.StatusUnauthorized
	case gateway.QuotaExceeded:
		return http.StatusForbidden
	case gateway.Timeout:
		return http.StatusGatewayTimeout
	case gateway.UpstreamServerError, gateway.NetworkError, gateway.MalformedResponse:
		return http.StatusBadGateway
	case gateway.DeviceUnavailable:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// RespondFailure writes err with the mapped status. A rate-limited send
// carries the wait and the placeholder reply.
func RespondFailure(w http.ResponseWriter, err error) {
	var rlErr *conversation.RateLimitedError
	if errors.As(err, &rlErr) {
		RespondRateLimited(w, rlErr)
		return
	}
	utils.RespondError(w, StatusFor(err), err.Error())
}

// RespondRateLimited writes the 429 notice.
func RespondRateLimited(w http.ResponseWriter, rlErr *conversation.RateLimitedError) {
	seconds := RetryAfterSeconds(rlErr)
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	utils.RespondJSON(w, http.StatusTooManyRequests, RateLimitedBody{
		Error:             "rate limited by the AI service, please wait before sending another message",
		RetryAfterSeconds: seconds,
		Placeholder:       rlErr.Placeholder.Content,
	})
}

// RetryAfterSeconds rounds the wait up to whole seconds.
func RetryAfterSeconds(rlErr *conversation.RateLimitedError) int {
	return int(math.Ceil(rlErr.Wait.Seconds()))
}
