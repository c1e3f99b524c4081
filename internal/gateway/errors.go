package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies an upstream failure independent of the vendor that produced it.
type Kind string

const (
	Unauthorized        Kind = "unauthorized"
	QuotaExceeded       Kind = "quota_exceeded"
	RateLimited         Kind = "rate_limited"
	UpstreamServerError Kind = "upstream_server_error"
	NetworkError        Kind = "network_error"
	MalformedResponse   Kind = "malformed_response"
	Timeout             Kind = "timeout"
	DeviceUnavailable   Kind = "device_unavailable"
)

// Error is the normalized failure returned by every gateway adapter.
type Error struct {
	Kind       Kind
	Op         string
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error of the given kind.
func NewError(kind Kind, provider, op string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: err}
}

// KindOf reports the Kind carried by err, or "" when err is not a gateway error.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return ""
}

// IsKind reports whether err is a gateway error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the operation may be retried immediately.
// Only transport failures qualify; retrying a throttled call makes throttling worse.
func IsRetryable(err error) bool {
	return IsKind(err, NetworkError)
}

// KindFromStatus maps an HTTP status code onto the failure taxonomy.
func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return Unauthorized
	case status == http.StatusForbidden:
		return QuotaExceeded
	case status == http.StatusTooManyRequests || status == 529:
		return RateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return Timeout
	case status >= 500:
		return UpstreamServerError
	default:
		return MalformedResponse
	}
}

// FromStatus wraps a non-2xx response into an Error.
func FromStatus(provider, op string, status int, body string) *Error {
	var err error
	if body != "" {
		err = errors.New(body)
	}
	return &Error{
		Kind:       KindFromStatus(status),
		Op:         op,
		Provider:   provider,
		StatusCode: status,
		Err:        err,
	}
}

// FromTransport classifies an error returned before any HTTP status was read.
func FromTransport(provider, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr
	}

	kind := NetworkError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = Timeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = Timeout
	}
	return &Error{Kind: kind, Op: op, Provider: provider, Err: err}
}
