package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// SendError describes a failed webhook POST. Transient marks failures a
// subscriber is likely to recover from; every failure is still retried.
type SendError struct {
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *SendError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "webhook send failed")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *SendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether err looks like a temporary subscriber problem.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout ||
		(statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

// FailureReason is a low-cardinality label for metrics.
func FailureReason(err error) string {
	var sendErr *SendError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &sendErr) && sendErr.StatusCode >= 500:
		return "http_5xx"
	case errors.As(err, &sendErr) && sendErr.StatusCode >= 400:
		return "http_4xx"
	case errors.As(err, &sendErr) && sendErr.StatusCode > 0:
		return "http_other"
	default:
		return "transport"
	}
}
