package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/retroim/buddyd/internal/model"
)

const maxRetryAfter = 2 * time.Minute

type rateLimitPayload struct {
	ErrCode      string `json:"errcode"`
	RetryAfterMs int    `json:"retry_after_ms"`
}

func parseRetryAfter(body []byte) time.Duration {
	var payload rateLimitPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0
	}
	if payload.ErrCode != "M_LIMIT_EXCEEDED" || payload.RetryAfterMs <= 0 {
		return 0
	}
	return time.Duration(payload.RetryAfterMs) * time.Millisecond
}

func capRetryAfter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

// RetryOnce runs fn and, when it fails with a transient network error,
// retries exactly once. A second failure surfaces as TransientError.
// Remote API errors (wrong input, missing rooms, auth) are never retried.
func RetryOnce(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || !isTransient(err) {
		return err
	}
	select {
	case <-time.After(250 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err = fn(); err == nil {
		return nil
	}
	if isTransient(err) {
		return &model.TransientError{Op: op, Err: err}
	}
	return err
}

// isTransient reports whether err is a plain network failure rather than a
// structured remote response or a domain error.
func isTransient(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return false
	}
	var connErr *model.ConnError
	if errors.As(err, &connErr) {
		return false
	}
	var permErr *model.PermissionError
	var valErr *model.ValidationError
	if errors.As(err, &permErr) || errors.As(err, &valErr) {
		return false
	}
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
