package github

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuth indicates the token is missing, invalid or lacks required scopes.
var ErrAuth = errors.New("github authentication failed")

// RateLimitError indicates the API quota is exhausted. Secondary marks the
// abuse-detection limit, which uses a different backoff schedule.
type RateLimitError struct {
	Remaining int
	ResetAt   time.Time
	Secondary bool
	Message   string
}

func (e *RateLimitError) Error() string {
	if e.Secondary {
		return fmt.Sprintf("secondary rate limit: %s", e.Message)
	}
	return fmt.Sprintf("rate limit exceeded (remaining %d, resets %s): %s",
		e.Remaining, e.ResetAt.Format(time.RFC3339), e.Message)
}

// TransientError covers 5xx responses and network failures that are worth
// retrying with backoff.
type TransientError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transient error: %s", e.Message)
}

// APIError is a non-retryable API failure.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error (status %d): %s", e.StatusCode, e.Message)
}

// NormalizationError indicates a raw payload could not be turned into a
// canonical event. The orchestrator logs and skips these, never crashes.
type NormalizationError struct {
	EventID string
	Reason  string
}

func (e *NormalizationError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("cannot normalize event %s: %s", e.EventID, e.Reason)
	}
	return fmt.Sprintf("cannot normalize event: %s", e.Reason)
}
