package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"concierge/internal/model"
)

const (
	webhookAttempts     = 3
	webhookWindowLimit  = 10
	webhookWindowSpan   = time.Minute
	maxErrorBodyPreview = 256
)

var webhookRetryWaits = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// ErrRateLimited marks a send refused by a local rate limiter before any
// network attempt was made.
var ErrRateLimited = errors.New("rate limited")

// HTTPClient is the transport surface senders need.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

// WebhookSender posts rule messages as JSON to a configured webhook URL.
// At most webhookWindowLimit posts go out per webhookWindowSpan.
type WebhookSender struct {
	http    HTTPClient
	url     string
	limiter *SlidingWindow
	waits   []time.Duration
	log     *slog.Logger
}

func NewWebhookSender(httpClient HTTPClient, url string, clock model.Clock, logger *slog.Logger) *WebhookSender {
	return &WebhookSender{
		http:    httpClient,
		url:     url,
		limiter: NewSlidingWindow(webhookWindowLimit, webhookWindowSpan, clock),
		waits:   webhookRetryWaits,
		log:     logger,
	}
}

type webhookPayload struct {
	Text      string `json:"text"`
	Repo      string `json:"repo"`
	EventType string `json:"event_type"`
	Rule      string `json:"rule"`
	URL       string `json:"url,omitempty"`
}

// Send delivers the message, retrying transient failures. It returns the
// number of network attempts made; zero means the local limiter refused
// the send.
func (s *WebhookSender) Send(ctx context.Context, rule model.Rule, event model.Event, message string) (int, error) {
	if !s.limiter.Allow() {
		return 0, fmt.Errorf("%w: webhook window of %d per %s exhausted", ErrRateLimited, webhookWindowLimit, webhookWindowSpan)
	}

	body, err := json.Marshal(webhookPayload{
		Text:      message,
		Repo:      event.RepoFullName,
		EventType: string(event.Type),
		Rule:      rule.ID,
		URL:       event.EntityURL,
	})
	if err != nil {
		return 0, fmt.Errorf("encode webhook payload: %w", err)
	}

	attempts := 0
	err = retry.Do(ctx, sequenceBackoff(s.waits, webhookAttempts), func(ctx context.Context) error {
		attempts++
		return s.post(ctx, body)
	})
	if err != nil {
		return attempts, fmt.Errorf("webhook delivery failed after %d attempt(s): %w", attempts, err)
	}
	s.log.Debug("webhook delivered", "rule", rule.ID, "event", event.ID, "attempts", attempts)
	return attempts, nil
}

func (s *WebhookSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyPreview))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	serr := &httpStatusError{status: resp.StatusCode, body: string(bytes.TrimSpace(preview))}
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		return serr
	}
	return retry.RetryableError(serr)
}

// sequenceBackoff walks a fixed wait schedule and stops once maxAttempts
// calls have been made. The last wait repeats if the schedule is shorter
// than the attempt budget.
func sequenceBackoff(waits []time.Duration, maxAttempts int) retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		if attempt >= maxAttempts || len(waits) == 0 {
			return 0, true
		}
		i := attempt - 1
		if i >= len(waits) {
			i = len(waits) - 1
		}
		return waits[i], false
	})
}
