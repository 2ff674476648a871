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
	commentAttempts   = 2
	commentWindowSpan = time.Hour
)

var commentRetryWaits = []time.Duration{2 * time.Second, 5 * time.Second}

// ErrOptInRequired marks a comment refused because the rule did not opt in
// to writing on GitHub.
var ErrOptInRequired = errors.New("github_comment requires opt_in")

// CommentSender posts comments on issues and pull requests. At most one
// comment goes to any single entity per hour, and only successful posts
// consume the entity's slot.
type CommentSender struct {
	http    HTTPClient
	token   string
	baseURL string
	limiter *EntityWindow
	waits   []time.Duration
	log     *slog.Logger
}

func NewCommentSender(httpClient HTTPClient, token, baseURL string, clock model.Clock, logger *slog.Logger) *CommentSender {
	return &CommentSender{
		http:    httpClient,
		token:   token,
		baseURL: baseURL,
		limiter: NewEntityWindow(commentWindowSpan, clock),
		waits:   commentRetryWaits,
		log:     logger,
	}
}

// Send posts the message as a comment on the event's entity. It returns the
// number of network attempts made; zero means the send was refused before
// reaching the network.
func (s *CommentSender) Send(ctx context.Context, rule model.Rule, event model.Event, message string) (int, error) {
	if event.EntityNumber == 0 {
		return 0, errors.New("event has no entity to comment on")
	}
	key := event.EntityID()
	if !s.limiter.Allow(key) {
		return 0, fmt.Errorf("%w: one comment per entity per %s", ErrRateLimited, commentWindowSpan)
	}

	body, err := json.Marshal(map[string]string{"body": message})
	if err != nil {
		return 0, fmt.Errorf("encode comment: %w", err)
	}
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", s.baseURL, event.RepoOwner, event.RepoName, event.EntityNumber)

	attempts := 0
	err = retry.Do(ctx, sequenceBackoff(s.waits, commentAttempts), func(ctx context.Context) error {
		attempts++
		return s.post(ctx, url, body)
	})
	if err != nil {
		return attempts, fmt.Errorf("comment on %s failed after %d attempt(s): %w", key, attempts, err)
	}

	s.limiter.Record(key)
	s.log.Debug("comment posted", "rule", rule.ID, "entity", key, "attempts", attempts)
	return attempts, nil
}

func (s *CommentSender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/vnd.github+json")
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
	if resp.StatusCode >= 500 {
		return retry.RetryableError(serr)
	}
	return serr
}
