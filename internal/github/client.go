// Package github talks to the GitHub REST API: notification polling with
// pagination, issue/PR detail fetches, quota tracking and backoff.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"concierge/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Backoff and quota constants.
const (
	rateLimitThreshold = 100
	rateLimitJitterMax = 10 * time.Second
	maxAttempts        = 4
	initialBackoff     = time.Minute
	maxBackoff         = 8 * time.Minute
	perPage            = 100
	maxBodySize        = 10 * 1024 * 1024
)

// Waits between secondary (abuse detection) rate limit retries.
var secondaryBackoff = []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}

var nextLinkPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// RateLimit is a snapshot of the primary API quota.
type RateLimit struct {
	Limit     int
	Remaining int
	Used      int
	ResetAt   time.Time
}

// Client is a GitHub REST API client. It proactively pauses when the quota
// drops below a threshold and retries transient failures with backoff.
type Client struct {
	http      HTTPClient
	token     string
	baseURL   string
	userAgent string
	maxItems  int
	clock     model.Clock
	log       *slog.Logger
	sleep     func(context.Context, time.Duration) error

	mu               sync.Mutex
	rateLimit        *RateLimit
	secondaryRetries int

	cache *entityCache
}

// New creates a Client. baseURL has no trailing slash requirement.
func New(httpClient HTTPClient, token, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		http:      httpClient,
		token:     token,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		userAgent: "concierge/1.0",
		maxItems:  500,
		clock:     model.SystemClock{},
		log:       logger,
		sleep:     sleepCtx,
		cache:     newEntityCache(),
	}
}

// SetClock replaces the wall clock, for tests.
func (c *Client) SetClock(clock model.Clock) { c.clock = clock }

// SetMaxItems caps how many notifications one poll cycle may consume.
func (c *Client) SetMaxItems(n int) { c.maxItems = n }

// RateLimit returns the last observed quota snapshot, or nil before the
// first request.
func (c *Client) RateLimit() *RateLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rateLimit == nil {
		return nil
	}
	rl := *c.rateLimit
	return &rl
}

// ClearEntityCache drops cached entity details. Called at cycle start.
func (c *Client) ClearEntityCache() {
	st := c.cache.stats()
	if st.Size > 0 {
		c.log.Debug("clearing entity cache", "size", st.Size, "hits", st.Hits, "misses", st.Misses)
	}
	c.cache.clear()
}

// EntityCacheStats reports entity cache usage for the current cycle.
func (c *Client) EntityCacheStats() CacheStats {
	return c.cache.stats()
}

// Notifications fetches all notification threads updated since the given
// time, following pagination up to the per-cycle item cap.
func (c *Client) Notifications(ctx context.Context, since time.Time) ([]map[string]any, error) {
	url := fmt.Sprintf("%s/notifications?all=false&participating=false&per_page=%d", c.baseURL, perPage)
	if !since.IsZero() {
		url += "&since=" + since.UTC().Format(time.RFC3339)
	}

	var items []map[string]any
	for url != "" {
		body, next, err := c.get(ctx, url)
		if err != nil {
			return nil, err
		}
		var page []map[string]any
		if len(body) > 0 {
			if err := json.Unmarshal(body, &page); err != nil {
				return nil, fmt.Errorf("decode notifications page: %w", err)
			}
		}
		items = append(items, page...)
		if len(items) >= c.maxItems {
			c.log.Warn("notification cap reached, truncating cycle", "cap", c.maxItems)
			return items[:c.maxItems], nil
		}
		url = next
	}
	return items, nil
}

// Issue fetches issue details, using the per-cycle entity cache.
func (c *Client) Issue(ctx context.Context, owner, repo string, number int) (map[string]any, error) {
	return c.entity(ctx, owner, repo, number,
		fmt.Sprintf("%s/repos/%s/%s/issues/%d", c.baseURL, owner, repo, number))
}

// PullRequest fetches pull request details. PRs share the issue cache key
// since the APIs return the same entity.
func (c *Client) PullRequest(ctx context.Context, owner, repo string, number int) (map[string]any, error) {
	return c.entity(ctx, owner, repo, number,
		fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.baseURL, owner, repo, number))
}

func (c *Client) entity(ctx context.Context, owner, repo string, number int, url string) (map[string]any, error) {
	if data, ok := c.cache.get(owner, repo, number); ok {
		return data, nil
	}
	body, _, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode entity %s/%s#%d: %w", owner, repo, number, err)
	}
	c.cache.put(owner, repo, number, data)
	return data, nil
}

// TokenIdentity is the result of a successful token validation.
type TokenIdentity struct {
	User   string
	Scopes []string
}

// ValidateToken checks the token against /user and verifies it carries the
// notifications or repo scope. Failures surface ErrAuth.
func (c *Client) ValidateToken(ctx context.Context) (*TokenIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: token is invalid or expired", ErrAuth)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: token access denied", ErrAuth)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d from /user", ErrAuth, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read /user response: %w", err)
	}
	var user struct {
		Login string `json:"login"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("decode /user response: %w", err)
	}

	var scopes []string
	for _, s := range strings.Split(resp.Header.Get("X-OAuth-Scopes"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	hasRequired := false
	for _, s := range scopes {
		if s == "notifications" || s == "repo" {
			hasRequired = true
		}
	}
	// Fine-grained tokens report no classic scopes; only reject when the
	// header names scopes and none of them grant notification access.
	if len(scopes) > 0 && !hasRequired {
		return nil, fmt.Errorf("%w: token is missing the notifications or repo scope", ErrAuth)
	}
	return &TokenIdentity{User: user.Login, Scopes: scopes}, nil
}

func (c *Client) get(ctx context.Context, url string) (body []byte, next string, err error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

// do performs one API request with the full retry policy: proactive quota
// pause, primary rate limit wait until reset, secondary rate limit schedule
// and exponential backoff for 5xx/network failures.
func (c *Client) do(ctx context.Context, method, url string, payload []byte) (body []byte, next string, err error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.waitForQuota(ctx); err != nil {
			return nil, "", err
		}

		body, next, err = c.once(ctx, method, url, payload)
		if err == nil {
			c.mu.Lock()
			c.secondaryRetries = 0
			c.mu.Unlock()
			return body, next, nil
		}
		lastErr = err

		var wait time.Duration
		switch e := err.(type) {
		case *RateLimitError:
			if e.Secondary {
				c.mu.Lock()
				retries := c.secondaryRetries
				c.secondaryRetries++
				c.mu.Unlock()
				if retries >= len(secondaryBackoff) {
					return nil, "", err
				}
				wait = secondaryBackoff[retries]
				c.log.Warn("secondary rate limit hit", "attempt", retries+1, "wait", wait)
			} else {
				wait = e.ResetAt.Sub(c.clock.Now()) + jitter(rateLimitJitterMax)
				if wait < 0 {
					wait = 0
				}
				c.log.Warn("rate limit exceeded, waiting for reset", "wait", wait.Round(time.Second))
			}
		case *TransientError:
			wait = backoffDelay(attempt)
			if e.RetryAfter > 0 {
				wait = e.RetryAfter
			}
			c.log.Warn("transient api error, retrying", "attempt", attempt+1, "wait", wait, "error", err)
		default:
			return nil, "", err
		}

		if err := c.sleep(ctx, wait); err != nil {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

// once performs a single HTTP round trip and classifies the response.
func (c *Client) once(ctx context.Context, method, url string, payload []byte) ([]byte, string, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = strings.NewReader(string(payload))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &TransientError{Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	rl := rateLimitFromHeaders(resp.Header)
	c.mu.Lock()
	c.rateLimit = rl
	c.mu.Unlock()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, "", &TransientError{Message: fmt.Sprintf("read body: %v", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, parseNextLink(resp.Header.Get("Link")), nil
	case resp.StatusCode == http.StatusNotModified:
		return nil, "", nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, "", fmt.Errorf("%w: status 401", ErrAuth)
	case resp.StatusCode == http.StatusForbidden:
		return nil, "", classifyForbidden(body, rl)
	case resp.StatusCode >= 500:
		return nil, "", &TransientError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp.Header),
			Message:    fmt.Sprintf("server error from %s", req.URL.Path),
		}
	default:
		return nil, "", &APIError{StatusCode: resp.StatusCode, Message: apiMessage(body)}
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", c.userAgent)
}

// waitForQuota pauses until the quota reset when remaining drops below the
// threshold, plus a small jitter so restarts do not align on the reset tick.
func (c *Client) waitForQuota(ctx context.Context) error {
	c.mu.Lock()
	rl := c.rateLimit
	c.mu.Unlock()
	if rl == nil || rl.Remaining >= rateLimitThreshold {
		return nil
	}

	wait := rl.ResetAt.Sub(c.clock.Now()) + jitter(rateLimitJitterMax)
	if wait <= 0 {
		return nil
	}
	c.log.Warn("rate limit low, pausing until reset",
		"remaining", rl.Remaining, "wait", wait.Round(time.Second))
	return c.sleep(ctx, wait)
}

func classifyForbidden(body []byte, rl *RateLimit) error {
	msg := strings.ToLower(apiMessage(body))
	remaining := 0
	resetAt := time.Time{}
	if rl != nil {
		remaining = rl.Remaining
		resetAt = rl.ResetAt
	}

	if strings.Contains(msg, "secondary rate limit") || strings.Contains(msg, "abuse") {
		return &RateLimitError{Remaining: remaining, ResetAt: resetAt, Secondary: true, Message: apiMessage(body)}
	}
	if strings.Contains(msg, "rate limit") || remaining == 0 {
		return &RateLimitError{Remaining: remaining, ResetAt: resetAt, Message: apiMessage(body)}
	}
	return &APIError{StatusCode: http.StatusForbidden, Message: apiMessage(body)}
}

func rateLimitFromHeaders(headers http.Header) *RateLimit {
	limit, _ := strconv.Atoi(headers.Get("X-RateLimit-Limit"))
	remaining, _ := strconv.Atoi(headers.Get("X-RateLimit-Remaining"))
	used, _ := strconv.Atoi(headers.Get("X-RateLimit-Used"))
	reset, _ := strconv.ParseInt(headers.Get("X-RateLimit-Reset"), 10, 64)
	if limit == 0 && headers.Get("X-RateLimit-Limit") == "" {
		return nil
	}
	return &RateLimit{
		Limit:     limit,
		Remaining: remaining,
		Used:      used,
		ResetAt:   time.Unix(reset, 0).UTC(),
	}
}

func retryAfter(headers http.Header) time.Duration {
	secs, err := strconv.Atoi(headers.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func apiMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	return strings.TrimSpace(string(body))
}

func parseNextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		if m := nextLinkPattern.FindStringSubmatch(strings.TrimSpace(part)); m != nil {
			return m[1]
		}
	}
	return ""
}

func backoffDelay(attempt int) time.Duration {
	d := initialBackoff << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func jitter(max time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(max)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
