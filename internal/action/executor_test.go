package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"concierge/internal/model"
)

type fakeResponse struct {
	status int
	body   string
	err    error
}

// fakeTransport replays a scripted sequence of responses and records the
// requests it served.
type fakeTransport struct {
	responses []fakeResponse
	requests  []string
	bodies    []string
}

func (f *fakeTransport) Do(req *http.Request) (*http.Response, error) {
	f.requests = append(f.requests, req.Method+" "+req.URL.String())
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(b))
	}
	if len(f.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewBufferString(r.body)),
	}, nil
}

type fakeHistory struct {
	records map[string]*model.ActionRecord
	err     error
}

func (f *fakeHistory) GetActionRecord(_ context.Context, eventID, ruleID string) (*model.ActionRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[eventID+"|"+ruleID], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mentionEvent() model.Event {
	return model.Event{
		ID:           "notif_1",
		Type:         model.EventMention,
		RepoOwner:    "octocat",
		RepoName:     "hello",
		RepoFullName: "octocat/hello",
		EntityKind:   "Issue",
		EntityNumber: 42,
		EntityTitle:  "Broken build",
		EntityURL:    "https://github.com/octocat/hello/issues/42",
	}
}

func webhookRule() model.Rule {
	return model.Rule{
		ID:      "mention-webhook",
		Name:    "Mention webhook",
		Trigger: model.Trigger{EventType: model.EventMention},
		Action:  model.Action{Type: model.ActionWebhook, Message: "mentioned in {{ event.repo }}"},
	}
}

func commentRule() model.Rule {
	return model.Rule{
		ID:      "stale-nudge",
		Name:    "Stale nudge",
		Trigger: model.Trigger{EventType: model.EventMention},
		Action:  model.Action{Type: model.ActionGitHubComment, Message: "still relevant?", OptIn: true},
	}
}

func fastWebhookSender(transport *fakeTransport) *WebhookSender {
	clock := &fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewWebhookSender(transport, "https://hooks.example.com/x", clock, testLogger())
	s.waits = []time.Duration{0, 0}
	return s
}

func fastCommentSender(transport *fakeTransport) *CommentSender {
	clock := &fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewCommentSender(transport, "tok", "https://api.github.com", clock, testLogger())
	s.waits = []time.Duration{0}
	return s
}

func TestWebhookSendPayload(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{{status: 200, body: "ok"}}}
	s := fastWebhookSender(transport)

	attempts, err := s.Send(context.Background(), webhookRule(), mentionEvent(), "you were mentioned")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}

	var got webhookPayload
	if err := json.Unmarshal([]byte(transport.bodies[0]), &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	want := webhookPayload{
		Text:      "you were mentioned",
		Repo:      "octocat/hello",
		EventType: "mention",
		Rule:      "mention-webhook",
		URL:       "https://github.com/octocat/hello/issues/42",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestWebhookSendRetriesTransient(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{
		{status: 502, body: "bad gateway"},
		{status: 200, body: "ok"},
	}}
	s := fastWebhookSender(transport)

	attempts, err := s.Send(context.Background(), webhookRule(), mentionEvent(), "m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestWebhookSendExhaustsAttempts(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{
		{status: 500}, {status: 500}, {status: 500}, {status: 500},
	}}
	s := fastWebhookSender(transport)

	attempts, err := s.Send(context.Background(), webhookRule(), mentionEvent(), "m")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != webhookAttempts {
		t.Errorf("attempts = %d, want %d", attempts, webhookAttempts)
	}
}

func TestWebhookSendNotFoundNotRetried(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{{status: 404, body: "gone"}}}
	s := fastWebhookSender(transport)

	attempts, err := s.Send(context.Background(), webhookRule(), mentionEvent(), "m")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (4xx must not be retried)", attempts)
	}
}

func TestWebhookSendRateLimited(t *testing.T) {
	transport := &fakeTransport{}
	s := fastWebhookSender(transport)
	for i := 0; i < webhookWindowLimit; i++ {
		s.limiter.Allow()
	}

	attempts, err := s.Send(context.Background(), webhookRule(), mentionEvent(), "m")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0 (no network call when rate limited)", attempts)
	}
	if len(transport.requests) != 0 {
		t.Errorf("made %d requests, want none", len(transport.requests))
	}
}

func TestCommentSend(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{{status: 201, body: "{}"}}}
	s := fastCommentSender(transport)

	attempts, err := s.Send(context.Background(), commentRule(), mentionEvent(), "still relevant?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	wantURL := "POST https://api.github.com/repos/octocat/hello/issues/42/comments"
	if got := transport.requests[0]; got != wantURL {
		t.Errorf("request = %q, want %q", got, wantURL)
	}
	if want := `{"body":"still relevant?"}`; transport.bodies[0] != want {
		t.Errorf("body = %q, want %q", transport.bodies[0], want)
	}

	// The per-entity window only opens again an hour after a success.
	attempts, err = s.Send(context.Background(), commentRule(), mentionEvent(), "again")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second send error = %v, want ErrRateLimited", err)
	}
	if attempts != 0 {
		t.Errorf("second send attempts = %d, want 0", attempts)
	}
}

func TestCommentSendFailureKeepsWindowOpen(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{
		{status: 500}, {status: 500},
		{status: 201, body: "{}"},
	}}
	s := fastCommentSender(transport)

	attempts, err := s.Send(context.Background(), commentRule(), mentionEvent(), "m")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != commentAttempts {
		t.Errorf("attempts = %d, want %d", attempts, commentAttempts)
	}

	// A failed send must not consume the entity's hourly slot.
	attempts, err = s.Send(context.Background(), commentRule(), mentionEvent(), "m")
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestCommentSendNoEntity(t *testing.T) {
	transport := &fakeTransport{}
	s := fastCommentSender(transport)

	event := mentionEvent()
	event.EntityNumber = 0
	attempts, err := s.Send(context.Background(), commentRule(), event, "m")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0", attempts)
	}
}

func TestExecuteConsole(t *testing.T) {
	var out bytes.Buffer
	x := NewExecutor(NewConsoleSender(&out), nil, nil, &fakeHistory{}, testLogger())

	rule := webhookRule()
	rule.Action = model.Action{Type: model.ActionConsole, Message: "ping {{ event.repo }}"}
	res := x.Execute(context.Background(), rule, mentionEvent(), "matched", false)

	if res.Outcome != model.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", res.Outcome)
	}
	if !strings.Contains(out.String(), "ping octocat/hello") {
		t.Errorf("console output %q missing rendered message", out.String())
	}
	if !strings.Contains(out.String(), "https://github.com/octocat/hello/issues/42") {
		t.Errorf("console output %q missing entity URL", out.String())
	}
}

func TestExecuteDryRun(t *testing.T) {
	transport := &fakeTransport{}
	x := NewExecutor(NewConsoleSender(io.Discard), fastWebhookSender(transport), nil, &fakeHistory{}, testLogger())

	res := x.Execute(context.Background(), webhookRule(), mentionEvent(), "matched", true)
	if res.Outcome != model.OutcomeDryRun {
		t.Fatalf("outcome = %s, want dry_run", res.Outcome)
	}
	if !strings.Contains(res.Message, "mentioned in octocat/hello") {
		t.Errorf("dry-run message %q missing rendered template", res.Message)
	}
	if len(transport.requests) != 0 {
		t.Errorf("dry run made %d requests, want none", len(transport.requests))
	}
}

func TestExecuteHistoryGate(t *testing.T) {
	transport := &fakeTransport{}
	executed := time.Date(2024, 2, 28, 9, 0, 0, 0, time.UTC)
	history := &fakeHistory{records: map[string]*model.ActionRecord{
		"notif_1|mention-webhook": {
			EventID:    "notif_1",
			RuleID:     "mention-webhook",
			ActionType: model.ActionWebhook,
			Outcome:    model.OutcomeSuccess,
			Message:    "mentioned in octocat/hello",
			ExecutedAt: executed,
		},
	}}
	x := NewExecutor(NewConsoleSender(io.Discard), fastWebhookSender(transport), nil, history, testLogger())

	// A recorded pair is a no-op that reports the prior outcome.
	res := x.Execute(context.Background(), webhookRule(), mentionEvent(), "matched", false)
	if res.Outcome != model.OutcomeSuccess {
		t.Fatalf("outcome = %s, want the recorded success", res.Outcome)
	}
	if res.Message != "mentioned in octocat/hello" {
		t.Errorf("message = %q, want the recorded message", res.Message)
	}
	if len(transport.requests) != 0 {
		t.Errorf("duplicate execution made %d requests, want none", len(transport.requests))
	}
}

func TestExecuteCommentOptInRequired(t *testing.T) {
	transport := &fakeTransport{}
	x := NewExecutor(NewConsoleSender(io.Discard), nil, fastCommentSender(transport), &fakeHistory{}, testLogger())

	rule := commentRule()
	rule.Action.OptIn = false
	res := x.Execute(context.Background(), rule, mentionEvent(), "matched", false)
	if res.Outcome != model.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if len(transport.requests) != 0 {
		t.Errorf("opt-in gate made %d requests, want none", len(transport.requests))
	}
}

func TestExecuteWebhookNotConfigured(t *testing.T) {
	x := NewExecutor(NewConsoleSender(io.Discard), nil, nil, &fakeHistory{}, testLogger())

	res := x.Execute(context.Background(), webhookRule(), mentionEvent(), "matched", false)
	if res.Outcome != model.OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", res.Outcome)
	}
}

func TestExecuteWebhookThrottled(t *testing.T) {
	transport := &fakeTransport{}
	sender := fastWebhookSender(transport)
	for i := 0; i < webhookWindowLimit; i++ {
		sender.limiter.Allow()
	}
	x := NewExecutor(NewConsoleSender(io.Discard), sender, nil, &fakeHistory{}, testLogger())

	res := x.Execute(context.Background(), webhookRule(), mentionEvent(), "matched", false)
	if res.Outcome != model.OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", res.Outcome)
	}
	if len(transport.requests) != 0 {
		t.Errorf("throttled execution made %d requests, want none", len(transport.requests))
	}
}

func TestExecuteWebhookFailure(t *testing.T) {
	transport := &fakeTransport{responses: []fakeResponse{{status: 404, body: "gone"}}}
	x := NewExecutor(NewConsoleSender(io.Discard), fastWebhookSender(transport), nil, &fakeHistory{}, testLogger())

	res := x.Execute(context.Background(), webhookRule(), mentionEvent(), "matched", false)
	if res.Outcome != model.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
}
