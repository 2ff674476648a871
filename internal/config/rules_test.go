package config

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"concierge/internal/model"
)

const validRules = `
version: 1
github:
  poll_interval: 120
  lookback_window: 7200
actions:
  webhook:
    webhook_url: "https://hooks.example.com/services/T000/B000/XXX"
  github_comment:
    enabled: true
state:
  retention_days: 14
rules:
  - id: urgent-mentions
    name: Urgent mentions
    trigger:
      event_type: mention
      conditions:
        - type: label_present
          label: urgent
    action:
      type: webhook
      message: "{{ event.repo }}#{{ event.entity_number }} needs attention"
  - id: stale-prs
    name: Stale pull requests
    enabled: false
    trigger:
      event_type: pr_open
      conditions:
        - type: time_since
          field: created_at
          threshold: 48h
    action:
      type: console
      message: "PR {{ event.entity_url }} is stale"
  - id: auto-ack
    name: Acknowledge assignments
    trigger:
      event_type: assignment
    action:
      type: github_comment
      message: "Thanks, looking into this."
      opt_in: true
`

func TestParseRules(t *testing.T) {
	rs, err := ParseRules([]byte(validRules))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := rs.PollInterval, 120*time.Second; got != want {
		t.Errorf("PollInterval = %v, want %v", got, want)
	}
	if got, want := rs.Lookback, 2*time.Hour; got != want {
		t.Errorf("Lookback = %v, want %v", got, want)
	}
	if got, want := rs.RetentionDays, 14; got != want {
		t.Errorf("RetentionDays = %d, want %d", got, want)
	}
	if got, want := rs.WebhookURL, "https://hooks.example.com/services/T000/B000/XXX"; got != want {
		t.Errorf("WebhookURL = %q, want %q", got, want)
	}
	if !rs.CommentEnabled {
		t.Error("CommentEnabled = false, want true")
	}
	if got, want := len(rs.Rules), 3; got != want {
		t.Fatalf("len(Rules) = %d, want %d", got, want)
	}

	enabled := rs.EnabledRules()
	var ids []string
	for _, r := range enabled {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]string{"urgent-mentions", "auto-ack"}, ids); diff != "" {
		t.Errorf("EnabledRules() ids mismatch (-want +got):\n%s", diff)
	}

	want := model.Rule{
		ID:      "urgent-mentions",
		Name:    "Urgent mentions",
		Enabled: true,
		Trigger: model.Trigger{
			EventType: model.EventMention,
			Conditions: []model.Condition{
				{Kind: model.CondLabelPresent, Label: "urgent"},
			},
		},
		Action: model.Action{
			Type:    model.ActionWebhook,
			Message: "{{ event.repo }}#{{ event.entity_number }} needs attention",
		},
	}
	if diff := cmp.Diff(want, rs.Rules[0]); diff != "" {
		t.Errorf("Rules[0] mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRulesDefaults(t *testing.T) {
	rs, err := ParseRules([]byte("version: 1\nrules: []\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := rs.PollInterval, DefaultPollInterval; got != want {
		t.Errorf("PollInterval = %v, want %v", got, want)
	}
	if got, want := rs.Lookback, DefaultLookback; got != want {
		t.Errorf("Lookback = %v, want %v", got, want)
	}
	if got, want := rs.RetentionDays, DefaultRetentionDays; got != want {
		t.Errorf("RetentionDays = %d, want %d", got, want)
	}
}

func TestParseRulesWebhookEnvReference(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_URL", "https://hooks.example.com/abc")

	doc := `
version: 1
actions:
  webhook:
    webhook_url: "${TEST_WEBHOOK_URL}"
rules: []
`
	rs, err := ParseRules([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := rs.WebhookURL, "https://hooks.example.com/abc"; got != want {
		t.Errorf("WebhookURL = %q, want %q", got, want)
	}

	t.Setenv("TEST_WEBHOOK_URL", "")
	if _, err := ParseRules([]byte(doc)); err == nil {
		t.Error("expected error for unset env reference, got nil")
	}
}

func TestParseRulesErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantMsg string
	}{
		{
			name:    "wrong version",
			doc:     "version: 2\nrules: []\n",
			wantMsg: "unsupported config version",
		},
		{
			name: "duplicate rule ids",
			doc: `
version: 1
rules:
  - id: dup
    name: A
    trigger: {event_type: mention}
    action: {type: console, message: hi}
  - id: dup
    name: B
    trigger: {event_type: comment}
    action: {type: console, message: hi}
`,
			wantMsg: "duplicate rule id",
		},
		{
			name: "bad rule id",
			doc: `
version: 1
rules:
  - id: Bad_ID
    name: A
    trigger: {event_type: mention}
    action: {type: console, message: hi}
`,
			wantMsg: "lowercase alphanumeric",
		},
		{
			name: "rule id too short",
			doc: `
version: 1
rules:
  - id: x
    name: A
    trigger: {event_type: mention}
    action: {type: console, message: hi}
`,
			wantMsg: "2-64 characters",
		},
		{
			name: "unknown event type",
			doc: `
version: 1
rules:
  - id: ab
    name: A
    trigger: {event_type: push}
    action: {type: console, message: hi}
`,
			wantMsg: "unknown event_type",
		},
		{
			name: "comment without opt_in",
			doc: `
version: 1
actions:
  github_comment: {enabled: true}
rules:
  - id: ab
    name: A
    trigger: {event_type: mention}
    action: {type: github_comment, message: hi}
`,
			wantMsg: "opt_in",
		},
		{
			name: "comment not enabled globally",
			doc: `
version: 1
rules:
  - id: ab
    name: A
    trigger: {event_type: mention}
    action: {type: github_comment, message: hi, opt_in: true}
`,
			wantMsg: "github_comment.enabled",
		},
		{
			name: "webhook rule without webhook url",
			doc: `
version: 1
rules:
  - id: ab
    name: A
    trigger: {event_type: mention}
    action: {type: webhook, message: hi}
`,
			wantMsg: "webhook_url is not configured",
		},
		{
			name: "bad threshold",
			doc: `
version: 1
rules:
  - id: ab
    name: A
    trigger:
      event_type: pr_open
      conditions:
        - {type: time_since, field: created_at, threshold: soon}
    action: {type: console, message: hi}
`,
			wantMsg: "invalid duration",
		},
		{
			name: "bad time_since field",
			doc: `
version: 1
rules:
  - id: ab
    name: A
    trigger:
      event_type: pr_open
      conditions:
        - {type: time_since, field: closed_at, threshold: 48h}
    action: {type: console, message: hi}
`,
			wantMsg: "created_at or updated_at",
		},
		{
			name: "bad activity",
			doc: `
version: 1
rules:
  - id: ab
    name: A
    trigger:
      event_type: pr_open
      conditions:
        - {type: no_activity, activity: push}
    action: {type: console, message: hi}
`,
			wantMsg: "review, comment or commit",
		},
		{
			name:    "poll interval out of range",
			doc:     "version: 1\ngithub: {poll_interval: 10}\nrules: []\n",
			wantMsg: "poll_interval",
		},
		{
			name: "message too long",
			doc: "version: 1\nrules:\n  - id: ab\n    name: A\n    trigger: {event_type: mention}\n    action: {type: console, message: \"" + strings.Repeat("x", 1001) + "\"}\n",
			wantMsg: "message must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err, tt.wantMsg)
			}
		})
	}
}
