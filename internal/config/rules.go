package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"concierge/internal/model"
)

var ruleIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

// Ruleset is the validated content of the rules YAML file.
type Ruleset struct {
	PollInterval   time.Duration
	Lookback       time.Duration
	RetentionDays  int
	WebhookURL     string
	CommentEnabled bool
	Rules          []model.Rule
}

// EnabledRules returns only the enabled rules, in file order.
func (rs *Ruleset) EnabledRules() []model.Rule {
	out := make([]model.Rule, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

type rulesDoc struct {
	Version int `yaml:"version"`
	GitHub  struct {
		PollInterval   int `yaml:"poll_interval"`
		LookbackWindow int `yaml:"lookback_window"`
	} `yaml:"github"`
	Actions struct {
		Webhook *struct {
			URL string `yaml:"webhook_url"`
		} `yaml:"webhook"`
		GitHubComment *struct {
			Enabled bool `yaml:"enabled"`
		} `yaml:"github_comment"`
	} `yaml:"actions"`
	State struct {
		RetentionDays int `yaml:"retention_days"`
	} `yaml:"state"`
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Enabled     *bool         `yaml:"enabled"`
	Description string        `yaml:"description"`
	Trigger     model.Trigger `yaml:"trigger"`
	Action      model.Action  `yaml:"action"`
}

// LoadRules reads and validates the rules file at path.
func LoadRules(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses and validates a rules document.
func ParseRules(data []byte) (*Ruleset, error) {
	var doc rulesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("unsupported config version %d, expected 1", doc.Version)
	}

	rs := &Ruleset{
		PollInterval:  DefaultPollInterval,
		Lookback:      DefaultLookback,
		RetentionDays: DefaultRetentionDays,
	}

	if doc.GitHub.PollInterval != 0 {
		rs.PollInterval = time.Duration(doc.GitHub.PollInterval) * time.Second
		if rs.PollInterval < MinPollInterval || rs.PollInterval > MaxPollInterval {
			return nil, fmt.Errorf("poll_interval %ds out of range [%s, %s]",
				doc.GitHub.PollInterval, MinPollInterval, MaxPollInterval)
		}
	}
	if doc.GitHub.LookbackWindow != 0 {
		rs.Lookback = time.Duration(doc.GitHub.LookbackWindow) * time.Second
		if rs.Lookback < MinLookback || rs.Lookback > MaxLookback {
			return nil, fmt.Errorf("lookback_window %ds out of range [%s, %s]",
				doc.GitHub.LookbackWindow, MinLookback, MaxLookback)
		}
	}
	if doc.State.RetentionDays != 0 {
		rs.RetentionDays = doc.State.RetentionDays
		if rs.RetentionDays < MinRetentionDays || rs.RetentionDays > MaxRetentionDays {
			return nil, fmt.Errorf("retention_days %d out of range [%d, %d]",
				rs.RetentionDays, MinRetentionDays, MaxRetentionDays)
		}
	}

	if doc.Actions.Webhook != nil {
		url, err := resolveWebhookURL(doc.Actions.Webhook.URL)
		if err != nil {
			return nil, err
		}
		rs.WebhookURL = url
	}
	if doc.Actions.GitHubComment != nil {
		rs.CommentEnabled = doc.Actions.GitHubComment.Enabled
	}

	seen := make(map[string]bool, len(doc.Rules))
	for i, rd := range doc.Rules {
		rule, err := validateRule(rd)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i, rd.ID, err)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = true
		if rule.Enabled {
			switch rule.Action.Type {
			case model.ActionWebhook:
				if rs.WebhookURL == "" {
					return nil, fmt.Errorf("rule %q uses webhook action but actions.webhook.webhook_url is not configured", rule.ID)
				}
			case model.ActionGitHubComment:
				if !rs.CommentEnabled {
					return nil, fmt.Errorf("rule %q uses github_comment action but actions.github_comment.enabled is not true", rule.ID)
				}
			}
		}
		rs.Rules = append(rs.Rules, rule)
	}

	return rs, nil
}

func validateRule(rd ruleDoc) (model.Rule, error) {
	var zero model.Rule

	if len(rd.ID) < 2 || len(rd.ID) > 64 {
		return zero, fmt.Errorf("id must be 2-64 characters")
	}
	if !ruleIDPattern.MatchString(rd.ID) {
		return zero, fmt.Errorf("id must be lowercase alphanumeric with hyphens, starting and ending with alphanumeric")
	}
	if rd.Name == "" || len(rd.Name) > 100 {
		return zero, fmt.Errorf("name must be 1-100 characters")
	}
	if len(rd.Description) > 500 {
		return zero, fmt.Errorf("description must be at most 500 characters")
	}
	if !model.ValidEventType(rd.Trigger.EventType) {
		return zero, fmt.Errorf("unknown event_type %q", rd.Trigger.EventType)
	}
	for i, c := range rd.Trigger.Conditions {
		if err := validateCondition(c); err != nil {
			return zero, fmt.Errorf("condition %d: %w", i, err)
		}
	}
	if err := validateAction(rd.Action); err != nil {
		return zero, err
	}

	enabled := true
	if rd.Enabled != nil {
		enabled = *rd.Enabled
	}
	return model.Rule{
		ID:          rd.ID,
		Name:        rd.Name,
		Enabled:     enabled,
		Description: rd.Description,
		Trigger:     rd.Trigger,
		Action:      rd.Action,
	}, nil
}

func validateCondition(c model.Condition) error {
	switch c.Kind {
	case model.CondLabelPresent, model.CondLabelAdded, model.CondLabelRemoved:
		if c.Label == "" || len(c.Label) > 50 {
			return fmt.Errorf("label must be 1-50 characters")
		}
	case model.CondTimeSince:
		if c.Field != "created_at" && c.Field != "updated_at" {
			return fmt.Errorf("field must be created_at or updated_at, got %q", c.Field)
		}
		if _, err := model.ParseDuration(c.Threshold); err != nil {
			return err
		}
	case model.CondNoActivity:
		switch c.Activity {
		case "review", "comment", "commit":
		default:
			return fmt.Errorf("activity must be review, comment or commit, got %q", c.Activity)
		}
		if c.Since != "" && c.Since != "created_at" && c.Since != "updated_at" {
			return fmt.Errorf("since must be created_at or updated_at, got %q", c.Since)
		}
	case model.CondRepoMatch:
		if c.Pattern == "" {
			return fmt.Errorf("pattern is required")
		}
	default:
		return fmt.Errorf("unknown condition type %q", c.Kind)
	}
	return nil
}

func validateAction(a model.Action) error {
	switch a.Type {
	case model.ActionConsole, model.ActionWebhook, model.ActionGitHubComment:
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	if a.Message == "" || len(a.Message) > 1000 {
		return fmt.Errorf("message must be 1-1000 characters")
	}
	if a.Type == model.ActionGitHubComment && !a.OptIn {
		return fmt.Errorf("github_comment action requires opt_in: true")
	}
	return nil
}

// resolveWebhookURL expands a ${VAR} reference and checks the result is a
// usable HTTPS endpoint.
func resolveWebhookURL(raw string) (string, error) {
	url := raw
	if strings.HasPrefix(raw, "${") && strings.HasSuffix(raw, "}") {
		name := raw[2 : len(raw)-1]
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			return "", fmt.Errorf("webhook_url references unset environment variable %s", name)
		}
		url = val
	}
	if !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("webhook_url must be an https:// URL or ${VAR} reference")
	}
	return url, nil
}
