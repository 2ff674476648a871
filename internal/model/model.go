// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"time"
)

// EventType classifies the GitHub activity an event represents.
type EventType string

// Supported event types.
const (
	EventMention       EventType = "mention"
	EventAssignment    EventType = "assignment"
	EventReviewRequest EventType = "review_request"
	EventLabelChange   EventType = "label_change"
	EventPROpen        EventType = "pr_open"
	EventIssueOpen     EventType = "issue_open"
	EventComment       EventType = "comment"
	EventReview        EventType = "review"
)

// ValidEventType reports whether t is a member of the closed event type set.
func ValidEventType(t EventType) bool {
	switch t {
	case EventMention, EventAssignment, EventReviewRequest, EventLabelChange,
		EventPROpen, EventIssueOpen, EventComment, EventReview:
		return true
	}
	return false
}

// Event is a normalized GitHub activity record. Events are never persisted
// themselves; only their derived ProcessedEvent, ActionRecord and AuditEntry
// rows outlive a poll cycle.
type Event struct {
	ID            string
	RemoteID      string
	Type          EventType
	Timestamp     time.Time
	ReceivedAt    time.Time
	RepoOwner     string
	RepoName      string
	RepoFullName  string
	EntityKind    string // "Issue" or "PullRequest"
	EntityNumber  int
	EntityTitle   string
	EntityURL     string
	Actor         string
	Labels        []string
	LabelsAdded   []string
	LabelsRemoved []string
	Reason        string
	Raw           map[string]any
}

// EntityID returns the stable identifier of the entity the event refers to,
// in the form "owner/repo#number", or the repo name when there is no entity.
func (e *Event) EntityID() string {
	if e.EntityNumber > 0 {
		return fmt.Sprintf("%s#%d", e.RepoFullName, e.EntityNumber)
	}
	return e.RepoFullName
}

// DisplayName returns a human-readable description of the event's target.
func (e *Event) DisplayName() string {
	if e.EntityNumber > 0 && e.EntityTitle != "" {
		return fmt.Sprintf("%s#%d: %s", e.RepoFullName, e.EntityNumber, e.EntityTitle)
	}
	return e.EntityID()
}

// ConditionKind identifies one variant of the closed condition set.
type ConditionKind string

// Supported condition kinds.
const (
	CondLabelPresent ConditionKind = "label_present"
	CondLabelAdded   ConditionKind = "label_added"
	CondLabelRemoved ConditionKind = "label_removed"
	CondTimeSince    ConditionKind = "time_since"
	CondNoActivity   ConditionKind = "no_activity"
	CondRepoMatch    ConditionKind = "repo_match"
)

// Condition is a single trigger condition. Kind selects which of the variant
// fields are meaningful; the rest stay zero.
type Condition struct {
	Kind      ConditionKind `yaml:"type"`
	Label     string        `yaml:"label,omitempty"`
	Field     string        `yaml:"field,omitempty"`     // created_at or updated_at
	Threshold string        `yaml:"threshold,omitempty"` // duration, e.g. "48h" or "7d"
	Activity  string        `yaml:"activity,omitempty"`  // review, comment or commit
	Since     string        `yaml:"since,omitempty"`
	Pattern   string        `yaml:"pattern,omitempty"`
}

// TimeBased reports whether the condition needs threshold-crossing dedup.
func (c Condition) TimeBased() bool {
	return c.Kind == CondTimeSince || c.Kind == CondNoActivity
}

// ActionType identifies the notification channel a rule dispatches to.
type ActionType string

// Supported action types.
const (
	ActionConsole       ActionType = "console"
	ActionWebhook       ActionType = "webhook"
	ActionGitHubComment ActionType = "github_comment"
)

// Action configures what a rule does when it matches.
type Action struct {
	Type    ActionType `yaml:"type"`
	Message string     `yaml:"message"`
	OptIn   bool       `yaml:"opt_in,omitempty"`
}

// Trigger selects which events a rule applies to. All conditions must hold
// for the trigger to fire.
type Trigger struct {
	EventType  EventType   `yaml:"event_type"`
	Conditions []Condition `yaml:"conditions,omitempty"`
}

// Rule is a user-authored trigger plus action. Rules are loaded once at
// startup and stay immutable for the lifetime of the process.
type Rule struct {
	ID          string
	Name        string
	Enabled     bool
	Description string
	Trigger     Trigger
	Action      Action
}

// TimeBased reports whether any condition of the rule is time based.
func (r *Rule) TimeBased() bool {
	for _, c := range r.Trigger.Conditions {
		if c.TimeBased() {
			return true
		}
	}
	return false
}

// ThresholdKey returns the identifier used for threshold-crossing dedup:
// the first time_since threshold, or "since:<field>" for no_activity.
func (r *Rule) ThresholdKey() string {
	for _, c := range r.Trigger.Conditions {
		switch c.Kind {
		case CondTimeSince:
			return c.Threshold
		case CondNoActivity:
			since := c.Since
			if since == "" {
				since = "created_at"
			}
			return "since:" + since
		}
	}
	return "default"
}

// Disposition is the final classification of how an event's processing ended.
type Disposition string

// Supported dispositions.
const (
	DispositionActionExecuted Disposition = "action_executed"
	DispositionNoMatch        Disposition = "no_match"
	DispositionDryRun         Disposition = "dry_run"
	DispositionError          Disposition = "error"
	DispositionSkipped        Disposition = "skipped"
)

// ActionOutcome is the result of one action execution.
type ActionOutcome string

// Supported action outcomes.
const (
	OutcomeSuccess ActionOutcome = "success"
	OutcomeFailed  ActionOutcome = "failed"
	OutcomeSkipped ActionOutcome = "skipped"
	OutcomeDryRun  ActionOutcome = "dry_run"
)

// Checkpoint tracks the daemon's position in the event stream. LastEvent
// only ever moves forward.
type Checkpoint struct {
	ID        string
	LastEvent *time.Time
	LastPoll  *time.Time
	UpdatedAt time.Time
}

// Update returns a copy of the checkpoint advanced by the given timestamps.
// A zero eventTS leaves LastEvent untouched; an eventTS older than the
// current LastEvent never regresses it.
func (c Checkpoint) Update(eventTS, pollTS, now time.Time) Checkpoint {
	next := c
	if !eventTS.IsZero() && (next.LastEvent == nil || eventTS.After(*next.LastEvent)) {
		ts := eventTS.UTC()
		next.LastEvent = &ts
	}
	if !pollTS.IsZero() {
		ts := pollTS.UTC()
		next.LastPoll = &ts
	}
	next.UpdatedAt = now.UTC()
	return next
}

// Empty reports whether the checkpoint has recorded neither event nor poll.
func (c Checkpoint) Empty() bool {
	return c.LastEvent == nil && c.LastPoll == nil
}

// ProcessedEvent is the dedup record for one processed event. Rows are
// created once and never updated.
type ProcessedEvent struct {
	EventID     string
	EventType   EventType
	Disposition Disposition
	ProcessedAt time.Time
	ExpiresAt   time.Time
}

// ActionRecord is one action execution for an (event, rule) pair. The
// existence of a row is the authoritative idempotency gate.
type ActionRecord struct {
	EventID    string
	RuleID     string
	ActionType ActionType
	Outcome    ActionOutcome
	Message    string
	ExecutedAt time.Time
}

// RuleEvaluation is one rule's verdict inside an audit entry.
type RuleEvaluation struct {
	RuleID      string `json:"rule_id"`
	Matched     bool   `json:"matched"`
	Explanation string `json:"explanation"`
}

// ActionSummary is one action's outcome inside an audit entry.
type ActionSummary struct {
	Type    ActionType    `json:"action_type"`
	Target  string        `json:"target"`
	Outcome ActionOutcome `json:"outcome"`
	Message string        `json:"message,omitempty"`
}

// AuditEntry is one append-only record of the decision trail.
type AuditEntry struct {
	ID          int64
	Timestamp   time.Time
	EventID     string
	EventType   EventType
	EventSource string
	Rules       []RuleEvaluation
	Actions     []ActionSummary
	Disposition Disposition
	Message     string
}

// AuditFilter narrows an audit log query.
type AuditFilter struct {
	Since  *time.Time
	RuleID string
	Limit  int
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	EventsFetched   int
	EventsProcessed int
	ActionsExecuted int
	Errors          int
}

// Add accumulates another cycle's counters.
func (r *CycleResult) Add(other CycleResult) {
	r.EventsFetched += other.EventsFetched
	r.EventsProcessed += other.EventsProcessed
	r.ActionsExecuted += other.ActionsExecuted
	r.Errors += other.Errors
}

// Status is a snapshot of the daemon's persisted state.
type Status struct {
	Checkpoint      Checkpoint
	ProcessedEvents int
	AuditEntries    int
}
