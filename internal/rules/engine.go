// Package rules evaluates canonical events against the configured rule set.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"concierge/internal/model"
)

// EntityProvider fetches issue/PR details for conditions that need fields
// the notification payload does not carry.
type EntityProvider interface {
	Issue(ctx context.Context, owner, repo string, number int) (map[string]any, error)
	PullRequest(ctx context.Context, owner, repo string, number int) (map[string]any, error)
}

// ThresholdStore answers whether a time-based rule has already fired for an
// entity at a given threshold.
type ThresholdStore interface {
	HasThresholdFired(ctx context.Context, entityID, ruleID, threshold string) (bool, error)
}

// Evaluation is one rule's verdict for an event. Deferred marks rules whose
// conditions could not be evaluated because the entity fetch failed; the
// event should be retried next cycle rather than marked processed.
type Evaluation struct {
	Rule        model.Rule
	Matched     bool
	Explanation string
	Deferred    bool
}

// Engine evaluates events against an immutable rule set.
type Engine struct {
	rules      []model.Rule
	entities   EntityProvider
	thresholds ThresholdStore
	clock      model.Clock
	log        *slog.Logger
}

// NewEngine creates an Engine over the given enabled rules.
func NewEngine(ruleSet []model.Rule, entities EntityProvider, thresholds ThresholdStore, clock model.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		rules:      ruleSet,
		entities:   entities,
		thresholds: thresholds,
		clock:      clock,
		log:        logger,
	}
}

// fetchError wraps an entity snapshot fetch failure so the engine can tell
// it apart from ordinary condition misses.
type fetchError struct {
	err error
}

func (e *fetchError) Error() string { return fmt.Sprintf("entity fetch failed: %v", e.err) }
func (e *fetchError) Unwrap() error { return e.err }

// snapshot lazily fetches the entity behind an event once per evaluation.
type snapshot struct {
	provider EntityProvider
	event    model.Event
	fetched  bool
	data     map[string]any
	err      error
}

func (s *snapshot) get(ctx context.Context) (map[string]any, error) {
	if s.fetched {
		return s.data, s.err
	}
	s.fetched = true
	if s.event.EntityNumber == 0 {
		s.err = &fetchError{err: errors.New("event has no entity")}
		return nil, s.err
	}
	var data map[string]any
	var err error
	if s.event.EntityKind == "PullRequest" {
		data, err = s.provider.PullRequest(ctx, s.event.RepoOwner, s.event.RepoName, s.event.EntityNumber)
	} else {
		data, err = s.provider.Issue(ctx, s.event.RepoOwner, s.event.RepoName, s.event.EntityNumber)
	}
	if err != nil {
		s.err = &fetchError{err: err}
		return nil, s.err
	}
	s.data = data
	return s.data, nil
}

// Evaluate runs every rule against the event and returns one Evaluation per
// rule. All conditions of a trigger must hold for a match; a time-based rule
// that already fired for this entity and threshold reports as unmatched.
func (e *Engine) Evaluate(ctx context.Context, event model.Event) ([]Evaluation, error) {
	snap := &snapshot{provider: e.entities, event: event}
	now := e.clock.Now()

	evaluations := make([]Evaluation, 0, len(e.rules))
	for _, rule := range e.rules {
		ev := e.evaluateRule(ctx, rule, event, snap, now)
		e.log.Debug("rule evaluated",
			"rule", rule.ID, "event", event.ID, "matched", ev.Matched, "reason", ev.Explanation)

		if ev.Matched && rule.TimeBased() && e.thresholds != nil {
			fired, err := e.thresholds.HasThresholdFired(ctx, event.EntityID(), rule.ID, rule.ThresholdKey())
			if err != nil {
				return nil, fmt.Errorf("check threshold memory for rule %s: %w", rule.ID, err)
			}
			if fired {
				ev.Matched = false
				ev.Explanation = fmt.Sprintf("threshold %s already fired for %s", rule.ThresholdKey(), event.EntityID())
			}
		}
		evaluations = append(evaluations, ev)
	}
	return evaluations, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule model.Rule, event model.Event, snap *snapshot, now time.Time) Evaluation {
	ev := Evaluation{Rule: rule}

	if rule.Trigger.EventType != event.Type {
		ev.Explanation = fmt.Sprintf("event type %q does not match trigger %q", event.Type, rule.Trigger.EventType)
		return ev
	}

	reasons := []string{fmt.Sprintf("event type %q matches trigger", event.Type)}
	for _, cond := range rule.Trigger.Conditions {
		matched, reason, err := matchCondition(ctx, event, cond, snap, now)
		if err != nil {
			var fe *fetchError
			if errors.As(err, &fe) {
				ev.Deferred = true
			}
			ev.Explanation = fmt.Sprintf("condition %s could not be evaluated: %v", cond.Kind, err)
			e.log.Warn("condition evaluation failed", "rule", rule.ID, "event", event.ID, "error", err)
			return ev
		}
		if !matched {
			ev.Explanation = fmt.Sprintf("condition failed: %s", reason)
			return ev
		}
		reasons = append(reasons, reason)
	}

	ev.Matched = true
	ev.Explanation = strings.Join(reasons, "; ")
	return ev
}
