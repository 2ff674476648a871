// Package poller drives poll cycles: fetch notifications, evaluate rules,
// execute actions and persist the outcome.
package poller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"concierge/internal/action"
	"concierge/internal/config"
	"concierge/internal/github"
	"concierge/internal/model"
	"concierge/internal/rules"
	"concierge/internal/storage"
)

// CheckpointID names the single checkpoint row the notification stream uses.
const CheckpointID = "notifications"

const eventSource = "github_notifications"

// Source is the slice of the GitHub client the poller needs.
type Source interface {
	Notifications(ctx context.Context, since time.Time) ([]map[string]any, error)
	ClearEntityCache()
}

// Evaluator evaluates one event against the rule set.
type Evaluator interface {
	Evaluate(ctx context.Context, event model.Event) ([]rules.Evaluation, error)
}

// Executor runs one rule's action for an event.
type Executor interface {
	Execute(ctx context.Context, rule model.Rule, event model.Event, explanation string, dryRun bool) action.Result
}

// Poller owns the poll loop. One instance runs at a time; the store's
// dedup and action records keep restarts and overlapping fetch windows
// harmless.
type Poller struct {
	source   Source
	engine   Evaluator
	executor Executor
	store    storage.Storage
	ruleset  *config.Ruleset
	clock    model.Clock
	log      *slog.Logger
	dryRun   bool

	sleep func(context.Context, time.Duration) error
}

func New(source Source, engine Evaluator, executor Executor, store storage.Storage, ruleset *config.Ruleset, clock model.Clock, logger *slog.Logger) *Poller {
	return &Poller{
		source:   source,
		engine:   engine,
		executor: executor,
		store:    store,
		ruleset:  ruleset,
		clock:    clock,
		log:      logger,
		sleep:    sleepCtx,
	}
}

// SetDryRun switches the poller to evaluate and audit without executing
// actions. Checkpoints and threshold marks still advance; dedup and action
// records do not.
func (p *Poller) SetDryRun(dryRun bool) {
	p.dryRun = dryRun
}

// Run polls continuously until the context is cancelled. Each cycle waits
// the configured interval plus up to 10% jitter so restarts do not line up
// with the API's rate limit windows.
func (p *Poller) Run(ctx context.Context) error {
	for {
		result, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, github.ErrAuth) {
				return err
			}
			p.log.Error("poll cycle failed", "error", err)
		} else {
			p.log.Info("poll cycle complete",
				"fetched", result.EventsFetched,
				"processed", result.EventsProcessed,
				"actions", result.ActionsExecuted,
				"errors", result.Errors)
		}

		wait := p.ruleset.PollInterval
		if j := int64(wait / 10); j > 0 {
			wait += time.Duration(rand.Int63n(j))
		}
		if err := p.sleep(ctx, wait); err != nil {
			return ctx.Err()
		}
	}
}

// RunOnce executes a single poll cycle.
func (p *Poller) RunOnce(ctx context.Context) (model.CycleResult, error) {
	var result model.CycleResult

	p.source.ClearEntityCache()
	now := p.clock.Now()

	cp, err := p.store.LoadCheckpoint(ctx, CheckpointID)
	if err != nil {
		return result, fmt.Errorf("load checkpoint: %w", err)
	}

	since := now.Add(-p.ruleset.Lookback)
	if cp.LastEvent != nil && cp.LastEvent.After(since) {
		since = *cp.LastEvent
	}

	raw, err := p.source.Notifications(ctx, since)
	if err != nil {
		return result, fmt.Errorf("fetch notifications: %w", err)
	}
	result.EventsFetched = len(raw)

	var maxHandled time.Time
	deferred := 0
	for _, item := range raw {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		handledTS, wasDeferred := p.processItem(ctx, item, &result)
		if wasDeferred {
			deferred++
			continue
		}
		if handledTS.After(maxHandled) {
			maxHandled = handledTS
		}
	}

	// A deferred event must stay inside the fetch window, so the event
	// checkpoint only advances on fully handled cycles.
	eventTS := maxHandled
	if deferred > 0 {
		eventTS = time.Time{}
		p.log.Warn("events deferred to next cycle", "count", deferred)
	}
	next := cp.Update(eventTS, now, p.clock.Now())
	if err := p.store.SaveCheckpoint(ctx, next); err != nil {
		return result, fmt.Errorf("save checkpoint: %w", err)
	}

	if err := p.cleanup(ctx); err != nil {
		p.log.Warn("retention cleanup failed", "error", err)
	}
	return result, nil
}

// processItem handles one raw notification. It returns the event timestamp
// when the item was fully handled, and whether handling was deferred.
func (p *Poller) processItem(ctx context.Context, item map[string]any, result *model.CycleResult) (time.Time, bool) {
	now := p.clock.Now()

	event, err := github.Normalize(item, now)
	if err != nil {
		result.Errors++
		var nerr *github.NormalizationError
		if errors.As(err, &nerr) {
			id := nerr.EventID
			if id == "" {
				id = malformedEventID(item)
			}
			p.commitSkipped(ctx, id, now, err.Error())
			return time.Time{}, false
		}
		p.log.Error("normalize notification", "error", err)
		return time.Time{}, false
	}

	seen, err := p.store.IsProcessed(ctx, event.ID)
	if err != nil {
		result.Errors++
		p.log.Error("check processed", "event", event.ID, "error", err)
		return time.Time{}, true
	}
	if seen {
		return event.Timestamp, false
	}

	evals, err := p.engine.Evaluate(ctx, event)
	if err != nil {
		result.Errors++
		p.log.Error("evaluate rules", "event", event.ID, "error", err)
		return time.Time{}, true
	}

	commit, outcome := p.buildCommit(ctx, event, evals, now)
	if outcome.deferred {
		result.Errors++
		return time.Time{}, true
	}

	if err := p.store.CommitEvent(ctx, commit); err != nil {
		result.Errors++
		p.log.Error("commit event", "event", event.ID, "error", err)
		return time.Time{}, true
	}

	result.EventsProcessed++
	result.ActionsExecuted += outcome.executed
	result.Errors += outcome.failed
	return event.Timestamp, false
}

type eventOutcome struct {
	executed int
	failed   int
	deferred bool
}

// buildCommit runs the matched rules' actions and assembles the single
// transaction the event persists.
func (p *Poller) buildCommit(ctx context.Context, event model.Event, evals []rules.Evaluation, now time.Time) (storage.EventCommit, eventOutcome) {
	var outcome eventOutcome
	var ruleEvals []model.RuleEvaluation
	var actions []model.ActionSummary
	var records []model.ActionRecord
	var thresholds []storage.ThresholdMark

	matched := 0
	for _, ev := range evals {
		if ev.Deferred {
			outcome.deferred = true
		}
		ruleEvals = append(ruleEvals, model.RuleEvaluation{
			RuleID:      ev.Rule.ID,
			Matched:     ev.Matched,
			Explanation: ev.Explanation,
		})
		if !ev.Matched {
			continue
		}
		matched++

		res := p.executor.Execute(ctx, ev.Rule, event, ev.Explanation, p.dryRun)
		actions = append(actions, model.ActionSummary{
			Type:    res.Type,
			Target:  string(res.Type),
			Outcome: res.Outcome,
			Message: res.Message,
		})

		switch res.Outcome {
		case model.OutcomeSuccess:
			outcome.executed++
			records = append(records, model.ActionRecord{
				EventID:    event.ID,
				RuleID:     ev.Rule.ID,
				ActionType: res.Type,
				Outcome:    res.Outcome,
				Message:    res.Message,
				ExecutedAt: now,
			})
			if ev.Rule.TimeBased() {
				thresholds = append(thresholds, storage.ThresholdMark{
					EntityID:  event.EntityID(),
					RuleID:    ev.Rule.ID,
					Threshold: ev.Rule.ThresholdKey(),
					FiredAt:   now,
				})
			}
		case model.OutcomeDryRun:
			if ev.Rule.TimeBased() {
				thresholds = append(thresholds, storage.ThresholdMark{
					EntityID:  event.EntityID(),
					RuleID:    ev.Rule.ID,
					Threshold: ev.Rule.ThresholdKey(),
					FiredAt:   now,
				})
			}
		case model.OutcomeFailed:
			outcome.failed++
			records = append(records, model.ActionRecord{
				EventID:    event.ID,
				RuleID:     ev.Rule.ID,
				ActionType: res.Type,
				Outcome:    res.Outcome,
				Message:    res.Message,
				ExecutedAt: now,
			})
		}
	}

	if outcome.deferred {
		return storage.EventCommit{}, outcome
	}

	// Any failed action marks the whole event error, even when other
	// actions for it succeeded.
	disposition := model.DispositionNoMatch
	switch {
	case matched > 0 && p.dryRun:
		disposition = model.DispositionDryRun
	case outcome.failed > 0:
		disposition = model.DispositionError
	case matched > 0:
		disposition = model.DispositionActionExecuted
	}

	commit := storage.EventCommit{
		Audit: &model.AuditEntry{
			Timestamp:   now,
			EventID:     event.ID,
			EventType:   event.Type,
			EventSource: eventSource,
			Rules:       ruleEvals,
			Actions:     actions,
			Disposition: disposition,
			Message:     event.DisplayName(),
		},
	}

	// Threshold marks persist even in dry run, so toggling dry-run off does
	// not re-fire thresholds the user already saw. Dedup and action records
	// stay untouched so a later real run delivers the same events.
	commit.Thresholds = thresholds
	if !p.dryRun {
		commit.Processed = &model.ProcessedEvent{
			EventID:     event.ID,
			EventType:   event.Type,
			Disposition: disposition,
			ProcessedAt: now,
			ExpiresAt:   now.Add(p.retention()),
		}
		commit.Actions = records
	}
	return commit, outcome
}

// malformedEventID derives a stable dedup key for a payload without an id.
// Map formatting is key-sorted, so the same payload hashes the same way.
func malformedEventID(item map[string]any) string {
	sum := sha256.Sum256([]byte(fmt.Sprint(item)))
	return "malformed:" + hex.EncodeToString(sum[:8])
}

// commitSkipped records an event that cannot be normalized, so the same
// notification does not reappear in the audit log every cycle.
func (p *Poller) commitSkipped(ctx context.Context, eventID string, now time.Time, message string) {
	commit := storage.EventCommit{
		Audit: &model.AuditEntry{
			Timestamp:   now,
			EventID:     eventID,
			EventSource: eventSource,
			Disposition: model.DispositionSkipped,
			Message:     message,
		},
	}
	if eventID != "" {
		if seen, err := p.store.IsProcessed(ctx, eventID); err == nil && seen {
			return
		}
	}
	if eventID != "" && !p.dryRun {
		commit.Processed = &model.ProcessedEvent{
			EventID:     eventID,
			Disposition: model.DispositionSkipped,
			ProcessedAt: now,
			ExpiresAt:   now.Add(p.retention()),
		}
	}
	if err := p.store.CommitEvent(ctx, commit); err != nil {
		p.log.Error("commit skipped event", "event", eventID, "error", err)
	}
}

// Status reports the persisted state for the status command.
func (p *Poller) Status(ctx context.Context) (model.Status, error) {
	cp, err := p.store.LoadCheckpoint(ctx, CheckpointID)
	if err != nil {
		return model.Status{}, fmt.Errorf("load checkpoint: %w", err)
	}
	processed, err := p.store.ProcessedCount(ctx)
	if err != nil {
		return model.Status{}, fmt.Errorf("count processed: %w", err)
	}
	audit, err := p.store.AuditCount(ctx)
	if err != nil {
		return model.Status{}, fmt.Errorf("count audit: %w", err)
	}
	return model.Status{Checkpoint: cp, ProcessedEvents: processed, AuditEntries: audit}, nil
}

func (p *Poller) retention() time.Duration {
	return time.Duration(p.ruleset.RetentionDays) * 24 * time.Hour
}

func (p *Poller) cleanup(ctx context.Context) error {
	now := p.clock.Now()
	if _, err := p.store.CleanupExpired(ctx, now); err != nil {
		return err
	}
	if _, err := p.store.PruneAudit(ctx, now.Add(-p.retention())); err != nil {
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
