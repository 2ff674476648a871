package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"concierge/internal/model"
)

// History answers whether an action already ran for an event/rule pair.
// The store's unique action records back this; the executor only reads.
type History interface {
	GetActionRecord(ctx context.Context, eventID, ruleID string) (*model.ActionRecord, error)
}

// Result is the outcome of one action execution.
type Result struct {
	Type     model.ActionType
	Outcome  model.ActionOutcome
	Message  string
	Attempts int
}

// Executor dispatches matched rules to their action channel. Senders left
// nil are reported as skipped rather than failing the event.
type Executor struct {
	console *ConsoleSender
	webhook *WebhookSender
	comment *CommentSender
	history History
	log     *slog.Logger
}

func NewExecutor(console *ConsoleSender, webhook *WebhookSender, comment *CommentSender, history History, logger *slog.Logger) *Executor {
	return &Executor{
		console: console,
		webhook: webhook,
		comment: comment,
		history: history,
		log:     logger,
	}
}

// Execute runs the rule's action for the event. An action that already ran
// for this event/rule pair is skipped, keeping execution at-most-once even
// when the same event is reprocessed. Dry-run renders the message but sends
// nothing.
func (x *Executor) Execute(ctx context.Context, rule model.Rule, event model.Event, explanation string, dryRun bool) Result {
	actionType := rule.Action.Type
	message := RenderTemplate(rule.Action.Message, event, rule, explanation)

	if x.history != nil {
		rec, err := x.history.GetActionRecord(ctx, event.ID, rule.ID)
		if err != nil {
			return Result{Type: actionType, Outcome: model.OutcomeFailed,
				Message: fmt.Sprintf("action history lookup failed: %v", err)}
		}
		if rec != nil {
			x.log.Debug("action already executed", "rule", rule.ID, "event", event.ID,
				"at", rec.ExecutedAt.Format(time.RFC3339))
			return Result{Type: actionType, Outcome: rec.Outcome, Message: rec.Message}
		}
	}

	if dryRun {
		x.log.Info("dry run", "rule", rule.ID, "event", event.ID, "action", actionType)
		return Result{Type: actionType, Outcome: model.OutcomeDryRun,
			Message: fmt.Sprintf("would execute %s: %s", actionType, message)}
	}

	switch actionType {
	case model.ActionConsole:
		x.console.Send(rule, event, message)
		return Result{Type: actionType, Outcome: model.OutcomeSuccess, Message: message, Attempts: 1}

	case model.ActionWebhook:
		if x.webhook == nil {
			return Result{Type: actionType, Outcome: model.OutcomeSkipped, Message: "webhook is not configured"}
		}
		attempts, err := x.webhook.Send(ctx, rule, event, message)
		if errors.Is(err, ErrRateLimited) {
			x.log.Warn("webhook send throttled", "rule", rule.ID, "event", event.ID)
			return Result{Type: actionType, Outcome: model.OutcomeSkipped, Message: err.Error()}
		}
		if err != nil {
			x.log.Warn("webhook action failed", "rule", rule.ID, "event", event.ID, "error", err)
			return Result{Type: actionType, Outcome: model.OutcomeFailed, Message: err.Error(), Attempts: attempts}
		}
		return Result{Type: actionType, Outcome: model.OutcomeSuccess, Message: message, Attempts: attempts}

	case model.ActionGitHubComment:
		if !rule.Action.OptIn {
			return Result{Type: actionType, Outcome: model.OutcomeFailed, Message: ErrOptInRequired.Error()}
		}
		if x.comment == nil {
			return Result{Type: actionType, Outcome: model.OutcomeSkipped, Message: "github comments are not enabled"}
		}
		attempts, err := x.comment.Send(ctx, rule, event, message)
		if errors.Is(err, ErrRateLimited) {
			x.log.Warn("comment send throttled", "rule", rule.ID, "event", event.ID)
			return Result{Type: actionType, Outcome: model.OutcomeSkipped, Message: err.Error()}
		}
		if err != nil {
			x.log.Warn("comment action failed", "rule", rule.ID, "event", event.ID, "error", err)
			return Result{Type: actionType, Outcome: model.OutcomeFailed, Message: err.Error(), Attempts: attempts}
		}
		return Result{Type: actionType, Outcome: model.OutcomeSuccess, Message: message, Attempts: attempts}

	default:
		return Result{Type: actionType, Outcome: model.OutcomeFailed,
			Message: fmt.Sprintf("unknown action type %q", actionType)}
	}
}
