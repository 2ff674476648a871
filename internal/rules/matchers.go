package rules

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"concierge/internal/model"
)

// matchCondition evaluates one condition against an event, lazily pulling an
// entity snapshot when the event payload lacks the needed fields. A returned
// error means the condition could not be evaluated at all.
func matchCondition(ctx context.Context, event model.Event, cond model.Condition, snap *snapshot, now time.Time) (bool, string, error) {
	switch cond.Kind {
	case model.CondLabelPresent:
		return matchLabelPresent(event, cond.Label)
	case model.CondLabelAdded:
		return matchLabelAdded(event, cond.Label)
	case model.CondLabelRemoved:
		return matchLabelRemoved(event, cond.Label)
	case model.CondRepoMatch:
		return matchRepo(event, cond.Pattern)
	case model.CondTimeSince:
		return matchTimeSince(ctx, event, cond, snap, now)
	case model.CondNoActivity:
		return matchNoActivity(ctx, event, cond, snap, now)
	default:
		return false, "", fmt.Errorf("unknown condition type %q", cond.Kind)
	}
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

func matchLabelPresent(event model.Event, label string) (bool, string, error) {
	if containsLabel(event.Labels, label) {
		return true, fmt.Sprintf("label %q is present", label), nil
	}
	return false, fmt.Sprintf("label %q is not present", label), nil
}

func matchLabelAdded(event model.Event, label string) (bool, string, error) {
	// When the event carries an explicit change set, trust it; otherwise
	// fall back to presence in the current set.
	if len(event.LabelsAdded) > 0 || len(event.LabelsRemoved) > 0 {
		if containsLabel(event.LabelsAdded, label) {
			return true, fmt.Sprintf("label %q was added", label), nil
		}
		return false, fmt.Sprintf("label %q was not added", label), nil
	}
	if containsLabel(event.Labels, label) {
		return true, fmt.Sprintf("label %q added (present in current labels)", label), nil
	}
	return false, fmt.Sprintf("label %q not added (not in current labels)", label), nil
}

func matchLabelRemoved(event model.Event, label string) (bool, string, error) {
	if len(event.LabelsAdded) > 0 || len(event.LabelsRemoved) > 0 {
		if containsLabel(event.LabelsRemoved, label) {
			return true, fmt.Sprintf("label %q was removed", label), nil
		}
		return false, fmt.Sprintf("label %q was not removed", label), nil
	}
	if !containsLabel(event.Labels, label) {
		return true, fmt.Sprintf("label %q is absent (removed)", label), nil
	}
	return false, fmt.Sprintf("label %q is still present", label), nil
}

func matchRepo(event model.Event, pattern string) (bool, string, error) {
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(pattern, event.RepoFullName)
		if err != nil {
			return false, "", fmt.Errorf("invalid repo pattern %q: %w", pattern, err)
		}
		if ok {
			return true, fmt.Sprintf("repository %q matches pattern %q", event.RepoFullName, pattern), nil
		}
		return false, fmt.Sprintf("repository %q does not match pattern %q", event.RepoFullName, pattern), nil
	}
	if event.RepoFullName == pattern {
		return true, fmt.Sprintf("repository matches %q", pattern), nil
	}
	// Bare owner patterns match any repo of that owner.
	if !strings.Contains(pattern, "/") && event.RepoOwner == pattern {
		return true, fmt.Sprintf("repository owner matches %q", pattern), nil
	}
	return false, fmt.Sprintf("repository %q does not match %q", event.RepoFullName, pattern), nil
}

func matchTimeSince(ctx context.Context, event model.Event, cond model.Condition, snap *snapshot, now time.Time) (bool, string, error) {
	threshold, err := model.ParseDuration(cond.Threshold)
	if err != nil {
		return false, "", err
	}

	ref, err := referenceTime(ctx, event, snap, cond.Field)
	if err != nil {
		return false, "", err
	}

	elapsed := now.Sub(ref)
	if elapsed >= threshold {
		return true, fmt.Sprintf("time since %s (%s) >= threshold (%s)",
			cond.Field, model.FormatDuration(elapsed.Round(time.Second)), cond.Threshold), nil
	}
	return false, fmt.Sprintf("time since %s (%s) < threshold (%s)",
		cond.Field, model.FormatDuration(elapsed.Round(time.Second)), cond.Threshold), nil
}

func matchNoActivity(ctx context.Context, event model.Event, cond model.Condition, snap *snapshot, now time.Time) (bool, string, error) {
	since := cond.Since
	if since == "" {
		since = "created_at"
	}
	ref, err := referenceTime(ctx, event, snap, since)
	if err != nil {
		return false, "", err
	}

	active, detail, err := hasActivity(ctx, event, snap, cond.Activity)
	if err != nil {
		return false, "", err
	}
	if active {
		return false, fmt.Sprintf("activity detected: %s", detail), nil
	}
	elapsed := now.Sub(ref).Round(time.Second)
	return true, fmt.Sprintf("no %s activity since %s (%s ago)",
		cond.Activity, since, model.FormatDuration(elapsed)), nil
}

// referenceTime resolves a timestamp field from the event payload, falling
// back to the entity snapshot and finally the event's own timestamp.
func referenceTime(ctx context.Context, event model.Event, snap *snapshot, field string) (time.Time, error) {
	if ts, ok := timeFromPayload(event.Raw, field); ok {
		return ts, nil
	}
	if event.EntityNumber > 0 {
		data, err := snap.get(ctx)
		if err != nil {
			return time.Time{}, err
		}
		if ts, ok := timeFromPayload(data, field); ok {
			return ts, nil
		}
	}
	return event.Timestamp, nil
}

func timeFromPayload(payload map[string]any, field string) (time.Time, bool) {
	raw, _ := payload[field].(string)
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// hasActivity inspects the entity for signs of the given activity kind.
func hasActivity(ctx context.Context, event model.Event, snap *snapshot, activity string) (bool, string, error) {
	payload := event.Raw
	if event.EntityNumber > 0 {
		data, err := snap.get(ctx)
		if err != nil {
			return false, "", err
		}
		payload = data
	}

	switch activity {
	case "comment":
		if n := intFromPayload(payload, "comments"); n > 0 {
			return true, fmt.Sprintf("%d comment(s) exist", n), nil
		}
		return false, "no comments", nil
	case "commit":
		if n := intFromPayload(payload, "commits"); n > 0 {
			return true, fmt.Sprintf("%d commit(s) exist", n), nil
		}
		return false, "no commits", nil
	case "review":
		// No cheap review count on the entity; treat an update after
		// creation as review activity, same heuristic the entity data
		// supports.
		created, okC := timeFromPayload(payload, "created_at")
		updated, okU := timeFromPayload(payload, "updated_at")
		if okC && okU && updated.After(created) {
			return true, "entity updated after creation (possible review activity)", nil
		}
		return false, "no review activity", nil
	default:
		return false, "", fmt.Errorf("unknown activity type %q", activity)
	}
}

func intFromPayload(payload map[string]any, field string) int {
	switch v := payload[field].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
