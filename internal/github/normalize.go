package github

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"concierge/internal/model"
)

// Maps notification reasons onto the canonical event types. Reasons absent
// from this table (subscribed, state_change, ci_activity, security_alert and
// anything new) are unsupported and yield a NormalizationError.
var reasonToType = map[string]model.EventType{
	"mention":          model.EventMention,
	"team_mention":     model.EventMention,
	"assign":           model.EventAssignment,
	"review_requested": model.EventReviewRequest,
	"comment":          model.EventComment,
}

// Normalize converts a raw notification payload into a canonical Event.
// It is total: any shape the API can return produces either an Event or a
// typed NormalizationError, never a panic.
func Normalize(raw map[string]any, now time.Time) (model.Event, error) {
	var zero model.Event

	id := stringField(raw, "id")
	if id == "" {
		return zero, &NormalizationError{Reason: "missing notification id"}
	}
	eventID := "notif_" + id

	reason := stringField(raw, "reason")
	subject := mapField(raw, "subject")
	entityKind := stringField(subject, "type")

	eventType, err := mapReason(reason, entityKind)
	if err != nil {
		return zero, &NormalizationError{EventID: eventID, Reason: err.Error()}
	}

	repo := mapField(raw, "repository")
	fullName := stringField(repo, "full_name")
	if fullName == "" {
		fullName = "unknown/unknown"
	}
	owner, name := splitRepo(fullName)

	updatedAt := stringField(raw, "updated_at")
	timestamp, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return zero, &NormalizationError{EventID: eventID, Reason: fmt.Sprintf("bad updated_at %q", updatedAt)}
	}

	apiURL := stringField(subject, "url")
	return model.Event{
		ID:           eventID,
		RemoteID:     id,
		Type:         eventType,
		Timestamp:    timestamp.UTC(),
		ReceivedAt:   now.UTC(),
		RepoOwner:    owner,
		RepoName:     name,
		RepoFullName: fullName,
		EntityKind:   entityKind,
		EntityNumber: entityNumber(apiURL),
		EntityTitle:  stringField(subject, "title"),
		EntityURL:    webURL(apiURL),
		Reason:       reason,
		Raw:          raw,
	}, nil
}

// NormalizeLabelEvent converts a labeled/unlabeled issue-event payload into
// a label_change Event. When the payload carries no explicit label action,
// previous is diffed against the current label set.
func NormalizeLabelEvent(payload map[string]any, previous []string, now time.Time) (model.Event, error) {
	var zero model.Event

	repo := mapField(payload, "repository")
	fullName := stringField(repo, "full_name")
	if fullName == "" {
		fullName = "unknown/unknown"
	}
	owner, name := splitRepo(fullName)

	entity := mapField(payload, "issue")
	entityKind := "Issue"
	if pr := mapField(payload, "pull_request"); len(pr) > 0 {
		entity = pr
		entityKind = "PullRequest"
	}
	if len(entity) == 0 {
		return zero, &NormalizationError{Reason: "label payload has no issue or pull_request"}
	}

	number := intField(entity, "number")
	updatedAt := stringField(entity, "updated_at")
	timestamp, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return zero, &NormalizationError{Reason: fmt.Sprintf("bad updated_at %q in label payload", updatedAt)}
	}

	labels := labelNames(entity)
	var added, removed []string
	switch stringField(payload, "action") {
	case "labeled":
		if n := stringField(mapField(payload, "label"), "name"); n != "" {
			added = []string{n}
		}
	case "unlabeled":
		if n := stringField(mapField(payload, "label"), "name"); n != "" {
			removed = []string{n}
		}
	default:
		added, removed = diffLabels(previous, labels)
	}

	return model.Event{
		ID:            fmt.Sprintf("label_%s_%d_%d", fullName, number, timestamp.Unix()),
		Type:          model.EventLabelChange,
		Timestamp:     timestamp.UTC(),
		ReceivedAt:    now.UTC(),
		RepoOwner:     owner,
		RepoName:      name,
		RepoFullName:  fullName,
		EntityKind:    entityKind,
		EntityNumber:  number,
		EntityTitle:   stringField(entity, "title"),
		EntityURL:     stringField(entity, "html_url"),
		Actor:         stringField(mapField(payload, "sender"), "login"),
		Labels:        labels,
		LabelsAdded:   added,
		LabelsRemoved: removed,
		Raw:           payload,
	}, nil
}

func mapReason(reason, entityKind string) (model.EventType, error) {
	if t, ok := reasonToType[reason]; ok {
		return t, nil
	}
	// The author reason marks a thread the user opened; split it by the
	// subject kind.
	if reason == "author" {
		if entityKind == "PullRequest" {
			return model.EventPROpen, nil
		}
		return model.EventIssueOpen, nil
	}
	return "", fmt.Errorf("unsupported reason %q", reason)
}

func splitRepo(fullName string) (owner, name string) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok {
		return "unknown", fullName
	}
	return owner, name
}

// entityNumber pulls the issue/PR number off the API URL tail, e.g.
// https://api.github.com/repos/o/r/issues/123 -> 123.
func entityNumber(apiURL string) int {
	if apiURL == "" {
		return 0
	}
	parts := strings.Split(strings.TrimSuffix(apiURL, "/"), "/")
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0
	}
	return n
}

// webURL rewrites an API entity URL into the browser-facing one.
func webURL(apiURL string) string {
	if apiURL == "" {
		return ""
	}
	url := strings.Replace(apiURL, "api.github.com/repos", "github.com", 1)
	return strings.Replace(url, "/pulls/", "/pull/", 1)
}

func labelNames(entity map[string]any) []string {
	rawLabels, _ := entity["labels"].([]any)
	var names []string
	for _, l := range rawLabels {
		switch v := l.(type) {
		case map[string]any:
			if n := stringField(v, "name"); n != "" {
				names = append(names, n)
			}
		case string:
			names = append(names, v)
		}
	}
	return names
}

func diffLabels(previous, current []string) (added, removed []string) {
	prev := make(map[string]bool, len(previous))
	for _, l := range previous {
		prev[strings.ToLower(l)] = true
	}
	curr := make(map[string]bool, len(current))
	for _, l := range current {
		curr[strings.ToLower(l)] = true
	}
	for _, l := range current {
		if !prev[strings.ToLower(l)] {
			added = append(added, l)
		}
	}
	for _, l := range previous {
		if !curr[strings.ToLower(l)] {
			removed = append(removed, l)
		}
	}
	return added, removed
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
