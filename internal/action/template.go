// Package action renders and delivers rule actions with per-channel retry
// and rate limiting.
package action

import (
	"regexp"
	"strconv"
	"strings"

	"concierge/internal/model"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*[a-zA-Z0-9._]+\s*\}\}`)

// RenderTemplate expands {{ var }} placeholders in a message template.
// Both "{{ event.repo }}" and "{{event.repo}}" forms are accepted; unknown
// placeholders render as empty strings.
func RenderTemplate(tmpl string, event model.Event, rule model.Rule, explanation string) string {
	number := ""
	if event.EntityNumber > 0 {
		number = strconv.Itoa(event.EntityNumber)
	}
	vars := map[string]string{
		"event.id":            event.ID,
		"event.type":          string(event.Type),
		"event.repo":          event.RepoFullName,
		"event.entity_number": number,
		"event.entity_title":  event.EntityTitle,
		"event.entity_url":    event.EntityURL,
		"event.actor":         event.Actor,
		"rule.id":             rule.ID,
		"rule.name":           rule.Name,
		"match.reason":        explanation,
	}

	out := tmpl
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{{ "+key+" }}", value)
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return placeholderPattern.ReplaceAllString(out, "")
}
