package action

import (
	"fmt"
	"io"

	"concierge/internal/model"
)

// ConsoleSender prints action messages to a writer. It never fails.
type ConsoleSender struct {
	out io.Writer
}

func NewConsoleSender(out io.Writer) *ConsoleSender {
	return &ConsoleSender{out: out}
}

func (s *ConsoleSender) Send(rule model.Rule, event model.Event, message string) {
	fmt.Fprintf(s.out, "[%s] %s\n", rule.ID, message)
	if event.EntityURL != "" {
		fmt.Fprintf(s.out, "    %s\n", event.EntityURL)
	}
}
