package rules

import (
	"fmt"
	"time"
)

// Action selects what the dispatcher does when an event comes due.
type Action string

const (
	// ActionSendMessage renders the event template and sends it to the user.
	ActionSendMessage Action = "send_message"
	// ActionSendMessageWithToken is ActionSendMessage plus a per-user access
	// token made available to the template.
	ActionSendMessageWithToken Action = "send_message_with_token"
	// ActionNone marks the event processed without any side effect.
	ActionNone Action = "none"
	// ActionIgnore leaves the event pending forever: it is never dispatched
	// and never marked processed. Operators use it to park an event.
	ActionIgnore Action = "ignore"
)

// DefaultAction applies when an event definition omits "action".
const DefaultAction = ActionSendMessage

// Rule makes Event eligible Delay after a user transitions OldRole -> NewRole.
type Rule struct {
	OldRole string
	NewRole string
	Event   string
	Delay   time.Duration
}

// EventDef is one entry of the events document.
type EventDef struct {
	Name    string
	Action  Action
	OneTime bool

	// Template/Subject/From are required for the send actions and unused
	// otherwise.
	Template string
	Subject  string
	From     string

	// Extra holds operator-defined key/value parameters passed through to the
	// renderer untouched.
	Extra map[string]any
}

// NeedsToken reports whether dispatching this event requires a per-user token.
func (d EventDef) NeedsToken() bool { return d.Action == ActionSendMessageWithToken }

// ConfigError describes one invalid entry in the transitions or events
// document. Invalid entries are excluded from the table; valid entries are
// unaffected.
type ConfigError struct {
	Path string // document location, e.g. "transitions.trial.paid.welcome"
	Msg  string
}

func (e ConfigError) Error() string { return fmt.Sprintf("%s: %s", e.Path, e.Msg) }

// Table is the parsed, validated rule set used by a dispatch pass.
//
// Rules() is deterministically ordered (sorted by old role, new role, event)
// so repeated passes over the same configuration resolve events in the same
// order.
type Table struct {
	rules  []Rule
	events map[string]EventDef
}

func (t *Table) Rules() []Rule {
	if t == nil {
		return nil
	}
	return t.rules
}

func (t *Table) Event(name string) (EventDef, bool) {
	if t == nil {
		return EventDef{}, false
	}
	d, ok := t.events[name]
	return d, ok
}

func (t *Table) EventCount() int {
	if t == nil {
		return 0
	}
	return len(t.events)
}
