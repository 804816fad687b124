package engine

import "errors"

var (
	// ErrUnknownEvent: a rule references an event absent from the events
	// document. The batch is skipped and retried every tick so the gap stays
	// visible until an operator fixes the configuration.
	ErrUnknownEvent = errors.New("event not defined in events document")

	// ErrUserUnknown: a due user has no directory entry. The user is skipped
	// and not marked processed.
	ErrUserUnknown = errors.New("user not in directory")

	// ErrRender wraps a per-user template failure.
	ErrRender = errors.New("render failed")

	// ErrTransport wraps a per-user delivery failure.
	ErrTransport = errors.New("send failed")
)
