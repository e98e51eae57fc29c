package models

import (
	"errors"
	"fmt"
)

// Per-event and query errors. Per-event errors are never fatal to the service.
var (
	ErrStaleEvent             = errors.New("stale event")
	ErrUnknownOrder           = errors.New("unknown order")
	ErrInvalidStageTransition = errors.New("invalid kds stage transition")
	ErrDuplicateMark          = errors.New("duplicate ready mark")
	ErrTerminalState          = errors.New("order in terminal state")
	ErrContention             = errors.New("lock contention")
	ErrNotFound               = errors.New("not found")
	ErrInvalidEvent           = errors.New("invalid event")
	ErrDuplicateOrder         = errors.New("duplicate order placement")
	ErrServiceClosed          = errors.New("service closed")
)

// EventError ties a rejection to the order and signal kind that caused it.
type EventError struct {
	OrderID string
	Kind    SignalKind
	Err     error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("order %s %s: %v", e.OrderID, e.Kind, e.Err)
}

func (e *EventError) Unwrap() error { return e.Err }

// NewEventError wraps err for the given event.
func NewEventError(ev SignalEvent, err error) *EventError {
	return &EventError{OrderID: ev.OrderID, Kind: ev.Kind, Err: err}
}

// ErrorCode maps an error to a stable snake_case code for metrics and audit.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStaleEvent):
		return "stale_event"
	case errors.Is(err, ErrUnknownOrder):
		return "unknown_order"
	case errors.Is(err, ErrInvalidStageTransition):
		return "invalid_stage_transition"
	case errors.Is(err, ErrDuplicateMark):
		return "duplicate_mark"
	case errors.Is(err, ErrTerminalState):
		return "terminal_state"
	case errors.Is(err, ErrContention):
		return "contention"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(err, ErrDuplicateOrder):
		return "duplicate_order"
	case errors.Is(err, ErrServiceClosed):
		return "service_closed"
	default:
		return "internal"
	}
}
