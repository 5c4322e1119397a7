package domain

import "time"

// EventType classifies engine events for filtering by notification and
// telemetry consumers.
type EventType string

const (
	EventPositionOpened  EventType = "position_opened"
	EventPositionState   EventType = "position_state_changed"
	EventPositionClosed  EventType = "position_closed"
	EventPositionFailed  EventType = "position_failed"
	EventActionSubmitted EventType = "action_submitted"
	EventActionConfirmed EventType = "action_confirmed"
	EventActionRejected  EventType = "action_rejected"
	EventActionAbandoned EventType = "action_abandoned"
	EventActionRetried   EventType = "action_retried"
	EventSnapshotDropped EventType = "snapshot_dropped"
)

// Event is one state change published by the engine. Every user-visible
// outcome is an event; nothing is dropped silently.
type Event struct {
	ID         string
	Type       EventType
	PositionID string
	ActionID   string
	Protocol   Protocol
	Instrument string

	// From/To carry the position or action state transition, when the event
	// describes one.
	From string
	To   string

	// Reason is free-form context: risk rule, rejection reason, error text.
	Reason string

	At time.Time
}

// EventSink consumes engine events. Publish must not block: slow consumers
// buffer or drop on their own side.
type EventSink interface {
	Publish(ev Event)
}

// MultiSink fans one event out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(Event) {}
