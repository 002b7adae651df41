// Package store persists coordination state. Session locks and file
// declarations are individual JSON files written with temp-file-then-rename
// so concurrent agent processes never observe a partial record; the audit
// history of coordination events lives in SQLite.
package store

import (
	"context"
	"time"
)

// EventKind categorizes a history event.
type EventKind string

const (
	EventSessionCreated EventKind = "session.created"
	EventSessionClosed  EventKind = "session.closed"
	EventSessionSwept   EventKind = "session.swept"
	EventMerge          EventKind = "merge"
	EventRollover       EventKind = "rollover"
	EventConsolidation  EventKind = "consolidation"
	EventRetention      EventKind = "retention"
	EventOrphanCleanup  EventKind = "orphan.cleanup"
	EventDeclare        EventKind = "coord.declare"
	EventRelease        EventKind = "coord.release"
)

// Event is one row of coordination history.
type Event struct {
	ID        string
	Kind      EventKind
	SessionID string
	Branch    string
	Target    string
	Outcome   string
	Detail    string
	CreatedAt time.Time
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Kind      EventKind
	SessionID string
	Limit     int
}

// History records coordination events for later audit.
type History interface {
	RecordEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	Close() error
}

// Nop is a History that drops everything.
type Nop struct{}

func (Nop) RecordEvent(context.Context, *Event) error                 { return nil }
func (Nop) ListEvents(context.Context, EventFilter) ([]*Event, error) { return nil, nil }
func (Nop) Close() error                                              { return nil }
