package core

import "time"

// Event is a typed runtime signal consumed by the aggregator. The set is
// closed (unexported marker): SessionUpserted, TurnEvent, SessionIdle and
// SessionAborted. A new event kind forces every exhaustive type switch to be
// revisited instead of silently falling through a default branch.
type Event interface {
	isEvent()
	// Session returns the external session identifier the event targets.
	Session() string
}

// SessionUpserted announces that a session was created or its metadata
// (title, working directory) changed.
type SessionUpserted struct {
	SessionID string
	Title     *string
	Directory *string
	CreatedAt time.Time
}

func (SessionUpserted) isEvent() {}

// Session implements Event.
func (e SessionUpserted) Session() string { return e.SessionID }

// TurnEvent wraps a normalized message turn.
type TurnEvent struct {
	Turn Turn
}

func (TurnEvent) isEvent() {}

// Session implements Event.
func (e TurnEvent) Session() string { return e.Turn.Session() }

// SessionIdle signals that the runtime considers the session quiescent; any
// open monologs are closed normally.
type SessionIdle struct {
	SessionID string
	At        time.Time
}

func (SessionIdle) isEvent() {}

// Session implements Event.
func (e SessionIdle) Session() string { return e.SessionID }

// SessionAborted signals that the user interrupted the session; the open
// monolog is closed with the aborted flag set.
type SessionAborted struct {
	SessionID string
	At        time.Time
}

func (SessionAborted) isEvent() {}

// Session implements Event.
func (e SessionAborted) Session() string { return e.SessionID }
