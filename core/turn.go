package core

import "time"

// Turn is a single normalized message event attributed to a role within a
// session. It is a closed sum: exactly UserTurn and AssistantTurn implement
// it (unexported marker), each carrying only the fields meaningful for that
// role, so dispatch sites can type-switch exhaustively.
type Turn interface {
	isTurn()
	// Session returns the external session identifier the turn belongs to.
	Session() string
	// Message returns the runtime message identifier of the turn.
	Message() string
}

// UserTurn is a message authored by the human side.
type UserTurn struct {
	SessionID string
	MessageID string
	Text      string
	Timestamp time.Time
	// Participant identifies the human author (e.g. "user-jirka"). Optional;
	// the ingest layer substitutes a default when the runtime omits it.
	Participant string
}

func (UserTurn) isTurn() {}

// Session implements Turn.
func (t UserTurn) Session() string { return t.SessionID }

// Message implements Turn.
func (t UserTurn) Message() string { return t.MessageID }

// AssistantTurn is a message authored by the assistant side. For streaming
// runtimes every update of one completion arrives as a fresh AssistantTurn
// whose Text supersedes the previous one.
type AssistantTurn struct {
	SessionID string
	MessageID string
	Text      string
	Timestamp time.Time
	// Participant is the model identifier (e.g. "claude-sonnet-4").
	Participant string
	// Provider is the runtime channel the message came through; normalized
	// against the seeded provider names before resolution.
	Provider string
	Mode     Mode
	// Usage carries the turn's reported token/cost metrics, when present.
	Usage *Usage
}

func (AssistantTurn) isTurn() {}

// Session implements Turn.
func (t AssistantTurn) Session() string { return t.SessionID }

// Message implements Turn.
func (t AssistantTurn) Message() string { return t.MessageID }
