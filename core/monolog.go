package core

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the speaking side of a monolog.
type Role int

const (
	// RoleUser is the participant who initiates or asks.
	RoleUser Role = 1
	// RoleAssistant is the participant who responds or fulfills.
	RoleAssistant Role = 2
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

// Mode describes what the assistant was allowed to do during a monolog.
type Mode int

const (
	// ModeBuild grants full access (modify files, run commands).
	ModeBuild Mode = 1
	// ModePlan is read-only (suggest and plan).
	ModePlan Mode = 2
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeBuild:
		return "build"
	case ModePlan:
		return "plan"
	default:
		return "unknown"
	}
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool { return m == ModeBuild || m == ModePlan }

// ParticipantType classifies who (or what) authored a monolog.
type ParticipantType int

const (
	// ParticipantHuman is a human user.
	ParticipantHuman ParticipantType = 1
	// ParticipantAIModel is an AI model (Claude, GPT, Gemini, ...).
	ParticipantAIModel ParticipantType = 2
	// ParticipantScript is an automated script or CI pipeline.
	ParticipantScript ParticipantType = 3
	// ParticipantSystem marks system generated content.
	ParticipantSystem ParticipantType = 4
)

// Session is the top-level conversation container owning a sequence of
// monologs. SessionID is the opaque external identifier assigned by the
// runtime; ID is the store-assigned reference used by all other operations.
type Session struct {
	ID               int64
	SessionID        string
	Title            *string
	WorkingDirectory *string
	CreatedAt        time.Time
	UpdatedAt        *time.Time
}

// Participant is classification metadata: who produced a monolog.
// Participants are auto-registered on first sight; identifiers starting with
// "user-" are humans, everything else is an AI model.
type Participant struct {
	ID         uuid.UUID
	Identifier string
	Label      string
	Type       ParticipantType
}

// Usage carries token and cost metrics reported by the runtime for assistant
// turns. All fields are optional; absent values never overwrite present ones.
type Usage struct {
	TokensInput  *int64
	TokensOutput *int64
	Cost         *float64
}

// Monolog is a contiguous run of one participant's speech, bounded by the
// other participant's turn.
//
// Lifecycle: created open by the aggregator on the first turn of a speech
// run, mutated by subsequent turns of the same speaker (append for user,
// replace for assistant), closed when the other participant speaks or the
// session goes idle or aborts. Once CompletedAt is set the monolog is
// immutable except for the one-time embedding write.
//
// Invariants:
//   - at most one open monolog per (session, role)
//   - an assistant monolog always has a parent
//   - CompletedAt and LastMessageID are set together or not at all
type Monolog struct {
	ID              int64
	SessionID       int64
	ParentMonologID *int64
	Role            Role

	// FirstMessageID is the runtime message id of the turn that opened this
	// monolog. Immutable.
	FirstMessageID string

	// LastMessageID is the runtime message id of the turn that closed this
	// monolog. Nil while open.
	LastMessageID *string

	// LastSeenMessageID tracks the newest turn folded into this monolog while
	// it is open, so a close triggered by the other participant can tag
	// LastMessageID without relying on process memory. Equals FirstMessageID
	// right after creation.
	LastSeenMessageID string

	// Content is the accumulated text. User monologs append with a blank-line
	// separator; assistant monologs replace wholesale (streaming supersedes).
	Content string

	// Embedding is set once by the embedding pipeline after close. Nil until
	// then.
	Embedding []float32

	ParticipantID uuid.UUID
	ProviderID    int64
	ModeID        int64

	// Usage metrics, only meaningful for assistant monologs. Provisional
	// while open (last reported value wins), final after close.
	TokensInput  *int64
	TokensOutput *int64
	Cost         *float64

	StartedAt   time.Time
	CompletedAt *time.Time
	IsAborted   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Open reports whether the monolog is still accepting content.
func (m *Monolog) Open() bool { return m.CompletedAt == nil }

// Clone returns a deep copy safe for independent mutation.
func (m *Monolog) Clone() *Monolog {
	clone := *m
	if m.ParentMonologID != nil {
		v := *m.ParentMonologID
		clone.ParentMonologID = &v
	}
	if m.LastMessageID != nil {
		v := *m.LastMessageID
		clone.LastMessageID = &v
	}
	if m.Embedding != nil {
		clone.Embedding = make([]float32, len(m.Embedding))
		copy(clone.Embedding, m.Embedding)
	}
	if m.TokensInput != nil {
		v := *m.TokensInput
		clone.TokensInput = &v
	}
	if m.TokensOutput != nil {
		v := *m.TokensOutput
		clone.TokensOutput = &v
	}
	if m.Cost != nil {
		v := *m.Cost
		clone.Cost = &v
	}
	if m.CompletedAt != nil {
		v := *m.CompletedAt
		clone.CompletedAt = &v
	}
	return &clone
}
