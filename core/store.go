package core

import (
	"context"
	"time"
)

// NewMonolog describes a monolog to be created. Participant is an external
// identifier (auto-registered on first sight); Provider is a seeded provider
// name (normalize with NormalizeProvider first).
type NewMonolog struct {
	SessionRef     int64
	ParentID       *int64
	Role           Role
	FirstMessageID string
	Content        string
	Participant    string
	Provider       string
	Mode           Mode
	// Usage seeds the provisional metrics for assistant monologs created from
	// a turn that already reported them.
	Usage     *Usage
	StartedAt time.Time
}

// CloseRequest closes an open monolog. FinalContent, when present, overwrites
// the accumulated content. Usage fields are applied only when present;
// omitted fields keep their prior (typically provisional or nil) value.
type CloseRequest struct {
	MonologID     int64
	LastMessageID string
	FinalContent  *string
	CompletedAt   time.Time
	IsAborted     bool
	Usage         *Usage
}

// SearchQuery ranks stored monologs against a query vector. Only closed
// monologs with an embedding are candidates.
type SearchQuery struct {
	Vector []float32
	// SessionRef restricts candidates to one session when non-nil.
	SessionRef *int64
	Limit      int
	// MinSimilarity in [0,1]; candidates below it are dropped.
	MinSimilarity float64
}

// SearchResult pairs a matching monolog with its cosine similarity in [0,1].
type SearchResult struct {
	Monolog    *Monolog
	Similarity float64
}

// MonologStore is the durable record of sessions and monologs.
//
// Error discipline: "not found" and "already closed" are ordinary outcomes
// signaled by a false boolean so the aggregator can treat stale or duplicate
// events as no-ops. Validation failures on create are typed errors
// (ErrUnknownProvider, ErrMissingParent, ...). Any other error means the
// store itself is unavailable and must propagate.
//
// Every mutating operation is a single atomic read-modify-write: a close
// racing an append on the same monolog resolves through the closed-state
// guard, never by corrupting content.
type MonologStore interface {
	// CreateSession is an idempotent upsert by external session id. An
	// existing session keeps its ref; non-nil title/directory refresh the
	// stored metadata.
	CreateSession(ctx context.Context, sessionID string, title, directory *string, createdAt time.Time) (int64, error)

	// GetSessionRef resolves an external session id to its store ref.
	GetSessionRef(ctx context.Context, sessionID string) (int64, bool, error)

	// CreateMonolog creates an open monolog and returns its id. Rejects an
	// assistant monolog without a parent and unknown provider/mode references.
	CreateMonolog(ctx context.Context, m NewMonolog) (int64, error)

	// GetOpenMonolog returns the open monolog for (session, role), or nil.
	// Should the single-open invariant ever be violated, the most recently
	// started open monolog wins.
	GetOpenMonolog(ctx context.Context, sessionRef int64, role Role) (*Monolog, error)

	// GetLatestClosedMonolog returns the most recently completed monolog for
	// (session, role), or nil. Used for parent resolution so the aggregator
	// never has to remember closed monologs in process memory.
	GetLatestClosedMonolog(ctx context.Context, sessionRef int64, role Role) (*Monolog, error)

	// AppendContent appends text to an open monolog, joined with a blank
	// line unless the current content is empty. messageID advances the
	// monolog's last-seen marker.
	AppendContent(ctx context.Context, monologID int64, messageID, text string) (bool, error)

	// ReplaceContent replaces an open monolog's content wholesale (streaming
	// updates supersede each other). Non-nil usage replaces the provisional
	// metrics, last value wins.
	ReplaceContent(ctx context.Context, monologID int64, messageID, text string, usage *Usage) (bool, error)

	// Close completes an open monolog. Returns false when the monolog is
	// missing or already closed; a second close is a no-op.
	Close(ctx context.Context, req CloseRequest) (bool, error)

	// ListMissingEmbedding returns closed monologs with non-empty content and
	// no embedding, ordered by completion time ascending, capped at limit.
	// Each call re-queries current state so the embedding pipeline is
	// restartable.
	ListMissingEmbedding(ctx context.Context, limit int) ([]*Monolog, error)

	// SetEmbedding attaches the vector to a monolog.
	SetEmbedding(ctx context.Context, monologID int64, vector []float32) (bool, error)

	// Search returns closed, embedded monologs ranked by cosine similarity
	// descending. An empty result is a valid outcome, not an error.
	Search(ctx context.Context, q SearchQuery) ([]SearchResult, error)
}
