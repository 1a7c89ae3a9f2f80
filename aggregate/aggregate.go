// Package aggregate turns the ordered stream of runtime events for a session
// into monolog lifecycle calls against a core.MonologStore.
//
// The aggregator is a state machine keyed by (session, role) whose only
// states are "no open monolog" and "open monolog". The open state lives in
// the store (the completed-at-is-null filter) and is re-queried on demand, so
// a process restart loses nothing. Events for one session are serialized
// through a per-session lock; events for different sessions proceed
// concurrently without coordination.
package aggregate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/olbrasoft/monolog/core"
	"github.com/olbrasoft/monolog/logging"
)

// DefaultUserParticipant is used when a user turn does not identify its
// author.
const DefaultUserParticipant = "user-local"

// Options configures an Aggregator.
type Options struct {
	// Quarantine receives payloads rejected by validation. Defaults to a
	// no-op sink.
	Quarantine core.QuarantineSink
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
	// Clock overrides time.Now for tests.
	Clock func() time.Time
	// UserParticipant is the fallback identifier for anonymous user turns.
	UserParticipant string
}

// Aggregator applies the monolog transition rules to incoming events.
type Aggregator struct {
	store      core.MonologStore
	quarantine core.QuarantineSink
	logger     logging.Logger
	now        func() time.Time
	userIdent  string

	mu       sync.Mutex
	sessions map[string]*sessionLock
}

// sessionLock serializes the events of one session. Entries are refcounted so
// the lock map holds only sessions with an event in flight; a long-running
// process does not accumulate one entry per session id ever seen.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an Aggregator over the given store.
func New(store core.MonologStore, optFns ...func(o *Options)) *Aggregator {
	opts := Options{
		Quarantine:      core.NoOpQuarantineSink{},
		Logger:          logging.NoOpLogger{},
		Clock:           func() time.Time { return time.Now().UTC() },
		UserParticipant: DefaultUserParticipant,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Aggregator{
		store:      store,
		quarantine: opts.Quarantine,
		logger:     logging.OrNoOp(opts.Logger),
		now:        opts.Clock,
		userIdent:  opts.UserParticipant,
		sessions:   make(map[string]*sessionLock),
	}
}

// HandleEvent processes one runtime event. Events of the same session are
// serialized; the call blocks while another event for that session is in
// flight. Validation failures are quarantined and logged, never returned;
// only store unavailability produces an error. A panic while processing is
// contained and logged so one malformed event cannot halt the stream.
func (a *Aggregator) HandleEvent(ctx context.Context, ev core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("event processing panicked", "session", ev.Session(), "panic", fmt.Sprintf("%v", r))
			err = nil
		}
	}()

	lock := a.acquireSession(ev.Session())
	defer a.releaseSession(ev.Session(), lock)

	switch ev := ev.(type) {
	case core.SessionUpserted:
		return a.handleSessionUpserted(ctx, ev)
	case core.TurnEvent:
		return a.handleTurn(ctx, ev.Turn)
	case core.SessionIdle:
		return a.closeOpen(ctx, ev.SessionID, ev.At, false)
	case core.SessionAborted:
		return a.closeOpen(ctx, ev.SessionID, ev.At, true)
	default:
		// Unreachable: core.Event is a closed set.
		a.logger.Error("unhandled event type", "event", fmt.Sprintf("%T", ev))
		return nil
	}
}

func (a *Aggregator) handleSessionUpserted(ctx context.Context, ev core.SessionUpserted) error {
	_, err := a.store.CreateSession(ctx, ev.SessionID, ev.Title, ev.Directory, ev.CreatedAt)
	return err
}

func (a *Aggregator) handleTurn(ctx context.Context, turn core.Turn) error {
	switch t := turn.(type) {
	case core.UserTurn:
		return a.handleUserTurn(ctx, t)
	case core.AssistantTurn:
		return a.handleAssistantTurn(ctx, t)
	default:
		a.logger.Error("unhandled turn type", "turn", fmt.Sprintf("%T", t))
		return nil
	}
}

// handleUserTurn closes a streaming assistant monolog if one is open, then
// either extends the open user monolog or starts a new one parented to the
// most recently closed assistant monolog.
func (a *Aggregator) handleUserTurn(ctx context.Context, t core.UserTurn) error {
	if strings.TrimSpace(t.Text) == "" {
		a.logger.Warn("user turn without content", "session", t.SessionID, "message", t.MessageID)
		return a.quarantine.Quarantine(ctx, "empty user turn content", t)
	}

	ref, err := a.store.CreateSession(ctx, t.SessionID, nil, nil, t.Timestamp)
	if err != nil {
		return err
	}

	// The other participant speaking ends the assistant's run.
	openAssistant, err := a.store.GetOpenMonolog(ctx, ref, core.RoleAssistant)
	if err != nil {
		return err
	}
	if openAssistant != nil {
		if err := a.closeMonolog(ctx, openAssistant, a.turnTime(t.Timestamp), false); err != nil {
			return err
		}
	}

	openUser, err := a.store.GetOpenMonolog(ctx, ref, core.RoleUser)
	if err != nil {
		return err
	}
	if openUser != nil {
		ok, err := a.store.AppendContent(ctx, openUser.ID, t.MessageID, t.Text)
		if err != nil {
			return err
		}
		if !ok {
			// Raced a close; the turn still deserves its own monolog.
			a.logger.Debug("append hit a closed monolog, creating a new one", "monolog", openUser.ID)
			return a.createUserMonolog(ctx, ref, t)
		}
		return nil
	}

	return a.createUserMonolog(ctx, ref, t)
}

func (a *Aggregator) createUserMonolog(ctx context.Context, ref int64, t core.UserTurn) error {
	var parent *int64
	lastAssistant, err := a.store.GetLatestClosedMonolog(ctx, ref, core.RoleAssistant)
	if err != nil {
		return err
	}
	if lastAssistant != nil {
		parent = &lastAssistant.ID
	}

	participant := t.Participant
	if participant == "" {
		participant = a.userIdent
	}
	id, err := a.store.CreateMonolog(ctx, core.NewMonolog{
		SessionRef:     ref,
		ParentID:       parent,
		Role:           core.RoleUser,
		FirstMessageID: t.MessageID,
		Content:        t.Text,
		Participant:    participant,
		Provider:       core.ProviderHumanInput,
		Mode:           core.ModeBuild,
		StartedAt:      a.turnTime(t.Timestamp),
	})
	if err != nil {
		if core.IsValidation(err) {
			a.logger.Warn("user monolog rejected", "session", t.SessionID, "message", t.MessageID, "error", err)
			return a.quarantine.Quarantine(ctx, err.Error(), t)
		}
		return err
	}
	a.logger.Debug("user monolog opened", "monolog", id, "session", t.SessionID)
	return nil
}

// handleAssistantTurn closes an open user monolog (which becomes the parent)
// and opens an assistant monolog, or replaces the content of the already open
// one: streaming updates supersede, they do not concatenate.
func (a *Aggregator) handleAssistantTurn(ctx context.Context, t core.AssistantTurn) error {
	if strings.TrimSpace(t.Text) == "" {
		// Streaming runtimes emit empty early fragments; nothing to record yet.
		a.logger.Debug("assistant turn without content skipped", "session", t.SessionID, "message", t.MessageID)
		return nil
	}

	ref, err := a.store.CreateSession(ctx, t.SessionID, nil, nil, t.Timestamp)
	if err != nil {
		return err
	}

	openUser, err := a.store.GetOpenMonolog(ctx, ref, core.RoleUser)
	if err != nil {
		return err
	}
	if openUser != nil {
		if err := a.closeMonolog(ctx, openUser, a.turnTime(t.Timestamp), false); err != nil {
			return err
		}
		return a.createAssistantMonolog(ctx, ref, t, &openUser.ID, false)
	}

	openAssistant, err := a.store.GetOpenMonolog(ctx, ref, core.RoleAssistant)
	if err != nil {
		return err
	}
	if openAssistant != nil {
		ok, err := a.store.ReplaceContent(ctx, openAssistant.ID, t.MessageID, t.Text, t.Usage)
		if err != nil {
			return err
		}
		if !ok {
			a.logger.Debug("replace hit a closed monolog", "monolog", openAssistant.ID)
		}
		return nil
	}

	// Defensive fallback: an assistant turn with no open monolog of either
	// role. Parent onto the last closed user monolog when the session has
	// one; otherwise the store rejects the create and the payload is
	// quarantined.
	var parent *int64
	lastUser, err := a.store.GetLatestClosedMonolog(ctx, ref, core.RoleUser)
	if err != nil {
		return err
	}
	if lastUser != nil {
		parent = &lastUser.ID
	}
	a.logger.Warn("assistant turn without an open user monolog",
		"session", t.SessionID, "message", t.MessageID, "parent_resolved", parent != nil)
	return a.createAssistantMonolog(ctx, ref, t, parent, true)
}

func (a *Aggregator) createAssistantMonolog(ctx context.Context, ref int64, t core.AssistantTurn, parent *int64, anomaly bool) error {
	mode := t.Mode
	if !mode.Valid() {
		mode = core.ModeBuild
	}
	id, err := a.store.CreateMonolog(ctx, core.NewMonolog{
		SessionRef:     ref,
		ParentID:       parent,
		Role:           core.RoleAssistant,
		FirstMessageID: t.MessageID,
		Content:        t.Text,
		Participant:    t.Participant,
		Provider:       core.NormalizeProvider(t.Provider),
		Mode:           mode,
		Usage:          t.Usage,
		StartedAt:      a.turnTime(t.Timestamp),
	})
	if err != nil {
		if core.IsValidation(err) {
			a.logger.Warn("assistant monolog rejected", "session", t.SessionID, "message", t.MessageID, "error", err)
			return a.quarantine.Quarantine(ctx, err.Error(), t)
		}
		return err
	}
	if anomaly {
		a.logger.Warn("assistant monolog opened on fallback path", "monolog", id, "session", t.SessionID)
	} else {
		a.logger.Debug("assistant monolog opened", "monolog", id, "session", t.SessionID)
	}
	return nil
}

// closeOpen closes any remaining open monologs of the session, both roles.
// Used for idle (aborted=false) and abort (aborted=true) signals. The signal
// itself never opens a new monolog.
func (a *Aggregator) closeOpen(ctx context.Context, sessionID string, at time.Time, aborted bool) error {
	ref, ok, err := a.store.GetSessionRef(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for _, role := range []core.Role{core.RoleAssistant, core.RoleUser} {
		m, err := a.store.GetOpenMonolog(ctx, ref, role)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		if err := a.closeMonolog(ctx, m, a.turnTime(at), aborted); err != nil {
			return err
		}
	}
	return nil
}

// closeMonolog closes m tagging the last message folded into it while open.
// Usage metrics accumulated on the row stay as they are: the close applies no
// override, so the last reported value wins.
func (a *Aggregator) closeMonolog(ctx context.Context, m *core.Monolog, at time.Time, aborted bool) error {
	ok, err := a.store.Close(ctx, core.CloseRequest{
		MonologID:     m.ID,
		LastMessageID: m.LastSeenMessageID,
		CompletedAt:   at,
		IsAborted:     aborted,
	})
	if err != nil {
		return err
	}
	if !ok {
		a.logger.Debug("monolog already closed", "monolog", m.ID)
		return nil
	}
	a.logger.Debug("monolog closed", "monolog", m.ID, "role", m.Role.String(), "aborted", aborted)
	return nil
}

func (a *Aggregator) turnTime(t time.Time) time.Time {
	if t.IsZero() {
		return a.now()
	}
	return t
}

// acquireSession takes the serialization lock for a session, creating the
// entry on first use. The refcount covers both the holder and any waiters so
// releaseSession never deletes a lock someone still shares.
func (a *Aggregator) acquireSession(sessionID string) *sessionLock {
	a.mu.Lock()
	lock, ok := a.sessions[sessionID]
	if !ok {
		lock = &sessionLock{}
		a.sessions[sessionID] = lock
	}
	lock.refs++
	a.mu.Unlock()

	lock.mu.Lock()
	return lock
}

// releaseSession unlocks and drops the map entry once no event holds or waits
// on it.
func (a *Aggregator) releaseSession(sessionID string, lock *sessionLock) {
	lock.mu.Unlock()
	a.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(a.sessions, sessionID)
	}
	a.mu.Unlock()
}
