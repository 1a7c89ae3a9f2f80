package aggregate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olbrasoft/monolog/core"
	"github.com/olbrasoft/monolog/store"
)

// recordingSink captures quarantined payloads for assertions.
type recordingSink struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingSink) Quarantine(_ context.Context, reason string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

func newTestAggregator(sink core.QuarantineSink) (*Aggregator, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	agg := New(st, func(o *Options) {
		if sink != nil {
			o.Quarantine = sink
		}
	})
	return agg, st
}

func userTurn(session, message, text string, at time.Time) core.TurnEvent {
	return core.TurnEvent{Turn: core.UserTurn{SessionID: session, MessageID: message, Text: text, Timestamp: at}}
}

func assistantTurn(session, message, text string, at time.Time, usage *core.Usage) core.TurnEvent {
	return core.TurnEvent{Turn: core.AssistantTurn{
		SessionID:   session,
		MessageID:   message,
		Text:        text,
		Timestamp:   at,
		Participant: "claude-sonnet-4",
		Provider:    "anthropic",
		Mode:        core.ModeBuild,
		Usage:       usage,
	}}
}

func TestAggregator_BasicExchange(t *testing.T) {
	agg, st := newTestAggregator(nil)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, agg.HandleEvent(ctx, userTurn("ses_1", "u1", "please fix the bug", base)))

	ref, ok, err := st.GetSessionRef(ctx, "ses_1")
	require.NoError(t, err)
	require.True(t, ok)

	openUser, err := st.GetOpenMonolog(ctx, ref, core.RoleUser)
	require.NoError(t, err)
	require.NotNil(t, openUser)
	assert.Equal(t, "please fix the bug", openUser.Content)
	assert.Nil(t, openUser.ParentMonologID)

	// The assistant speaking closes the user monolog and opens its own,
	// parented to it.
	require.NoError(t, agg.HandleEvent(ctx, assistantTurn("ses_1", "a1", "Looking at it", base.Add(time.Second), nil)))

	closedUser, err := st.GetLatestClosedMonolog(ctx, ref, core.RoleUser)
	require.NoError(t, err)
	require.NotNil(t, closedUser)
	assert.Equal(t, openUser.ID, closedUser.ID)
	require.NotNil(t, closedUser.LastMessageID)
	assert.Equal(t, "u1", *closedUser.LastMessageID)

	openAssistant, err := st.GetOpenMonolog(ctx, ref, core.RoleAssistant)
	require.NoError(t, err)
	require.NotNil(t, openAssistant)
	require.NotNil(t, openAssistant.ParentMonologID)
	assert.Equal(t, closedUser.ID, *openAssistant.ParentMonologID)

	// Streaming updates supersede the content instead of appending.
	require.NoError(t, agg.HandleEvent(ctx, assistantTurn("ses_1", "a1", "Looking at it now, found the off-by-one", base.Add(2*time.Second), nil)))
	openAssistant, _ = st.GetOpenMonolog(ctx, ref, core.RoleAssistant)
	assert.Equal(t, "Looking at it now, found the off-by-one", openAssistant.Content)

	// The user speaking again closes the assistant monolog.
	require.NoError(t, agg.HandleEvent(ctx, userTurn("ses_1", "u2", "thanks, ship it", base.Add(3*time.Second))))
	closedAssistant, err := st.GetLatestClosedMonolog(ctx, ref, core.RoleAssistant)
	require.NoError(t, err)
	require.NotNil(t, closedAssistant)
	assert.Equal(t, openAssistant.ID, closedAssistant.ID)

	// The follow-up user monolog is parented to the closed assistant one.
	openUser2, _ := st.GetOpenMonolog(ctx, ref, core.RoleUser)
	require.NotNil(t, openUser2)
	require.NotNil(t, openUser2.ParentMonologID)
	assert.Equal(t, closedAssistant.ID, *openUser2.ParentMonologID)
}

func TestAggregator_ConsecutiveUserTurnsAppend(t *testing.T) {
	agg, st := newTestAggregator(nil)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, agg.HandleEvent(ctx, userTurn("ses_1", "u1", "first thought", base)))
	require.NoError(t, agg.HandleEvent(ctx, userTurn("ses_1", "u2", "second thought", base.Add(time.Second))))

	ref, _, _ := st.GetSessionRef(ctx, "ses_1")
	m, err := st.GetOpenMonolog(ctx, ref, core.RoleUser)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "first thought\n\nsecond thought", m.Content)
	assert.Equal(t, "u1", m.FirstMessageID)
	assert.Equal(t, "u2", m.LastSeenMessageID)
}

func TestAggregator_IdleClosesOpenMonologs(t *testing.T) {
	agg, st := newTestAggregator(nil)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, agg.HandleEvent(ctx, userTurn("ses_1", "u1", "hello", base)))
	require.NoError(t, agg.HandleEvent(ctx, core.SessionIdle{SessionID: "ses_1", At: base.Add(time.Minute)}))

	ref, _, _ := st.GetSessionRef(ctx, "ses_1")
	open, _ := st.GetOpenMonolog(ctx, ref, core.RoleUser)
	assert.Nil(t, open)

	closed, _ := st.GetLatestClosedMonolog(ctx, ref, core.RoleUser)
	require.NotNil(t, closed)
	assert.False(t, closed.IsAborted)
	require.NotNil(t, closed.LastMessageID)
	assert.Equal(t, "u1", *closed.LastMessageID)

	// Idle on a session without open monologs is a no-op.
	require.NoError(t, agg.HandleEvent(ctx, core.SessionIdle{SessionID: "ses_1", At: base.Add(2 * time.Minute)}))
	// Idle on an unknown session is too.
	require.NoError(t, agg.HandleEvent(ctx, core.SessionIdle{SessionID: "ses_never_seen", At: base}))
}

func TestAggregator_AbortMarksMonolog(t *testing.T) {
	agg, st := newTestAggregator(nil)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, agg.HandleEvent(ctx, userTurn("ses_1", "u1", "do the thing", base)))
	require.NoError(t, agg.HandleEvent(ctx, assistantTurn("ses_1", "a1", "Working on it", base.Add(time.Second), nil)))
	require.NoError(t, agg.HandleEvent(ctx, core.SessionAborted{SessionID: "ses_1", At: base.Add(2 * time.Second)}))

	ref, _, _ := st.GetSessionRef(ctx, "ses_1")
	closed, _ := st.GetLatestClosedMonolog(ctx, ref, core.RoleAssistant)
	require.NotNil(t, closed)
	assert.True(t, closed.IsAborted)
	assert.Equal(t, "Working on it", closed.Content)
}

func TestAggregator_EmptyUserTurnQuarantined(t *testing.T) {
	sink := &recordingSink{}
	agg, st := newTestAggregator(sink)
	ctx := context.Background()

	require.NoError(t, agg.HandleEvent(ctx, userTurn("ses_1", "u1", "   \n ", time.Now())))
	assert.Equal(t, 1, sink.count())

	// Nothing was persisted for the session.
	_, ok, _ := st.GetSessionRef(ctx, "ses_1")
	assert.False(t, ok)
}

func TestAggregator_EmptyAssistantTurnSkipped(t *testing.T) {
	sink := &recordingSink{}
	agg, st := newTestAggregator(sink)
	ctx := context.Background()

	// Streaming runtimes emit empty early fragments; they are dropped, not
	// quarantined.
	require.NoError(t, agg.HandleEvent(ctx, assistantTurn("ses_1", "a1", "", time.Now(), nil)))
	assert.Equal(t, 0, sink.count())
	_, ok, _ := st.GetSessionRef(ctx, "ses_1")
	assert.False(t, ok)
}

func TestAggregator_AssistantFallbackParent(t *testing.T) {
	agg, st := newTestAggregator(nil)
	ctx := context.Background()
	base := time.Now().UTC()

	// Complete exchange, then idle so nothing is open.
	require.NoError(t, agg.HandleEvent(ctx, userTurn("ses_1", "u1", "question", base)))
	require.NoError(t, agg.HandleEvent(ctx, core.SessionIdle{SessionID: "ses_1", At: base.Add(time.Second)}))

	ref, _, _ := st.GetSessionRef(ctx, "ses_1")
	closedUser, _ := st.GetLatestClosedMonolog(ctx, ref, core.RoleUser)
	require.NotNil(t, closedUser)

	// An assistant turn arriving out of band parents onto the latest closed
	// user monolog.
	require.NoError(t, agg.HandleEvent(ctx, assistantTurn("ses_1", "a9", "late answer", base.Add(time.Minute), nil)))
	open, _ := st.GetOpenMonolog(ctx, ref, core.RoleAssistant)
	require.NotNil(t, open)
	require.NotNil(t, open.ParentMonologID)
	assert.Equal(t, closedUser.ID, *open.ParentMonologID)
}

func TestAggregator_OrphanAssistantTurnQuarantined(t *testing.T) {
	sink := &recordingSink{}
	agg, st := newTestAggregator(sink)
	ctx := context.Background()

	// No user monolog exists at all; the create is rejected and the payload
	// quarantined instead of persisting a parentless assistant monolog.
	require.NoError(t, agg.HandleEvent(ctx, assistantTurn("ses_1", "a1", "hello?", time.Now(), nil)))
	assert.Equal(t, 1, sink.count())

	ref, ok, _ := st.GetSessionRef(ctx, "ses_1")
	require.True(t, ok)
	open, _ := st.GetOpenMonolog(ctx, ref, core.RoleAssistant)
	assert.Nil(t, open)
}

func TestAggregator_UnknownProviderQuarantined(t *testing.T) {
	sink := &recordingSink{}
	agg, st := newTestAggregator(sink)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, agg.HandleEvent(ctx, userTurn("ses_1", "u1", "hi", base)))
	ev := core.TurnEvent{Turn: core.AssistantTurn{
		SessionID: "ses_1", MessageID: "a1", Text: "answer",
		Participant: "mystery-model", Provider: "mystery-cloud", Mode: core.ModeBuild,
		Timestamp: base.Add(time.Second),
	}}
	require.NoError(t, agg.HandleEvent(ctx, ev))
	assert.Equal(t, 1, sink.count())

	// The user monolog was still closed by the assistant speaking; the
	// rejected turn just never became a monolog.
	ref, _, _ := st.GetSessionRef(ctx, "ses_1")
	open, _ := st.GetOpenMonolog(ctx, ref, core.RoleAssistant)
	assert.Nil(t, open)
}

func TestAggregator_UsageLastValueWins(t *testing.T) {
	agg, st := newTestAggregator(nil)
	ctx := context.Background()
	base := time.Now().UTC()

	in1, out1 := int64(10), int64(1)
	in2, out2 := int64(10), int64(50)
	cost := 0.004

	require.NoError(t, agg.HandleEvent(ctx, userTurn("ses_1", "u1", "question", base)))
	require.NoError(t, agg.HandleEvent(ctx, assistantTurn("ses_1", "a1", "partial", base.Add(time.Second), &core.Usage{TokensInput: &in1, TokensOutput: &out1})))
	require.NoError(t, agg.HandleEvent(ctx, assistantTurn("ses_1", "a1", "complete answer", base.Add(2*time.Second), &core.Usage{TokensInput: &in2, TokensOutput: &out2, Cost: &cost})))
	require.NoError(t, agg.HandleEvent(ctx, core.SessionIdle{SessionID: "ses_1", At: base.Add(3 * time.Second)}))

	ref, _, _ := st.GetSessionRef(ctx, "ses_1")
	m, _ := st.GetLatestClosedMonolog(ctx, ref, core.RoleAssistant)
	require.NotNil(t, m)
	assert.Equal(t, "complete answer", m.Content)
	require.NotNil(t, m.TokensOutput)
	assert.Equal(t, int64(50), *m.TokensOutput)
	require.NotNil(t, m.Cost)
	assert.Equal(t, 0.004, *m.Cost)
}

func TestAggregator_SessionUpsertRefreshesMetadata(t *testing.T) {
	agg, st := newTestAggregator(nil)
	ctx := context.Background()

	title := "refactoring session"
	require.NoError(t, agg.HandleEvent(ctx, core.SessionUpserted{SessionID: "ses_1", CreatedAt: time.Now()}))
	require.NoError(t, agg.HandleEvent(ctx, core.SessionUpserted{SessionID: "ses_1", Title: &title}))

	_, ok, err := st.GetSessionRef(ctx, "ses_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAggregator_SessionLocksArePruned(t *testing.T) {
	agg, _ := newTestAggregator(nil)
	ctx := context.Background()
	base := time.Now().UTC()

	// Many sessions, many events each, partly concurrent.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		session := fmt.Sprintf("ses_%d", i)
		wg.Add(1)
		go func(session string) {
			defer wg.Done()
			_ = agg.HandleEvent(ctx, userTurn(session, "u1", "hello", base))
			_ = agg.HandleEvent(ctx, assistantTurn(session, "a1", "hi", base.Add(time.Second), nil))
			_ = agg.HandleEvent(ctx, core.SessionIdle{SessionID: session, At: base.Add(time.Minute)})
		}(session)
	}
	wg.Wait()

	// With no event in flight the lock map holds nothing, regardless of how
	// many sessions were ever seen.
	agg.mu.Lock()
	remaining := len(agg.sessions)
	agg.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestAggregator_SessionsAreIndependent(t *testing.T) {
	agg, st := newTestAggregator(nil)
	ctx := context.Background()
	base := time.Now().UTC()

	var wg sync.WaitGroup
	for _, session := range []string{"ses_a", "ses_b", "ses_c"} {
		wg.Add(1)
		go func(session string) {
			defer wg.Done()
			_ = agg.HandleEvent(ctx, userTurn(session, "u1", "hello from "+session, base))
			_ = agg.HandleEvent(ctx, userTurn(session, "u2", "more", base.Add(time.Second)))
		}(session)
	}
	wg.Wait()

	for _, session := range []string{"ses_a", "ses_b", "ses_c"} {
		ref, ok, err := st.GetSessionRef(ctx, session)
		require.NoError(t, err)
		require.True(t, ok, session)
		m, err := st.GetOpenMonolog(ctx, ref, core.RoleUser)
		require.NoError(t, err)
		require.NotNil(t, m, session)
		assert.Equal(t, "hello from "+session+"\n\nmore", m.Content)
	}
}
