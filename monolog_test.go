package monolog

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olbrasoft/monolog/core"
)

func seedEmbedded(t *testing.T, svc *Service, session string, sims []float64) {
	t.Helper()
	ctx := context.Background()
	ref, err := svc.Store().CreateSession(ctx, session, nil, nil, time.Now())
	require.NoError(t, err)
	for _, sim := range sims {
		id, err := svc.Store().CreateMonolog(ctx, core.NewMonolog{
			SessionRef: ref, Role: core.RoleUser, FirstMessageID: "m1",
			Content: "content", Participant: "user-local",
			Provider: core.ProviderHumanInput, Mode: core.ModeBuild,
		})
		require.NoError(t, err)
		ok, err := svc.Store().Close(ctx, core.CloseRequest{MonologID: id, CompletedAt: time.Now()})
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = svc.Store().SetEmbedding(ctx, id, []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))})
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestServiceSearchDefaults(t *testing.T) {
	svc := New()
	// 12 monologs above the default threshold, 2 below it.
	sims := make([]float64, 0, 14)
	for i := 0; i < 12; i++ {
		sims = append(sims, 0.95-float64(i)*0.01)
	}
	sims = append(sims, 0.3, 0.2)
	seedEmbedded(t, svc, "ses_1", sims)

	results, err := svc.Search(context.Background(), SearchRequest{Vector: []float32{1, 0}})
	require.NoError(t, err)
	// Default limit is 10, default minimum similarity 0.5.
	assert.Len(t, results, DefaultSearchLimit)
	for _, res := range results {
		assert.GreaterOrEqual(t, res.Similarity, DefaultMinSimilarity)
	}
}

func TestServiceSearchUnknownSession(t *testing.T) {
	svc := New()
	seedEmbedded(t, svc, "ses_1", []float64{0.9})

	results, err := svc.Search(context.Background(), SearchRequest{
		Vector:    []float32{1, 0},
		SessionID: "ses_never_seen",
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestServiceSearchClampsMinSimilarity(t *testing.T) {
	svc := New()
	seedEmbedded(t, svc, "ses_1", []float64{0.9})

	tooLow := -3.5
	results, err := svc.Search(context.Background(), SearchRequest{
		Vector:        []float32{1, 0},
		MinSimilarity: &tooLow,
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestServiceEndToEnd(t *testing.T) {
	svc := New()
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, svc.HandleEvent(ctx, core.SessionUpserted{SessionID: "ses_1", CreatedAt: base}))
	require.NoError(t, svc.HandleEvent(ctx, core.TurnEvent{Turn: core.UserTurn{
		SessionID: "ses_1", MessageID: "u1", Text: "what does this regex do", Timestamp: base,
	}}))
	require.NoError(t, svc.HandleEvent(ctx, core.TurnEvent{Turn: core.AssistantTurn{
		SessionID: "ses_1", MessageID: "a1", Text: "It matches trailing whitespace",
		Participant: "claude-sonnet-4", Provider: "anthropic", Mode: core.ModeBuild,
		Timestamp: base.Add(time.Second),
	}}))
	require.NoError(t, svc.HandleEvent(ctx, core.SessionIdle{SessionID: "ses_1", At: base.Add(time.Minute)}))

	ref, ok, err := svc.Store().GetSessionRef(ctx, "ses_1")
	require.NoError(t, err)
	require.True(t, ok)

	user, err := svc.Store().GetLatestClosedMonolog(ctx, ref, core.RoleUser)
	require.NoError(t, err)
	require.NotNil(t, user)
	assistant, err := svc.Store().GetLatestClosedMonolog(ctx, ref, core.RoleAssistant)
	require.NoError(t, err)
	require.NotNil(t, assistant)
	require.NotNil(t, assistant.ParentMonologID)
	assert.Equal(t, user.ID, *assistant.ParentMonologID)

	// Both closed monologs are now embedding candidates.
	pending, err := svc.Store().ListMissingEmbedding(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
