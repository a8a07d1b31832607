package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShareStartsExperimental(t *testing.T) {
	hub := NewHub(nil, nil)
	item := hub.Share(context.Background(), "pattern", "retry with backoff",
		"wrap provider calls in jittered exponential backoff", PriorityMedium, []string{"retry", "backoff"})
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, StateExperimental, item.State)

	got, ok := hub.Get(item.ID)
	require.True(t, ok)
	assert.Equal(t, "retry with backoff", got.Title)
}

func TestQueryRanksPriorityThenOverlapThenRecency(t *testing.T) {
	hub := NewHub(nil, nil)
	ctx := context.Background()
	low := hub.Share(ctx, "pattern", "low", "x", PriorityLow, []string{"docker", "compose"})
	critical := hub.Share(ctx, "pattern", "critical", "x", PriorityCritical, []string{"docker"})
	medium := hub.Share(ctx, "pattern", "medium", "x", PriorityMedium, []string{"docker", "compose", "network"})

	got := hub.Query(ctx, "docker compose networking", 10)
	require.Len(t, got, 3)
	assert.Equal(t, critical.ID, got[0].ID)
	assert.Equal(t, medium.ID, got[1].ID)
	assert.Equal(t, low.ID, got[2].ID)
}

func TestQuerySkipsArchivedAndUnrelated(t *testing.T) {
	hub := NewHub(nil, nil)
	ctx := context.Background()
	hub.Share(ctx, "pattern", "unrelated", "x", PriorityCritical, []string{"ffmpeg"})
	dead := hub.Share(ctx, "pattern", "dead", "x", PriorityCritical, []string{"docker"})

	// Drive the item to deprecated, then archive it.
	for i := 0; i < 3; i++ {
		hub.RecordUsage(dead.ID, false)
	}
	require.True(t, hub.Archive(dead.ID))

	got := hub.Query(ctx, "docker setup", 10)
	assert.Empty(t, got)
}

func TestStateMachineValidates(t *testing.T) {
	hub := NewHub(nil, nil)
	item := hub.Share(context.Background(), "pattern", "p", "c", PriorityMedium, []string{"x"})

	var state ItemState
	for i := 0; i < 5; i++ {
		var ok bool
		state, ok = hub.RecordUsage(item.ID, true)
		require.True(t, ok)
	}
	assert.Equal(t, StateValidated, state)
}

func TestStateMachineDeprecatesOnLowRate(t *testing.T) {
	hub := NewHub(nil, nil)
	item := hub.Share(context.Background(), "pattern", "p", "c", PriorityMedium, []string{"x"})

	hub.RecordUsage(item.ID, false)
	hub.RecordUsage(item.ID, false)
	state, _ := hub.RecordUsage(item.ID, false)
	assert.Equal(t, StateDeprecated, state)
}

func TestValidatedCanStillDeprecate(t *testing.T) {
	hub := NewHub(nil, nil)
	item := hub.Share(context.Background(), "pattern", "p", "c", PriorityMedium, []string{"x"})
	for i := 0; i < 5; i++ {
		hub.RecordUsage(item.ID, true)
	}
	// Enough failures to pull the overall rate under the floor.
	var state ItemState
	for i := 0; i < 9; i++ {
		state, _ = hub.RecordUsage(item.ID, false)
	}
	assert.Equal(t, StateDeprecated, state)
}

func TestArchiveRequiresDeprecated(t *testing.T) {
	hub := NewHub(nil, nil)
	item := hub.Share(context.Background(), "pattern", "p", "c", PriorityMedium, []string{"x"})
	assert.False(t, hub.Archive(item.ID))
}

func TestVote(t *testing.T) {
	hub := NewHub(nil, nil)
	item := hub.Share(context.Background(), "pattern", "p", "c", PriorityMedium, []string{"x"})
	require.True(t, hub.Vote(item.ID, true))
	require.True(t, hub.Vote(item.ID, true))
	require.True(t, hub.Vote(item.ID, false))
	got, _ := hub.Get(item.ID)
	assert.Equal(t, 1, got.Votes)
	assert.False(t, hub.Vote("missing", true))
}

func TestReviseKeepsVersionHistory(t *testing.T) {
	hub := NewHub(nil, nil)
	item := hub.Share(context.Background(), "pattern", "p", "first version", PriorityMedium, []string{"x"})
	require.True(t, hub.Revise(item.ID, "second version"))

	got, _ := hub.Get(item.ID)
	assert.Equal(t, "second version", got.Content)
	require.Len(t, got.Versions, 1)
	assert.Equal(t, "first version", got.Versions[0].Content)
	assert.NotEmpty(t, got.Versions[0].ChangeNote)
}

func TestSubscribeReceivesShares(t *testing.T) {
	hub := NewHub(nil, nil)
	ch := hub.Subscribe()
	shared := hub.Share(context.Background(), "pattern", "live", "c", PriorityHigh, nil)
	got := <-ch
	assert.Equal(t, shared.ID, got.ID)
}
