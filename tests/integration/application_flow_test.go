package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curator/internal/application"
	"curator/internal/blockgraph"
	"curator/internal/consolidation"
	"curator/internal/entitystore"
	"curator/internal/proposal"
)

// Covers the full manual-apply path against real storage: two agreeing
// proposals are consolidated, their approved blocks written downstream in
// dependency order, and the group archived.
func TestApplicationFlow_ApplyApprovedGroup(t *testing.T) {
	infra := SetupTestInfra(t)

	ctx := context.Background()
	log := createTestLogger()

	repo := proposal.NewRepository(infra.PostgresDB)
	engine := consolidation.NewEngine(log)
	entities := entitystore.NewPostgresStore(infra.PostgresDB, 10*time.Second)
	executor := application.NewExecutor(repo, entities, nil, log)

	key := proposal.TargetKey{EventID: "ev-1", EditionID: "ed-2026"}
	changes := map[string]proposal.FieldChange{
		"name":      {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.9},
		"startDate": {New: proposal.DateValue("2026-06-01"), Confidence: 0.9},
	}

	first := createTestProposal("agent-a", key, changes)
	require.NoError(t, repo.Create(ctx, first))
	second := createTestProposal("agent-b", key, changes)
	require.NoError(t, repo.Create(ctx, second))

	approved := map[blockgraph.BlockType]bool{
		blockgraph.BlockEvent:   true,
		blockgraph.BlockEdition: true,
	}
	for _, id := range []string{first.ID, second.ID} {
		require.NoError(t, repo.UpdateApprovedBlocks(ctx, id, approved))
		require.NoError(t, repo.UpdateStatus(ctx, id, proposal.StatusPartiallyApproved))
	}

	pending, err := repo.FindPendingByTargetKey(ctx, key)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	group := engine.Consolidate(pending)

	// Identical proposals collapse: the later one is superseded by the
	// earlier and both values still reach consensus.
	require.Len(t, group.Superseded, 1)
	require.NoError(t, executor.ArchiveSuperseded(ctx, group))

	result, err := executor.Apply(ctx, group, application.TriggerManual)
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Len(t, result.Applied, 2)

	eventFields := readEntityFields(t, infra, key, "event")
	assert.Contains(t, string(eventFields["name"]), "Lakeside Ultra")
	editionFields := readEntityFields(t, infra, key, "edition")
	assert.Contains(t, string(editionFields["startDate"]), "2026-06-01")

	for _, id := range []string{first.ID, second.ID} {
		p, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, proposal.StatusArchived, p.Status)
	}

	applications, err := repo.ListApplicationsByTargetKey(ctx, key)
	require.NoError(t, err)
	require.Len(t, applications, 2)
	for _, app := range applications {
		assert.Equal(t, proposal.ApplicationApplied, app.Status)
		assert.NotNil(t, app.AppliedAt)
	}

	// A second apply of the same group is a no-op.
	repeat, err := repo.FindPendingByTargetKey(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, repeat)
}
