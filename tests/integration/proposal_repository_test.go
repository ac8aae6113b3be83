package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curator/internal/blockgraph"
	"curator/internal/proposal"
	pkgerrors "curator/pkg/errors"
)

func TestProposalRepository_CreateAndGet(t *testing.T) {
	infra := SetupTestInfra(t)

	repo := proposal.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	key := proposal.TargetKey{EventID: "ev-1", EditionID: "ed-2026"}
	p := createTestProposal("agent-a", key, map[string]proposal.FieldChange{
		"name":      {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.9},
		"startDate": {New: proposal.DateValue("2026-06-01"), Confidence: 0.85},
	})

	err := repo.Create(ctx, p)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.False(t, p.CreatedAt.IsZero())

	retrieved, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, retrieved.ID)
	assert.Equal(t, "agent-a", retrieved.AgentID)
	assert.Equal(t, key, retrieved.TargetKey)
	assert.Equal(t, proposal.StatusPending, retrieved.Status)
	assert.Equal(t, proposal.ScalarValue("Lakeside Ultra"), retrieved.Changes["name"].New)
	assert.Equal(t, proposal.DateValue("2026-06-01"), retrieved.Changes["startDate"].New)
	assert.Equal(t, 0.85, retrieved.Changes["startDate"].Confidence)
}

func TestProposalRepository_Get_NotFound(t *testing.T) {
	infra := SetupTestInfra(t)

	repo := proposal.NewRepository(infra.PostgresDB)

	_, err := repo.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestProposalRepository_DuplicateOpenSubmission(t *testing.T) {
	infra := SetupTestInfra(t)

	repo := proposal.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	key := proposal.TargetKey{EventID: "ev-1"}
	first := createTestProposal("agent-a", key, nil)
	require.NoError(t, repo.Create(ctx, first))

	duplicate := createTestProposal("agent-a", key, nil)
	err := repo.Create(ctx, duplicate)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConflict(err))

	// The same submission from a different agent is not a duplicate.
	other := createTestProposal("agent-b", key, nil)
	assert.NoError(t, repo.Create(ctx, other))
}

func TestProposalRepository_FindPendingByTargetKey(t *testing.T) {
	infra := SetupTestInfra(t)

	repo := proposal.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	key := proposal.TargetKey{EventID: "ev-1", EditionID: "ed-2026"}
	open := createTestProposal("agent-a", key, nil)
	require.NoError(t, repo.Create(ctx, open))

	rejected := createTestProposal("agent-b", key, nil)
	require.NoError(t, repo.Create(ctx, rejected))
	require.NoError(t, repo.UpdateStatus(ctx, rejected.ID, proposal.StatusRejected))

	otherKey := createTestProposal("agent-a", proposal.TargetKey{EventID: "ev-2"}, nil)
	require.NoError(t, repo.Create(ctx, otherKey))

	pending, err := repo.FindPendingByTargetKey(ctx, key)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, open.ID, pending[0].ID)

	all, err := repo.FindByTargetKey(ctx, key)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestProposalRepository_ListPendingTargetKeys_FIFO(t *testing.T) {
	infra := SetupTestInfra(t)

	repo := proposal.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	keys := []proposal.TargetKey{
		{EventID: "ev-1"},
		{EventID: "ev-2"},
		{EventID: "ev-3"},
	}
	for i, key := range keys {
		p := createTestProposal("agent-a", key, nil)
		require.NoError(t, repo.Create(ctx, p))
		if i < len(keys)-1 {
			time.Sleep(10 * time.Millisecond)
		}
	}

	listed, err := repo.ListPendingTargetKeys(ctx, 2)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "ev-1", listed[0].EventID)
	assert.Equal(t, "ev-2", listed[1].EventID)
}

func TestProposalRepository_UpdateStatus(t *testing.T) {
	infra := SetupTestInfra(t)

	repo := proposal.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	p := createTestProposal("agent-a", proposal.TargetKey{EventID: "ev-1"}, nil)
	require.NoError(t, repo.Create(ctx, p))

	require.NoError(t, repo.UpdateStatus(ctx, p.ID, proposal.StatusPartiallyApproved))
	require.NoError(t, repo.UpdateStatus(ctx, p.ID, proposal.StatusPending))
	require.NoError(t, repo.UpdateStatus(ctx, p.ID, proposal.StatusApproved))
	require.NoError(t, repo.UpdateStatus(ctx, p.ID, proposal.StatusArchived))

	err := repo.UpdateStatus(ctx, p.ID, proposal.StatusApproved)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err), "archived proposals are immutable")
}

func TestProposalRepository_UpdateApprovedBlocks(t *testing.T) {
	infra := SetupTestInfra(t)

	repo := proposal.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	p := createTestProposal("agent-a", proposal.TargetKey{EventID: "ev-1"}, nil)
	require.NoError(t, repo.Create(ctx, p))

	blocks := map[blockgraph.BlockType]bool{
		blockgraph.BlockEvent:   true,
		blockgraph.BlockEdition: false,
	}
	require.NoError(t, repo.UpdateApprovedBlocks(ctx, p.ID, blocks))

	retrieved, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, blocks, retrieved.ApprovedBlocks)
}

func TestProposalRepository_ApplicationLifecycle(t *testing.T) {
	infra := SetupTestInfra(t)

	repo := proposal.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	key := proposal.TargetKey{EventID: "ev-1"}
	p := createTestProposal("agent-a", key, nil)
	require.NoError(t, repo.Create(ctx, p))

	event := blockgraph.BlockEvent
	app := &proposal.Application{
		ProposalID: p.ID,
		Block:      &event,
		Status:     proposal.ApplicationPending,
		AppliedChanges: map[string]proposal.FieldValue{
			"name": proposal.ScalarValue("Lakeside Ultra"),
		},
	}
	require.NoError(t, repo.CreateApplication(ctx, app))
	assert.NotEmpty(t, app.ID)

	require.NoError(t, repo.UpdateApplication(ctx, app.ID, proposal.ApplicationFailed, "store timeout"))

	retrieved, err := repo.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.ApplicationFailed, retrieved.Status)
	assert.Equal(t, "store timeout", retrieved.ErrorMessage)
	require.NotNil(t, retrieved.Block)
	assert.Equal(t, blockgraph.BlockEvent, *retrieved.Block)

	corrected := map[string]proposal.FieldValue{
		"name": proposal.ScalarValue("Lakeside Ultra 2026"),
	}
	require.NoError(t, repo.ResetApplication(ctx, app.ID, corrected))

	retrieved, err = repo.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.ApplicationPending, retrieved.Status)
	assert.Empty(t, retrieved.ErrorMessage)
	assert.Equal(t, corrected, retrieved.AppliedChanges)

	// A pending application cannot be reset again.
	err = repo.ResetApplication(ctx, app.ID, nil)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))

	byProposal, err := repo.ListApplicationsByProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, byProposal, 1)

	byKey, err := repo.ListApplicationsByTargetKey(ctx, key)
	require.NoError(t, err)
	assert.Len(t, byKey, 1)
}
