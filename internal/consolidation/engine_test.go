package consolidation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curator/internal/blockgraph"
	"curator/internal/logger"
	"curator/internal/proposal"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func makeProposal(id, agentID string, status proposal.Status, age time.Duration, changes map[string]proposal.FieldChange) proposal.Proposal {
	return proposal.Proposal{
		ID:        id,
		AgentID:   agentID,
		TargetKey: proposal.TargetKey{EventID: "ev-1", EditionID: "ed-2026"},
		Type:      proposal.TypeEventUpdate,
		Status:    status,
		Changes:   changes,
		CreatedAt: baseTime.Add(age),
	}
}

func fieldByName(t *testing.T, fields []ConsolidatedField, name string) ConsolidatedField {
	t.Helper()
	for _, f := range fields {
		if f.Field == name {
			return f
		}
	}
	t.Fatalf("field %q not found", name)
	return ConsolidatedField{}
}

func TestConsolidate_EmptyInput(t *testing.T) {
	engine := NewEngine(logger.NopLogger())

	group := engine.Consolidate(nil)

	require.NotNil(t, group)
	assert.Empty(t, group.Pending)
	assert.Empty(t, group.Fields)
	assert.Empty(t, group.Superseded)
}

func TestConsolidate_SingleProposal(t *testing.T) {
	engine := NewEngine(logger.NopLogger())

	group := engine.Consolidate([]proposal.Proposal{
		makeProposal("p1", "agent-a", proposal.StatusPending, 0, map[string]proposal.FieldChange{
			"name": {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.9},
		}),
	})

	require.Len(t, group.Fields, 1)
	field := group.Fields[0]
	assert.Equal(t, "name", field.Field)
	require.Len(t, field.Options, 1)
	assert.Nil(t, field.Consensus, "a single agent is never consensus")
	assert.Empty(t, group.Superseded)
}

func TestConsolidate_HistoricalProposalsIsolated(t *testing.T) {
	engine := NewEngine(logger.NopLogger())

	group := engine.Consolidate([]proposal.Proposal{
		makeProposal("p1", "agent-a", proposal.StatusPending, 0, map[string]proposal.FieldChange{
			"name": {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.7},
		}),
		makeProposal("p2", "agent-b", proposal.StatusRejected, time.Minute, map[string]proposal.FieldChange{
			"name": {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.95},
		}),
		makeProposal("p3", "agent-c", proposal.StatusArchived, 2*time.Minute, map[string]proposal.FieldChange{
			"website": {New: proposal.ScalarValue("https://lakeside.test"), Confidence: 0.8},
		}),
	})

	assert.Len(t, group.Pending, 1)
	assert.Len(t, group.Historical, 2)

	// Historical agreement never produces consensus or extra fields.
	require.Len(t, group.Fields, 1)
	assert.Equal(t, "name", group.Fields[0].Field)
	assert.Nil(t, group.Fields[0].Consensus)
	assert.Empty(t, group.Superseded)
}

func TestConsolidate_ConsensusRequiresTwoDistinctAgents(t *testing.T) {
	engine := NewEngine(logger.NopLogger())

	group := engine.Consolidate([]proposal.Proposal{
		makeProposal("p1", "agent-a", proposal.StatusPending, 0, map[string]proposal.FieldChange{
			"name":    {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.7},
			"country": {New: proposal.ScalarValue("CH"), Confidence: 0.6},
		}),
		makeProposal("p2", "agent-b", proposal.StatusPending, time.Minute, map[string]proposal.FieldChange{
			"name":    {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.9},
			"country": {New: proposal.ScalarValue("FR"), Confidence: 0.8},
		}),
		// Same agent repeating itself does not create consensus.
		makeProposal("p3", "agent-b", proposal.StatusPending, 2*time.Minute, map[string]proposal.FieldChange{
			"country": {New: proposal.ScalarValue("FR"), Confidence: 0.85},
		}),
	})

	name := fieldByName(t, group.Fields, "name")
	require.NotNil(t, name.Consensus)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, name.Consensus.AgentIDs)
	assert.Equal(t, 0.9, name.Consensus.MaxConfidence)

	country := fieldByName(t, group.Fields, "country")
	assert.Nil(t, country.Consensus)
	assert.Len(t, country.Options, 2)
}

func TestConsolidate_ListConsensusIgnoresOrderByDefault(t *testing.T) {
	races := func(names ...string) proposal.FieldValue {
		list := make([]map[string]interface{}, 0, len(names))
		for _, n := range names {
			list = append(list, map[string]interface{}{"name": n})
		}
		return proposal.ListValue(list)
	}

	proposals := []proposal.Proposal{
		makeProposal("p1", "agent-a", proposal.StatusPending, 0, map[string]proposal.FieldChange{
			"races": {New: races("10K", "Half"), Confidence: 0.8},
		}),
		makeProposal("p2", "agent-b", proposal.StatusPending, time.Minute, map[string]proposal.FieldChange{
			"races": {New: races("Half", "10K"), Confidence: 0.8},
		}),
	}

	group := NewEngine(logger.NopLogger()).Consolidate(proposals)
	require.NotNil(t, fieldByName(t, group.Fields, "races").Consensus)

	strict := NewEngine(logger.NopLogger(), WithOrderSensitiveArrays(true)).Consolidate(proposals)
	assert.Nil(t, fieldByName(t, strict.Fields, "races").Consensus)
}

func TestConsolidate_SubsetSuperseded(t *testing.T) {
	engine := NewEngine(logger.NopLogger())

	group := engine.Consolidate([]proposal.Proposal{
		makeProposal("small", "agent-a", proposal.StatusPending, 0, map[string]proposal.FieldChange{
			"name": {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.7},
		}),
		makeProposal("big", "agent-b", proposal.StatusPending, time.Minute, map[string]proposal.FieldChange{
			"name":    {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.9},
			"website": {New: proposal.ScalarValue("https://lakeside.test"), Confidence: 0.8},
		}),
		makeProposal("other", "agent-c", proposal.StatusPending, 2*time.Minute, map[string]proposal.FieldChange{
			"name": {New: proposal.ScalarValue("Lakeside Trail"), Confidence: 0.6},
		}),
	})

	assert.Equal(t, []string{"small"}, group.Superseded)
}

func TestConsolidate_EqualProposalsKeepEarliest(t *testing.T) {
	engine := NewEngine(logger.NopLogger())
	changes := map[string]proposal.FieldChange{
		"name": {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.7},
	}

	group := engine.Consolidate([]proposal.Proposal{
		makeProposal("later", "agent-a", proposal.StatusPending, time.Hour, changes),
		makeProposal("earliest", "agent-b", proposal.StatusPending, 0, changes),
	})

	assert.Equal(t, []string{"later"}, group.Superseded)
}

func TestFoldApprovedBlocks(t *testing.T) {
	engine := NewEngine(logger.NopLogger())

	p1 := makeProposal("p1", "agent-a", proposal.StatusPartiallyApproved, 0, map[string]proposal.FieldChange{
		"name":      {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.9},
		"startDate": {New: proposal.DateValue("2026-06-01"), Confidence: 0.9},
	})
	p1.ApprovedBlocks = map[blockgraph.BlockType]bool{
		blockgraph.BlockEvent:   true,
		blockgraph.BlockEdition: true,
	}

	p2 := makeProposal("p2", "agent-b", proposal.StatusPending, time.Minute, map[string]proposal.FieldChange{
		"name": {New: proposal.ScalarValue("Lakeside Trail"), Confidence: 0.8},
	})

	group := engine.Consolidate([]proposal.Proposal{p1, p2})

	// Event has a non-approving contributor; edition is covered by its only
	// contributor; blocks without contributors stay unapproved.
	assert.False(t, group.ApprovedBlocks[blockgraph.BlockEvent])
	assert.True(t, group.ApprovedBlocks[blockgraph.BlockEdition])
	assert.False(t, group.ApprovedBlocks[blockgraph.BlockOrganizer])
	assert.False(t, group.ApprovedBlocks[blockgraph.BlockRaces])
}

func TestConsolidate_SupersededDoNotVetoApproval(t *testing.T) {
	engine := NewEngine(logger.NopLogger())

	survivor := makeProposal("survivor", "agent-a", proposal.StatusPartiallyApproved, 0, map[string]proposal.FieldChange{
		"name": {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.9},
	})
	survivor.ApprovedBlocks = map[blockgraph.BlockType]bool{blockgraph.BlockEvent: true}

	// The same change from another agent, never reviewed.
	duplicate := makeProposal("duplicate", "agent-b", proposal.StatusPending, time.Minute, map[string]proposal.FieldChange{
		"name": {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.8},
	})

	group := engine.Consolidate([]proposal.Proposal{survivor, duplicate})

	assert.Equal(t, []string{"duplicate"}, group.Superseded)

	// The duplicate leaves Pending but its agent still backs consensus.
	require.Len(t, group.Pending, 1)
	assert.Equal(t, "survivor", group.Pending[0].ID)
	name := fieldByName(t, group.Fields, "name")
	require.NotNil(t, name.Consensus)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, name.Consensus.AgentIDs)

	// Only the survivor's review state feeds the fold.
	assert.True(t, group.ApprovedBlocks[blockgraph.BlockEvent])
}

func TestWorkingGroupAccessors(t *testing.T) {
	engine := NewEngine(logger.NopLogger())

	p1 := makeProposal("p1", "agent-a", proposal.StatusPending, 0, map[string]proposal.FieldChange{
		"races": {New: proposal.ListValue(nil), Confidence: 0.4},
	})
	p1.Confidence = 0.4
	p2 := makeProposal("p2", "agent-b", proposal.StatusPending, time.Minute, map[string]proposal.FieldChange{
		"name": {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.95},
	})
	p2.Confidence = 0.95

	group := engine.Consolidate([]proposal.Proposal{p1, p2})

	assert.Equal(t, 0.95, group.MaxConfidence())
	assert.Equal(t, []blockgraph.BlockType{blockgraph.BlockEvent, blockgraph.BlockRaces}, group.Blocks())
}
