package proposal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"curator/internal/blockgraph"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to partially approved", StatusPending, StatusPartiallyApproved, true},
		{"partially approved back to pending", StatusPartiallyApproved, StatusPending, true},
		{"pending to approved", StatusPending, StatusApproved, true},
		{"pending to rejected", StatusPending, StatusRejected, true},
		{"pending to archived", StatusPending, StatusArchived, true},
		{"partially approved to approved", StatusPartiallyApproved, StatusApproved, true},
		{"approved to archived", StatusApproved, StatusArchived, true},
		{"approved back to pending", StatusApproved, StatusPending, false},
		{"approved to rejected", StatusApproved, StatusRejected, false},
		{"rejected is terminal", StatusRejected, StatusPending, false},
		{"archived is terminal", StatusArchived, StatusApproved, false},
		{"self transition is a no-op", StatusRejected, StatusRejected, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusPending.IsPending())
	assert.True(t, StatusPartiallyApproved.IsPending())
	assert.False(t, StatusApproved.IsPending())

	assert.True(t, StatusRejected.IsTerminal())
	assert.True(t, StatusArchived.IsTerminal())
	assert.False(t, StatusApproved.IsTerminal())
}

func TestTargetKeyString(t *testing.T) {
	key := TargetKey{EventID: "ev-1", EditionID: "ed-2024"}
	assert.Equal(t, "ev-1|ed-2024|", key.String())

	assert.True(t, TargetKey{}.IsZero())
	assert.False(t, key.IsZero())
}

func TestProposalBlocks(t *testing.T) {
	p := &Proposal{
		Changes: map[string]FieldChange{
			"races":     {New: ListValue(nil)},
			"name":      {New: ScalarValue("Ultra Trail")},
			"startDate": {New: DateValue("2026-06-01")},
			"legacyRef": {New: ScalarValue("x")},
		},
	}

	// Canonical graph order, legacy fields excluded.
	assert.Equal(t, []blockgraph.BlockType{
		blockgraph.BlockEvent, blockgraph.BlockEdition, blockgraph.BlockRaces,
	}, p.Blocks())

	assert.True(t, p.ContributesTo(blockgraph.BlockEvent))
	assert.False(t, p.ContributesTo(blockgraph.BlockOrganizer))
}
