package proposal

import (
	"fmt"
	"time"

	"curator/internal/blockgraph"
)

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusPartiallyApproved Status = "PARTIALLY_APPROVED"
	StatusApproved          Status = "APPROVED"
	StatusRejected          Status = "REJECTED"
	StatusArchived          Status = "ARCHIVED"
)

// IsPending reports whether a proposal is still open for review and
// application.
func (s Status) IsPending() bool {
	return s == StatusPending || s == StatusPartiallyApproved
}

func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusArchived
}

// CanTransition enforces the proposal lifecycle: transitions are monotonic
// except that PENDING and PARTIALLY_APPROVED may cycle as blocks are
// toggled during review.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusPartiallyApproved || to == StatusApproved || to == StatusRejected || to == StatusArchived
	case StatusPartiallyApproved:
		return to == StatusPending || to == StatusApproved || to == StatusRejected || to == StatusArchived
	case StatusApproved:
		return to == StatusArchived
	default:
		// REJECTED and ARCHIVED are terminal.
		return false
	}
}

type Type string

const (
	TypeNewEvent      Type = "NEW_EVENT"
	TypeEventUpdate   Type = "EVENT_UPDATE"
	TypeEditionUpdate Type = "EDITION_UPDATE"
	TypeRaceUpdate    Type = "RACE_UPDATE"
	TypeEventMerge    Type = "EVENT_MERGE"
)

func (t Type) Valid() bool {
	switch t {
	case TypeNewEvent, TypeEventUpdate, TypeEditionUpdate, TypeRaceUpdate, TypeEventMerge:
		return true
	}
	return false
}

// TargetKey identifies the entity a proposal targets. Parts may be empty:
// NEW_EVENT proposals carry a provisional event id assigned at intake.
type TargetKey struct {
	EventID   string `json:"event_id"`
	EditionID string `json:"edition_id,omitempty"`
	RaceID    string `json:"race_id,omitempty"`
}

// String is the canonical grouping and lock key.
func (k TargetKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.EventID, k.EditionID, k.RaceID)
}

func (k TargetKey) IsZero() bool {
	return k.EventID == "" && k.EditionID == "" && k.RaceID == ""
}

type Proposal struct {
	ID             string                           `json:"id"`
	AgentID        string                           `json:"agent_id"`
	TargetKey      TargetKey                        `json:"target_key"`
	Type           Type                             `json:"type"`
	Status         Status                           `json:"status"`
	Changes        map[string]FieldChange           `json:"changes"`
	ApprovedBlocks map[blockgraph.BlockType]bool    `json:"approved_blocks"`
	Confidence     float64                          `json:"confidence"`
	CreatedAt      time.Time                        `json:"created_at"`
	UpdatedAt      time.Time                        `json:"updated_at"`
}

// Blocks returns the distinct block types this proposal contributes fields
// to, in canonical graph order. Fields outside the known registry do not
// contribute a block.
func (p *Proposal) Blocks() []blockgraph.BlockType {
	present := make(map[blockgraph.BlockType]bool)
	for field := range p.Changes {
		if b := BlockOf(field); b != nil {
			present[*b] = true
		}
	}

	var blocks []blockgraph.BlockType
	for _, b := range blockgraph.AllBlocks() {
		if present[b] {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// ContributesTo reports whether the proposal carries at least one field of
// the given block.
func (p *Proposal) ContributesTo(block blockgraph.BlockType) bool {
	for field := range p.Changes {
		if b := BlockOf(field); b != nil && *b == block {
			return true
		}
	}
	return false
}

type ApplicationStatus string

const (
	ApplicationPending ApplicationStatus = "PENDING"
	ApplicationApplied ApplicationStatus = "APPLIED"
	ApplicationFailed  ApplicationStatus = "FAILED"
)

// Application is one durable attempt to write one block of one group to
// the downstream store.
type Application struct {
	ID             string                 `json:"id"`
	ProposalID     string                 `json:"proposal_id"`
	Block          *blockgraph.BlockType  `json:"block,omitempty"` // nil for legacy records
	Status         ApplicationStatus      `json:"status"`
	AppliedChanges map[string]FieldValue  `json:"applied_changes"`
	AppliedAt      *time.Time             `json:"applied_at,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}
