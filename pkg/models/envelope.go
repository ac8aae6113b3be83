// Package models holds the wire types shared between the curation service
// and the agents feeding it.
package models

import (
	"encoding/json"
	"time"
)

// MessageEnvelope is the common frame for all broker traffic. Payload is
// decoded by the consumer according to Type.
type MessageEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  Metadata        `json:"metadata"`
	Payload   json.RawMessage `json:"payload"`
}

type Metadata struct {
	TraceID    string                 `json:"trace_id,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// ProposalPayload is what an agent submits: one proposed set of field
// changes for a target entity.
type ProposalPayload struct {
	AgentID    string                 `json:"agent_id"`
	Type       string                 `json:"type"`
	EventID    string                 `json:"event_id,omitempty"`
	EditionID  string                 `json:"edition_id,omitempty"`
	RaceID     string                 `json:"race_id,omitempty"`
	Confidence float64                `json:"confidence"`
	Changes    map[string]FieldChange `json:"changes"`
}

// FieldChange mirrors the internal tagged-union change representation on
// the wire.
type FieldChange struct {
	Old        *FieldValue `json:"old,omitempty"`
	New        FieldValue  `json:"new"`
	Confidence float64     `json:"confidence"`
}

type FieldValue struct {
	Kind   string                   `json:"kind"`
	Scalar interface{}              `json:"scalar,omitempty"`
	Date   string                   `json:"date,omitempty"`
	Record map[string]interface{}   `json:"record,omitempty"`
	List   []map[string]interface{} `json:"list,omitempty"`
}

// ApplyOutcomeEvent is published after every block application attempt so
// downstream consumers can audit what curation wrote and why.
type ApplyOutcomeEvent struct {
	ApplicationID string    `json:"application_id"`
	ProposalID    string    `json:"proposal_id"`
	TargetKey     string    `json:"target_key"`
	Block         string    `json:"block"`
	Status        string    `json:"status"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Trigger       string    `json:"trigger"` // "auto" or "manual"
	OccurredAt    time.Time `json:"occurred_at"`
}
