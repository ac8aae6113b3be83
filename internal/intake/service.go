// Package intake receives agent proposal submissions from the broker,
// validates them and persists them for consolidation and review.
package intake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"curator/internal/broker"
	"curator/internal/constants"
	"curator/internal/logger"
	"curator/internal/proposal"
	pkgerrors "curator/pkg/errors"
	"curator/pkg/metrics"
	"curator/pkg/models"
)

const proposalMessageType = "agent_proposal"

type Service struct {
	store  proposal.Store
	logger logger.Logger
}

func NewService(store proposal.Store, log logger.Logger) *Service {
	return &Service{store: store, logger: log}
}

// Start consumes the proposal topic until the context is cancelled.
func (s *Service) Start(ctx context.Context, consumer broker.Consumer, topic string) error {
	if topic == "" {
		topic = constants.DefaultProposalTopic
	}
	return consumer.Consume(ctx, topic, s.HandleMessage)
}

// HandleMessage decodes and persists one submission. Malformed or invalid
// submissions fail fatally so the broker routes them to the DLQ instead of
// retrying.
func (s *Service) HandleMessage(ctx context.Context, msg models.MessageEnvelope) error {
	if msg.Type != proposalMessageType {
		s.logger.WarnwCtx(ctx, "Ignoring message of unexpected type", "type", msg.Type, "message_id", msg.ID)
		return nil
	}

	var payload models.ProposalPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		metrics.ProposalsIngestedTotal.WithLabelValues("malformed").Inc()
		return pkgerrors.ErrValidation.WithCause(err).WithDetail("message", "malformed proposal payload")
	}

	p, err := s.buildProposal(payload)
	if err != nil {
		metrics.ProposalsIngestedTotal.WithLabelValues("invalid").Inc()
		return err
	}

	if err := s.store.Create(ctx, p); err != nil {
		if pkgerrors.IsConflict(err) {
			metrics.ProposalsIngestedTotal.WithLabelValues("duplicate").Inc()
			s.logger.WarnwCtx(ctx, "Duplicate proposal ignored", "proposal_id", p.ID)
			return nil
		}
		metrics.ProposalsIngestedTotal.WithLabelValues("error").Inc()
		return err
	}

	metrics.ProposalsIngestedTotal.WithLabelValues("accepted").Inc()
	s.logger.InfowCtx(ctx, "Proposal ingested",
		"proposal_id", p.ID,
		"agent_id", p.AgentID,
		"type", p.Type,
		"target_key", p.TargetKey.String(),
		"fields", len(p.Changes),
	)

	return nil
}

// buildProposal validates the submission and converts it to the internal
// model. NEW_EVENT submissions carry no event id yet, so intake assigns a
// provisional one to give the group a stable target key.
func (s *Service) buildProposal(payload models.ProposalPayload) (*proposal.Proposal, error) {
	if payload.AgentID == "" {
		return nil, validationError("agent_id is required")
	}

	pType := proposal.Type(payload.Type)
	if !pType.Valid() {
		return nil, validationError(fmt.Sprintf("unknown proposal type %q", payload.Type))
	}

	if payload.Confidence < 0 || payload.Confidence > 1 {
		return nil, validationError(fmt.Sprintf("confidence %v out of range [0, 1]", payload.Confidence))
	}

	if len(payload.Changes) == 0 {
		return nil, validationError("proposal has no changes")
	}

	key := proposal.TargetKey{
		EventID:   payload.EventID,
		EditionID: payload.EditionID,
		RaceID:    payload.RaceID,
	}

	switch pType {
	case proposal.TypeNewEvent:
		if key.EventID == "" {
			key.EventID = "new-" + uuid.New().String()
		}
	case proposal.TypeEditionUpdate:
		if key.EventID == "" || key.EditionID == "" {
			return nil, validationError("edition updates require event_id and edition_id")
		}
	case proposal.TypeRaceUpdate:
		if key.EventID == "" || key.RaceID == "" {
			return nil, validationError("race updates require event_id and race_id")
		}
	default:
		if key.EventID == "" {
			return nil, validationError("event_id is required")
		}
	}

	changes := make(map[string]proposal.FieldChange, len(payload.Changes))
	for field, change := range payload.Changes {
		value, err := convertValue(change.New)
		if err != nil {
			return nil, validationError(fmt.Sprintf("field %q: %v", field, err))
		}

		converted := proposal.FieldChange{New: value, Confidence: change.Confidence}
		if converted.Confidence == 0 {
			converted.Confidence = payload.Confidence
		}
		if change.Old != nil {
			old, err := convertValue(*change.Old)
			if err != nil {
				return nil, validationError(fmt.Sprintf("field %q: %v", field, err))
			}
			converted.Old = &old
		}
		changes[field] = converted
	}

	return &proposal.Proposal{
		AgentID:    payload.AgentID,
		TargetKey:  key,
		Type:       pType,
		Status:     proposal.StatusPending,
		Changes:    changes,
		Confidence: payload.Confidence,
	}, nil
}

func convertValue(v models.FieldValue) (proposal.FieldValue, error) {
	switch proposal.ValueKind(v.Kind) {
	case proposal.KindScalar:
		if v.Scalar == nil {
			return proposal.FieldValue{}, fmt.Errorf("scalar value is empty")
		}
		return proposal.ScalarValue(v.Scalar), nil
	case proposal.KindDate:
		if v.Date == "" {
			return proposal.FieldValue{}, fmt.Errorf("date value is empty")
		}
		return proposal.DateValue(v.Date), nil
	case proposal.KindRecord:
		return proposal.RecordValue(v.Record), nil
	case proposal.KindList:
		return proposal.ListValue(v.List), nil
	default:
		return proposal.FieldValue{}, fmt.Errorf("unknown value kind %q", v.Kind)
	}
}

func validationError(msg string) error {
	return pkgerrors.ErrValidation.WithDetail("message", msg)
}
