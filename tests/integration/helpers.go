package integration

import (
	"curator/internal/logger"
	"curator/internal/proposal"
)

const (
	containerStartupTimeout = 60
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestProposal(agentID string, key proposal.TargetKey, changes map[string]proposal.FieldChange) *proposal.Proposal {
	if changes == nil {
		changes = map[string]proposal.FieldChange{
			"name": {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.9},
		}
	}
	return &proposal.Proposal{
		AgentID:    agentID,
		TargetKey:  key,
		Type:       proposal.TypeEventUpdate,
		Status:     proposal.StatusPending,
		Changes:    changes,
		Confidence: 0.9,
	}
}
