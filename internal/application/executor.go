// Package application turns an approved working group into downstream
// writes: one durable application record per block, executed in dependency
// order, with failures halting dependent blocks only.
package application

import (
	"context"
	"fmt"
	"time"

	"curator/internal/blockgraph"
	"curator/internal/consolidation"
	"curator/internal/entitystore"
	"curator/internal/logger"
	"curator/internal/proposal"
	pkgerrors "curator/pkg/errors"
	"curator/pkg/metrics"
	"curator/pkg/models"
)

// Trigger labels who initiated an application run.
const (
	TriggerAuto   = "auto"
	TriggerManual = "manual"
)

type AppliedBlock struct {
	Block         blockgraph.BlockType `json:"block"`
	ApplicationID string               `json:"application_id"`
}

type FailedBlock struct {
	Block         blockgraph.BlockType `json:"block"`
	ApplicationID string               `json:"application_id"`
	Error         string               `json:"error"`
}

type BlockedBlock struct {
	Block  blockgraph.BlockType `json:"block"`
	Reason string               `json:"reason"`
}

// Result reports the outcome of one application run over one target key.
type Result struct {
	TargetKey         proposal.TargetKey     `json:"target_key"`
	Applied           []AppliedBlock         `json:"applied,omitempty"`
	Failed            []FailedBlock          `json:"failed,omitempty"`
	Blocked           []BlockedBlock         `json:"blocked,omitempty"`
	Skipped           []blockgraph.BlockType `json:"skipped,omitempty"`
	ArchivedProposals []string               `json:"archived_proposals,omitempty"`
}

// Success reports whether every eligible block was written. Blocked and
// already-applied blocks do not count against success.
func (r *Result) Success() bool {
	return len(r.Failed) == 0
}

type Executor struct {
	proposals proposal.Store
	entities  entitystore.Store
	notifier  Notifier
	logger    logger.Logger
}

func NewExecutor(proposals proposal.Store, entities entitystore.Store, notifier Notifier, log logger.Logger) *Executor {
	if notifier == nil {
		notifier = NopNotifier()
	}
	return &Executor{
		proposals: proposals,
		entities:  entities,
		notifier:  notifier,
		logger:    log,
	}
}

// Apply writes the approved, not-yet-applied blocks of a working group in
// dependency order. A failed block halts its dependents but leaves
// independent blocks untouched; a value conflict leaves the block pending
// rather than recording a failure. Replaying Apply after a partial run
// only touches the blocks that are still missing.
func (e *Executor) Apply(ctx context.Context, group *consolidation.WorkingGroup, trigger string) (*Result, error) {
	result := &Result{TargetKey: group.TargetKey}
	if len(group.Pending) == 0 {
		return result, nil
	}

	appliedBefore, err := e.appliedBlocks(ctx, group.TargetKey)
	if err != nil {
		return nil, err
	}

	candidates := make([]blockgraph.BlockType, 0, len(group.ApprovedBlocks))
	for _, block := range blockgraph.AllBlocks() {
		if !group.ApprovedBlocks[block] {
			continue
		}
		if appliedBefore[block] {
			result.Skipped = append(result.Skipped, block)
			continue
		}
		candidates = append(candidates, block)
	}

	ordered := blockgraph.SortByDependencies(candidates, func(b blockgraph.BlockType) *blockgraph.BlockType { return &b })

	halted := make(map[blockgraph.BlockType]string)
	applied := make(map[blockgraph.BlockType]bool, len(appliedBefore))
	for b := range appliedBefore {
		applied[b] = true
	}

	for _, block := range ordered {
		if reason, ok := halted[block]; ok {
			result.Blocked = append(result.Blocked, BlockedBlock{Block: block, Reason: reason})
			continue
		}

		payload, proposalID, conflictField := e.blockPayload(group, block)
		if conflictField != "" {
			reason := fmt.Sprintf("conflicting values for field %q with equal confidence", conflictField)
			result.Blocked = append(result.Blocked, BlockedBlock{Block: block, Reason: reason})
			e.haltDependents(block, "dependency blocked: "+string(block), halted)
			metrics.BlocksAppliedTotal.WithLabelValues(string(block), "blocked").Inc()
			continue
		}
		if len(payload) == 0 {
			result.Skipped = append(result.Skipped, block)
			continue
		}

		app, err := e.executeBlock(ctx, group.TargetKey, block, proposalID, payload, trigger)
		if err != nil {
			result.Failed = append(result.Failed, FailedBlock{
				Block:         block,
				ApplicationID: app.ID,
				Error:         err.Error(),
			})
			e.haltDependents(block, "dependency failed: "+string(block), halted)
			continue
		}

		applied[block] = true
		result.Applied = append(result.Applied, AppliedBlock{Block: block, ApplicationID: app.ID})
	}

	archived, err := e.archiveFullyApplied(ctx, group, applied)
	if err != nil {
		e.logger.ErrorwCtx(ctx, "Failed to archive fully applied proposals",
			"target_key", group.TargetKey.String(),
			"error", err,
		)
	}
	result.ArchivedProposals = archived

	e.logger.InfowCtx(ctx, "Application run finished",
		"target_key", group.TargetKey.String(),
		"trigger", trigger,
		"applied", len(result.Applied),
		"failed", len(result.Failed),
		"blocked", len(result.Blocked),
		"skipped", len(result.Skipped),
	)

	return result, nil
}

// executeBlock records the attempt, performs the downstream write and
// settles the record. The write itself runs to completion even when the
// surrounding run is being cancelled.
func (e *Executor) executeBlock(ctx context.Context, target proposal.TargetKey, block blockgraph.BlockType, proposalID string, payload map[string]proposal.FieldValue, trigger string) (*proposal.Application, error) {
	b := block
	app := &proposal.Application{
		ProposalID:     proposalID,
		Block:          &b,
		Status:         proposal.ApplicationPending,
		AppliedChanges: payload,
	}
	if err := e.proposals.CreateApplication(ctx, app); err != nil {
		return app, fmt.Errorf("failed to record application: %w", err)
	}

	writeCtx := context.WithoutCancel(ctx)

	start := time.Now()
	writeErr := e.entities.ApplyBlock(writeCtx, target, &b, payload)
	duration := time.Since(start)

	if writeErr != nil {
		metrics.ObserveBlockApply(duration, string(block), "failed")
		if err := e.proposals.UpdateApplication(writeCtx, app.ID, proposal.ApplicationFailed, writeErr.Error()); err != nil {
			e.logger.ErrorwCtx(ctx, "Failed to mark application as failed",
				"application_id", app.ID,
				"error", err,
			)
		}
		e.publishOutcome(writeCtx, app, target, string(proposal.ApplicationFailed), writeErr.Error(), trigger)
		return app, writeErr
	}

	metrics.ObserveBlockApply(duration, string(block), "applied")
	if err := e.proposals.UpdateApplication(writeCtx, app.ID, proposal.ApplicationApplied, ""); err != nil {
		e.logger.ErrorwCtx(ctx, "Failed to mark application as applied",
			"application_id", app.ID,
			"error", err,
		)
	}
	e.publishOutcome(writeCtx, app, target, string(proposal.ApplicationApplied), "", trigger)

	return app, nil
}

// Replay re-executes a single application that was reset to PENDING. The
// stored payload is written as-is; the group is not re-consolidated.
func (e *Executor) Replay(ctx context.Context, applicationID string, trigger string) (*proposal.Application, error) {
	app, err := e.proposals.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != proposal.ApplicationPending {
		return nil, pkgerrors.ErrValidation.WithDetail("message",
			fmt.Sprintf("application %s is %s, reset it before replaying", app.ID, app.Status))
	}

	p, err := e.proposals.Get(ctx, app.ProposalID)
	if err != nil {
		return nil, err
	}

	writeCtx := context.WithoutCancel(ctx)

	blockName := blockgraph.LegacyToken
	if app.Block != nil {
		blockName = string(*app.Block)
	}

	start := time.Now()
	writeErr := e.entities.ApplyBlock(writeCtx, p.TargetKey, app.Block, app.AppliedChanges)
	duration := time.Since(start)

	if writeErr != nil {
		metrics.ObserveBlockApply(duration, blockName, "failed")
		if err := e.proposals.UpdateApplication(writeCtx, app.ID, proposal.ApplicationFailed, writeErr.Error()); err != nil {
			e.logger.ErrorwCtx(ctx, "Failed to mark replayed application as failed",
				"application_id", app.ID,
				"error", err,
			)
		}
		e.publishOutcome(writeCtx, app, p.TargetKey, string(proposal.ApplicationFailed), writeErr.Error(), trigger)
		return app, writeErr
	}

	metrics.ObserveBlockApply(duration, blockName, "applied")
	if err := e.proposals.UpdateApplication(writeCtx, app.ID, proposal.ApplicationApplied, ""); err != nil {
		e.logger.ErrorwCtx(ctx, "Failed to mark replayed application as applied",
			"application_id", app.ID,
			"error", err,
		)
	}
	e.publishOutcome(writeCtx, app, p.TargetKey, string(proposal.ApplicationApplied), "", trigger)

	return e.proposals.GetApplication(ctx, app.ID)
}

// ArchiveSuperseded archives the proposals consolidation flagged as fully
// covered by another open proposal.
func (e *Executor) ArchiveSuperseded(ctx context.Context, group *consolidation.WorkingGroup) error {
	for _, id := range group.Superseded {
		if err := e.proposals.UpdateStatus(ctx, id, proposal.StatusArchived); err != nil {
			return fmt.Errorf("failed to archive superseded proposal %s: %w", id, err)
		}
	}
	return nil
}

// blockPayload selects the value to write for every field of a block: the
// consensus value when one exists, otherwise the single highest-confidence
// option. Two top options with equal confidence make the block unwritable
// until a reviewer settles the tie.
func (e *Executor) blockPayload(group *consolidation.WorkingGroup, block blockgraph.BlockType) (map[string]proposal.FieldValue, string, string) {
	payload := make(map[string]proposal.FieldValue)
	proposalID := ""

	for _, field := range group.Fields {
		if field.Block == nil || *field.Block != block {
			continue
		}

		chosen := field.Consensus
		if chosen == nil {
			best, tied := bestOption(field.Options)
			if tied {
				return nil, "", field.Field
			}
			chosen = best
		}

		payload[field.Field] = chosen.Value
		if proposalID == "" && len(chosen.ProposalIDs) > 0 {
			proposalID = chosen.ProposalIDs[0]
		}
	}

	return payload, proposalID, ""
}

func bestOption(options []consolidation.ValueOption) (*consolidation.ValueOption, bool) {
	if len(options) == 0 {
		return nil, false
	}

	best := &options[0]
	tied := false
	for i := 1; i < len(options); i++ {
		switch {
		case options[i].MaxConfidence > best.MaxConfidence:
			best = &options[i]
			tied = false
		case options[i].MaxConfidence == best.MaxConfidence:
			tied = true
		}
	}
	return best, tied
}

// appliedBlocks returns the blocks that already have a successful
// application for this target key.
func (e *Executor) appliedBlocks(ctx context.Context, key proposal.TargetKey) (map[blockgraph.BlockType]bool, error) {
	apps, err := e.proposals.ListApplicationsByTargetKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}

	applied := make(map[blockgraph.BlockType]bool)
	for _, app := range apps {
		if app.Status == proposal.ApplicationApplied && app.Block != nil {
			applied[*app.Block] = true
		}
	}
	return applied, nil
}

func (e *Executor) haltDependents(block blockgraph.BlockType, reason string, halted map[blockgraph.BlockType]string) {
	for _, dependent := range blockgraph.AllDependents(block) {
		if _, ok := halted[dependent]; !ok {
			halted[dependent] = reason
		}
	}
}

// archiveFullyApplied archives the open proposals whose every contributed
// block has been written. Superseded duplicates are not part of Pending;
// ArchiveSuperseded settles those.
func (e *Executor) archiveFullyApplied(ctx context.Context, group *consolidation.WorkingGroup, applied map[blockgraph.BlockType]bool) ([]string, error) {
	var archived []string
	for i := range group.Pending {
		p := &group.Pending[i]

		blocks := p.Blocks()
		if len(blocks) == 0 {
			continue
		}
		done := true
		for _, b := range blocks {
			if !applied[b] {
				done = false
				break
			}
		}
		if !done {
			continue
		}

		// The group snapshot may be stale; settle against the stored status.
		current, err := e.proposals.Get(ctx, p.ID)
		if err != nil {
			return archived, err
		}
		if current.Status.IsTerminal() {
			continue
		}

		if current.Status != proposal.StatusApproved {
			if err := e.proposals.UpdateStatus(ctx, p.ID, proposal.StatusApproved); err != nil {
				return archived, err
			}
		}
		if err := e.proposals.UpdateStatus(ctx, p.ID, proposal.StatusArchived); err != nil {
			return archived, err
		}
		archived = append(archived, p.ID)
	}

	return archived, nil
}

func (e *Executor) publishOutcome(ctx context.Context, app *proposal.Application, target proposal.TargetKey, status, errorMessage, trigger string) {
	blockName := blockgraph.LegacyToken
	if app.Block != nil {
		blockName = string(*app.Block)
	}

	e.notifier.PublishOutcome(ctx, models.ApplyOutcomeEvent{
		ApplicationID: app.ID,
		ProposalID:    app.ProposalID,
		TargetKey:     target.String(),
		Block:         blockName,
		Status:        status,
		ErrorMessage:  errorMessage,
		Trigger:       trigger,
		OccurredAt:    time.Now(),
	})
}
