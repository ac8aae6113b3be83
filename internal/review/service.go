// Package review is the interactive surface of the curation pipeline:
// reviewers inspect consolidated working groups, approve or reject blocks,
// and trigger applications by hand. It shares the target-key lock with the
// scheduler so manual and unattended applies never interleave.
package review

import (
	"context"
	"fmt"

	"curator/internal/agents"
	"curator/internal/application"
	"curator/internal/blockgraph"
	"curator/internal/consolidation"
	"curator/internal/keylock"
	"curator/internal/logger"
	"curator/internal/proposal"
	pkgerrors "curator/pkg/errors"
)

// GroupView is the working group as shown to a reviewer: the consolidated
// state plus agent display names, the application history and the
// human-readable execution plan.
type GroupView struct {
	*consolidation.WorkingGroup
	AgentNames     map[string]string      `json:"agent_names"`
	Applications   []proposal.Application `json:"applications"`
	ExecutionOrder string                 `json:"execution_order"`
}

type Service interface {
	GetWorkingGroup(ctx context.Context, key proposal.TargetKey) (*GroupView, error)
	ApproveBlock(ctx context.Context, proposalID string, block blockgraph.BlockType) (*proposal.Proposal, error)
	RejectBlock(ctx context.Context, proposalID string, block blockgraph.BlockType) (*proposal.Proposal, error)
	ApproveProposal(ctx context.Context, proposalID string) (*proposal.Proposal, error)
	RejectProposal(ctx context.Context, proposalID string) (*proposal.Proposal, error)
	ApplyGroup(ctx context.Context, key proposal.TargetKey) (*application.Result, error)
	ResetApplication(ctx context.Context, applicationID string, corrected map[string]proposal.FieldValue) (*proposal.Application, error)
	ReplayApplication(ctx context.Context, applicationID string) (*proposal.Application, error)
}

type ReviewService struct {
	store    proposal.Store
	engine   *consolidation.Engine
	executor *application.Executor
	registry agents.Registry
	locker   keylock.Locker
	logger   logger.Logger
}

func NewService(store proposal.Store, engine *consolidation.Engine, executor *application.Executor, registry agents.Registry, locker keylock.Locker, log logger.Logger) Service {
	if registry == nil {
		registry = agents.NopRegistry{}
	}
	return &ReviewService{
		store:    store,
		engine:   engine,
		executor: executor,
		registry: registry,
		locker:   locker,
		logger:   log,
	}
}

func (s *ReviewService) GetWorkingGroup(ctx context.Context, key proposal.TargetKey) (*GroupView, error) {
	if key.IsZero() {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "target key is required")
	}

	proposals, err := s.store.FindByTargetKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(proposals) == 0 {
		return nil, pkgerrors.ErrNotFound.WithDetail("target_key", key.String())
	}

	group := s.engine.Consolidate(proposals)
	group.TargetKey = key

	applications, err := s.store.ListApplicationsByTargetKey(ctx, key)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string)
	for _, p := range proposals {
		if _, ok := names[p.AgentID]; !ok {
			names[p.AgentID] = s.registry.DisplayName(ctx, p.AgentID)
		}
	}

	blocks := group.Blocks()
	keys := make([]*blockgraph.BlockType, len(blocks))
	for i := range blocks {
		keys[i] = &blocks[i]
	}

	return &GroupView{
		WorkingGroup:   group,
		AgentNames:     names,
		Applications:   applications,
		ExecutionOrder: blockgraph.ExplainExecutionOrder(keys),
	}, nil
}

func (s *ReviewService) ApproveBlock(ctx context.Context, proposalID string, block blockgraph.BlockType) (*proposal.Proposal, error) {
	return s.setBlockApproval(ctx, proposalID, block, true)
}

func (s *ReviewService) RejectBlock(ctx context.Context, proposalID string, block blockgraph.BlockType) (*proposal.Proposal, error) {
	return s.setBlockApproval(ctx, proposalID, block, false)
}

// setBlockApproval toggles one block and re-derives the proposal status:
// all contributed blocks approved means APPROVED, some means
// PARTIALLY_APPROVED, none means back to PENDING.
func (s *ReviewService) setBlockApproval(ctx context.Context, proposalID string, block blockgraph.BlockType, approved bool) (*proposal.Proposal, error) {
	if !blockgraph.Known(block) {
		return nil, pkgerrors.ErrValidation.WithDetail("message", fmt.Sprintf("unknown block type %q", block))
	}

	p, err := s.store.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return nil, pkgerrors.ErrValidation.WithDetail("message",
			fmt.Sprintf("proposal %s is %s and can no longer be reviewed", p.ID, p.Status))
	}
	if !p.ContributesTo(block) {
		return nil, pkgerrors.ErrValidation.WithDetail("message",
			fmt.Sprintf("proposal %s has no %s fields", p.ID, block))
	}

	if p.ApprovedBlocks == nil {
		p.ApprovedBlocks = make(map[blockgraph.BlockType]bool)
	}
	p.ApprovedBlocks[block] = approved

	next := s.deriveStatus(p)
	if next != p.Status && !proposal.CanTransition(p.Status, next) {
		return nil, pkgerrors.ErrValidation.WithDetail("message",
			fmt.Sprintf("proposal %s cannot move from %s to %s", p.ID, p.Status, next))
	}

	if err := s.store.UpdateApprovedBlocks(ctx, p.ID, p.ApprovedBlocks); err != nil {
		return nil, err
	}
	if next != p.Status {
		if err := s.store.UpdateStatus(ctx, p.ID, next); err != nil {
			return nil, err
		}
		p.Status = next
	}

	s.logger.InfowCtx(ctx, "Block approval updated",
		"proposal_id", p.ID,
		"block", block,
		"approved", approved,
		"status", p.Status,
	)

	return p, nil
}

func (s *ReviewService) deriveStatus(p *proposal.Proposal) proposal.Status {
	blocks := p.Blocks()
	if len(blocks) == 0 {
		return p.Status
	}

	approvedCount := 0
	for _, b := range blocks {
		if p.ApprovedBlocks[b] {
			approvedCount++
		}
	}

	switch approvedCount {
	case 0:
		return proposal.StatusPending
	case len(blocks):
		return proposal.StatusApproved
	default:
		return proposal.StatusPartiallyApproved
	}
}

func (s *ReviewService) ApproveProposal(ctx context.Context, proposalID string) (*proposal.Proposal, error) {
	p, err := s.store.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return nil, pkgerrors.ErrValidation.WithDetail("message",
			fmt.Sprintf("proposal %s is %s and can no longer be reviewed", p.ID, p.Status))
	}

	if p.ApprovedBlocks == nil {
		p.ApprovedBlocks = make(map[blockgraph.BlockType]bool)
	}
	for _, b := range p.Blocks() {
		p.ApprovedBlocks[b] = true
	}

	if err := s.store.UpdateApprovedBlocks(ctx, p.ID, p.ApprovedBlocks); err != nil {
		return nil, err
	}
	if p.Status != proposal.StatusApproved {
		if err := s.store.UpdateStatus(ctx, p.ID, proposal.StatusApproved); err != nil {
			return nil, err
		}
		p.Status = proposal.StatusApproved
	}

	return p, nil
}

func (s *ReviewService) RejectProposal(ctx context.Context, proposalID string) (*proposal.Proposal, error) {
	p, err := s.store.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateStatus(ctx, p.ID, proposal.StatusRejected); err != nil {
		return nil, err
	}
	p.Status = proposal.StatusRejected

	return p, nil
}

// ApplyGroup consolidates the open proposals of a target key and applies
// them synchronously under the same lock the scheduler uses.
func (s *ReviewService) ApplyGroup(ctx context.Context, key proposal.TargetKey) (*application.Result, error) {
	if key.IsZero() {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "target key is required")
	}

	lock, err := s.locker.TryLock(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer func() {
		if releaseErr := lock.Release(ctx); releaseErr != nil {
			s.logger.WarnwCtx(ctx, "Failed to release target lock",
				"target_key", key.String(),
				"error", releaseErr,
			)
		}
	}()

	pending, err := s.store.FindPendingByTargetKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, pkgerrors.ErrNotFound.WithDetail("message",
			fmt.Sprintf("no open proposals for target key %s", key.String()))
	}

	group := s.engine.Consolidate(pending)
	if err := s.executor.ArchiveSuperseded(ctx, group); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to archive superseded proposals", "error", err)
	}

	return s.executor.Apply(ctx, group, application.TriggerManual)
}

// ResetApplication puts a settled application back to PENDING, optionally
// swapping in corrected field values for the replay.
func (s *ReviewService) ResetApplication(ctx context.Context, applicationID string, corrected map[string]proposal.FieldValue) (*proposal.Application, error) {
	app, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	if corrected == nil {
		corrected = app.AppliedChanges
	}
	if err := s.store.ResetApplication(ctx, app.ID, corrected); err != nil {
		return nil, err
	}

	return s.store.GetApplication(ctx, app.ID)
}

// ReplayApplication re-executes a reset application under the target lock.
func (s *ReviewService) ReplayApplication(ctx context.Context, applicationID string) (*proposal.Application, error) {
	app, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.Get(ctx, app.ProposalID)
	if err != nil {
		return nil, err
	}

	lock, err := s.locker.TryLock(ctx, p.TargetKey.String())
	if err != nil {
		return nil, err
	}
	defer func() {
		if releaseErr := lock.Release(ctx); releaseErr != nil {
			s.logger.WarnwCtx(ctx, "Failed to release target lock",
				"target_key", p.TargetKey.String(),
				"error", releaseErr,
			)
		}
	}()

	return s.executor.Replay(ctx, applicationID, application.TriggerManual)
}
