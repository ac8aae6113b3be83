package review

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curator/internal/application"
	"curator/internal/blockgraph"
	"curator/internal/consolidation"
	"curator/internal/keylock"
	"curator/internal/logger"
	"curator/internal/proposal"
	pkgerrors "curator/pkg/errors"
)

type fakeStore struct {
	proposals    map[string]*proposal.Proposal
	applications map[string]*proposal.Application
	nextAppID    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		proposals:    make(map[string]*proposal.Proposal),
		applications: make(map[string]*proposal.Application),
	}
}

func (s *fakeStore) add(p proposal.Proposal) {
	cp := p
	s.proposals[p.ID] = &cp
}

func (s *fakeStore) Create(_ context.Context, p *proposal.Proposal) error {
	s.add(*p)
	return nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*proposal.Proposal, error) {
	p, ok := s.proposals[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	cp := *p
	if p.ApprovedBlocks != nil {
		cp.ApprovedBlocks = make(map[blockgraph.BlockType]bool, len(p.ApprovedBlocks))
		for k, v := range p.ApprovedBlocks {
			cp.ApprovedBlocks[k] = v
		}
	}
	return &cp, nil
}

func (s *fakeStore) FindByTargetKey(_ context.Context, key proposal.TargetKey) ([]proposal.Proposal, error) {
	var out []proposal.Proposal
	for _, p := range s.proposals {
		if p.TargetKey == key {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) FindPendingByTargetKey(_ context.Context, key proposal.TargetKey) ([]proposal.Proposal, error) {
	var out []proposal.Proposal
	for _, p := range s.proposals {
		if p.TargetKey == key && p.Status.IsPending() {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) ListPendingTargetKeys(context.Context, int) ([]proposal.TargetKey, error) {
	return nil, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, status proposal.Status) error {
	p, ok := s.proposals[id]
	if !ok {
		return pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	if !proposal.CanTransition(p.Status, status) {
		return pkgerrors.ErrValidation.WithDetail("message", "illegal transition")
	}
	p.Status = status
	return nil
}

func (s *fakeStore) UpdateApprovedBlocks(_ context.Context, id string, blocks map[blockgraph.BlockType]bool) error {
	p, ok := s.proposals[id]
	if !ok {
		return pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	p.ApprovedBlocks = blocks
	return nil
}

func (s *fakeStore) UpdateChanges(context.Context, string, map[string]proposal.FieldChange) error {
	return nil
}

func (s *fakeStore) CreateApplication(_ context.Context, app *proposal.Application) error {
	s.nextAppID++
	if app.ID == "" {
		app.ID = fmt.Sprintf("app-%d", s.nextAppID)
	}
	cp := *app
	s.applications[app.ID] = &cp
	return nil
}

func (s *fakeStore) GetApplication(_ context.Context, id string) (*proposal.Application, error) {
	app, ok := s.applications[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	cp := *app
	return &cp, nil
}

func (s *fakeStore) ListApplicationsByProposal(_ context.Context, proposalID string) ([]proposal.Application, error) {
	var out []proposal.Application
	for _, app := range s.applications {
		if app.ProposalID == proposalID {
			out = append(out, *app)
		}
	}
	return out, nil
}

func (s *fakeStore) ListApplicationsByTargetKey(_ context.Context, key proposal.TargetKey) ([]proposal.Application, error) {
	var out []proposal.Application
	for _, app := range s.applications {
		if p, ok := s.proposals[app.ProposalID]; ok && p.TargetKey == key {
			out = append(out, *app)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateApplication(_ context.Context, id string, status proposal.ApplicationStatus, errorMessage string) error {
	app, ok := s.applications[id]
	if !ok {
		return pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	app.Status = status
	app.ErrorMessage = errorMessage
	return nil
}

func (s *fakeStore) ResetApplication(_ context.Context, id string, corrected map[string]proposal.FieldValue) error {
	app, ok := s.applications[id]
	if !ok {
		return pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	if app.Status != proposal.ApplicationFailed && app.Status != proposal.ApplicationApplied {
		return pkgerrors.ErrValidation.WithDetail("message", "not resettable")
	}
	app.Status = proposal.ApplicationPending
	app.AppliedChanges = corrected
	app.ErrorMessage = ""
	return nil
}

type fakeEntities struct {
	writes int
	fail   error
}

func (s *fakeEntities) ApplyBlock(context.Context, proposal.TargetKey, *blockgraph.BlockType, map[string]proposal.FieldValue) error {
	if s.fail != nil {
		return s.fail
	}
	s.writes++
	return nil
}

func (s *fakeEntities) HealthCheck(context.Context) error { return nil }

var reviewKey = proposal.TargetKey{EventID: "ev-1", EditionID: "ed-2026"}

func newTestService(store *fakeStore, entities *fakeEntities, locker keylock.Locker) Service {
	log := logger.NopLogger()
	engine := consolidation.NewEngine(log)
	executor := application.NewExecutor(store, entities, nil, log)
	if locker == nil {
		locker = keylock.NewLocalLocker()
	}
	return NewService(store, engine, executor, nil, locker, log)
}

func pendingProposal(id string) proposal.Proposal {
	return proposal.Proposal{
		ID:        id,
		AgentID:   "agent-a",
		TargetKey: reviewKey,
		Type:      proposal.TypeEventUpdate,
		Status:    proposal.StatusPending,
		Changes: map[string]proposal.FieldChange{
			"name":      {New: proposal.ScalarValue("Lakeside Ultra"), Confidence: 0.9},
			"startDate": {New: proposal.DateValue("2026-06-01"), Confidence: 0.9},
		},
		Confidence: 0.9,
		CreatedAt:  time.Now(),
	}
}

func TestBlockApprovalDrivesStatus(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add(pendingProposal("p1"))
	service := newTestService(store, &fakeEntities{}, nil)

	p, err := service.ApproveBlock(ctx, "p1", blockgraph.BlockEvent)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusPartiallyApproved, p.Status)

	p, err = service.ApproveBlock(ctx, "p1", blockgraph.BlockEdition)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusApproved, p.Status)

	// Approved proposals are terminal for review except archiving, so a
	// block can no longer be rejected.
	_, err = service.RejectBlock(ctx, "p1", blockgraph.BlockEdition)
	require.Error(t, err)
}

func TestBlockApprovalRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add(pendingProposal("p1"))
	service := newTestService(store, &fakeEntities{}, nil)

	p, err := service.ApproveBlock(ctx, "p1", blockgraph.BlockEvent)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusPartiallyApproved, p.Status)

	p, err = service.RejectBlock(ctx, "p1", blockgraph.BlockEvent)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusPending, p.Status)
	assert.False(t, p.ApprovedBlocks[blockgraph.BlockEvent])
}

func TestBlockApprovalValidation(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add(pendingProposal("p1"))

	rejected := pendingProposal("p2")
	rejected.Status = proposal.StatusRejected
	store.add(rejected)

	service := newTestService(store, &fakeEntities{}, nil)

	_, err := service.ApproveBlock(ctx, "p1", blockgraph.BlockType("sponsor"))
	assert.True(t, pkgerrors.IsValidation(err))

	_, err = service.ApproveBlock(ctx, "p1", blockgraph.BlockRaces)
	assert.True(t, pkgerrors.IsValidation(err), "proposal has no races fields")

	_, err = service.ApproveBlock(ctx, "p2", blockgraph.BlockEvent)
	assert.True(t, pkgerrors.IsValidation(err), "terminal proposals are immutable")

	_, err = service.ApproveBlock(ctx, "missing", blockgraph.BlockEvent)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestApproveAndRejectProposal(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add(pendingProposal("p1"))
	store.add(pendingProposal("p2"))
	service := newTestService(store, &fakeEntities{}, nil)

	p, err := service.ApproveProposal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusApproved, p.Status)
	assert.True(t, p.ApprovedBlocks[blockgraph.BlockEvent])
	assert.True(t, p.ApprovedBlocks[blockgraph.BlockEdition])

	p, err = service.RejectProposal(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusRejected, p.Status)

	_, err = service.ApproveProposal(ctx, "p2")
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestApplyGroup(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := pendingProposal("p1")
	p.ApprovedBlocks = map[blockgraph.BlockType]bool{
		blockgraph.BlockEvent:   true,
		blockgraph.BlockEdition: true,
	}
	p.Status = proposal.StatusPartiallyApproved
	store.add(p)

	entities := &fakeEntities{}
	service := newTestService(store, entities, nil)

	result, err := service.ApplyGroup(ctx, reviewKey)
	require.NoError(t, err)

	assert.True(t, result.Success())
	assert.Len(t, result.Applied, 2)
	assert.Equal(t, 2, entities.writes)

	stored, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusArchived, stored.Status)
}

func TestApplyGroupRequiresLock(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add(pendingProposal("p1"))

	locker := keylock.NewLocalLocker()
	held, err := locker.TryLock(ctx, reviewKey.String())
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	service := newTestService(store, &fakeEntities{}, locker)

	_, err = service.ApplyGroup(ctx, reviewKey)
	assert.True(t, pkgerrors.IsConflict(err))
}

func TestApplyGroupWithoutProposals(t *testing.T) {
	service := newTestService(newFakeStore(), &fakeEntities{}, nil)

	_, err := service.ApplyGroup(context.Background(), reviewKey)
	assert.True(t, pkgerrors.IsNotFound(err))

	_, err = service.ApplyGroup(context.Background(), proposal.TargetKey{})
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestGetWorkingGroup(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add(pendingProposal("p1"))
	service := newTestService(store, &fakeEntities{}, nil)

	view, err := service.GetWorkingGroup(ctx, reviewKey)
	require.NoError(t, err)

	assert.Len(t, view.Pending, 1)
	assert.Equal(t, "Execution order: event → edition", view.ExecutionOrder)
	assert.Equal(t, map[string]string{"agent-a": "agent-a"}, view.AgentNames)

	_, err = service.GetWorkingGroup(ctx, proposal.TargetKey{EventID: "unknown"})
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestResetAndReplayApplication(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := pendingProposal("p1")
	p.Status = proposal.StatusPartiallyApproved
	store.add(p)

	event := blockgraph.BlockEvent
	require.NoError(t, store.CreateApplication(ctx, &proposal.Application{
		ID:             "app-fail",
		ProposalID:     "p1",
		Block:          &event,
		Status:         proposal.ApplicationFailed,
		AppliedChanges: map[string]proposal.FieldValue{"name": proposal.ScalarValue("Lakeside Ultra")},
		ErrorMessage:   "store timeout",
	}))

	entities := &fakeEntities{}
	service := newTestService(store, entities, nil)

	corrected := map[string]proposal.FieldValue{"name": proposal.ScalarValue("Lakeside Ultra 2026")}
	app, err := service.ResetApplication(ctx, "app-fail", corrected)
	require.NoError(t, err)
	assert.Equal(t, proposal.ApplicationPending, app.Status)
	assert.Empty(t, app.ErrorMessage)

	app, err = service.ReplayApplication(ctx, "app-fail")
	require.NoError(t, err)
	assert.Equal(t, proposal.ApplicationApplied, app.Status)
	assert.Equal(t, 1, entities.writes)
}
