// Package scheduler runs the unattended application loop: it periodically
// selects consolidated groups that are safe to write without a reviewer
// and hands them to the application executor under per-target-key locks.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"curator/internal/application"
	"curator/internal/blockgraph"
	"curator/internal/config"
	"curator/internal/consolidation"
	"curator/internal/constants"
	"curator/internal/keylock"
	"curator/internal/logger"
	"curator/internal/proposal"
	pkgerrors "curator/pkg/errors"
	"curator/pkg/logging"
	"curator/pkg/metrics"
)

type State string

const (
	StateDisabled  State = "DISABLED"
	StateIdle      State = "IDLE"
	StateSelecting State = "SELECTING"
	StateExecuting State = "EXECUTING"
)

type Scheduler struct {
	cfg       config.AutoApplyConfig
	proposals proposal.Store
	engine    *consolidation.Engine
	executor  *application.Executor
	rules     *RuleEngine
	stats     StatsStore
	locker    keylock.Locker
	logger    logger.Logger
	rng       Rand

	mu      sync.RWMutex
	state   State
	nextRun time.Time
}

type Option func(*Scheduler)

// WithRand replaces the jitter source, mainly for tests.
func WithRand(rng Rand) Option {
	return func(s *Scheduler) {
		s.rng = rng
	}
}

func New(cfg config.AutoApplyConfig, proposals proposal.Store, engine *consolidation.Engine, executor *application.Executor, rules *RuleEngine, stats StatsStore, locker keylock.Locker, log logger.Logger, opts ...Option) *Scheduler {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = constants.DefaultMinConfidence
	}
	if cfg.MaxProposalsPerRun <= 0 {
		cfg.MaxProposalsPerRun = constants.DefaultMaxProposalsPerRun
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}

	s := &Scheduler{
		cfg:       cfg,
		proposals: proposals,
		engine:    engine,
		executor:  executor,
		rules:     rules,
		stats:     stats,
		locker:    locker,
		logger:    log,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !cfg.Enabled {
		s.state = StateDisabled
	}
	return s
}

func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Scheduler) NextRunAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextRun
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run drives the scheduler until the context is cancelled. When auto-apply
// is disabled it returns immediately; there is no way to enable it at
// runtime. A failed cycle is recorded and the loop keeps going.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Infow("Auto-apply is disabled")
		return nil
	}

	s.logger.Infow("Auto-apply scheduler starting",
		"mode", s.cfg.Frequency.Mode,
		"min_confidence", s.cfg.MinConfidence,
		"max_proposals_per_run", s.cfg.MaxProposalsPerRun,
		"parallelism", s.cfg.Parallelism,
	)

	for {
		next := NextRun(s.cfg.Frequency, time.Now(), s.rng)
		s.mu.Lock()
		s.state = StateIdle
		s.nextRun = next
		s.mu.Unlock()
		metrics.AutoApplyNextRunTimestamp.Set(float64(next.Unix()))

		s.logger.Infow("Next auto-apply cycle scheduled", "next_run", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Infow("Auto-apply scheduler stopping", "reason", "context canceled")
			return ctx.Err()
		case <-timer.C:
		}

		stats := s.RunOnce(ctx)
		if stats.Status == "failed" {
			s.logger.Errorw("Auto-apply cycle failed", "run_id", stats.ID, "error", stats.ErrorMessage)
		}
	}
}

// RunOnce executes a single selection+application cycle and persists its
// statistics. It is also what the manual trigger endpoint calls.
func (s *Scheduler) RunOnce(ctx context.Context) *RunStats {
	runID := newRunID()
	ctx = logging.WithRunID(ctx, runID)

	stats := &RunStats{
		ID:         runID,
		StartedAt:  time.Now(),
		Status:     "completed",
		Exclusions: make(map[string]int),
	}

	s.setState(StateSelecting)
	selected, err := s.selectGroups(ctx, stats)
	if err != nil {
		stats.Status = "failed"
		stats.ErrorMessage = err.Error()
		s.finishRun(ctx, stats)
		return stats
	}

	metrics.AutoApplySelectedGroups.Set(float64(len(selected)))
	stats.GroupsSelected = len(selected)

	s.setState(StateExecuting)
	s.executeGroups(ctx, selected, stats)

	s.finishRun(ctx, stats)
	return stats
}

// selectGroups walks the open target keys FIFO and applies the selection
// gates. Selection stops once the proposal budget for this run is spent.
func (s *Scheduler) selectGroups(ctx context.Context, stats *RunStats) ([]*consolidation.WorkingGroup, error) {
	keys, err := s.proposals.ListPendingTargetKeys(ctx, constants.MaxLimit)
	if err != nil {
		return nil, err
	}

	var selected []*consolidation.WorkingGroup
	budget := s.cfg.MaxProposalsPerRun

	for _, key := range keys {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		stats.GroupsExamined++

		pending, err := s.proposals.FindPendingByTargetKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			continue
		}
		stats.ProposalsAnalyzed += len(pending)

		group := s.engine.Consolidate(pending)

		if reason := s.gate(group); reason != "" {
			s.exclude(stats, group, reason)
			continue
		}

		if ruleName, err := s.rules.Evaluate(group); err != nil {
			s.logger.WarnwCtx(ctx, "Exclusion rule evaluation failed, excluding group",
				"target_key", group.TargetKey.String(),
				"rule", ruleName,
				"error", err,
			)
			s.exclude(stats, group, constants.ExclusionRuleError)
			continue
		} else if ruleName != "" {
			s.exclude(stats, group, ruleName)
			continue
		}

		if len(group.Pending) > budget {
			// A group larger than the whole budget would sit at the head of
			// the FIFO forever, so it runs alone. Anything else rolls over
			// to the next cycle.
			if budget == s.cfg.MaxProposalsPerRun {
				selected = append(selected, group)
				budget = 0
				continue
			}
			s.exclude(stats, group, constants.ExclusionBatchCap)
			break
		}
		budget -= len(group.Pending)

		selected = append(selected, group)
	}

	return selected, nil
}

// gate applies the structural selection checks and returns the exclusion
// reason, or empty when the group qualifies.
func (s *Scheduler) gate(group *consolidation.WorkingGroup) string {
	anyApproved := false
	for _, approved := range group.ApprovedBlocks {
		if approved {
			anyApproved = true
			break
		}
	}
	if !anyApproved {
		return constants.ExclusionNoApprovals
	}

	if group.MaxConfidence() < s.cfg.MinConfidence {
		return constants.ExclusionLowConfidence
	}

	blocks := group.Blocks()
	for _, p := range group.Pending {
		if result := blockgraph.ValidateRequiredBlocks(blocks, string(p.Type)); !result.Valid {
			return constants.ExclusionMissingBlocks
		}
	}

	return ""
}

func (s *Scheduler) exclude(stats *RunStats, group *consolidation.WorkingGroup, reason string) {
	stats.Exclusions[reason]++
	metrics.AutoApplyExclusionsTotal.WithLabelValues(reason).Inc()
	s.logger.Debugw("Group excluded from auto-apply",
		"target_key", group.TargetKey.String(),
		"reason", reason,
	)
}

// executeGroups applies the selected groups concurrently. Target keys are
// distinct by construction, and the advisory lock still guards against a
// concurrent manual apply on the same key.
func (s *Scheduler) executeGroups(ctx context.Context, groups []*consolidation.WorkingGroup, stats *RunStats) {
	var mu sync.Mutex

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)

	for _, group := range groups {
		g.Go(func() error {
			// Shutdown is observed between groups; an in-flight block write
			// still runs to completion inside the executor.
			if groupCtx.Err() != nil {
				return nil
			}

			lock, err := s.locker.TryLock(groupCtx, group.TargetKey.String())
			if err != nil {
				if pkgerrors.IsConflict(err) {
					mu.Lock()
					stats.Exclusions[constants.ExclusionInFlight]++
					mu.Unlock()
					metrics.AutoApplyExclusionsTotal.WithLabelValues(constants.ExclusionInFlight).Inc()
					return nil
				}
				s.logger.ErrorwCtx(groupCtx, "Failed to acquire target lock",
					"target_key", group.TargetKey.String(),
					"error", err,
				)
				return nil
			}
			defer func() {
				if err := lock.Release(context.WithoutCancel(groupCtx)); err != nil {
					s.logger.WarnwCtx(groupCtx, "Failed to release target lock",
						"target_key", group.TargetKey.String(),
						"error", err,
					)
				}
			}()

			applyCtx := logging.WithTargetKey(groupCtx, group.TargetKey.String())

			if err := s.executor.ArchiveSuperseded(applyCtx, group); err != nil {
				s.logger.ErrorwCtx(applyCtx, "Failed to archive superseded proposals", "error", err)
			}

			result, err := s.executor.Apply(applyCtx, group, application.TriggerAuto)
			if err != nil {
				s.logger.ErrorwCtx(applyCtx, "Application run errored", "error", err)
				mu.Lock()
				stats.BlocksFailed++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			stats.BlocksApplied += len(result.Applied)
			stats.BlocksFailed += len(result.Failed)
			stats.BlocksBlocked += len(result.Blocked)
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
}

func newRunID() string {
	return uuid.New().String()
}

func (s *Scheduler) finishRun(ctx context.Context, stats *RunStats) {
	stats.FinishedAt = time.Now()

	if stats.Status == "completed" && stats.BlocksFailed > 0 {
		stats.Status = "completed_with_failures"
	}
	metrics.AutoApplyRunsTotal.WithLabelValues(stats.Status).Inc()

	if s.stats != nil {
		if err := s.stats.RecordRun(context.WithoutCancel(ctx), stats); err != nil {
			s.logger.ErrorwCtx(ctx, "Failed to persist run statistics",
				"run_id", stats.ID,
				"error", err,
			)
		}
	}

	s.setState(StateIdle)

	s.logger.InfowCtx(ctx, "Auto-apply cycle finished",
		"run_id", stats.ID,
		"status", stats.Status,
		"groups_examined", stats.GroupsExamined,
		"groups_selected", stats.GroupsSelected,
		"proposals_analyzed", stats.ProposalsAnalyzed,
		"blocks_applied", stats.BlocksApplied,
		"blocks_failed", stats.BlocksFailed,
		"duration_ms", stats.FinishedAt.Sub(stats.StartedAt).Milliseconds(),
	)
}
