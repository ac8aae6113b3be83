package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"curator/internal/logger"
	"curator/pkg/retry"
)

// RunStats is the durable record of one auto-apply cycle.
type RunStats struct {
	ID                string         `json:"id"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        time.Time      `json:"finished_at"`
	Status            string         `json:"status"` // "completed" or "failed"
	GroupsExamined    int            `json:"groups_examined"`
	GroupsSelected    int            `json:"groups_selected"`
	ProposalsAnalyzed int            `json:"proposals_analyzed"`
	BlocksApplied     int            `json:"blocks_applied"`
	BlocksFailed      int            `json:"blocks_failed"`
	BlocksBlocked     int            `json:"blocks_blocked"`
	Exclusions        map[string]int `json:"exclusions,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
}

type StatsStore interface {
	RecordRun(ctx context.Context, stats *RunStats) error
	LastRuns(ctx context.Context, limit int) ([]RunStats, error)
}

type PostgresStatsRepository struct {
	db     *sql.DB
	logger logger.Logger
}

func NewStatsRepository(db *sql.DB, log logger.Logger) StatsStore {
	return &PostgresStatsRepository{db: db, logger: log}
}

// RecordRun persists the cycle record. Statistics are bookkeeping, not
// curation state, so transient failures are retried briefly and then
// dropped with a log line rather than failing the cycle.
func (r *PostgresStatsRepository) RecordRun(ctx context.Context, stats *RunStats) error {
	if stats.ID == "" {
		stats.ID = uuid.New().String()
	}

	exclusionsJSON, err := json.Marshal(stats.Exclusions)
	if err != nil {
		return fmt.Errorf("failed to marshal exclusions: %w", err)
	}

	policy := retry.Policy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
	}

	err = retry.Retry(ctx, policy, func() error {
		_, execErr := r.db.ExecContext(ctx, `
			INSERT INTO auto_apply_runs
				(id, started_at, finished_at, status, groups_examined, groups_selected,
				 proposals_analyzed, blocks_applied, blocks_failed, blocks_blocked,
				 exclusions, error_message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
			stats.ID, stats.StartedAt, stats.FinishedAt, stats.Status,
			stats.GroupsExamined, stats.GroupsSelected, stats.ProposalsAnalyzed,
			stats.BlocksApplied, stats.BlocksFailed, stats.BlocksBlocked,
			exclusionsJSON, nullable(stats.ErrorMessage),
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to record run stats: %w", err)
	}

	return nil
}

func (r *PostgresStatsRepository) LastRuns(ctx context.Context, limit int) ([]RunStats, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, status, groups_examined, groups_selected,
		       proposals_analyzed, blocks_applied, blocks_failed, blocks_blocked,
		       exclusions, error_message
		FROM auto_apply_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run stats: %w", err)
	}
	defer rows.Close()

	var runs []RunStats
	for rows.Next() {
		var stats RunStats
		var exclusionsJSON []byte
		var errorMessage sql.NullString

		err := rows.Scan(
			&stats.ID, &stats.StartedAt, &stats.FinishedAt, &stats.Status,
			&stats.GroupsExamined, &stats.GroupsSelected, &stats.ProposalsAnalyzed,
			&stats.BlocksApplied, &stats.BlocksFailed, &stats.BlocksBlocked,
			&exclusionsJSON, &errorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run stats: %w", err)
		}

		if len(exclusionsJSON) > 0 {
			if err := json.Unmarshal(exclusionsJSON, &stats.Exclusions); err != nil {
				return nil, fmt.Errorf("failed to unmarshal exclusions: %w", err)
			}
		}
		if errorMessage.Valid {
			stats.ErrorMessage = errorMessage.String
		}

		runs = append(runs, stats)
	}

	return runs, rows.Err()
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
