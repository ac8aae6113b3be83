package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"curator/internal/blockgraph"
	pkgerrors "curator/pkg/errors"
)

// Store is the persistence contract for proposals and their block
// applications.
type Store interface {
	Create(ctx context.Context, p *Proposal) error
	Get(ctx context.Context, id string) (*Proposal, error)
	FindByTargetKey(ctx context.Context, key TargetKey) ([]Proposal, error)
	FindPendingByTargetKey(ctx context.Context, key TargetKey) ([]Proposal, error)
	ListPendingTargetKeys(ctx context.Context, limit int) ([]TargetKey, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	UpdateApprovedBlocks(ctx context.Context, id string, blocks map[blockgraph.BlockType]bool) error
	UpdateChanges(ctx context.Context, id string, changes map[string]FieldChange) error

	CreateApplication(ctx context.Context, app *Application) error
	GetApplication(ctx context.Context, id string) (*Application, error)
	ListApplicationsByProposal(ctx context.Context, proposalID string) ([]Application, error)
	ListApplicationsByTargetKey(ctx context.Context, key TargetKey) ([]Application, error)
	UpdateApplication(ctx context.Context, id string, status ApplicationStatus, errorMessage string) error
	ResetApplication(ctx context.Context, id string, correctedChanges map[string]FieldValue) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Store {
	return &PostgresRepository{db: db}
}

const proposalColumns = `id, agent_id, event_id, edition_id, race_id, type, status, changes, approved_blocks, confidence, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, p *Proposal) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = StatusPending
	}

	changesJSON, err := json.Marshal(p.Changes)
	if err != nil {
		return fmt.Errorf("failed to marshal changes: %w", err)
	}
	blocksJSON, err := json.Marshal(p.ApprovedBlocks)
	if err != nil {
		return fmt.Errorf("failed to marshal approved blocks: %w", err)
	}

	query := `
		INSERT INTO proposals (` + proposalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.ExecContext(ctx, query,
		p.ID, p.AgentID, p.TargetKey.EventID, p.TargetKey.EditionID, p.TargetKey.RaceID,
		p.Type, p.Status, changesJSON, blocksJSON, p.Confidence, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return pkgerrors.ErrConflict.WithCause(err).WithDetail("message", fmt.Sprintf("proposal %s already exists", p.ID))
		}
		return fmt.Errorf("failed to create proposal: %w", err)
	}

	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) FindByTargetKey(ctx context.Context, key TargetKey) ([]Proposal, error) {
	query := `
		SELECT ` + proposalColumns + `
		FROM proposals
		WHERE event_id = $1 AND edition_id = $2 AND race_id = $3
		ORDER BY created_at ASC
	`
	return r.queryProposals(ctx, query, key.EventID, key.EditionID, key.RaceID)
}

func (r *PostgresRepository) FindPendingByTargetKey(ctx context.Context, key TargetKey) ([]Proposal, error) {
	query := `
		SELECT ` + proposalColumns + `
		FROM proposals
		WHERE event_id = $1 AND edition_id = $2 AND race_id = $3
		  AND status IN ($4, $5)
		ORDER BY created_at ASC
	`
	return r.queryProposals(ctx, query, key.EventID, key.EditionID, key.RaceID,
		StatusPending, StatusPartiallyApproved)
}

// ListPendingTargetKeys returns target keys with at least one open
// proposal, FIFO by the earliest proposal creation time.
func (r *PostgresRepository) ListPendingTargetKeys(ctx context.Context, limit int) ([]TargetKey, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT event_id, edition_id, race_id
		FROM proposals
		WHERE status IN ($1, $2)
		GROUP BY event_id, edition_id, race_id
		ORDER BY MIN(created_at) ASC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, StatusPending, StatusPartiallyApproved, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending target keys: %w", err)
	}
	defer rows.Close()

	var keys []TargetKey
	for rows.Next() {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		}
		var key TargetKey
		if err := rows.Scan(&key.EventID, &key.EditionID, &key.RaceID); err != nil {
			return nil, fmt.Errorf("failed to scan target key: %w", err)
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// UpdateStatus applies a lifecycle transition, rejecting moves the state
// machine forbids.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status Status) error {
	var current Status
	err := r.db.QueryRowContext(ctx, `SELECT status FROM proposals WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read proposal status: %w", err)
	}

	if !CanTransition(current, status) {
		return pkgerrors.ErrValidation.WithDetail("message",
			fmt.Sprintf("illegal status transition %s -> %s for proposal %s", current, status, id))
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE proposals SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		status, time.Now(), id, current,
	)
	if err != nil {
		return fmt.Errorf("failed to update proposal status: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return pkgerrors.ErrConflict.WithDetail("message",
			fmt.Sprintf("proposal %s changed concurrently", id))
	}

	return nil
}

func (r *PostgresRepository) UpdateApprovedBlocks(ctx context.Context, id string, blocks map[blockgraph.BlockType]bool) error {
	blocksJSON, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("failed to marshal approved blocks: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE proposals SET approved_blocks = $1, updated_at = $2 WHERE id = $3`,
		blocksJSON, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update approved blocks: %w", err)
	}

	return requireRow(res, id)
}

func (r *PostgresRepository) UpdateChanges(ctx context.Context, id string, changes map[string]FieldChange) error {
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("failed to marshal changes: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE proposals SET changes = $1, updated_at = $2 WHERE id = $3`,
		changesJSON, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update changes: %w", err)
	}

	return requireRow(res, id)
}

const applicationColumns = `id, proposal_id, block, status, applied_changes, applied_at, error_message, created_at, updated_at`

func (r *PostgresRepository) CreateApplication(ctx context.Context, app *Application) error {
	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	now := time.Now()
	app.CreatedAt = now
	app.UpdatedAt = now
	if app.Status == "" {
		app.Status = ApplicationPending
	}

	changesJSON, err := json.Marshal(app.AppliedChanges)
	if err != nil {
		return fmt.Errorf("failed to marshal applied changes: %w", err)
	}

	var block sql.NullString
	if app.Block != nil {
		block = sql.NullString{String: string(*app.Block), Valid: true}
	}

	query := `
		INSERT INTO proposal_applications (` + applicationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		app.ID, app.ProposalID, block, app.Status, changesJSON,
		app.AppliedAt, nullableString(app.ErrorMessage), app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetApplication(ctx context.Context, id string) (*Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM proposal_applications WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)
	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application: %w", err)
	}
	return app, nil
}

func (r *PostgresRepository) ListApplicationsByProposal(ctx context.Context, proposalID string) ([]Application, error) {
	query := `
		SELECT ` + applicationColumns + `
		FROM proposal_applications
		WHERE proposal_id = $1
		ORDER BY created_at ASC
	`
	return r.queryApplications(ctx, query, proposalID)
}

func (r *PostgresRepository) ListApplicationsByTargetKey(ctx context.Context, key TargetKey) ([]Application, error) {
	query := `
		SELECT a.id, a.proposal_id, a.block, a.status, a.applied_changes, a.applied_at, a.error_message, a.created_at, a.updated_at
		FROM proposal_applications a
		JOIN proposals p ON p.id = a.proposal_id
		WHERE p.event_id = $1 AND p.edition_id = $2 AND p.race_id = $3
		ORDER BY a.created_at ASC
	`
	return r.queryApplications(ctx, query, key.EventID, key.EditionID, key.RaceID)
}

func (r *PostgresRepository) UpdateApplication(ctx context.Context, id string, status ApplicationStatus, errorMessage string) error {
	var appliedAt interface{}
	if status == ApplicationApplied {
		appliedAt = time.Now()
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE proposal_applications
		SET status = $1, error_message = $2, applied_at = COALESCE($3, applied_at), updated_at = $4
		WHERE id = $5
	`, status, nullableString(errorMessage), appliedAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update application: %w", err)
	}

	return requireRow(res, id)
}

// ResetApplication moves a terminal application back to PENDING for a
// replay attempt, replacing its payload with the corrected changes. Only
// FAILED or APPLIED applications may be reset.
func (r *PostgresRepository) ResetApplication(ctx context.Context, id string, correctedChanges map[string]FieldValue) error {
	changesJSON, err := json.Marshal(correctedChanges)
	if err != nil {
		return fmt.Errorf("failed to marshal corrected changes: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE proposal_applications
		SET status = $1, applied_changes = $2, applied_at = NULL, error_message = NULL, updated_at = $3
		WHERE id = $4 AND status IN ($5, $6)
	`, ApplicationPending, changesJSON, time.Now(), id, ApplicationFailed, ApplicationApplied)
	if err != nil {
		return fmt.Errorf("failed to reset application: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return pkgerrors.ErrValidation.WithDetail("message",
			fmt.Sprintf("application %s not found or not in a resettable state", id))
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(row rowScanner) (*Proposal, error) {
	var p Proposal
	var changesJSON, blocksJSON []byte

	err := row.Scan(
		&p.ID, &p.AgentID, &p.TargetKey.EventID, &p.TargetKey.EditionID, &p.TargetKey.RaceID,
		&p.Type, &p.Status, &changesJSON, &blocksJSON, &p.Confidence, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(changesJSON) > 0 {
		if err := json.Unmarshal(changesJSON, &p.Changes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
		}
	}
	if len(blocksJSON) > 0 {
		if err := json.Unmarshal(blocksJSON, &p.ApprovedBlocks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal approved blocks: %w", err)
		}
	}

	return &p, nil
}

func scanApplication(row rowScanner) (*Application, error) {
	var app Application
	var changesJSON []byte
	var block, errorMessage sql.NullString
	var appliedAt sql.NullTime

	err := row.Scan(
		&app.ID, &app.ProposalID, &block, &app.Status, &changesJSON,
		&appliedAt, &errorMessage, &app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if block.Valid {
		b := blockgraph.BlockType(block.String)
		app.Block = &b
	}
	if appliedAt.Valid {
		app.AppliedAt = &appliedAt.Time
	}
	if errorMessage.Valid {
		app.ErrorMessage = errorMessage.String
	}
	if len(changesJSON) > 0 {
		if err := json.Unmarshal(changesJSON, &app.AppliedChanges); err != nil {
			return nil, fmt.Errorf("failed to unmarshal applied changes: %w", err)
		}
	}

	return &app, nil
}

func (r *PostgresRepository) queryProposals(ctx context.Context, query string, args ...interface{}) ([]Proposal, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer rows.Close()

	var proposals []Proposal
	for rows.Next() {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		}
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		proposals = append(proposals, *p)
	}

	return proposals, rows.Err()
}

func (r *PostgresRepository) queryApplications(ctx context.Context, query string, args ...interface{}) ([]Application, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query applications: %w", err)
	}
	defer rows.Close()

	var apps []Application
	for rows.Next() {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		}
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		apps = append(apps, *app)
	}

	return apps, rows.Err()
}

func requireRow(res sql.Result, id string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
