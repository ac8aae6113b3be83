package entitystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"curator/internal/blockgraph"
	"curator/internal/proposal"
	pkgerrors "curator/pkg/errors"
)

type PostgresStore struct {
	db           *sql.DB
	writeTimeout time.Duration
}

func NewPostgresStore(db *sql.DB, writeTimeout time.Duration) Store {
	return &PostgresStore{db: db, writeTimeout: writeTimeout}
}

// ApplyBlock upserts the block's fields into the event record. The merge is
// a shallow JSONB union keyed by field name, so writing the same payload
// twice is a no-op.
func (s *PostgresStore) ApplyBlock(ctx context.Context, target proposal.TargetKey, block *blockgraph.BlockType, fields map[string]proposal.FieldValue) error {
	if target.IsZero() {
		return pkgerrors.ErrValidation.WithDetail("message", "target key is empty")
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return pkgerrors.ErrInternal.WithCause(fmt.Errorf("failed to marshal fields: %w", err))
	}

	blockName := blockgraph.LegacyToken
	if block != nil {
		blockName = string(*block)
	}

	writeCtx := ctx
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}

	query := `
		INSERT INTO event_records (event_id, edition_id, race_id, block, fields, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id, edition_id, race_id, block)
		DO UPDATE SET fields = event_records.fields || EXCLUDED.fields, updated_at = EXCLUDED.updated_at
	`

	_, err = s.db.ExecContext(writeCtx, query,
		target.EventID, target.EditionID, target.RaceID, blockName, fieldsJSON, time.Now(),
	)
	if err != nil {
		return classifyError(err, target, blockName)
	}

	return nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func classifyError(err error, target proposal.TargetKey, block string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.ErrTimeout.WithCause(err).
			WithDetail("target_key", target.String()).
			WithDetail("block", block)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001", "40P01":
			// Unique violation, serialization failure, deadlock.
			return pkgerrors.ErrConflict.WithCause(err).
				WithDetail("target_key", target.String()).
				WithDetail("block", block)
		case "23503":
			// Foreign key: the target record is gone.
			return pkgerrors.ErrNotFound.WithCause(err).
				WithDetail("target_key", target.String()).
				WithDetail("block", block)
		}
	}

	return pkgerrors.ErrInternal.WithCause(err).
		WithDetail("target_key", target.String()).
		WithDetail("block", block)
}
