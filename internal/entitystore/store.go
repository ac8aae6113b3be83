// Package entitystore is the boundary to the downstream event-record
// store. Writes are block-scoped field maps addressed by target key; the
// adapter guarantees per-key idempotence so a replayed write converges to
// the same state.
package entitystore

import (
	"context"

	"curator/internal/blockgraph"
	"curator/internal/proposal"
)

// Store writes one block's worth of curated fields to the downstream
// record. Implementations classify failures through pkg/errors sentinels:
// ErrNotFound (target missing), ErrConflict (concurrent write), ErrTimeout
// (deadline exceeded), ErrInternal (everything else).
type Store interface {
	ApplyBlock(ctx context.Context, target proposal.TargetKey, block *blockgraph.BlockType, fields map[string]proposal.FieldValue) error
	HealthCheck(ctx context.Context) error
}
