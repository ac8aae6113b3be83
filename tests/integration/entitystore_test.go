package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curator/internal/blockgraph"
	"curator/internal/entitystore"
	"curator/internal/proposal"
)

func readEntityFields(t *testing.T, infra *TestInfra, key proposal.TargetKey, block string) map[string]json.RawMessage {
	t.Helper()

	var raw []byte
	err := infra.PostgresDB.QueryRow(
		`SELECT fields FROM event_records WHERE event_id = $1 AND edition_id = $2 AND race_id = $3 AND block = $4`,
		key.EventID, key.EditionID, key.RaceID, block,
	).Scan(&raw)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	return fields
}

func TestPostgresEntityStore_ApplyBlockUpserts(t *testing.T) {
	infra := SetupTestInfra(t)

	store := entitystore.NewPostgresStore(infra.PostgresDB, 10*time.Second)
	ctx := context.Background()

	key := proposal.TargetKey{EventID: "ev-1", EditionID: "ed-2026"}
	event := blockgraph.BlockEvent

	err := store.ApplyBlock(ctx, key, &event, map[string]proposal.FieldValue{
		"name":    proposal.ScalarValue("Lakeside Ultra"),
		"website": proposal.ScalarValue("https://lakeside.example"),
	})
	require.NoError(t, err)

	fields := readEntityFields(t, infra, key, "event")
	assert.Len(t, fields, 2)

	// A second write for the same block merges fields instead of replacing
	// the record.
	err = store.ApplyBlock(ctx, key, &event, map[string]proposal.FieldValue{
		"name": proposal.ScalarValue("Lakeside Ultra 2026"),
	})
	require.NoError(t, err)

	fields = readEntityFields(t, infra, key, "event")
	assert.Len(t, fields, 2)
	assert.Contains(t, string(fields["name"]), "Lakeside Ultra 2026")
}

func TestPostgresEntityStore_BlocksAreIndependentRows(t *testing.T) {
	infra := SetupTestInfra(t)

	store := entitystore.NewPostgresStore(infra.PostgresDB, 10*time.Second)
	ctx := context.Background()

	key := proposal.TargetKey{EventID: "ev-1", EditionID: "ed-2026"}
	event := blockgraph.BlockEvent
	edition := blockgraph.BlockEdition

	require.NoError(t, store.ApplyBlock(ctx, key, &event, map[string]proposal.FieldValue{
		"name": proposal.ScalarValue("Lakeside Ultra"),
	}))
	require.NoError(t, store.ApplyBlock(ctx, key, &edition, map[string]proposal.FieldValue{
		"editionYear": proposal.ScalarValue(float64(2026)),
	}))

	var count int
	err := infra.PostgresDB.QueryRow(
		`SELECT COUNT(*) FROM event_records WHERE event_id = $1`, key.EventID,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPostgresEntityStore_LegacyWritesWithoutBlock(t *testing.T) {
	infra := SetupTestInfra(t)

	store := entitystore.NewPostgresStore(infra.PostgresDB, 10*time.Second)
	ctx := context.Background()

	key := proposal.TargetKey{EventID: "ev-legacy"}
	require.NoError(t, store.ApplyBlock(ctx, key, nil, map[string]proposal.FieldValue{
		"name": proposal.ScalarValue("Old Pipeline Event"),
	}))

	fields := readEntityFields(t, infra, key, "legacy")
	assert.Len(t, fields, 1)
}

func TestPostgresEntityStore_HealthCheck(t *testing.T) {
	infra := SetupTestInfra(t)

	store := entitystore.NewPostgresStore(infra.PostgresDB, 10*time.Second)
	assert.NoError(t, store.HealthCheck(context.Background()))
}
