package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureAgentCollection creates the indexes the agent registry queries by.
// The collection itself is created lazily on first insert.
func EnsureAgentCollection(ctx context.Context, db *mongo.Database) error {
	collection := db.Collection("agents")

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "enabled", Value: 1}, {Key: "display_name", Value: 1}},
			Options: options.Index().SetName("idx_agents_enabled_display_name"),
		},
		{
			Keys:    bson.D{{Key: "kind", Value: 1}},
			Options: options.Index().SetName("idx_agents_kind"),
		},
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
