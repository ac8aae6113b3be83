// Package agents looks up metadata about the automated agents that submit
// proposals. The registry lives in MongoDB and is maintained by the agent
// platform; curation only reads it, for display and reporting.
package agents

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Agent struct {
	ID          string `bson:"_id" json:"id"`
	DisplayName string `bson:"display_name" json:"display_name"`
	Kind        string `bson:"kind" json:"kind"`
	Enabled     bool   `bson:"enabled" json:"enabled"`
}

type Registry interface {
	DisplayName(ctx context.Context, agentID string) string
	ListEnabled(ctx context.Context) ([]Agent, error)
}

type MongoDBRegistry struct {
	collection *mongo.Collection
}

func NewRegistry(db *mongo.Database) Registry {
	return &MongoDBRegistry{
		collection: db.Collection("agents"),
	}
}

// DisplayName resolves an agent id to its display name, falling back to
// the raw id for unknown agents.
func (r *MongoDBRegistry) DisplayName(ctx context.Context, agentID string) string {
	var agent Agent
	err := r.collection.FindOne(ctx, bson.M{"_id": agentID}).Decode(&agent)
	if err != nil || agent.DisplayName == "" {
		return agentID
	}
	return agent.DisplayName
}

func (r *MongoDBRegistry) ListEnabled(ctx context.Context) ([]Agent, error) {
	filter := bson.M{"enabled": true}
	opts := options.Find().SetSort(bson.D{{Key: "display_name", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find agents: %w", err)
	}
	defer cursor.Close(ctx)

	var agents []Agent
	if err := cursor.All(ctx, &agents); err != nil {
		return nil, fmt.Errorf("failed to decode agents: %w", err)
	}

	return agents, nil
}

// NopRegistry serves deployments without a Mongo agent registry.
type NopRegistry struct{}

func (NopRegistry) DisplayName(_ context.Context, agentID string) string {
	return agentID
}

func (NopRegistry) ListEnabled(context.Context) ([]Agent, error) {
	return nil, nil
}
