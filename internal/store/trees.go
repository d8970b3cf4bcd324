package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/canopyhq/canopy/internal/models"
)

// TreeRepository is the engine's read-only view of the trees collection. The
// tree-care vertical owns writes.
type TreeRepository struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// GetByID fetches a tree by id. Returns ErrNoMatch when absent.
func (r *TreeRepository) GetByID(ctx context.Context, id string) (*models.Tree, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var tree models.Tree
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&tree)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, err
	}
	return &tree, nil
}

// ListActive returns every active tree, the population both sweeps iterate.
func (r *TreeRepository) ListActive(ctx context.Context) ([]models.Tree, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	cur, err := r.coll.Find(ctx, bson.M{"active": true})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var trees []models.Tree
	for cur.Next(ctx) {
		var tree models.Tree
		if err := cur.Decode(&tree); err != nil {
			return nil, err
		}
		trees = append(trees, tree)
	}
	return trees, cur.Err()
}

func (r *TreeRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}
