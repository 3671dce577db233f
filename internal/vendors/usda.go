package vendors

import (
	"context"
	"fmt"

	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/pkg/types"
)

// DefaultBulkMinSimilarity is the similarity floor of the bulk index
const DefaultBulkMinSimilarity = 0.725

// BulkIndex is the storage subset the USDA vendor reads
type BulkIndex interface {
	SearchBulkIndex(ctx context.Context, vector []float32, filter storage.BulkFilter, limit int, minSimilarity float64) ([]storage.VectorResult, error)
	GetBulkFood(ctx context.Context, id int64) (*storage.BulkFood, error)
}

// USDA searches the locally loaded FoodData Central bulk index with the
// branded split matching the query. It makes no network calls.
type USDA struct {
	index         BulkIndex
	minSimilarity float64
}

// NewUSDA creates the vendor over the bulk index
func NewUSDA(index BulkIndex, minSimilarity float64) *USDA {
	if minSimilarity <= 0 {
		minSimilarity = DefaultBulkMinSimilarity
	}
	return &USDA{index: index, minSimilarity: minSimilarity}
}

// Name implements Vendor
func (u *USDA) Name() string {
	return NameUSDA
}

// Search implements Vendor. Scores come from the index itself, so the
// bulk floor applies rather than the query's vendor minimum.
func (u *USDA) Search(ctx context.Context, q *Query) ([]types.CandidateMatch, error) {
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("usda: query vector required")
	}
	limit := q.MaxResults
	if limit <= 0 {
		limit = 10
	}
	branded := q.Desc.Branded
	hits, err := u.index.SearchBulkIndex(ctx, q.Vector, storage.BulkFilter{Branded: &branded}, limit, u.minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("usda bulk search: %w", err)
	}

	seen := make(map[string]bool, len(hits))
	candidates := make([]types.CandidateMatch, 0, len(hits))
	for _, h := range hits {
		food, err := u.index.GetBulkFood(ctx, h.ID)
		if err != nil {
			return nil, fmt.Errorf("usda bulk food %d: %w", h.ID, err)
		}
		if seen[food.FdcID] {
			continue
		}
		seen[food.FdcID] = true
		candidates = append(candidates, types.CandidateMatch{
			Source:     types.SourceUSDA,
			ID:         food.ID,
			ExternalID: food.FdcID,
			Name:       food.Name,
			Brand:      food.Brand,
			Similarity: h.SimilarityScore,
			Payload:    food.Payload,
		})
	}
	return candidates, nil
}
