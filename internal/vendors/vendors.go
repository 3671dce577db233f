package vendors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/pkg/types"
)

// Vendor names, also used as rate-limit keys
const (
	NameNutritionix = "nutritionix"
	NameFatSecret   = "fatsecret"
	NameUSDA        = "usda"
)

// DefaultMinSimilarity drops vendor candidates that are not close enough to
// the query to be worth arbitrating
const DefaultMinSimilarity = 0.8

var (
	// ErrMissingCredentials is returned when a vendor is enabled without keys
	ErrMissingCredentials = errors.New("vendor credentials not configured")
	// ErrBadResponse is returned for unparseable vendor payloads
	ErrBadResponse = errors.New("unexpected vendor response")
)

// Vendor is one external nutrition source
type Vendor interface {
	Name() string
	// Search returns scored candidates with their payload normalized into
	// catalog shape
	Search(ctx context.Context, q *Query) ([]types.CandidateMatch, error)
}

// BatchVectorizer embeds many texts at once through the embedding cache
type BatchVectorizer interface {
	GetOrCreateBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Query is what a vendor searches for
type Query struct {
	Desc          types.FoodDescription
	Vector        []float32
	MinSimilarity float64
	MaxResults    int

	vectorizer BatchVectorizer
}

// Text returns the vendor search expression
func (q *Query) Text() string {
	return q.Desc.QueryText()
}

// Ranked is a scored position in a vendor result list
type Ranked struct {
	Index      int
	Similarity float64
}

// Rank embeds labels and returns the positions whose similarity to the query
// is at least MinSimilarity, best first
func (q *Query) Rank(ctx context.Context, labels []string) ([]Ranked, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	if q.vectorizer == nil || len(q.Vector) == 0 {
		return nil, errors.New("query has no vectors to rank against")
	}
	texts := make([]string, len(labels))
	for i, l := range labels {
		texts[i] = strings.ToLower(l)
	}
	vectors, err := q.vectorizer.GetOrCreateBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed vendor labels: %w", err)
	}

	var ranked []Ranked
	for i, v := range vectors {
		score := storage.CosineSimilarity(q.Vector, v)
		if score >= q.MinSimilarity {
			ranked = append(ranked, Ranked{Index: i, Similarity: score})
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Similarity > ranked[b].Similarity
	})
	return ranked, nil
}

// labelWithBrand appends the brand unless the name already contains it
func labelWithBrand(name, brand string) string {
	if brand == "" || strings.Contains(strings.ToLower(name), strings.ToLower(brand)) {
		return name
	}
	return name + " - " + brand
}

// statusError is a non-2xx vendor response
type statusError struct {
	vendor string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s api error %d: %s", e.vendor, e.status, e.body)
}

// readBody returns the response body, or a statusError for non-2xx codes
func readBody(vendor string, resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", vendor, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, &statusError{vendor: vendor, status: resp.StatusCode, body: msg}
	}
	return body, nil
}
