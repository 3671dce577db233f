package storage

import (
	"context"
	"database/sql"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeVectorRoundTrip(t *testing.T) {
	v := []float32{0, 1.5, -2.25, float32(math.Pi)}
	blob := SerializeVector(v)
	assert.Len(t, blob, len(v)*4)
	assert.Equal(t, v, DeserializeVector(blob))
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"dimension mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestBuildVectorResults(t *testing.T) {
	candidates := []candidate{{id: 3, score: 0.9}, {id: 1, score: 0.9}, {id: 2, score: 0.95}}
	sortCandidates(candidates)

	results := buildVectorResults(candidates, 2)
	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[0].ID)
	assert.Equal(t, int64(1), results[1].ID, "ties break on id")

	assert.Len(t, buildVectorResults(candidates, 0), 3)
	assert.Len(t, buildVectorResults(candidates, 10), 3)
}

func insertIconVector(t *testing.T, db *sql.DB, name string, v []float32) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO icons (name, embedding) VALUES (?, ?)`, name, vectorArg(v))
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestSearchVector(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()
	ctx := context.Background()

	apple := insertIconVector(t, s.db, "apple", []float32{1, 0, 0})
	pear := insertIconVector(t, s.db, "pear", []float32{0.8, 0.6, 0})
	insertIconVector(t, s.db, "car", []float32{0, 0, 1})
	insertIconVector(t, s.db, "blank", nil)
	insertIconVector(t, s.db, "short", []float32{1, 0})

	t.Run("ranks by similarity", func(t *testing.T) {
		results, err := searchVector(ctx, s.db, vectorQuery{table: "icons"}, []float32{1, 0, 0}, 10)
		require.NoError(t, err)
		require.Len(t, results, 3, "rows without a matching embedding are skipped")
		assert.Equal(t, apple, results[0].ID)
		assert.InDelta(t, 1.0, results[0].SimilarityScore, 1e-6)
		assert.Equal(t, pear, results[1].ID)
		assert.InDelta(t, 0.8, results[1].SimilarityScore, 1e-6)
	})

	t.Run("min similarity", func(t *testing.T) {
		results, err := searchVector(ctx, s.db, vectorQuery{table: "icons", minSimilarity: 0.85}, []float32{1, 0, 0}, 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, apple, results[0].ID)
	})

	t.Run("extra predicate", func(t *testing.T) {
		results, err := searchVector(ctx, s.db, vectorQuery{
			table: "icons",
			where: "name = ?",
			args:  []interface{}{"pear"},
		}, []float32{1, 0, 0}, 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, pear, results[0].ID)
	})

	t.Run("empty query vector", func(t *testing.T) {
		_, err := searchVector(ctx, s.db, vectorQuery{table: "icons"}, nil, 10)
		assert.Error(t, err)
	})
}

// TestVectorSearchOptimization verifies that the sqlite-vec path agrees with
// the Go fallback
func TestVectorSearchOptimization(t *testing.T) {
	if !VectorExtensionAvailable {
		t.Skip("Skipping test: sqlite-vec extension not available")
	}

	s := setupTestDB(t)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		v := make([]float32, 16)
		for j := range v {
			v[j] = float32((i*7+j*3)%11) - 5
		}
		insertIconVector(t, s.db, "icon", v)
	}
	query := make([]float32, 16)
	for i := range query {
		query[i] = float32(i) * 0.1
	}

	vq := vectorQuery{table: "icons", minSimilarity: 0.1}
	optimized, err := searchVectorOptimized(ctx, s.db, vq, query, 5)
	require.NoError(t, err)
	fallback, err := searchVectorFallback(ctx, s.db, vq, query, 5)
	require.NoError(t, err)

	require.Equal(t, len(fallback), len(optimized))
	for i := range optimized {
		// float32 inside sqlite-vec vs float64 in Go
		assert.InDelta(t, fallback[i].SimilarityScore, optimized[i].SimilarityScore, 1e-4)
	}
}
