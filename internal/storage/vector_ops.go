package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// vectorQuery describes one embedded corpus. Every searchable table has an
// integer id and an embedding BLOB column.
type vectorQuery struct {
	table         string
	where         string // optional extra predicate
	args          []interface{}
	minSimilarity float64
}

// searchVector performs vector similarity search using cosine similarity
func searchVector(ctx context.Context, db *sql.DB, vq vectorQuery, queryVector []float32, limit int) ([]VectorResult, error) {
	if len(queryVector) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}
	// Use optimized SQL-based search when sqlite-vec is available
	if VectorExtensionAvailable {
		return searchVectorOptimized(ctx, db, vq, queryVector, limit)
	}
	// Fall back to Go-based computation for purego builds
	return searchVectorFallback(ctx, db, vq, queryVector, limit)
}

// searchVectorOptimized uses sqlite-vec extension for SQL-based vector similarity search
func searchVectorOptimized(ctx context.Context, db *sql.DB, vq vectorQuery, queryVector []float32, limit int) ([]VectorResult, error) {
	if limit <= 0 {
		return []VectorResult{}, nil
	}
	queryVectorBlob := serializeVector(queryVector)

	// vec_distance_cosine returns distance (lower is better); convert to similarity
	query := fmt.Sprintf(`
		SELECT id, 1.0 - vec_distance_cosine(embedding, ?) AS similarity
		FROM %s
		WHERE embedding IS NOT NULL AND length(embedding) = ?
	`, vq.table)
	args := []interface{}{queryVectorBlob, len(queryVectorBlob)}

	if vq.where != "" {
		query += " AND " + vq.where
		args = append(args, vq.args...)
	}
	if vq.minSimilarity > 0 {
		query += " AND (1.0 - vec_distance_cosine(embedding, ?)) >= ?"
		args = append(args, queryVectorBlob, vq.minSimilarity)
	}
	query += " ORDER BY similarity DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]VectorResult, 0, limit)
	for rows.Next() {
		var result VectorResult
		if err := rows.Scan(&result.ID, &result.SimilarityScore); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// searchVectorFallback performs vector search using Go-based cosine similarity computation
// This is used when sqlite-vec extension is not available (purego builds)
func searchVectorFallback(ctx context.Context, db *sql.DB, vq vectorQuery, queryVector []float32, limit int) ([]VectorResult, error) {
	query := fmt.Sprintf(`SELECT id, embedding FROM %s WHERE embedding IS NOT NULL`, vq.table)
	args := []interface{}{}
	if vq.where != "" {
		query += " AND " + vq.where
		args = append(args, vq.args...)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := computeSimilarityScores(rows, queryVector, vq.minSimilarity)
	if err != nil {
		return nil, err
	}

	sortCandidates(candidates)
	return buildVectorResults(candidates, limit), nil
}

// computeSimilarityScores processes rows and computes cosine similarity
func computeSimilarityScores(rows *sql.Rows, queryVector []float32, minSimilarity float64) ([]candidate, error) {
	candidates := make([]candidate, 0, 256)

	for rows.Next() {
		var id int64
		var vectorBlob []byte
		if err := rows.Scan(&id, &vectorBlob); err != nil {
			return nil, err
		}

		vector := deserializeVector(vectorBlob)
		if len(vector) != len(queryVector) {
			continue // Dimension mismatch, e.g. rows embedded by another model
		}

		similarity := cosineSimilarity(queryVector, vector)
		if minSimilarity > 0 && similarity < minSimilarity {
			continue
		}
		candidates = append(candidates, candidate{id: id, score: similarity})
	}

	return candidates, rows.Err()
}

// buildVectorResults creates VectorResult slice from candidates
func buildVectorResults(candidates []candidate, limit int) []VectorResult {
	// Handle negative or zero limit - return all candidates
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}

	results := make([]VectorResult, limit)
	for i := 0; i < limit; i++ {
		results[i] = VectorResult{
			ID:              candidates[i].id,
			SimilarityScore: candidates[i].score,
		}
	}
	return results
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// candidate represents a row with its similarity score
type candidate struct {
	id    int64
	score float64
}

// sortCandidates sorts by score descending, ties by id for stable results
func sortCandidates(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
}

// SerializeVector is an exported helper for testing
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}

// DeserializeVector is an exported helper for testing
func DeserializeVector(blob []byte) []float32 {
	return deserializeVector(blob)
}

// CosineSimilarity computes cosine similarity between two vectors
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}
