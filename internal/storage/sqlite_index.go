package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dshills/foodresolve/pkg/types"
)

// Embedding cache operations

// GetCachedEmbedding returns the cached vector for (model, text)
func (s *SQLiteStorage) GetCachedEmbedding(ctx context.Context, model, text string) (*CachedEmbedding, error) {
	var e CachedEmbedding
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, model, text, vector, dimension, created_at
		FROM embedding_cache WHERE model = ? AND text = ?
	`, model, text).Scan(&e.ID, &e.Model, &e.Text, &blob, &e.Dimension, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached embedding: %w", err)
	}
	e.Vector = deserializeVector(blob)
	return &e, nil
}

// PutCachedEmbedding stores an entry unless (model, text) is already cached,
// and returns the stored entry. Entries are immutable: when two writers race,
// the first row wins and both callers get it back.
func (s *SQLiteStorage) PutCachedEmbedding(ctx context.Context, entry *CachedEmbedding) (*CachedEmbedding, error) {
	if len(entry.Vector) == 0 {
		return nil, fmt.Errorf("cannot cache empty vector for %q", entry.Text)
	}
	if entry.ID == "" {
		entry.ID = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (id, model, text, vector, dimension, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(model, text) DO NOTHING
	`, entry.ID, entry.Model, entry.Text, serializeVector(entry.Vector), len(entry.Vector), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to cache embedding: %w", err)
	}
	return s.GetCachedEmbedding(ctx, entry.Model, entry.Text)
}

// Bulk index operations

// UpsertBulkFood inserts or refreshes a bulk index row keyed by FDC id
func (s *SQLiteStorage) UpsertBulkFood(ctx context.Context, food *BulkFood) error {
	return s.upsertBulkFoodWithQuerier(ctx, s.db, food)
}

// upsertBulkFoodWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) upsertBulkFoodWithQuerier(ctx context.Context, q querier, food *BulkFood) error {
	payload, err := json.Marshal(food.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode bulk food payload: %w", err)
	}

	now := time.Now().UTC()
	err = q.QueryRowContext(ctx, `
		INSERT INTO usda_foods (fdc_id, name, brand, branded, payload, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fdc_id) DO UPDATE SET
			name = excluded.name,
			brand = excluded.brand,
			branded = excluded.branded,
			payload = excluded.payload,
			embedding = COALESCE(excluded.embedding, usda_foods.embedding),
			updated_at = excluded.updated_at
		RETURNING id
	`, food.FdcID, food.Name, food.Brand, food.Branded, string(payload), vectorArg(food.Embedding), now).Scan(&food.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert bulk food %s: %w", food.FdcID, err)
	}
	food.UpdatedAt = now
	return nil
}

// GetBulkFood loads a bulk index row
func (s *SQLiteStorage) GetBulkFood(ctx context.Context, id int64) (*BulkFood, error) {
	var (
		food      BulkFood
		payload   string
		embedding []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, fdc_id, name, brand, branded, payload, embedding, updated_at
		FROM usda_foods WHERE id = ?
	`, id).Scan(&food.ID, &food.FdcID, &food.Name, &food.Brand, &food.Branded, &payload, &embedding, &food.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk food: %w", err)
	}

	var item types.CanonicalFoodItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return nil, fmt.Errorf("failed to decode bulk food payload %s: %w", food.FdcID, err)
	}
	food.Payload = &item
	if len(embedding) > 0 {
		food.Embedding = deserializeVector(embedding)
	}
	return &food, nil
}
