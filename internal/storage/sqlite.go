package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/foodresolve/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait on locks held by other processes sharing the catalog
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply migrations
	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// DB exposes the underlying handle for migration tooling
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTx) CreateFoodItem(ctx context.Context, item *types.CanonicalFoodItem) error {
	return t.storage.createFoodItemWithQuerier(ctx, t.tx, item)
}

func (t *sqliteTx) UpsertBulkFood(ctx context.Context, food *BulkFood) error {
	return t.storage.upsertBulkFoodWithQuerier(ctx, t.tx, food)
}

// NormalizeName lower-cases, trims, and collapses internal whitespace
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Food item operations

// CreateFoodItem inserts an item with its servings and nutrients atomically
func (s *SQLiteStorage) CreateFoodItem(ctx context.Context, item *types.CanonicalFoodItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.createFoodItemWithQuerier(ctx, tx, item); err != nil {
		return err
	}
	return tx.Commit()
}

// createFoodItemWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) createFoodItemWithQuerier(ctx context.Context, q querier, item *types.CanonicalFoodItem) error {
	if err := item.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO food_items (
			name, brand, name_norm, brand_norm, description,
			default_weight_g, default_liquid_ml, is_liquid,
			kcal, protein_g, carbs_g, fat_g, alcohol_g, fiber_g, sugar_g, added_sugar_g,
			sat_fat_g, trans_fat_g, cholesterol_mg, sodium_mg, density_flagged,
			source, external_id, source_url, embedding, icon_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	m := item.Macros
	result, err := q.ExecContext(ctx, query,
		item.Name, item.Brand, NormalizeName(item.Name), NormalizeName(item.Brand), item.Description,
		item.DefaultServingWeightGrams, item.DefaultServingLiquidMl, item.IsLiquid,
		m.Kcal, m.ProteinGrams, m.CarbGrams, m.FatGrams, m.AlcoholGrams, m.FiberGrams, m.SugarGrams, m.AddedSugar,
		m.SatFatGrams, m.TransFat, m.Cholesterol, m.SodiumMg, item.DensityFlagged,
		string(item.Provenance.Source), item.Provenance.ExternalID, item.Provenance.URL,
		vectorArg(item.Embedding), item.IconID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create food item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	item.ID = id
	item.CreatedAt = now

	for i := range item.Servings {
		sv := &item.Servings[i]
		sv.FoodItemID = id
		if sv.DefaultAmount <= 0 {
			sv.DefaultAmount = 1
		}
		res, err := q.ExecContext(ctx, `
			INSERT INTO servings (food_item_id, weight_g, name, alt_unit, alt_amount, default_amount)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, sv.WeightGrams, sv.Name, sv.AltUnit, sv.AltAmount, sv.DefaultAmount)
		if err != nil {
			return fmt.Errorf("failed to create serving %q: %w", sv.Name, err)
		}
		if sv.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}

	for _, n := range item.Nutrients {
		_, err := q.ExecContext(ctx, `
			INSERT INTO nutrients (food_item_id, name, unit, amount) VALUES (?, ?, ?, ?)
		`, id, n.Name, n.Unit, n.Amount)
		if err != nil {
			return fmt.Errorf("failed to create nutrient %q: %w", n.Name, err)
		}
	}

	return nil
}

const foodItemColumns = `
	id, name, brand, description, default_weight_g, default_liquid_ml, is_liquid,
	kcal, protein_g, carbs_g, fat_g, alcohol_g, fiber_g, sugar_g, added_sugar_g,
	sat_fat_g, trans_fat_g, cholesterol_mg, sodium_mg, density_flagged,
	source, external_id, source_url, embedding, icon_id, created_at
`

// GetFoodItem loads an item with its servings and nutrients
func (s *SQLiteStorage) GetFoodItem(ctx context.Context, id int64) (*types.CanonicalFoodItem, error) {
	return s.getFoodItemWithQuerier(ctx, s.db, id)
}

func (s *SQLiteStorage) getFoodItemWithQuerier(ctx context.Context, q querier, id int64) (*types.CanonicalFoodItem, error) {
	var (
		item                        types.CanonicalFoodItem
		weight, liquid              sql.NullFloat64
		alcohol, fiber, sugar, adds sql.NullFloat64
		sat, trans, chol, sodium    sql.NullFloat64
		source                      string
		embedding                   []byte
		iconID                      sql.NullInt64
	)
	err := q.QueryRowContext(ctx, "SELECT "+foodItemColumns+" FROM food_items WHERE id = ?", id).Scan(
		&item.ID, &item.Name, &item.Brand, &item.Description, &weight, &liquid, &item.IsLiquid,
		&item.Kcal, &item.ProteinGrams, &item.CarbGrams, &item.FatGrams, &alcohol, &fiber, &sugar, &adds,
		&sat, &trans, &chol, &sodium, &item.DensityFlagged,
		&source, &item.Provenance.ExternalID, &item.Provenance.URL, &embedding, &iconID, &item.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get food item: %w", err)
	}

	item.DefaultServingWeightGrams = nullFloat(weight)
	item.DefaultServingLiquidMl = nullFloat(liquid)
	item.AlcoholGrams = nullFloat(alcohol)
	item.FiberGrams = nullFloat(fiber)
	item.SugarGrams = nullFloat(sugar)
	item.AddedSugar = nullFloat(adds)
	item.SatFatGrams = nullFloat(sat)
	item.TransFat = nullFloat(trans)
	item.Cholesterol = nullFloat(chol)
	item.SodiumMg = nullFloat(sodium)
	item.Provenance.Source = types.Source(source)
	if len(embedding) > 0 {
		item.Embedding = deserializeVector(embedding)
	}
	if iconID.Valid {
		item.IconID = &iconID.Int64
	}

	if item.Servings, err = s.listServingsWithQuerier(ctx, q, id); err != nil {
		return nil, err
	}
	if item.Nutrients, err = s.listNutrientsWithQuerier(ctx, q, id); err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *SQLiteStorage) listServingsWithQuerier(ctx context.Context, q querier, itemID int64) ([]types.Serving, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, food_item_id, weight_g, name, alt_unit, alt_amount, default_amount
		FROM servings WHERE food_item_id = ? ORDER BY id
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list servings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	servings := make([]types.Serving, 0)
	for rows.Next() {
		var sv types.Serving
		var weight, alt sql.NullFloat64
		if err := rows.Scan(&sv.ID, &sv.FoodItemID, &weight, &sv.Name, &sv.AltUnit, &alt, &sv.DefaultAmount); err != nil {
			return nil, err
		}
		sv.WeightGrams = nullFloat(weight)
		sv.AltAmount = nullFloat(alt)
		servings = append(servings, sv)
	}
	return servings, rows.Err()
}

func (s *SQLiteStorage) listNutrientsWithQuerier(ctx context.Context, q querier, itemID int64) ([]types.Nutrient, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name, unit, amount FROM nutrients WHERE food_item_id = ? ORDER BY id
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nutrients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nutrients []types.Nutrient
	for rows.Next() {
		var n types.Nutrient
		if err := rows.Scan(&n.Name, &n.Unit, &n.Amount); err != nil {
			return nil, err
		}
		nutrients = append(nutrients, n)
	}
	return nutrients, rows.Err()
}

// FindExistingFoodItem performs the pre-insert existence check: a
// case-insensitive substring match on name, restricted to rows whose brand
// matches or is empty. An exact normalized name and brand match is preferred
// among the hits. Returns ErrNotFound when nothing matches.
func (s *SQLiteStorage) FindExistingFoodItem(ctx context.Context, name, brand string) (*types.CanonicalFoodItem, error) {
	nameNorm := NormalizeName(name)
	brandNorm := NormalizeName(brand)
	if nameNorm == "" {
		return nil, ErrNotFound
	}

	query := `
		SELECT id FROM food_items
		WHERE name_norm LIKE '%' || ? || '%' ESCAPE '\'
		  AND (brand_norm = ? OR brand_norm = '')
		ORDER BY (name_norm = ? AND brand_norm = ?) DESC, id ASC
		LIMIT 1
	`
	var id int64
	err := s.db.QueryRowContext(ctx, query, escapeLike(nameNorm), brandNorm, nameNorm, brandNorm).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check existing food item: %w", err)
	}
	return s.GetFoodItem(ctx, id)
}

// UpdateServing updates weight and alternate unit fields of a serving
func (s *SQLiteStorage) UpdateServing(ctx context.Context, sv *types.Serving) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE servings SET weight_g = ?, name = ?, alt_unit = ?, alt_amount = ?, default_amount = ?
		WHERE id = ?
	`, sv.WeightGrams, sv.Name, sv.AltUnit, sv.AltAmount, sv.DefaultAmount, sv.ID)
	if err != nil {
		return fmt.Errorf("failed to update serving: %w", err)
	}
	return requireRow(res)
}

// SetFoodItemIcon links an icon to an item
func (s *SQLiteStorage) SetFoodItemIcon(ctx context.Context, itemID, iconID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE food_items SET icon_id = ? WHERE id = ?`, iconID, itemID)
	if err != nil {
		return fmt.Errorf("failed to set icon: %w", err)
	}
	return requireRow(res)
}

// SearchCatalog ranks catalog items by cosine similarity to vector
func (s *SQLiteStorage) SearchCatalog(ctx context.Context, vector []float32, limit int, minSimilarity float64) ([]VectorResult, error) {
	return searchVector(ctx, s.db, vectorQuery{
		table:         "food_items",
		minSimilarity: minSimilarity,
	}, vector, limit)
}

// SearchBulkIndex ranks bulk index rows by cosine similarity to vector
func (s *SQLiteStorage) SearchBulkIndex(ctx context.Context, vector []float32, filter BulkFilter, limit int, minSimilarity float64) ([]VectorResult, error) {
	vq := vectorQuery{
		table:         "usda_foods",
		minSimilarity: minSimilarity,
	}
	if filter.Branded != nil {
		vq.where = "branded = ?"
		vq.args = []interface{}{*filter.Branded}
	}
	return searchVector(ctx, s.db, vq, vector, limit)
}

// GetStatus returns catalog statistics
func (s *SQLiteStorage) GetStatus(ctx context.Context) (*Status, error) {
	status := &Status{BuildMode: BuildMode}

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM food_items", &status.FoodItems},
		{"SELECT COUNT(*) FROM servings", &status.Servings},
		{"SELECT COUNT(*) FROM usda_foods", &status.BulkFoods},
		{"SELECT COUNT(*) FROM embedding_cache", &status.CachedVectors},
		{"SELECT COUNT(*) FROM logged_entries WHERE status = 'PENDING'", &status.PendingEntries},
		{"SELECT COUNT(*) FROM icon_jobs WHERE status = 'queued'", &status.QueuedIconJobs},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to collect status: %w", err)
		}
	}

	version, err := currentSchemaVersion(ctx, s.db)
	if err != nil {
		return nil, err
	}
	status.SchemaVersion = version.String()
	return status, nil
}

// Helper functions

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func vectorArg(v []float32) interface{} {
	if len(v) == 0 {
		return nil
	}
	return serializeVector(v)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
