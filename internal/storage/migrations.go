package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.2.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// AllMigrations contains all database migrations in order
var AllMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      migrationV1Up,
		Down:    migrationV1Down,
	},
	{
		Version: "1.1.0",
		Up:      migrationV11Up,
		Down:    migrationV11Down,
	},
	{
		Version: "1.2.0",
		Up:      migrationV12Up,
		Down:    migrationV12Down,
	},
}

// 1.0.0: canonical catalog.
//
// (name_norm, brand_norm) is indexed but deliberately not UNIQUE: duplicate
// detection is a pre-insert existence check and concurrent inserts of the
// same new food may both land.
const migrationV1Up = `
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS food_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    brand TEXT NOT NULL DEFAULT '',
    name_norm TEXT NOT NULL,
    brand_norm TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    default_weight_g REAL,
    default_liquid_ml REAL,
    is_liquid INTEGER NOT NULL DEFAULT 0,
    kcal REAL NOT NULL DEFAULT 0,
    protein_g REAL NOT NULL DEFAULT 0,
    carbs_g REAL NOT NULL DEFAULT 0,
    fat_g REAL NOT NULL DEFAULT 0,
    alcohol_g REAL,
    fiber_g REAL,
    sugar_g REAL,
    added_sugar_g REAL,
    sat_fat_g REAL,
    trans_fat_g REAL,
    cholesterol_mg REAL,
    sodium_mg REAL,
    density_flagged INTEGER NOT NULL DEFAULT 0,
    source TEXT NOT NULL,
    external_id TEXT NOT NULL DEFAULT '',
    source_url TEXT NOT NULL DEFAULT '',
    embedding BLOB,
    icon_id INTEGER,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_food_items_norm ON food_items(name_norm, brand_norm);
CREATE INDEX IF NOT EXISTS idx_food_items_source ON food_items(source, external_id);

CREATE TABLE IF NOT EXISTS servings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    food_item_id INTEGER NOT NULL,
    weight_g REAL,
    name TEXT NOT NULL,
    alt_unit TEXT NOT NULL DEFAULT '',
    alt_amount REAL,
    default_amount REAL NOT NULL DEFAULT 1,
    FOREIGN KEY (food_item_id) REFERENCES food_items(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_servings_item ON servings(food_item_id);

CREATE TABLE IF NOT EXISTS nutrients (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    food_item_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    unit TEXT NOT NULL,
    amount REAL NOT NULL,
    FOREIGN KEY (food_item_id) REFERENCES food_items(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_nutrients_item ON nutrients(food_item_id);
`

const migrationV1Down = `
DROP TABLE IF EXISTS nutrients;
DROP TABLE IF EXISTS servings;
DROP TABLE IF EXISTS food_items;
DROP TABLE IF EXISTS schema_version;
`

// 1.1.0: embedding cache and the bulk government index
const migrationV11Up = `
CREATE TABLE IF NOT EXISTS embedding_cache (
    id TEXT PRIMARY KEY,
    model TEXT NOT NULL,
    text TEXT NOT NULL,
    vector BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(model, text)
);

CREATE TABLE IF NOT EXISTS usda_foods (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fdc_id TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    brand TEXT NOT NULL DEFAULT '',
    branded INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL,
    embedding BLOB,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_usda_foods_branded ON usda_foods(branded);
`

const migrationV11Down = `
DROP TABLE IF EXISTS usda_foods;
DROP TABLE IF EXISTS embedding_cache;
`

// 1.2.0: vendor call counters, icons, caller-owned log rows
const migrationV12Up = `
CREATE TABLE IF NOT EXISTS api_calls (
    api_name TEXT NOT NULL,
    bucket_start INTEGER NOT NULL,
    count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (api_name, bucket_start)
);

CREATE TABLE IF NOT EXISTS icons (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    embedding BLOB,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS icon_jobs (
    id TEXT PRIMARY KEY,
    food_item_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_icon_jobs_status ON icon_jobs(status);

CREATE TABLE IF NOT EXISTS logging_requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    items_total INTEGER NOT NULL DEFAULT 0,
    items_processed INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS logged_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    request_id INTEGER,
    search_name TEXT NOT NULL,
    brand TEXT NOT NULL DEFAULT '',
    branded INTEGER NOT NULL DEFAULT 0,
    raw_phrase TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'PENDING',
    food_item_id INTEGER,
    serving_grams REAL,
    serving_name TEXT NOT NULL DEFAULT '',
    serving_amount REAL NOT NULL DEFAULT 0,
    serving_id INTEGER,
    failure_reason TEXT NOT NULL DEFAULT '',
    consumed_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (request_id) REFERENCES logging_requests(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_logged_entries_status ON logged_entries(status);
CREATE INDEX IF NOT EXISTS idx_logged_entries_user ON logged_entries(user_id);
`

const migrationV12Down = `
DROP TABLE IF EXISTS logged_entries;
DROP TABLE IF EXISTS logging_requests;
DROP TABLE IF EXISTS icon_jobs;
DROP TABLE IF EXISTS icons;
DROP TABLE IF EXISTS api_calls;
`

// ApplyMigrations runs all pending migrations
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	currentVersion, err := currentSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range AllMigrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}

		// Skip if already applied
		if !currentVersion.LessThan(migrationVersion) {
			continue
		}

		if _, err := db.ExecContext(ctx, migration.Up); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}

		if _, err := db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", migration.Version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}

		currentVersion = migrationVersion
	}

	return nil
}

// currentSchemaVersion returns the highest applied version, 0.0.0 on a fresh database
func currentSchemaVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	var tableName string
	err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return semver.MustParse("0.0.0"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// applied_at has second resolution, so order by semver rather than time
	current := semver.MustParse("0.0.0")
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		parsed, err := semver.NewVersion(v)
		if err != nil {
			return nil, fmt.Errorf("invalid schema version %s: %w", v, err)
		}
		if parsed.GreaterThan(current) {
			current = parsed
		}
	}
	return current, rows.Err()
}

// RollbackMigration rolls back the most recent migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	current, err := currentSchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current.Equal(semver.MustParse("0.0.0")) {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range AllMigrations {
		if semver.MustParse(AllMigrations[i].Version).Equal(current) {
			migration = &AllMigrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %s not found", current)
	}

	if _, err := db.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", migration.Version, err)
	}

	// The 1.0.0 down migration drops schema_version itself
	if migration.Version == "1.0.0" {
		return nil
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record %s: %w", migration.Version, err)
	}
	return nil
}
