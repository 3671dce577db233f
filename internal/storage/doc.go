// Package storage provides SQLite-based persistence for the food catalog.
//
// The storage layer manages:
//   - Canonical food items with their servings and nutrients
//   - The bulk government nutrition index (USDA FoodData Central rows)
//   - The embedding cache keyed by (model, text)
//   - Vendor call counters used by the shared rate limiter
//   - Icons and queued icon-generation jobs
//   - Caller-owned logging requests and logged entries
//
// # Database Schema
//
// Tables:
//   - food_items: canonical nutrition records with optional embedding
//   - servings, nutrients: children of food_items
//   - usda_foods: bulk index rows with a JSON payload and embedding
//   - embedding_cache: immutable vectors, UNIQUE(model, text)
//   - api_calls: hourly call buckets per vendor
//   - icons, icon_jobs: icon linking
//   - logging_requests, logged_entries: PENDING/RESOLVED/FAILED lifecycle
//
// Migrations are versioned with semver and applied on open.
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage("foodresolve.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if existing, err := db.FindExistingFoodItem(ctx, "Greek Yogurt", "Fage"); err == nil {
//	    return existing, nil
//	}
//	err = db.CreateFoodItem(ctx, item) // item, servings and nutrients in one transaction
//
// # Vector Search
//
//	results, err := db.SearchCatalog(ctx, queryVector, 20, 0.85)
//	for _, r := range results {
//	    fmt.Printf("item %d: %.3f\n", r.ID, r.SimilarityScore)
//	}
//
// Vector search uses cosine similarity via the sqlite-vec extension (CGO
// build) or a pure Go implementation (purego build).
//
// # Build Tags
//
// CGO Build (sqlite_vec tag):
//
//	CGO_ENABLED=1 go build -tags "sqlite_vec"
//
// Pure Go Build (default, or purego tag):
//
//	CGO_ENABLED=0 go build -tags "purego"
package storage
