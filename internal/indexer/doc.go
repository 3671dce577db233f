// Package indexer loads the bulk government nutrition index.
//
// A FoodData Central JSON export is decoded food by food, normalized into
// catalog shape (nutrient names through the vendor alias table, macros
// scaled from per-100 g to the default serving), embedded in batches through
// the embedding cache, and upserted into the usda_foods table keyed by FDC id.
//
// # Basic Usage
//
//	idx := indexer.New(store, embeddingCache, &indexer.Config{Workers: 4}, logger)
//	stats, err := idx.IndexFile(ctx, "FoodData_Central_foundation_food_json.json")
//
// # Concurrency
//
// One goroutine decodes and batches; Workers goroutines embed and commit
// batches, each batch in its own transaction. A failed batch is counted in
// Statistics.FoodsFailed and the load continues. Only one load runs at a
// time per Indexer.
//
// Reloading the same export refreshes rows in place and re-uses cached
// embeddings, so it costs no provider calls for unchanged names.
package indexer
