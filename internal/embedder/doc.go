// Package embedder turns food names and user phrases into vector embeddings.
//
// Providers: Cloudflare Workers AI (BGE base, 768 dimensions), OpenAI or a
// compatible endpoint, and a local feature-hashing embedder for development.
// Hosted providers retry transient failures with exponential backoff.
//
// EmbeddingCache sits in front of a provider and is content-addressed by
// (model, normalized text): an in-process LRU, then the persistent
// embedding_cache table, then the provider.
//
//	emb, err := embedder.New(cfg.Embedding)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cache := embedder.NewEmbeddingCache(emb, store, cfg.Embedding.CacheSize, logger)
//	vector, err := cache.GetOrCreate(ctx, "greek yogurt - fage")
package embedder
