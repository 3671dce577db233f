// Package searcher ranks the internal catalog and the bulk government index
// against a food description.
//
// Two vectors are searched: the normalized query text ("greek yogurt - fage")
// and the raw user phrase, since phrasing sometimes matches better
// unnormalized. Each vector is run against both corpora concurrently; the
// results are merged, deduped by (source, id) and sorted by similarity.
//
//	s := searcher.NewSearcher(store, embeddingCache, searcher.Thresholds{
//	    High: 0.975, Low: 0.85, BulkIndex: 0.725,
//	}, 1000, logger)
//
//	result, err := s.Search(ctx, desc, 20)
//	if top := result.Top(); top != nil && s.Band(top.Similarity) == searcher.BandHigh {
//	    // accept without arbitration
//	}
//
// Results are cached for a short TTL; callers that write to the catalog
// should call InvalidateCache.
package searcher
