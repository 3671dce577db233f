// Package resolver sequences the resolution tiers for one food description.
//
// Resolution embeds and searches once, then walks an ordered list of
// strategies. Each strategy either settles the item or passes:
//
//	high_confidence    accept the top local candidate at or above HIGH
//	local_arbitration  ask the arbiter about local candidates above LOW
//	external           fan out to the vendors and arbitrate their union
//	generative         synthesize a full nutrition profile
//
// The order is configuration. Upstream failures inside a strategy are logged
// and treated as a pass; only the generative tier fails an item. The settled
// item is written through the catalog writer and its serving is resolved.
//
// ResolveEntry, ResolveBatch and Backfill wrap Resolve with the logged entry
// lifecycle (PENDING to RESOLVED or FAILED) owned by the caller.
package resolver
