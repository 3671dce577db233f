// Package catalog writes new canonical food items.
//
// Writer.Upsert first looks for an existing row with a fuzzy name match and
// the same (or no) brand and returns it untouched. Only a true insert runs
// the completion sub-calls: a missing default weight is asked for once, with
// a fixed fallback, and servings lacking an alternate unit get one filled in.
// New items are embedded, persisted, and handed to the icon dispatcher.
//
// The existence check and the insert are not one transaction. Concurrent
// resolution of the same new food can create near-duplicate rows; the
// catalog tolerates this rather than serializing writes.
package catalog
