// Package vendors implements the external nutrition providers and the
// fan-out that queries them concurrently.
//
// Three vendors are supported: Nutritionix and FatSecret over HTTP, and the
// locally loaded USDA FoodData Central bulk index. Every vendor normalizes its
// records into types.CanonicalFoodItem and scores candidates by embedding
// their labels through the embedding cache and comparing them with the query
// vector.
//
// FanOut calls every vendor at once and waits for all of them. Each call is
// paced, checked against the shared ratelimit budget, guarded by a circuit
// breaker, and bounded by a timeout. A vendor that is skipped or fails only
// omits its candidates; Run never returns an error.
package vendors
