// Package serving converts a free-text quantity phrase into grams of a
// canonical food item.
//
// The model sees the item's resolved servings re-indexed 1..N and answers
// with a grams expression, a display unit and amount, and optionally the
// serving it matched. The expression is evaluated with mathexpr. Snap then
// checks the grams against every known serving independently of the model's
// own guess. When every attempt fails the resolver still returns an estimate,
// flagged LowFidelity, from the item's default serving.
package serving
