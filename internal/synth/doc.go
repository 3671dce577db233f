// Package synth implements the generative fallback: when neither the catalog
// nor any vendor produced an accepted match, a language model writes a full
// nutrition profile for the query.
//
// The prompt carries the best external candidates and, when configured,
// open-web snippets. The answer is held to a strict field policy: numbers may
// be arithmetic expressions, one missing macro is derived from calories with
// fixed energy densities, and densities above 9 kcal/g are flagged. An
// explicit "not a food" answer fails with a typed INVALID_FOOD_ITEM error.
package synth
