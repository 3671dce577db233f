// Package types provides shared domain types for the food resolution core.
//
// A FoodDescription is the ephemeral query handed in by the capture layer:
//
//	desc := types.FoodDescription{
//	    SearchName: "greek yogurt",
//	    Brand:      "Fage",
//	    Branded:    true,
//	    RawPhrase:  "a cup of fage 0% greek yogurt",
//	}
//
// Search and vendor fan-out produce CandidateMatch values, deduped by Key()
// (source plus internal or external id). An accepted candidate is persisted
// as a CanonicalFoodItem with one or more Servings; a Serving with a nil
// WeightGrams is never offered as a match target.
//
// # Errors
//
// Caller-facing failures are ResolutionError values carrying an ErrorCode:
//
//	if types.IsCode(err, types.ErrInvalidFoodItem) {
//	    // surface types.UserMessage(err)
//	}
//
// The Message field is short and user-safe; Err holds the internal cause,
// which callers log but never display.
package types
