// Package llmjson parses JSON out of untrusted language-model text.
//
// Model output is treated as text, never as a typed response. Extract finds
// the intended answer object:
//
//  1. the last ```json fenced block that parses, else
//  2. the last balanced {...} span that parses.
//
// Each candidate goes through Repair, which drops trailing commas and
// evaluates unquoted arithmetic values ("kcal": 20 * 2.03). Numeric fields
// that arrive as expression strings decode through Number.
//
// Decode adds required-key validation (gojsonschema) before unmarshalling,
// so a syntactically valid but incomplete answer is rejected and the caller
// can retry.
//
// For streamed completions, Scanner accumulates tokens and yields one
// complete object per balanced span through its pull-style Next method:
//
//	sc := llmjson.NewScanner()
//	for tok := range tokens {
//	    sc.WriteString(tok)
//	    for {
//	        raw, ok := sc.Next()
//	        if !ok {
//	            break
//	        }
//	        handle(raw)
//	    }
//	}
package llmjson
