package llmjson

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateRequired checks that raw is a JSON object containing every key.
// Keys may be present with a null value.
func ValidateRequired(raw json.RawMessage, keys ...string) error {
	schema := map[string]any{
		"type":     "object",
		"required": keys,
	}
	return ValidateSchema(raw, schema)
}

// ValidateSchema validates raw against a JSON schema document
func ValidateSchema(raw json.RawMessage, schema map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrMissingKeys, strings.Join(msgs, "; "))
}
