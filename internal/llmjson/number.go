package llmjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dshills/foodresolve/internal/mathexpr"
)

// Number is a model-emitted numeric field. It accepts JSON numbers, numeric
// strings, and arithmetic-expression strings such as "3*28.3495", which are
// evaluated with mathexpr rather than parsed as literals.
//
// Use *Number for optional fields so that an omitted or null value stays nil.
type Number float64

// UnmarshalJSON implements json.Unmarshaler
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := ParseNumber(s)
		if err != nil {
			return err
		}
		*n = Number(v)
		return nil
	}

	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", data, err)
	}
	*n = Number(v)
	return nil
}

// Float64 returns the value as a float64
func (n Number) Float64() float64 {
	return float64(n)
}

// Ptr converts an optional Number into an optional float64
func (n *Number) Ptr() *float64 {
	if n == nil {
		return nil
	}
	v := float64(*n)
	return &v
}

// ParseNumber parses a plain number or evaluates an arithmetic expression.
// Trailing units such as "g" or "kcal" are tolerated.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == ' '
	})
	if s == "" {
		return 0, fmt.Errorf("%w: empty number", mathexpr.ErrSyntax)
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	return mathexpr.Eval(s)
}
