package llmjson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dshills/foodresolve/internal/mathexpr"
)

var (
	// ErrNoJSON is returned when text contains no parseable JSON object
	ErrNoJSON = errors.New("no JSON object found")
	// ErrMissingKeys is returned when an object lacks required keys
	ErrMissingKeys = errors.New("JSON object missing required keys")
)

var (
	fencePattern         = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

	// bareArithmeticPattern matches an unquoted arithmetic value such as
	// "kcal": 20 * 2.03, which is invalid JSON.
	bareArithmeticPattern = regexp.MustCompile(`(:\s*)(-?[\d.]+(?:\s*[-+*/]\s*\(?\s*-?[\d.]+\s*\)?)+)(\s*[,}\]])`)
)

// Extract returns the JSON object a model most likely meant as its answer.
// The last fenced ```json block wins; otherwise the last balanced {...}
// span in the text. Each candidate is repaired before parsing.
func Extract(text string) (json.RawMessage, error) {
	fences := fencePattern.FindAllStringSubmatch(text, -1)
	for i := len(fences) - 1; i >= 0; i-- {
		body := strings.TrimSpace(fences[i][1])
		if raw, err := parseObject([]byte(body)); err == nil {
			return raw, nil
		}
		// A fence may wrap prose around the object
		if raw, err := lastObject(body); err == nil {
			return raw, nil
		}
	}

	return lastObject(text)
}

// Decode extracts the answer object from text, checks the required keys and
// unmarshals it into v.
func Decode(text string, v any, required ...string) error {
	raw, err := Extract(text)
	if err != nil {
		return err
	}
	if len(required) > 0 {
		if err := ValidateRequired(raw, required...); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}

// Repair applies the textual fixes needed for common model mistakes:
// trailing commas and unquoted arithmetic values.
func Repair(src []byte) []byte {
	out := trailingCommaPattern.ReplaceAll(src, []byte("$1"))
	out = bareArithmeticPattern.ReplaceAllFunc(out, func(m []byte) []byte {
		parts := bareArithmeticPattern.FindSubmatch(m)
		v, err := mathexpr.Eval(string(parts[2]))
		if err != nil {
			return m
		}
		var b bytes.Buffer
		b.Write(parts[1])
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		b.Write(parts[3])
		return b.Bytes()
	})
	return out
}

func lastObject(text string) (json.RawMessage, error) {
	candidates := spans(text)
	for i := len(candidates) - 1; i >= 0; i-- {
		if raw, err := parseObject(candidates[i]); err == nil {
			return raw, nil
		}
	}
	return nil, ErrNoJSON
}

// parseObject repairs src and returns it if it is a JSON object
func parseObject(src []byte) (json.RawMessage, error) {
	src = bytes.TrimSpace(src)
	if len(src) == 0 || src[0] != '{' {
		return nil, ErrNoJSON
	}
	if json.Valid(src) {
		return json.RawMessage(src), nil
	}
	repaired := Repair(src)
	if !json.Valid(repaired) {
		return nil, ErrNoJSON
	}
	return json.RawMessage(repaired), nil
}
