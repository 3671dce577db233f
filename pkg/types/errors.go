package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a resolution failure surfaced to callers
type ErrorCode string

const (
	ErrNoFoodInfoFound   ErrorCode = "NO_FOOD_INFO_FOUND"
	ErrInvalidFoodItem   ErrorCode = "INVALID_FOOD_ITEM"
	ErrNotAuthorized     ErrorCode = "NOT_AUTHORIZED"
	ErrProviderExhausted ErrorCode = "PROVIDER_EXHAUSTED"
)

// ResolutionError is a typed, caller-facing failure. Message is short and safe
// to show to a user; Err carries the internal cause and is only logged.
type ResolutionError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// NewNoFoodInfoFound reports that no tier produced a usable item
func NewNoFoodInfoFound(query string, cause error) *ResolutionError {
	return &ResolutionError{
		Code:    ErrNoFoodInfoFound,
		Message: fmt.Sprintf("no nutrition information found for %q", query),
		Err:     cause,
	}
}

// NewInvalidFoodItem reports that the query was declared not to be a food
func NewInvalidFoodItem(query string) *ResolutionError {
	return &ResolutionError{
		Code:    ErrInvalidFoodItem,
		Message: fmt.Sprintf("%q is not a valid food item", query),
	}
}

// NewNotAuthorized reports access to an entity owned by someone else
func NewNotAuthorized(entity string, id int64) *ResolutionError {
	return &ResolutionError{
		Code:    ErrNotAuthorized,
		Message: fmt.Sprintf("not authorized to access %s %d", entity, id),
	}
}

// NewProviderExhausted reports that upstream providers could not answer
func NewProviderExhausted(provider string, cause error) *ResolutionError {
	return &ResolutionError{
		Code:    ErrProviderExhausted,
		Message: fmt.Sprintf("%s is unavailable, try again later", provider),
		Err:     cause,
	}
}

// IsCode reports whether err is a ResolutionError with the given code
func IsCode(err error, code ErrorCode) bool {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// UserMessage returns the short message safe to show a user
func UserMessage(err error) string {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Message
	}
	return "something went wrong while resolving this food"
}
