package types

import "time"

// EntryStatus is the lifecycle state of a LoggedEntry
type EntryStatus string

const (
	EntryPending  EntryStatus = "PENDING"
	EntryResolved EntryStatus = "RESOLVED"
	EntryFailed   EntryStatus = "FAILED"
)

// LoggedEntry is the caller-owned log row the core fills in
type LoggedEntry struct {
	ID          int64
	UserID      string
	RequestID   *int64 // parent logging request, for progress counting
	Description FoodDescription
	Status      EntryStatus

	FoodItemID    *int64
	ServingGrams  *float64
	ServingName   string
	ServingAmount float64
	ServingID     *int64

	FailureReason string
	ConsumedAt    time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ResolvedServing is the outcome of serving resolution
type ResolvedServing struct {
	Grams            float64 `json:"grams"`
	DisplayName      string  `json:"display_name"`
	DisplayAmount    float64 `json:"display_amount"`
	MatchedServingID *int64  `json:"matched_serving_id,omitempty"`

	// LowFidelity is set when every model attempt failed and the grams are
	// an estimate from the item's default serving.
	LowFidelity bool `json:"low_fidelity,omitempty"`
}

// Resolution is the success output of the resolution core
type Resolution struct {
	Item    *CanonicalFoodItem `json:"canonical_item"`
	Serving ResolvedServing    `json:"serving"`
	EntryID int64              `json:"entry_id,omitempty"`

	// Tier names the strategy that produced the item
	Tier    string `json:"tier"`
	Created bool   `json:"created"`
}
