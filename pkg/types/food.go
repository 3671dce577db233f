package types

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Source identifies where a candidate or canonical item came from
type Source string

const (
	SourceCatalog     Source = "catalog"
	SourceUSDA        Source = "usda"
	SourceNutritionix Source = "nutritionix"
	SourceFatSecret   Source = "fatsecret"
	SourceGenerated   Source = "generated"
)

// FoodDescription is the query handed to the resolution core
type FoodDescription struct {
	SearchName string     `json:"search_name"`
	Brand      string     `json:"brand,omitempty"`
	Branded    bool       `json:"branded"`
	RawPhrase  string     `json:"raw_phrase"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Validate checks that the description carries something to search for
func (d *FoodDescription) Validate() error {
	if strings.TrimSpace(d.SearchName) == "" {
		return ErrEmptySearchName
	}
	return nil
}

// QueryText builds the text embedded for similarity search: the lower-cased
// search name, suffixed with the brand when branded and not already named.
func (d *FoodDescription) QueryText() string {
	name := strings.ToLower(strings.TrimSpace(d.SearchName))
	brand := strings.ToLower(strings.TrimSpace(d.Brand))
	if d.Branded && brand != "" && !strings.Contains(name, brand) {
		return name + " - " + brand
	}
	return name
}

// PhraseText returns the raw user phrase, falling back to the search name
func (d *FoodDescription) PhraseText() string {
	if p := strings.TrimSpace(d.RawPhrase); p != "" {
		return p
	}
	return strings.TrimSpace(d.SearchName)
}

// CandidateMatch is a provisional, unverified record surfaced by search or fan-out
type CandidateMatch struct {
	Source     Source  `json:"source"`
	ID         int64   `json:"id,omitempty"`          // internal id (catalog, bulk index)
	ExternalID string  `json:"external_id,omitempty"` // vendor or FDC id
	Name       string  `json:"name"`
	Brand      string  `json:"brand,omitempty"`
	Similarity float64 `json:"similarity"`

	// Payload is the vendor record normalized into catalog shape. It is nil
	// for catalog candidates, which are loaded by ID instead.
	Payload *CanonicalFoodItem `json:"-"`
	Raw     []byte             `json:"-"`
}

// Key returns the dedupe key (source, id) of the candidate
func (c *CandidateMatch) Key() string {
	if c.ExternalID != "" && c.Source != SourceCatalog {
		return string(c.Source) + ":" + c.ExternalID
	}
	return string(c.Source) + ":" + strconv.FormatInt(c.ID, 10)
}

// Label renders the candidate for model prompts
func (c *CandidateMatch) Label() string {
	if c.Brand != "" {
		return c.Name + " (" + c.Brand + ")"
	}
	return c.Name
}

// Macros holds per-serving energy and macronutrients. Optional fields are
// nil when truly unknown and zero when known to be zero.
type Macros struct {
	Kcal         float64  `json:"kcal"`
	ProteinGrams float64  `json:"protein_g"`
	CarbGrams    float64  `json:"carbs_g"`
	FatGrams     float64  `json:"fat_g"`
	AlcoholGrams *float64 `json:"alcohol_g,omitempty"`
	FiberGrams   *float64 `json:"fiber_g,omitempty"`
	SugarGrams   *float64 `json:"sugar_g,omitempty"`
	AddedSugar   *float64 `json:"added_sugar_g,omitempty"`
	SatFatGrams  *float64 `json:"sat_fat_g,omitempty"`
	TransFat     *float64 `json:"trans_fat_g,omitempty"`
	Cholesterol  *float64 `json:"cholesterol_mg,omitempty"`
	SodiumMg     *float64 `json:"sodium_mg,omitempty"`
}

// Provenance records where a canonical item was sourced from
type Provenance struct {
	Source     Source `json:"source"`
	ExternalID string `json:"external_id,omitempty"`
	URL        string `json:"url,omitempty"`
}

// CanonicalFoodItem is the deduplicated catalog record for one food+brand
type CanonicalFoodItem struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Brand       string `json:"brand,omitempty"`
	Description string `json:"description,omitempty"`

	DefaultServingWeightGrams *float64 `json:"default_serving_weight_g,omitempty"`
	DefaultServingLiquidMl    *float64 `json:"default_serving_liquid_ml,omitempty"`
	IsLiquid                  bool     `json:"is_liquid"`

	Macros
	Provenance Provenance `json:"provenance"`

	// DensityFlagged marks items whose calorie density exceeds the
	// physical ceiling of pure fat.
	DensityFlagged bool `json:"density_flagged,omitempty"`

	Embedding []float32  `json:"-"`
	IconID    *int64     `json:"icon_id,omitempty"`
	Servings  []Serving  `json:"servings"`
	Nutrients []Nutrient `json:"nutrients,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Validate checks the invariants of an item about to be persisted
func (f *CanonicalFoodItem) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return ErrEmptyFoodName
	}
	if len(f.Servings) == 0 {
		return ErrNoServings
	}
	for i := range f.Servings {
		if err := f.Servings[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// EmbeddingText is the text the item is indexed under. It mirrors
// FoodDescription.QueryText so that a query for the same food and brand
// embeds identically.
func (f *CanonicalFoodItem) EmbeddingText() string {
	d := FoodDescription{SearchName: f.Name, Brand: f.Brand, Branded: f.Brand != ""}
	return d.QueryText()
}

// Clone returns a deep copy of the item
func (f *CanonicalFoodItem) Clone() *CanonicalFoodItem {
	if f == nil {
		return nil
	}
	c := *f
	c.Macros = f.Macros.clone()
	c.DefaultServingWeightGrams = clonePtr(f.DefaultServingWeightGrams)
	c.DefaultServingLiquidMl = clonePtr(f.DefaultServingLiquidMl)
	if f.IconID != nil {
		id := *f.IconID
		c.IconID = &id
	}
	if f.Embedding != nil {
		c.Embedding = append([]float32(nil), f.Embedding...)
	}
	if f.Servings != nil {
		c.Servings = make([]Serving, len(f.Servings))
		for i, s := range f.Servings {
			s.WeightGrams = clonePtr(s.WeightGrams)
			s.AltAmount = clonePtr(s.AltAmount)
			c.Servings[i] = s
		}
	}
	if f.Nutrients != nil {
		c.Nutrients = append([]Nutrient(nil), f.Nutrients...)
	}
	return &c
}

func (m Macros) clone() Macros {
	for _, p := range []**float64{&m.AlcoholGrams, &m.FiberGrams, &m.SugarGrams, &m.AddedSugar, &m.SatFatGrams, &m.TransFat, &m.Cholesterol, &m.SodiumMg} {
		*p = clonePtr(*p)
	}
	return m
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// CaloriesPerGram returns kcal per gram of the default serving, or 0 when
// the default weight is unknown.
func (f *CanonicalFoodItem) CaloriesPerGram() float64 {
	if f.DefaultServingWeightGrams == nil || *f.DefaultServingWeightGrams <= 0 {
		return 0
	}
	return f.Kcal / *f.DefaultServingWeightGrams
}

// ResolvedServings returns the servings with a known weight
func (f *CanonicalFoodItem) ResolvedServings() []Serving {
	out := make([]Serving, 0, len(f.Servings))
	for _, s := range f.Servings {
		if s.Resolved() {
			out = append(out, s)
		}
	}
	return out
}

// Serving is a named quantity with a gram-equivalent weight
type Serving struct {
	ID            int64    `json:"id"`
	FoodItemID    int64    `json:"food_item_id"`
	WeightGrams   *float64 `json:"weight_g"` // nil until resolved
	Name          string   `json:"name"`
	AltUnit       string   `json:"alt_unit,omitempty"`
	AltAmount     *float64 `json:"alt_amount,omitempty"`
	DefaultAmount float64  `json:"default_amount"`
}

// Resolved reports whether the serving may be used as a match target
func (s *Serving) Resolved() bool {
	return s.WeightGrams != nil && *s.WeightGrams > 0
}

// PerUnitWeight returns the weight of one unit of this serving
func (s *Serving) PerUnitWeight() float64 {
	if !s.Resolved() {
		return 0
	}
	amount := s.DefaultAmount
	if amount <= 0 {
		amount = 1
	}
	return *s.WeightGrams / amount
}

// Validate checks serving invariants
func (s *Serving) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrEmptyServingName
	}
	if s.WeightGrams != nil && *s.WeightGrams < 0 {
		return ErrNegativeWeight
	}
	return nil
}

// Nutrient is an additional named nutrient amount per default serving
type Nutrient struct {
	Name   string  `json:"name"`
	Unit   string  `json:"unit"`
	Amount float64 `json:"amount"`
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}

// Validation errors
var (
	ErrEmptySearchName  = errors.New("search name cannot be empty")
	ErrEmptyFoodName    = errors.New("food name cannot be empty")
	ErrNoServings       = errors.New("food item must have at least one serving")
	ErrEmptyServingName = errors.New("serving name cannot be empty")
	ErrNegativeWeight   = errors.New("serving weight cannot be negative")
)
