package vendors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/foodresolve/pkg/types"
)

// Nutritionix searches the Nutritionix track API. One search costs one
// instant-search call plus one detail call for the best ranked item.
type Nutritionix struct {
	baseURL    string
	appID      string
	appKey     string
	httpClient *http.Client
}

// NewNutritionix creates the vendor
func NewNutritionix(baseURL, appID, appKey string, timeout time.Duration) (*Nutritionix, error) {
	if appID == "" || appKey == "" {
		return nil, fmt.Errorf("nutritionix: %w", ErrMissingCredentials)
	}
	if baseURL == "" {
		baseURL = "https://trackapi.nutritionix.com"
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Nutritionix{
		baseURL:    strings.TrimRight(baseURL, "/"),
		appID:      appID,
		appKey:     appKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name implements Vendor
func (n *Nutritionix) Name() string {
	return NameNutritionix
}

type nxInstant struct {
	Branded []struct {
		FoodName  string `json:"food_name"`
		BrandName string `json:"brand_name"`
		NixItemID string `json:"nix_item_id"`
	} `json:"branded"`
	Common []struct {
		FoodName string `json:"food_name"`
		TagID    string `json:"tag_id"`
	} `json:"common"`
}

type nxFood struct {
	FoodName           string    `json:"food_name"`
	BrandName          string    `json:"brand_name"`
	ServingQty         flexFloat `json:"serving_qty"`
	ServingUnit        string    `json:"serving_unit"`
	ServingWeightGrams flexFloat `json:"serving_weight_grams"`
	Calories           flexFloat `json:"nf_calories"`
	TotalFat           flexFloat `json:"nf_total_fat"`
	SaturatedFat       flexFloat `json:"nf_saturated_fat"`
	Cholesterol        flexFloat `json:"nf_cholesterol"`
	Sodium             flexFloat `json:"nf_sodium"`
	TotalCarbohydrate  flexFloat `json:"nf_total_carbohydrate"`
	DietaryFiber       flexFloat `json:"nf_dietary_fiber"`
	Sugars             flexFloat `json:"nf_sugars"`
	Protein            flexFloat `json:"nf_protein"`
	NixItemID          string    `json:"nix_item_id"`
	FullNutrients      []struct {
		AttrID int       `json:"attr_id"`
		Value  flexFloat `json:"value"`
	} `json:"full_nutrients"`
	AltMeasures []struct {
		ServingWeight flexFloat `json:"serving_weight"`
		Measure       string    `json:"measure"`
		Qty           flexFloat `json:"qty"`
	} `json:"alt_measures"`
}

// Search implements Vendor
func (n *Nutritionix) Search(ctx context.Context, q *Query) ([]types.CandidateMatch, error) {
	instant, err := n.instant(ctx, q)
	if err != nil {
		return nil, err
	}

	type option struct {
		label, externalID string
		branded           bool
		name              string
	}
	var options []option
	for _, b := range instant.Branded {
		options = append(options, option{
			label:      labelWithBrand(b.FoodName, b.BrandName),
			externalID: b.NixItemID,
			branded:    true,
			name:       b.FoodName,
		})
	}
	for _, c := range instant.Common {
		options = append(options, option{label: c.FoodName, externalID: "tag:" + c.TagID, name: c.FoodName})
	}

	labels := make([]string, len(options))
	for i, o := range options {
		labels[i] = o.label
	}
	ranked, err := q.Rank(ctx, labels)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, nil
	}

	best := options[ranked[0].Index]
	var raw []byte
	if best.branded {
		raw, err = n.get(ctx, "/v2/search/item", url.Values{"nix_item_id": {best.externalID}})
	} else {
		raw, err = n.postJSON(ctx, "/v2/natural/nutrients", map[string]string{"query": best.name})
	}
	if err != nil {
		return nil, err
	}

	var detail struct {
		Foods []nxFood `json:"foods"`
	}
	if err := json.Unmarshal(raw, &detail); err != nil || len(detail.Foods) == 0 {
		return nil, fmt.Errorf("nutritionix detail: %w", ErrBadResponse)
	}
	item := detail.Foods[0].toItem()
	item.Provenance.ExternalID = best.externalID

	return []types.CandidateMatch{{
		Source:     types.SourceNutritionix,
		ExternalID: best.externalID,
		Name:       item.Name,
		Brand:      item.Brand,
		Similarity: ranked[0].Similarity,
		Payload:    item,
		Raw:        raw,
	}}, nil
}

func (n *Nutritionix) instant(ctx context.Context, q *Query) (*nxInstant, error) {
	params := url.Values{
		"query":   {q.Text()},
		"branded": {strconv.FormatBool(q.Desc.Branded)},
		"common":  {strconv.FormatBool(!q.Desc.Branded)},
	}
	raw, err := n.get(ctx, "/v2/search/instant", params)
	if err != nil {
		return nil, err
	}
	var out nxInstant
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("nutritionix instant search: %w: %v", ErrBadResponse, err)
	}
	return &out, nil
}

func (n *Nutritionix) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return fetch(ctx, n.httpClient, NameNutritionix, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+path+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		n.authorize(req)
		return req, nil
	})
}

func (n *Nutritionix) postJSON(ctx context.Context, path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return fetch(ctx, n.httpClient, NameNutritionix, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		n.authorize(req)
		return req, nil
	})
}

func (n *Nutritionix) authorize(req *http.Request) {
	req.Header.Set("x-app-id", n.appID)
	req.Header.Set("x-app-key", n.appKey)
}

// toItem normalizes a Nutritionix food into catalog shape. Nutrients are per
// the vendor's own serving.
func (f *nxFood) toItem() *types.CanonicalFoodItem {
	item := &types.CanonicalFoodItem{
		Name:                      strings.TrimSpace(f.FoodName),
		Brand:                     strings.TrimSpace(f.BrandName),
		DefaultServingWeightGrams: f.ServingWeightGrams.Ptr(),
		Provenance:                types.Provenance{Source: types.SourceNutritionix},
	}

	for _, fn := range f.FullNutrients {
		attr, ok := nutritionixAttrs[fn.AttrID]
		if !ok || fn.Value.Ptr() == nil {
			continue
		}
		ApplyNutrient(item, attr.name, attr.unit, fn.Value.Or(0))
	}
	// The nf_ summary fields win over full_nutrients when present
	if v := f.Calories.Ptr(); v != nil {
		item.Kcal = *v
	}
	if v := f.Protein.Ptr(); v != nil {
		item.ProteinGrams = *v
	}
	if v := f.TotalCarbohydrate.Ptr(); v != nil {
		item.CarbGrams = *v
	}
	if v := f.TotalFat.Ptr(); v != nil {
		item.FatGrams = *v
	}
	for dst, src := range map[**float64]flexFloat{
		&item.SatFatGrams: f.SaturatedFat,
		&item.Cholesterol: f.Cholesterol,
		&item.SodiumMg:    f.Sodium,
		&item.FiberGrams:  f.DietaryFiber,
		&item.SugarGrams:  f.Sugars,
	} {
		if v := src.Ptr(); v != nil {
			*dst = v
		}
	}

	unit := strings.TrimSpace(f.ServingUnit)
	if unit == "" {
		unit = "serving"
	}
	item.Servings = append(item.Servings, types.Serving{
		Name:          unit,
		WeightGrams:   f.ServingWeightGrams.Ptr(),
		DefaultAmount: f.ServingQty.Or(1),
	})
	for _, m := range f.AltMeasures {
		measure := strings.TrimSpace(m.Measure)
		if measure == "" || strings.EqualFold(measure, unit) {
			continue
		}
		item.Servings = append(item.Servings, types.Serving{
			Name:          measure,
			WeightGrams:   m.ServingWeight.Ptr(),
			DefaultAmount: m.Qty.Or(1),
		})
	}
	return item
}
