package vendors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dshills/foodresolve/pkg/types"
)

const ouncesToGrams = 28.3495

// FatSecret searches the FatSecret platform API (foods.search.v2). Requests
// are authorized with an OAuth2 client-credentials token that the client
// reuses until it expires.
type FatSecret struct {
	baseURL    string
	httpClient *http.Client
}

// NewFatSecret creates the vendor
func NewFatSecret(baseURL, tokenURL, clientID, clientSecret string, timeout time.Duration) (*FatSecret, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("fatsecret: %w", ErrMissingCredentials)
	}
	if baseURL == "" {
		baseURL = "https://platform.fatsecret.com/rest/server.api"
	}
	if tokenURL == "" {
		tokenURL = "https://oauth.fatsecret.com/connect/token"
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	creds := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{"premier"},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// Token requests share the search timeout
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	client := creds.Client(tokenCtx)
	client.Timeout = timeout

	return &FatSecret{
		baseURL:    baseURL,
		httpClient: client,
	}, nil
}

// Name implements Vendor
func (f *FatSecret) Name() string {
	return NameFatSecret
}

type fsServing struct {
	ServingID           string    `json:"serving_id"`
	ServingDescription  string    `json:"serving_description"`
	MeasurementDesc     string    `json:"measurement_description"`
	MetricServingAmount flexFloat `json:"metric_serving_amount"`
	MetricServingUnit   string    `json:"metric_serving_unit"`
	NumberOfUnits       flexFloat `json:"number_of_units"`
	IsDefault           string    `json:"is_default"`
	Calories            flexFloat `json:"calories"`
	Carbohydrate        flexFloat `json:"carbohydrate"`
	Protein             flexFloat `json:"protein"`
	Fat                 flexFloat `json:"fat"`
	SaturatedFat        flexFloat `json:"saturated_fat"`
	TransFat            flexFloat `json:"trans_fat"`
	Cholesterol         flexFloat `json:"cholesterol"`
	Sodium              flexFloat `json:"sodium"`
	Potassium           flexFloat `json:"potassium"`
	Fiber               flexFloat `json:"fiber"`
	Sugar               flexFloat `json:"sugar"`
	AddedSugars         flexFloat `json:"added_sugars"`
	VitaminC            flexFloat `json:"vitamin_c"`
	Calcium             flexFloat `json:"calcium"`
	Iron                flexFloat `json:"iron"`
	MonounsaturatedFat  flexFloat `json:"monounsaturated_fat"`
	PolyunsaturatedFat  flexFloat `json:"polyunsaturated_fat"`
}

// fsServings accepts both a single serving object and an array; the API
// collapses one-element lists
type fsServings []fsServing

func (s *fsServings) UnmarshalJSON(data []byte) error {
	var wrapper struct {
		Serving json.RawMessage `json:"serving"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	raw := strings.TrimSpace(string(wrapper.Serving))
	switch {
	case raw == "" || raw == "null":
		*s = nil
	case raw[0] == '[':
		var list []fsServing
		if err := json.Unmarshal(wrapper.Serving, &list); err != nil {
			return err
		}
		*s = list
	default:
		var one fsServing
		if err := json.Unmarshal(wrapper.Serving, &one); err != nil {
			return err
		}
		*s = fsServings{one}
	}
	return nil
}

type fsFood struct {
	FoodID    string     `json:"food_id"`
	FoodName  string     `json:"food_name"`
	FoodType  string     `json:"food_type"`
	FoodURL   string     `json:"food_url"`
	BrandName string     `json:"brand_name"`
	Servings  fsServings `json:"servings"`
}

func (f *fsFood) label() string {
	if f.FoodType == "Brand" {
		return labelWithBrand(f.FoodName, f.BrandName)
	}
	return f.FoodName
}

// Search implements Vendor
func (f *FatSecret) Search(ctx context.Context, q *Query) ([]types.CandidateMatch, error) {
	maxResults := q.MaxResults
	if maxResults <= 0 {
		maxResults = 25
	}
	form := url.Values{
		"method":            {"foods.search.v2"},
		"format":            {"json"},
		"search_expression": {q.Text()},
		"max_results":       {strconv.Itoa(maxResults)},
	}
	raw, err := fetch(ctx, f.httpClient, NameFatSecret, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		FoodsSearch struct {
			Results struct {
				Food []fsFood `json:"food"`
			} `json:"results"`
		} `json:"foods_search"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("fatsecret search: %w: %v", ErrBadResponse, err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("fatsecret error %d: %s", out.Error.Code, out.Error.Message)
	}

	wantType := "Generic"
	if q.Desc.Branded {
		wantType = "Brand"
	}
	var foods []fsFood
	for _, food := range out.FoodsSearch.Results.Food {
		if food.FoodType == wantType && len(food.Servings) > 0 {
			foods = append(foods, food)
		}
	}

	labels := make([]string, len(foods))
	for i := range foods {
		labels[i] = foods[i].label()
	}
	ranked, err := q.Rank(ctx, labels)
	if err != nil {
		return nil, err
	}

	candidates := make([]types.CandidateMatch, 0, len(ranked))
	for _, r := range ranked {
		food := foods[r.Index]
		item := food.toItem()
		candidates = append(candidates, types.CandidateMatch{
			Source:     types.SourceFatSecret,
			ExternalID: food.FoodID,
			Name:       item.Name,
			Brand:      item.Brand,
			Similarity: r.Similarity,
			Payload:    item,
		})
		if q.MaxResults > 0 && len(candidates) >= q.MaxResults {
			break
		}
	}
	return candidates, nil
}

// dedupeServings keeps one serving per metric amount, preferring the shorter
// description
func dedupeServings(servings []fsServing) []fsServing {
	byAmount := make(map[float64]int)
	var out []fsServing
	for _, s := range servings {
		amount := s.MetricServingAmount.Or(-1)
		if i, ok := byAmount[amount]; ok {
			if len(s.ServingDescription) < len(out[i].ServingDescription) {
				out[i] = s
			}
			continue
		}
		byAmount[amount] = len(out)
		out = append(out, s)
	}
	return out
}

// metricGrams converts a serving's metric amount to grams or millilitres
func metricGrams(s fsServing) (amount *float64, liquid bool) {
	v := s.MetricServingAmount.Ptr()
	if v == nil {
		return nil, false
	}
	switch strings.ToLower(s.MetricServingUnit) {
	case "oz":
		g := *v * ouncesToGrams
		return &g, false
	case "ml":
		return v, true
	default:
		return v, false
	}
}

// toItem normalizes a FatSecret food. The 100 g serving is the default when
// present, otherwise the first one.
func (f *fsFood) toItem() *types.CanonicalFoodItem {
	servings := dedupeServings(f.Servings)
	def := servings[0]
	for _, s := range servings {
		if s.MetricServingAmount.Or(0) == 100 && strings.EqualFold(s.MetricServingUnit, "g") {
			def = s
			break
		}
	}

	item := &types.CanonicalFoodItem{
		Name:       strings.TrimSpace(f.FoodName),
		Brand:      strings.TrimSpace(f.BrandName),
		Provenance: types.Provenance{Source: types.SourceFatSecret, ExternalID: f.FoodID, URL: f.FoodURL},
	}
	if amount, liquid := metricGrams(def); amount != nil {
		if liquid {
			item.IsLiquid = true
			item.DefaultServingLiquidMl = amount
		} else {
			item.DefaultServingWeightGrams = amount
		}
	}

	item.Kcal = def.Calories.Or(0)
	item.ProteinGrams = def.Protein.Or(0)
	item.CarbGrams = def.Carbohydrate.Or(0)
	item.FatGrams = def.Fat.Or(0)
	item.SatFatGrams = def.SaturatedFat.Ptr()
	item.TransFat = def.TransFat.Ptr()
	item.Cholesterol = def.Cholesterol.Ptr()
	item.SodiumMg = def.Sodium.Ptr()
	item.FiberGrams = def.Fiber.Ptr()
	item.SugarGrams = def.Sugar.Ptr()
	item.AddedSugar = def.AddedSugars.Ptr()
	for _, extra := range []struct {
		name, unit string
		v          flexFloat
	}{
		{"potassium, k", "mg", def.Potassium},
		{"vitamin c, total ascorbic acid", "mg", def.VitaminC},
		{"calcium, ca", "mg", def.Calcium},
		{"iron, fe", "mg", def.Iron},
		{"fatty acids, total monounsaturated", "g", def.MonounsaturatedFat},
		{"fatty acids, total polyunsaturated", "g", def.PolyunsaturatedFat},
	} {
		if v := extra.v.Ptr(); v != nil {
			ApplyNutrient(item, extra.name, extra.unit, *v)
		}
	}

	for _, s := range servings {
		name := strings.TrimSpace(s.MeasurementDesc)
		if name == "" {
			name = strings.TrimSpace(s.ServingDescription)
		}
		if name == "" {
			name = "serving"
		}
		serving := types.Serving{Name: name, DefaultAmount: s.NumberOfUnits.Or(1)}
		if amount, liquid := metricGrams(s); amount != nil && !liquid {
			serving.WeightGrams = amount
		}
		item.Servings = append(item.Servings, serving)
	}
	sort.SliceStable(item.Servings, func(a, b int) bool {
		return item.Servings[a].Resolved() && !item.Servings[b].Resolved()
	})
	return item
}
