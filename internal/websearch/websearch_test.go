package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerper_Search(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "kirkland protein bar nutrition facts", body["q"])

		_, _ = w.Write([]byte(`{"organic":[
			{"title":"Protein Bar","link":"https://www.amazon.com/dp/1","snippet":"buy now"},
			{"title":"Kirkland Bar","link":"https://www.costco.com/p","snippet":"pack of 20"},
			{"title":"Nutrition Facts","link":"https://www.nutritionix.com/food/x","snippet":"190 calories, 21g protein"},
			{"title":"Empty","link":"https://example.com","snippet":" "},
			{"title":"Label","link":"https://fdc.nal.usda.gov/food/2","snippet":"Energy 190 kcal"}
		]}`))
	}))
	defer server.Close()

	s, err := NewSerper(server.URL, "secret", time.Second, 5)
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "kirkland protein bar nutrition facts")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Nutrition Facts", results[0].Title)
	assert.Equal(t, "Label", results[1].Title)

	text := Context(results)
	assert.Contains(t, text, "190 calories, 21g protein")
	assert.Contains(t, text, "Source: https://fdc.nal.usda.gov/food/2")
}

func TestSerper_Errors(t *testing.T) {
	_, err := NewSerper("", "", 0, 0)
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer server.Close()

	s, err := NewSerper(server.URL, "secret", time.Second, 3)
	require.NoError(t, err)
	_, err = s.Search(context.Background(), "oats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serper api error 403")
}

func TestSkipped(t *testing.T) {
	assert.True(t, skipped("https://www.walmart.com/ip/1"))
	assert.True(t, skipped("https://amazon.co.uk/x"))
	assert.False(t, skipped("https://www.myfitnesspal.com/food"))
	assert.True(t, skipped("::not a url"))
}
