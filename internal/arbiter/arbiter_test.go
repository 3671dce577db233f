package arbiter

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/foodresolve/internal/llm"
	"github.com/dshills/foodresolve/internal/llm/llmtest"
	"github.com/dshills/foodresolve/pkg/types"
)

var testLadder = llm.Ladder{{Model: "mini", Temperature: 0}, {Model: "mini", Temperature: 0.3}, {Model: "big", Temperature: 0}}

func tunaCandidates() []types.CandidateMatch {
	return []types.CandidateMatch{
		{Source: types.SourceCatalog, ID: 231, Name: "tuna steak", Similarity: 0.93},
		{Source: types.SourceCatalog, ID: 232, Name: "canned tuna", Similarity: 0.91},
		{Source: types.SourceUSDA, ID: 9, ExternalID: "175159", Name: "Fish, tuna, fresh, bluefin", Similarity: 0.9},
	}
}

func TestArbitrate_RemapsPositions(t *testing.T) {
	fake := llmtest.Text("Reasoning first.\n```json\n{\"no_good_matches\": false, \"best_food_match_id\": 3, \"alternative_match_id\": \"1\"}\n```")
	a := NewArbiter(fake, testLadder, 0, nil)

	d, err := a.Arbitrate(context.Background(), types.FoodDescription{SearchName: "tuna"}, tunaCandidates())
	require.NoError(t, err)
	require.True(t, d.Matched())
	assert.Equal(t, "usda:175159", d.Accepted.Key())
	require.NotNil(t, d.Alternative)
	assert.Equal(t, int64(231), d.Alternative.ID)

	prompt := fake.Requests()[0].Prompt
	assert.Contains(t, prompt, `{"id":1,"name":"tuna steak","brand":""}`)
	assert.Contains(t, prompt, `{"id":3,"name":"Fish, tuna, fresh, bluefin","brand":""}`)
	assert.NotContains(t, prompt, "175159")
	assert.NotContains(t, prompt, "231")
}

func TestArbitrate_NoGoodMatches(t *testing.T) {
	fake := llmtest.Text(`{"no_good_matches": true, "best_food_match_id": 1, "alternative_match_id": null}`)
	a := NewArbiter(fake, testLadder, 0, nil)

	d, err := a.Arbitrate(context.Background(), types.FoodDescription{SearchName: "tuna"}, tunaCandidates())
	require.NoError(t, err)
	assert.False(t, d.Matched())
	assert.Equal(t, 1, fake.Calls())
}

func TestArbitrate_ExtraItem(t *testing.T) {
	fake := llmtest.Text(`{"no_good_matches": "false", "best_food_match_id": 2, "alternative_match_id": 2, "extra_item_name": " yogurt "}`)
	a := NewArbiter(fake, testLadder, 0, nil)

	d, err := a.Arbitrate(context.Background(), types.FoodDescription{SearchName: "honey with yogurt"}, []types.CandidateMatch{
		{Source: types.SourceCatalog, ID: 1, Name: "greek yogurt"},
		{Source: types.SourceCatalog, ID: 2, Name: "honey"},
	})
	require.NoError(t, err)
	require.True(t, d.Matched())
	assert.Equal(t, "honey", d.Accepted.Name)
	assert.Nil(t, d.Alternative, "alternative equal to best is dropped")
	assert.Equal(t, "yogurt", d.ExtraItemName)
}

func TestArbitrate_EscalatesOnBadOutput(t *testing.T) {
	fake := llmtest.Text(
		"I think it is the first one",
		`{"best_food_match_id": 1}`,
		`{"no_good_matches": false, "best_food_match_id": 1, "alternative_match_id": null}`,
	)
	a := NewArbiter(fake, testLadder, 0, nil)

	d, err := a.Arbitrate(context.Background(), types.FoodDescription{SearchName: "tuna steak"}, tunaCandidates())
	require.NoError(t, err)
	assert.Equal(t, int64(231), d.Accepted.ID)

	reqs := fake.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "big", reqs[2].Model)
	assert.True(t, reqs[0].JSON)
}

func TestArbitrate_ExhaustedLadderIsNoDecision(t *testing.T) {
	fake := llmtest.Text(
		`{"no_good_matches": false, "best_food_match_id": 7}`,
		"nope",
		"still nope",
	)
	a := NewArbiter(fake, testLadder, 0, nil)

	d, err := a.Arbitrate(context.Background(), types.FoodDescription{SearchName: "tuna"}, tunaCandidates())
	assert.Nil(t, d)
	assert.ErrorIs(t, err, llm.ErrNoDecision)
}

func TestArbitrate_EmptyCandidates(t *testing.T) {
	fake := llmtest.Text()
	a := NewArbiter(fake, testLadder, 0, nil)

	d, err := a.Arbitrate(context.Background(), types.FoodDescription{SearchName: "tuna"}, nil)
	require.NoError(t, err)
	assert.False(t, d.Matched())
	assert.Equal(t, 0, fake.Calls())
}

func TestArbitrate_TruncatesCandidates(t *testing.T) {
	var candidates []types.CandidateMatch
	for i := int64(1); i <= 30; i++ {
		candidates = append(candidates, types.CandidateMatch{Source: types.SourceCatalog, ID: i, Name: "food"})
	}
	fake := llmtest.Text(`{"no_good_matches": true, "best_food_match_id": null}`)
	a := NewArbiter(fake, testLadder, 20, nil)

	_, err := a.Arbitrate(context.Background(), types.FoodDescription{SearchName: "food"}, candidates)
	require.NoError(t, err)

	prompt := fake.Requests()[0].Prompt
	assert.Equal(t, 20, strings.Count(prompt, `"name":"food"`))
}

func TestQueryLabel(t *testing.T) {
	assert.Equal(t, "chocolate - Lindt", queryLabel(types.FoodDescription{SearchName: " chocolate ", Brand: "Lindt"}))
	assert.Equal(t, "apple", queryLabel(types.FoodDescription{SearchName: "apple"}))
}
