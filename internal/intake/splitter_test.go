package intake

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dshills/foodresolve/internal/llm/llmtest"
	"github.com/dshills/foodresolve/pkg/types"
)

func drain(t *testing.T, st *Stream) ([]types.FoodDescription, error) {
	t.Helper()
	var out []types.FoodDescription
	for {
		d, err := st.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, *d)
	}
}

func TestSplit_JSONLines(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := llmtest.Text(`Here you go:
{"search_name": "eggs, scrambled", "phrase": "two scrambled eggs", "branded": false, "brand": ""}
{"search_name": "rye toast", "phrase": "a slice of {dark} rye toast", "branded": "false", "brand": ""}
{"search_name": "greek yogurt, honey", "phrase": "a Fage honey yogurt", "branded": "true", "brand": "Fage"}`)
	fake.StreamChunk = 5

	s := NewSplitter(fake, "stream-model", nil)
	st, err := s.Split(context.Background(), "  two scrambled eggs, a slice of {dark} rye toast and a Fage honey yogurt ")
	require.NoError(t, err)
	defer st.Close()

	items, err := drain(t, st)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "eggs, scrambled", items[0].SearchName)
	assert.Equal(t, "two scrambled eggs", items[0].RawPhrase)
	assert.False(t, items[0].Branded)
	assert.Equal(t, "a slice of {dark} rye toast", items[1].RawPhrase)
	assert.True(t, items[2].Branded)
	assert.Equal(t, "Fage", items[2].Brand)

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "stream-model", reqs[0].Model)
	assert.Contains(t, reqs[0].Prompt, "a Fage honey yogurt")
}

func TestSplit_WrappedArray(t *testing.T) {
	fake := llmtest.Text(`{"food_items": [
  {"full": "ignored", "search_name": "banana", "phrase": "", "branded": false},
  {"search_name": "", "phrase": "nothing"},
  {"search_name": "peanut butter", "phrase": "a spoon of peanut butter", "branded": true, "brand": ""}
], "contains_valid_food_items": true}`)

	st, err := NewSplitter(fake, "m", nil).Split(context.Background(), "banana with a spoon of peanut butter")
	require.NoError(t, err)

	items, err := drain(t, st)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "banana", items[0].RawPhrase, "phrase falls back to the search name")
	assert.False(t, items[1].Branded, "branded without a brand is not branded")
}

func TestSplit_NotFood(t *testing.T) {
	fake := llmtest.Text(`{"contains_valid_food_items": false}`)

	st, err := NewSplitter(fake, "m", nil).Split(context.Background(), "what's the weather")
	require.NoError(t, err)

	items, err := drain(t, st)
	assert.Empty(t, items)
	assert.True(t, types.IsCode(err, types.ErrInvalidFoodItem))
}

func TestSplit_ProviderError(t *testing.T) {
	fake := &llmtest.Fake{Replies: []llmtest.Reply{{Err: errors.New("connection reset")}}}

	st, err := NewSplitter(fake, "m", nil).Split(context.Background(), "an apple")
	require.NoError(t, err)

	_, err = drain(t, st)
	assert.True(t, types.IsCode(err, types.ErrProviderExhausted))
}

func TestSplit_EmptyMessage(t *testing.T) {
	_, err := NewSplitter(llmtest.Text(), "m", nil).Split(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestStream_CloseStopsCompletion(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := llmtest.Text(`{"search_name": "a", "phrase": "a"}
{"search_name": "b", "phrase": "b"}
{"search_name": "c", "phrase": "c"}`)
	fake.StreamChunk = 1

	st, err := NewSplitter(fake, "m", nil).Split(context.Background(), "a, b and c")
	require.NoError(t, err)

	first, err := st.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", first.SearchName)

	st.Close()
	st.Close()
	_, err = drain(t, st)
	assert.ErrorIs(t, err, context.Canceled)
}
