package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/llm"
	"github.com/dshills/foodresolve/internal/llmjson"
	"github.com/dshills/foodresolve/pkg/types"
)

// ErrEmptyMessage is returned by Split for a blank message
var ErrEmptyMessage = errors.New("empty meal message")

const systemPrompt = "You are a food logging assistant that only replies in valid JSON."

const promptTemplate = `Split the user's meal message into the distinct food items it logs.

- Keep components separate unless they naturally form one item (a flavored yogurt is one item, a pancake and its whipped cream are two).
- Fix obvious typos and voice recognition errors ("one pair" means "one pear").
- search_name is specific enough to find the food in a database, including preparation (cooked oats, salted butter).
- phrase repeats everything the user said about that one item, including quantity. Infer a reasonable quantity when none is given.
- Phrases must not overlap and together cover the whole meal.

Write one JSON object per line and nothing else:
{"search_name": "string", "phrase": "string", "branded": boolean, "brand": "string"}

If the message does not describe food, write exactly:
{"contains_valid_food_items": false}

Message:
%q
`

// item is one object of the split output
type item struct {
	SearchName string          `json:"search_name"`
	Phrase     string          `json:"phrase"`
	Branded    json.RawMessage `json:"branded"`
	Brand      string          `json:"brand"`

	// Some models wrap items in an array or flag an invalid message
	FoodItems  []item `json:"food_items"`
	ValidFoods *bool  `json:"contains_valid_food_items"`
}

// Splitter turns meal messages into streams of food descriptions
type Splitter struct {
	streamer llm.Streamer
	model    string
	logger   *zap.Logger
}

// NewSplitter creates a Splitter that streams completions from model
func NewSplitter(streamer llm.Streamer, model string, logger *zap.Logger) *Splitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Splitter{
		streamer: streamer,
		model:    model,
		logger:   logger.Named("intake"),
	}
}

// Split starts the completion for message and returns a Stream of its items.
// The caller must drain the stream or Close it.
func (s *Splitter) Split(ctx context.Context, message string) (*Stream, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	ctx, cancel := context.WithCancel(ctx)
	st := &Stream{
		items:   make(chan types.FoodDescription),
		done:    make(chan struct{}),
		cancel:  cancel,
		message: message,
	}

	req := llm.Request{
		Model:       s.model,
		System:      systemPrompt,
		Prompt:      fmt.Sprintf(promptTemplate, message),
		Temperature: 0,
	}
	go st.run(ctx, s.streamer, req, s.logger)
	return st, nil
}

// Stream yields the food descriptions of one message in output order
type Stream struct {
	items   chan types.FoodDescription
	done    chan struct{}
	cancel  context.CancelFunc
	message string

	closeOnce sync.Once
	err       error // set before done closes
}

// Next blocks until the next description is available. It returns io.EOF
// after the last one. A message that describes no food ends with an
// INVALID_FOOD_ITEM resolution error instead, and a closed or cancelled
// stream ends with the context error.
func (st *Stream) Next() (*types.FoodDescription, error) {
	select {
	case d := <-st.items:
		return &d, nil
	case <-st.done:
		if st.err != nil {
			return nil, st.err
		}
		return nil, io.EOF
	}
}

// Close stops the completion. It is safe to call more than once.
func (st *Stream) Close() {
	st.closeOnce.Do(st.cancel)
}

func (st *Stream) run(ctx context.Context, streamer llm.Streamer, req llm.Request, logger *zap.Logger) {
	defer close(st.done)
	defer st.cancel()

	scanner := llmjson.NewScanner()
	var (
		emitted int
		invalid bool
	)
	emit := func(it item) error {
		desc, ok := it.description()
		if !ok {
			return nil
		}
		select {
		case st.items <- desc:
			emitted++
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := streamer.Stream(ctx, req, func(delta string) error {
		scanner.WriteString(delta)
		for {
			raw, ok := scanner.Next()
			if !ok {
				return nil
			}
			var it item
			if err := json.Unmarshal(raw, &it); err != nil {
				logger.Debug("skipping malformed item", zap.Error(err))
				continue
			}
			if it.ValidFoods != nil && !*it.ValidFoods {
				invalid = true
			}
			if err := emit(it); err != nil {
				return err
			}
			for _, nested := range it.FoodItems {
				if err := emit(nested); err != nil {
					return err
				}
			}
		}
	})

	switch {
	case ctx.Err() != nil:
		st.err = ctx.Err()
	case err != nil:
		logger.Warn("meal split stream failed", zap.Int("emitted", emitted), zap.Error(err))
		st.err = types.NewProviderExhausted("meal splitter", err)
	case emitted == 0:
		logger.Info("meal split produced no items", zap.Bool("flagged_invalid", invalid))
		st.err = types.NewInvalidFoodItem(st.message)
	default:
		logger.Debug("meal split done", zap.Int("items", emitted))
	}
}

// description converts an output object. Objects without a search name are
// not items.
func (it item) description() (types.FoodDescription, bool) {
	name := strings.TrimSpace(it.SearchName)
	if name == "" {
		return types.FoodDescription{}, false
	}
	phrase := strings.TrimSpace(it.Phrase)
	if phrase == "" {
		phrase = name
	}
	brand := strings.TrimSpace(it.Brand)
	return types.FoodDescription{
		SearchName: name,
		RawPhrase:  phrase,
		Brand:      brand,
		Branded:    parseBool(it.Branded) && brand != "",
	}, true
}

// parseBool accepts true, "true" and "yes"; models quote booleans often
func parseBool(raw json.RawMessage) bool {
	s := strings.Trim(strings.ToLower(strings.TrimSpace(string(raw))), `"`)
	return s == "true" || s == "yes"
}
