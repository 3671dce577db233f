package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/dshills/foodresolve/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams     = -32602 // Invalid method parameters
	ErrorCodeInternalError     = -32603 // Internal JSON-RPC error
	ErrorCodeNoFoodInfoFound   = -32010 // No source produced a usable item
	ErrorCodeInvalidFoodItem   = -32011 // Input is not a food
	ErrorCodeNotAuthorized     = -32012 // Entry missing or owned by someone else
	ErrorCodeProviderExhausted = -32013 // Upstream providers failed
)

const (
	defaultSearchLimit   = 10
	maxSearchLimit       = 100
	internalErrorMessage = "internal error"
)

type resolveFoodArgs struct {
	SearchName string `json:"search_name"`
	Brand      string `json:"brand"`
	Branded    bool   `json:"branded"`
	Phrase     string `json:"phrase"`
}

func (a resolveFoodArgs) description() types.FoodDescription {
	return types.FoodDescription{
		SearchName: strings.TrimSpace(a.SearchName),
		Brand:      strings.TrimSpace(a.Brand),
		Branded:    a.Branded,
		RawPhrase:  strings.TrimSpace(a.Phrase),
	}
}

type resolveEntryArgs struct {
	UserID  string `json:"user_id"`
	EntryID int64  `json:"entry_id"`
}

type searchFoodsArgs struct {
	resolveFoodArgs
	Limit *int `json:"limit"`
}

type splitMealArgs struct {
	Message string `json:"message"`
}

// handleResolveFood handles the resolve_food tool invocation
func (s *Server) handleResolveFood(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := decode[resolveFoodArgs](request)
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", map[string]interface{}{"reason": err.Error()})
	}
	if strings.TrimSpace(args.SearchName) == "" {
		return nil, missingParam("search_name")
	}

	res, err := s.deps.Resolver.Resolve(ctx, args.description())
	if err != nil {
		return nil, s.resolutionError("resolve_food", err)
	}
	return mcp.NewToolResultText(formatJSON(resolutionResponse(res))), nil
}

// handleResolveEntry handles the resolve_entry tool invocation
func (s *Server) handleResolveEntry(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := decode[resolveEntryArgs](request)
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", map[string]interface{}{"reason": err.Error()})
	}
	if strings.TrimSpace(args.UserID) == "" {
		return nil, missingParam("user_id")
	}
	if args.EntryID <= 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "entry_id must be a positive integer", map[string]interface{}{
			"param": "entry_id",
			"value": args.EntryID,
		})
	}

	res, err := s.deps.Resolver.ResolveEntry(ctx, args.UserID, args.EntryID)
	if err != nil {
		return nil, s.resolutionError("resolve_entry", err)
	}
	return mcp.NewToolResultText(formatJSON(resolutionResponse(res))), nil
}

// handleSearchFoods handles the search_foods tool invocation
func (s *Server) handleSearchFoods(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := decode[searchFoodsArgs](request)
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", map[string]interface{}{"reason": err.Error()})
	}
	if strings.TrimSpace(args.SearchName) == "" {
		return nil, missingParam("search_name")
	}
	limit := defaultSearchLimit
	if args.Limit != nil {
		limit = *args.Limit
	}
	if limit < 1 || limit > maxSearchLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	result, err := s.deps.Searcher.Search(ctx, args.description(), limit)
	if err != nil {
		s.logger.Error("search failed", zap.String("query", args.SearchName), zap.Error(err))
		return nil, newMCPError(ErrorCodeProviderExhausted, "food search is unavailable right now", nil)
	}

	candidates := make([]map[string]interface{}, 0, len(result.Candidates))
	for i, c := range result.Candidates {
		entry := map[string]interface{}{
			"rank":       i + 1,
			"source":     string(c.Source),
			"name":       c.Name,
			"similarity": round(c.Similarity, 4),
			"band":       s.deps.Searcher.Band(c.Similarity).String(),
		}
		if c.Brand != "" {
			entry["brand"] = c.Brand
		}
		if c.ID != 0 {
			entry["id"] = c.ID
		}
		if c.ExternalID != "" {
			entry["external_id"] = c.ExternalID
		}
		candidates = append(candidates, entry)
	}

	desc := args.description()
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"query":       desc.QueryText(),
		"candidates":  candidates,
		"cache_hit":   result.CacheHit,
		"duration_ms": result.Duration.Milliseconds(),
	})), nil
}

// handleSplitMeal handles the split_meal tool invocation
func (s *Server) handleSplitMeal(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := decode[splitMealArgs](request)
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", map[string]interface{}{"reason": err.Error()})
	}
	if strings.TrimSpace(args.Message) == "" {
		return nil, missingParam("message")
	}

	stream, err := s.deps.Splitter.Split(ctx, args.Message)
	if err != nil {
		return nil, s.resolutionError("split_meal", err)
	}
	defer stream.Close()

	items := make([]types.FoodDescription, 0)
	for {
		desc, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, s.resolutionError("split_meal", err)
		}
		items = append(items, *desc)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"food_items": items,
	})), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.deps.Store.GetStatus(ctx)
	if err != nil {
		s.logger.Error("failed to get status", zap.Error(err))
		return nil, newMCPError(ErrorCodeInternalError, "failed to get status", nil)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"catalog": map[string]interface{}{
			"food_items": status.FoodItems,
			"servings":   status.Servings,
		},
		"bulk_index": map[string]interface{}{
			"foods": status.BulkFoods,
		},
		"queues": map[string]interface{}{
			"pending_entries":  status.PendingEntries,
			"queued_icon_jobs": status.QueuedIconJobs,
		},
		"cached_vectors": status.CachedVectors,
		"schema_version": status.SchemaVersion,
		"build_mode":     status.BuildMode,
	})), nil
}

// resolutionResponse renders a resolution with nutrition scaled to the
// resolved grams
func resolutionResponse(res *types.Resolution) map[string]interface{} {
	item := res.Item
	food := map[string]interface{}{
		"id":          item.ID,
		"name":        item.Name,
		"source":      string(item.Provenance.Source),
		"is_liquid":   item.IsLiquid,
		"per_serving": item.Macros,
	}
	if item.Brand != "" {
		food["brand"] = item.Brand
	}
	if item.DefaultServingWeightGrams != nil {
		food["default_serving_weight_g"] = *item.DefaultServingWeightGrams
	}

	serving := map[string]interface{}{
		"grams":  round(res.Serving.Grams, 2),
		"name":   res.Serving.DisplayName,
		"amount": res.Serving.DisplayAmount,
	}
	if res.Serving.MatchedServingID != nil {
		serving["matched_serving_id"] = *res.Serving.MatchedServingID
	}
	if res.Serving.LowFidelity {
		serving["low_fidelity"] = true
	}

	out := map[string]interface{}{
		"food_item": food,
		"serving":   serving,
		"tier":      res.Tier,
		"created":   res.Created,
	}
	if res.EntryID != 0 {
		out["entry_id"] = res.EntryID
	}
	if item.DefaultServingWeightGrams != nil && *item.DefaultServingWeightGrams > 0 {
		f := res.Serving.Grams / *item.DefaultServingWeightGrams
		out["consumed"] = map[string]interface{}{
			"kcal":      round(item.Kcal*f, 1),
			"protein_g": round(item.ProteinGrams*f, 1),
			"carbs_g":   round(item.CarbGrams*f, 1),
			"fat_g":     round(item.FatGrams*f, 1),
		}
	}
	return out
}

// Helper functions

// resolutionError maps a resolution failure onto a domain error code. Only
// the user-visible message leaves the server; the cause is logged.
func (s *Server) resolutionError(tool string, err error) error {
	var re *types.ResolutionError
	if !errors.As(err, &re) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return newMCPError(ErrorCodeInternalError, "request cancelled", nil)
		}
		s.logger.Error("tool failed", zap.String("tool", tool), zap.Error(err))
		return newMCPError(ErrorCodeInternalError, internalErrorMessage, nil)
	}

	s.logger.Info("tool resolution failed", zap.String("tool", tool), zap.String("code", string(re.Code)), zap.Error(err))
	code := ErrorCodeInternalError
	switch re.Code {
	case types.ErrNoFoodInfoFound:
		code = ErrorCodeNoFoodInfoFound
	case types.ErrInvalidFoodItem:
		code = ErrorCodeInvalidFoodItem
	case types.ErrNotAuthorized:
		code = ErrorCodeNotAuthorized
	case types.ErrProviderExhausted:
		code = ErrorCodeProviderExhausted
	}
	return newMCPError(code, re.Message, map[string]interface{}{"code": string(re.Code)})
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

func missingParam(name string) error {
	return newMCPError(ErrorCodeInvalidParams, name+" parameter is required", map[string]interface{}{
		"param":  name,
		"reason": "missing or empty",
	})
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// decode unmarshals request arguments into a typed struct
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var result T
	b, err := json.Marshal(req.GetArguments())
	if err != nil {
		return result, fmt.Errorf("marshal args: %w", err)
	}
	if err := json.Unmarshal(b, &result); err != nil {
		return result, fmt.Errorf("unmarshal args: %w", err)
	}
	return result, nil
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
