package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// descriptionProperties are the FoodDescription fields shared by tools that
// take a food
func descriptionProperties() map[string]interface{} {
	return map[string]interface{}{
		"search_name": map[string]interface{}{
			"type":        "string",
			"description": "Database search name of the food, including preparation (e.g. 'oats, cooked')",
		},
		"brand": map[string]interface{}{
			"type":        "string",
			"description": "Brand or restaurant name, if any",
		},
		"branded": map[string]interface{}{
			"type":        "boolean",
			"description": "Whether the food is a branded product",
			"default":     false,
		},
	}
}

// resolveFoodTool returns the tool definition for resolve_food
func resolveFoodTool() mcp.Tool {
	props := descriptionProperties()
	props["phrase"] = map[string]interface{}{
		"type":        "string",
		"description": "The user's words for this item, including quantity (e.g. '2/3 cup of granola'). Defaults to search_name.",
	}
	return mcp.Tool{
		Name:        "resolve_food",
		Description: "Resolve a food description to a canonical catalog item and a gram-weighted serving",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   []string{"search_name"},
		},
	}
}

// resolveEntryTool returns the tool definition for resolve_entry
func resolveEntryTool() mcp.Tool {
	return mcp.Tool{
		Name:        "resolve_entry",
		Description: "Resolve a pending logged entry owned by the user and record the outcome on it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"user_id": map[string]interface{}{
					"type":        "string",
					"description": "Owner of the entry",
				},
				"entry_id": map[string]interface{}{
					"type":        "integer",
					"description": "Logged entry id",
					"minimum":     1,
				},
			},
			Required: []string{"user_id", "entry_id"},
		},
	}
}

// searchFoodsTool returns the tool definition for search_foods
func searchFoodsTool() mcp.Tool {
	props := descriptionProperties()
	props["limit"] = map[string]interface{}{
		"type":        "integer",
		"description": "Maximum number of candidates to return (1-100)",
		"default":     10,
		"minimum":     1,
		"maximum":     100,
	}
	return mcp.Tool{
		Name:        "search_foods",
		Description: "Rank catalog and bulk index candidates for a food without resolving it",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   []string{"search_name"},
		},
	}
}

// splitMealTool returns the tool definition for split_meal
func splitMealTool() mcp.Tool {
	return mcp.Tool{
		Name:        "split_meal",
		Description: "Split a free-text meal message into individual food descriptions",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"message": map[string]interface{}{
					"type":        "string",
					"description": "The meal as the user wrote it",
				},
			},
			Required: []string{"message"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Get catalog, bulk index and queue statistics",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
