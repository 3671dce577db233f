// Package mcp implements the Model Context Protocol (MCP) server for foodresolve.
//
// The server exposes the resolution core to assistants over stdio:
//   - resolve_food: resolve a food description to a catalog item and serving
//   - resolve_entry: resolve a caller-owned logged entry and record the outcome
//   - search_foods: rank candidates without resolving
//   - split_meal: split a free-text meal message into food descriptions
//   - get_status: catalog, bulk index and queue statistics
//
// # Basic Usage
//
//	foodresolve serve
//
// The server reads MCP messages from stdin and writes responses to stdout.
// Logs go to stderr.
//
// # Tool: resolve_food
//
//	Request:
//	{
//	  "name": "resolve_food",
//	  "arguments": {
//	    "search_name": "granola",
//	    "brand": "Acme",
//	    "branded": true,
//	    "phrase": "2/3 cup of acme granola"
//	  }
//	}
//
//	Response:
//	{
//	  "food_item": {"id": 12, "name": "Granola", "brand": "Acme", "per_serving": {...}},
//	  "serving": {"grams": 67, "name": "cup", "amount": 0.67, "matched_serving_id": 30},
//	  "consumed": {"kcal": 335, "protein_g": 6.7, "carbs_g": 44.7, "fat_g": 13.4},
//	  "tier": "local_arbitration",
//	  "created": false
//	}
//
// # Error Handling
//
// Failures are JSON-RPC errors. Resolution failures carry a domain code and a
// short message that is safe to show the end user; internal causes are only
// logged.
//
//   - -32602: Invalid params
//   - -32603: Internal error
//   - -32010: No food info found
//   - -32011: Input is not a valid food item
//   - -32012: Not authorized (entry missing or owned by another user)
//   - -32013: Providers exhausted
package mcp
