package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/intake"
	"github.com/dshills/foodresolve/internal/searcher"
	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/pkg/types"
)

const (
	// ServerName is the MCP server name
	ServerName = "foodresolve"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Resolver runs the resolution cascade
type Resolver interface {
	Resolve(ctx context.Context, desc types.FoodDescription) (*types.Resolution, error)
	ResolveEntry(ctx context.Context, userID string, entryID int64) (*types.Resolution, error)
}

// Searcher ranks candidates without resolving
type Searcher interface {
	Search(ctx context.Context, desc types.FoodDescription, k int) (*searcher.Result, error)
	Band(score float64) searcher.Band
}

// Splitter splits meal messages
type Splitter interface {
	Split(ctx context.Context, message string) (*intake.Stream, error)
}

// StatusStore reports catalog statistics
type StatusStore interface {
	GetStatus(ctx context.Context) (*storage.Status, error)
}

// Deps are the services behind the tools. Splitter may be nil, which leaves
// split_meal unregistered.
type Deps struct {
	Resolver Resolver
	Searcher Searcher
	Splitter Splitter
	Store    StatusStore
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp    *server.MCPServer
	deps   Deps
	logger *zap.Logger
}

// NewServer creates a new MCP server instance with the food tools registered
func NewServer(deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Resolver == nil || deps.Searcher == nil || deps.Store == nil {
		return nil, errors.New("mcp server requires resolver, searcher and store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		mcp: server.NewMCPServer(
			ServerName,
			ServerVersion,
			server.WithToolCapabilities(true),
		),
		deps:   deps,
		logger: logger.Named("mcp"),
	}
	s.registerTools()
	return s, nil
}

// Serve starts the MCP server on stdio and blocks until shutdown
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("serving MCP on stdio")
	return server.ServeStdio(s.mcp)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(resolveFoodTool(), s.handleResolveFood)
	s.mcp.AddTool(resolveEntryTool(), s.handleResolveEntry)
	s.mcp.AddTool(searchFoodsTool(), s.handleSearchFoods)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
	if s.deps.Splitter != nil {
		s.mcp.AddTool(splitMealTool(), s.handleSplitMeal)
	}
}
