package storage

import (
	"context"
	"time"

	"github.com/dshills/foodresolve/pkg/types"
)

// Storage defines the interface for persisting and querying the food catalog,
// the bulk government index, and the shared bookkeeping tables.
type Storage interface {
	// Catalog operations
	CreateFoodItem(ctx context.Context, item *types.CanonicalFoodItem) error
	GetFoodItem(ctx context.Context, id int64) (*types.CanonicalFoodItem, error)
	FindExistingFoodItem(ctx context.Context, name, brand string) (*types.CanonicalFoodItem, error)
	UpdateServing(ctx context.Context, serving *types.Serving) error
	SetFoodItemIcon(ctx context.Context, itemID, iconID int64) error

	// Similarity search
	SearchCatalog(ctx context.Context, vector []float32, limit int, minSimilarity float64) ([]VectorResult, error)
	SearchBulkIndex(ctx context.Context, vector []float32, filter BulkFilter, limit int, minSimilarity float64) ([]VectorResult, error)

	// Bulk index operations
	UpsertBulkFood(ctx context.Context, food *BulkFood) error
	GetBulkFood(ctx context.Context, id int64) (*BulkFood, error)

	// Embedding cache operations
	GetCachedEmbedding(ctx context.Context, model, text string) (*CachedEmbedding, error)
	PutCachedEmbedding(ctx context.Context, entry *CachedEmbedding) (*CachedEmbedding, error)

	// Vendor call accounting
	ConsumeAPIBudget(ctx context.Context, api string, bucket, windowStart time.Time, limit int) (bool, error)
	CountAPICalls(ctx context.Context, api string, since time.Time) (int, error)

	// Icon operations
	CreateIcon(ctx context.Context, icon *Icon) error
	NearestIcon(ctx context.Context, vector []float32) (*Icon, float64, error)
	EnqueueIconJob(ctx context.Context, job *IconJob) error
	ListIconJobs(ctx context.Context, status string, limit int) ([]*IconJob, error)

	// Caller-owned logging rows
	CreateLoggingRequest(ctx context.Context, req *LoggingRequest) error
	GetLoggingRequest(ctx context.Context, id int64) (*LoggingRequest, error)
	IncrementItemsProcessed(ctx context.Context, requestID int64) error
	CreateLoggedEntry(ctx context.Context, entry *types.LoggedEntry) error
	GetLoggedEntry(ctx context.Context, id int64) (*types.LoggedEntry, error)
	UpdateLoggedEntry(ctx context.Context, entry *types.LoggedEntry) error
	ListPendingEntries(ctx context.Context, afterID int64, limit int) ([]*types.LoggedEntry, error)

	// Status operations
	GetStatus(ctx context.Context) (*Status, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction over the write paths that must be
// atomic: an item with its servings and nutrients, and bulk index batches.
type Tx interface {
	Commit() error
	Rollback() error
	CreateFoodItem(ctx context.Context, item *types.CanonicalFoodItem) error
	UpsertBulkFood(ctx context.Context, food *BulkFood) error
}

// VectorResult represents a result from vector similarity search
type VectorResult struct {
	ID              int64
	SimilarityScore float64
}

// BulkFilter narrows a bulk index search by branded flag
type BulkFilter struct {
	Branded *bool
}

// BulkFood is one row of the bulk government nutrition index
type BulkFood struct {
	ID        int64
	FdcID     string
	Name      string
	Brand     string
	Branded   bool
	Payload   *types.CanonicalFoodItem // normalized nutrition record
	Embedding []float32
	UpdatedAt time.Time
}

// CachedEmbedding is an immutable (model, text) -> vector entry
type CachedEmbedding struct {
	ID        string
	Model     string
	Text      string
	Vector    []float32
	Dimension int
	CreatedAt time.Time
}

// Icon is a reusable food icon
type Icon struct {
	ID        int64
	Name      string
	URL       string
	Embedding []float32
	CreatedAt time.Time
}

// IconJob is a queued icon-generation request
type IconJob struct {
	ID         string
	FoodItemID int64
	Name       string
	Status     string
	CreatedAt  time.Time
}

// Icon job statuses
const (
	IconJobQueued = "queued"
)

// LoggingRequest is the caller-owned parent of one or more logged entries
type LoggingRequest struct {
	ID             int64
	UserID         string
	ItemsTotal     int
	ItemsProcessed int
	CreatedAt      time.Time
}

// Status contains catalog statistics
type Status struct {
	FoodItems      int
	Servings       int
	BulkFoods      int
	CachedVectors  int
	PendingEntries int
	QueuedIconJobs int
	SchemaVersion  string
	BuildMode      string
}
