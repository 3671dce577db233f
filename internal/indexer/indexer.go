package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/internal/vendors"
	"github.com/dshills/foodresolve/pkg/types"
)

// ErrIndexInProgress is returned when a load is already running
var ErrIndexInProgress = errors.New("bulk index load already in progress")

// ErrNoFoodArray is returned when the export holds no array of foods
var ErrNoFoodArray = errors.New("no food array found in export")

// Store is the storage subset the loader writes through
type Store interface {
	BeginTx(ctx context.Context) (storage.Tx, error)
}

// Vectorizer embeds a batch of names in as few provider calls as possible
type Vectorizer interface {
	GetOrCreateBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config contains configuration for the indexer
type Config struct {
	Workers   int // concurrent batches (default: runtime.NumCPU())
	BatchSize int // foods embedded and committed together (default: 64)
}

// Statistics contains statistics about one load
type Statistics struct {
	FoodsIndexed  int
	FoodsSkipped  int
	FoodsFailed   int
	Batches       int
	Duration      time.Duration
	ErrorMessages []string
}

// Indexer loads a FoodData Central JSON export into the bulk index:
// decode -> normalize -> embed -> store
type Indexer struct {
	store      Store
	vectorizer Vectorizer
	workers    int
	batchSize  int
	logger     *zap.Logger

	running atomic.Bool
}

// New creates a new Indexer instance
func New(store Store, vectorizer Vectorizer, config *Config, logger *zap.Logger) *Indexer {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := config.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Indexer{
		store:      store,
		vectorizer: vectorizer,
		workers:    workers,
		batchSize:  batchSize,
		logger:     logger.Named("indexer"),
	}
}

// IndexFile streams the export at path into the bulk index
func (idx *Indexer) IndexFile(ctx context.Context, path string) (*Statistics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export: %w", err)
	}
	defer func() { _ = f.Close() }()
	return idx.Index(ctx, f)
}

// Index streams an export from r. Foods are decoded one at a time, so the
// export never has to fit in memory. A batch that fails to embed or store is
// counted and reported in ErrorMessages; only decode errors and cancellation
// abort the load.
func (idx *Indexer) Index(ctx context.Context, r io.Reader) (*Statistics, error) {
	if !idx.running.CompareAndSwap(false, true) {
		return nil, ErrIndexInProgress
	}
	defer idx.running.Store(false)

	start := time.Now()
	stats := &Statistics{ErrorMessages: make([]string, 0)}
	var (
		indexed, skipped, failed, batches atomic.Int32
		mu                                sync.Mutex // protects stats.ErrorMessages
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.workers + 1)
	batchCh := make(chan []*storage.BulkFood)

	g.Go(func() error {
		defer close(batchCh)
		return decodeFoods(gctx, r, idx.batchSize, batchCh, &skipped)
	})
	for i := 0; i < idx.workers; i++ {
		g.Go(func() error {
			for batch := range batchCh {
				if err := idx.storeBatch(gctx, batch); err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					failed.Add(int32(len(batch)))
					mu.Lock()
					stats.ErrorMessages = append(stats.ErrorMessages,
						fmt.Sprintf("batch at fdc %s: %v", batch[0].FdcID, err))
					mu.Unlock()
					idx.logger.Warn("bulk batch failed", zap.Int("foods", len(batch)), zap.Error(err))
					continue
				}
				indexed.Add(int32(len(batch)))
				batches.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()

	stats.FoodsIndexed = int(indexed.Load())
	stats.FoodsSkipped = int(skipped.Load())
	stats.FoodsFailed = int(failed.Load())
	stats.Batches = int(batches.Load())
	stats.Duration = time.Since(start)
	if err != nil {
		return stats, err
	}

	idx.logger.Info("bulk index loaded",
		zap.Int("indexed", stats.FoodsIndexed),
		zap.Int("skipped", stats.FoodsSkipped),
		zap.Int("failed", stats.FoodsFailed),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

// storeBatch embeds the batch names and upserts the rows in one transaction
func (idx *Indexer) storeBatch(ctx context.Context, batch []*storage.BulkFood) error {
	texts := make([]string, len(batch))
	for i, food := range batch {
		texts[i] = food.Payload.EmbeddingText()
	}
	vectors, err := idx.vectorizer.GetOrCreateBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed batch: %w", err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(batch))
	}

	tx, err := idx.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, food := range batch {
		food.Embedding = vectors[i]
		if err := tx.UpsertBulkFood(ctx, food); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// decodeFoods walks the export to its first array of foods, then decodes
// elements one by one into batches. Exports wrap the array in an object
// keyed by data type ("FoundationFoods", "BrandedFoods", ...); a bare array
// is accepted too.
func decodeFoods(ctx context.Context, r io.Reader, batchSize int, out chan<- []*storage.BulkFood, skipped *atomic.Int32) error {
	dec := json.NewDecoder(r)
	if err := seekArray(dec); err != nil {
		return err
	}

	batch := make([]*storage.BulkFood, 0, batchSize)
	send := func() error {
		if len(batch) == 0 {
			return nil
		}
		select {
		case out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
		batch = make([]*storage.BulkFood, 0, batchSize)
		return nil
	}

	for dec.More() {
		var food fdcFood
		if err := dec.Decode(&food); err != nil {
			return fmt.Errorf("failed to decode food: %w", err)
		}
		bulk, ok := food.toBulkFood()
		if !ok {
			skipped.Add(1)
			continue
		}
		batch = append(batch, bulk)
		if len(batch) >= batchSize {
			if err := send(); err != nil {
				return err
			}
		}
	}
	return send()
}

// seekArray advances dec past the opening bracket of the first array
func seekArray(dec *json.Decoder) error {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return ErrNoFoodArray
		}
		if err != nil {
			return fmt.Errorf("failed to read export: %w", err)
		}
		if d, ok := tok.(json.Delim); ok && d == '[' {
			return nil
		}
	}
}

// fdcFood is one food of a FoodData Central export. Nutrient amounts are
// per 100 g.
type fdcFood struct {
	FdcID                    json.Number       `json:"fdcId"`
	Description              string            `json:"description"`
	DataType                 string            `json:"dataType"`
	BrandOwner               string            `json:"brandOwner"`
	BrandName                string            `json:"brandName"`
	ServingSize              float64           `json:"servingSize"`
	ServingSizeUnit          string            `json:"servingSizeUnit"`
	HouseholdServingFullText string            `json:"householdServingFullText"`
	FoodNutrients            []fdcFoodNutrient `json:"foodNutrients"`
	FoodPortions             []fdcPortion      `json:"foodPortions"`
}

type fdcFoodNutrient struct {
	Nutrient struct {
		Name     string `json:"name"`
		UnitName string `json:"unitName"`
	} `json:"nutrient"`
	Amount *float64 `json:"amount"`
}

type fdcPortion struct {
	GramWeight         float64 `json:"gramWeight"`
	Amount             float64 `json:"amount"`
	Modifier           string  `json:"modifier"`
	PortionDescription string  `json:"portionDescription"`
	MeasureUnit        struct {
		Name string `json:"name"`
	} `json:"measureUnit"`
}

// toBulkFood normalizes a food into a bulk index row. Foods without an id
// or a name are skipped.
func (f *fdcFood) toBulkFood() (*storage.BulkFood, bool) {
	id := strings.TrimSpace(f.FdcID.String())
	name := strings.TrimSpace(f.Description)
	if id == "" || name == "" {
		return nil, false
	}

	brand := strings.TrimSpace(f.BrandName)
	if brand == "" {
		brand = strings.TrimSpace(f.BrandOwner)
	}
	branded := strings.EqualFold(f.DataType, "Branded") || brand != ""

	item := &types.CanonicalFoodItem{
		Name:       name,
		Brand:      brand,
		Provenance: types.Provenance{Source: types.SourceUSDA, ExternalID: id},
	}
	for _, n := range f.FoodNutrients {
		if n.Amount == nil || n.Nutrient.Name == "" {
			continue
		}
		vendors.ApplyNutrient(item, n.Nutrient.Name, n.Nutrient.UnitName, *n.Amount)
	}

	item.Servings = append(item.Servings, types.Serving{Name: "g", WeightGrams: types.Float(100), DefaultAmount: 100})
	defaultWeight := 100.0
	if unit := strings.ToLower(f.ServingSizeUnit); f.ServingSize > 0 && (unit == "g" || unit == "grm" || unit == "ml") {
		defaultWeight = f.ServingSize
		label := strings.TrimSpace(f.HouseholdServingFullText)
		if label == "" {
			label = "serving"
		}
		item.Servings = append(item.Servings, types.Serving{Name: label, WeightGrams: types.Float(f.ServingSize), DefaultAmount: 1})
		item.IsLiquid = unit == "ml"
	}
	for _, p := range f.FoodPortions {
		if s, ok := p.serving(); ok {
			item.Servings = append(item.Servings, s)
		}
	}

	// Macros describe the default serving, not 100 g
	vendors.ScaleNutrients(item, defaultWeight/100)
	item.DefaultServingWeightGrams = types.Float(defaultWeight)

	return &storage.BulkFood{
		FdcID:   id,
		Name:    name,
		Brand:   brand,
		Branded: branded,
		Payload: item,
	}, true
}

func (p *fdcPortion) serving() (types.Serving, bool) {
	if p.GramWeight <= 0 {
		return types.Serving{}, false
	}
	name := strings.TrimSpace(p.PortionDescription)
	if name == "" || strings.EqualFold(name, "Quantity not specified") {
		name = strings.TrimSpace(strings.Join([]string{p.MeasureUnit.Name, p.Modifier}, " "))
		if strings.EqualFold(p.MeasureUnit.Name, "undetermined") {
			name = strings.TrimSpace(p.Modifier)
		}
	}
	if name == "" {
		return types.Serving{}, false
	}
	amount := p.Amount
	if amount <= 0 {
		amount = 1
	}
	return types.Serving{Name: name, WeightGrams: types.Float(p.GramWeight), DefaultAmount: amount}, true
}
