package icons

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/pkg/types"
)

// DefaultLinkThreshold is the similarity above which an existing icon is
// reused instead of generating a new one
const DefaultLinkThreshold = 0.9

// dispatchTimeout bounds one background link attempt
const dispatchTimeout = 30 * time.Second

// IconStore is the storage subset the linker reads and updates
type IconStore interface {
	NearestIcon(ctx context.Context, vector []float32) (*storage.Icon, float64, error)
	SetFoodItemIcon(ctx context.Context, itemID, iconID int64) error
}

// Outcome reports what Link did: either an icon was linked or a job queued
type Outcome struct {
	IconID *int64
	JobID  string
}

// Linker attaches icons to new catalog items
type Linker struct {
	store     IconStore
	queue     Queue
	threshold float64
	logger    *zap.Logger

	wg sync.WaitGroup
}

// NewLinker creates a linker
func NewLinker(store IconStore, queue Queue, threshold float64, logger *zap.Logger) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold <= 0 {
		threshold = DefaultLinkThreshold
	}
	return &Linker{
		store:     store,
		queue:     queue,
		threshold: threshold,
		logger:    logger.Named("icons"),
	}
}

// Link reuses the nearest icon when it is similar enough, otherwise it
// enqueues an icon-generation job keyed by the item id
func (l *Linker) Link(ctx context.Context, item *types.CanonicalFoodItem) (*Outcome, error) {
	if item.ID == 0 {
		return nil, errors.New("icon link requires a persisted item")
	}

	if len(item.Embedding) > 0 {
		icon, score, err := l.store.NearestIcon(ctx, item.Embedding)
		switch {
		case err == nil && score > l.threshold:
			if err := l.store.SetFoodItemIcon(ctx, item.ID, icon.ID); err != nil {
				return nil, err
			}
			item.IconID = &icon.ID
			return &Outcome{IconID: &icon.ID}, nil
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("nearest icon: %w", err)
		}
	}

	job := &storage.IconJob{
		ID:         uuid.NewString(),
		FoodItemID: item.ID,
		Name:       item.Name,
		Status:     storage.IconJobQueued,
	}
	if err := l.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return &Outcome{JobID: job.ID}, nil
}

// Dispatch links item in the background. Nothing waits on the result and
// failures are only logged. The caller's cancellation does not stop it.
func (l *Linker) Dispatch(ctx context.Context, item *types.CanonicalFoodItem) {
	// The goroutine owns its own copy; the caller keeps mutating theirs
	snapshot := &types.CanonicalFoodItem{ID: item.ID, Name: item.Name, Embedding: item.Embedding}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()

		out, err := l.Link(bg, snapshot)
		if err != nil {
			l.logger.Warn("icon link failed", zap.Int64("food_item_id", snapshot.ID), zap.Error(err))
			return
		}
		if out.IconID != nil {
			l.logger.Debug("icon linked", zap.Int64("food_item_id", snapshot.ID), zap.Int64("icon_id", *out.IconID))
		} else {
			l.logger.Debug("icon job queued", zap.Int64("food_item_id", snapshot.ID), zap.String("job_id", out.JobID))
		}
	}()
}

// Wait blocks until every dispatched link has finished
func (l *Linker) Wait() {
	l.wg.Wait()
}
