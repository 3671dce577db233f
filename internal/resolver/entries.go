package resolver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/foodresolve/pkg/types"
)

// backfillPageSize is how many pending entries Backfill loads at a time
const backfillPageSize = 100

// ErrBackfillRunning is returned when a backfill is already in progress
var ErrBackfillRunning = errors.New("backfill already in progress")

// ResolveEntry resolves a caller-owned logged entry and records the outcome
// on it. An entry owned by another user (or missing) fails with
// NotAuthorized and is left untouched. An entry that is already RESOLVED is
// returned as stored.
func (r *Resolver) ResolveEntry(ctx context.Context, userID string, entryID int64) (*types.Resolution, error) {
	entry, err := r.deps.Store.GetLoggedEntry(ctx, entryID)
	if err != nil {
		if isNotFound(err) {
			return nil, types.NewNotAuthorized("logged entry", entryID)
		}
		return nil, fmt.Errorf("load logged entry %d: %w", entryID, err)
	}
	if entry.UserID != userID {
		r.logger.Warn("logged entry owner mismatch", zap.Int64("entry_id", entryID))
		return nil, types.NewNotAuthorized("logged entry", entryID)
	}
	return r.resolveEntry(ctx, entry)
}

func (r *Resolver) resolveEntry(ctx context.Context, entry *types.LoggedEntry) (*types.Resolution, error) {
	if entry.Status == types.EntryResolved && entry.FoodItemID != nil {
		return r.storedResolution(ctx, entry)
	}

	res, err := r.Resolve(ctx, entry.Description)
	if err != nil {
		// A cancelled caller says nothing about the entry; leave it PENDING
		// for the next attempt. The per-item timeout lives below ctx and
		// still fails the entry.
		if ctx.Err() != nil {
			return nil, err
		}
		entry.Status = types.EntryFailed
		entry.FailureReason = types.UserMessage(err)
		if uerr := r.deps.Store.UpdateLoggedEntry(context.WithoutCancel(ctx), entry); uerr != nil {
			r.logger.Error("failed to mark entry failed", zap.Int64("entry_id", entry.ID), zap.Error(uerr))
		}
		return nil, err
	}

	itemID := res.Item.ID
	grams := res.Serving.Grams
	entry.Status = types.EntryResolved
	entry.FoodItemID = &itemID
	entry.ServingGrams = &grams
	entry.ServingName = res.Serving.DisplayName
	entry.ServingAmount = res.Serving.DisplayAmount
	entry.ServingID = res.Serving.MatchedServingID
	entry.FailureReason = ""
	if err := r.deps.Store.UpdateLoggedEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("record resolution for entry %d: %w", entry.ID, err)
	}
	res.EntryID = entry.ID

	// Progress is for display only
	if entry.RequestID != nil {
		if err := r.deps.Store.IncrementItemsProcessed(ctx, *entry.RequestID); err != nil {
			r.logger.Warn("failed to increment progress",
				zap.Int64("request_id", *entry.RequestID),
				zap.Error(err))
		}
	}
	return res, nil
}

func (r *Resolver) storedResolution(ctx context.Context, entry *types.LoggedEntry) (*types.Resolution, error) {
	item, err := r.deps.Store.GetFoodItem(ctx, *entry.FoodItemID)
	if err != nil {
		return nil, fmt.Errorf("load resolved item %d: %w", *entry.FoodItemID, err)
	}
	res := &types.Resolution{
		Item:    item,
		EntryID: entry.ID,
		Serving: types.ResolvedServing{
			DisplayName:      entry.ServingName,
			DisplayAmount:    entry.ServingAmount,
			MatchedServingID: entry.ServingID,
		},
	}
	if entry.ServingGrams != nil {
		res.Serving.Grams = *entry.ServingGrams
	}
	return res, nil
}

// BatchResult is the outcome for one entry of a batch
type BatchResult struct {
	EntryID    int64
	Resolution *types.Resolution
	Err        error
}

// ResolveBatch resolves sibling entries independently on a bounded worker
// pool. One entry failing never affects another. Results keep the order of
// entryIDs.
func (r *Resolver) ResolveBatch(ctx context.Context, userID string, entryIDs []int64) []BatchResult {
	results := make([]BatchResult, len(entryIDs))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, id := range entryIDs {
		g.Go(func() error {
			res, err := r.ResolveEntry(ctx, userID, id)
			results[i] = BatchResult{EntryID: id, Resolution: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// BackfillStats summarizes one backfill run
type BackfillStats struct {
	Processed int
	Resolved  int
	Failed    int
}

// Backfill resolves every PENDING entry. Entries are paged by id, so one
// that cannot leave PENDING is visited once per run. Only one backfill runs
// at a time; a concurrent call returns ErrBackfillRunning.
func (r *Resolver) Backfill(ctx context.Context) (*BackfillStats, error) {
	if !r.backfill.TryAcquire() {
		return nil, ErrBackfillRunning
	}
	defer r.backfill.Release()

	stats := &BackfillStats{}
	var lastID int64
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		page, err := r.deps.Store.ListPendingEntries(ctx, lastID, backfillPageSize)
		if err != nil {
			return stats, fmt.Errorf("list pending entries: %w", err)
		}
		if len(page) == 0 {
			break
		}
		lastID = page[len(page)-1].ID

		outcomes := make([]error, len(page))
		var g errgroup.Group
		g.SetLimit(r.workers)
		for i, e := range page {
			g.Go(func() error {
				_, outcomes[i] = r.resolveEntry(ctx, e)
				return nil
			})
		}
		_ = g.Wait()
		// Entries interrupted by cancellation are still PENDING; don't count them
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		for _, err := range outcomes {
			stats.Processed++
			if err != nil {
				stats.Failed++
			} else {
				stats.Resolved++
			}
		}
		r.logger.Info("backfill page done",
			zap.Int("entries", len(page)),
			zap.Int("resolved_total", stats.Resolved),
			zap.Int("failed_total", stats.Failed))
	}
	return stats, nil
}
