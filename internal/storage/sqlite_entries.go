package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dshills/foodresolve/pkg/types"
)

// Vendor call accounting

// ConsumeAPIBudget records one call to api in the hourly bucket starting at
// bucket, provided fewer than limit calls are recorded since windowStart.
// Check and increment happen in a single conditional statement, so
// concurrent callers across processes never overshoot the limit.
func (s *SQLiteStorage) ConsumeAPIBudget(ctx context.Context, api string, bucket, windowStart time.Time, limit int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO api_calls (api_name, bucket_start, count)
		SELECT ?, ?, 1
		WHERE (
			SELECT COALESCE(SUM(count), 0) FROM api_calls
			WHERE api_name = ? AND bucket_start >= ?
		) < ?
		ON CONFLICT(api_name, bucket_start) DO UPDATE SET count = count + 1
	`, api, bucket.Unix(), api, windowStart.Unix(), limit)
	if err != nil {
		return false, fmt.Errorf("failed to consume api budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountAPICalls sums recorded calls to api in buckets starting at or after since
func (s *SQLiteStorage) CountAPICalls(ctx context.Context, api string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM api_calls WHERE api_name = ? AND bucket_start >= ?
	`, api, since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count api calls: %w", err)
	}
	return n, nil
}

// Icon operations

// CreateIcon stores a reusable icon
func (s *SQLiteStorage) CreateIcon(ctx context.Context, icon *Icon) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO icons (name, url, embedding, created_at) VALUES (?, ?, ?, ?)
	`, icon.Name, icon.URL, vectorArg(icon.Embedding), now)
	if err != nil {
		return fmt.Errorf("failed to create icon: %w", err)
	}
	if icon.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	icon.CreatedAt = now
	return nil
}

// NearestIcon returns the icon closest to vector and its similarity
func (s *SQLiteStorage) NearestIcon(ctx context.Context, vector []float32) (*Icon, float64, error) {
	results, err := searchVector(ctx, s.db, vectorQuery{table: "icons"}, vector, 1)
	if err != nil {
		return nil, 0, err
	}
	if len(results) == 0 {
		return nil, 0, ErrNotFound
	}

	var icon Icon
	err = s.db.QueryRowContext(ctx, `SELECT id, name, url, created_at FROM icons WHERE id = ?`, results[0].ID).
		Scan(&icon.ID, &icon.Name, &icon.URL, &icon.CreatedAt)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load icon: %w", err)
	}
	return &icon, results[0].SimilarityScore, nil
}

// EnqueueIconJob records an icon-generation request
func (s *SQLiteStorage) EnqueueIconJob(ctx context.Context, job *IconJob) error {
	if job.Status == "" {
		job.Status = IconJobQueued
	}
	job.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO icon_jobs (id, food_item_id, name, status, created_at) VALUES (?, ?, ?, ?, ?)
	`, job.ID, job.FoodItemID, job.Name, job.Status, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue icon job: %w", err)
	}
	return nil
}

// ListIconJobs lists jobs in a status, oldest first
func (s *SQLiteStorage) ListIconJobs(ctx context.Context, status string, limit int) ([]*IconJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, food_item_id, name, status, created_at FROM icon_jobs
		WHERE status = ? ORDER BY created_at, id LIMIT ?
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list icon jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]*IconJob, 0)
	for rows.Next() {
		var j IconJob
		if err := rows.Scan(&j.ID, &j.FoodItemID, &j.Name, &j.Status, &j.CreatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// Logging request and entry operations

// CreateLoggingRequest stores a parent logging request
func (s *SQLiteStorage) CreateLoggingRequest(ctx context.Context, req *LoggingRequest) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO logging_requests (user_id, items_total, items_processed, created_at) VALUES (?, ?, 0, ?)
	`, req.UserID, req.ItemsTotal, now)
	if err != nil {
		return fmt.Errorf("failed to create logging request: %w", err)
	}
	if req.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	req.CreatedAt = now
	return nil
}

// GetLoggingRequest loads a logging request
func (s *SQLiteStorage) GetLoggingRequest(ctx context.Context, id int64) (*LoggingRequest, error) {
	var r LoggingRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, items_total, items_processed, created_at FROM logging_requests WHERE id = ?
	`, id).Scan(&r.ID, &r.UserID, &r.ItemsTotal, &r.ItemsProcessed, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get logging request: %w", err)
	}
	return &r, nil
}

// IncrementItemsProcessed bumps the progress counter of a logging request
func (s *SQLiteStorage) IncrementItemsProcessed(ctx context.Context, requestID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE logging_requests SET items_processed = items_processed + 1 WHERE id = ?
	`, requestID)
	if err != nil {
		return fmt.Errorf("failed to increment progress: %w", err)
	}
	return requireRow(res)
}

// CreateLoggedEntry stores a PENDING entry
func (s *SQLiteStorage) CreateLoggedEntry(ctx context.Context, e *types.LoggedEntry) error {
	now := time.Now().UTC()
	if e.Status == "" {
		e.Status = types.EntryPending
	}
	if e.ConsumedAt.IsZero() {
		e.ConsumedAt = now
		if e.Description.ConsumedAt != nil {
			e.ConsumedAt = *e.Description.ConsumedAt
		}
	}
	d := e.Description
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO logged_entries (
			user_id, request_id, search_name, brand, branded, raw_phrase, status,
			consumed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.UserID, e.RequestID, d.SearchName, d.Brand, d.Branded, d.RawPhrase, string(e.Status),
		e.ConsumedAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to create logged entry: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	return nil
}

const loggedEntryColumns = `
	id, user_id, request_id, search_name, brand, branded, raw_phrase, status,
	food_item_id, serving_grams, serving_name, serving_amount, serving_id,
	failure_reason, consumed_at, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLoggedEntry(row rowScanner) (*types.LoggedEntry, error) {
	var (
		e            types.LoggedEntry
		requestID    sql.NullInt64
		foodItemID   sql.NullInt64
		servingID    sql.NullInt64
		servingGrams sql.NullFloat64
		status       string
		consumedAt   sql.NullTime
	)
	d := &e.Description
	err := row.Scan(
		&e.ID, &e.UserID, &requestID, &d.SearchName, &d.Brand, &d.Branded, &d.RawPhrase, &status,
		&foodItemID, &servingGrams, &e.ServingName, &e.ServingAmount, &servingID,
		&e.FailureReason, &consumedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = types.EntryStatus(status)
	if requestID.Valid {
		e.RequestID = &requestID.Int64
	}
	if foodItemID.Valid {
		e.FoodItemID = &foodItemID.Int64
	}
	if servingID.Valid {
		e.ServingID = &servingID.Int64
	}
	e.ServingGrams = nullFloat(servingGrams)
	if consumedAt.Valid {
		e.ConsumedAt = consumedAt.Time
		d.ConsumedAt = &e.ConsumedAt
	}
	return &e, nil
}

// GetLoggedEntry loads an entry
func (s *SQLiteStorage) GetLoggedEntry(ctx context.Context, id int64) (*types.LoggedEntry, error) {
	e, err := scanLoggedEntry(s.db.QueryRowContext(ctx, "SELECT "+loggedEntryColumns+" FROM logged_entries WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get logged entry: %w", err)
	}
	return e, nil
}

// UpdateLoggedEntry writes the resolution fields and status of an entry
func (s *SQLiteStorage) UpdateLoggedEntry(ctx context.Context, e *types.LoggedEntry) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE logged_entries SET
			status = ?, food_item_id = ?, serving_grams = ?, serving_name = ?,
			serving_amount = ?, serving_id = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?
	`, string(e.Status), e.FoodItemID, e.ServingGrams, e.ServingName,
		e.ServingAmount, e.ServingID, e.FailureReason, now, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update logged entry: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	e.UpdatedAt = now
	return nil
}

// ListPendingEntries lists PENDING entries with an id above afterID, oldest
// first
func (s *SQLiteStorage) ListPendingEntries(ctx context.Context, afterID int64, limit int) ([]*types.LoggedEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+loggedEntryColumns+" FROM logged_entries WHERE status = ? AND id > ? ORDER BY id LIMIT ?",
		string(types.EntryPending), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*types.LoggedEntry, 0)
	for rows.Next() {
		e, err := scanLoggedEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
