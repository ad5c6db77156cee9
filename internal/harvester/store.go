package harvester

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/yourusername/listing-harvester/pkg/listings"
)

// PostgresStore implements TaskStore on a Postgres database. It is the
// only shared mutable resource in the system; claim operations are atomic
// so it stays safe even if a second orchestrator is ever pointed at it.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const taskColumns = `
	id, job_id, seller, keyword, status_filter, type_filter,
	date_start, date_end, status, current_page, total_pages,
	items_retrieved, total_items_found, retry_count, max_retries,
	last_error, created_at, started_at, last_processed_at,
	completed_at, next_retry_at, updated_at`

// CreateJob persists a job and its tasks in one transaction. The splitter
// must have produced the tasks already; a partial insert never becomes
// visible.
func (s *PostgresStore) CreateJob(ctx context.Context, job *listings.Job, tasks []*listings.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin job transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, label, sellers, keywords, date_start, date_end,
			split_unit, status_filter, type_filter, total_tasks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, job.ID, job.Label, pq.Array(job.Sellers), pq.Array(job.Keywords),
		job.DateStart, job.DateEnd, string(job.SplitUnit),
		job.StatusFilter, job.TypeFilter, len(tasks))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (id, job_id, seller, keyword, status_filter, type_filter,
			date_start, date_end, status, current_page, total_pages, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare task insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		if _, err := stmt.ExecContext(ctx, t.ID, t.JobID, t.Seller, t.Keyword,
			t.StatusFilter, t.TypeFilter, t.DateStart, t.DateEnd,
			listings.StatusPending, t.CurrentPage, t.TotalPages, t.MaxRetries); err != nil {
			return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}

	slog.Info("job created", "job_id", job.ID, "label", job.Label, "tasks", len(tasks))
	return nil
}

// ClaimNextPendingTask atomically claims the oldest eligible pending task:
// a single conditional update from pending to processing, so two
// orchestrators can never hold the same task.
func (s *PostgresStore) ClaimNextPendingTask(ctx context.Context) (*listings.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH claimable AS (
			SELECT id
			FROM tasks
			WHERE status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks
		SET status = 'processing',
			started_at = COALESCE(started_at, NOW()),
			last_processed_at = NOW(),
			updated_at = NOW()
		FROM claimable
		WHERE tasks.id = claimable.id
		RETURNING `+taskColumns)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return task, nil
}

// SaveTaskProgress checkpoints pagination state after every page.
func (s *PostgresStore) SaveTaskProgress(ctx context.Context, task *listings.Task) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET current_page = $2,
			total_pages = $3,
			items_retrieved = $4,
			total_items_found = $5,
			last_processed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`, task.ID, task.CurrentPage, task.TotalPages, task.ItemsRetrieved, task.TotalItemsFound)

	if err != nil {
		return fmt.Errorf("failed to save task progress: %w", err)
	}
	return nil
}

// CompleteTask marks a task completed.
func (s *PostgresStore) CompleteTask(ctx context.Context, task *listings.Task) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'completed',
			current_page = $2,
			items_retrieved = $3,
			completed_at = NOW(),
			last_processed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`, task.ID, task.CurrentPage, task.ItemsRetrieved)

	if err != nil {
		return fmt.Errorf("failed to mark task completed: %w", err)
	}
	return nil
}

// RequeueTask returns a retryable task to pending. nextRetryAt gates when
// the claim query will consider it again; nil means immediately eligible.
func (s *PostgresStore) RequeueTask(ctx context.Context, task *listings.Task, lastError string, nextRetryAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending',
			retry_count = $2,
			last_error = $3,
			next_retry_at = $4,
			last_processed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`, task.ID, task.RetryCount, lastError, nextRetryAt)

	if err != nil {
		return fmt.Errorf("failed to requeue task: %w", err)
	}
	return nil
}

// FailTask marks a task terminally failed. Recovery requires an operator
// resetting its status to pending.
func (s *PostgresStore) FailTask(ctx context.Context, task *listings.Task, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'failed',
			retry_count = $2,
			last_error = $3,
			completed_at = NOW(),
			last_processed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`, task.ID, task.RetryCount, lastError)

	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return nil
}

// UpsertResults writes one page of results keyed by
// (external_item_id, task_id). Re-fetching a page replaces rather than
// duplicates.
func (s *PostgresStore) UpsertResults(ctx context.Context, results []*listings.Result) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin results transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO results (external_item_id, task_id, job_id, title, price,
			currency, seller, condition, category, listing_status,
			start_time, end_time, raw_payload, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (external_item_id, task_id) DO UPDATE
		SET title = EXCLUDED.title,
			price = EXCLUDED.price,
			listing_status = EXCLUDED.listing_status,
			raw_payload = EXCLUDED.raw_payload,
			fetched_at = EXCLUDED.fetched_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare result upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.ExecContext(ctx, r.ExternalItemID, r.TaskID, r.JobID,
			r.Title, r.Price, r.Currency, r.Seller, r.Condition, r.Category,
			r.ListingStatus, r.StartTime, r.EndTime, []byte(r.RawPayload), r.FetchedAt); err != nil {
			return fmt.Errorf("failed to upsert result %s: %w", r.ExternalItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}
	return nil
}

// RecomputeJobProgress refreshes a job's derived counters from its tasks.
func (s *PostgresStore) RecomputeJobProgress(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET completed_tasks = (
			SELECT COUNT(*) FROM tasks
			WHERE job_id = $1 AND status IN ('completed', 'failed')
		),
		updated_at = NOW()
		WHERE id = $1
	`, jobID)

	if err != nil {
		return fmt.Errorf("failed to recompute job progress: %w", err)
	}
	return nil
}

// QueueDepth reports pending and processing task counts for metrics.
func (s *PostgresStore) QueueDepth(ctx context.Context) (pending, processing int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM tasks
		WHERE status IN ('pending', 'processing')
		GROUP BY status
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query queue depth: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		switch status {
		case listings.StatusPending:
			pending = count
		case listings.StatusProcessing:
			processing = count
		}
	}
	return pending, processing, rows.Err()
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*listings.Task, error) {
	task := &listings.Task{}
	var keyword, statusFilter, typeFilter, lastError sql.NullString
	var startedAt, lastProcessedAt, completedAt, nextRetryAt sql.NullTime

	err := row.Scan(
		&task.ID, &task.JobID, &task.Seller, &keyword, &statusFilter, &typeFilter,
		&task.DateStart, &task.DateEnd, &task.Status, &task.CurrentPage, &task.TotalPages,
		&task.ItemsRetrieved, &task.TotalItemsFound, &task.RetryCount, &task.MaxRetries,
		&lastError, &task.CreatedAt, &startedAt, &lastProcessedAt,
		&completedAt, &nextRetryAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if keyword.Valid {
		task.Keyword = keyword.String
	}
	if statusFilter.Valid {
		task.StatusFilter = statusFilter.String
	}
	if typeFilter.Valid {
		task.TypeFilter = typeFilter.String
	}
	if lastError.Valid {
		task.LastError = lastError.String
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if lastProcessedAt.Valid {
		task.LastProcessedAt = &lastProcessedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if nextRetryAt.Valid {
		task.NextRetryAt = &nextRetryAt.Time
	}

	return task, nil
}
