package dashboard

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/yourusername/listing-harvester/internal/harvester"
	"github.com/yourusername/listing-harvester/pkg/listings"
)

// Service handles data fetching for the dashboard
type Service struct {
	db          *sql.DB
	getQuota    func() harvester.QuotaSnapshot
	getProgress func(taskID string) (<-chan harvester.ProgressEvent, []harvester.ProgressEvent, func())
}

// NewService creates a new dashboard service
func NewService(db *sql.DB,
	getQuota func() harvester.QuotaSnapshot,
	getProgress func(taskID string) (<-chan harvester.ProgressEvent, []harvester.ProgressEvent, func())) *Service {
	return &Service{
		db:          db,
		getQuota:    getQuota,
		getProgress: getProgress,
	}
}

// GetTaskProgress returns the live progress stream for a task
func (s *Service) GetTaskProgress(taskID string) (<-chan harvester.ProgressEvent, []harvester.ProgressEvent, func(), error) {
	if s.getProgress == nil {
		return nil, nil, nil, fmt.Errorf("progress streaming not configured")
	}
	ch, history, cleanup := s.getProgress(taskID)
	return ch, history, cleanup, nil
}

// Stats holds high-level dashboard statistics
type Stats struct {
	PendingTasks    int
	ProcessingTasks int
	CompletedTasks  int
	FailedTasks     int
	TotalJobs       int
	TotalResults    int
	Quota           harvester.QuotaSnapshot
}

// GetStats returns dashboard statistics
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	if s.getQuota != nil {
		stats.Quota = s.getQuota()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM tasks
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query task stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}

		switch status {
		case listings.StatusPending:
			stats.PendingTasks = count
		case listings.StatusProcessing:
			stats.ProcessingTasks = count
		case listings.StatusCompleted:
			stats.CompletedTasks = count
		case listings.StatusFailed:
			stats.FailedTasks = count
		}
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&stats.TotalJobs); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results`).Scan(&stats.TotalResults); err != nil {
		return nil, fmt.Errorf("failed to count results: %w", err)
	}

	return stats, nil
}

// GetJobs returns all jobs, newest first
func (s *Service) GetJobs(ctx context.Context) ([]*listings.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, sellers, keywords, date_start, date_end,
			split_unit, total_tasks, completed_tasks, created_at
		FROM jobs
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*listings.Job
	for rows.Next() {
		job := &listings.Job{}
		var sellers, keywords pq.StringArray
		var splitUnit string

		err := rows.Scan(&job.ID, &job.Label, &sellers, &keywords,
			&job.DateStart, &job.DateEnd, &splitUnit,
			&job.TotalTasks, &job.CompletedTasks, &job.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		job.Sellers = sellers
		job.Keywords = keywords
		job.SplitUnit = listings.SplitUnit(splitUnit)
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// GetRecentTasks returns a list of recent tasks
func (s *Service) GetRecentTasks(ctx context.Context, limit int) ([]*listings.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id, job_id, seller, keyword, status, current_page, total_pages,
			items_retrieved, retry_count, last_error,
			created_at, started_at, completed_at
		FROM tasks
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent tasks: %w", err)
	}
	defer rows.Close()

	var taskList []*listings.Task
	for rows.Next() {
		task := &listings.Task{}
		var keyword, lastError sql.NullString
		var startedAt, completedAt sql.NullTime

		err := rows.Scan(
			&task.ID, &task.JobID, &task.Seller, &keyword, &task.Status,
			&task.CurrentPage, &task.TotalPages, &task.ItemsRetrieved,
			&task.RetryCount, &lastError,
			&task.CreatedAt, &startedAt, &completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		if keyword.Valid {
			task.Keyword = keyword.String
		}
		if lastError.Valid {
			task.LastError = lastError.String
		}
		if startedAt.Valid {
			task.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			task.CompletedAt = &completedAt.Time
		}

		taskList = append(taskList, task)
	}

	return taskList, nil
}

// GetTask returns full details for a task
func (s *Service) GetTask(ctx context.Context, id string) (*listings.Task, error) {
	task := &listings.Task{}
	var keyword, statusFilter, typeFilter, lastError sql.NullString
	var startedAt, lastProcessedAt, completedAt, nextRetryAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT
			id, job_id, seller, keyword, status_filter, type_filter,
			date_start, date_end, status, current_page, total_pages,
			items_retrieved, total_items_found, retry_count, max_retries,
			last_error, created_at, started_at, last_processed_at,
			completed_at, next_retry_at, updated_at
		FROM tasks
		WHERE id = $1
	`, id).Scan(
		&task.ID, &task.JobID, &task.Seller, &keyword, &statusFilter, &typeFilter,
		&task.DateStart, &task.DateEnd, &task.Status, &task.CurrentPage, &task.TotalPages,
		&task.ItemsRetrieved, &task.TotalItemsFound, &task.RetryCount, &task.MaxRetries,
		&lastError, &task.CreatedAt, &startedAt, &lastProcessedAt,
		&completedAt, &nextRetryAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
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

// RunInfo represents one orchestrator run
type RunInfo struct {
	ID            string
	Hostname      string
	StartedAt     time.Time
	LastHeartbeat time.Time
	FinishedAt    *time.Time
	Executed      int
	Succeeded     int
	Failed        int
	Status        string // "active" or "finished"
}

// GetRuns returns recent orchestrator runs
func (s *Service) GetRuns(ctx context.Context, limit int) ([]*RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, started_at, last_heartbeat, finished_at,
			executed, succeeded, failed
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunInfo
	for rows.Next() {
		r := &RunInfo{}
		var finishedAt sql.NullTime
		err := rows.Scan(&r.ID, &r.Hostname, &r.StartedAt, &r.LastHeartbeat,
			&finishedAt, &r.Executed, &r.Succeeded, &r.Failed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		if finishedAt.Valid {
			r.FinishedAt = &finishedAt.Time
			r.Status = "finished"
		} else {
			r.Status = "active"
		}

		runs = append(runs, r)
	}

	return runs, nil
}
