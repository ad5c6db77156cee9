package harvester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/yourusername/listing-harvester/pkg/listings"
)

// Execution outcome classifications.
const (
	ExecSuccess = "success"
	ExecFailed  = "failed"
	// ExecHalted means a quota ceiling interrupted the task. The task went
	// back to pending without consuming a retry; the run should stop
	// issuing calls for the violated window.
	ExecHalted = "halted"
	// ExecStopped means the run's context was cancelled mid-task. An
	// operator stop is not a task failure: the task went back to pending
	// without consuming a retry.
	ExecStopped = "stopped"
)

// ExecutionResult summarizes one executor pass over a task.
type ExecutionResult struct {
	Status         string
	ItemsRetrieved int
	TotalFound     int
	TotalPages     int
	CurrentPage    int
	ErrorMessage   string
}

// TaskStore is the durable-store surface the executor and orchestrator
// consume. The Postgres implementation lives in store.go.
type TaskStore interface {
	// ClaimNextPendingTask atomically moves the oldest eligible pending
	// task to processing and returns it; (nil, nil) when the queue is empty.
	ClaimNextPendingTask(ctx context.Context) (*listings.Task, error)

	// SaveTaskProgress persists the task's pagination state
	// (current_page, total_pages, items counters) and stamps
	// last_processed_at.
	SaveTaskProgress(ctx context.Context, task *listings.Task) error

	// CompleteTask marks the task completed and stamps completed_at.
	CompleteTask(ctx context.Context, task *listings.Task) error

	// RequeueTask returns a retryable failed task to pending, recording
	// the error, the retry count and when it becomes eligible again.
	RequeueTask(ctx context.Context, task *listings.Task, lastError string, nextRetryAt *time.Time) error

	// FailTask marks the task terminally failed.
	FailTask(ctx context.Context, task *listings.Task, lastError string) error

	// UpsertResults writes one page's results, keyed by
	// (external_item_id, task_id); replays are harmless.
	UpsertResults(ctx context.Context, results []*listings.Result) error

	// RecomputeJobProgress refreshes the job's derived task counters.
	// Best effort: callers log and swallow its errors.
	RecomputeJobProgress(ctx context.Context, jobID string) error
}

// Executor drives one task through its full pagination sweep: every
// external call passes through the governor, every page's results are
// upserted and the task's progress is checkpointed so an interrupted sweep
// resumes where it stopped.
type Executor struct {
	store    TaskStore
	client   SearchClient
	governor *Governor
	config   *Config
	metrics  *Metrics
	progress *ProgressHub
}

// NewExecutor creates an executor. metrics and progress may be nil.
func NewExecutor(store TaskStore, client SearchClient, governor *Governor, config *Config, metrics *Metrics, progress *ProgressHub) *Executor {
	if config == nil {
		config = DefaultConfig()
	}
	return &Executor{
		store:    store,
		client:   client,
		governor: governor,
		config:   config,
		metrics:  metrics,
		progress: progress,
	}
}

// Execute runs the pagination loop for one claimed task and returns its
// outcome. Errors are absorbed into the result; the caller never sees the
// run crash because a single task failed.
func (e *Executor) Execute(ctx context.Context, task *listings.Task) *ExecutionResult {
	start := time.Now()
	slog.Info("task started",
		"task_id", task.ID,
		"job_id", task.JobID,
		"seller", task.Seller,
		"keyword", task.Keyword,
		"date_start", task.DateStart.Format("2006-01-02"),
		"date_end", task.DateEnd.Format("2006-01-02"),
		"current_page", task.CurrentPage)

	err := e.paginate(ctx, task)

	if e.metrics != nil {
		e.metrics.taskDuration.Observe(time.Since(start).Seconds())
	}

	switch {
	case err == nil:
		e.complete(ctx, task)
		return &ExecutionResult{
			Status:         ExecSuccess,
			ItemsRetrieved: task.ItemsRetrieved,
			TotalFound:     task.TotalItemsFound,
			TotalPages:     task.TotalPages,
			CurrentPage:    task.CurrentPage,
		}

	case isQuotaExceeded(err):
		return e.halt(ctx, task, err)

	case isCancellation(ctx, err):
		return e.stop(task)

	default:
		return e.fail(ctx, task, err)
	}
}

// paginate fetches pages CurrentPage..TotalPages. TotalPages starts at 1
// until the first page reveals the real count, so at least one page is
// always fetched.
func (e *Executor) paginate(ctx context.Context, task *listings.Task) error {
	for task.CurrentPage <= task.TotalPages {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := e.fetchPage(ctx, task)
		if err != nil {
			return err
		}

		firstPage := task.TotalItemsFound == 0 && task.ItemsRetrieved == 0
		if firstPage {
			task.TotalPages = page.TotalPages
			if task.TotalPages < 1 {
				task.TotalPages = 1
			}
			task.TotalItemsFound = page.TotalEntries
			// Persist the totals before touching results, so a crash
			// after page 1 does not lose the known page count.
			if err := e.store.SaveTaskProgress(ctx, task); err != nil {
				return &StoreError{Op: "save page totals", Err: err}
			}
		}

		if len(page.Items) > 0 {
			results := make([]*listings.Result, 0, len(page.Items))
			for i := range page.Items {
				results = append(results, transformItem(task, &page.Items[i]))
			}
			if err := e.store.UpsertResults(ctx, results); err != nil {
				return &StoreError{Op: fmt.Sprintf("upsert results page %d", task.CurrentPage), Err: err}
			}
			if e.metrics != nil {
				e.metrics.resultsUpserted.Add(float64(len(results)))
			}
		}

		task.ItemsRetrieved += len(page.Items)
		fetched := task.CurrentPage
		task.CurrentPage++
		if err := e.store.SaveTaskProgress(ctx, task); err != nil {
			return &StoreError{Op: fmt.Sprintf("save progress after page %d", fetched), Err: err}
		}

		if e.metrics != nil {
			e.metrics.pagesFetched.Inc()
		}
		e.publish(task, fmt.Sprintf("page %d/%d fetched, %d items", fetched, task.TotalPages, len(page.Items)))
		slog.Debug("page fetched",
			"task_id", task.ID,
			"page", fetched,
			"total_pages", task.TotalPages,
			"items", len(page.Items))

		if task.CurrentPage <= task.TotalPages {
			if err := sleepCtx(ctx, e.config.DelayBetweenPages); err != nil {
				return err
			}
		}
	}
	return nil
}

// fetchPage awaits governor permission, issues one search call and
// accounts it. The call is recorded whether or not it succeeded: a failed
// request still spent quota.
func (e *Executor) fetchPage(ctx context.Context, task *listings.Task) (*SearchPage, error) {
	if err := e.governor.WaitForPermission(ctx, e.config.APIIdentity); err != nil {
		var qe *QuotaExceededError
		if errors.As(err, &qe) && e.metrics != nil {
			e.metrics.quotaDenied.WithLabelValues(qe.Scope).Inc()
		}
		return nil, err
	}

	page, err := e.client.Search(ctx, SearchQuery{
		Seller:       task.Seller,
		Keyword:      task.Keyword,
		StatusFilter: task.StatusFilter,
		TypeFilter:   task.TypeFilter,
		DateStart:    task.DateStart,
		DateEnd:      task.DateEnd,
		Page:         task.CurrentPage,
		PageSize:     e.config.PageSize,
	})
	e.governor.RecordCall(e.config.APIIdentity)

	if e.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		e.metrics.apiCalls.WithLabelValues(e.config.APIIdentity, outcome).Inc()
	}

	return page, err
}

func (e *Executor) complete(ctx context.Context, task *listings.Task) {
	task.Status = listings.StatusCompleted
	if err := e.store.CompleteTask(ctx, task); err != nil {
		slog.Error("failed to mark task completed", "task_id", task.ID, "error", err)
	}
	e.signalJobProgress(ctx, task)
	e.publish(task, "completed")
	e.forget(task)
	if e.metrics != nil {
		e.metrics.tasksExecuted.WithLabelValues(ExecSuccess).Inc()
	}

	slog.Info("task completed",
		"task_id", task.ID,
		"items_retrieved", task.ItemsRetrieved,
		"total_found", task.TotalItemsFound,
		"pages", task.TotalPages)
}

// fail applies the retry policy: below the ceiling the task goes back to
// pending with a backoff-delayed eligibility; at the ceiling it is
// terminally failed. Results and progress persisted for completed pages
// are retained either way.
func (e *Executor) fail(ctx context.Context, task *listings.Task, cause error) *ExecutionResult {
	task.RetryCount++
	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.config.MaxRetries
	}

	if task.RetryCount >= maxRetries {
		task.Status = listings.StatusFailed
		if err := e.store.FailTask(ctx, task, cause.Error()); err != nil {
			slog.Error("failed to mark task failed", "task_id", task.ID, "error", err)
		}
		e.signalJobProgress(ctx, task)
		if e.metrics != nil {
			e.metrics.tasksExecuted.WithLabelValues(ExecFailed).Inc()
		}
		slog.Error("task exceeded max retries",
			"task_id", task.ID,
			"retry_count", task.RetryCount,
			"error", cause)
	} else {
		task.Status = listings.StatusPending
		nextRetry := nextRetryAt(task.RetryCount, e.config.RetryDelay, e.config.MaxRetryDelay)
		if err := e.store.RequeueTask(ctx, task, cause.Error(), &nextRetry); err != nil {
			slog.Error("failed to requeue task", "task_id", task.ID, "error", err)
		}
		if e.metrics != nil {
			e.metrics.taskRetries.Inc()
		}
		slog.Warn("task failed, requeued",
			"task_id", task.ID,
			"retry_count", task.RetryCount,
			"next_retry_at", nextRetry,
			"error", cause)
	}

	e.publish(task, "failed: "+cause.Error())
	if task.Status == listings.StatusFailed {
		e.forget(task)
	}
	return &ExecutionResult{
		Status:         ExecFailed,
		ItemsRetrieved: task.ItemsRetrieved,
		TotalFound:     task.TotalItemsFound,
		TotalPages:     task.TotalPages,
		CurrentPage:    task.CurrentPage,
		ErrorMessage:   cause.Error(),
	}
}

// halt returns a quota-interrupted task to pending without consuming a
// retry. For an hourly ceiling the task carries the window's wait as its
// eligibility delay; a daily ceiling leaves it immediately eligible for
// whichever run comes after the day boundary.
func (e *Executor) halt(ctx context.Context, task *listings.Task, cause error) *ExecutionResult {
	task.Status = listings.StatusPending

	var qe *QuotaExceededError
	var nextRetry *time.Time
	if errors.As(cause, &qe) && qe.Wait > 0 {
		t := time.Now().Add(qe.Wait)
		nextRetry = &t
	}

	if err := e.store.RequeueTask(ctx, task, cause.Error(), nextRetry); err != nil {
		slog.Error("failed to requeue quota-halted task", "task_id", task.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.tasksExecuted.WithLabelValues(ExecHalted).Inc()
	}
	slog.Warn("task halted by quota ceiling", "task_id", task.ID, "reason", cause)

	e.publish(task, "halted: "+cause.Error())
	return &ExecutionResult{
		Status:         ExecHalted,
		ItemsRetrieved: task.ItemsRetrieved,
		TotalFound:     task.TotalItemsFound,
		TotalPages:     task.TotalPages,
		CurrentPage:    task.CurrentPage,
		ErrorMessage:   cause.Error(),
	}
}

// stop returns a cancellation-interrupted task to pending without
// consuming a retry. Progress and results persisted for completed pages
// are already saved, so the next run resumes where this one stopped. The
// requeue write runs on its own short-lived context: the run's context is
// already dead.
func (e *Executor) stop(task *listings.Task) *ExecutionResult {
	task.Status = listings.StatusPending

	wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.RequeueTask(wctx, task, task.LastError, nil); err != nil {
		slog.Error("failed to requeue stopped task", "task_id", task.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.tasksExecuted.WithLabelValues(ExecStopped).Inc()
	}
	slog.Info("task stopped by cancellation",
		"task_id", task.ID,
		"current_page", task.CurrentPage,
		"items_retrieved", task.ItemsRetrieved)

	e.publish(task, "stopped")
	return &ExecutionResult{
		Status:         ExecStopped,
		ItemsRetrieved: task.ItemsRetrieved,
		TotalFound:     task.TotalItemsFound,
		TotalPages:     task.TotalPages,
		CurrentPage:    task.CurrentPage,
	}
}

// signalJobProgress triggers the job-level aggregate recompute after a
// terminal transition. Errors here never fail the task.
func (e *Executor) signalJobProgress(ctx context.Context, task *listings.Task) {
	if err := e.store.RecomputeJobProgress(ctx, task.JobID); err != nil {
		slog.Error("failed to recompute job progress", "job_id", task.JobID, "error", err)
	}
}

// forget schedules the task's progress stream for removal once the
// retention window passes. Only settled tasks are forgotten; a task going
// back to pending keeps its stream for the next attempt.
func (e *Executor) forget(task *listings.Task) {
	if e.progress == nil {
		return
	}
	e.progress.Forget(task.ID, e.config.ProgressRetention)
}

func (e *Executor) publish(task *listings.Task, message string) {
	if e.progress == nil {
		return
	}
	e.progress.Publish(task.ID, ProgressEvent{
		Time:    time.Now(),
		TaskID:  task.ID,
		Page:    task.CurrentPage,
		Items:   task.ItemsRetrieved,
		Message: message,
	})
}

// transformItem normalizes one raw search item into a result row.
func transformItem(task *listings.Task, item *SearchItem) *listings.Result {
	seller := item.Seller
	if seller == "" {
		seller = task.Seller
	}
	return &listings.Result{
		ExternalItemID: item.ItemID,
		TaskID:         task.ID,
		JobID:          task.JobID,
		Title:          item.Title,
		Price:          item.Price,
		Currency:       item.Currency,
		Seller:         seller,
		Condition:      item.Condition,
		Category:       item.Category,
		ListingStatus:  item.Status,
		StartTime:      item.StartTime,
		EndTime:        item.EndTime,
		RawPayload:     item.Raw,
		FetchedAt:      time.Now(),
	}
}

// nextRetryAt computes exponential backoff with full jitter, capped.
func nextRetryAt(attempt int, baseDelay, maxDelay time.Duration) time.Time {
	exponential := math.Pow(2, float64(attempt-1)) * float64(baseDelay)
	if exponential > float64(maxDelay) {
		exponential = float64(maxDelay)
	}
	jitter := rand.Float64() * exponential
	return time.Now().Add(time.Duration(jitter))
}

func isQuotaExceeded(e error) bool {
	var qe *QuotaExceededError
	return errors.As(e, &qe)
}

// isCancellation reports whether err stems from the run's context rather
// than the task's own work. The ctx check catches wrappers that swallow
// the sentinel (the rate limiter's wait errors among them).
func isCancellation(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return ctx.Err() != nil
}

// sleepCtx is a context-aware sleep used at every timed suspension point.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
