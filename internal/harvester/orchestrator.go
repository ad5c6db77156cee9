package harvester

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourusername/listing-harvester/pkg/listings"
)

// TaskOutcome records one executed task in the run summary.
type TaskOutcome struct {
	TaskID       string `json:"task_id"`
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// RunSummary aggregates one orchestrator invocation.
type RunSummary struct {
	RunID     string        `json:"run_id"`
	Executed  int           `json:"executed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Outcomes  []TaskOutcome `json:"outcomes"`
}

// RunStore persists run records and ensures only one orchestrator runs at
// a time against a given store. The Postgres implementation lives in
// lease.go.
type RunStore interface {
	// AcquireLease registers a run and takes the single-holder lease.
	// Returns false when another live run holds it.
	AcquireLease(ctx context.Context, runID, hostname string, term time.Duration) (bool, error)

	// RenewLease extends the lease term and stamps the run heartbeat.
	RenewLease(ctx context.Context, runID string, term time.Duration) error

	// ReleaseLease finishes the run, recording its final counters.
	ReleaseLease(ctx context.Context, runID string, executed, succeeded, failed int) error

	// RecoverStaleTasks resets tasks stuck in processing by a crashed
	// run. Safe only while holding the lease.
	RecoverStaleTasks(ctx context.Context) (int, error)
}

// Orchestrator sequences task execution: claim the oldest eligible pending
// task, execute it, pause, repeat until the task budget is spent, the queue
// drains, a quota ceiling halts the run or the context is cancelled.
type Orchestrator struct {
	store    TaskStore
	runs     RunStore
	executor *Executor
	config   *Config
	metrics  *Metrics
	runID    string
	hostname string
}

// NewOrchestrator creates an orchestrator. runs and metrics may be nil;
// without a RunStore no lease is taken and no run record is kept.
func NewOrchestrator(store TaskStore, runs RunStore, executor *Executor, config *Config, metrics *Metrics, runID, hostname string) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Orchestrator{
		store:    store,
		runs:     runs,
		executor: executor,
		config:   config,
		metrics:  metrics,
		runID:    runID,
		hostname: hostname,
	}
}

// Run executes up to maxTasks tasks. An empty queue is a normal terminal
// condition, not an error. The returned summary is valid even when err is
// non-nil (context cancellation mid-run).
func (o *Orchestrator) Run(ctx context.Context, maxTasks int) (*RunSummary, error) {
	summary := &RunSummary{RunID: o.runID}

	if o.runs != nil {
		acquired, err := o.runs.AcquireLease(ctx, o.runID, o.hostname, o.config.LeaseTerm)
		if err != nil {
			return summary, fmt.Errorf("failed to acquire run lease: %w", err)
		}
		if !acquired {
			return summary, fmt.Errorf("another orchestrator run holds the lease")
		}
		defer func() {
			if err := o.runs.ReleaseLease(context.Background(), o.runID, summary.Executed, summary.Succeeded, summary.Failed); err != nil {
				slog.Error("failed to release run lease", "run_id", o.runID, "error", err)
			}
		}()

		leaseCtx, stopLease := context.WithCancel(ctx)
		defer stopLease()
		go o.leaseLoop(leaseCtx)

		if count, err := o.runs.RecoverStaleTasks(ctx); err != nil {
			return summary, fmt.Errorf("crash recovery failed: %w", err)
		} else if count > 0 {
			slog.Info("recovered stale tasks from a previous run", "count", count)
		}
	}

	slog.Info("run started", "run_id", o.runID, "max_tasks", maxTasks)

	for summary.Executed < maxTasks {
		if err := ctx.Err(); err != nil {
			slog.Info("run cancelled", "run_id", o.runID, "executed", summary.Executed)
			return summary, err
		}

		task, err := o.claim(ctx)
		if err != nil {
			return summary, fmt.Errorf("failed to claim next task: %w", err)
		}
		if task == nil {
			slog.Info("no eligible pending tasks, run finished early",
				"run_id", o.runID, "executed", summary.Executed)
			break
		}

		result := o.executor.Execute(ctx, task)
		summary.Executed++
		summary.Outcomes = append(summary.Outcomes, TaskOutcome{
			TaskID:       task.ID,
			JobID:        task.JobID,
			Status:       result.Status,
			ErrorMessage: result.ErrorMessage,
		})

		switch result.Status {
		case ExecSuccess:
			summary.Succeeded++
		case ExecFailed:
			summary.Failed++
		case ExecHalted:
			// Quota ceilings are shared across all tasks, so once one
			// task halts nothing else can run either.
			slog.Warn("stopping run on quota ceiling",
				"run_id", o.runID, "reason", result.ErrorMessage)
			o.logSummary(summary)
			return summary, nil
		case ExecStopped:
			// Operator stop mid-task: the task is already back in the
			// queue, nothing failed.
			slog.Info("run cancelled mid-task", "run_id", o.runID, "executed", summary.Executed)
			o.logSummary(summary)
			return summary, ctx.Err()
		}

		// Task-level bookkeeping should not happen back to back even when
		// the governor would admit an immediate next call.
		if summary.Executed < maxTasks {
			if err := sleepCtx(ctx, o.config.DelayBetweenTasks); err != nil {
				o.logSummary(summary)
				return summary, err
			}
		}
	}

	o.logSummary(summary)
	return summary, nil
}

func (o *Orchestrator) claim(ctx context.Context) (*listings.Task, error) {
	start := time.Now()
	task, err := o.store.ClaimNextPendingTask(ctx)
	if o.metrics != nil {
		o.metrics.claimDuration.Observe(time.Since(start).Seconds())
	}
	return task, err
}

// leaseLoop renews the run lease until the run ends.
func (o *Orchestrator) leaseLoop(ctx context.Context) {
	ticker := time.NewTicker(o.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.runs.RenewLease(ctx, o.runID, o.config.LeaseTerm); err != nil {
				slog.Error("failed to renew run lease", "run_id", o.runID, "error", err)
			}
		}
	}
}

func (o *Orchestrator) logSummary(s *RunSummary) {
	slog.Info("run finished",
		"run_id", s.RunID,
		"executed", s.Executed,
		"succeeded", s.Succeeded,
		"failed", s.Failed)
}
