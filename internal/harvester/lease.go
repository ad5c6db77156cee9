package harvester

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// PostgresRunStore implements RunStore: run records in a runs table, with
// a conditional-update lease so at most one orchestrator run is live
// against the store at a time.
type PostgresRunStore struct {
	db *sql.DB
}

// NewPostgresRunStore creates a run store over an open database handle.
func NewPostgresRunStore(db *sql.DB) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

// AcquireLease registers the run and takes the lease. The insert only
// lands when no other unfinished run holds a live lease.
func (rs *PostgresRunStore) AcquireLease(ctx context.Context, runID, hostname string, term time.Duration) (bool, error) {
	result, err := rs.db.ExecContext(ctx, `
		INSERT INTO runs (id, hostname, lease_until)
		SELECT $1, $2, NOW() + make_interval(secs => $3)
		WHERE NOT EXISTS (
			SELECT 1 FROM runs
			WHERE finished_at IS NULL
			  AND lease_until > NOW()
		)
	`, runID, hostname, term.Seconds())

	if err != nil {
		return false, fmt.Errorf("lease acquisition failed: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return false, nil
	}

	slog.Info("run lease acquired", "run_id", runID, "hostname", hostname)
	return true, nil
}

// RenewLease extends the lease and stamps the heartbeat.
func (rs *PostgresRunStore) RenewLease(ctx context.Context, runID string, term time.Duration) error {
	result, err := rs.db.ExecContext(ctx, `
		UPDATE runs
		SET lease_until = NOW() + make_interval(secs => $2),
			last_heartbeat = NOW()
		WHERE id = $1 AND finished_at IS NULL
	`, runID, term.Seconds())

	if err != nil {
		return fmt.Errorf("lease renewal failed: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("run not found or already finished: %s", runID)
	}
	return nil
}

// ReleaseLease finishes the run and records its final counters.
func (rs *PostgresRunStore) ReleaseLease(ctx context.Context, runID string, executed, succeeded, failed int) error {
	_, err := rs.db.ExecContext(ctx, `
		UPDATE runs
		SET finished_at = NOW(),
			lease_until = NOW(),
			executed = $2,
			succeeded = $3,
			failed = $4
		WHERE id = $1
	`, runID, executed, succeeded, failed)

	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	slog.Info("run lease released", "run_id", runID, "executed", executed)
	return nil
}

// RecoverStaleTasks resets tasks a crashed run left in processing. Only
// the lease holder may call this: with the lease held, anything still in
// processing belongs to a run that died.
func (rs *PostgresRunStore) RecoverStaleTasks(ctx context.Context) (int, error) {
	result, err := rs.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending',
			last_processed_at = NOW(),
			updated_at = NOW()
		WHERE status = 'processing'
	`)

	if err != nil {
		return 0, fmt.Errorf("failed to recover stale tasks: %w", err)
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}
