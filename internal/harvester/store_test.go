package harvester

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/listing-harvester/pkg/listings"
)

var taskRowColumns = []string{
	"id", "job_id", "seller", "keyword", "status_filter", "type_filter",
	"date_start", "date_end", "status", "current_page", "total_pages",
	"items_retrieved", "total_items_found", "retry_count", "max_retries",
	"last_error", "created_at", "started_at", "last_processed_at",
	"completed_at", "next_retry_at", "updated_at",
}

func taskRow(id string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(taskRowColumns).AddRow(
		id, "job-1", "seller-a", "camera", nil, nil,
		date(2024, 3, 1), date(2024, 3, 7), listings.StatusProcessing, 1, 1,
		0, 0, 0, 3,
		nil, now, now, now,
		nil, nil, now,
	)
}

func TestClaimNextPendingTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`UPDATE tasks\s+SET status = 'processing'`).
		WillReturnRows(taskRow("t1"))

	store := NewPostgresStore(db)
	task, err := store.ClaimNextPendingTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, listings.StatusProcessing, task.Status)
	assert.Equal(t, "camera", task.Keyword)
	assert.Empty(t, task.StatusFilter, "NULL filter scans to empty string")
	assert.Nil(t, task.NextRetryAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextPendingTaskEmptyQueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`UPDATE tasks`).
		WillReturnRows(sqlmock.NewRows(taskRowColumns))

	store := NewPostgresStore(db)
	task, err := store.ClaimNextPendingTask(context.Background())
	require.NoError(t, err, "an empty queue is not an error")
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueTaskSetsRetryGate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	retryAt := time.Now().Add(time.Minute)
	mock.ExpectExec(`UPDATE tasks\s+SET status = 'pending'`).
		WithArgs("t1", 2, "timeout", retryAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)
	task := &listings.Task{ID: "t1", RetryCount: 2}
	require.NoError(t, store.RequeueTask(context.Background(), task, "timeout", &retryAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertResultsTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO results`)
	mock.ExpectExec(`INSERT INTO results`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO results`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	results := []*listings.Result{
		{ExternalItemID: "x1", TaskID: "t1", JobID: "job-1", Title: "A", FetchedAt: time.Now()},
		{ExternalItemID: "x2", TaskID: "t1", JobID: "job-1", Title: "B", FetchedAt: time.Now()},
	}
	require.NoError(t, store.UpsertResults(context.Background(), results))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertResultsEmptySliceSkipsTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	require.NoError(t, store.UpsertResults(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobRollsBackOnTaskInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO jobs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare(`INSERT INTO tasks`)
	mock.ExpectExec(`INSERT INTO tasks`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	store := NewPostgresStore(db)
	job := &listings.Job{ID: "job-1", Label: "test", Sellers: []string{"seller-a"}}
	tasks := []*listings.Task{{ID: "t1", JobID: "job-1", Seller: "seller-a"}}

	err = store.CreateJob(context.Background(), job, tasks)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueDepth(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT status, COUNT`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 7).
			AddRow("processing", 1))

	store := NewPostgresStore(db)
	pending, processing, err := store.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, pending)
	assert.Equal(t, 1, processing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLeaseDeniedWhenHeld(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO runs`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	runs := NewPostgresRunStore(db)
	acquired, err := runs.AcquireLease(context.Background(), "run-1", "host-a", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStaleTasks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE tasks\s+SET status = 'pending',`).
		WillReturnResult(sqlmock.NewResult(0, 4))

	runs := NewPostgresRunStore(db)
	count, err := runs.RecoverStaleTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
