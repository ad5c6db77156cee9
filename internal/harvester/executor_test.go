package harvester

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/listing-harvester/pkg/listings"
)

// memStore is an in-memory TaskStore for executor and orchestrator tests.
type memStore struct {
	mu              sync.Mutex
	queue           []*listings.Task
	results         map[string]*listings.Result // keyed external_item_id|task_id
	progressSaves   int
	recomputedJobs  []string
	requeued        []*listings.Task
	nextRetryTimes  []*time.Time
	completed       []*listings.Task
	failed          []*listings.Task
	upsertErr       error
}

func newMemStore(tasks ...*listings.Task) *memStore {
	return &memStore{
		queue:   tasks,
		results: make(map[string]*listings.Result),
	}
}

func (m *memStore) ClaimNextPendingTask(ctx context.Context) (*listings.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.queue {
		eligible := t.NextRetryAt == nil || !t.NextRetryAt.After(time.Now())
		if t.Status == listings.StatusPending && eligible {
			t.Status = listings.StatusProcessing
			return t, nil
		}
	}
	return nil, nil
}

func (m *memStore) SaveTaskProgress(ctx context.Context, task *listings.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progressSaves++
	return nil
}

func (m *memStore) CompleteTask(ctx context.Context, task *listings.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.Status = listings.StatusCompleted
	m.completed = append(m.completed, task)
	return nil
}

func (m *memStore) RequeueTask(ctx context.Context, task *listings.Task, lastError string, nextRetryAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.Status = listings.StatusPending
	task.LastError = lastError
	task.NextRetryAt = nextRetryAt
	m.requeued = append(m.requeued, task)
	m.nextRetryTimes = append(m.nextRetryTimes, nextRetryAt)
	// Like the Postgres store, a requeued task stays claimable.
	for _, t := range m.queue {
		if t == task {
			return nil
		}
	}
	m.queue = append(m.queue, task)
	return nil
}

func (m *memStore) FailTask(ctx context.Context, task *listings.Task, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.Status = listings.StatusFailed
	task.LastError = lastError
	m.failed = append(m.failed, task)
	return nil
}

func (m *memStore) UpsertResults(ctx context.Context, results []*listings.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	for _, r := range results {
		m.results[r.ExternalItemID+"|"+r.TaskID] = r
	}
	return nil
}

func (m *memStore) RecomputeJobProgress(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recomputedJobs = append(m.recomputedJobs, jobID)
	return nil
}

// fakeClient serves scripted pages and records every query it sees.
type fakeClient struct {
	mu         sync.Mutex
	totalPages int
	totalItems int
	perPage    int
	failPages  map[int]error
	queries    []SearchQuery
}

func (c *fakeClient) Search(ctx context.Context, q SearchQuery) (*SearchPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)

	if err, ok := c.failPages[q.Page]; ok {
		return nil, err
	}

	items := make([]SearchItem, 0, c.perPage)
	for i := 0; i < c.perPage; i++ {
		items = append(items, SearchItem{
			ItemID: fmt.Sprintf("item-%d-%d", q.Page, i),
			Title:  fmt.Sprintf("Listing %d/%d", q.Page, i),
			Price:  1000,
			Seller: q.Seller,
		})
	}
	return &SearchPage{Items: items, TotalEntries: c.totalItems, TotalPages: c.totalPages}, nil
}

func (c *fakeClient) pagesSeen() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	pages := make([]int, 0, len(c.queries))
	for _, q := range c.queries {
		pages = append(pages, q.Page)
	}
	sort.Ints(pages)
	return pages
}

func testTask() *listings.Task {
	return &listings.Task{
		ID:          "task-1",
		JobID:       "job-1",
		Seller:      "seller-a",
		Keyword:     "camera",
		DateStart:   date(2024, 3, 1),
		DateEnd:     date(2024, 3, 7),
		Status:      listings.StatusProcessing,
		CurrentPage: 1,
		TotalPages:  1,
		MaxRetries:  3,
	}
}

func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.DelayBetweenTasks = 0
	cfg.DelayBetweenPages = 0
	cfg.MinInterval = 0
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetryDelay = time.Millisecond
	return cfg
}

func openGovernor() *Governor {
	return NewGovernor(1_000_000, 1_000_000, 0, time.UTC)
}

func TestExecutorFetchesAllPages(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{totalPages: 3, totalItems: 6, perPage: 2}
	exec := NewExecutor(store, client, openGovernor(), fastConfig(), nil, nil)

	task := testTask()
	result := exec.Execute(context.Background(), task)

	assert.Equal(t, ExecSuccess, result.Status)
	assert.Equal(t, []int{1, 2, 3}, client.pagesSeen(), "one call per page")
	assert.Equal(t, 6, result.ItemsRetrieved)
	assert.Equal(t, 6, result.TotalFound)
	assert.Equal(t, 3, result.TotalPages)
	assert.Len(t, store.results, 6)
	assert.Equal(t, listings.StatusCompleted, task.Status)
	assert.Equal(t, []string{"job-1"}, store.recomputedJobs)

	// Completed means every page was fetched.
	assert.Greater(t, task.CurrentPage, task.TotalPages)
}

func TestExecutorEmptyFirstPage(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{totalPages: 0, totalItems: 0, perPage: 0}
	exec := NewExecutor(store, client, openGovernor(), fastConfig(), nil, nil)

	result := exec.Execute(context.Background(), testTask())

	assert.Equal(t, ExecSuccess, result.Status)
	assert.Equal(t, []int{1}, client.pagesSeen(), "exactly one probe call")
	assert.Zero(t, result.ItemsRetrieved)
}

func TestExecutorErrorMidPagination(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{
		totalPages: 3, totalItems: 6, perPage: 2,
		failPages: map[int]error{2: &APIError{Code: "500", Message: "upstream exploded"}},
	}
	exec := NewExecutor(store, client, openGovernor(), fastConfig(), nil, nil)

	task := testTask()
	result := exec.Execute(context.Background(), task)

	assert.Equal(t, ExecFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "upstream exploded")

	// Page-1 results survive the failure.
	assert.Len(t, store.results, 2)
	// The task resumes at page 2, went back to pending, consumed one retry.
	assert.Equal(t, 2, task.CurrentPage)
	assert.Equal(t, listings.StatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	require.Len(t, store.requeued, 1)
	require.NotNil(t, store.nextRetryTimes[0])
}

func TestExecutorResumesMidPagination(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{totalPages: 3, totalItems: 6, perPage: 2}
	exec := NewExecutor(store, client, openGovernor(), fastConfig(), nil, nil)

	task := testTask()
	task.CurrentPage = 2
	task.TotalPages = 3
	task.TotalItemsFound = 6
	task.ItemsRetrieved = 2

	result := exec.Execute(context.Background(), task)

	assert.Equal(t, ExecSuccess, result.Status)
	// Only the remaining pages are fetched.
	assert.Equal(t, []int{2, 3}, client.pagesSeen())
	assert.Equal(t, 6, result.ItemsRetrieved)
}

func TestExecutorUpsertIsIdempotent(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{totalPages: 2, totalItems: 4, perPage: 2}
	exec := NewExecutor(store, client, openGovernor(), fastConfig(), nil, nil)

	// First pass fetches everything.
	task := testTask()
	require.Equal(t, ExecSuccess, exec.Execute(context.Background(), task).Status)
	require.Len(t, store.results, 4)

	// Replaying the same pages must not duplicate result rows.
	task2 := testTask()
	require.Equal(t, ExecSuccess, exec.Execute(context.Background(), task2).Status)
	assert.Len(t, store.results, 4)
}

func TestExecutorRetryCeiling(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{
		totalPages: 1, totalItems: 1, perPage: 1,
		failPages: map[int]error{1: &APIError{Message: "always down"}},
	}
	exec := NewExecutor(store, client, openGovernor(), fastConfig(), nil, nil)

	task := testTask()
	task.RetryCount = 2 // one attempt left before the ceiling

	result := exec.Execute(context.Background(), task)

	assert.Equal(t, ExecFailed, result.Status)
	assert.Equal(t, listings.StatusFailed, task.Status)
	assert.Equal(t, 3, task.RetryCount)
	assert.Len(t, store.failed, 1)
	assert.Empty(t, store.requeued)

	// Terminal failure still triggers the job-progress recompute.
	assert.Equal(t, []string{"job-1"}, store.recomputedJobs)

	// A terminally failed task is never claimed again.
	claimed, err := store.ClaimNextPendingTask(context.Background())
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestExecutorQuotaHalt(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{totalPages: 3, totalItems: 6, perPage: 2}
	governor := NewGovernor(0, 1000, 0, time.UTC) // daily ceiling already spent
	exec := NewExecutor(store, client, governor, fastConfig(), nil, nil)

	task := testTask()
	result := exec.Execute(context.Background(), task)

	assert.Equal(t, ExecHalted, result.Status)
	assert.Empty(t, client.queries, "no call may be issued past the ceiling")
	assert.Equal(t, listings.StatusPending, task.Status)
	// A quota halt does not consume a retry.
	assert.Zero(t, task.RetryCount)
}

func TestExecutorRecordsCallOnFailure(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{
		totalPages: 1, totalItems: 1, perPage: 1,
		failPages: map[int]error{1: &APIError{Message: "boom"}},
	}
	governor := openGovernor()
	exec := NewExecutor(store, client, governor, fastConfig(), nil, nil)

	exec.Execute(context.Background(), testTask())

	// The failed request still spent quota.
	assert.Equal(t, 1, governor.Snapshot(fastConfig().APIIdentity).Today)
}

func TestExecutorStoppedByCancellation(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{totalPages: 5, totalItems: 10, perPage: 2}
	exec := NewExecutor(store, client, openGovernor(), fastConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := testTask()
	result := exec.Execute(ctx, task)

	assert.Equal(t, ExecStopped, result.Status)
	assert.Empty(t, client.queries)
	// An operator stop is not a failure: back to pending, immediately
	// eligible, no retry consumed.
	assert.Equal(t, listings.StatusPending, task.Status)
	assert.Zero(t, task.RetryCount)
	require.Len(t, store.requeued, 1)
	assert.Nil(t, store.nextRetryTimes[0])
}

func TestExecutorStopNearRetryCeiling(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{totalPages: 1, totalItems: 1, perPage: 1}
	exec := NewExecutor(store, client, openGovernor(), fastConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// One attempt left before the ceiling: a stop must not spend it.
	task := testTask()
	task.RetryCount = 2

	result := exec.Execute(ctx, task)

	assert.Equal(t, ExecStopped, result.Status)
	assert.Equal(t, listings.StatusPending, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Empty(t, store.failed, "a stop alone must never dead-letter a task")

	// The task is claimable again on the next run.
	claimed, err := store.ClaimNextPendingTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
}

func TestExecutorStoreFailureConsumesRetry(t *testing.T) {
	store := newMemStore()
	store.upsertErr = errors.New("connection reset by peer")
	client := &fakeClient{totalPages: 1, totalItems: 1, perPage: 1}
	exec := NewExecutor(store, client, openGovernor(), fastConfig(), nil, nil)

	task := testTask()
	result := exec.Execute(context.Background(), task)

	assert.Equal(t, ExecFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "store upsert results page 1")
	assert.Contains(t, result.ErrorMessage, "connection reset")
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, listings.StatusPending, task.Status)
}

func TestExecutorForgetsSettledTaskStream(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{totalPages: 1, totalItems: 1, perPage: 1}
	hub := NewProgressHub()
	cfg := fastConfig()
	cfg.ProgressRetention = time.Millisecond
	exec := NewExecutor(store, client, openGovernor(), cfg, nil, hub)

	task := testTask()
	require.Equal(t, ExecSuccess, exec.Execute(context.Background(), task).Status)

	// The stream holds events right after completion, then ages out.
	_, history, cleanup := hub.Stream(task.ID).Subscribe()
	cleanup()
	require.NotEmpty(t, history)

	assert.Eventually(t, func() bool {
		_, history, cleanup := hub.Stream(task.ID).Subscribe()
		cleanup()
		return len(history) == 0
	}, time.Second, 5*time.Millisecond)
}
