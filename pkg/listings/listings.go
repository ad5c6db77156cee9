package listings

import (
	"encoding/json"
	"time"
)

// SplitUnit controls how a Job's date span is divided into Task sub-ranges.
type SplitUnit string

const (
	SplitByDay  SplitUnit = "day"
	SplitByWeek SplitUnit = "week"
)

// Days returns the length of one sub-range in civil days.
func (u SplitUnit) Days() int {
	if u == SplitByWeek {
		return 7
	}
	return 1
}

// Job is a research request spanning sellers, keywords and a date range.
// Immutable once its tasks are generated; TotalTasks/CompletedTasks are
// derived aggregates maintained by the store.
type Job struct {
	ID             string    `json:"id"`
	Label          string    `json:"label"`
	Sellers        []string  `json:"sellers"`
	Keywords       []string  `json:"keywords,omitempty"`
	DateStart      time.Time `json:"date_start"`
	DateEnd        time.Time `json:"date_end"`
	SplitUnit      SplitUnit `json:"split_unit"`
	StatusFilter   string    `json:"status_filter,omitempty"`
	TypeFilter     string    `json:"type_filter,omitempty"`
	TotalTasks     int       `json:"total_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	CreatedAt      time.Time `json:"created_at"`
}

// Task is one atomic, independently resumable unit of fetch work: one
// seller, one (optional) keyword, one date sub-range.
type Task struct {
	ID           string `json:"id"`
	JobID        string `json:"job_id"`
	Seller       string `json:"seller"`
	Keyword      string `json:"keyword,omitempty"`
	StatusFilter string `json:"status_filter,omitempty"`
	TypeFilter   string `json:"type_filter,omitempty"`

	// Inclusive sub-range of the parent job's span.
	DateStart time.Time `json:"date_start"`
	DateEnd   time.Time `json:"date_end"`

	// Execution state, owned by the executor while the task is claimed.
	Status          string `json:"status"`
	CurrentPage     int    `json:"current_page"`
	TotalPages      int    `json:"total_pages"`
	ItemsRetrieved  int    `json:"items_retrieved"`
	TotalItemsFound int    `json:"total_items_found"`
	RetryCount      int    `json:"retry_count"`
	MaxRetries      int    `json:"max_retries"`
	LastError       string `json:"last_error,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Task status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Result is one normalized external listing, unique per
// (external_item_id, task_id) and written via upsert.
type Result struct {
	ExternalItemID string          `json:"external_item_id"`
	TaskID         string          `json:"task_id"`
	JobID          string          `json:"job_id"`
	Title          string          `json:"title"`
	Price          int64           `json:"price"`
	Currency       string          `json:"currency,omitempty"`
	Seller         string          `json:"seller"`
	Condition      string          `json:"condition,omitempty"`
	Category       string          `json:"category,omitempty"`
	ListingStatus  string          `json:"listing_status,omitempty"`
	StartTime      *time.Time      `json:"start_time,omitempty"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	RawPayload     json.RawMessage `json:"raw_payload,omitempty"`
	FetchedAt      time.Time       `json:"fetched_at"`
}
