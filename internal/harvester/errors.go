package harvester

import (
	"fmt"
	"time"
)

// ErrorKind classifies validation failures on job parameters.
type ErrorKind string

const (
	KindInvalidRange       ErrorKind = "invalid_range"
	KindInvalidGranularity ErrorKind = "invalid_granularity"
	KindMissingTarget      ErrorKind = "missing_target"
)

// ValidationError reports bad job or task parameters. Never retried.
type ValidationError struct {
	Kind    ErrorKind
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Kind, e.Message)
}

// QuotaExceededError signals a daily or hourly ceiling was hit. It is
// advisory: the caller must stop issuing calls for that window, it is not
// a task failure in itself.
type QuotaExceededError struct {
	Scope string // "daily" or "hourly"
	Wait  time.Duration
}

func (e *QuotaExceededError) Error() string {
	if e.Wait > 0 {
		return fmt.Sprintf("%s limit reached, window admits calls in %s", e.Scope, e.Wait.Round(time.Second))
	}
	return fmt.Sprintf("%s limit reached", e.Scope)
}

// StoreError reports a durable-store read or write failure mid-task.
// Retryable like a provider error, but distinguishable in last_error so
// an operator can tell a store outage from an API outage.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// APIError reports a non-success envelope or malformed payload from the
// external search API. Retryable up to the task's retry ceiling.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("search api error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("search api error: %s", e.Message)
}
