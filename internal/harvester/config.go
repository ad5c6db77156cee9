package harvester

import (
	"time"
)

// Config holds pacing, retry and quota settings for a harvest run.
type Config struct {
	// Pacing
	DelayBetweenTasks time.Duration // pause between tasks in the run loop (default: 5s)
	DelayBetweenPages time.Duration // pause between pages of one task (default: 3s)

	// Retry
	MaxRetries    int           // attempts before a task is terminally failed (default: 3)
	RetryDelay    time.Duration // base delay before a requeued task is eligible again (default: 1m)
	MaxRetryDelay time.Duration // backoff cap (default: 1h)

	// External API
	APIIdentity    string        // quota accounting key for the API credential in use
	PageSize       int           // entries per page requested from the search API (default: 100)
	TimeoutPerTask time.Duration // advisory; enforced by the HTTP client timeout (default: 5m)

	// Quota governor ceilings
	DailyLimit  int           // calls per civil day (default: 5000)
	HourlyLimit int           // calls per trailing 60 minutes (default: 500)
	MinInterval time.Duration // minimum spacing between calls (default: 2s)

	// Run lease
	LeaseTerm         time.Duration // single-orchestrator lease duration (default: 30s)
	HeartbeatInterval time.Duration // lease renewal / run heartbeat interval (default: 10s)

	// Dashboard
	ProgressRetention time.Duration // how long a settled task's progress stream stays readable (default: 5m)
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DelayBetweenTasks: 5 * time.Second,
		DelayBetweenPages: 3 * time.Second,
		MaxRetries:        3,
		RetryDelay:        1 * time.Minute,
		MaxRetryDelay:     1 * time.Hour,
		APIIdentity:       "default",
		PageSize:          100,
		TimeoutPerTask:    5 * time.Minute,
		DailyLimit:        5000,
		HourlyLimit:       500,
		MinInterval:       2 * time.Second,
		LeaseTerm:         30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		ProgressRetention: 5 * time.Minute,
	}
}
