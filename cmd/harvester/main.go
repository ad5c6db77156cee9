package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourusername/listing-harvester/internal/dashboard"
	"github.com/yourusername/listing-harvester/internal/harvester"
	"github.com/yourusername/listing-harvester/pkg/listings"
)

const version = "1.0.0"

func main() {
	// .env is optional; exported variables win either way
	_ = godotenv.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting listing harvester", "version", version)

	// Connect to PostgreSQL
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		slog.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	if err := runMigrations(db); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	config := &harvester.Config{
		DelayBetweenTasks: getEnvDuration("DELAY_BETWEEN_TASKS", 5*time.Second),
		DelayBetweenPages: getEnvDuration("DELAY_BETWEEN_PAGES", 3*time.Second),
		MaxRetries:        getEnvInt("MAX_RETRIES", 3),
		RetryDelay:        getEnvDuration("RETRY_DELAY", 1*time.Minute),
		MaxRetryDelay:     getEnvDuration("MAX_RETRY_DELAY", 1*time.Hour),
		APIIdentity:       getEnv("API_IDENTITY", "default"),
		PageSize:          getEnvInt("PAGE_SIZE", 100),
		TimeoutPerTask:    getEnvDuration("TIMEOUT_PER_TASK", 5*time.Minute),
		DailyLimit:        getEnvInt("QUOTA_DAILY_LIMIT", 5000),
		HourlyLimit:       getEnvInt("QUOTA_HOURLY_LIMIT", 500),
		MinInterval:       getEnvDuration("QUOTA_MIN_INTERVAL", 2*time.Second),
		LeaseTerm:         getEnvDuration("LEASE_TERM", 30*time.Second),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second),
		ProgressRetention: getEnvDuration("PROGRESS_RETENTION", 5*time.Minute),
	}

	loc := time.Local
	if tz := os.Getenv("QUOTA_TIMEZONE"); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			slog.Error("invalid QUOTA_TIMEZONE", "tz", tz, "error", err)
			os.Exit(1)
		}
	}

	apiURL := os.Getenv("SEARCH_API_URL")
	if apiURL == "" {
		slog.Error("SEARCH_API_URL environment variable is required")
		os.Exit(1)
	}

	governor := harvester.NewGovernor(config.DailyLimit, config.HourlyLimit, config.MinInterval, loc)
	metrics := harvester.NewMetrics()
	progress := harvester.NewProgressHub()
	client := harvester.NewHTTPSearchClient(apiURL, os.Getenv("SEARCH_API_KEY"), getEnvDuration("HTTP_TIMEOUT", 30*time.Second))
	store := harvester.NewPostgresStore(db)
	runs := harvester.NewPostgresRunStore(db)

	// Optionally create a job from environment (useful for testing)
	if getEnvBool("SEED_JOB", false) {
		if err := seedJob(context.Background(), store, config); err != nil {
			slog.Error("failed to seed job", "error", err)
			os.Exit(1)
		}
	}

	executor := harvester.NewExecutor(store, client, governor, config, metrics, progress)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	runID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	orchestrator := harvester.NewOrchestrator(store, runs, executor, config, metrics, runID, hostname)

	// Start metrics server and dashboard
	httpPort := getEnv("HTTP_PORT", "9090")
	go func() {
		mux := http.NewServeMux()

		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":  "healthy",
				"run_id":  runID,
				"version": version,
				"quota":   governor.Snapshot(config.APIIdentity),
			})
		})

		dashboardService := dashboard.NewService(db,
			func() harvester.QuotaSnapshot { return governor.Snapshot(config.APIIdentity) },
			func(taskID string) (<-chan harvester.ProgressEvent, []harvester.ProgressEvent, func()) {
				return progress.Stream(taskID).Subscribe()
			})
		dashboardHandler := dashboard.NewHandler(dashboardService)
		dashboardHandler.RegisterRoutes(mux)

		addr := ":" + httpPort
		slog.Info("dashboard and metrics server listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("server failed", "error", err)
		}
	}()

	// Keep queue depth gauges fresh while the run progresses
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go pollQueueDepth(ctx, store, metrics)

	maxTasks := getEnvInt("MAX_TASKS", 100)
	summary, err := orchestrator.Run(ctx, maxTasks)
	if err != nil && err != context.Canceled {
		slog.Error("run error", "error", err)
	}

	slog.Info("harvest run summary",
		"run_id", summary.RunID,
		"executed", summary.Executed,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed)

	for _, outcome := range summary.Outcomes {
		if outcome.ErrorMessage != "" {
			slog.Warn("task outcome", "task_id", outcome.TaskID, "status", outcome.Status, "error", outcome.ErrorMessage)
		}
	}
}

// seedJob builds a job from SEED_* variables, splits it and persists the
// job with its tasks.
func seedJob(ctx context.Context, store *harvester.PostgresStore, config *harvester.Config) error {
	sellers := splitList(os.Getenv("SEED_SELLERS"))
	if len(sellers) == 0 {
		return fmt.Errorf("SEED_SELLERS is required when SEED_JOB is enabled")
	}

	dateStart, err := time.Parse("2006-01-02", getEnv("SEED_DATE_START", ""))
	if err != nil {
		return fmt.Errorf("invalid SEED_DATE_START: %w", err)
	}
	dateEnd, err := time.Parse("2006-01-02", getEnv("SEED_DATE_END", ""))
	if err != nil {
		return fmt.Errorf("invalid SEED_DATE_END: %w", err)
	}

	job := &listings.Job{
		ID:           uuid.NewString(),
		Label:        getEnv("SEED_LABEL", "seeded job"),
		Sellers:      sellers,
		Keywords:     splitList(os.Getenv("SEED_KEYWORDS")),
		DateStart:    dateStart,
		DateEnd:      dateEnd,
		SplitUnit:    listings.SplitUnit(getEnv("SEED_SPLIT_UNIT", "week")),
		StatusFilter: os.Getenv("SEED_STATUS_FILTER"),
		TypeFilter:   os.Getenv("SEED_TYPE_FILTER"),
	}

	tasks, err := harvester.SplitJob(job)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		t.MaxRetries = config.MaxRetries
	}

	estimate := harvester.EstimateCompletionSeconds(len(tasks), 2, config.DelayBetweenTasks, config.DelayBetweenPages)
	slog.Info("job seeded",
		"job_id", job.ID,
		"tasks", len(tasks),
		"estimated_seconds", int(estimate))

	return store.CreateJob(ctx, job, tasks)
}

func pollQueueDepth(ctx context.Context, store *harvester.PostgresStore, metrics *harvester.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, processing, err := store.QueueDepth(ctx)
			if err != nil {
				slog.Error("failed to poll queue depth", "error", err)
				continue
			}
			metrics.SetQueueDepth(pending, processing)
		}
	}
}

func runMigrations(db *sql.DB) error {
	migrationSQL, err := os.ReadFile("migrations/001_initial_schema.sql")
	if err != nil {
		// Try alternative path for when running from a container
		migrationSQL, err = os.ReadFile("/app/migrations/001_initial_schema.sql")
		if err != nil {
			return fmt.Errorf("failed to read migration file: %w", err)
		}
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}

	slog.Info("database migrations completed")
	return nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
