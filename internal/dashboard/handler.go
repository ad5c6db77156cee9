package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Handler serves dashboard pages
type Handler struct {
	service *Service
}

// NewHandler creates a new dashboard handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers dashboard routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", h.HandleIndex)
	mux.HandleFunc("/jobs", h.HandleJobs)
	mux.HandleFunc("/tasks", h.HandleTasks)
	mux.HandleFunc("/tasks/", h.HandleTaskDetails)
	mux.HandleFunc("/runs", h.HandleRuns)
	mux.HandleFunc("/api/progress/", h.HandleTaskProgress)
}

// HandleTaskProgress streams a task's progress events via SSE
func (h *Handler) HandleTaskProgress(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/progress/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, history, cleanup, err := h.service.GetTaskProgress(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer cleanup()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	writeEvent := func(v interface{}) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, entry := range history {
		if !writeEvent(entry) {
			return
		}
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if !writeEvent(entry) {
				return
			}
		case <-ticker.C:
			// Keepalive comment
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleIndex renders the home page
func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	stats, err := h.service.GetStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	recentTasks, err := h.service.GetRecentTasks(r.Context(), 5)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"Title":       "Dashboard",
		"Stats":       stats,
		"RecentTasks": recentTasks,
		"ActivePage":  "home",
	}

	if err := Render(w, "index.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleJobs renders the job list
func (h *Handler) HandleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.GetJobs(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"Title":      "Jobs",
		"Jobs":       jobs,
		"ActivePage": "jobs",
	}

	if err := Render(w, "jobs.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleTasks renders the task list
func (h *Handler) HandleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.service.GetRecentTasks(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"Title":      "Tasks",
		"Tasks":      tasks,
		"ActivePage": "tasks",
	}

	if err := Render(w, "tasks.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleTaskDetails renders a single task
func (h *Handler) HandleTaskDetails(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	task, err := h.service.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"Title":      "Task " + task.ID,
		"Task":       task,
		"ActivePage": "tasks",
	}

	if err := Render(w, "task_details.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleRuns renders the run history
func (h *Handler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.service.GetRuns(r.Context(), 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"Title":      "Runs",
		"Runs":       runs,
		"ActivePage": "runs",
	}

	if err := Render(w, "runs.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
