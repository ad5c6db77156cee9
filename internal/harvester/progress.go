package harvester

import (
	"sync"
	"time"
)

// ProgressEvent is one step of a task's pagination sweep.
type ProgressEvent struct {
	Time    time.Time `json:"time"`
	TaskID  string    `json:"task_id"`
	Page    int       `json:"page"`
	Items   int       `json:"items"`
	Message string    `json:"message"`
}

// ProgressStream buffers events for a single task and fans them out to
// subscribers.
type ProgressStream struct {
	buffer      []ProgressEvent
	maxSize     int
	subscribers map[chan ProgressEvent]struct{}
	mu          sync.RWMutex
}

// NewProgressStream creates a stream keeping at most maxSize events.
func NewProgressStream(maxSize int) *ProgressStream {
	return &ProgressStream{
		buffer:      make([]ProgressEvent, 0, maxSize),
		maxSize:     maxSize,
		subscribers: make(map[chan ProgressEvent]struct{}),
	}
}

// Publish appends an event and broadcasts it.
func (s *ProgressStream) Publish(event ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) >= s.maxSize {
		s.buffer = s.buffer[1:]
	}
	s.buffer = append(s.buffer, event)

	for ch := range s.subscribers {
		// Non-blocking send so a slow client cannot stall the executor.
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel of new events, the buffered history, and a
// cleanup function the caller must invoke when done.
func (s *ProgressStream) Subscribe() (<-chan ProgressEvent, []ProgressEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan ProgressEvent, 100)
	s.subscribers[ch] = struct{}{}

	history := make([]ProgressEvent, len(s.buffer))
	copy(history, s.buffer)

	cleanup := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, ch)
		close(ch)
	}

	return ch, history, cleanup
}

// ProgressHub keys streams by task ID. Streams for finished tasks are
// scavenged after a grace period so the dashboard can still show them.
type ProgressHub struct {
	streams map[string]*ProgressStream
	mu      sync.Mutex
}

// NewProgressHub creates an empty hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{streams: make(map[string]*ProgressStream)}
}

// Stream returns the stream for a task, creating it if necessary.
func (h *ProgressHub) Stream(taskID string) *ProgressStream {
	h.mu.Lock()
	defer h.mu.Unlock()

	stream, ok := h.streams[taskID]
	if !ok {
		stream = NewProgressStream(500)
		h.streams[taskID] = stream
	}
	return stream
}

// Publish routes an event to the task's stream.
func (h *ProgressHub) Publish(taskID string, event ProgressEvent) {
	h.Stream(taskID).Publish(event)
}

// Forget drops a task's stream after the given grace period.
func (h *ProgressHub) Forget(taskID string, after time.Duration) {
	time.AfterFunc(after, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.streams, taskID)
	})
}
