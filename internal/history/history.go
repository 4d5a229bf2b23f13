package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn EventType = "spawn"
	EventExit  EventType = "exit"
	EventStop  EventType = "stop"
	EventEvict EventType = "evict"
	EventAdopt EventType = "adopt"
)

// Event is one lifecycle transition of a tracked command, exported to
// analytics systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid"`
	Command    string    `json:"command"`
	Cwd        string    `json:"cwd,omitempty"`
	Status     string    `json:"status"`
	ExitCode   *int      `json:"exit_code"`
	Detail     string    `json:"detail,omitempty"`
}

// NewEvent stamps an event with a fresh ID and the current UTC time.
func NewEvent(t EventType, pid int, command, status string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		PID:        pid,
		Command:    command,
		Status:     status,
	}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 5 * time.Second
)

// Recorder fans events out to every sink from a single background goroutine
// so that slow sinks never hold up process bookkeeping. A nil *Recorder
// accepts and drops events.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	queue chan Event
	done  chan struct{}
	once  sync.Once

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		logger:  logger.With("component", "history"),
		timeout: defaultSendTimeout,
		queue:   make(chan Event, defaultQueueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues e. Events are dropped with a warning when the queue is full
// or the recorder is closed.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("history queue full, event dropped", "type", e.Type, "pid", e.PID)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink send failed", "type", e.Type, "pid", e.PID, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events (until ctx is done) and closes sinks that
// implement io.Closer.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
