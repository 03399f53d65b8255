// Package transcript streams live run transcript chunks to the backend.
// Delivery is best effort: a bounded queue drops the oldest chunk under
// pressure, posts use a short clamped timeout, and failures are swallowed.
// Transcript streaming must never interrupt supervisor execution.
package transcript

import (
	"context"
	"strings"
	"sync"
	"time"

	"sprintd/internal/async"
	"sprintd/internal/logging"
)

const queueMax = 1024

const (
	minPostTimeout = 750 * time.Millisecond
	maxPostTimeout = 2 * time.Second
)

// Event is one transcript chunk bound for the backend event log.
type Event struct {
	RunID   string
	Role    string
	Section string
	Content string
}

// Poster delivers one transcript event body. *backend.Client satisfies this.
type Poster interface {
	PostTranscriptEvent(ctx context.Context, body map[string]any) (map[string]any, error)
	Timeout() time.Duration
}

// Sink fans transcript events into a single sender goroutine through a
// bounded queue. When the queue is full the oldest chunk is dropped so the
// UI tracks the newest output.
type Sink struct {
	poster Poster
	logger logging.Logger

	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	started bool
	closed  bool
	done    chan struct{}

	// postHook replaces the HTTP post in tests.
	postHook func(Event)
}

// NewSink creates a sink bound to a poster. Nothing runs until the first
// Emit.
func NewSink(poster Poster, logger logging.Logger) *Sink {
	return &Sink{
		poster: poster,
		logger: logging.OrNop(logger),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Emit enqueues one transcript chunk. Blank identity or content drops the
// chunk; a full queue drops the oldest entry first.
func (s *Sink) Emit(event Event) {
	event.RunID = strings.TrimSpace(event.RunID)
	event.Role = strings.ToUpper(strings.TrimSpace(event.Role))
	event.Section = strings.ToUpper(strings.TrimSpace(event.Section))
	event.Content = strings.TrimSpace(event.Content)
	if event.RunID == "" || event.Role == "" || event.Section == "" || event.Content == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= queueMax {
		// Prefer newer transcript chunks over stale backlog.
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, event)
	if !s.started {
		s.started = true
		async.Go(s.logger, "transcript.sender", s.senderLoop)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// EventSinkFor adapts the sink into the per-run callback shape the agent
// driver expects.
func (s *Sink) EventSinkFor(runID, role string) func(section, content string) {
	return func(section, content string) {
		s.Emit(Event{RunID: runID, Role: role, Section: section, Content: content})
	}
}

// Close stops the sender after the current post finishes. Queued chunks are
// discarded.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	s.queue = nil
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	if started {
		<-s.done
	}
}

func (s *Sink) senderLoop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		var event Event
		have := false
		if len(s.queue) > 0 {
			event = s.queue[0]
			s.queue = s.queue[1:]
			have = true
		}
		s.mu.Unlock()

		if !have {
			<-s.wake
			continue
		}
		s.post(event)
	}
}

func (s *Sink) post(event Event) {
	if s.postHook != nil {
		s.postHook(event)
		return
	}
	if s.poster == nil {
		return
	}

	timeout := s.poster.Timeout()
	if timeout > maxPostTimeout {
		timeout = maxPostTimeout
	}
	if timeout < minPostTimeout {
		timeout = minPostTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	body := map[string]any{
		"run_id":  event.RunID,
		"role":    event.Role,
		"section": event.Section,
		"content": event.Content,
	}
	if _, err := s.poster.PostTranscriptEvent(ctx, body); err != nil {
		s.logger.Debug("transcript event dropped: %v", err)
	}
}
