package transcript

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoster struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (p *fakePoster) PostTranscriptEvent(ctx context.Context, body map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodies = append(p.bodies, body)
	return map[string]any{"ok": true}, nil
}

func (p *fakePoster) Timeout() time.Duration { return 120 * time.Second }

func (p *fakePoster) all() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.bodies...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSinkDeliversNormalizedEvents(t *testing.T) {
	poster := &fakePoster{}
	sink := NewSink(poster, nil)
	defer sink.Close()

	sink.Emit(Event{RunID: " run-1 ", Role: "executor", Section: "message to agent", Content: "  hello  "})

	waitFor(t, func() bool { return len(poster.all()) == 1 })
	body := poster.all()[0]
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, "EXECUTOR", body["role"])
	assert.Equal(t, "MESSAGE TO AGENT", body["section"])
	assert.Equal(t, "hello", body["content"])
}

func TestSinkDropsIncompleteEvents(t *testing.T) {
	poster := &fakePoster{}
	sink := NewSink(poster, nil)
	defer sink.Close()

	sink.Emit(Event{RunID: "", Role: "EXECUTOR", Section: "S", Content: "x"})
	sink.Emit(Event{RunID: "run-1", Role: "EXECUTOR", Section: "S", Content: "   "})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, poster.all())
}

func TestSinkDropsOldestWhenFull(t *testing.T) {
	sink := NewSink(nil, nil)

	var mu sync.Mutex
	var delivered []string
	release := make(chan struct{})
	sink.postHook = func(event Event) {
		<-release
		mu.Lock()
		delivered = append(delivered, event.Content)
		mu.Unlock()
	}

	// First emit is consumed by the sender and blocks on release; the queue
	// then fills behind it.
	sink.Emit(Event{RunID: "r", Role: "EXECUTOR", Section: "S", Content: "head"})
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.started && len(sink.queue) == 0
	})
	for i := 0; i < queueMax+10; i++ {
		sink.Emit(Event{RunID: "r", Role: "EXECUTOR", Section: "S", Content: "chunk"})
	}
	sink.mu.Lock()
	queued := len(sink.queue)
	sink.mu.Unlock()
	assert.Equal(t, queueMax, queued)

	close(release)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) >= queueMax+1
	})
	sink.Close()
}

func TestSinkEventSinkForBindsIdentity(t *testing.T) {
	poster := &fakePoster{}
	sink := NewSink(poster, nil)
	defer sink.Close()

	emit := sink.EventSinkFor("run-9", "REVIEWER")
	emit("AGENT THINKING", "analysis")

	waitFor(t, func() bool { return len(poster.all()) == 1 })
	body := poster.all()[0]
	assert.Equal(t, "run-9", body["run_id"])
	assert.Equal(t, "REVIEWER", body["role"])
}

func TestSinkCloseIsIdempotent(t *testing.T) {
	sink := NewSink(&fakePoster{}, nil)
	sink.Emit(Event{RunID: "r", Role: "EXECUTOR", Section: "S", Content: "x"})
	sink.Close()
	require.NotPanics(t, sink.Close)

	// Emits after close are dropped.
	sink.Emit(Event{RunID: "r", Role: "EXECUTOR", Section: "S", Content: "y"})
}
