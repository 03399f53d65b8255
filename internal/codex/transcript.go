package codex

import (
	"strings"
	"sync"
)

// EventSink receives transcript sections for one run. Implementations must
// be safe to call from multiple goroutines; failures are swallowed here.
type EventSink func(section, content string)

// TranscriptWriter serializes human-readable transcript sections for one
// agent run. A nil sink drops everything.
type TranscriptWriter struct {
	mu   sync.Mutex
	sink EventSink
}

// NewTranscriptWriter wraps a sink. sink may be nil.
func NewTranscriptWriter(sink EventSink) *TranscriptWriter {
	return &TranscriptWriter{sink: sink}
}

func (w *TranscriptWriter) write(section, content string) {
	content = strings.TrimSpace(content)
	if content == "" || w == nil || w.sink == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	defer func() {
		// Transcript logging must never crash worker execution.
		_ = recover()
	}()
	w.sink(section, content)
}

// MessageToAgent records the prompt sent to the agent.
func (w *TranscriptWriter) MessageToAgent(prompt string) {
	w.write("MESSAGE TO AGENT", prompt)
}

// AgentThinking records agent output rendered for humans.
func (w *TranscriptWriter) AgentThinking(text string) {
	w.write("AGENT THINKING", text)
}

// SystemObservation records a supervisor-side observation.
func (w *TranscriptWriter) SystemObservation(content string) {
	w.write("SYSTEM OBSERVATION", content)
}

// ToolExecuted records that a named tool ran.
func (w *TranscriptWriter) ToolExecuted(toolName string) {
	name := strings.TrimSpace(toolName)
	if name == "" {
		name = "unknown"
	}
	w.SystemObservation("Tool '" + name + "' executed.")
}
