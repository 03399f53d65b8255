// Package events emits supervisory JSONL events on stderr. The planner child
// and any wrapping automation consume these lines; they are the machine
// channel, separate from human-oriented logging.
package events

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sync"

	"sprintd/internal/logging"
)

// Emitter writes one compact JSON object per line.
type Emitter struct {
	mu     sync.Mutex
	out    io.Writer
	logger logging.Logger
}

// NewEmitter creates an emitter. A nil writer means os.Stderr.
func NewEmitter(out io.Writer, logger logging.Logger) *Emitter {
	if out == nil {
		out = os.Stderr
	}
	return &Emitter{out: out, logger: logging.OrNop(logger)}
}

// Emit writes obj as a single JSONL line. Marshalling or write failures are
// logged and swallowed; event emission never interrupts supervision.
func (e *Emitter) Emit(obj map[string]any) {
	if e == nil {
		return
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(obj); err != nil {
		e.logger.Warn("event not serializable: %v", err)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.out.Write(buf.Bytes()); err != nil {
		e.logger.Debug("event write failed: %v", err)
	}
}

// Event is a convenience for the common {"type": t, ...fields} shape.
func (e *Emitter) Event(eventType string, fields map[string]any) {
	obj := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		obj[key] = value
	}
	obj["type"] = eventType
	e.Emit(obj)
}
