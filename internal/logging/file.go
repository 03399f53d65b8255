package logging

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Level filters file-logger output.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const defaultLogPath = "./.sprintd-debug.log"

var levelTags = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

var consoleTags = map[Level]*color.Color{
	LevelWarn:  color.New(color.FgYellow, color.Bold),
	LevelError: color.New(color.FgRed, color.Bold),
}

// fileSink is the process-wide debug log. All component loggers share it so
// interleaved output stays ordered by a single mutex.
type fileSink struct {
	mu       sync.Mutex
	file     *os.File
	minLevel Level
}

var (
	sinkOnce sync.Once
	sink     *fileSink
)

func defaultSink() *fileSink {
	sinkOnce.Do(func() {
		path := os.Getenv("SPRINTD_DEBUG_LOG")
		if path == "" {
			path = defaultLogPath
		}
		minLevel := LevelDebug
		if os.Getenv("SPRINTD_LOG_LEVEL") == "info" {
			minLevel = LevelInfo
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			// Fall back to stderr-only logging; a missing debug file must
			// never stop the supervisor.
			file = nil
		}
		sink = &fileSink{file: file, minLevel: minLevel}
	})
	return sink
}

func (s *fileSink) write(component string, level Level, format string, args ...any) {
	if level < s.minLevel {
		return
	}
	message := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s [%s] [%s] %s\n",
		time.Now().UTC().Format(time.RFC3339), levelTags[level], component, message)

	s.mu.Lock()
	if s.file != nil {
		_, _ = s.file.WriteString(line)
	}
	s.mu.Unlock()

	if level >= LevelWarn {
		tag := levelTags[level]
		if c, ok := consoleTags[level]; ok {
			tag = c.Sprint(tag)
		}
		fmt.Fprintf(os.Stderr, "%s [%s] %s\n", tag, component, message)
	}
}

type componentLogger struct {
	component string
	sink      *fileSink
}

// NewComponentLogger returns the shared debug-file logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component, sink: defaultSink()}
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.sink.write(l.component, LevelDebug, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.sink.write(l.component, LevelInfo, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.sink.write(l.component, LevelWarn, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.sink.write(l.component, LevelError, format, args...)
}
