package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"sprintd/internal/async"
	"sprintd/internal/logging"
)

// ErrStdioUnavailable marks writes attempted after the subprocess stdio went
// away (process exited or was never started).
var ErrStdioUnavailable = errors.New("process stdio unavailable")

// ProcessManager owns one agent server subprocess: spawn, stdio pipes,
// stderr observation, graceful stop.
type ProcessManager struct {
	command    string
	args       []string
	env        []string
	stderrLine func(string)

	process  *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	logger   logging.Logger
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	waitDone chan error
}

// ProcessConfig configures the agent server process.
type ProcessConfig struct {
	Command string
	Args    []string
	// Env entries are appended to the inherited environment.
	Env map[string]string
	// StderrLine receives each stderr line as it arrives. Optional; when nil
	// stderr is logged at debug level.
	StderrLine func(string)
}

// NewProcessManager creates a process manager. Nothing is spawned until Start.
func NewProcessManager(config ProcessConfig) *ProcessManager {
	pm := &ProcessManager{
		command:    config.Command,
		args:       config.Args,
		stderrLine: config.StderrLine,
		logger:     logging.NewComponentLogger(fmt.Sprintf("ProcessManager[%s]", config.Command)),
		stopChan:   make(chan struct{}),
	}
	if config.Env != nil {
		pm.env = os.Environ()
		for k, v := range config.Env {
			pm.env = append(pm.env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return pm
}

// Start spawns the subprocess and begins monitoring stderr and exit.
func (pm *ProcessManager) Start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return fmt.Errorf("process already running")
	}

	pm.stopChan = make(chan struct{})
	pm.waitDone = make(chan error, 1)

	resolved, err := resolveExecutable(pm.command)
	if err != nil {
		return err
	}

	pm.process = exec.CommandContext(ctx, resolved, pm.args...)
	pm.process.Env = pm.env

	pm.stdin, err = pm.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	pm.stdout, err = pm.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	pm.stderr, err = pm.process.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := pm.process.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	pm.running = true
	pm.logger.Debug("agent server started: %s pid=%d", pm.command, pm.process.Process.Pid)

	async.Go(pm.logger, "mcp.monitorStderr", func() {
		pm.monitorStderr()
	})
	async.Go(pm.logger, "mcp.monitorExit", func() {
		pm.monitorExit()
	})

	return nil
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", fmt.Errorf("command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("command not found: %w", err)
	}
	return resolved, nil
}

// Stop closes stdin to let the server exit on its own, then kills it after
// the grace period. Safe to call more than once.
func (pm *ProcessManager) Stop(timeout time.Duration) error {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return nil
	}
	pm.running = false

	stopChan := pm.stopChan
	waitDone := pm.waitDone
	process := pm.process
	stdin := pm.stdin
	pm.mu.Unlock()

	if stopChan != nil {
		close(stopChan)
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	if waitDone == nil {
		waitDone = make(chan error, 1)
		if process != nil {
			async.Go(pm.logger, "mcp.waitProcess", func() {
				waitDone <- process.Wait()
			})
		}
	}

	select {
	case err := <-waitDone:
		pm.logger.Debug("agent server exited: %v", err)
		return nil
	case <-time.After(timeout):
		pm.logger.Warn("graceful shutdown timeout, killing process")
		if process != nil && process.Process != nil {
			if err := process.Process.Kill(); err != nil {
				return fmt.Errorf("failed to kill process: %w", err)
			}
		}
		return nil
	}
}

// IsRunning reports whether the subprocess is alive.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// Write sends data to the process stdin. Partial writes are errors.
func (pm *ProcessManager) Write(data []byte) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running {
		return fmt.Errorf("process not running: %w", ErrStdioUnavailable)
	}
	if pm.stdin == nil {
		return fmt.Errorf("stdin not available: %w", ErrStdioUnavailable)
	}
	n, err := pm.stdin.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: wrote %d/%d bytes", n, len(data))
	}
	return nil
}

// GetStdout returns the stdout reader for the response loop.
func (pm *ProcessManager) GetStdout() io.ReadCloser {
	return pm.stdout
}

func (pm *ProcessManager) monitorStderr() {
	if pm.stderr == nil {
		return
	}
	scanner := bufio.NewScanner(pm.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-pm.stopChan:
			return
		default:
		}
		line := scanner.Text()
		if pm.stderrLine != nil {
			pm.stderrLine(line)
		} else {
			pm.logger.Debug("[STDERR] %s", line)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		pm.logger.Error("error reading stderr: %v", err)
	}
}

func (pm *ProcessManager) monitorExit() {
	if pm.process == nil {
		return
	}
	err := pm.process.Wait()

	select {
	case pm.waitDone <- err:
	default:
	}

	pm.mu.Lock()
	wasRunning := pm.running
	pm.running = false
	pm.mu.Unlock()

	if wasRunning {
		if err != nil {
			pm.logger.Error("agent server exited unexpectedly: %v", err)
		} else {
			pm.logger.Warn("agent server exited unexpectedly (no error)")
		}
	}
}
