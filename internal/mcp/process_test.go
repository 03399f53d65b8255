package mcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stopSignalled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestProcessManagerRestartAfterStop(t *testing.T) {
	pm := NewProcessManager(ProcessConfig{
		Command: "sleep",
		Args:    []string{"0.05"},
	})

	require.NoError(t, pm.Start(context.Background()))
	require.NotNil(t, pm.stopChan)
	assert.False(t, stopSignalled(pm.stopChan))

	require.NoError(t, pm.Stop(500*time.Millisecond))
	assert.True(t, stopSignalled(pm.stopChan))
	assert.False(t, pm.IsRunning())

	// A restarted agent server gets a fresh stop channel.
	require.NoError(t, pm.Start(context.Background()))
	assert.False(t, stopSignalled(pm.stopChan))
	assert.True(t, pm.IsRunning())

	_ = pm.Stop(500 * time.Millisecond)
}

func TestProcessManagerEnvOverlayInheritsEnvironment(t *testing.T) {
	scriptPath := filepath.Join(t.TempDir(), "agent.sh")

	// Without PATH inheritance /usr/bin/env cannot find "sh" and the
	// script exits non-zero.
	script := "#!/usr/bin/env sh\nexit 0\n"
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pm := NewProcessManager(ProcessConfig{
		Command: scriptPath,
		Env: map[string]string{
			"ORCHESTRATOR_BACKEND_BASE_URL": "http://127.0.0.1:8787",
		},
	})
	require.NoError(t, pm.Start(ctx))

	select {
	case err := <-pm.waitDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for process exit")
	}
}

func TestProcessManagerWriteWithoutStart(t *testing.T) {
	pm := NewProcessManager(ProcessConfig{Command: "sleep"})

	err := pm.Write([]byte("{}\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStdioUnavailable))
}

func TestProcessManagerRejectsMissingCommand(t *testing.T) {
	pm := NewProcessManager(ProcessConfig{Command: "   "})
	require.Error(t, pm.Start(context.Background()))

	pm = NewProcessManager(ProcessConfig{Command: "definitely-not-a-real-binary-xyz"})
	require.Error(t, pm.Start(context.Background()))
}
