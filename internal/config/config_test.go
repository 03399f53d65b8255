package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ORCHESTRATOR_SPRINT", "Sprint 12")

	cfg, err := Load(dir, "")
	require.NoError(t, err)

	assert.Equal(t, "Sprint 12", cfg.Sprint)
	assert.Equal(t, DefaultBackendBaseURL, cfg.BackendBaseURL)
	assert.Equal(t, 120*time.Second, cfg.BackendTimeout)
	assert.Equal(t, 3, cfg.MaxExecutors)
	assert.Equal(t, 2, cfg.MaxReviewers)
	assert.Equal(t, 5, cfg.ReadyTarget())
	assert.Equal(t, 50, cfg.ReviewStallPolls)
	assert.Equal(t, 15, cfg.BlockedRetryMinutes)
	assert.Equal(t, 900*time.Second, cfg.WatchdogTimeout)
	assert.True(t, cfg.Autopromote)
	assert.Equal(t, 2, cfg.RegenAttempts)
	assert.Equal(t, DefaultOrchestratorCmd, cfg.OrchestratorCmd)
	assert.Equal(t, "codex", cfg.CodexBin)
	assert.Equal(t, []string{"mcp-server"}, cfg.CodexMCPArgs)
	assert.Equal(t, 1800*time.Second, cfg.ToolsCallTimeout)
	assert.Equal(t, 180*time.Second, cfg.ReplyTimeout)
	assert.Equal(t, filepath.Join(dir, ".runner-ledger.json"), cfg.LedgerPath)
	assert.Equal(t, filepath.Join(dir, ".orchestrator-state.json"), cfg.StatePath)
	assert.Equal(t, filepath.Join(dir, ".runner-sprint-plan.json"), cfg.PlanPath)
}

func TestLoadRequiresSprint(t *testing.T) {
	t.Setenv("ORCHESTRATOR_SPRINT", "")
	_, err := Load(t.TempDir(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sprint is required")
}

func TestSprintFlagOverridesEnv(t *testing.T) {
	t.Setenv("ORCHESTRATOR_SPRINT", "Sprint 1")
	cfg, err := Load(t.TempDir(), "Sprint 2")
	require.NoError(t, err)
	assert.Equal(t, "Sprint 2", cfg.Sprint)
}

func TestDotEnvOverridesEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ORCHESTRATOR_SPRINT", "From Env")
	t.Setenv("RUNNER_MAX_EXECUTORS", "9")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("ORCHESTRATOR_SPRINT=From DotEnv\nRUNNER_MAX_EXECUTORS=4\n"), 0o644))

	cfg, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "From DotEnv", cfg.Sprint)
	assert.Equal(t, 4, cfg.MaxExecutors)
}

func TestTargetScopedStatePaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ORCHESTRATOR_SPRINT", "Sprint 1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".agent-swarm.yml"),
		[]byte("target:\n  owner: Acme Org\n  repo: widget/factory\n"), 0o644))

	cfg, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "Acme Org", cfg.TargetOwner)
	assert.Equal(t, "widget/factory", cfg.TargetRepo)
	assert.Equal(t, filepath.Join(dir, ".runner-ledger.Acme_Org.widget_factory.json"), cfg.LedgerPath)
	assert.Equal(t, filepath.Join(dir, ".orchestrator-state.Acme_Org.widget_factory.json"), cfg.StatePath)
	assert.Equal(t, filepath.Join(dir, ".runner-sprint-plan.Acme_Org.widget_factory.json"), cfg.PlanPath)
}

func TestExplicitPathsWinOverScoping(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ORCHESTRATOR_SPRINT", "Sprint 1")
	t.Setenv("RUNNER_LEDGER_PATH", "/tmp/custom-ledger.json")
	t.Setenv("ORCHESTRATOR_STATE_PATH", "/tmp/custom-state.json")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".agent-swarm.yml"),
		[]byte("target:\n  owner: acme\n  repo: widget\n"), 0o644))

	cfg, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom-ledger.json", cfg.LedgerPath)
	assert.Equal(t, "/tmp/custom-state.json", cfg.StatePath)
}

func TestInvalidTargetFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ORCHESTRATOR_SPRINT", "Sprint 1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".agent-swarm.yml"),
		[]byte("target: [broken"), 0o644))

	_, err := Load(dir, "")
	require.Error(t, err)
}

func TestSanitizeToken(t *testing.T) {
	assert.Equal(t, "acme", sanitizeToken("acme"))
	assert.Equal(t, "a_b_c", sanitizeToken("a b/c"))
	assert.Equal(t, "v1.2-rc_1", sanitizeToken("v1.2-rc 1"))
}

func TestValidationBounds(t *testing.T) {
	t.Setenv("ORCHESTRATOR_SPRINT", "Sprint 1")
	t.Setenv("RUNNER_MAX_EXECUTORS", "0")
	_, err := Load(t.TempDir(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RUNNER_MAX_EXECUTORS")
}
