// Package config resolves runner configuration from .env, the process
// environment, and the optional .agent-swarm.yml target file. Precedence is
// .env over the environment (Overload semantics), then viper defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBackendBaseURL  = "http://localhost:4000"
	DefaultOrchestratorCmd = "node apps/orchestrator/src/cli.js --loop"

	targetFileName = ".agent-swarm.yml"
)

// Config is the fully resolved runner configuration.
type Config struct {
	Sprint string

	BackendBaseURL string
	BackendTimeout time.Duration

	MaxExecutors        int
	MaxReviewers        int
	ReadyBuffer         int
	ReviewStallPolls    int
	BlockedRetryMinutes int
	WatchdogTimeout     time.Duration
	Autopromote         bool
	RegenAttempts       int

	OrchestratorCmd  string
	CodexBin         string
	CodexMCPArgs     []string
	ToolsCallTimeout time.Duration
	ReplyTimeout     time.Duration

	LedgerPath string
	StatePath  string
	PlanPath   string

	TargetOwner string
	TargetRepo  string

	MetricsAddr  string
	OTLPEndpoint string
}

// target is the .agent-swarm.yml document.
type target struct {
	Target struct {
		Owner string `yaml:"owner"`
		Repo  string `yaml:"repo"`
	} `yaml:"target"`
}

var tokenSanitizeRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// sanitizeToken makes an owner/repo token safe for use in a filename.
func sanitizeToken(token string) string {
	return tokenSanitizeRe.ReplaceAllString(strings.TrimSpace(token), "_")
}

// Load resolves configuration relative to dir. A .env file in dir overrides
// the process environment; sprintOverride (from the CLI flag) wins over
// ORCHESTRATOR_SPRINT.
func Load(dir, sprintOverride string) (*Config, error) {
	if dir == "" {
		dir = "."
	}
	if envPath := filepath.Join(dir, ".env"); fileExists(envPath) {
		if err := godotenv.Overload(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("BACKEND_BASE_URL", DefaultBackendBaseURL)
	v.SetDefault("BACKEND_TIMEOUT_S", 120)
	v.SetDefault("RUNNER_MAX_EXECUTORS", 3)
	v.SetDefault("RUNNER_MAX_REVIEWERS", 2)
	v.SetDefault("RUNNER_READY_BUFFER", 2)
	v.SetDefault("REVIEW_STALL_POLLS", 50)
	v.SetDefault("BLOCKED_RETRY_MINUTES", 15)
	v.SetDefault("RUNNER_WATCHDOG_TIMEOUT_S", 900)
	v.SetDefault("RUNNER_AUTOPROMOTE", true)
	v.SetDefault("RUNNER_ORCHESTRATOR_CMD", DefaultOrchestratorCmd)
	v.SetDefault("CODEX_BIN", "codex")
	v.SetDefault("CODEX_MCP_ARGS", "mcp-server")
	v.SetDefault("CODEX_TOOLS_CALL_TIMEOUT_S", 1800)
	v.SetDefault("CODEX_REPLY_TIMEOUT_S", 180)
	v.SetDefault("ORCHESTRATOR_SANITIZATION_REGEN_ATTEMPTS", 2)

	cfg := &Config{
		Sprint:              strings.TrimSpace(v.GetString("ORCHESTRATOR_SPRINT")),
		BackendBaseURL:      strings.TrimRight(strings.TrimSpace(v.GetString("BACKEND_BASE_URL")), "/"),
		BackendTimeout:      time.Duration(v.GetInt("BACKEND_TIMEOUT_S")) * time.Second,
		MaxExecutors:        v.GetInt("RUNNER_MAX_EXECUTORS"),
		MaxReviewers:        v.GetInt("RUNNER_MAX_REVIEWERS"),
		ReadyBuffer:         v.GetInt("RUNNER_READY_BUFFER"),
		ReviewStallPolls:    v.GetInt("REVIEW_STALL_POLLS"),
		BlockedRetryMinutes: v.GetInt("BLOCKED_RETRY_MINUTES"),
		WatchdogTimeout:     time.Duration(v.GetInt("RUNNER_WATCHDOG_TIMEOUT_S")) * time.Second,
		Autopromote:         v.GetBool("RUNNER_AUTOPROMOTE"),
		RegenAttempts:       v.GetInt("ORCHESTRATOR_SANITIZATION_REGEN_ATTEMPTS"),
		OrchestratorCmd:     strings.TrimSpace(v.GetString("RUNNER_ORCHESTRATOR_CMD")),
		CodexBin:            strings.TrimSpace(v.GetString("CODEX_BIN")),
		CodexMCPArgs:        strings.Fields(v.GetString("CODEX_MCP_ARGS")),
		ToolsCallTimeout:    time.Duration(v.GetInt("CODEX_TOOLS_CALL_TIMEOUT_S")) * time.Second,
		ReplyTimeout:        time.Duration(v.GetInt("CODEX_REPLY_TIMEOUT_S")) * time.Second,
		MetricsAddr:         strings.TrimSpace(v.GetString("SPRINTD_METRICS_ADDR")),
		OTLPEndpoint:        strings.TrimSpace(v.GetString("SPRINTD_OTLP_ENDPOINT")),
	}
	if sprintOverride != "" {
		cfg.Sprint = strings.TrimSpace(sprintOverride)
	}

	if err := cfg.loadTarget(dir); err != nil {
		return nil, err
	}
	cfg.resolvePaths(dir, v)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadTarget(dir string) error {
	path := filepath.Join(dir, targetFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	var doc target
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	c.TargetOwner = strings.TrimSpace(doc.Target.Owner)
	c.TargetRepo = strings.TrimSpace(doc.Target.Repo)
	return nil
}

// resolvePaths derives the state file locations. When a target repo is
// configured, default paths are scoped per owner/repo so two checkouts never
// share ledgers.
func (c *Config) resolvePaths(dir string, v *viper.Viper) {
	scope := ""
	if c.TargetOwner != "" && c.TargetRepo != "" {
		scope = "." + sanitizeToken(c.TargetOwner) + "." + sanitizeToken(c.TargetRepo)
	}

	c.LedgerPath = strings.TrimSpace(v.GetString("RUNNER_LEDGER_PATH"))
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(dir, ".runner-ledger"+scope+".json")
	}
	c.StatePath = strings.TrimSpace(v.GetString("ORCHESTRATOR_STATE_PATH"))
	if c.StatePath == "" {
		c.StatePath = filepath.Join(dir, ".orchestrator-state"+scope+".json")
	}
	c.PlanPath = strings.TrimSpace(v.GetString("RUNNER_SPRINT_PLAN_PATH"))
	if c.PlanPath == "" {
		c.PlanPath = filepath.Join(dir, ".runner-sprint-plan"+scope+".json")
	}
}

func (c *Config) validate() error {
	if c.Sprint == "" {
		return fmt.Errorf("sprint is required (set --sprint or ORCHESTRATOR_SPRINT)")
	}
	if c.BackendBaseURL == "" {
		return fmt.Errorf("backend base URL is required")
	}
	if c.MaxExecutors < 1 {
		return fmt.Errorf("RUNNER_MAX_EXECUTORS must be at least 1")
	}
	if c.MaxReviewers < 1 {
		return fmt.Errorf("RUNNER_MAX_REVIEWERS must be at least 1")
	}
	if c.ReadyBuffer < 0 {
		return fmt.Errorf("RUNNER_READY_BUFFER must not be negative")
	}
	if c.OrchestratorCmd == "" {
		return fmt.Errorf("RUNNER_ORCHESTRATOR_CMD must not be empty")
	}
	if c.CodexBin == "" {
		return fmt.Errorf("CODEX_BIN must not be empty")
	}
	return nil
}

// ReadyTarget is the promotion target: dispatch capacity plus the buffer.
func (c *Config) ReadyTarget() int {
	return c.MaxExecutors + c.ReadyBuffer
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
