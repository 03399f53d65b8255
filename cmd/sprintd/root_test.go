package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeWith(t *testing.T, args ...string) error {
	t.Helper()
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func requireExitCode(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	var exitErr *ExitCodeError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, code, exitErr.Code)
}

func TestGoalWithoutKickoffIsConfigError(t *testing.T) {
	requireExitCode(t, executeWith(t, "--goal", "ship it"), 2)
}

func TestGoalFileWithoutKickoffIsConfigError(t *testing.T) {
	requireExitCode(t, executeWith(t, "--goal-file", "goal.txt"), 2)
}

func TestKickoffWithoutGoalIsConfigError(t *testing.T) {
	requireExitCode(t, executeWith(t, "--kickoff"), 2)
}

func TestOnceAndLoopAreMutuallyExclusive(t *testing.T) {
	err := executeWith(t, "--once", "--loop")
	require.Error(t, err)
	var exitErr *ExitCodeError
	assert.False(t, errors.As(err, &exitErr))
}

func TestMissingSprintIsConfigError(t *testing.T) {
	t.Setenv("ORCHESTRATOR_SPRINT", "")
	requireExitCode(t, executeWith(t, "--once"), 2)
}

func TestExitCodeError(t *testing.T) {
	inner := errors.New("boom")
	err := exitCode(5, inner)
	var exitErr *ExitCodeError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 5, exitErr.Code)
	assert.Equal(t, "boom", exitErr.Error())
	assert.Equal(t, inner, errors.Unwrap(exitErr))
}
