//go:build unix

package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
)

func shell(script string) Request {
	return Request{Tool: "sh", Binary: "/bin/sh", Args: []string{"-c", script}, Timeout: 10 * time.Second}
}

func TestRunnerCapturesStdout(t *testing.T) {
	r := NewRunner(zap.NewNop())

	res, err := r.Run(context.Background(), shell(`printf '{"ok":true}'; echo oops >&2`))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(res.Stdout))
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunnerNonZeroExit(t *testing.T) {
	r := NewRunner(zap.NewNop())

	_, err := r.Run(context.Background(), shell(`echo boom >&2; exit 3`))
	var execErr *domain.ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.ExitCode)
	assert.False(t, execErr.Timeout)
	assert.Contains(t, execErr.Error(), "boom")
}

func TestRunnerAcceptedExitCodes(t *testing.T) {
	r := NewRunner(zap.NewNop())
	req := shell(`echo '[]'; exit 1`)
	req.OKExitCodes = []int{0, 1}

	res, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
}

func TestRunnerSpawnFailure(t *testing.T) {
	r := NewRunner(zap.NewNop())

	_, err := r.Run(context.Background(), Request{Tool: "ghost", Binary: "/nonexistent/ghost-scanner"})
	var execErr *domain.ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Error(), "execution failed")
}

func TestRunnerTimeoutKillsProcessGroup(t *testing.T) {
	r := NewRunner(zap.NewNop())
	// The background child keeps stdout open; only a group kill lets Run return promptly.
	req := shell(`sleep 30 & wait`)
	req.Timeout = 200 * time.Millisecond

	start := time.Now()
	_, err := r.Run(context.Background(), req)
	elapsed := time.Since(start)

	var execErr *domain.ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.True(t, execErr.Timeout)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestRunnerCancellation(t *testing.T) {
	r := NewRunner(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := r.Run(ctx, shell(`sleep 30`))
	var execErr *domain.ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.True(t, execErr.Cancelled)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunnerTruncatesOutput(t *testing.T) {
	r := NewRunner(zap.NewNop())
	r.MaxOutputBytes = 4

	res, err := r.Run(context.Background(), shell(`printf 'abcdefgh'`))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(res.Stdout))
	assert.True(t, res.Truncated)
}

func TestRunnerSubstitutesPlaceholders(t *testing.T) {
	r := NewRunner(zap.NewNop())
	req := shell(`echo "$0 $1"`)
	req.Args = append(req.Args, TargetPlaceholder, ReportPlaceholder+"/out.json")
	req.Target = "/repo"
	req.ReportDir = "/tmp/rep"

	res, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "/repo /tmp/rep/out.json\n", string(res.Stdout))
}

func TestRunnerDockerCommand(t *testing.T) {
	r := NewRunner(zap.NewNop())
	name, args := r.command(Request{
		Binary:    "trivy",
		Args:      []string{"fs", "--format", "json", TargetPlaceholder},
		Target:    "/tmp/repo",
		ReportDir: "/tmp/report",
		Image:     "aquasec/trivy:latest",
	})

	assert.Equal(t, "docker", name)
	assert.Equal(t, []string{
		"run", "--rm",
		"-v", "/tmp/repo:/src:ro", "-w", "/src",
		"-v", "/tmp/report:/out",
		"--entrypoint", "trivy", "aquasec/trivy:latest",
		"fs", "--format", "json", "/src",
	}, args)
}
