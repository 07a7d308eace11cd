package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
)

// Placeholders substituted in Request.Args.
const (
	TargetPlaceholder = "{target}"
	ReportPlaceholder = "{report}"
)

const (
	containerTarget = "/src"
	containerReport = "/out"

	defaultMaxOutput = 32 << 20
	defaultTimeout   = 30 * time.Minute
	waitDelay        = 5 * time.Second
)

// Request describes one scanner invocation.
type Request struct {
	Tool   string
	Binary string
	Args   []string
	// Target is mounted read-only when Image is set.
	Target string
	// ReportDir receives report files written by the tool.
	ReportDir   string
	Dir         string
	Env         map[string]string
	Image       string
	Timeout     time.Duration
	OKExitCodes []int
}

// Result is the captured outcome of a finished process.
type Result struct {
	Stdout     []byte
	Stderr     string
	ExitCode   int
	DurationMS int64
	Truncated  bool
}

// Runner executes scanner binaries natively or inside a throwaway container.
type Runner struct {
	DockerBinary   string
	MaxOutputBytes int
	log            *zap.Logger
}

func NewRunner(log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{DockerBinary: "docker", MaxOutputBytes: defaultMaxOutput, log: log}
}

// Run executes req. Any failure is returned as *domain.ToolExecutionError;
// the subprocess group is killed when ctx is done or the timeout elapses.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := r.command(req)
	cmd := exec.CommandContext(runCtx, name, args...)
	isolate(cmd)
	cmd.WaitDelay = waitDelay
	if req.Image == "" {
		cmd.Dir = req.Dir
	}
	if len(req.Env) > 0 && req.Image == "" {
		cmd.Env = os.Environ()
		for k, v := range req.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdout := &cappedBuffer{max: r.maxOutput()}
	stderr := &cappedBuffer{max: r.maxOutput()}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.log.Debug("executing tool",
		zap.String("tool", req.Tool),
		zap.String("cmd", name),
		zap.Strings("args", args),
	)

	err := cmd.Run()
	res := Result{
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(start).Milliseconds(),
		Truncated:  stdout.truncated,
	}

	if runCtx.Err() != nil {
		execErr := &domain.ToolExecutionError{Tool: req.Tool, Stderr: res.Stderr, Err: runCtx.Err()}
		if errors.Is(ctx.Err(), context.Canceled) {
			execErr.Cancelled = true
		} else {
			execErr.Timeout = true
		}
		return res, execErr
	}

	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return res, &domain.ToolExecutionError{Tool: req.Tool, Stderr: res.Stderr, Err: fmt.Errorf("run error: %w", err)}
		}
		res.ExitCode = ee.ExitCode()
	}

	if !isOKExit(req.OKExitCodes, res.ExitCode) {
		return res, &domain.ToolExecutionError{
			Tool:     req.Tool,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
			Err:      err,
		}
	}
	return res, nil
}

// command builds the argv, wrapping it in `docker run` when an image is set.
func (r *Runner) command(req Request) (string, []string) {
	target, report := req.Target, req.ReportDir
	if req.Image != "" {
		target, report = containerTarget, containerReport
	}
	args := make([]string, len(req.Args))
	for i, a := range req.Args {
		a = strings.ReplaceAll(a, TargetPlaceholder, target)
		args[i] = strings.ReplaceAll(a, ReportPlaceholder, report)
	}
	if req.Image == "" {
		return req.Binary, args
	}

	docker := []string{"run", "--rm"}
	if req.Target != "" {
		docker = append(docker, "-v", fmt.Sprintf("%s:%s:ro", req.Target, containerTarget), "-w", containerTarget)
	}
	if req.ReportDir != "" {
		docker = append(docker, "-v", fmt.Sprintf("%s:%s", req.ReportDir, containerReport))
	}
	for k, v := range req.Env {
		docker = append(docker, "-e", k+"="+v)
	}
	docker = append(docker, "--entrypoint", req.Binary, req.Image)
	return r.DockerBinary, append(docker, args...)
}

func (r *Runner) maxOutput() int {
	if r.MaxOutputBytes <= 0 {
		return defaultMaxOutput
	}
	return r.MaxOutputBytes
}

func isOKExit(ok []int, code int) bool {
	if len(ok) == 0 {
		return code == 0
	}
	return slices.Contains(ok, code)
}

// cappedBuffer keeps at most max bytes and silently drops the rest so a
// chatty tool cannot exhaust memory.
type cappedBuffer struct {
	buf       []byte
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte  { return b.buf }
func (b *cappedBuffer) String() string { return string(b.buf) }
