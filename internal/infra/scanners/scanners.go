// Package scanners adapts external security tools to the domain Adapter port.
package scanners

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/bryanwahyu/repo-guardian/internal/config"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
	"github.com/bryanwahyu/repo-guardian/internal/infra/executor"
)

// Runner is the subset of executor.Runner the adapters need.
type Runner interface {
	Run(ctx context.Context, req executor.Request) (executor.Result, error)
}

const previewBytes = 200

type factory func(b base, cfg config.ToolConfig) domain.Adapter

type toolInfo struct {
	description string
	binary      string
	build       factory
}

var known = map[string]toolInfo{
	"semgrep":   {"static analysis", "semgrep", newSemgrep},
	"gitleaks":  {"secret detection", "gitleaks", newGitleaks},
	"trivy":     {"dependency vulnerabilities", "trivy", newTrivy},
	"snyk":      {"dependency vulnerabilities", "snyk", newSnyk},
	"sonarqube": {"code quality", "sonar-scanner", newSonarQube},
	"nikto":     {"web server scan", "nikto", newNikto},
	"clair":     {"container vulnerabilities", "clair-scanner", newClair},
	"anchore":   {"container image policy", "anchore-cli", newAnchore},
}

// Names lists the tools Build understands.
func Names() []string {
	return []string{"semgrep", "gitleaks", "trivy", "snyk", "sonarqube", "nikto", "clair", "anchore"}
}

// Build turns the configured tool list into the ordered, immutable
// descriptor list consumed by the orchestrator. Disabled tools are skipped.
func Build(tools []config.ToolConfig, runner Runner, log *zap.Logger) ([]domain.Descriptor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	out := make([]domain.Descriptor, 0, len(tools))
	for _, t := range tools {
		if !t.IsEnabled() {
			continue
		}
		info, ok := known[t.Name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", t.Name)
		}
		b := base{
			name:    t.Name,
			binary:  t.Binary,
			image:   t.Image,
			timeout: t.Timeout,
			extra:   t.Args,
			runner:  runner,
			log:     log.With(zap.String("tool", t.Name)),
		}
		if b.binary == "" {
			b.binary = info.binary
		}
		out = append(out, domain.Descriptor{
			Name:        t.Name,
			Description: info.description,
			Timeout:     t.Timeout,
			Adapter:     info.build(b, t),
		})
	}
	return out, nil
}

// base carries what every adapter needs to spawn its tool.
type base struct {
	name    string
	binary  string
	image   string
	timeout time.Duration
	extra   []string
	runner  Runner
	log     *zap.Logger
}

func (b base) request(args []string, target, reportDir string, ok ...int) executor.Request {
	return executor.Request{
		Tool:        b.name,
		Binary:      b.binary,
		Args:        append(args, b.extra...),
		Target:      target,
		ReportDir:   reportDir,
		Image:       b.image,
		Timeout:     b.timeout,
		OKExitCodes: ok,
	}
}

func (b base) run(ctx context.Context, req executor.Request) (executor.Result, error) {
	res, err := b.runner.Run(ctx, req)
	if err != nil {
		b.log.Warn("tool execution failed", zap.Error(err), zap.Int("exit_code", res.ExitCode))
		return res, err
	}
	b.log.Debug("tool finished",
		zap.Int("exit_code", res.ExitCode),
		zap.Int("result_size", len(res.Stdout)),
		zap.Int64("duration_ms", res.DurationMS),
	)
	if res.Truncated {
		b.log.Warn("tool output truncated")
	}
	return res, nil
}

// reportDir creates a scratch directory outside the clone for report files.
func (b base) reportDir() (string, func(), error) {
	dir, err := os.MkdirTemp("", "repo-guardian-"+b.name+"-*")
	if err != nil {
		return "", nil, &domain.ToolExecutionError{Tool: b.name, Err: fmt.Errorf("create report dir: %w", err)}
	}
	// the container user may differ from ours
	_ = os.Chmod(dir, 0o777)
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// readReport loads the report file the tool was asked to write. A tool that
// exits cleanly without writing it has not produced a result.
func (b base) readReport(dir, file string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if errors.Is(err, os.ErrNotExist) {
		return nil, b.outputError(nil, fmt.Errorf("report %s not produced", file))
	}
	if err != nil {
		return nil, b.outputError(nil, fmt.Errorf("read report: %w", err))
	}
	return data, nil
}

// readOptionalReport is readReport for tools whose missing report means
// nothing was found.
func (b base) readOptionalReport(dir, file string) ([]byte, error) {
	if _, err := os.Stat(filepath.Join(dir, file)); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return b.readReport(dir, file)
}

func (b base) outputError(data []byte, err error) *domain.ToolOutputError {
	b.log.Warn("failed to parse tool output", zap.Error(err), zap.String("output_preview", preview(data)))
	return &domain.ToolOutputError{Tool: b.name, Preview: preview(data), Err: err}
}

// decode unmarshals a JSON payload. Blank output reports empty=true.
func (b base) decode(data []byte, v any) (empty bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return false, b.outputError(trimmed, err)
	}
	return false, nil
}

func (b base) result(kind string, findings []json.RawMessage, counts domain.SeverityCounts, raw []byte) *domain.NormalizedResult {
	if findings == nil {
		findings = []json.RawMessage{}
	}
	res := &domain.NormalizedResult{
		Tool:     b.name,
		Kind:     kind,
		Findings: findings,
		Counts:   counts,
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
		if json.Valid(trimmed) {
			res.RawOutput = json.RawMessage(trimmed)
		} else if s, err := json.Marshal(string(trimmed)); err == nil {
			res.RawOutput = s
		}
	}
	return res
}

func preview(data []byte) string {
	if len(data) > previewBytes {
		data = data[:previewBytes]
	}
	return string(data)
}

var errInvalidJSON = errors.New("invalid JSON")
