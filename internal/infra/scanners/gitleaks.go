package scanners

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/bryanwahyu/repo-guardian/internal/config"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
	"github.com/bryanwahyu/repo-guardian/internal/infra/executor"
)

const gitleaksReport = "gitleaks.json"

var leaksFound = regexp.MustCompile(`leaks found: (\d+)`)

type gitleaks struct {
	base
	noGit bool
}

func newGitleaks(b base, cfg config.ToolConfig) domain.Adapter {
	return &gitleaks{base: b, noGit: cfg.Setting("no_git", "false") == "true"}
}

func (g *gitleaks) Invoke(ctx context.Context, path string) (*domain.NormalizedResult, error) {
	dir, cleanup, err := g.reportDir()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := []string{
		"detect",
		"--source", executor.TargetPlaceholder,
		"--report-format", "json",
		"--report-path", executor.ReportPlaceholder + "/" + gitleaksReport,
		"--exit-code", "0",
		"--no-banner",
	}
	if g.noGit {
		args = append(args, "--no-git")
	}
	res, err := g.run(ctx, g.request(args, path, dir))
	if err != nil {
		return nil, err
	}
	report, err := g.readOptionalReport(dir, gitleaksReport)
	if err != nil {
		return nil, err
	}
	return g.parse(report, res.Stdout, res.Stderr)
}

// parse reads the JSON report. Older releases only print a
// "leaks found: N" line; that is kept as a warning with no findings.
func (g *gitleaks) parse(report, stdout []byte, stderr string) (*domain.NormalizedResult, error) {
	trimmed := bytes.TrimSpace(report)
	if len(trimmed) == 0 {
		trimmed = bytes.TrimSpace(stdout)
	}

	var leaks []json.RawMessage
	if len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &leaks); err != nil {
			text := string(trimmed) + "\n" + stderr
			if m := leaksFound.FindStringSubmatch(text); m != nil {
				out := g.result(domain.KindLeaks, nil, domain.SeverityCounts{}, trimmed)
				out.Warning = fmt.Sprintf("Found %s leaks but could not parse details", m[1])
				return out, nil
			}
			return nil, g.outputError(trimmed, err)
		}
	}
	// every leaked secret is treated as high
	return g.result(domain.KindLeaks, leaks, countSeverities(leaks, constSeverity("high")), trimmed), nil
}
