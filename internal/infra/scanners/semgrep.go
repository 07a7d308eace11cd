package scanners

import (
	"context"
	"encoding/json"

	"github.com/bryanwahyu/repo-guardian/internal/config"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
	"github.com/bryanwahyu/repo-guardian/internal/infra/executor"
)

type semgrep struct {
	base
	ruleset string
}

func newSemgrep(b base, cfg config.ToolConfig) domain.Adapter {
	return &semgrep{base: b, ruleset: cfg.Setting("config", "auto")}
}

type semgrepReport struct {
	Results []json.RawMessage `json:"results"`
	Errors  []json.RawMessage `json:"errors"`
	Version string            `json:"version"`
}

func (s *semgrep) Invoke(ctx context.Context, path string) (*domain.NormalizedResult, error) {
	req := s.request([]string{"--config", s.ruleset, "--json", "--quiet", "--metrics", "off", executor.TargetPlaceholder}, path, "", 0, 1)
	res, err := s.run(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.parse(res.Stdout)
}

func (s *semgrep) parse(data []byte) (*domain.NormalizedResult, error) {
	var report semgrepReport
	if _, err := s.decode(data, &report); err != nil {
		return nil, err
	}
	out := s.result(domain.KindFindings, report.Results, countSeverities(report.Results, semgrepSeverity), data)
	if len(report.Errors) > 0 {
		out.Extra = map[string]any{"errors": report.Errors}
	}
	return out, nil
}

// semgrep reports ERROR, WARNING and INFO under extra.severity.
func semgrepSeverity(raw json.RawMessage) string {
	var v struct {
		Extra struct {
			Severity string `json:"severity"`
		} `json:"extra"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.Extra.Severity
}
