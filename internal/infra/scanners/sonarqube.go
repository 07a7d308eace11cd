package scanners

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/bryanwahyu/repo-guardian/internal/config"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
	"github.com/bryanwahyu/repo-guardian/internal/infra/executor"
)

const sonarReport = "sonar-report.json"

type sonarQube struct {
	base
	hostURL    string
	token      string
	projectKey string
}

func newSonarQube(b base, cfg config.ToolConfig) domain.Adapter {
	return &sonarQube{
		base:       b,
		hostURL:    cfg.Setting("host_url", "http://localhost:9000"),
		token:      cfg.Setting("token", ""),
		projectKey: cfg.Setting("project_key", ""),
	}
}

type sonarPayload struct {
	Issues   []json.RawMessage `json:"issues"`
	Hotspots []json.RawMessage `json:"hotspots"`
	Metrics  json.RawMessage   `json:"metrics"`
}

func (s *sonarQube) Invoke(ctx context.Context, path string) (*domain.NormalizedResult, error) {
	dir, cleanup, err := s.reportDir()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	key := s.projectKey
	if key == "" {
		key = filepath.Base(path)
	}
	args := []string{
		"-Dsonar.projectKey=" + key,
		"-Dsonar.sources=" + executor.TargetPlaceholder,
		"-Dsonar.host.url=" + s.hostURL,
		// scanner state and the exported report stay out of the clone
		"-Dsonar.working.directory=" + executor.ReportPlaceholder,
		"-Dsonar.analysis.mode=preview",
		"-Dsonar.report.export.path=" + sonarReport,
	}
	if s.token != "" {
		args = append(args, "-Dsonar.login="+s.token)
	}
	if _, err := s.run(ctx, s.request(args, path, dir)); err != nil {
		return nil, err
	}

	report, err := s.readReport(dir, sonarReport)
	if err != nil {
		return nil, err
	}
	return s.parse(report)
}

func (s *sonarQube) parse(data []byte) (*domain.NormalizedResult, error) {
	var payload sonarPayload
	if _, err := s.decode(data, &payload); err != nil {
		return nil, err
	}
	out := s.result(domain.KindIssues, payload.Issues, countSeverities(payload.Issues, severityOf), data)
	out.Extra = map[string]any{"hotspots": nonNil(payload.Hotspots)}
	if len(payload.Metrics) > 0 {
		out.Extra["metrics"] = payload.Metrics
	}
	return out, nil
}

func nonNil(v []json.RawMessage) []json.RawMessage {
	if v == nil {
		return []json.RawMessage{}
	}
	return v
}
