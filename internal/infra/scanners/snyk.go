package scanners

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/bryanwahyu/repo-guardian/internal/config"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
)

type snyk struct {
	base
}

func newSnyk(b base, _ config.ToolConfig) domain.Adapter {
	return &snyk{base: b}
}

type snykProject struct {
	Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
	DependencyCount int               `json:"dependencyCount"`
	ProjectName     string            `json:"projectName"`
	Path            string            `json:"path"`
}

// Invoke runs snyk inside the repository. Exit code 1 means
// vulnerabilities were found and is not a failure.
func (s *snyk) Invoke(ctx context.Context, path string) (*domain.NormalizedResult, error) {
	req := s.request([]string{"test", "--json", "--all-projects"}, path, "", 0, 1)
	req.Dir = path
	res, err := s.run(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.parse(res.Stdout)
}

// parse accepts both the single-project object and the multi-project array.
func (s *snyk) parse(data []byte) (*domain.NormalizedResult, error) {
	trimmed := bytes.TrimSpace(data)

	var projects []snykProject
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if _, err := s.decode(trimmed, &projects); err != nil {
			return nil, err
		}
	} else {
		var single snykProject
		empty, err := s.decode(trimmed, &single)
		if err != nil {
			return nil, err
		}
		if !empty {
			projects = append(projects, single)
		}
	}

	var vulns []json.RawMessage
	deps := 0
	names := make([]string, 0, len(projects))
	for _, p := range projects {
		vulns = append(vulns, p.Vulnerabilities...)
		deps += p.DependencyCount
		name := p.ProjectName
		if name == "" {
			name = p.Path
		}
		names = append(names, name)
	}

	out := s.result(domain.KindVulnerabilities, vulns, countSeverities(vulns, severityOf), trimmed)
	if len(projects) > 0 {
		out.Extra = map[string]any{"projects": names, "dependency_count": deps}
	}
	return out, nil
}
