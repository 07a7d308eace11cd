package scanners

import (
	"context"
	"encoding/json"

	"github.com/bryanwahyu/repo-guardian/internal/config"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
	"github.com/bryanwahyu/repo-guardian/internal/infra/executor"
)

type trivy struct {
	base
	scanners string
}

func newTrivy(b base, cfg config.ToolConfig) domain.Adapter {
	return &trivy{base: b, scanners: cfg.Setting("scanners", "vuln")}
}

type trivyReport struct {
	Results []struct {
		Target            string            `json:"Target"`
		Vulnerabilities   []json.RawMessage `json:"Vulnerabilities"`
		Misconfigurations []json.RawMessage `json:"Misconfigurations"`
		Secrets           []json.RawMessage `json:"Secrets"`
	} `json:"Results"`
}

func (t *trivy) Invoke(ctx context.Context, path string) (*domain.NormalizedResult, error) {
	args := []string{"fs", "--quiet", "--format", "json", "--scanners", t.scanners, executor.TargetPlaceholder}
	res, err := t.run(ctx, t.request(args, path, ""))
	if err != nil {
		return nil, err
	}
	return t.parse(res.Stdout)
}

func (t *trivy) parse(data []byte) (*domain.NormalizedResult, error) {
	var report trivyReport
	if _, err := t.decode(data, &report); err != nil {
		return nil, err
	}

	var vulns, misconfigs, secrets []json.RawMessage
	for _, r := range report.Results {
		vulns = append(vulns, r.Vulnerabilities...)
		misconfigs = append(misconfigs, r.Misconfigurations...)
		secrets = append(secrets, r.Secrets...)
	}

	out := t.result(domain.KindVulnerabilities, vulns, countSeverities(vulns, severityOf), data)
	if len(misconfigs) > 0 || len(secrets) > 0 {
		out.Extra = map[string]any{}
		if len(misconfigs) > 0 {
			out.Extra["misconfigurations"] = misconfigs
		}
		if len(secrets) > 0 {
			out.Extra["secrets"] = secrets
		}
	}
	return out, nil
}
