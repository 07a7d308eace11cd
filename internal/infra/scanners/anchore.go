package scanners

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/bryanwahyu/repo-guardian/internal/config"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
	"github.com/bryanwahyu/repo-guardian/internal/infra/executor"
)

type anchore struct {
	base
	image string
	env   map[string]string
}

func newAnchore(b base, cfg config.ToolConfig) domain.Adapter {
	env := map[string]string{"ANCHORE_CLI_URL": cfg.Setting("engine_url", "http://localhost:8228")}
	if u := cfg.Setting("user", ""); u != "" {
		env["ANCHORE_CLI_USER"] = u
	}
	if p := cfg.Setting("password", ""); p != "" {
		env["ANCHORE_CLI_PASS"] = p
	}
	return &anchore{base: b, image: cfg.Setting("image", ""), env: env}
}

type anchoreVulns struct {
	ImageDigest     string            `json:"imageDigest"`
	Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
}

// Invoke registers the image with the engine, waits for analysis, then
// collects the policy evaluation and the vulnerability list.
func (a *anchore) Invoke(ctx context.Context, path string) (*domain.NormalizedResult, error) {
	image := a.image
	if image == "" {
		image = executor.TargetPlaceholder
	}

	steps := [][]string{
		{"image", "add", image},
		{"image", "wait", image},
	}
	for _, args := range steps {
		if _, err := a.exec(ctx, args, path); err != nil {
			return nil, err
		}
	}

	// evaluate check exits 1 when the policy verdict is fail
	policy, err := a.exec(ctx, []string{"--json", "evaluate", "check", image, "--detail"}, path, 0, 1)
	if err != nil {
		return nil, err
	}
	vulns, err := a.exec(ctx, []string{"--json", "image", "vuln", image, "all"}, path)
	if err != nil {
		return nil, err
	}
	return a.parse(policy, vulns)
}

func (a *anchore) exec(ctx context.Context, args []string, path string, ok ...int) ([]byte, error) {
	req := a.request(args, path, "", ok...)
	req.Env = a.env
	res, err := a.run(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

func (a *anchore) parse(policy, vulnOut []byte) (*domain.NormalizedResult, error) {
	var checks json.RawMessage
	if p := bytes.TrimSpace(policy); len(p) > 0 {
		if !json.Valid(p) {
			return nil, a.outputError(p, errInvalidJSON)
		}
		checks = p
	}

	var vulns anchoreVulns
	if _, err := a.decode(vulnOut, &vulns); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(map[string]any{
		"image_digest":    vulns.ImageDigest,
		"policy_checks":   checks,
		"vulnerabilities": nonNil(vulns.Vulnerabilities),
	})
	if err != nil {
		return nil, a.outputError(nil, err)
	}

	out := a.result(domain.KindVulnerabilities, vulns.Vulnerabilities, countSeverities(vulns.Vulnerabilities, severityOf), raw)
	out.Extra = map[string]any{"image_digest": vulns.ImageDigest}
	if checks != nil {
		out.Extra["policy_checks"] = checks
	}
	return out, nil
}
