package scanners

import (
	"context"
	"encoding/json"

	"github.com/bryanwahyu/repo-guardian/internal/config"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
	"github.com/bryanwahyu/repo-guardian/internal/infra/executor"
)

const clairReport = "clair.json"

type clair struct {
	base
	hostIP string
	image  string
}

func newClair(b base, cfg config.ToolConfig) domain.Adapter {
	return &clair{
		base:   b,
		hostIP: cfg.Setting("host_ip", "localhost"),
		image:  cfg.Setting("image", ""),
	}
}

type clairPayload struct {
	Image           string            `json:"image"`
	Unapproved      []string          `json:"unapproved"`
	Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
	Layers          []json.RawMessage `json:"layers"`
	ScanTime        json.RawMessage   `json:"scan_time"`
}

// Invoke scans the configured image. Without one, the repository path is
// handed to clair-scanner as the image reference.
func (c *clair) Invoke(ctx context.Context, path string) (*domain.NormalizedResult, error) {
	dir, cleanup, err := c.reportDir()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	image := c.image
	if image == "" {
		image = executor.TargetPlaceholder
	}
	args := []string{"--ip", c.hostIP, "--report", executor.ReportPlaceholder + "/" + clairReport, image}
	// exit 1 means unapproved vulnerabilities were found
	if _, err := c.run(ctx, c.request(args, path, dir, 0, 1)); err != nil {
		return nil, err
	}
	report, err := c.readReport(dir, clairReport)
	if err != nil {
		return nil, err
	}
	return c.parse(report)
}

func (c *clair) parse(data []byte) (*domain.NormalizedResult, error) {
	var payload clairPayload
	empty, err := c.decode(data, &payload)
	if err != nil {
		return nil, err
	}
	out := c.result(domain.KindVulnerabilities, payload.Vulnerabilities, countSeverities(payload.Vulnerabilities, severityOf), data)
	if !empty {
		out.Extra = map[string]any{
			"layers":     nonNil(payload.Layers),
			"unapproved": payload.Unapproved,
		}
		if len(payload.ScanTime) > 0 {
			out.Extra["scan_time"] = payload.ScanTime
		}
	}
	return out, nil
}
