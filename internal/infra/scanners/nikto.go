package scanners

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/bryanwahyu/repo-guardian/internal/config"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
	"github.com/bryanwahyu/repo-guardian/internal/infra/executor"
)

const niktoReport = "nikto.json"

// nikto probes a running web server rather than the source tree.
type nikto struct {
	base
	targetURL string
}

func newNikto(b base, cfg config.ToolConfig) domain.Adapter {
	return &nikto{base: b, targetURL: cfg.Setting("target_url", "http://localhost:8080")}
}

type niktoHost struct {
	Host            string            `json:"host"`
	IP              string            `json:"ip"`
	Port            string            `json:"port"`
	ScanTime        json.RawMessage   `json:"scan_time"`
	Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
}

func (n *nikto) Invoke(ctx context.Context, path string) (*domain.NormalizedResult, error) {
	dir, cleanup, err := n.reportDir()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := []string{"-h", n.targetURL, "-Format", "json", "-o", executor.ReportPlaceholder + "/" + niktoReport, "-nointeractive"}
	if _, err := n.run(ctx, n.request(args, "", dir, 0, 1)); err != nil {
		return nil, err
	}
	report, err := n.readReport(dir, niktoReport)
	if err != nil {
		return nil, err
	}
	return n.parse(report)
}

func (n *nikto) parse(data []byte) (*domain.NormalizedResult, error) {
	trimmed := bytes.TrimSpace(data)

	var hosts []niktoHost
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if _, err := n.decode(trimmed, &hosts); err != nil {
			return nil, err
		}
	} else {
		var h niktoHost
		empty, err := n.decode(trimmed, &h)
		if err != nil {
			return nil, err
		}
		if !empty {
			hosts = append(hosts, h)
		}
	}

	var vulns []json.RawMessage
	var scanned []string
	var scanTime json.RawMessage
	for _, h := range hosts {
		vulns = append(vulns, h.Vulnerabilities...)
		if h.Host != "" {
			scanned = append(scanned, h.Host)
		}
		if len(h.ScanTime) > 0 {
			scanTime = h.ScanTime
		}
	}

	// nikto findings carry no severity
	out := n.result(domain.KindVulnerabilities, vulns, countSeverities(vulns, constSeverity("medium")), trimmed)
	if len(hosts) > 0 {
		out.Extra = map[string]any{"host": scanned}
		if scanTime != nil {
			out.Extra["scan_time"] = scanTime
		}
	}
	return out, nil
}
