package scanners

import (
	"encoding/json"
	"strings"

	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
)

// NormalizeSeverity maps the vocabularies of the supported tools onto
// critical, high, medium and low. Unknown labels count as low.
func NormalizeSeverity(sev string) string {
	switch strings.ToLower(strings.TrimSpace(sev)) {
	case "critical", "blocker", "defcon1":
		return "critical"
	case "high", "error", "major":
		return "high"
	case "medium", "moderate", "warning":
		return "medium"
	default:
		// low, minor, note, info, informational, negligible, unknown
		return "low"
	}
}

func addSeverity(c *domain.SeverityCounts, sev string) {
	switch NormalizeSeverity(sev) {
	case "critical":
		c.Critical++
	case "high":
		c.High++
	case "medium":
		c.Medium++
	default:
		c.Low++
	}
	c.Total++
}

// severityOf reads a top-level "severity" field. encoding/json matches keys
// case-insensitively so "Severity" works as well.
func severityOf(raw json.RawMessage) string {
	var v struct {
		Severity string `json:"severity"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.Severity
}

// countSeverities tallies findings using pick to extract each label.
func countSeverities(findings []json.RawMessage, pick func(json.RawMessage) string) domain.SeverityCounts {
	var c domain.SeverityCounts
	for _, f := range findings {
		addSeverity(&c, pick(f))
	}
	return c
}

// constSeverity is used for tools that report no severity of their own.
func constSeverity(sev string) func(json.RawMessage) string {
	return func(json.RawMessage) string { return sev }
}
