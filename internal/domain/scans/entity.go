package scans

import (
	"encoding/json"
	"time"
)

// ScanID identifies a Scan.
type ScanID string

// ToolRunID identifies a ToolRun.
type ToolRunID string

// SeverityCounts value object
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Total    int `json:"total"`
}

// Aggregate Root: Scan
type Scan struct {
	ID            ScanID     `json:"id"`
	Source        string     `json:"source"`
	LocalPath     string     `json:"local_path,omitempty"`
	Status        ScanStatus `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ToolRuns      []*ToolRun `json:"tool_runs"`
}

// ToolRun is one execution of a single tool against the scanned repository.
type ToolRun struct {
	ID         ToolRunID      `json:"id"`
	ScanID     ScanID         `json:"scan_id"`
	ToolName   string         `json:"tool_name"`
	Seq        int            `json:"seq"`
	Status     ToolRunStatus  `json:"status"`
	Output     *ToolRunOutput `json:"output,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// ToolRunOutput is the terminal envelope. Raw and Analysis are set on
// COMPLETED; Error, Kind and Stack on FAILED.
type ToolRunOutput struct {
	Raw         *NormalizedResult `json:"raw,omitempty"`
	Analysis    *Analysis         `json:"analysis,omitempty"`
	ArtifactURL string            `json:"artifact_url,omitempty"`

	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Stack string `json:"stack,omitempty"`
}

// NormalizedResult is what every adapter returns on success.
type NormalizedResult struct {
	Tool      string            `json:"tool"`
	Kind      string            `json:"kind"`
	Findings  []json.RawMessage `json:"findings"`
	Counts    SeverityCounts    `json:"counts"`
	Extra     map[string]any    `json:"extra,omitempty"`
	Warning   string            `json:"warning,omitempty"`
	RawOutput json.RawMessage   `json:"raw_output,omitempty"`
}

// Normalized finding collection names.
const (
	KindFindings        = "findings"
	KindVulnerabilities = "vulnerabilities"
	KindLeaks           = "leaks"
	KindIssues          = "issues"
)

// Analysis is the enrichment result attached to a completed tool run.
type Analysis struct {
	Summary  string            `json:"summary"`
	Findings []AnalysisFinding `json:"findings"`
}

// AnalysisFinding is one severity-tagged risk with remediation steps.
type AnalysisFinding struct {
	Risk        string   `json:"risk"`
	Description string   `json:"description"`
	Impact      string   `json:"impact"`
	Solution    []string `json:"solution"`
}

// FallbackSummary is used whenever enrichment could not produce an analysis.
const FallbackSummary = "analysis unavailable"

// FallbackAnalysis returns the analysis recorded when enrichment fails.
func FallbackAnalysis() Analysis {
	return Analysis{Summary: FallbackSummary, Findings: []AnalysisFinding{}}
}
