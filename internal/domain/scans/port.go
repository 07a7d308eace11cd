package scans

import (
	"context"
	"time"
)

// Registry port (persistence facade for Scan and ToolRun records).
// Every method is an atomic single-record operation.
type Registry interface {
	CreateScan(ctx context.Context, s *Scan) error
	// UpdateScanStatus fails with ErrInvalidTransition unless the stored
	// status is a valid predecessor of status.
	UpdateScanStatus(ctx context.Context, id ScanID, status ScanStatus, reason string) error
	// SetLocalPath records where the repository was cloned.
	SetLocalPath(ctx context.Context, id ScanID, path string) error
	// CreateToolRun fails with ErrToolRunActive when a RUNNING run already
	// exists for the same scan and tool.
	CreateToolRun(ctx context.Context, r *ToolRun) error
	// UpdateToolRun fails with ErrToolRunFinalized unless the run is RUNNING.
	UpdateToolRun(ctx context.Context, id ToolRunID, status ToolRunStatus, out *ToolRunOutput) error
	GetScan(ctx context.Context, id ScanID) (*Scan, error)
	ListScans(ctx context.Context, page, pageSize int) (PaginatedResult, error)
}

// Adapter wraps one external scanner. Invoke returns a normalized result or a
// *ToolExecutionError / *ToolOutputError. Zero findings is not an error.
type Adapter interface {
	Invoke(ctx context.Context, path string) (*NormalizedResult, error)
}

// Descriptor is configuration-time metadata for one adapter.
type Descriptor struct {
	Name        string
	Description string
	Timeout     time.Duration
	Adapter     Adapter
}

// Enricher annotates raw results. It always returns a usable analysis; the
// error only reports that the fallback was used.
type Enricher interface {
	Analyze(ctx context.Context, tool string, result *NormalizedResult) (Analysis, error)
}

// RepositoryProvider port (clone a repository into a local read-only directory)
type RepositoryProvider interface {
	Clone(ctx context.Context, url string, id ScanID) (string, error)
}

// ArtifactStore port (interface untuk penyimpanan artefak mentah)
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
