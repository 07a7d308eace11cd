package scans

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrScanNotFound          = errors.New("scan not found")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrToolRunFinalized      = errors.New("tool run already finalized")
	ErrToolRunActive         = errors.New("tool run already active for this tool")
	ErrScanTerminal          = errors.New("scan already finished")
	ErrScanActive            = errors.New("scan orchestration already in progress")
	ErrScanNotActive         = errors.New("scan orchestration not in progress")
	ErrInvalidRepositoryPath = errors.New("invalid repository path")
	ErrEnrichmentDisabled    = errors.New("enrichment disabled")
)

// Failure kinds recorded on a FAILED ToolRun.
const (
	FailureKindExecution   = "execution"
	FailureKindTimeout     = "timeout"
	FailureKindCancelled   = "cancelled"
	FailureKindOutput      = "output"
	FailureKindInterrupted = "interrupted"
)

// CloneError reasons.
const (
	CloneReasonAuth     = "auth"
	CloneReasonNotFound = "not_found"
	CloneReasonNetwork  = "network"
	CloneReasonUnknown  = "unknown"
)

// CloneError means the repository could not be fetched. It is fatal to the scan.
type CloneError struct {
	URL    string
	Reason string
	Err    error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("clone %s failed (%s): %v", e.URL, e.Reason, e.Err)
}

func (e *CloneError) Unwrap() error { return e.Err }

// ToolExecutionError means the scanner process could not run to an accepted exit.
type ToolExecutionError struct {
	Tool      string
	ExitCode  int
	Stderr    string
	Timeout   bool
	Cancelled bool
	Err       error
}

func (e *ToolExecutionError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s timed out", e.Tool)
	case e.Cancelled:
		return fmt.Sprintf("%s cancelled", e.Tool)
	case e.ExitCode != 0:
		msg := strings.TrimSpace(e.Stderr)
		if msg == "" && e.Err != nil {
			msg = e.Err.Error()
		}
		return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, msg)
	default:
		return fmt.Sprintf("%s execution failed: %v", e.Tool, e.Err)
	}
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ToolOutputError means the process succeeded but its output is unintelligible.
type ToolOutputError struct {
	Tool    string
	Preview string
	Err     error
}

func (e *ToolOutputError) Error() string {
	return fmt.Sprintf("%s output could not be parsed: %v", e.Tool, e.Err)
}

func (e *ToolOutputError) Unwrap() error { return e.Err }

// EnrichmentError is absorbed into a fallback analysis; it never fails a tool run.
type EnrichmentError struct {
	Tool string
	Err  error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrichment for %s failed: %v", e.Tool, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

// PersistenceError means a registry write failed. It stops the orchestration loop.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// FailureFromError converts a tool-level error into the FAILED output envelope.
func FailureFromError(err error) *ToolRunOutput {
	out := &ToolRunOutput{Error: err.Error(), Kind: FailureKindExecution}

	var execErr *ToolExecutionError
	var outErr *ToolOutputError
	switch {
	case errors.As(err, &execErr):
		switch {
		case execErr.Timeout:
			out.Kind = FailureKindTimeout
		case execErr.Cancelled:
			out.Kind = FailureKindCancelled
		}
		out.Stack = tail(execErr.Stderr, maxStackBytes)
	case errors.As(err, &outErr):
		out.Kind = FailureKindOutput
		out.Stack = outErr.Preview
	}
	return out
}

const maxStackBytes = 4096

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
