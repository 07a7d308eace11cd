package scans

import "fmt"

// ScanStatus is the lifecycle state of a Scan. Progression is forward only.
type ScanStatus string

const (
	ScanStatusCloning   ScanStatus = "CLONING"
	ScanStatusRunning   ScanStatus = "RUNNING"
	ScanStatusCompleted ScanStatus = "COMPLETED"
	ScanStatusFailed    ScanStatus = "FAILED"
)

func (s ScanStatus) String() string { return string(s) }

// IsTerminal reports whether no further transition is possible.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s ScanStatus) ValidateTransition(target ScanStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: scan %s to %s", ErrInvalidTransition, s, target)
	}
	return nil
}

func (s ScanStatus) isValidTransition(target ScanStatus) bool {
	switch s {
	case ScanStatusCloning:
		return target == ScanStatusRunning || target == ScanStatusFailed
	case ScanStatusRunning:
		return target == ScanStatusCompleted || target == ScanStatusFailed
	default:
		return false
	}
}

// Predecessors returns the statuses from which target may be entered.
// Registries use it to build conditional updates.
func (s ScanStatus) Predecessors() []ScanStatus {
	var out []ScanStatus
	for _, from := range []ScanStatus{ScanStatusCloning, ScanStatusRunning, ScanStatusCompleted, ScanStatusFailed} {
		if from.isValidTransition(s) {
			out = append(out, from)
		}
	}
	return out
}

// ParseScanStatus converts a stored string to a ScanStatus.
func ParseScanStatus(s string) ScanStatus {
	switch s {
	case "CLONING":
		return ScanStatusCloning
	case "RUNNING":
		return ScanStatusRunning
	case "COMPLETED":
		return ScanStatusCompleted
	case "FAILED":
		return ScanStatusFailed
	default:
		return ""
	}
}

// ToolRunStatus is the lifecycle state of one tool invocation.
type ToolRunStatus string

const (
	ToolRunStatusRunning   ToolRunStatus = "RUNNING"
	ToolRunStatusCompleted ToolRunStatus = "COMPLETED"
	ToolRunStatusFailed    ToolRunStatus = "FAILED"
)

func (s ToolRunStatus) String() string { return string(s) }

// IsTerminal reports whether the run has finished.
func (s ToolRunStatus) IsTerminal() bool {
	return s == ToolRunStatusCompleted || s == ToolRunStatusFailed
}

// ValidateTransition allows exactly one move, from RUNNING to a terminal state.
func (s ToolRunStatus) ValidateTransition(target ToolRunStatus) error {
	if s != ToolRunStatusRunning || !target.IsTerminal() {
		return fmt.Errorf("%w: tool run %s to %s", ErrToolRunFinalized, s, target)
	}
	return nil
}

// ParseToolRunStatus converts a stored string to a ToolRunStatus.
func ParseToolRunStatus(s string) ToolRunStatus {
	switch s {
	case "RUNNING":
		return ToolRunStatusRunning
	case "COMPLETED":
		return ToolRunStatusCompleted
	case "FAILED":
		return ToolRunStatusFailed
	default:
		return ""
	}
}
