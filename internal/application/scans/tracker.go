package scans

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bryanwahyu/repo-guardian/internal/application"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
)

const DefaultWriteTimeout = 10 * time.Second

// Tracker owns the lifecycle of individual ToolRun records. Every call is a
// synchronous write; store failures come back as *PersistenceError.
type Tracker struct {
	registry     domain.Registry
	clock        application.Clock
	writeTimeout time.Duration
	newID        func() domain.ToolRunID
}

func NewTracker(registry domain.Registry, clock application.Clock, writeTimeout time.Duration) *Tracker {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Tracker{
		registry:     registry,
		clock:        application.ClockOrSystem(clock),
		writeTimeout: writeTimeout,
		newID:        func() domain.ToolRunID { return domain.ToolRunID(uuid.NewString()) },
	}
}

// Open records a RUNNING tool run for tool at position seq.
func (t *Tracker) Open(ctx context.Context, scanID domain.ScanID, tool string, seq int) (*domain.ToolRun, error) {
	run := &domain.ToolRun{
		ID:        t.newID(),
		ScanID:    scanID,
		ToolName:  tool,
		Seq:       seq,
		Status:    domain.ToolRunStatusRunning,
		StartedAt: t.clock.Now(),
	}
	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	if err := t.registry.CreateToolRun(ctx, run); err != nil {
		return nil, persistence("open tool run", err)
	}
	return run, nil
}

// Complete finalizes a run with its normalized result and analysis.
func (t *Tracker) Complete(ctx context.Context, id domain.ToolRunID, raw *domain.NormalizedResult, analysis domain.Analysis, artifactURL string) error {
	out := &domain.ToolRunOutput{Raw: raw, Analysis: &analysis, ArtifactURL: artifactURL}
	return t.finalize(ctx, id, domain.ToolRunStatusCompleted, out, "complete tool run")
}

// Fail finalizes a run with the structured form of toolErr.
func (t *Tracker) Fail(ctx context.Context, id domain.ToolRunID, toolErr error) error {
	return t.finalize(ctx, id, domain.ToolRunStatusFailed, domain.FailureFromError(toolErr), "fail tool run")
}

// Interrupt fails a run left RUNNING by an orchestration that did not finish.
func (t *Tracker) Interrupt(ctx context.Context, id domain.ToolRunID) error {
	out := &domain.ToolRunOutput{
		Error: "tool run interrupted before completion",
		Kind:  domain.FailureKindInterrupted,
	}
	return t.finalize(ctx, id, domain.ToolRunStatusFailed, out, "interrupt tool run")
}

// finalize writes on a context detached from orchestration cancellation so a
// cancelled scan still records its terminal states.
func (t *Tracker) finalize(ctx context.Context, id domain.ToolRunID, status domain.ToolRunStatus, out *domain.ToolRunOutput, op string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.writeTimeout)
	defer cancel()
	if err := t.registry.UpdateToolRun(ctx, id, status, out); err != nil {
		return persistence(op, err)
	}
	return nil
}

// persistence wraps store failures. Double finalization is a caller bug, not
// a store failure, and is passed through.
func persistence(op string, err error) error {
	if errors.Is(err, domain.ErrToolRunFinalized) {
		return err
	}
	return &domain.PersistenceError{Op: op, Err: err}
}
