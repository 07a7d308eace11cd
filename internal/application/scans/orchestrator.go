package scans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/repo-guardian/internal/application"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
)

// Metrics receives scan and tool run outcomes.
type Metrics interface {
	ScanStarted()
	ScanFinished(status string)
	ToolRunFinished(tool, status string, d time.Duration)
	EnrichmentFallback(tool string)
}

type nopMetrics struct{}

func (nopMetrics) ScanStarted()                                  {}
func (nopMetrics) ScanFinished(string)                           {}
func (nopMetrics) ToolRunFinished(string, string, time.Duration) {}
func (nopMetrics) EnrichmentFallback(string)                     {}

// Orchestrator runs every configured tool against one cloned repository and
// drives the Scan to a terminal status. A tool failure is recorded on its own
// ToolRun and never stops the remaining tools.
type Orchestrator struct {
	registry     domain.Registry
	tracker      *Tracker
	tools        []domain.Descriptor
	enricher     domain.Enricher
	artifacts    domain.ArtifactStore
	concurrency  int
	writeTimeout time.Duration
	clock        application.Clock
	metrics      Metrics
	tracer       trace.Tracer
	log          *zap.Logger
}

type Option func(*Orchestrator)

func WithArtifactStore(s domain.ArtifactStore) Option {
	return func(o *Orchestrator) { o.artifacts = s }
}

// WithConcurrency sets the tool pool size. 1 runs tools sequentially.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

func WithClock(c application.Clock) Option {
	return func(o *Orchestrator) { o.clock = application.ClockOrSystem(c) }
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// NewOrchestrator copies tools; later changes to the caller's slice have no
// effect.
func NewOrchestrator(registry domain.Registry, tools []domain.Descriptor, enricher domain.Enricher, log *zap.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{
		registry:     registry,
		tools:        append([]domain.Descriptor(nil), tools...),
		enricher:     enricher,
		concurrency:  1,
		writeTimeout: DefaultWriteTimeout,
		clock:        application.SystemClock{},
		metrics:      nopMetrics{},
		tracer:       noop.NewTracerProvider().Tracer(""),
		log:          log,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.tracker = NewTracker(registry, o.clock, o.writeTimeout)
	return o
}

// Tools returns the configured descriptors in execution order.
func (o *Orchestrator) Tools() []domain.Descriptor {
	return append([]domain.Descriptor(nil), o.tools...)
}

// job is one descriptor with its configured position.
type job struct {
	seq  int
	tool domain.Descriptor
}

// RunFullScan runs all tools against path and finalizes the scan. It returns
// nil when the scan completed, or the orchestration fault that failed it.
func (o *Orchestrator) RunFullScan(ctx context.Context, scanID domain.ScanID, path string) error {
	ctx, span := o.tracer.Start(ctx, "scan.run", trace.WithAttributes(
		attribute.String("scan_id", string(scanID)),
		attribute.Int("tools", len(o.tools)),
	))
	defer span.End()

	scan, err := o.load(ctx, scanID)
	if err != nil {
		return spanError(span, err)
	}
	o.metrics.ScanStarted()

	if err := checkPath(path); err != nil {
		return spanError(span, o.finish(ctx, scanID, err))
	}
	if scan.Status == domain.ScanStatusCloning {
		if err := o.updateScan(ctx, scanID, domain.ScanStatusRunning, ""); err != nil {
			return spanError(span, o.finish(ctx, scanID, err))
		}
	}

	jobs := make([]job, len(o.tools))
	for i, t := range o.tools {
		jobs[i] = job{seq: i, tool: t}
	}
	return spanError(span, o.execute(ctx, scanID, path, jobs))
}

// Resume continues a RUNNING scan whose orchestration stopped early. Runs
// left RUNNING are failed as interrupted, and every tool without a COMPLETED
// run gets a new run.
func (o *Orchestrator) Resume(ctx context.Context, scanID domain.ScanID) error {
	ctx, span := o.tracer.Start(ctx, "scan.resume", trace.WithAttributes(
		attribute.String("scan_id", string(scanID)),
	))
	defer span.End()

	scan, err := o.load(ctx, scanID)
	if err != nil {
		return spanError(span, err)
	}
	if scan.Status != domain.ScanStatusRunning {
		return spanError(span, fmt.Errorf("%w: cannot resume scan in %s", domain.ErrInvalidTransition, scan.Status))
	}
	o.metrics.ScanStarted()

	if err := checkPath(scan.LocalPath); err != nil {
		return spanError(span, o.finish(ctx, scanID, err))
	}

	completed := make(map[string]bool)
	for _, run := range scan.ToolRuns {
		switch run.Status {
		case domain.ToolRunStatusCompleted:
			completed[run.ToolName] = true
		case domain.ToolRunStatusRunning:
			if err := o.tracker.Interrupt(ctx, run.ID); err != nil {
				return spanError(span, o.finish(ctx, scanID, err))
			}
			o.log.Info("stale tool run interrupted",
				zap.String("scan_id", string(scanID)),
				zap.String("tool_run_id", string(run.ID)),
				zap.String("tool", run.ToolName),
			)
		}
	}

	var jobs []job
	for i, t := range o.tools {
		if !completed[t.Name] {
			jobs = append(jobs, job{seq: i, tool: t})
		}
	}
	span.SetAttributes(attribute.Int("pending_tools", len(jobs)))
	return spanError(span, o.execute(ctx, scanID, scan.LocalPath, jobs))
}

func (o *Orchestrator) load(ctx context.Context, scanID domain.ScanID) (*domain.Scan, error) {
	scan, err := o.registry.GetScan(ctx, scanID)
	if err != nil {
		if errors.Is(err, domain.ErrScanNotFound) {
			return nil, err
		}
		return nil, &domain.PersistenceError{Op: "load scan", Err: err}
	}
	if scan.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrScanTerminal, scanID, scan.Status)
	}
	return scan, nil
}

// execute runs jobs and finalizes the scan after the last terminal tool write.
func (o *Orchestrator) execute(ctx context.Context, scanID domain.ScanID, path string, jobs []job) error {
	var fault error
	if o.concurrency <= 1 {
		for _, j := range jobs {
			if err := ctx.Err(); err != nil {
				fault = err
				break
			}
			if err := o.runTool(ctx, scanID, path, j); err != nil {
				fault = err
				break
			}
		}
	} else {
		fault = o.executePool(ctx, scanID, path, jobs)
	}
	if fault == nil {
		fault = ctx.Err()
	}
	return o.finish(ctx, scanID, fault)
}

// executePool runs jobs on a bounded pool. A fault stops new tools from
// starting; tools already running finish and record their outcome.
func (o *Orchestrator) executePool(ctx context.Context, scanID domain.ScanID, path string, jobs []job) error {
	var aborted atomic.Bool
	g := new(errgroup.Group)
	g.SetLimit(o.concurrency)

	for _, j := range jobs {
		if aborted.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if aborted.Load() || ctx.Err() != nil {
				return nil
			}
			if err := o.runTool(ctx, scanID, path, j); err != nil {
				aborted.Store(true)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// runTool executes one tool end to end. Only orchestration faults are
// returned; tool and enrichment failures are recorded on the run.
func (o *Orchestrator) runTool(ctx context.Context, scanID domain.ScanID, path string, j job) error {
	name := j.tool.Name
	ctx, span := o.tracer.Start(ctx, "scan.tool", trace.WithAttributes(
		attribute.String("scan_id", string(scanID)),
		attribute.String("tool", name),
		attribute.Int("seq", j.seq),
	))
	defer span.End()

	start := o.clock.Now()
	run, err := o.tracker.Open(ctx, scanID, name, j.seq)
	if err != nil {
		return spanError(span, err)
	}
	log := o.log.With(
		zap.String("scan_id", string(scanID)),
		zap.String("tool_run_id", string(run.ID)),
		zap.String("tool", name),
	)
	log.Info("tool started")

	result, err := o.invoke(ctx, j.tool, path)
	if err != nil {
		log.Warn("tool failed", zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		if ferr := o.tracker.Fail(ctx, run.ID, err); ferr != nil {
			return spanError(span, ferr)
		}
		o.metrics.ToolRunFinished(name, string(domain.ToolRunStatusFailed), o.clock.Now().Sub(start))
		return nil
	}

	artifactURL := o.upload(ctx, scanID, j, run.ID, result, log)
	analysis := o.analyze(ctx, name, result, log)

	if err := o.tracker.Complete(ctx, run.ID, result, analysis, artifactURL); err != nil {
		return spanError(span, err)
	}
	o.metrics.ToolRunFinished(name, string(domain.ToolRunStatusCompleted), o.clock.Now().Sub(start))
	log.Info("tool completed",
		zap.Int("findings", len(result.Findings)),
		zap.Int("critical", result.Counts.Critical),
		zap.Int("high", result.Counts.High),
	)
	return nil
}

// invoke calls the adapter under the descriptor timeout. Panics and bare
// context errors are turned into a *ToolExecutionError.
func (o *Orchestrator) invoke(ctx context.Context, d domain.Descriptor, path string) (result *domain.NormalizedResult, err error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &domain.ToolExecutionError{
				Tool:   d.Name,
				Stderr: string(debug.Stack()),
				Err:    fmt.Errorf("adapter panic: %v", r),
			}
		}
	}()

	result, err = d.Adapter.Invoke(ctx, path)
	if err != nil {
		var execErr *domain.ToolExecutionError
		var outErr *domain.ToolOutputError
		if !errors.As(err, &execErr) && !errors.As(err, &outErr) && ctx.Err() != nil {
			err = &domain.ToolExecutionError{
				Tool:      d.Name,
				Timeout:   errors.Is(ctx.Err(), context.DeadlineExceeded),
				Cancelled: errors.Is(ctx.Err(), context.Canceled),
				Err:       err,
			}
		}
		return nil, err
	}
	if result == nil {
		return nil, &domain.ToolOutputError{Tool: d.Name, Err: errors.New("adapter returned no result")}
	}
	if result.Findings == nil {
		result.Findings = []json.RawMessage{}
	}
	// the run record stores the result as JSON; an unencodable result is the
	// tool's failure, not the store's
	if _, err := json.Marshal(result); err != nil {
		return nil, &domain.ToolOutputError{
			Tool:    d.Name,
			Preview: preview(result.RawOutput),
			Err:     fmt.Errorf("encode result: %w", err),
		}
	}
	return result, nil
}

const previewBytes = 200

func preview(b []byte) string {
	if len(b) > previewBytes {
		b = b[:previewBytes]
	}
	return string(b)
}

// upload stores the raw payload. It is best effort: failures leave the URL
// empty and never fail the run. The put is bounded by the write timeout.
func (o *Orchestrator) upload(ctx context.Context, scanID domain.ScanID, j job, runID domain.ToolRunID, result *domain.NormalizedResult, log *zap.Logger) string {
	if o.artifacts == nil {
		return ""
	}
	data := []byte(result.RawOutput)
	if len(data) == 0 {
		var err error
		if data, err = json.Marshal(result); err != nil {
			log.Warn("artifact marshal failed", zap.Error(err))
			return ""
		}
	}
	key := fmt.Sprintf("scans/%s/%d-%s-%s.json", scanID, j.seq, j.tool.Name, runID)
	ctx, cancel := context.WithTimeout(ctx, o.writeTimeout)
	defer cancel()
	url, err := o.artifacts.Put(ctx, key, data, "application/json")
	if err != nil {
		log.Warn("artifact upload failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	return url
}

func (o *Orchestrator) analyze(ctx context.Context, tool string, result *domain.NormalizedResult, log *zap.Logger) domain.Analysis {
	if o.enricher == nil {
		o.metrics.EnrichmentFallback(tool)
		return domain.FallbackAnalysis()
	}
	analysis, err := o.enricher.Analyze(ctx, tool, result)
	if err != nil {
		o.metrics.EnrichmentFallback(tool)
		if errors.Is(err, domain.ErrEnrichmentDisabled) {
			log.Debug("enrichment disabled")
		} else {
			log.Warn("enrichment fell back", zap.Error(err))
		}
	}
	if analysis.Summary == "" {
		return domain.FallbackAnalysis()
	}
	return analysis
}

// finish writes the scan's terminal status: COMPLETED without a fault,
// FAILED with the fault's reason otherwise. It returns the fault.
func (o *Orchestrator) finish(ctx context.Context, scanID domain.ScanID, fault error) error {
	status, reason := domain.ScanStatusCompleted, ""
	if fault != nil {
		status, reason = domain.ScanStatusFailed, FailureReason(fault)
	}
	if err := o.updateScan(ctx, scanID, status, reason); err != nil {
		o.log.Error("scan status write failed",
			zap.String("scan_id", string(scanID)),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		if fault == nil {
			fault = err
		}
		status = domain.ScanStatusFailed
	}
	o.metrics.ScanFinished(string(status))

	fields := []zap.Field{zap.String("scan_id", string(scanID)), zap.String("status", string(status))}
	if fault != nil {
		o.log.Warn("scan finished", append(fields, zap.String("reason", reason), zap.Error(fault))...)
	} else {
		o.log.Info("scan finished", fields...)
	}
	return fault
}

func (o *Orchestrator) updateScan(ctx context.Context, scanID domain.ScanID, status domain.ScanStatus, reason string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.writeTimeout)
	defer cancel()
	if err := o.registry.UpdateScanStatus(ctx, scanID, status, reason); err != nil {
		return &domain.PersistenceError{Op: "update scan status", Err: err}
	}
	return nil
}

// FailureReason is the failure_reason recorded for an orchestration fault.
func FailureReason(err error) string {
	var perr *domain.PersistenceError
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	case errors.Is(err, domain.ErrInvalidRepositoryPath):
		return domain.ErrInvalidRepositoryPath.Error()
	case errors.As(err, &perr):
		return "persistence failure: " + perr.Error()
	default:
		return err.Error()
	}
}

func checkPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", domain.ErrInvalidRepositoryPath)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRepositoryPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", domain.ErrInvalidRepositoryPath, path)
	}
	return nil
}

func spanError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
