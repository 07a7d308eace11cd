package scans

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bryanwahyu/repo-guardian/internal/application"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
)

var ErrShuttingDown = errors.New("scan service is shutting down")

// Service implements use-cases untuk Scan. It is safe for concurrent use.
// Orchestrations run in the background; at most one runs per scan.
type Service struct {
	registry     domain.Registry
	repos        domain.RepositoryProvider
	orchestrator *Orchestrator
	clock        application.Clock
	newID        func() domain.ScanID
	log          *zap.Logger

	cleaner RepositoryCleaner

	base     context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	active   map[domain.ScanID]context.CancelFunc
	wg       sync.WaitGroup
	shutdown bool
}

// RepositoryCleaner deletes a scan's clone once it is no longer needed.
type RepositoryCleaner interface {
	Remove(id domain.ScanID) error
}

type ServiceOption func(*Service)

// WithCleanup removes the clone after a scan reaches a terminal status.
// Scans left RUNNING keep their clone so they can be resumed.
func WithCleanup(c RepositoryCleaner) ServiceOption {
	return func(s *Service) { s.cleaner = c }
}

func NewService(registry domain.Registry, repos domain.RepositoryProvider, orchestrator *Orchestrator, clock application.Clock, log *zap.Logger, opts ...ServiceOption) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	s := &Service{
		registry:     registry,
		repos:        repos,
		orchestrator: orchestrator,
		clock:        application.ClockOrSystem(clock),
		newID:        func() domain.ScanID { return domain.ScanID(uuid.NewString()) },
		log:          log,
		base:         base,
		stop:         stop,
		active:       make(map[domain.ScanID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

//
// ==== USE CASES ====
//

// StartScanCommand untuk trigger scan
type StartScanCommand struct {
	RepoURL string
}

type StartScanResult struct {
	ScanID  domain.ScanID     `json:"scan_id"`
	RepoURL string            `json:"repo_url"`
	Status  domain.ScanStatus `json:"status"`
	Path    string            `json:"path,omitempty"`
}

// StartScan creates the scan, clones the repository and hands the clone to a
// background orchestration. A clone failure fails the scan and is returned.
func (s *Service) StartScan(ctx context.Context, cmd StartScanCommand) (StartScanResult, error) {
	id := s.newID()
	res := StartScanResult{ScanID: id, RepoURL: cmd.RepoURL, Status: domain.ScanStatusCloning}

	if err := s.registry.CreateScan(ctx, &domain.Scan{
		ID:        id,
		Source:    cmd.RepoURL,
		Status:    domain.ScanStatusCloning,
		CreatedAt: s.clock.Now(),
	}); err != nil {
		return res, &domain.PersistenceError{Op: "create scan", Err: err}
	}
	log := s.log.With(zap.String("scan_id", string(id)), zap.String("repo_url", cmd.RepoURL))
	log.Info("cloning repository")

	path, err := s.repos.Clone(ctx, cmd.RepoURL, id)
	if err != nil {
		log.Warn("clone failed", zap.Error(err))
		res.Status = domain.ScanStatusFailed
		if ferr := s.fail(ctx, id, err.Error()); ferr != nil {
			log.Error("scan status write failed", zap.Error(ferr))
		}
		return res, err
	}
	res.Path = path

	if err := s.registry.SetLocalPath(ctx, id, path); err != nil {
		return s.abort(ctx, res, &domain.PersistenceError{Op: "set local path", Err: err})
	}
	if err := s.registry.UpdateScanStatus(ctx, id, domain.ScanStatusRunning, ""); err != nil {
		return s.abort(ctx, res, &domain.PersistenceError{Op: "update scan status", Err: err})
	}
	res.Status = domain.ScanStatusRunning

	if err := s.launch(id, func(ctx context.Context) error {
		return s.orchestrator.RunFullScan(ctx, id, path)
	}); err != nil {
		return s.abort(ctx, res, err)
	}
	log.Info("scan started", zap.String("path", path))
	return res, nil
}

// Resume restarts orchestration of a RUNNING scan in the background.
func (s *Service) Resume(ctx context.Context, id domain.ScanID) error {
	scan, err := s.registry.GetScan(ctx, id)
	if err != nil {
		return err
	}
	if scan.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrScanTerminal, id, scan.Status)
	}
	if scan.Status != domain.ScanStatusRunning {
		return fmt.Errorf("%w: cannot resume scan in %s", domain.ErrInvalidTransition, scan.Status)
	}
	return s.launch(id, func(ctx context.Context) error {
		return s.orchestrator.Resume(ctx, id)
	})
}

// Cancel stops the in-flight orchestration of id. The scan ends FAILED with
// reason "cancelled" once running tools have recorded their outcome.
func (s *Service) Cancel(id domain.ScanID) error {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrScanNotActive, id)
	}
	s.log.Info("cancelling scan", zap.String("scan_id", string(id)))
	cancel()
	return nil
}

// Active reports whether an orchestration for id is in flight.
func (s *Service) Active(id domain.ScanID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// Get ambil 1 scan by id
func (s *Service) Get(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	return s.registry.GetScan(ctx, id)
}

// List returns scans newest first, each with its tool runs.
func (s *Service) List(ctx context.Context, page, pageSize int) (domain.PaginatedResult, error) {
	page, pageSize = domain.NormalizePage(page, pageSize)
	return s.registry.ListScans(ctx, page, pageSize)
}

// Shutdown cancels every in-flight orchestration and waits for them to
// record their terminal state, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scans to stop: %w", ctx.Err())
	}
}

func (s *Service) launch(id domain.ScanID, run func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShuttingDown
	}
	if _, ok := s.active[id]; ok {
		return fmt.Errorf("%w: %s", domain.ErrScanActive, id)
	}

	ctx, cancel := context.WithCancel(s.base)
	s.active[id] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, id)
			s.mu.Unlock()
			cancel()
		}()
		if err := run(ctx); err != nil {
			s.log.Warn("scan orchestration ended with fault", zap.String("scan_id", string(id)), zap.Error(err))
		}
		s.cleanup(id)
	}()
	return nil
}

func (s *Service) cleanup(id domain.ScanID) {
	if s.cleaner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
	defer cancel()
	scan, err := s.registry.GetScan(ctx, id)
	if err != nil || !scan.Status.IsTerminal() {
		return
	}
	if err := s.cleaner.Remove(id); err != nil {
		s.log.Warn("clone cleanup failed", zap.String("scan_id", string(id)), zap.Error(err))
	}
}

// abort fails a scan that never reached orchestration.
func (s *Service) abort(ctx context.Context, res StartScanResult, err error) (StartScanResult, error) {
	if ferr := s.fail(ctx, res.ScanID, FailureReason(err)); ferr != nil {
		s.log.Error("scan status write failed", zap.String("scan_id", string(res.ScanID)), zap.Error(ferr))
	}
	res.Status = domain.ScanStatusFailed
	return res, err
}

func (s *Service) fail(ctx context.Context, id domain.ScanID, reason string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultWriteTimeout)
	defer cancel()
	return s.registry.UpdateScanStatus(ctx, id, domain.ScanStatusFailed, reason)
}
