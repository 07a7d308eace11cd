// Package memory is an in-process Registry for tests and single-run use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
)

type Registry struct {
	mu    sync.RWMutex
	scans map[domain.ScanID]*domain.Scan
	runs  map[domain.ToolRunID]*domain.ToolRun
	order []domain.ScanID
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		scans: make(map[domain.ScanID]*domain.Scan),
		runs:  make(map[domain.ToolRunID]*domain.ToolRun),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) CreateScan(_ context.Context, s *domain.Scan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scans[s.ID]; ok {
		return fmt.Errorf("scan %s already exists", s.ID)
	}
	cp := *s
	cp.ToolRuns = nil
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.now()
	}
	r.scans[s.ID] = &cp
	r.order = append(r.order, s.ID)
	return nil
}

func (r *Registry) UpdateScanStatus(_ context.Context, id domain.ScanID, status domain.ScanStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scans[id]
	if !ok {
		return domain.ErrScanNotFound
	}
	if err := s.Status.ValidateTransition(status); err != nil {
		return err
	}
	s.Status = status
	if reason != "" {
		s.FailureReason = reason
	}
	if status.IsTerminal() {
		t := r.now()
		s.CompletedAt = &t
	}
	return nil
}

func (r *Registry) SetLocalPath(_ context.Context, id domain.ScanID, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scans[id]
	if !ok {
		return domain.ErrScanNotFound
	}
	s.LocalPath = path
	return nil
}

func (r *Registry) CreateToolRun(_ context.Context, run *domain.ToolRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scans[run.ScanID]; !ok {
		return domain.ErrScanNotFound
	}
	for _, existing := range r.runs {
		if existing.ScanID == run.ScanID && existing.ToolName == run.ToolName && existing.Status == domain.ToolRunStatusRunning {
			return fmt.Errorf("%w: %s", domain.ErrToolRunActive, run.ToolName)
		}
	}
	cp := *run
	if cp.StartedAt.IsZero() {
		cp.StartedAt = r.now()
	}
	r.runs[run.ID] = &cp
	return nil
}

func (r *Registry) UpdateToolRun(_ context.Context, id domain.ToolRunID, status domain.ToolRunStatus, out *domain.ToolRunOutput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("tool run %s not found", id)
	}
	if err := run.Status.ValidateTransition(status); err != nil {
		return err
	}
	run.Status = status
	run.Output = out
	t := r.now()
	run.FinishedAt = &t
	return nil
}

func (r *Registry) GetScan(_ context.Context, id domain.ScanID) (*domain.Scan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scans[id]
	if !ok {
		return nil, domain.ErrScanNotFound
	}
	return r.snapshot(s), nil
}

func (r *Registry) ListScans(_ context.Context, page, pageSize int) (domain.PaginatedResult, error) {
	page, pageSize = domain.NormalizePage(page, pageSize)
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.order)
	out := make([]*domain.Scan, 0, pageSize)
	// newest first
	for i := total - 1 - (page-1)*pageSize; i >= 0 && len(out) < pageSize; i-- {
		out = append(out, r.snapshot(r.scans[r.order[i]]))
	}
	return domain.NewPaginatedResult(out, page, pageSize, int64(total)), nil
}

// snapshot copies a scan with its runs ordered by seq then start time.
func (r *Registry) snapshot(s *domain.Scan) *domain.Scan {
	cp := *s
	cp.ToolRuns = []*domain.ToolRun{}
	for _, run := range r.runs {
		if run.ScanID == s.ID {
			rc := *run
			cp.ToolRuns = append(cp.ToolRuns, &rc)
		}
	}
	sort.SliceStable(cp.ToolRuns, func(i, j int) bool {
		a, b := cp.ToolRuns[i], cp.ToolRuns[j]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.StartedAt.Before(b.StartedAt)
	})
	return &cp
}
