package scans

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
	"github.com/bryanwahyu/repo-guardian/internal/infra/db/memory"
)

type fakeRepos struct {
	dir string
	err error
}

func (f fakeRepos) Clone(context.Context, string, domain.ScanID) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.dir, nil
}

func newService(t *testing.T, reg domain.Registry, repos domain.RepositoryProvider, tools ...domain.Descriptor) *Service {
	t.Helper()
	o := NewOrchestrator(reg, tools, staticEnricher{}, zap.NewNop())
	svc := NewService(reg, repos, o, nil, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func waitTerminal(t *testing.T, svc *Service, id domain.ScanID) *domain.Scan {
	t.Helper()
	var s *domain.Scan
	require.Eventually(t, func() bool {
		var err error
		s, err = svc.Get(context.Background(), id)
		return err == nil && s.Status.IsTerminal() && !svc.Active(id)
	}, 5*time.Second, 10*time.Millisecond)
	return s
}

func TestStartScan_RunsToCompletion(t *testing.T) {
	reg := memory.NewRegistry()
	dir := t.TempDir()
	svc := newService(t, reg, fakeRepos{dir: dir}, tool("alpha", found("alpha", 1)), tool("beta", found("beta", 0)))

	res, err := svc.StartScan(context.Background(), StartScanCommand{RepoURL: "https://github.com/acme/api"})
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusRunning, res.Status)
	assert.Equal(t, dir, res.Path)
	assert.NotEmpty(t, res.ScanID)

	s := waitTerminal(t, svc, res.ScanID)
	assert.Equal(t, domain.ScanStatusCompleted, s.Status)
	assert.Equal(t, dir, s.LocalPath)
	assert.Equal(t, "https://github.com/acme/api", s.Source)
	assert.Len(t, s.ToolRuns, 2)
}

func TestStartScan_CloneFailure(t *testing.T) {
	reg := memory.NewRegistry()
	alpha := &countingAdapter{next: found("alpha", 1)}
	cloneErr := &domain.CloneError{URL: "https://github.com/acme/private", Reason: domain.CloneReasonAuth, Err: errors.New("terminal prompts disabled")}
	svc := newService(t, reg, fakeRepos{err: cloneErr}, tool("alpha", alpha))

	res, err := svc.StartScan(context.Background(), StartScanCommand{RepoURL: "https://github.com/acme/private"})
	var got *domain.CloneError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, domain.CloneReasonAuth, got.Reason)
	assert.Equal(t, domain.ScanStatusFailed, res.Status)

	s, err := svc.Get(context.Background(), res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusFailed, s.Status)
	assert.Contains(t, s.FailureReason, "auth")
	assert.Empty(t, s.ToolRuns)
	assert.Zero(t, alpha.calls.Load())
}

func TestCancel_FailsScan(t *testing.T) {
	reg := memory.NewRegistry()
	started := make(chan struct{})
	svc := newService(t, reg, fakeRepos{dir: t.TempDir()}, tool("alpha", blocking(started)), tool("beta", found("beta", 1)))

	res, err := svc.StartScan(context.Background(), StartScanCommand{RepoURL: "https://github.com/acme/api"})
	require.NoError(t, err)
	<-started
	require.NoError(t, svc.Cancel(res.ScanID))

	s := waitTerminal(t, svc, res.ScanID)
	assert.Equal(t, domain.ScanStatusFailed, s.Status)
	assert.Equal(t, "cancelled", s.FailureReason)
	require.Len(t, s.ToolRuns, 1)
	assert.Equal(t, domain.FailureKindCancelled, s.ToolRuns[0].Output.Kind)

	assert.ErrorIs(t, svc.Cancel(res.ScanID), domain.ErrScanNotActive)
}

func TestResume_SingleFlight(t *testing.T) {
	reg := memory.NewRegistry()
	started := make(chan struct{})
	svc := newService(t, reg, fakeRepos{dir: t.TempDir()}, tool("alpha", blocking(started)))

	res, err := svc.StartScan(context.Background(), StartScanCommand{RepoURL: "https://github.com/acme/api"})
	require.NoError(t, err)
	<-started

	assert.ErrorIs(t, svc.Resume(context.Background(), res.ScanID), domain.ErrScanActive)

	require.NoError(t, svc.Cancel(res.ScanID))
	waitTerminal(t, svc, res.ScanID)
	assert.ErrorIs(t, svc.Resume(context.Background(), res.ScanID), domain.ErrScanTerminal)
	assert.ErrorIs(t, svc.Resume(context.Background(), "missing"), domain.ErrScanNotFound)
}

func TestShutdown_StopsInFlightScans(t *testing.T) {
	reg := memory.NewRegistry()
	started := make(chan struct{})
	o := NewOrchestrator(reg, []domain.Descriptor{tool("alpha", blocking(started))}, staticEnricher{}, zap.NewNop())
	svc := NewService(reg, fakeRepos{dir: t.TempDir()}, o, nil, zap.NewNop())

	res, err := svc.StartScan(context.Background(), StartScanCommand{RepoURL: "https://github.com/acme/api"})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	s, err := svc.Get(context.Background(), res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusFailed, s.Status)
	assert.Equal(t, domain.ToolRunStatusFailed, s.ToolRuns[0].Status)

	_, err = svc.StartScan(context.Background(), StartScanCommand{RepoURL: "https://github.com/acme/api"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestList_NewestFirst(t *testing.T) {
	reg := memory.NewRegistry()
	svc := newService(t, reg, fakeRepos{dir: t.TempDir()})
	var ids []domain.ScanID
	for i := 0; i < 3; i++ {
		res, err := svc.StartScan(context.Background(), StartScanCommand{RepoURL: "https://github.com/acme/api"})
		require.NoError(t, err)
		waitTerminal(t, svc, res.ScanID)
		ids = append(ids, res.ScanID)
	}

	page, err := svc.List(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Data, 2)
	assert.Equal(t, ids[2], page.Data[0].ID)
	assert.Equal(t, ids[1], page.Data[1].ID)
}

type recordingCleaner struct {
	mu      sync.Mutex
	removed []domain.ScanID
}

func (c *recordingCleaner) Remove(id domain.ScanID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, id)
	return nil
}

func (c *recordingCleaner) ids() []domain.ScanID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ScanID(nil), c.removed...)
}

func TestStartScan_RemovesCloneWhenTerminal(t *testing.T) {
	reg := memory.NewRegistry()
	cleaner := &recordingCleaner{}
	o := NewOrchestrator(reg, []domain.Descriptor{tool("alpha", found("alpha", 1))}, staticEnricher{}, zap.NewNop())
	svc := NewService(reg, fakeRepos{dir: t.TempDir()}, o, nil, zap.NewNop(), WithCleanup(cleaner))

	res, err := svc.StartScan(context.Background(), StartScanCommand{RepoURL: "https://github.com/acme/api"})
	require.NoError(t, err)
	waitTerminal(t, svc, res.ScanID)

	require.NoError(t, svc.Shutdown(context.Background()))
	assert.Equal(t, []domain.ScanID{res.ScanID}, cleaner.ids())
}
