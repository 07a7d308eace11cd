// Package registrytest holds behaviour every scans.Registry must satisfy.
package registrytest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
)

// Run exercises a fresh registry from newRegistry in each subtest.
func Run(t *testing.T, newRegistry func(t *testing.T) domain.Registry) {
	t.Run("scan transitions", func(t *testing.T) { testScanTransitions(t, newRegistry(t)) })
	t.Run("clone failure", func(t *testing.T) { testCloneFailure(t, newRegistry(t)) })
	t.Run("missing scan", func(t *testing.T) { testMissingScan(t, newRegistry(t)) })
	t.Run("tool run finalizes once", func(t *testing.T) { testToolRunOnce(t, newRegistry(t)) })
	t.Run("one running run per tool", func(t *testing.T) { testRunningUnique(t, newRegistry(t)) })
	t.Run("concurrent finalize", func(t *testing.T) { testConcurrentFinalize(t, newRegistry(t)) })
	t.Run("list newest first", func(t *testing.T) { testList(t, newRegistry(t)) })
	t.Run("output round trip", func(t *testing.T) { testOutput(t, newRegistry(t)) })
}

func newScan(t *testing.T, r domain.Registry, id domain.ScanID, created time.Time) {
	t.Helper()
	require.NoError(t, r.CreateScan(context.Background(), &domain.Scan{
		ID:        id,
		Source:    "https://github.com/acme/" + string(id),
		Status:    domain.ScanStatusCloning,
		CreatedAt: created,
	}))
}

func newRun(t *testing.T, r domain.Registry, scanID domain.ScanID, id domain.ToolRunID, tool string, seq int) {
	t.Helper()
	require.NoError(t, r.CreateToolRun(context.Background(), &domain.ToolRun{
		ID:        id,
		ScanID:    scanID,
		ToolName:  tool,
		Seq:       seq,
		Status:    domain.ToolRunStatusRunning,
		StartedAt: time.Now().UTC(),
	}))
}

func testScanTransitions(t *testing.T, r domain.Registry) {
	ctx := context.Background()
	newScan(t, r, "s1", time.Now().UTC())

	assert.ErrorIs(t, r.UpdateScanStatus(ctx, "s1", domain.ScanStatusCompleted, ""), domain.ErrInvalidTransition)
	require.NoError(t, r.UpdateScanStatus(ctx, "s1", domain.ScanStatusRunning, ""))
	require.NoError(t, r.SetLocalPath(ctx, "s1", "/tmp/repo-scans/scan-s1"))
	require.NoError(t, r.UpdateScanStatus(ctx, "s1", domain.ScanStatusCompleted, ""))
	assert.ErrorIs(t, r.UpdateScanStatus(ctx, "s1", domain.ScanStatusFailed, "late"), domain.ErrInvalidTransition)
	assert.ErrorIs(t, r.UpdateScanStatus(ctx, "s1", domain.ScanStatusRunning, ""), domain.ErrInvalidTransition)

	s, err := r.GetScan(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusCompleted, s.Status)
	assert.Equal(t, "/tmp/repo-scans/scan-s1", s.LocalPath)
	assert.NotNil(t, s.CompletedAt)
	assert.NotNil(t, s.ToolRuns)
}

func testCloneFailure(t *testing.T, r domain.Registry) {
	ctx := context.Background()
	newScan(t, r, "s1", time.Now().UTC())

	require.NoError(t, r.UpdateScanStatus(ctx, "s1", domain.ScanStatusFailed, "clone failed: auth"))

	s, err := r.GetScan(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusFailed, s.Status)
	assert.Equal(t, "clone failed: auth", s.FailureReason)
	assert.Empty(t, s.ToolRuns)
}

func testMissingScan(t *testing.T, r domain.Registry) {
	ctx := context.Background()
	_, err := r.GetScan(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrScanNotFound)
	assert.ErrorIs(t, r.UpdateScanStatus(ctx, "nope", domain.ScanStatusRunning, ""), domain.ErrScanNotFound)
}

func testToolRunOnce(t *testing.T, r domain.Registry) {
	ctx := context.Background()
	newScan(t, r, "s1", time.Now().UTC())
	newRun(t, r, "s1", "r1", "trivy", 0)

	require.NoError(t, r.UpdateToolRun(ctx, "r1", domain.ToolRunStatusCompleted, &domain.ToolRunOutput{Analysis: &domain.Analysis{Summary: "ok"}}))
	err := r.UpdateToolRun(ctx, "r1", domain.ToolRunStatusFailed, &domain.ToolRunOutput{Error: "late"})
	assert.ErrorIs(t, err, domain.ErrToolRunFinalized)

	s, err := r.GetScan(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, s.ToolRuns, 1)
	assert.Equal(t, domain.ToolRunStatusCompleted, s.ToolRuns[0].Status)
	require.NotNil(t, s.ToolRuns[0].Output)
	assert.Equal(t, "ok", s.ToolRuns[0].Output.Analysis.Summary)
	assert.Empty(t, s.ToolRuns[0].Output.Error)
}

func testRunningUnique(t *testing.T, r domain.Registry) {
	ctx := context.Background()
	newScan(t, r, "s1", time.Now().UTC())
	newRun(t, r, "s1", "r1", "trivy", 0)

	err := r.CreateToolRun(ctx, &domain.ToolRun{ID: "r2", ScanID: "s1", ToolName: "trivy", Status: domain.ToolRunStatusRunning})
	assert.ErrorIs(t, err, domain.ErrToolRunActive)

	// a different tool is fine
	newRun(t, r, "s1", "r3", "semgrep", 1)

	// once finished, the same tool may run again
	require.NoError(t, r.UpdateToolRun(ctx, "r1", domain.ToolRunStatusFailed, &domain.ToolRunOutput{Error: "x", Kind: domain.FailureKindInterrupted}))
	newRun(t, r, "s1", "r2", "trivy", 0)

	s, err := r.GetScan(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, s.ToolRuns, 3)
	assert.Equal(t, 0, s.ToolRuns[0].Seq)
	assert.Equal(t, 0, s.ToolRuns[1].Seq)
	assert.Equal(t, "semgrep", s.ToolRuns[2].ToolName)
}

func testConcurrentFinalize(t *testing.T, r domain.Registry) {
	ctx := context.Background()
	newScan(t, r, "s1", time.Now().UTC())
	newRun(t, r, "s1", "r1", "trivy", 0)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := domain.ToolRunStatusCompleted
			if i%2 == 1 {
				status = domain.ToolRunStatusFailed
			}
			errs[i] = r.UpdateToolRun(ctx, "r1", status, &domain.ToolRunOutput{Error: fmt.Sprint(i)})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrToolRunFinalized), err)
	}
	assert.Equal(t, 1, ok, "exactly one terminal write wins")
}

func testList(t *testing.T, r domain.Registry) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		newScan(t, r, domain.ScanID(fmt.Sprintf("s%d", i)), base.Add(time.Duration(i)*time.Minute))
	}
	newRun(t, r, "s4", "r1", "trivy", 0)

	page, err := r.ListScans(ctx, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Data, 2)
	assert.Equal(t, domain.ScanID("s4"), page.Data[0].ID)
	assert.Len(t, page.Data[0].ToolRuns, 1)
	assert.Equal(t, domain.ScanID("s3"), page.Data[1].ID)
	assert.NotNil(t, page.Data[1].ToolRuns)

	last, err := r.ListScans(ctx, 3, 2)
	require.NoError(t, err)
	require.Len(t, last.Data, 1)
	assert.Equal(t, domain.ScanID("s0"), last.Data[0].ID)

	empty, err := r.ListScans(ctx, 9, 2)
	require.NoError(t, err)
	assert.NotNil(t, empty.Data)
	assert.Empty(t, empty.Data)
}

func testOutput(t *testing.T, r domain.Registry) {
	ctx := context.Background()
	newScan(t, r, "s1", time.Now().UTC())
	newRun(t, r, "s1", "r1", "gitleaks", 0)

	out := domain.FailureFromError(&domain.ToolExecutionError{Tool: "gitleaks", Timeout: true, Stderr: "killed"})
	require.NoError(t, r.UpdateToolRun(ctx, "r1", domain.ToolRunStatusFailed, out))

	s, err := r.GetScan(ctx, "s1")
	require.NoError(t, err)
	got := s.ToolRuns[0]
	assert.Equal(t, domain.ToolRunStatusFailed, got.Status)
	require.NotNil(t, got.Output)
	assert.Equal(t, domain.FailureKindTimeout, got.Output.Kind)
	assert.Equal(t, "gitleaks timed out", got.Output.Error)
	assert.Equal(t, "killed", got.Output.Stack)
	assert.NotNil(t, got.FinishedAt)
}
