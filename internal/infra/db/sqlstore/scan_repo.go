package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
)

const scanColumns = `id, source, local_path, status, failure_reason, created_at, completed_at`

func (s *Store) CreateScan(ctx context.Context, sc *domain.Scan) error {
	created := sc.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.exec(ctx, `
INSERT INTO scans (`+scanColumns+`)
VALUES (?,?,?,?,?,?,?)`,
		string(sc.ID), sc.Source, sc.LocalPath, string(sc.Status), sc.FailureReason,
		created.UTC(), nullTime(sc.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// UpdateScanStatus only succeeds when the stored status is a legal
// predecessor of status; the WHERE clause makes check and write atomic.
func (s *Store) UpdateScanStatus(ctx context.Context, id domain.ScanID, status domain.ScanStatus, reason string) error {
	preds := status.Predecessors()
	if len(preds) == 0 {
		return fmt.Errorf("%w: nothing transitions to %s", domain.ErrInvalidTransition, status)
	}

	// completed_at stays NULL until a terminal status; failure_reason is only
	// ever written by the single terminal transition.
	var completed sql.NullTime
	if status.IsTerminal() {
		completed = sql.NullTime{Time: s.now(), Valid: true}
	}
	args := []any{string(status), reason, completed, string(id)}
	for _, p := range preds {
		args = append(args, string(p))
	}

	res, err := s.exec(ctx, `
UPDATE scans
SET status = ?, failure_reason = ?, completed_at = ?
WHERE id = ? AND status IN (`+placeholders(len(preds))+`)`, args...)
	if err != nil {
		return fmt.Errorf("update scan status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update scan status: %w", err)
	}
	if n == 1 {
		return nil
	}

	current, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	if err := current.ValidateTransition(status); err != nil {
		return err
	}
	return fmt.Errorf("%w: scan %s changed concurrently", domain.ErrInvalidTransition, id)
}

func (s *Store) currentStatus(ctx context.Context, id domain.ScanID) (domain.ScanStatus, error) {
	var st string
	err := s.queryRow(ctx, `SELECT status FROM scans WHERE id = ?`, string(id)).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrScanNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read scan status: %w", err)
	}
	return domain.ParseScanStatus(st), nil
}

func (s *Store) SetLocalPath(ctx context.Context, id domain.ScanID, path string) error {
	res, err := s.exec(ctx, `UPDATE scans SET local_path = ? WHERE id = ?`, path, string(id))
	if err != nil {
		return fmt.Errorf("update scan path: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// MySQL reports 0 when the value is unchanged
		ok, err := s.exists(ctx, "scans", string(id))
		if err != nil {
			return fmt.Errorf("update scan path: %w", err)
		}
		if !ok {
			return domain.ErrScanNotFound
		}
	}
	return nil
}

func (s *Store) GetScan(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	row := s.queryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, string(id))
	sc, err := scanScan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}

	runs, err := s.toolRunsFor(ctx, []domain.ScanID{sc.ID})
	if err != nil {
		return nil, err
	}
	sc.ToolRuns = runs[sc.ID]
	if sc.ToolRuns == nil {
		sc.ToolRuns = []*domain.ToolRun{}
	}
	return sc, nil
}

// ListScans pages through scans newest first, tool runs included.
func (s *Store) ListScans(ctx context.Context, page, pageSize int) (domain.PaginatedResult, error) {
	page, pageSize = domain.NormalizePage(page, pageSize)
	offset := (page - 1) * pageSize

	var total int64
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM scans`).Scan(&total); err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("getting total count: %w", err)
	}

	rows, err := s.query(ctx, `
SELECT `+scanColumns+`
FROM scans
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`, pageSize, offset)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("querying scans: %w", err)
	}
	defer rows.Close()

	var out []*domain.Scan
	var ids []domain.ScanID
	for rows.Next() {
		sc, err := scanScan(rows)
		if err != nil {
			return domain.PaginatedResult{}, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, sc)
		ids = append(ids, sc.ID)
	}
	if err := rows.Err(); err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("iterating rows: %w", err)
	}

	runs, err := s.toolRunsFor(ctx, ids)
	if err != nil {
		return domain.PaginatedResult{}, err
	}
	for _, sc := range out {
		sc.ToolRuns = runs[sc.ID]
		if sc.ToolRuns == nil {
			sc.ToolRuns = []*domain.ToolRun{}
		}
	}
	return domain.NewPaginatedResult(out, page, pageSize, total), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScan(r rowScanner) (*domain.Scan, error) {
	var (
		sc        domain.Scan
		id, st    string
		completed sql.NullTime
	)
	if err := r.Scan(&id, &sc.Source, &sc.LocalPath, &st, &sc.FailureReason, &sc.CreatedAt, &completed); err != nil {
		return nil, err
	}
	sc.ID = domain.ScanID(id)
	sc.Status = domain.ParseScanStatus(st)
	sc.CreatedAt = sc.CreatedAt.UTC()
	sc.CompletedAt = timePtr(completed)
	return &sc, nil
}
