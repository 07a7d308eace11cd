package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
)

const toolRunColumns = `id, scan_id, tool_name, seq, status, output, started_at, finished_at`

// CreateToolRun inserts a RUNNING run. The partial unique index on
// (scan_id, tool_name) for RUNNING rows rejects a second active run.
func (s *Store) CreateToolRun(ctx context.Context, run *domain.ToolRun) error {
	started := run.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	out, err := encodeOutput(run.Output)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
INSERT INTO tool_runs (`+toolRunColumns+`)
VALUES (?,?,?,?,?,?,?,?)`,
		string(run.ID), string(run.ScanID), run.ToolName, run.Seq, string(run.Status), out,
		started.UTC(), nullTime(run.FinishedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", domain.ErrToolRunActive, run.ToolName)
	}
	if err != nil {
		return fmt.Errorf("insert tool run: %w", err)
	}
	return nil
}

// UpdateToolRun finalizes a run. Only a RUNNING row matches, so a second
// terminal write affects nothing and reports ErrToolRunFinalized.
func (s *Store) UpdateToolRun(ctx context.Context, id domain.ToolRunID, status domain.ToolRunStatus, output *domain.ToolRunOutput) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: target %s is not terminal", domain.ErrToolRunFinalized, status)
	}
	out, err := encodeOutput(output)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `
UPDATE tool_runs
SET status = ?, output = ?, finished_at = ?
WHERE id = ? AND status = ?`,
		string(status), out, s.now(), string(id), string(domain.ToolRunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("update tool run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tool run: %w", err)
	}
	if n == 1 {
		return nil
	}

	ok, err := s.exists(ctx, "tool_runs", string(id))
	if err != nil {
		return fmt.Errorf("update tool run: %w", err)
	}
	if !ok {
		return fmt.Errorf("tool run %s not found", id)
	}
	return fmt.Errorf("%w: %s", domain.ErrToolRunFinalized, id)
}

// toolRunsFor loads runs for the given scans ordered by seq, then start.
func (s *Store) toolRunsFor(ctx context.Context, ids []domain.ScanID) (map[domain.ScanID][]*domain.ToolRun, error) {
	out := make(map[domain.ScanID][]*domain.ToolRun, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}

	rows, err := s.query(ctx, `
SELECT `+toolRunColumns+`
FROM tool_runs
WHERE scan_id IN (`+placeholders(len(ids))+`)
ORDER BY scan_id, seq, started_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tool runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			run            domain.ToolRun
			id, scanID, st string
			output         sql.NullString
			finished       sql.NullTime
		)
		if err := rows.Scan(&id, &scanID, &run.ToolName, &run.Seq, &st, &output, &run.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning tool run: %w", err)
		}
		run.ID = domain.ToolRunID(id)
		run.ScanID = domain.ScanID(scanID)
		run.Status = domain.ParseToolRunStatus(st)
		run.StartedAt = run.StartedAt.UTC()
		run.FinishedAt = timePtr(finished)
		if output.Valid && output.String != "" {
			var o domain.ToolRunOutput
			if err := json.Unmarshal([]byte(output.String), &o); err != nil {
				return nil, fmt.Errorf("decode output of tool run %s: %w", id, err)
			}
			run.Output = &o
		}
		out[run.ScanID] = append(out[run.ScanID], &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool runs: %w", err)
	}
	return out, nil
}

func encodeOutput(o *domain.ToolRunOutput) (sql.NullString, error) {
	if o == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode tool run output: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
