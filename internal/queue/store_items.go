package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tracklift/internal/transfer"
)

// RecordJob stores a terminal job outcome. Recording the same job again
// replaces the earlier row.
func (s *Store) RecordJob(ctx context.Context, res transfer.Result) error {
	if !res.State.Terminal() {
		return fmt.Errorf("record job %s: state %q is not terminal", res.JobID, res.State)
	}
	annotations, err := encodeStrings(res.Annotations)
	if err != nil {
		return fmt.Errorf("encode annotations: %w", err)
	}
	var (
		slot     any
		size     any
		warnings any
	)
	if res.Commit != nil {
		slot = res.Commit.Slot
		size = int64(res.Commit.Size)
		if warnings, err = encodeStrings(res.Commit.Warnings); err != nil {
			return fmt.Errorf("encode warnings: %w", err)
		}
	}

	_, err = s.execWithRetry(
		ctx,
		`INSERT INTO transfers (
            job_id, track, title, format, state, cause, annotations_json,
            slot, size_bytes, warnings_json, started_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(job_id) DO UPDATE SET
            state = excluded.state,
            cause = excluded.cause,
            annotations_json = excluded.annotations_json,
            slot = excluded.slot,
            size_bytes = excluded.size_bytes,
            warnings_json = excluded.warnings_json,
            finished_at = excluded.finished_at`,
		res.JobID,
		res.Track,
		res.Title,
		string(res.Format),
		string(res.State),
		nullableString(res.Cause),
		annotations,
		slot,
		size,
		warnings,
		formatTime(res.Started),
		formatTime(res.Finished),
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// GetByJobID fetches the entry for a job, or nil when none was recorded.
func (s *Store) GetByJobID(ctx context.Context, jobID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM transfers WHERE job_id = ?`, jobID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return entry, nil
}

// List returns recorded entries, most recent first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.States) > 0 {
		where = append(where, "state IN ("+makePlaceholders(len(filter.States))+")")
		for _, state := range filter.States {
			args = append(args, string(state))
		}
	}
	if !filter.Since.IsZero() {
		where = append(where, "finished_at >= ?")
		args = append(args, formatTime(filter.Since))
	}
	query := `SELECT ` + entryColumns + ` FROM transfers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
