package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"tracklift/internal/transfer"
)

const entryColumns = "id, job_id, track, title, format, state, cause, annotations_json, slot, size_bytes, warnings_json, started_at, finished_at"

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		id          int64
		jobID       string
		track       int
		title       string
		format      string
		state       string
		cause       sql.NullString
		annotations sql.NullString
		slot        sql.NullInt64
		size        sql.NullInt64
		warnings    sql.NullString
		startedRaw  string
		finishedRaw string
	)
	if err := scanner.Scan(
		&id,
		&jobID,
		&track,
		&title,
		&format,
		&state,
		&cause,
		&annotations,
		&slot,
		&size,
		&warnings,
		&startedRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:     id,
		JobID:  jobID,
		Track:  track,
		Title:  title,
		Format: format,
		State:  transfer.State(state),
		Cause:  cause.String,
	}
	if slot.Valid {
		v := int(slot.Int64)
		entry.Slot = &v
	}
	if size.Valid && size.Int64 > 0 {
		entry.SizeBytes = uint64(size.Int64)
	}
	entry.Annotations = decodeStrings(annotations)
	entry.Warnings = decodeStrings(warnings)
	if started, err := parseTimeString(startedRaw); err == nil {
		entry.StartedAt = started
	}
	if finished, err := parseTimeString(finishedRaw); err == nil {
		entry.FinishedAt = finished
	}
	return entry, nil
}

func decodeStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return []string{raw.String}
	}
	return out
}

func encodeStrings(values []string) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
