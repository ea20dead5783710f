package queue

import (
	"time"

	"tracklift/internal/transfer"
)

// Entry is one recorded transfer outcome.
type Entry struct {
	ID          int64          `json:"id"`
	JobID       string         `json:"job_id"`
	Track       int            `json:"track"`
	Title       string         `json:"title"`
	Format      string         `json:"format"`
	State       transfer.State `json:"state"`
	Cause       string         `json:"cause,omitempty"`
	Annotations []string       `json:"annotations,omitempty"`
	Slot        *int           `json:"slot,omitempty"`
	SizeBytes   uint64         `json:"size_bytes,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// Duration is the time between the job starting and reaching its final state.
func (e Entry) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.FinishedAt.Before(e.StartedAt) {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	States []transfer.State
	Since  time.Time
	Limit  int
}

// HealthSummary counts recorded outcomes per terminal state.
type HealthSummary struct {
	Total     int `json:"total"`
	Committed int `json:"committed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// DatabaseHealth captures diagnostic information about the history database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int
	TableExists      bool
	MissingColumns   []string
	IntegrityCheck   bool
	TotalEntries     int
	Error            string
}
