package api

import (
	"context"

	"tracklift/internal/device"
	"tracklift/internal/queue"
	"tracklift/internal/transfer"
)

// Jobs is the orchestrator surface the API reads and controls.
type Jobs interface {
	Jobs() []transfer.Snapshot
	Cancel(id string) bool
}

// Device reports the recorder session.
type Device interface {
	Snapshot() device.Snapshot
}

// History reads recorded outcomes.
type History interface {
	List(ctx context.Context, filter queue.Filter) ([]*queue.Entry, error)
	Summary(ctx context.Context) (queue.HealthSummary, error)
}

// JobList is the /api/jobs response.
type JobList struct {
	Jobs []transfer.Snapshot `json:"jobs"`
}

// HistoryResponse is the /api/history response.
type HistoryResponse struct {
	Summary queue.HealthSummary `json:"summary"`
	Entries []*queue.Entry      `json:"entries"`
}

// CancelResponse reports a cancellation request's outcome.
type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}
