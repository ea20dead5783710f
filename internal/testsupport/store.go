package testsupport

import (
	"context"
	"testing"
	"time"

	"tracklift/internal/audio"
	"tracklift/internal/config"
	"tracklift/internal/device"
	"tracklift/internal/queue"
	"tracklift/internal/transfer"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// Result builds a terminal transfer result. Committed results carry a commit
// record in slot track-1.
func Result(jobID string, track int, state transfer.State) transfer.Result {
	finished := time.Now()
	res := transfer.Result{
		JobID:    jobID,
		Track:    track,
		Title:    "Track",
		Format:   audio.FormatSP,
		State:    state,
		Started:  finished.Add(-time.Minute),
		Finished: finished,
	}
	if state == transfer.StateCommitted {
		res.Commit = &device.CommitResult{Slot: track - 1, Title: "Track", Size: 4096}
	}
	return res
}

// Record stores res, failing the test on error.
func Record(t testing.TB, store *queue.Store, res transfer.Result) {
	t.Helper()

	if err := store.RecordJob(context.Background(), res); err != nil {
		t.Fatalf("store.RecordJob: %v", err)
	}
}
