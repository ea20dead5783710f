package faults_test

import (
	"context"
	"testing"

	"tracklift/internal/faults"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = faults.WithJobID(ctx, "job-1")
	ctx = faults.WithStage(ctx, "rip")
	ctx = faults.WithTrack(ctx, 4)
	ctx = faults.WithRequestID(ctx, "req-123")

	if id, ok := faults.JobIDFromContext(ctx); !ok || id != "job-1" {
		t.Fatalf("unexpected job id: %v %v", id, ok)
	}
	if stage, ok := faults.StageFromContext(ctx); !ok || stage != "rip" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if track, ok := faults.TrackFromContext(ctx); !ok || track != 4 {
		t.Fatalf("unexpected track: %v %v", track, ok)
	}
	if rid, ok := faults.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = faults.WithStage(ctx, "")
	ctx = faults.WithTrack(ctx, 0)
	if _, ok := faults.StageFromContext(ctx); ok {
		t.Fatal("expected no stage value")
	}
	if _, ok := faults.TrackFromContext(ctx); ok {
		t.Fatal("expected no track value")
	}
}
