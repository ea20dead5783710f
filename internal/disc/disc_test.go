package disc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTrackDuration(t *testing.T) {
	track := Track{StartSector: 150, EndSector: 150 + 75*61}
	if track.Sectors() != 75*61 {
		t.Fatalf("unexpected sectors %d", track.Sectors())
	}
	if track.Duration() != 61*time.Second {
		t.Fatalf("unexpected duration %s", track.Duration())
	}
	if (Track{StartSector: 10, EndSector: 5}).Sectors() != 0 {
		t.Fatal("inverted track should be empty")
	}
}

func TestSimDriveTOC(t *testing.T) {
	drive := NewSimDrive(100, 50)
	toc, err := drive.ReadTOC(context.Background())
	if err != nil {
		t.Fatalf("ReadTOC: %v", err)
	}
	second, ok := toc.Track(2)
	if !ok || second.StartSector != 100 || second.EndSector != 150 || toc.Leadout != 150 {
		t.Fatalf("unexpected TOC %+v", toc)
	}
	if _, ok := toc.Track(3); ok {
		t.Fatal("track 3 should not exist")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	r := NewReader(NewSimDrive(1), ReaderOptions{Backoff: 10 * time.Millisecond, MaxBackoff: 35 * time.Millisecond}, nil)
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond}
	for i, w := range want {
		if got := r.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestDriveStatusString(t *testing.T) {
	tests := []struct {
		status DriveStatus
		want   string
	}{
		{DriveStatusNoInfo, "no_info"},
		{DriveStatusNoDisc, "no_disc"},
		{DriveStatusTrayOpen, "tray_open"},
		{DriveStatusNotReady, "not_ready"},
		{DriveStatusDiscOK, "disc_ok"},
		{DriveStatus(99), "unknown(99)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("DriveStatus(%d).String() = %q, want %q", int(tt.status), got, tt.want)
			}
		})
	}
}

func TestWaitForReadyPollsUntilDisc(t *testing.T) {
	statuses := []DriveStatus{DriveStatusTrayOpen, DriveStatusNotReady, DriveStatusDiscOK}
	calls := 0
	check := func(string) (DriveStatus, error) {
		s := statuses[min(calls, len(statuses)-1)]
		calls++
		return s, nil
	}
	status, err := waitForReady(context.Background(), "/dev/sim", time.Second, time.Millisecond, check)
	if err != nil || status != DriveStatusDiscOK || calls != 3 {
		t.Fatalf("status=%s err=%v calls=%d", status, err, calls)
	}
}

func TestWaitForReadyTimesOut(t *testing.T) {
	check := func(string) (DriveStatus, error) { return DriveStatusNoDisc, nil }
	status, err := waitForReady(context.Background(), "/dev/sim", 5*time.Millisecond, time.Millisecond, check)
	if err == nil || status != DriveStatusNoDisc {
		t.Fatalf("expected timeout, got status=%s err=%v", status, err)
	}
}

func TestWaitForReadyPropagatesCheckError(t *testing.T) {
	boom := errors.New("open failed")
	_, err := waitForReady(context.Background(), "/dev/sim", time.Second, time.Millisecond, func(string) (DriveStatus, error) {
		return DriveStatusNoInfo, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected check error, got %v", err)
	}
}

func TestCheckDriveStatusEmptyPath(t *testing.T) {
	if _, err := CheckDriveStatus(""); err == nil {
		t.Fatal("expected error for empty device path")
	}
}
