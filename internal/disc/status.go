package disc

import (
	"context"
	"fmt"
	"time"
)

// DriveStatus represents the result of a CDROM_DRIVE_STATUS ioctl call.
type DriveStatus int

const (
	DriveStatusNoInfo   DriveStatus = 0
	DriveStatusNoDisc   DriveStatus = 1
	DriveStatusTrayOpen DriveStatus = 2
	DriveStatusNotReady DriveStatus = 3
	DriveStatusDiscOK   DriveStatus = 4
)

// String returns a human-readable label for the drive status.
func (s DriveStatus) String() string {
	switch s {
	case DriveStatusNoInfo:
		return "no_info"
	case DriveStatusNoDisc:
		return "no_disc"
	case DriveStatusTrayOpen:
		return "tray_open"
	case DriveStatusNotReady:
		return "not_ready"
	case DriveStatusDiscOK:
		return "disc_ok"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StatusFunc reports the current drive status.
type StatusFunc func(devicePath string) (DriveStatus, error)

// WaitForReady polls the drive once per interval until it reports
// DriveStatusDiscOK, the timeout elapses, or ctx ends.
func WaitForReady(ctx context.Context, devicePath string, timeout time.Duration) (DriveStatus, error) {
	return waitForReady(ctx, devicePath, timeout, time.Second, CheckDriveStatus)
}

func waitForReady(ctx context.Context, devicePath string, timeout, interval time.Duration, check StatusFunc) (DriveStatus, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastStatus DriveStatus
	for {
		status, err := check(devicePath)
		if err != nil {
			return status, err
		}
		lastStatus = status
		if status == DriveStatusDiscOK {
			return status, nil
		}
		if !time.Now().Before(deadline) {
			return lastStatus, fmt.Errorf("drive %s not ready after %s (last status: %s)", devicePath, timeout, lastStatus)
		}
		select {
		case <-ctx.Done():
			return lastStatus, ctx.Err()
		case <-ticker.C:
		}
	}
}
