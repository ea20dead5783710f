package preflight

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"tracklift/internal/config"
	"tracklift/internal/disc"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckDrive reports whether the drive holds a readable disc.
func CheckDrive(device string, status disc.StatusFunc) Result {
	const name = "Optical drive"

	s, err := status(device)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", device, err)}
	}
	switch s {
	case disc.DriveStatusDiscOK:
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (disc loaded)", device)}
	case disc.DriveStatusTrayOpen:
		return Result{Name: name, Detail: fmt.Sprintf("%s (tray open)", device)}
	case disc.DriveStatusNoDisc:
		return Result{Name: name, Detail: fmt.Sprintf("%s (no disc)", device)}
	default:
		return Result{Name: name, Detail: fmt.Sprintf("%s (%s)", device, s)}
	}
}

// CheckRecorder reports whether the configured recorder is attached.
func CheckRecorder(cfg config.Device, present func() bool) Result {
	const name = "Recorder"

	id := cfg.VendorID + ":" + cfg.ProductID
	if present() {
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s attached", id)}
	}
	return Result{Name: name, Detail: fmt.Sprintf("%s not attached", id)}
}

// CheckNtfy verifies the ntfy server behind topic answers its health
// endpoint.
func CheckNtfy(ctx context.Context, topic string) Result {
	const name = "ntfy"

	u, err := url.Parse(strings.TrimSpace(topic))
	if err != nil || u.Host == "" {
		return Result{Name: name, Detail: fmt.Sprintf("invalid topic url %q", topic)}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health := u.Scheme + "://" + u.Host + "/v1/health"
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, health, nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%v)", err)}
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%v)", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%d)", resp.StatusCode)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s reachable", u.Host)}
}
