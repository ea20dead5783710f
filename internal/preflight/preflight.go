package preflight

import (
	"context"

	"tracklift/internal/config"
	"tracklift/internal/disc"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Probes supplies the hardware lookups. A nil probe skips its check.
type Probes struct {
	DriveStatus     disc.StatusFunc
	RecorderPresent func() bool
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config, probes Probes) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
	}
	if cfg.Paths.LogDir != "" {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}
	if probes.DriveStatus != nil {
		results = append(results, CheckDrive(cfg.Disc.Device, probes.DriveStatus))
	}
	if probes.RecorderPresent != nil {
		results = append(results, CheckRecorder(cfg.Device, probes.RecorderPresent))
	}
	if cfg.Notify.NtfyTopic != "" {
		results = append(results, CheckNtfy(ctx, cfg.Notify.NtfyTopic))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
