package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tracklift/internal/config"
	"tracklift/internal/device"
	"tracklift/internal/device/devicesim"
	"tracklift/internal/disc"
	"tracklift/internal/logging"
)

// simFlags switches a command onto an in-memory disc and recorder.
type simFlags struct {
	enabled bool
	tracks  []int
}

func (s *simFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&s.enabled, "simulate", false, "Use an in-memory disc and recorder instead of hardware")
	cmd.Flags().IntSliceVar(&s.tracks, "sim-tracks", []int{4, 3, 5}, "Simulated track lengths in seconds")
}

func (s *simFlags) drive() *disc.SimDrive {
	sectors := make([]int64, 0, len(s.tracks))
	for _, seconds := range s.tracks {
		if seconds > 0 {
			sectors = append(sectors, int64(seconds)*disc.SectorsPerSecond)
		}
	}
	return disc.NewSimDrive(sectors...)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// openDrive waits for a disc and opens the configured drive. eject is never
// nil.
func openDrive(ctx context.Context, cfg *config.Config, sim *simFlags) (drive disc.Drive, eject func() error, err error) {
	if sim != nil && sim.enabled {
		return sim.drive(), func() error { return nil }, nil
	}
	status, err := disc.WaitForReady(ctx, cfg.Disc.Device, cfg.Disc.ReadyTimeout())
	if err != nil {
		return nil, nil, fmt.Errorf("disc %s not ready (%s): %w", cfg.Disc.Device, status, err)
	}
	linux, err := disc.OpenDrive(cfg.Disc.Device)
	if err != nil {
		return nil, nil, err
	}
	return linux, linux.Eject, nil
}

// recorder bundles the dialer for the configured recorder with the claims
// held while using it.
type recorder struct {
	dialer device.Dialer
	usb    *device.USBDialer
	sim    *devicesim.Recorder
	lock   *device.Lock
}

func openRecorder(cfg *config.Config, sim *simFlags, logger *slog.Logger) (*recorder, error) {
	if sim != nil && sim.enabled {
		r := devicesim.New(devicesim.DefaultOptions())
		return &recorder{dialer: r, sim: r}, nil
	}
	usb, err := device.NewUSBDialer(cfg.Device, logger)
	if err != nil {
		return nil, err
	}
	lock, err := device.AcquireLock(cfg.Paths.LockPath)
	if err != nil {
		return nil, err
	}
	return &recorder{dialer: usb, usb: usb, lock: lock}, nil
}

// watch marks the session lost when udev reports the recorder unplugged.
// Simulated recorders have nothing to watch.
func (r *recorder) watch(ctx context.Context, cfg *config.Config, session *device.Session, logger *slog.Logger) func() {
	if r.usb == nil {
		return func() {}
	}
	return watchRemoval(ctx, cfg.Device, session, logger)
}

// watchRemoval runs a hotplug monitor until the returned stop func is called.
// When udev is unavailable the transfer continues without removal detection.
func watchRemoval(ctx context.Context, cfg config.Device, session *device.Session, logger *slog.Logger) func() {
	monitor, err := device.NewHotplugMonitor(cfg, logger, nil, func(e device.HotplugEvent) {
		session.MarkLost(fmt.Errorf("recorder removed (%s)", e.DevPath))
	})
	if err == nil {
		err = monitor.Start(ctx)
	}
	if err != nil {
		logging.WarnWithContext(logger, "recorder removal detection unavailable", "hotplug_unavailable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check udev netlink access and device.vendor_id/product_id"),
			logging.String(logging.FieldImpact, "an unplugged recorder is detected only when the next frame times out"),
		)
		return func() {}
	}
	return monitor.Stop
}

func (r *recorder) Close() {
	if r == nil {
		return
	}
	_ = r.lock.Release()
}
