package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tracklift/internal/device"
	"tracklift/internal/disc"
	"tracklift/internal/preflight"
	"tracklift/internal/queue"
)

type statusOutput struct {
	Checks  []preflight.Result  `json:"checks"`
	History queue.HealthSummary `json:"history"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var skipHardware bool
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the drive, recorder, directories and notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			var probes preflight.Probes
			if !skipHardware {
				probes.DriveStatus = disc.CheckDriveStatus
				dialer, err := device.NewUSBDialer(cfg.Device, logger)
				if err != nil {
					return err
				}
				probes.RecorderPresent = dialer.Present
			}
			var out statusOutput
			out.Checks = preflight.RunAll(cmd.Context(), cfg, probes)

			if err := ctx.withStore(func(store *queue.Store) error {
				out.History, err = store.Summary(cmd.Context())
				return err
			}); err != nil {
				return err
			}

			if jsonOut {
				return writeJSON(cmd, out)
			}
			w := cmd.OutOrStdout()
			colorize := shouldColorize(w)
			for _, line := range renderSectionHeader("Readiness", colorize) {
				fmt.Fprintln(w, line)
			}
			for _, check := range out.Checks {
				kind := statusOK
				if !check.Passed {
					kind = statusError
				}
				fmt.Fprintln(w, renderStatusLine(check.Name, kind, check.Detail, colorize))
			}
			fmt.Fprintln(w)
			for _, line := range renderSectionHeader("History", colorize) {
				fmt.Fprintln(w, line)
			}
			fmt.Fprintln(w, renderField("Committed", fmt.Sprint(out.History.Committed)))
			fmt.Fprintln(w, renderField("Failed", fmt.Sprint(out.History.Failed)))
			fmt.Fprintln(w, renderField("Cancelled", fmt.Sprint(out.History.Cancelled)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipHardware, "no-hardware", false, "Skip the drive and recorder probes")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}
