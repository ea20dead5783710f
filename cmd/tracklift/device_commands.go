package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tracklift/internal/device"
)

func newDeviceCommand(ctx *commandContext) *cobra.Command {
	deviceCmd := &cobra.Command{
		Use:   "device",
		Short: "Inspect the USB recorder",
	}
	deviceCmd.AddCommand(newDeviceListCommand(ctx))
	deviceCmd.AddCommand(newDeviceInfoCommand(ctx))
	deviceCmd.AddCommand(newDeviceWaitCommand(ctx))
	return deviceCmd
}

func newDeviceListCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List attached USB devices from the configured vendor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			dialer, err := device.NewUSBDialer(cfg.Device, logger)
			if err != nil {
				return err
			}
			devices, err := dialer.List()
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, devices)
			}
			if len(devices) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No USB devices from vendor %s attached\n", cfg.Device.VendorID)
				return nil
			}
			rows := make([][]string, 0, len(devices))
			for _, d := range devices {
				rows = append(rows, []string{
					fmt.Sprintf("%03d:%03d", d.Bus, d.Address),
					d.VendorID + ":" + d.ProductID,
					d.Manufacturer,
					d.Product,
					d.Serial,
					yesNo(d.Configured),
				})
			}
			headers := []string{"Bus:Addr", "ID", "Manufacturer", "Product", "Serial", "Configured"}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, nil))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newDeviceInfoCommand(ctx *commandContext) *cobra.Command {
	var sim simFlags
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Connect to the recorder and show its identity and contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			runCtx, stop := signalContext(cmd)
			defer stop()

			rec, err := openRecorder(cfg, &sim, logger)
			if err != nil {
				return err
			}
			defer rec.Close()

			session := device.NewSession(rec.dialer, device.OptionsFromConfig(cfg.Device), logger)
			if err := session.Connect(runCtx); err != nil {
				return err
			}
			defer session.Disconnect()

			snap := session.Snapshot()
			if jsonOut {
				return writeJSON(cmd, snap)
			}
			renderDeviceSnapshot(cmd, snap)
			return nil
		},
	}
	sim.register(cmd)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func renderDeviceSnapshot(cmd *cobra.Command, snap device.Snapshot) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	for _, line := range renderSectionHeader("Recorder", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderField("Model", snap.Identity.Model))
	fmt.Fprintln(out, renderField("Firmware", snap.Identity.Firmware))
	fmt.Fprintln(out, renderField("Serial", snap.Identity.Serial))
	fmt.Fprintln(out, renderField("Protocol", fmt.Sprintf("v%d", snap.Capabilities.Version)))
	fmt.Fprintln(out, renderField("Batch acks", yesNo(snap.Capabilities.BatchAck)))
	fmt.Fprintln(out, renderField("Max title", fmt.Sprintf("%d bytes", snap.Capabilities.MaxTitle)))

	toc := snap.TOC
	kind := statusOK
	if toc.Capacity > 0 && toc.Free*10 < toc.Capacity {
		kind = statusWarn
	}
	fmt.Fprintln(out, renderStatusLine("Free space", kind,
		fmt.Sprintf("%s of %s", humanize.IBytes(toc.Free), humanize.IBytes(toc.Capacity)), colorize))

	fmt.Fprintln(out)
	if len(toc.Slots) == 0 {
		fmt.Fprintln(out, "No tracks on recorder")
		return
	}
	rows := make([][]string, 0, len(toc.Slots))
	for _, slot := range toc.Slots {
		rows = append(rows, []string{
			strconv.Itoa(slot.Index),
			string(slot.Format),
			humanize.IBytes(slot.Size),
			slot.Title,
		})
	}
	fmt.Fprintln(out, renderTable([]string{"Slot", "Mode", "Size", "Title"}, rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft}))
}

func newDeviceWaitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "wait",
		Short: "Block until the recorder is attached",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			dialer, err := device.NewUSBDialer(cfg.Device, logger)
			if err != nil {
				return err
			}
			runCtx, stop := signalContext(cmd)
			defer stop()
			waitCtx, cancel := context.WithTimeoutCause(runCtx, cfg.Device.WaitTimeout(),
				fmt.Errorf("recorder %s:%s not attached within %s", cfg.Device.VendorID, cfg.Device.ProductID, cfg.Device.WaitTimeout()))
			defer cancel()

			event, err := device.WaitForDevice(waitCtx, cfg.Device, logger, dialer.Present)
			if err != nil {
				return err
			}
			where := event.DevName
			if where == "" {
				where = event.DevPath
			}
			if where == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Recorder attached")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Recorder attached at %s\n", where)
			}
			return nil
		},
	}
}
