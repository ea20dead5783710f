package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tracklift/internal/audio"
	"tracklift/internal/disc"
)

func newDiscCommand(ctx *commandContext) *cobra.Command {
	discCmd := &cobra.Command{
		Use:   "disc",
		Short: "Inspect and control the optical drive",
	}
	discCmd.AddCommand(newDiscTOCCommand(ctx))
	discCmd.AddCommand(newDiscStatusCommand(ctx))
	discCmd.AddCommand(newDiscEjectCommand(ctx))
	return discCmd
}

type tocTrack struct {
	Number        int     `json:"number"`
	StartSector   int64   `json:"start_sector"`
	Sectors       int64   `json:"sectors"`
	Seconds       float64 `json:"seconds"`
	EstimateBytes int64   `json:"estimate_bytes"`
}

type tocOutput struct {
	Device     string     `json:"device"`
	Profile    string     `json:"profile"`
	SampleRate int        `json:"sample_rate"`
	Channels   int        `json:"channels"`
	Leadout    int64      `json:"leadout"`
	Tracks     []tocTrack `json:"tracks"`
}

func newDiscTOCCommand(ctx *commandContext) *cobra.Command {
	var sim simFlags
	var profileFlag string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "toc",
		Short: "List the audio tracks on the disc",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			profile, err := resolveProfile(profileFlag, cfg.Encoding.Profile)
			if err != nil {
				return err
			}
			runCtx, stop := signalContext(cmd)
			defer stop()

			drive, _, err := openDrive(runCtx, cfg, &sim)
			if err != nil {
				return err
			}
			defer drive.Close()

			toc, err := drive.ReadTOC(runCtx)
			if err != nil {
				return err
			}

			out := tocOutput{
				Device:     cfg.Disc.Device,
				Profile:    string(profile.Format),
				SampleRate: profile.OutputRate(),
				Channels:   profile.OutputChannels(),
				Leadout:    toc.Leadout,
			}
			for _, track := range toc.Tracks {
				out.Tracks = append(out.Tracks, tocTrack{
					Number:        track.Number,
					StartSector:   track.StartSector,
					Sectors:       track.Sectors(),
					Seconds:       track.Duration().Seconds(),
					EstimateBytes: profile.EstimateSize(track.Sectors()),
				})
			}
			if jsonOut {
				return writeJSON(cmd, out)
			}
			if len(toc.Tracks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No audio tracks on disc")
				return nil
			}

			rows := make([][]string, 0, len(toc.Tracks))
			var total time.Duration
			var totalBytes int64
			for _, track := range toc.Tracks {
				estimate := profile.EstimateSize(track.Sectors())
				total += track.Duration()
				totalBytes += estimate
				rows = append(rows, []string{
					strconv.Itoa(track.Number),
					strconv.FormatInt(track.StartSector, 10),
					strconv.FormatInt(track.Sectors(), 10),
					formatPlayTime(track.Duration()),
					humanize.IBytes(uint64(estimate)),
				})
			}
			headers := []string{"Track", "Start", "Sectors", "Length", fmt.Sprintf("Size (%s)", profile.Format)}
			aligns := []columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
			fmt.Fprintf(cmd.OutOrStdout(), "%d tracks, %s, %s in %s mode (%d Hz, %s)\n",
				len(toc.Tracks), formatPlayTime(total), humanize.IBytes(uint64(totalBytes)), profile.Format,
				out.SampleRate, channelLabel(out.Channels))
			return nil
		},
	}
	sim.register(cmd)
	cmd.Flags().StringVar(&profileFlag, "profile", "", "Recorder mode used for size estimates (pcm, sp, lp2, lp4)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newDiscStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the drive tray and media state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			status, err := disc.CheckDriveStatus(cfg.Disc.Device)
			if err != nil {
				return fmt.Errorf("check drive %s: %w", cfg.Disc.Device, err)
			}
			kind := statusWarn
			if status == disc.DriveStatusDiscOK {
				kind = statusOK
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatusLine(cfg.Disc.Device, kind, status.String(), shouldColorize(cmd.OutOrStdout())))
			return nil
		},
	}
}

func newDiscEjectCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "eject",
		Short: "Eject the disc",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			drive, err := disc.OpenDrive(cfg.Disc.Device)
			if err != nil {
				return err
			}
			defer drive.Close()
			if err := drive.Eject(); err != nil {
				return fmt.Errorf("eject %s: %w", cfg.Disc.Device, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ejected %s\n", cfg.Disc.Device)
			return nil
		},
	}
}

func resolveProfile(flagValue, configured string) (audio.Profile, error) {
	value := flagValue
	if value == "" {
		value = configured
	}
	format, err := audio.ParseFormat(value)
	if err != nil {
		return audio.Profile{}, err
	}
	return audio.CDProfile(format), nil
}

// formatPlayTime renders d as m:ss.
func channelLabel(channels int) string {
	switch channels {
	case 1:
		return "mono"
	case 2:
		return "stereo"
	default:
		return fmt.Sprintf("%d channels", channels)
	}
}

func formatPlayTime(d time.Duration) string {
	seconds := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
