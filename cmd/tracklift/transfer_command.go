package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tracklift/internal/api"
	"tracklift/internal/device"
	"tracklift/internal/disc"
	"tracklift/internal/logging"
	"tracklift/internal/metrics"
	"tracklift/internal/notifications"
	"tracklift/internal/preflight"
	"tracklift/internal/queue"
	"tracklift/internal/transfer"
)

type transferFlags struct {
	sim     simFlags
	profile string
	titles  []string
	artist  string
	listen  bool
	bind    string
	eject   bool
	jsonOut bool
}

type transferSummary struct {
	Committed int           `json:"committed"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

type transferOutput struct {
	Summary  transferSummary   `json:"summary"`
	Results  []transfer.Result `json:"results"`
	Recorder *recorderSpace    `json:"recorder,omitempty"`
}

type recorderSpace struct {
	Capacity uint64 `json:"capacity"`
	Free     uint64 `json:"free"`
	Slots    int    `json:"slots"`
}

func newTransferCommand(ctx *commandContext) *cobra.Command {
	var f transferFlags

	cmd := &cobra.Command{
		Use:   "transfer [track|first-last]...",
		Short: "Rip, encode and upload disc tracks to the recorder",
		Long: `Transfer copies the selected tracks (all tracks when none are given) from
the disc to the recorder. Ripping and encoding of the next track overlap with
the upload of the current one. Each track commits or fails on its own; the
command exits non-zero when any track did not transfer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(cmd, ctx, &f, args)
		},
	}

	f.sim.register(cmd)
	cmd.Flags().StringVar(&f.profile, "profile", "", "Recorder mode (pcm, sp, lp2, lp4); defaults to encoding.profile")
	cmd.Flags().StringArrayVar(&f.titles, "title", nil, "Track title as N=Title (repeatable)")
	cmd.Flags().StringVar(&f.artist, "artist", "", "Artist prefixed to every title")
	cmd.Flags().BoolVar(&f.listen, "listen", false, "Serve the status API and progress websocket while transferring")
	cmd.Flags().StringVar(&f.bind, "bind", "", "Status API address; defaults to api.bind")
	cmd.Flags().BoolVar(&f.eject, "eject", false, "Eject the disc after a successful transfer")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "Output results as JSON")
	return cmd
}

func runTransfer(cmd *cobra.Command, ctx *commandContext, f *transferFlags, args []string) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := ctx.ensureLogger()
	if err != nil {
		return err
	}
	profile, err := resolveProfile(f.profile, cfg.Encoding.Profile)
	if err != nil {
		return err
	}
	titles, err := parseTitles(f.titles)
	if err != nil {
		return err
	}
	if check := preflight.CheckDirectoryAccess("State directory", cfg.Paths.StateDir); !check.Passed {
		return fmt.Errorf("history cannot be recorded: %s", check.Detail)
	}

	runCtx, stop := signalContext(cmd)
	defer stop()

	drive, eject, err := openDrive(runCtx, cfg, &f.sim)
	if err != nil {
		return err
	}
	defer drive.Close()

	toc, err := drive.ReadTOC(runCtx)
	if err != nil {
		return err
	}
	tracks, err := selectTracks(toc, args)
	if err != nil {
		return err
	}
	for number := range titles {
		if _, ok := toc.Track(number); !ok {
			return fmt.Errorf("--title names track %d, which is not on the disc", number)
		}
	}

	rec, err := openRecorder(cfg, &f.sim, logger)
	if err != nil {
		return err
	}
	defer rec.Close()

	m := metrics.New()
	sessionOpts := device.OptionsFromConfig(cfg.Device)
	sessionOpts.Metrics = m
	session := device.NewSession(rec.dialer, sessionOpts, logger)
	defer session.Disconnect()
	defer rec.watch(runCtx, cfg, session, logger)()

	store, err := queue.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier := notifications.NewService(cfg)
	notifySink := notifications.NewSink(notifier, logger)
	defer notifySink.Close()

	sinks := transfer.MultiSink{transfer.LogSink(logger), notifySink}
	if !f.jsonOut {
		sinks = append(sinks, newProgressPrinter(cmd.OutOrStdout(), shouldColorize(cmd.OutOrStdout())))
	}
	var hub *api.Hub
	if f.listen {
		hub = api.NewHub(logger)
		sinks = append(sinks, hub)
	}

	reader := disc.NewReader(drive, disc.OptionsFromConfig(cfg.Disc), logger)
	orch := transfer.New(reader, session, transfer.Options{
		QueueDepth:     cfg.Pipeline.QueueDepth,
		ProgressBucket: cfg.Pipeline.ProgressBucket,
		HandoffTimeout: cfg.Pipeline.HandoffTimeout(),
		Sink:           sinks,
		Recorder:       store,
		Metrics:        m,
	}, logger)

	if f.listen {
		bind := f.bind
		if bind == "" {
			bind = cfg.API.Bind
		}
		server := api.New(api.Options{
			Bind:    bind,
			Jobs:    orch,
			Device:  session,
			History: store,
			Metrics: m,
			Hub:     hub,
		}, logger)
		if err := server.Start(runCtx); err != nil {
			return err
		}
		defer server.Stop()
		fmt.Fprintf(cmd.ErrOrStderr(), "Status API on http://%s\n", server.Addr())
	}

	reqs := make([]transfer.Request, 0, len(tracks))
	for _, track := range tracks {
		reqs = append(reqs, transfer.Request{
			Track:   track,
			Range:   track.Range(),
			Profile: profile,
			Title:   titles[track.Number],
			Artist:  f.artist,
		})
	}
	orch.Submit(reqs...)

	started := time.Now()
	results, runErr := orch.Run(runCtx)
	notifySink.Close()

	summary := summarize(results)
	summary.Elapsed = time.Since(started)
	if err := notifier.NotifyRunCompleted(context.WithoutCancel(runCtx), summary.Committed, summary.Failed, summary.Cancelled, summary.Elapsed); err != nil {
		logging.WarnWithContext(logger, "run notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notify.ntfy_topic"),
		)
	}

	if f.eject && runCtx.Err() == nil && summary.Committed == len(results) && len(results) > 0 {
		if err := eject(); err != nil {
			logging.WarnWithContext(logger, "eject failed", "eject_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "disc left in the drive"),
			)
		}
	}

	var space *recorderSpace
	if summary.Committed > 0 && runCtx.Err() == nil {
		if toc, err := session.RefreshTOC(runCtx); err != nil {
			logging.WarnWithContext(logger, "recorder contents not refreshed", "toc_refresh_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "free space after the transfer is not reported"),
			)
		} else {
			space = &recorderSpace{Capacity: toc.Capacity, Free: toc.Free, Slots: len(toc.Slots)}
		}
	}

	if f.jsonOut {
		if err := writeJSON(cmd, transferOutput{Summary: summary, Results: results, Recorder: space}); err != nil {
			return err
		}
	} else {
		renderResults(cmd.OutOrStdout(), results, summary)
		if space != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Recorder: %d tracks, %s free of %s\n",
				space.Slots, humanize.IBytes(space.Free), humanize.IBytes(space.Capacity))
		}
	}

	switch {
	case runErr != nil:
		return runErr
	case runCtx.Err() != nil:
		return fmt.Errorf("transfer interrupted: %w", runCtx.Err())
	case summary.Committed < len(results):
		return fmt.Errorf("%d of %d tracks did not transfer", len(results)-summary.Committed, len(results))
	}
	return nil
}

// parseTitles reads repeated N=Title flags.
func parseTitles(values []string) (map[int]string, error) {
	titles := make(map[int]string, len(values))
	for _, value := range values {
		key, title, ok := strings.Cut(value, "=")
		if !ok {
			return nil, fmt.Errorf("--title %q: want N=Title", value)
		}
		number, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || number < 1 {
			return nil, fmt.Errorf("--title %q: %q is not a track number", value, key)
		}
		title = strings.TrimSpace(title)
		if title == "" {
			return nil, fmt.Errorf("--title %q: empty title", value)
		}
		titles[number] = title
	}
	return titles, nil
}

// selectTracks resolves track numbers and first-last ranges against the
// disc. No arguments selects every track. The result is in disc order
// without duplicates.
func selectTracks(toc disc.TOC, args []string) ([]disc.Track, error) {
	if len(toc.Tracks) == 0 {
		return nil, errors.New("disc has no audio tracks")
	}
	if len(args) == 0 {
		return append([]disc.Track(nil), toc.Tracks...), nil
	}
	wanted := make(map[int]bool)
	for _, arg := range args {
		first, last, err := parseTrackSpec(arg)
		if err != nil {
			return nil, err
		}
		for n := first; n <= last; n++ {
			if _, ok := toc.Track(n); !ok {
				return nil, fmt.Errorf("track %d is not on the disc (%d tracks)", n, len(toc.Tracks))
			}
			wanted[n] = true
		}
	}
	numbers := make([]int, 0, len(wanted))
	for n := range wanted {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	tracks := make([]disc.Track, 0, len(numbers))
	for _, n := range numbers {
		track, _ := toc.Track(n)
		tracks = append(tracks, track)
	}
	return tracks, nil
}

func parseTrackSpec(arg string) (int, int, error) {
	firstText, lastText, isRange := strings.Cut(arg, "-")
	first, err := strconv.Atoi(strings.TrimSpace(firstText))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid track %q", arg)
	}
	last := first
	if isRange {
		if last, err = strconv.Atoi(strings.TrimSpace(lastText)); err != nil {
			return 0, 0, fmt.Errorf("invalid track range %q", arg)
		}
	}
	if first < 1 || last < first {
		return 0, 0, fmt.Errorf("invalid track range %q", arg)
	}
	return first, last, nil
}

func summarize(results []transfer.Result) transferSummary {
	var s transferSummary
	for _, res := range results {
		switch res.State {
		case transfer.StateCommitted:
			s.Committed++
		case transfer.StateFailed:
			s.Failed++
		case transfer.StateCancelled:
			s.Cancelled++
		}
	}
	return s
}

func renderResults(out io.Writer, results []transfer.Result, summary transferSummary) {
	if len(results) == 0 {
		fmt.Fprintln(out, "Nothing transferred")
		return
	}
	rows := make([][]string, 0, len(results))
	for _, res := range results {
		slot, size := "-", "-"
		if res.Commit != nil {
			slot = strconv.Itoa(res.Commit.Slot)
			size = humanize.IBytes(res.Commit.Size)
		}
		notes := res.Cause
		if notes == "" {
			notes = strings.Join(res.Annotations, "; ")
		}
		rows = append(rows, []string{
			strconv.Itoa(res.Track),
			res.Title,
			string(res.Format),
			string(res.State),
			slot,
			size,
			notes,
		})
	}
	headers := []string{"Track", "Title", "Mode", "State", "Slot", "Size", "Notes"}
	aligns := []columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft}
	fmt.Fprintln(out, renderTable(headers, rows, aligns))
	fmt.Fprintf(out, "%d committed, %d failed, %d cancelled in %s\n",
		summary.Committed, summary.Failed, summary.Cancelled, summary.Elapsed.Round(time.Millisecond))
}

// progressPrinter writes one line per completed stage and per finished job.
type progressPrinter struct {
	mu       sync.Mutex
	out      io.Writer
	colorize bool
}

func newProgressPrinter(out io.Writer, colorize bool) *progressPrinter {
	return &progressPrinter{out: out, colorize: colorize}
}

func (p *progressPrinter) Publish(e transfer.Event) {
	label := fmt.Sprintf("Track %02d", e.Track)
	var line string
	switch e.Kind {
	case transfer.EventStageComplete:
		line = renderStatusLine(label, statusInfo, string(e.Stage)+" complete", p.colorize)
	case transfer.EventTerminal:
		message := string(e.State)
		switch {
		case e.Cause != "":
			message += ": " + e.Cause
		case len(e.Annotations) > 0:
			message += " (" + strings.Join(e.Annotations, "; ") + ")"
		}
		line = renderStatusLine(label, stateKind(e.State, len(e.Annotations) > 0), message, p.colorize)
	default:
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}
