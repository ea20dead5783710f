package transfer_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"tracklift/internal/audio"
	"tracklift/internal/device"
	"tracklift/internal/device/devicesim"
	"tracklift/internal/disc"
	"tracklift/internal/faults"
	"tracklift/internal/logging"
	"tracklift/internal/metrics"
	"tracklift/internal/transfer"
)

const trackSectors = 40

type harness struct {
	drive   *disc.SimDrive
	rec     *devicesim.Recorder
	session *device.Session
	orch    *transfer.Orchestrator
	events  *eventLog
	history *historyLog
}

type setup struct {
	tracks      []int64
	recorder    devicesim.Options
	session     func(*device.Options)
	reader      func(*disc.ReaderOptions)
	handoff     time.Duration
	withMetrics bool
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	if len(s.tracks) == 0 {
		s.tracks = []int64{trackSectors}
	}
	if s.recorder.Capacity == 0 {
		s.recorder = devicesim.DefaultOptions()
	}
	readerOpts := disc.ReaderOptions{
		Retries:          2,
		Backoff:          time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		ReadTimeout:      10 * time.Second,
		SectorsPerBlock:  10,
		FatalLeadSectors: 10,
	}
	if s.reader != nil {
		s.reader(&readerOpts)
	}
	sessionOpts := device.Options{
		HandshakeTimeout: time.Second,
		CommandTimeout:   time.Second,
		FrameTimeout:     20 * time.Millisecond,
		FrameRetries:     4,
		AckMode:          "batch",
		AckBatch:         4,
	}
	if s.session != nil {
		s.session(&sessionOpts)
	}

	h := &harness{
		drive:   disc.NewSimDrive(s.tracks...),
		rec:     devicesim.New(s.recorder),
		events:  &eventLog{},
		history: &historyLog{},
	}
	var m *metrics.Metrics
	if s.withMetrics {
		m = metrics.New()
		sessionOpts.Metrics = m
	}
	h.session = device.NewSession(h.rec, sessionOpts, logging.NewNop())
	t.Cleanup(h.session.Disconnect)
	reader := disc.NewReader(h.drive, readerOpts, logging.NewNop())
	h.orch = transfer.New(reader, h.session, transfer.Options{
		QueueDepth:     2,
		HandoffTimeout: s.handoff,
		Sink:           h.events,
		Recorder:       h.history,
		Metrics:        m,
	}, logging.NewNop())
	return h
}

func (h *harness) requests(t *testing.T, format audio.Format) []transfer.Request {
	t.Helper()
	toc, err := h.drive.ReadTOC(context.Background())
	if err != nil {
		t.Fatalf("ReadTOC: %v", err)
	}
	reqs := make([]transfer.Request, 0, len(toc.Tracks))
	for _, track := range toc.Tracks {
		reqs = append(reqs, transfer.Request{
			Track:   track,
			Profile: audio.CDProfile(format),
			Artist:  "Sim",
		})
	}
	return reqs
}

func (h *harness) run(t *testing.T, ctx context.Context) []transfer.Result {
	t.Helper()
	results, err := h.orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return results
}

type eventLog struct {
	mu     sync.Mutex
	events []transfer.Event
}

func (l *eventLog) Publish(e transfer.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) forJob(id string) []transfer.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []transfer.Event
	for _, e := range l.events {
		if e.JobID == id {
			out = append(out, e)
		}
	}
	return out
}

type historyLog struct {
	mu      sync.Mutex
	results []transfer.Result
}

func (l *historyLog) RecordJob(_ context.Context, res transfer.Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, res)
	return nil
}

func (l *historyLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func pcmSize(sectors int64) uint64 {
	return uint64(audio.CDProfile(audio.FormatPCM).EstimateSize(sectors))
}

func clusters(n uint64) uint64 {
	const cluster = 2048
	return (n + cluster - 1) / cluster * cluster
}

func TestRunCommitsEveryTrack(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{tracks: []int64{trackSectors, 25, trackSectors}})
	h.rec.Preload(audio.FormatSP, 5000, "Existing")
	before := h.rec.Free()

	jobs := h.orch.Submit(h.requests(t, audio.FormatPCM)...)
	results := h.run(t, context.Background())

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	var used uint64
	for i, res := range results {
		if res.State != transfer.StateCommitted {
			t.Fatalf("job %d: state %s cause %q", i, res.State, res.Cause)
		}
		if res.JobID != jobs[i].ID {
			t.Fatalf("result %d out of submission order", i)
		}
		if res.Commit == nil || res.Commit.Slot != i+1 {
			t.Fatalf("job %d: unexpected commit %+v", i, res.Commit)
		}
		used += clusters(res.Commit.Size)
	}
	if got := results[1].Commit.Size; got != pcmSize(25) {
		t.Fatalf("track 2 size = %d, want %d", got, pcmSize(25))
	}
	if got := h.rec.Free(); got != before-used {
		t.Fatalf("free = %d, want %d", got, before-used)
	}
	if toc := h.session.TOC(); toc.Free != h.rec.Free() || len(toc.Slots) != 4 {
		t.Fatalf("session TOC out of step: free %d slots %d", toc.Free, len(toc.Slots))
	}
	slots := h.rec.Slots()
	if slots[1].Title != "Sim - Track 01" {
		t.Fatalf("title = %q", slots[1].Title)
	}
	if h.rec.Reservations() != 0 {
		t.Fatalf("reservations left open: %d", h.rec.Reservations())
	}
	if h.history.len() != 3 {
		t.Fatalf("history recorded %d jobs", h.history.len())
	}

	content := h.rec.Contents(1)
	want := make([]byte, disc.SectorSize)
	disc.FillSector(want, 0)
	for i := 0; i+1 < len(want); i += 2 {
		want[i], want[i+1] = want[i+1], want[i]
	}
	if string(content[:disc.SectorSize]) != string(want) {
		t.Fatal("first sector was not written as big-endian PCM")
	}
}

func TestEventsEndWithOneTerminalEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{tracks: []int64{trackSectors, trackSectors}})
	jobs := h.orch.Submit(h.requests(t, audio.FormatSP)...)
	h.run(t, context.Background())

	for _, job := range jobs {
		events := h.events.forJob(job.ID)
		if len(events) == 0 {
			t.Fatalf("job %s published no events", job.ID)
		}
		last := events[len(events)-1]
		if last.Kind != transfer.EventTerminal || last.State != transfer.StateCommitted {
			t.Fatalf("last event = %+v", last)
		}
		var ripDone, encodeDone = -1, -1
		terminals := 0
		for i, e := range events {
			switch {
			case e.Kind == transfer.EventTerminal:
				terminals++
			case e.Kind == transfer.EventStageComplete && e.Stage == transfer.StageRip:
				ripDone = i
			case e.Kind == transfer.EventStageComplete && e.Stage == transfer.StageEncode:
				encodeDone = i
			}
		}
		if terminals != 1 {
			t.Fatalf("job %s published %d terminal events", job.ID, terminals)
		}
		if ripDone < 0 || encodeDone < 0 || ripDone > encodeDone {
			t.Fatalf("stage completions out of order: rip=%d encode=%d", ripDone, encodeDone)
		}
	}
}

func TestCancelWhileRippingNeverAllocates(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{tracks: []int64{trackSectors, trackSectors}})
	h.drive.StallSector(0)
	jobs := h.orch.Submit(h.requests(t, audio.FormatPCM)...)

	done := make(chan []transfer.Result, 1)
	go func() {
		results, _ := h.orch.Run(context.Background())
		done <- results
	}()

	waitFor(t, "ripping", func() bool { return jobs[0].State() == transfer.StateRipping })
	if !h.orch.Cancel(jobs[0].ID) {
		t.Fatal("Cancel reported the job as already finished")
	}
	if got := jobs[0].State(); got != transfer.StateCancelled {
		t.Fatalf("state right after cancel = %s, want cancelled", got)
	}
	results := <-done

	if results[0].State != transfer.StateCancelled || !errors.Is(results[0].Err, faults.ErrCancelled) {
		t.Fatalf("job 1: state %s err %v", results[0].State, results[0].Err)
	}
	if results[1].State != transfer.StateCommitted {
		t.Fatalf("sibling job: state %s cause %q", results[1].State, results[1].Cause)
	}
	if got := h.rec.Counts().Allocates; got != 1 {
		t.Fatalf("allocates = %d, want only the sibling's", got)
	}
	if h.orch.Cancel(jobs[0].ID) {
		t.Fatal("second Cancel should report a finished job")
	}
}

func TestCancelWhileEncodingNeverAllocates(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{})
	h.drive.StallSector(10)
	jobs := h.orch.Submit(h.requests(t, audio.FormatPCM)...)

	done := make(chan []transfer.Result, 1)
	go func() {
		results, _ := h.orch.Run(context.Background())
		done <- results
	}()

	waitFor(t, "encoding", func() bool { return jobs[0].State() == transfer.StateEncoding })
	if !h.orch.Cancel(jobs[0].ID) {
		t.Fatal("Cancel reported the job as already finished")
	}
	results := <-done

	if results[0].State != transfer.StateCancelled {
		t.Fatalf("state %s cause %q", results[0].State, results[0].Cause)
	}
	counts := h.rec.Counts()
	if counts.Allocates != 0 || counts.Aborts != 0 {
		t.Fatalf("cancelled encode touched the recorder: %+v", counts)
	}
}

func TestNextJobRipsDuringUpload(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{tracks: []int64{200, trackSectors}})
	h.rec.SetLatency(time.Millisecond)
	jobs := h.orch.Submit(h.requests(t, audio.FormatPCM)...)

	var overlapped atomic.Bool
	h.rec.OnFrame(func(int) {
		if jobs[0].State() == transfer.StateUploading && jobs[1].State() != transfer.StateQueued {
			overlapped.Store(true)
		}
	})
	results := h.run(t, context.Background())

	for i, res := range results {
		if res.State != transfer.StateCommitted {
			t.Fatalf("job %d: state %s cause %q", i, res.State, res.Cause)
		}
	}
	if !overlapped.Load() {
		t.Fatal("second track did not start ripping while the first was uploading")
	}
}

func TestProgressIsSampledPerStage(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{
		tracks: []int64{1500},
		reader: func(o *disc.ReaderOptions) { o.SectorsPerBlock = 1 },
	})
	jobs := h.orch.Submit(h.requests(t, audio.FormatPCM)...)
	results := h.run(t, context.Background())
	if results[0].State != transfer.StateCommitted {
		t.Fatalf("state %s cause %q", results[0].State, results[0].Cause)
	}

	perStage := make(map[transfer.Stage]int)
	for _, e := range h.events.forJob(jobs[0].ID) {
		if e.Kind == transfer.EventProgress {
			perStage[e.Stage]++
		}
	}
	// 5% buckets: at most one event per bucket from 0 through 100.
	const limit = 21
	for _, stage := range []transfer.Stage{transfer.StageRip, transfer.StageEncode, transfer.StageUpload} {
		if got := perStage[stage]; got == 0 || got > limit {
			t.Fatalf("%s published %d progress events, want 1..%d (all: %v)", stage, got, limit, perStage)
		}
	}
}

func TestCancelWhileUploadingAbortsOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{tracks: []int64{200}})
	h.rec.Preload(audio.FormatLP2, 8000, "Keep")
	before := h.rec.Free()
	jobs := h.orch.Submit(h.requests(t, audio.FormatPCM)...)

	h.rec.OnFrame(func(n int) {
		if n == 6 {
			h.orch.Cancel(jobs[0].ID)
		}
	})
	results := h.run(t, context.Background())

	if results[0].State != transfer.StateCancelled {
		t.Fatalf("state %s cause %q", results[0].State, results[0].Cause)
	}
	counts := h.rec.Counts()
	if counts.Allocates != 1 || counts.Aborts != 1 || counts.Commits != 0 {
		t.Fatalf("unexpected command counts %+v", counts)
	}
	if h.rec.Free() != before || h.rec.Reservations() != 0 {
		t.Fatalf("space not restored: free %d want %d, reservations %d", h.rec.Free(), before, h.rec.Reservations())
	}
	if slots := h.rec.Slots(); len(slots) != 1 || slots[0].Title != "Keep" {
		t.Fatalf("TOC changed: %+v", slots)
	}
	if h.session.State() != device.StateReady {
		t.Fatalf("session state %s, want ready", h.session.State())
	}
}

func TestCancelQueuedJobBeforeRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{})
	jobs := h.orch.Submit(h.requests(t, audio.FormatSP)...)
	if !h.orch.Cancel(jobs[0].ID) {
		t.Fatal("Cancel of a queued job should succeed")
	}
	results := h.run(t, context.Background())
	if results[0].State != transfer.StateCancelled {
		t.Fatalf("state %s", results[0].State)
	}
	if h.rec.Counts().Dials != 0 || h.drive.Reads() != 0 {
		t.Fatal("cancelled queued job touched the drive or recorder")
	}
}

func TestMiddleReadFailureIsAnnotated(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{})
	h.drive.FailSectors(22, 2, 100)
	h.orch.Submit(h.requests(t, audio.FormatLP2)...)
	results := h.run(t, context.Background())

	res := results[0]
	if res.State != transfer.StateCommitted {
		t.Fatalf("state %s cause %q", res.State, res.Cause)
	}
	if len(res.Annotations) != 1 || !strings.Contains(res.Annotations[0], "sectors 20-29") {
		t.Fatalf("annotations = %q", res.Annotations)
	}
	if res.Commit.Size != uint64(audio.CDProfile(audio.FormatLP2).EstimateSize(trackSectors)) {
		t.Fatalf("damaged track committed %d bytes", res.Commit.Size)
	}
}

func TestLeadReadFailureFailsWithoutAllocate(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{})
	h.drive.FailSectors(0, 2, 100)
	h.orch.Submit(h.requests(t, audio.FormatSP)...)
	results := h.run(t, context.Background())

	res := results[0]
	if res.State != transfer.StateFailed || !errors.Is(res.Err, faults.ErrRead) {
		t.Fatalf("state %s err %v", res.State, res.Err)
	}
	if res.Cause == "" {
		t.Fatal("failed job needs a cause")
	}
	if res.Operation != "read" {
		t.Fatalf("operation = %q, want read", res.Operation)
	}
	if got := h.rec.Counts().Allocates; got != 0 {
		t.Fatalf("allocates = %d, want 0", got)
	}
}

func TestAckLossWithinBudgetCommits(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{withMetrics: true})
	h.rec.DropAcks(2)
	h.rec.CorruptAcks(1)
	h.orch.Submit(h.requests(t, audio.FormatPCM)...)
	results := h.run(t, context.Background())

	if results[0].State != transfer.StateCommitted {
		t.Fatalf("state %s cause %q", results[0].State, results[0].Cause)
	}
	if got := h.rec.Contents(0); uint64(len(got)) != pcmSize(trackSectors) {
		t.Fatalf("stored %d bytes, want %d", len(got), pcmSize(trackSectors))
	}
}

func TestAckLossBeyondBudgetFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{session: func(o *device.Options) { o.FrameRetries = 2 }})
	before := h.rec.Free()
	h.rec.DropAcks(100)
	h.orch.Submit(h.requests(t, audio.FormatPCM)...)
	results := h.run(t, context.Background())

	res := results[0]
	if res.State != transfer.StateFailed || !errors.Is(res.Err, faults.ErrUploadFailed) {
		t.Fatalf("state %s err %v", res.State, res.Err)
	}
	if got := h.rec.Counts().Aborts; got != 1 {
		t.Fatalf("aborts = %d, want 1", got)
	}
	if h.rec.Free() != before || h.rec.Reservations() != 0 {
		t.Fatal("failed upload left space reserved")
	}
	if res.Operation != "upload" {
		t.Fatalf("operation = %q, want upload", res.Operation)
	}
}

func TestStalledEncoderTimesOutBeforeAllocate(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{handoff: 50 * time.Millisecond})
	h.drive.StallSector(0)
	h.orch.Submit(h.requests(t, audio.FormatPCM)...)
	results := h.run(t, context.Background())

	res := results[0]
	if res.State != transfer.StateFailed || !errors.Is(res.Err, faults.ErrTimeout) {
		t.Fatalf("state %s err %v", res.State, res.Err)
	}
	if got := h.rec.Counts().Allocates; got != 0 {
		t.Fatalf("allocates = %d, want 0", got)
	}
}

func TestStalledEncoderDuringUploadAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{handoff: 50 * time.Millisecond})
	before := h.rec.Free()
	h.drive.StallSector(30)
	h.orch.Submit(h.requests(t, audio.FormatPCM)...)
	results := h.run(t, context.Background())

	res := results[0]
	if res.State != transfer.StateFailed || !errors.Is(res.Err, faults.ErrTimeout) {
		t.Fatalf("state %s err %v", res.State, res.Err)
	}
	counts := h.rec.Counts()
	if counts.Allocates != 1 || counts.Aborts != 1 || counts.Commits != 0 {
		t.Fatalf("unexpected command counts %+v", counts)
	}
	if h.rec.Free() != before || h.rec.Reservations() != 0 {
		t.Fatal("timed-out upload left space reserved")
	}
}

func TestThirdJobRunsOutOfSpace(t *testing.T) {
	defer goleak.VerifyNone(t)

	opts := devicesim.DefaultOptions()
	opts.Capacity = 2*clusters(pcmSize(trackSectors)) + 1000
	h := newHarness(t, setup{tracks: []int64{trackSectors, trackSectors, trackSectors}, recorder: opts})
	h.orch.Submit(h.requests(t, audio.FormatPCM)...)
	results := h.run(t, context.Background())

	for i := range 2 {
		if results[i].State != transfer.StateCommitted {
			t.Fatalf("job %d: state %s cause %q", i, results[i].State, results[i].Cause)
		}
	}
	third := results[2]
	if third.State != transfer.StateFailed || !errors.Is(third.Err, faults.ErrInsufficientSpace) {
		t.Fatalf("third job: state %s err %v", third.State, third.Err)
	}
	if third.Operation != "allocate" {
		t.Fatalf("operation = %q, want allocate", third.Operation)
	}
	if got := h.rec.Counts().Allocates; got != 2 {
		t.Fatalf("allocates = %d, want 2", got)
	}
	if h.rec.Reservations() != 0 || h.rec.Free() != 1000 {
		t.Fatalf("free %d reservations %d", h.rec.Free(), h.rec.Reservations())
	}
}

func TestDeviceLossFailsJobThenReconnects(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{tracks: []int64{trackSectors, trackSectors}})
	h.rec.DisconnectAfterFrames(3)
	h.orch.Submit(h.requests(t, audio.FormatPCM)...)
	results := h.run(t, context.Background())

	if results[0].State != transfer.StateFailed || !errors.Is(results[0].Err, faults.ErrDeviceLost) {
		t.Fatalf("job 1: state %s err %v", results[0].State, results[0].Err)
	}
	if results[1].State != transfer.StateCommitted {
		t.Fatalf("job 2: state %s cause %q", results[1].State, results[1].Cause)
	}
	if got := h.rec.Counts().Dials; got != 2 {
		t.Fatalf("dials = %d, want a reconnect", got)
	}
	if got := h.rec.Counts().Aborts; got != 0 {
		t.Fatalf("aborts = %d; a lost link cannot be aborted", got)
	}
}

func TestUnpluggedDeviceFailsRemainingJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{tracks: []int64{trackSectors, trackSectors}})
	h.rec.OnFrame(func(n int) {
		if n == 2 {
			h.rec.Unplug()
		}
	})
	h.orch.Submit(h.requests(t, audio.FormatPCM)...)
	results := h.run(t, context.Background())

	if !errors.Is(results[0].Err, faults.ErrDeviceLost) {
		t.Fatalf("job 1 err %v", results[0].Err)
	}
	if results[1].State != transfer.StateFailed || !errors.Is(results[1].Err, faults.ErrDeviceUnavailable) {
		t.Fatalf("job 2: state %s err %v", results[1].State, results[1].Err)
	}
}

func TestInvalidProfileFailsAtSubmit(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{})
	reqs := h.requests(t, audio.FormatSP)
	reqs[0].Profile.Format = "atrac9"
	jobs := h.orch.Submit(reqs...)

	if got := jobs[0].State(); got != transfer.StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if !errors.Is(jobs[0].Err(), faults.ErrConfiguration) {
		t.Fatalf("err = %v", jobs[0].Err())
	}
	results := h.run(t, context.Background())
	if len(results) != 0 {
		t.Fatalf("invalid job should not be run, got %d results", len(results))
	}
	if snaps := h.orch.Jobs(); len(snaps) != 1 || snaps[0].Cause == "" {
		t.Fatalf("snapshots = %+v", snaps)
	}
}

func TestRunContextCancelCancelsJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, setup{tracks: []int64{trackSectors, trackSectors}})
	h.drive.StallSector(0)
	jobs := h.orch.Submit(h.requests(t, audio.FormatSP)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []transfer.Result, 1)
	go func() {
		results, _ := h.orch.Run(ctx)
		done <- results
	}()
	waitFor(t, "ripping", func() bool { return jobs[0].State() == transfer.StateRipping })
	cancel()
	results := <-done

	for i, res := range results {
		if res.State != transfer.StateCancelled {
			t.Fatalf("job %d: state %s cause %q", i, res.State, res.Cause)
		}
	}
	if h.rec.Counts().Allocates != 0 {
		t.Fatal("cancelled run allocated space")
	}
}
