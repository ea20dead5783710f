package transfer

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tracklift/internal/audio"
	"tracklift/internal/device"
	"tracklift/internal/disc"
	"tracklift/internal/faults"
	"tracklift/internal/logging"
	"tracklift/internal/metrics"
)

// BlockSource produces the PCM blocks of a track; *disc.Reader implements it.
type BlockSource interface {
	Blocks(ctx context.Context, track disc.Track, rng disc.SectorRange) iter.Seq2[disc.Block, error]
}

// Session is the recorder surface the device stage drives; *device.Session
// implements it.
type Session interface {
	Connect(ctx context.Context) error
	Allocate(ctx context.Context, format audio.Format, estimate uint64) (*device.Handle, error)
	Upload(ctx context.Context, h *device.Handle, src device.PayloadSource, progress func(acked uint64)) error
	Commit(ctx context.Context, h *device.Handle, title string) (device.CommitResult, error)
	Abort(ctx context.Context, h *device.Handle) error
}

// Recorder persists terminal job outcomes.
type Recorder interface {
	RecordJob(ctx context.Context, res Result) error
}

// Options configures an Orchestrator.
type Options struct {
	// QueueDepth bounds the blocks and payloads buffered between stages.
	QueueDepth int
	// ProgressBucket is the percentage step at which progress events fire.
	ProgressBucket float64
	// HandoffTimeout bounds each wait of the device stage on the encoder.
	// Zero disables the bound.
	HandoffTimeout time.Duration
	Sink           ProgressSink
	Recorder       Recorder
	Metrics        *metrics.Metrics
}

var (
	errAlreadyRunning = errors.New("transfer: orchestrator already running")
	errJobFinished    = errors.New("transfer: job finished")
)

// Orchestrator coordinates transfer jobs across the rip, encode and device
// stages.
type Orchestrator struct {
	source  BlockSource
	session Session
	opts    Options
	logger  *slog.Logger
	sampler *logging.ProgressSampler

	mu      sync.Mutex
	jobs    []*Job
	byID    map[string]*Job
	pending []*Job
	running bool
}

// New builds an orchestrator reading from source and writing through
// session.
func New(source BlockSource, session Session, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 8
	}
	if opts.ProgressBucket <= 0 {
		opts.ProgressBucket = 5
	}
	return &Orchestrator{
		source:  source,
		session: session,
		opts:    opts,
		logger:  logging.NewComponentLogger(logger, "transfer"),
		sampler: logging.NewProgressSampler(opts.ProgressBucket),
		byID:    make(map[string]*Job),
	}
}

// Submit queues requests in order and returns their jobs. A request whose
// profile cannot be encoded fails immediately with ErrConfiguration.
func (o *Orchestrator) Submit(reqs ...Request) []*Job {
	jobs := make([]*Job, 0, len(reqs))
	var invalid []*Job
	o.mu.Lock()
	for _, req := range reqs {
		job := newJob(uuid.NewString(), req)
		o.jobs = append(o.jobs, job)
		o.byID[job.ID] = job
		jobs = append(jobs, job)
		if err := req.Profile.Validate(); err != nil {
			job.err = err
			invalid = append(invalid, job)
			continue
		}
		o.pending = append(o.pending, job)
	}
	o.opts.Metrics.SetActiveJobs(o.activeLocked())
	o.mu.Unlock()

	for _, job := range invalid {
		o.finish(job, StateFailed, job.Err())
	}
	for _, job := range jobs {
		o.logger.Debug("job queued",
			logging.String(logging.FieldJobID, job.ID),
			logging.Int(logging.FieldTrack, job.Request.Track.Number),
			logging.String("format", string(job.Request.Profile.Format)),
		)
	}
	return jobs
}

// Job returns the job with id.
func (o *Orchestrator) Job(id string) (*Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.byID[id]
	return job, ok
}

// Jobs returns snapshots of every submitted job in submission order.
func (o *Orchestrator) Jobs() []Snapshot {
	o.mu.Lock()
	jobs := append([]*Job(nil), o.jobs...)
	o.mu.Unlock()
	out := make([]Snapshot, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Snapshot())
	}
	return out
}

// Cancel cancels the job with id and reports whether it was still live.
// Queued, ripping and encoding jobs finish as cancelled at once without any
// device command. An uploading job has its reservation aborted first.
func (o *Orchestrator) Cancel(id string) bool {
	job, ok := o.Job(id)
	if !ok || job.State().Terminal() {
		return false
	}
	o.fail(job, faults.Wrap(faults.ErrCancelled, "", "cancel", "cancelled by request", nil))
	return true
}

// Run processes every job queued when it is called and returns their results
// in submission order once all are terminal. Jobs submitted while Run is in
// progress wait for the next call. Cancelling ctx cancels every unfinished
// job.
func (o *Orchestrator) Run(ctx context.Context) ([]Result, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, errAlreadyRunning
	}
	o.running = true
	jobs := o.pending
	o.pending = nil
	for _, job := range jobs {
		job.mu.Lock()
		job.ctx, job.cancel = context.WithCancelCause(ctx)
		job.mu.Unlock()
	}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	// Cancel may have finished a job before its context existed.
	for _, job := range jobs {
		if job.State().Terminal() {
			job.cancel(job.Err())
		}
	}

	started := time.Now()
	o.logger.Info("transfer run started",
		logging.String(logging.FieldEventType, "run_started"),
		logging.Int("jobs", len(jobs)),
	)

	toEncode := make(chan ripped, 1)
	toDevice := make(chan encoded, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.ripStage(gctx, jobs, toEncode) })
	g.Go(func() error { return o.encodeStage(gctx, toEncode, toDevice) })
	g.Go(func() error { return o.deviceStage(gctx, toDevice) })
	runErr := g.Wait()

	results := make([]Result, 0, len(jobs))
	for _, job := range jobs {
		if !job.State().Terminal() {
			cause := context.Cause(job.ctx)
			if cause == nil {
				cause = runErr
			}
			o.finish(job, stateFor(cause), faults.Wrap(faults.ErrCancelled, "", "run", "transfer run stopped", cause))
		}
		job.cancel(nil)
		results = append(results, job.result())
	}

	committed := 0
	for _, res := range results {
		if res.State == StateCommitted {
			committed++
		}
	}
	o.logger.Info("transfer run finished",
		logging.String(logging.FieldEventType, "run_finished"),
		logging.Int("jobs", len(results)),
		logging.Int("committed", committed),
		logging.Duration("elapsed", time.Since(started)),
	)
	if runErr != nil && ctx.Err() != nil {
		return results, nil
	}
	return results, runErr
}

func (o *Orchestrator) activeLocked() int {
	n := 0
	for _, job := range o.jobs {
		if !job.State().Terminal() {
			n++
		}
	}
	return n
}

func stateFor(err error) State {
	if errors.Is(err, faults.ErrCancelled) || errors.Is(err, context.Canceled) {
		return StateCancelled
	}
	return StateFailed
}

// fail ends job with err. A job that is uploading only has its context
// cancelled; the device stage aborts the reservation and finishes it.
func (o *Orchestrator) fail(job *Job, err error) {
	job.gate.Lock()
	defer job.gate.Unlock()

	job.mu.Lock()
	state, cancel := job.state, job.cancel
	job.mu.Unlock()
	if state.Terminal() {
		return
	}
	if cancel != nil {
		cancel(err)
	}
	if state == StateUploading {
		return
	}
	o.finish(job, stateFor(err), err)
}

// finish records a terminal state once; later calls are ignored.
func (o *Orchestrator) finish(job *Job, state State, err error) {
	job.mu.Lock()
	if job.state.Terminal() {
		job.mu.Unlock()
		return
	}
	job.state = state
	if state != StateCommitted {
		job.err = err
	}
	job.finished = time.Now()
	cancel := job.cancel
	job.mu.Unlock()
	if cancel != nil {
		cancel(errJobFinished)
	}

	res := job.result()
	for _, stage := range []Stage{StageRip, StageEncode, StageUpload} {
		o.sampler.Forget(sampleKey(job, stage))
	}
	o.opts.Metrics.JobFinished(string(state))
	o.mu.Lock()
	o.opts.Metrics.SetActiveJobs(o.activeLocked())
	o.mu.Unlock()

	o.emit(job, Event{
		Kind:        EventTerminal,
		JobID:       job.ID,
		Track:       res.Track,
		Title:       res.Title,
		Fraction:    1,
		State:       state,
		Cause:       res.Cause,
		Annotations: res.Annotations,
	})

	if o.opts.Recorder != nil {
		if recErr := o.opts.Recorder.RecordJob(context.Background(), res); recErr != nil {
			logging.WarnWithContext(o.logger, "failed to record job history", "history_write_failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.Error(recErr),
				logging.String(logging.FieldErrorHint, "check the state directory is writable"),
				logging.String(logging.FieldImpact, "job missing from transfer history"),
			)
		}
	}
}

func (o *Orchestrator) emit(job *Job, e Event) {
	job.emitMu.Lock()
	defer job.emitMu.Unlock()
	if job.closed {
		return
	}
	if e.Kind == EventTerminal {
		job.closed = true
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if o.opts.Sink != nil {
		o.opts.Sink.Publish(e)
	}
}

// progress records a stage fraction and publishes it when it crosses a
// sampling bucket. Stages of one job run concurrently, so each stage is
// sampled on its own.
func (o *Orchestrator) progress(job *Job, stage Stage, fraction float64) {
	job.setProgress(stage, fraction)
	if job.State().Terminal() {
		return
	}
	if !o.sampler.ShouldLog(sampleKey(job, stage), string(stage), fraction*100) {
		return
	}
	o.emit(job, Event{
		Kind:     EventProgress,
		JobID:    job.ID,
		Track:    job.Request.Track.Number,
		Title:    job.Request.DisplayTitle(),
		Stage:    stage,
		Fraction: fraction,
		State:    job.State(),
	})
}

func sampleKey(job *Job, stage Stage) string {
	return job.ID + "/" + string(stage)
}

func (o *Orchestrator) stageComplete(job *Job, stage Stage) {
	job.setProgress(stage, 1)
	o.opts.Metrics.ObserveStage(string(stage), job.stageElapsed(stage))
	o.emit(job, Event{
		Kind:     EventStageComplete,
		JobID:    job.ID,
		Track:    job.Request.Track.Number,
		Title:    job.Request.DisplayTitle(),
		Stage:    stage,
		Fraction: 1,
		State:    job.State(),
	})
}
