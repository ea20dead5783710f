package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"tracklift/internal/audio"
	"tracklift/internal/device"
	"tracklift/internal/disc"
	"tracklift/internal/faults"
	"tracklift/internal/logging"
)

var errNoFinalPayload = errors.New("transfer: encoder stopped before the final payload")

// ripped hands a job's block stream from the rip stage to the encoder.
type ripped struct {
	job    *Job
	blocks <-chan disc.Block
}

// encoded hands a job's payload stream from the encoder to the device stage.
type encoded struct {
	job      *Job
	payloads <-chan audio.Payload
}

// ripStage reads each job's blocks in submission order. A job is handed to
// the encoder before its first read so the stages overlap.
func (o *Orchestrator) ripStage(ctx context.Context, jobs []*Job, out chan<- ripped) error {
	defer close(out)
	for _, job := range jobs {
		if job.State().Terminal() {
			continue
		}
		blocks := make(chan disc.Block, o.opts.QueueDepth)
		select {
		case out <- ripped{job: job, blocks: blocks}:
		case <-ctx.Done():
			return nil
		}
		o.rip(job, blocks)
	}
	return nil
}

func (o *Orchestrator) rip(job *Job, out chan<- disc.Block) {
	defer close(out)
	ctx := jobContext(job, StageRip)
	if !job.advance(StateRipping) || ctx.Err() != nil {
		return
	}
	logger := logging.WithContext(ctx, o.logger)
	logger.Info("ripping track",
		logging.String(logging.FieldEventType, "rip_started"),
		logging.Int64("sectors", job.Request.sectors()),
	)

	total := float64(max(job.Request.sectors(), 1))
	var done int64
	for block, err := range o.source.Blocks(ctx, job.Request.Track, job.Request.Range) {
		if err != nil {
			var readErr *disc.ReadError
			if !errors.As(err, &readErr) || readErr.Fatal {
				o.fail(job, faults.Op("read", err))
				return
			}
			job.annotate(fmt.Sprintf("sectors %d-%d unreadable after %d attempts, recorded as silence",
				readErr.Range.Start, readErr.Range.End-1, readErr.Attempts))
			o.opts.Metrics.RangeDamaged()
		}
		if block.Rereads > 0 {
			o.opts.Metrics.AddRereads(block.Rereads)
		}
		select {
		case out <- block:
		case <-ctx.Done():
			return
		}
		done += int64(block.Sectors)
		o.progress(job, StageRip, float64(done)/total)
	}
	if ctx.Err() != nil {
		return
	}
	o.stageComplete(job, StageRip)
}

// encodeStage transcodes each job's blocks into payloads. Every payload
// channel it hands on is closed, with or without a final payload.
func (o *Orchestrator) encodeStage(ctx context.Context, in <-chan ripped, out chan<- encoded) error {
	defer close(out)
	for r := range in {
		payloads := make(chan audio.Payload, o.opts.QueueDepth)
		select {
		case out <- encoded{job: r.job, payloads: payloads}:
			o.encode(r.job, r.blocks, payloads)
		case <-ctx.Done():
			close(payloads)
			for range r.blocks {
			}
		}
	}
	return nil
}

func (o *Orchestrator) encode(job *Job, blocks <-chan disc.Block, out chan<- audio.Payload) {
	defer close(out)
	defer func() {
		for range blocks {
		}
	}()
	ctx := jobContext(job, StageEncode)
	tc, err := audio.NewTranscoder(job.Request.Profile)
	if err != nil {
		o.fail(job, faults.Op("encode", err))
		return
	}
	send := func(p audio.Payload) bool {
		select {
		case out <- p:
			return true
		case <-ctx.Done():
			return false
		}
	}

	total := float64(max(job.Request.sectors(), 1))
	var done int64
	for block := range blocks {
		if done == 0 && !job.advance(StateEncoding) {
			return
		}
		payloads, err := tc.Encode(block)
		if err != nil {
			o.fail(job, faults.Op("encode", err))
			return
		}
		for _, p := range payloads {
			if !send(p) {
				return
			}
		}
		done += int64(block.Sectors)
		o.progress(job, StageEncode, float64(done)/total)
	}
	if ctx.Err() != nil {
		return
	}
	last, err := tc.Finish()
	if err != nil {
		o.fail(job, faults.Op("encode", err))
		return
	}
	if !send(last) {
		return
	}
	logging.WithContext(ctx, o.logger).Debug("track encoded",
		logging.Int64("input_bytes", tc.InputBytes()),
		logging.Int64("output_bytes", tc.OutputBytes()),
	)
	o.stageComplete(job, StageEncode)
}

// deviceStage uploads jobs one at a time; the recorder accepts a single open
// reservation.
func (o *Orchestrator) deviceStage(_ context.Context, in <-chan encoded) error {
	for e := range in {
		o.deliver(e.job, e.payloads)
	}
	return nil
}

func (o *Orchestrator) deliver(job *Job, payloads <-chan audio.Payload) {
	defer func() {
		for range payloads {
		}
	}()
	ctx := jobContext(job, StageUpload)

	first, ok, err := awaitPayload(ctx, payloads, o.opts.HandoffTimeout)
	switch {
	case errors.Is(err, faults.ErrTimeout):
		o.fail(job, faults.Op("await payload", err))
		return
	case err != nil || !ok:
		o.settleEarly(ctx, job)
		return
	}

	if err = o.session.Connect(ctx); err != nil {
		o.fail(job, faults.Op("connect", err))
		return
	}

	req := job.Request
	estimate := uint64(req.Profile.EstimateSize(req.sectors()))

	job.gate.Lock()
	if job.State().Terminal() || ctx.Err() != nil {
		job.gate.Unlock()
		return
	}
	h, err := o.session.Allocate(ctx, req.Profile.Format, estimate)
	if err != nil {
		job.gate.Unlock()
		o.fail(job, faults.Op("allocate", err))
		return
	}
	job.advance(StateUploading)
	job.gate.Unlock()

	logger := logging.WithContext(ctx, o.logger)
	logger.Info("reservation opened",
		logging.String(logging.FieldEventType, "upload_started"),
		logging.Int("slot", h.Slot),
		logging.Int64("estimate_bytes", int64(estimate)),
	)

	src := &channelSource{first: &first, ch: payloads, limit: o.opts.HandoffTimeout}
	progress := func(acked uint64) {
		o.progress(job, StageUpload, float64(acked)/float64(max(estimate, 1)))
	}
	op := "upload"
	err = o.session.Upload(ctx, h, src, progress)
	if err == nil {
		o.stageComplete(job, StageUpload)
		op = "commit"
		var res device.CommitResult
		res, err = o.session.Commit(ctx, h, req.DisplayTitle())
		if err == nil {
			for _, w := range res.Warnings {
				job.annotate(w)
			}
			job.setCommit(res)
			o.finish(job, StateCommitted, nil)
			return
		}
	}

	if !errors.Is(err, faults.ErrUploadFailed) && !errors.Is(err, faults.ErrDeviceLost) {
		if abortErr := o.session.Abort(context.WithoutCancel(ctx), h); abortErr != nil {
			logging.WarnWithContext(logger, "reservation abort failed", "abort_failed",
				logging.Error(abortErr),
				logging.String(logging.FieldErrorHint, "reconnect the recorder to reclaim the reserved space"),
				logging.String(logging.FieldImpact, "space may stay reserved until the recorder is power cycled"),
			)
		}
	}
	logger.Debug("reservation closed early",
		logging.Int64("acked_bytes", int64(h.Written())),
		logging.Error(err),
	)
	cause := context.Cause(ctx)
	if cause == nil {
		cause = faults.Op(op, err)
	}
	o.finish(job, stateFor(cause), cause)
}

// settleEarly ends a job whose payload stream closed before it reached the
// device. Normally an upstream stage has already finished it.
func (o *Orchestrator) settleEarly(ctx context.Context, job *Job) {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = faults.Wrap(faults.ErrEncoding, "encode", "stream payloads", "", errNoFinalPayload)
	}
	o.fail(job, cause)
}

// jobContext tags the job's context for logging.
func jobContext(job *Job, stage Stage) context.Context {
	ctx := job.context()
	ctx = faults.WithJobID(ctx, job.ID)
	ctx = faults.WithTrack(ctx, job.Request.Track.Number)
	return faults.WithStage(ctx, string(stage))
}

// awaitPayload receives the next payload from ch. ok is false once ch is
// closed. A wait longer than limit fails with ErrTimeout.
func awaitPayload(ctx context.Context, ch <-chan audio.Payload, limit time.Duration) (p audio.Payload, ok bool, err error) {
	var expired <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case p, ok = <-ch:
		return p, ok, nil
	case <-ctx.Done():
		return audio.Payload{}, false, context.Cause(ctx)
	case <-expired:
		return audio.Payload{}, false, faults.Wrap(faults.ErrTimeout, "upload", "await payload",
			fmt.Sprintf("encoder produced nothing for %s", limit), nil)
	}
}

// channelSource feeds the device stage's payload channel to Upload.
type channelSource struct {
	first *audio.Payload
	ch    <-chan audio.Payload
	limit time.Duration
	done  bool
}

func (s *channelSource) Next(ctx context.Context) (audio.Payload, error) {
	if s.done {
		return audio.Payload{}, io.EOF
	}
	if s.first != nil {
		p := *s.first
		s.first = nil
		s.done = p.Final
		return p, nil
	}
	p, ok, err := awaitPayload(ctx, s.ch, s.limit)
	if err != nil {
		return audio.Payload{}, err
	}
	if !ok {
		if ctx.Err() != nil {
			return audio.Payload{}, context.Cause(ctx)
		}
		return audio.Payload{}, faults.Wrap(faults.ErrEncoding, "encode", "stream payloads", "", errNoFinalPayload)
	}
	s.done = p.Final
	return p, nil
}
