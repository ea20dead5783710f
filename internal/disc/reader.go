package disc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"tracklift/internal/config"
	"tracklift/internal/faults"
	"tracklift/internal/logging"
)

// ReaderOptions bounds the reader's retry and verification policy.
type ReaderOptions struct {
	Verify           bool
	Retries          int
	Backoff          time.Duration
	MaxBackoff       time.Duration
	ReadTimeout      time.Duration
	SectorsPerBlock  int
	FatalLeadSectors int
}

// OptionsFromConfig maps the [disc] section onto reader options.
func OptionsFromConfig(cfg config.Disc) ReaderOptions {
	return ReaderOptions{
		Verify:           cfg.Verify,
		Retries:          cfg.ReadRetries,
		Backoff:          cfg.RetryBackoff(),
		MaxBackoff:       cfg.MaxBackoff(),
		ReadTimeout:      cfg.ReadTimeout(),
		SectorsPerBlock:  cfg.SectorsPerBlock,
		FatalLeadSectors: cfg.FatalLeadSectors,
	}
}

func (o ReaderOptions) withDefaults() ReaderOptions {
	if o.SectorsPerBlock <= 0 {
		o.SectorsPerBlock = SectorsPerSecond
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 10 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = o.Backoff
	}
	return o
}

// Reader extracts PCM blocks from a Drive. It keeps no state between tracks.
type Reader struct {
	drive  Drive
	opts   ReaderOptions
	logger *slog.Logger
}

// NewReader constructs a reader over drive.
func NewReader(drive Drive, opts ReaderOptions, logger *slog.Logger) *Reader {
	return &Reader{
		drive:  drive,
		opts:   opts.withDefaults(),
		logger: logging.NewComponentLogger(logger, "disc"),
	}
}

// Blocks returns the blocks of rng within track, in order. A zero rng reads
// the whole track. Ranging over the sequence again re-reads from the first
// sector.
//
// A recoverable *ReadError is yielded together with a Damaged block and
// reading continues; any other error ends the sequence.
func (r *Reader) Blocks(ctx context.Context, track Track, rng SectorRange) iter.Seq2[Block, error] {
	return func(yield func(Block, error) bool) {
		span, err := rng.clamp(track)
		if err != nil {
			yield(Block{}, faults.Wrap(faults.ErrRead, "rip", "select range", "", err))
			return
		}
		logger := logging.WithContext(ctx, r.logger)
		step := int64(r.opts.SectorsPerBlock)
		seq := 0
		for lba := span.Start; lba < span.End; lba += step {
			count := int(min(step, span.End-lba))
			data, attempts, err := r.readRange(ctx, lba, count)
			block := Block{
				Seq:         seq,
				FirstSector: lba,
				Sectors:     count,
				PCM:         data,
				SampleRate:  SampleRate,
				Channels:    Channels,
			}
			if err == nil {
				block.Rereads = attempts - r.minimumReads()
				if block.Rereads > 0 {
					logger.Debug("range recovered after re-reads",
						logging.Int64("lba", lba),
						logging.Int("rereads", block.Rereads),
					)
				}
				if !yield(block, nil) {
					return
				}
				seq++
				continue
			}
			if ctx.Err() != nil {
				yield(Block{}, faults.Wrap(faults.ErrCancelled, "rip", "read sectors", "", context.Cause(ctx)))
				return
			}
			readErr := &ReadError{
				Track:    track.Number,
				Range:    SectorRange{Start: lba, End: lba + int64(count)},
				Attempts: attempts,
				Fatal:    r.isLeadRange(track, lba),
				Err:      err,
			}
			if readErr.Fatal {
				yield(Block{}, readErr)
				return
			}
			logging.WarnWithContext(logger, "unreadable range replaced with silence", "disc_range_damaged",
				logging.Int64("lba", lba),
				logging.Int("sectors", count),
				logging.Int("attempts", attempts),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "clean the disc and re-transfer the track"),
				logging.String(logging.FieldImpact, "a gap of silence is recorded"),
			)
			block.PCM = make([]byte, count*SectorSize)
			block.Damaged = true
			if !yield(block, readErr) {
				return
			}
			seq++
		}
	}
}

// isLeadRange reports whether a range starting at lba falls in the opening
// sectors of the track, where an unreadable range fails the whole read.
func (r *Reader) isLeadRange(track Track, lba int64) bool {
	offset := lba - track.StartSector
	return offset == 0 || offset < int64(r.opts.FatalLeadSectors)
}

func (r *Reader) minimumReads() int {
	if r.opts.Verify {
		return 2
	}
	return 1
}

type candidate struct {
	data []byte
	hits int
}

// readRange reads count sectors at lba until enough reads agree. It returns
// the accepted data and the number of drive reads issued.
func (r *Reader) readRange(ctx context.Context, lba int64, count int) ([]byte, int, error) {
	need := r.minimumReads()
	maxAttempts := need + r.opts.Retries
	var (
		candidates []*candidate
		lastErr    error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > need {
			if err := sleepContext(ctx, r.backoff(attempt-need)); err != nil {
				return nil, attempt - 1, err
			}
		}
		data, err := r.readOnce(ctx, lba, count)
		if err != nil {
			if ctx.Err() != nil {
				return nil, attempt, ctx.Err()
			}
			lastErr = err
			continue
		}
		match := findCandidate(candidates, data)
		if match == nil {
			match = &candidate{data: data}
			candidates = append(candidates, match)
		}
		match.hits++
		if match.hits >= need {
			return match.data, attempt, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%d reads of %d sectors disagreed", maxAttempts, count)
	}
	return nil, maxAttempts, lastErr
}

func findCandidate(candidates []*candidate, data []byte) *candidate {
	for _, c := range candidates {
		if bytes.Equal(c.data, data) {
			return c
		}
	}
	return nil
}

// readOnce issues one drive read bounded by the read timeout. Every call gets
// a fresh buffer so a read abandoned on timeout never races a later one.
func (r *Reader) readOnce(ctx context.Context, lba int64, count int) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, r.opts.ReadTimeout)
	defer cancel()

	buf := make([]byte, count*SectorSize)
	done := make(chan error, 1)
	go func() {
		done <- r.drive.ReadSectors(readCtx, lba, count, buf)
	}()

	select {
	case err := <-done:
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, faults.Wrap(faults.ErrTimeout, "rip", "read sectors", fmt.Sprintf("lba %d", lba), err)
			}
			return nil, err
		}
		return buf, nil
	case <-readCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.Wrap(faults.ErrTimeout, "rip", "read sectors",
			fmt.Sprintf("lba %d exceeded %s", lba, r.opts.ReadTimeout), readCtx.Err())
	}
}

// backoff returns the delay before retry n (1-based), doubling per retry.
func (r *Reader) backoff(n int) time.Duration {
	delay := r.opts.Backoff
	for i := 1; i < n && delay < r.opts.MaxBackoff; i++ {
		delay *= 2
	}
	return min(delay, r.opts.MaxBackoff)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
