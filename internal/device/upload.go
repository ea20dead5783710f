package device

import (
	"context"
	"errors"
	"fmt"
	"io"

	"tracklift/internal/audio"
	"tracklift/internal/config"
	"tracklift/internal/faults"
	"tracklift/internal/logging"
	"tracklift/internal/wire"
)

// PayloadSource yields encoded payloads in order. Next returns io.EOF after
// the final payload.
type PayloadSource interface {
	Next(ctx context.Context) (audio.Payload, error)
}

// SourceFunc adapts a function to PayloadSource.
type SourceFunc func(ctx context.Context) (audio.Payload, error)

func (f SourceFunc) Next(ctx context.Context) (audio.Payload, error) { return f(ctx) }

// Payloads returns a source over a fixed slice.
func Payloads(payloads ...audio.Payload) PayloadSource {
	i := 0
	return SourceFunc(func(ctx context.Context) (audio.Payload, error) {
		if i >= len(payloads) {
			return audio.Payload{}, io.EOF
		}
		p := payloads[i]
		i++
		return p, nil
	})
}

type chunk struct {
	offset uint64
	data   []byte
}

func (c chunk) end() uint64 { return c.offset + uint64(len(c.data)) }

// Upload streams payloads from src into the reservation h. Payloads are cut
// into DATA frames that fit the transport. Frames are acknowledged one at a
// time or in batches, and a missing, corrupt or negative acknowledgement
// resends everything after the last acknowledged byte. When the retry budget
// is exhausted the reservation is aborted and ErrUploadFailed returned. A
// transport failure returns ErrDeviceLost and disconnects the session.
//
// On cancellation or a source error Upload returns with the reservation still
// open; the caller decides whether to Abort. progress, when set, receives the
// acknowledged byte count after every acknowledgement.
func (s *Session) Upload(ctx context.Context, h *Handle, src PayloadSource, progress func(acked uint64)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireHandle("upload", h); err != nil {
		return err
	}

	size := s.chunkSize()
	batch := s.batchSize()
	window := make([]chunk, 0, batch)
	offset := h.acked

	for {
		p, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		for data := p.Data; len(data) > 0; {
			n := min(len(data), size)
			window = append(window, chunk{offset: offset, data: data[:n]})
			offset += uint64(n)
			data = data[n:]
			if len(window) == batch {
				if err := s.flush(ctx, h, window, progress); err != nil {
					return err
				}
				window = window[:0]
			}
		}
		if p.Final {
			break
		}
	}
	if len(window) > 0 {
		return s.flush(ctx, h, window, progress)
	}
	return nil
}

func (s *Session) chunkSize() int {
	n := s.transport.MaxTransferUnit() - wire.HeaderSize - wire.DataOverhead
	return max(min(n, wire.MaxPayload-wire.DataOverhead), 1)
}

func (s *Session) batchSize() int {
	if s.opts.AckMode == config.AckModeBatch && s.Capabilities().BatchAck {
		return s.opts.AckBatch
	}
	return 1
}

// flush sends window and waits for it to be acknowledged in full.
func (s *Session) flush(ctx context.Context, h *Handle, window []chunk, progress func(uint64)) error {
	end := window[len(window)-1].end()
	pending := window
	retries := 0
	for {
		received, err := s.sendWindow(ctx, h, pending)
		switch {
		case err == nil:
			if received > h.acked {
				s.opts.Metrics.AddUploadedBytes(received - h.acked)
				h.acked = min(received, end)
				retries = 0
				if progress != nil {
					progress(h.acked)
				}
			}
			if h.acked >= end {
				return nil
			}
			pending = unacked(window, h.acked)
			err = fmt.Errorf("recorder acknowledged %d of %d bytes", received, end)
		case errors.Is(err, faults.ErrDeviceLost), errors.Is(err, faults.ErrCancelled):
			return err
		case isRejection(err):
			return s.failUpload(ctx, h, err)
		}

		if retries >= s.opts.FrameRetries {
			return s.failUpload(ctx, h, fmt.Errorf("offset %d unacknowledged after %d retries: %w", h.acked, retries, err))
		}
		retries++
		s.opts.Metrics.FrameRetried()
		s.logger.Debug("resending frames",
			logging.Any("offset", h.acked),
			logging.Int("frames", len(pending)),
			logging.Int("retry", retries),
			logging.Error(err),
		)
	}
}

// unacked returns the part of window after acked.
func unacked(window []chunk, acked uint64) []chunk {
	for i, c := range window {
		if c.end() <= acked {
			continue
		}
		rest := window[i:]
		if c.offset < acked {
			trimmed := chunk{offset: acked, data: c.data[acked-c.offset:]}
			rest = append([]chunk{trimmed}, rest[1:]...)
		}
		return rest
	}
	return nil
}

func (s *Session) failUpload(ctx context.Context, h *Handle, cause error) error {
	failure := faults.Wrap(faults.ErrUploadFailed, "device", "upload", "", cause)
	logging.WarnWithContext(s.logger, "upload failed; releasing reservation", "upload_failed",
		logging.Error(cause),
		logging.Int("slot", h.Slot),
		logging.String(logging.FieldErrorHint, "check the USB cable and retry the track"),
		logging.String(logging.FieldImpact, "track not stored"),
	)
	if err := s.abortLocked(ctx, h); err != nil {
		return errors.Join(failure, err)
	}
	return failure
}

type rejection struct{ err error }

func (r *rejection) Error() string { return r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }

func isRejection(err error) bool {
	var r *rejection
	return errors.As(err, &r)
}

// sendWindow sends the frames of pending, requesting an acknowledgement on
// the last, and returns the recorder's contiguous received count.
func (s *Session) sendWindow(ctx context.Context, h *Handle, pending []chunk) (uint64, error) {
	var seq uint16
	for i, c := range pending {
		if err := ctx.Err(); err != nil {
			return 0, faults.Wrap(faults.ErrCancelled, "device", "upload", "", context.Cause(ctx))
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return 0, faults.Wrap(faults.ErrCancelled, "device", "upload", "frame pacing", err)
			}
		}
		body, err := wire.DataRequest{Handle: h.ID, Offset: c.offset, Data: c.data}.MarshalBinary()
		if err != nil {
			return 0, &rejection{err: err}
		}
		var flags uint8
		if i == len(pending)-1 {
			flags = wire.FlagAckRequested
		}
		seq = s.nextSeq()
		raw, err := wire.Encode(wire.Frame{Command: wire.CmdData, Flags: flags, Seq: seq, Payload: body})
		if err != nil {
			return 0, &rejection{err: err}
		}
		if err := s.send(ctx, "upload", raw, s.opts.FrameTimeout); err != nil {
			return 0, err
		}
	}
	return s.awaitAck(ctx, seq)
}

// awaitAck waits for the acknowledgement of the DATA frame seq. Corrupt
// acknowledgements and BAD_CHECKSUM are retryable; any other non-OK status
// is a rejection.
func (s *Session) awaitAck(ctx context.Context, seq uint16) (uint64, error) {
	if err := s.checkLink("upload"); err != nil {
		return 0, err
	}
	ioCtx, done := s.ioContext(ctx, s.opts.FrameTimeout)
	defer done()
	for {
		data, err := s.transport.Receive(ioCtx)
		if err != nil {
			return 0, s.linkError(ctx, "upload", err)
		}
		frame, err := wire.Decode(data)
		if err != nil {
			return 0, fmt.Errorf("corrupt acknowledgement: %w", err)
		}
		if !frame.IsResponse() || frame.Command != wire.CmdData || frame.Seq != seq {
			continue
		}
		switch frame.Status {
		case wire.StatusOK:
		case wire.StatusBadChecksum:
			return 0, wire.CheckStatus(frame)
		default:
			return 0, &rejection{err: wire.CheckStatus(frame)}
		}
		var ack wire.DataAck
		if err := ack.UnmarshalBinary(frame.Payload); err != nil {
			return 0, fmt.Errorf("acknowledgement body: %w", err)
		}
		return ack.Received, nil
	}
}
