package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"tracklift/internal/audio"
	"tracklift/internal/faults"
	"tracklift/internal/logging"
	"tracklift/internal/wire"
)

// Allocate re-reads live free capacity and reserves a slot for a track of
// estimate encoded bytes. Both happen under the transfer lock, so no other
// operation can consume the space in between.
func (s *Session) Allocate(ctx context.Context, format audio.Format, estimate uint64) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireState("allocate", StateReady); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, faults.Wrap(faults.ErrCancelled, "device", "allocate", "", context.Cause(ctx))
	}
	if format.Code() == 0 {
		return nil, faults.Wrap(faults.ErrConfiguration, "device", "allocate", fmt.Sprintf("unknown format %q", format), nil)
	}

	s.setState(StateAllocating)
	cctx := context.WithoutCancel(ctx)

	var capResp wire.CapacityResponse
	if err := s.command(cctx, wire.CmdQueryCapacity, nil, &capResp, s.opts.CommandTimeout); err != nil {
		return nil, s.settle("allocate", err, faults.ErrDeviceUnavailable, StateReady)
	}
	s.updateFree(capResp.Capacity, capResp.Free)

	need := roundUp(estimate, uint64(s.Capabilities().ClusterSize))
	if need > capResp.Free {
		s.setState(StateReady)
		return nil, insufficientSpace(need, capResp.Free)
	}

	var resp wire.AllocateResponse
	err := s.command(cctx, wire.CmdAllocate, wire.AllocateRequest{Format: format.Code(), Size: estimate}, &resp, s.opts.CommandTimeout)
	var statusErr *wire.StatusError
	if errors.As(err, &statusErr) && statusErr.Status == wire.StatusNoSpace {
		s.setState(StateReady)
		return nil, insufficientSpace(need, capResp.Free)
	}
	if err != nil {
		return nil, s.settle("allocate", err, faults.ErrDeviceUnavailable, StateReady)
	}

	h := &Handle{
		ID:       resp.Handle,
		Slot:     int(resp.Slot),
		Format:   format,
		Estimate: estimate,
		Reserved: resp.Reserved,
	}
	s.active = h
	s.setState(StateStreaming)
	s.logger.Debug("slot reserved",
		logging.Int("slot", h.Slot),
		logging.Any("handle", h.ID),
		logging.String("reserved", humanize.IBytes(h.Reserved)),
	)
	return h, nil
}

func insufficientSpace(need, free uint64) error {
	return faults.Wrap(faults.ErrInsufficientSpace, "device", "allocate",
		fmt.Sprintf("track needs %s, recorder has %s free", humanize.IBytes(need), humanize.IBytes(free)), nil)
}

func roundUp(n, cluster uint64) uint64 {
	if cluster <= 1 {
		return n
	}
	return (n + cluster - 1) / cluster * cluster
}

// Commit finalizes the reservation under title. This is the only point at
// which the slot becomes visible on the recorder. Once sent, the COMMIT
// completes under the command timeout even if ctx is cancelled.
func (s *Session) Commit(ctx context.Context, h *Handle, title string) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireHandle("commit", h); err != nil {
		return CommitResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return CommitResult{}, faults.Wrap(faults.ErrCancelled, "device", "commit", "", context.Cause(ctx))
	}

	name, warnings := EncodeTitle(title, s.Capabilities().MaxTitle)
	s.setState(StateCommitting)

	var resp wire.CommitResponse
	err := s.command(context.WithoutCancel(ctx), wire.CmdCommit,
		wire.CommitRequest{Handle: h.ID, Size: h.acked, Title: name}, &resp, s.opts.CommandTimeout)
	if err != nil {
		if errors.Is(err, faults.ErrDeviceLost) {
			return CommitResult{}, err
		}
		// The reservation is still open on a rejected commit.
		s.setState(StateStreaming)
		if abortErr := s.abortLocked(ctx, h); abortErr != nil {
			return CommitResult{}, errors.Join(faults.Wrap(faults.ErrUploadFailed, "device", "commit", "recorder rejected commit", err), abortErr)
		}
		return CommitResult{}, faults.Wrap(faults.ErrUploadFailed, "device", "commit", "recorder rejected commit", err)
	}

	slot := Slot{Index: int(resp.Slot), Format: h.Format, Size: h.acked, Title: name}
	s.active = nil
	s.infoMu.Lock()
	s.toc.Slots = append(s.toc.Slots, slot)
	s.toc.Free = resp.Free
	s.state = StateReady
	s.infoMu.Unlock()
	s.opts.Metrics.SetDeviceFree(resp.Free)

	for _, w := range warnings {
		logging.WarnWithContext(s.logger, "title adjusted for recorder", "title_adjusted",
			logging.String("title", title),
			logging.String("stored_title", name),
			logging.String("detail", w),
			logging.String(logging.FieldImpact, "track stored under adjusted title"),
		)
	}
	s.logger.Info("track committed",
		logging.String(logging.FieldEventType, "device_commit"),
		logging.Int("slot", slot.Index),
		logging.String("size", humanize.IBytes(slot.Size)),
		logging.String("free", humanize.IBytes(resp.Free)),
	)
	return CommitResult{Slot: slot.Index, Title: name, Size: slot.Size, Free: resp.Free, Warnings: warnings}, nil
}

// Abort releases the reservation. Aborting a handle that is no longer open is
// a no-op. Once sent, the ABORT completes under the command timeout even if
// ctx is cancelled.
func (s *Session) Abort(ctx context.Context, h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateDisconnected {
		return faults.Wrap(faults.ErrDeviceLost, "device", "abort", "recorder not connected", nil)
	}
	if h == nil || s.active != h {
		return nil
	}
	return s.abortLocked(ctx, h)
}

func (s *Session) abortLocked(ctx context.Context, h *Handle) error {
	s.setState(StateAborting)
	var resp wire.AbortResponse
	err := s.command(context.WithoutCancel(ctx), wire.CmdAbort, wire.AbortRequest{Handle: h.ID}, &resp, s.opts.CommandTimeout)
	if err != nil {
		if errors.Is(err, faults.ErrDeviceLost) {
			return err
		}
		s.active = nil
		return s.settle("abort", err, faults.ErrDeviceUnavailable, StateReady)
	}
	s.active = nil
	s.updateFree(s.TOC().Capacity, resp.Free)
	s.setState(StateReady)
	s.logger.Info("reservation released",
		logging.String(logging.FieldEventType, "device_abort"),
		logging.Int("slot", h.Slot),
		logging.String("free", humanize.IBytes(resp.Free)),
	)
	return nil
}
