package device

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tracklift/internal/config"
	"tracklift/internal/faults"
	"tracklift/internal/logging"
	"tracklift/internal/metrics"
	"tracklift/internal/wire"
)

// Options bounds the session's protocol behaviour.
type Options struct {
	HandshakeTimeout time.Duration
	CommandTimeout   time.Duration
	FrameTimeout     time.Duration
	FrameRetries     int
	AckMode          string
	AckBatch         int
	FramesPerSecond  int
	Metrics          *metrics.Metrics
}

// OptionsFromConfig maps the [device] config section onto session options.
func OptionsFromConfig(cfg config.Device) Options {
	return Options{
		HandshakeTimeout: cfg.HandshakeTimeout(),
		CommandTimeout:   cfg.CommandTimeout(),
		FrameTimeout:     cfg.FrameTimeout(),
		FrameRetries:     cfg.FrameRetries,
		AckMode:          cfg.AckMode,
		AckBatch:         cfg.AckBatch,
		FramesPerSecond:  cfg.FramesPerSecond,
	}
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Second
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = 2 * time.Second
	}
	if o.FrameRetries < 0 {
		o.FrameRetries = 0
	}
	if o.AckBatch <= 0 {
		o.AckBatch = 1
	}
	return o
}

var errDisconnected = errors.New("session disconnected by host")

// Session is the host side of the recorder protocol.
type Session struct {
	dialer  Dialer
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter

	// mu is the transfer lock. It is held for the whole of every protocol
	// operation and guards transport, seq and active.
	mu        sync.Mutex
	transport Transport
	seq       uint16
	active    *Handle

	infoMu   sync.RWMutex
	state    State
	link     context.Context
	dropLink context.CancelCauseFunc
	identity Identity
	caps     Capabilities
	toc      TOC
}

// NewSession builds a disconnected session that dials through dialer.
func NewSession(dialer Dialer, opts Options, logger *slog.Logger) *Session {
	opts = opts.withDefaults()
	s := &Session{
		dialer: dialer,
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "device"),
	}
	if opts.FramesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.FramesPerSecond), 1)
	}
	return s
}

// State reports the current state machine position.
func (s *Session) State() State {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.state
}

// Identity returns the identity read during Connect.
func (s *Session) Identity() Identity {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.identity
}

// Capabilities returns the parameters agreed during Connect.
func (s *Session) Capabilities() Capabilities {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.caps
}

// TOC returns the cached table of contents.
func (s *Session) TOC() TOC {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.toc.clone()
}

// Snapshot returns a consistent copy of the cached device state.
func (s *Session) Snapshot() Snapshot {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return Snapshot{
		State:        s.state,
		StateName:    s.state.String(),
		Identity:     s.identity,
		Capabilities: s.caps,
		TOC:          s.toc.clone(),
	}
}

// Connect dials the recorder and runs HELLO, IDENTIFY and READ_TOC. It is a
// no-op when the session is already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateDisconnected {
		link := s.linkContext()
		if link == nil || link.Err() == nil {
			return nil
		}
		s.detach(context.Cause(link))
	}
	if err := ctx.Err(); err != nil {
		return faults.Wrap(faults.ErrCancelled, "device", "connect", "", context.Cause(ctx))
	}

	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	transport, err := s.dialer.Dial(hctx)
	if err != nil {
		return faults.Wrap(faults.ErrDeviceUnavailable, "device", "connect", "open recorder", err)
	}
	s.attach(transport)

	if err := s.handshake(hctx); err != nil {
		s.detach(err)
		if ctx.Err() != nil {
			return faults.Wrap(faults.ErrCancelled, "device", "connect", "", context.Cause(ctx))
		}
		return faults.Wrap(faults.ErrDeviceUnavailable, "device", "connect", err.Error(), nil)
	}

	snap := s.Snapshot()
	s.logger.Info("recorder connected",
		logging.String(logging.FieldEventType, "device_connected"),
		logging.String("model", snap.Identity.Model),
		logging.String("firmware", snap.Identity.Firmware),
		logging.Bool("batch_ack", snap.Capabilities.BatchAck),
		logging.Int("slots", len(snap.TOC.Slots)),
		logging.Any("free_bytes", snap.TOC.Free),
	)
	s.opts.Metrics.SetDeviceFree(snap.TOC.Free)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	var hello wire.HelloResponse
	if err := s.command(ctx, wire.CmdHello, wire.HelloRequest{Version: wire.ProtocolVersion}, &hello, s.opts.HandshakeTimeout); err != nil {
		return err
	}
	if hello.Version == 0 || hello.Version > wire.ProtocolVersion {
		return fmt.Errorf("recorder speaks protocol version %d, host supports %d", hello.Version, wire.ProtocolVersion)
	}
	caps := Capabilities{
		Version:     hello.Version,
		BatchAck:    hello.Capabilities&wire.CapBatchAck != 0,
		MaxTitle:    int(hello.MaxTitle),
		ClusterSize: int(hello.ClusterSize),
	}
	if caps.ClusterSize <= 0 {
		caps.ClusterSize = 1
	}

	var ident wire.IdentifyResponse
	if err := s.command(ctx, wire.CmdIdentify, nil, &ident, s.opts.HandshakeTimeout); err != nil {
		return err
	}
	var toc wire.TOCResponse
	if err := s.command(ctx, wire.CmdReadTOC, nil, &toc, s.opts.HandshakeTimeout); err != nil {
		return err
	}

	s.infoMu.Lock()
	s.caps = caps
	s.identity = Identity{Model: ident.Model, Firmware: ident.Firmware, Serial: ident.Serial}
	s.toc = tocFromWire(toc)
	s.state = StateReady
	s.infoMu.Unlock()
	return nil
}

// RefreshTOC re-reads the recorder's table of contents.
func (s *Session) RefreshTOC(ctx context.Context) (TOC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("read toc", StateReady); err != nil {
		return TOC{}, err
	}
	var resp wire.TOCResponse
	if err := s.command(context.WithoutCancel(ctx), wire.CmdReadTOC, nil, &resp, s.opts.CommandTimeout); err != nil {
		return TOC{}, s.settle("read toc", err, faults.ErrDeviceUnavailable, StateReady)
	}
	toc := tocFromWire(resp)
	s.infoMu.Lock()
	s.toc = toc
	s.infoMu.Unlock()
	s.opts.Metrics.SetDeviceFree(toc.Free)
	return toc.clone(), nil
}

// Disconnect closes the transport from any state. An operation in flight
// fails with ErrDeviceLost.
func (s *Session) Disconnect() {
	s.infoMu.RLock()
	drop := s.dropLink
	s.infoMu.RUnlock()
	if drop != nil {
		drop(errDisconnected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return
	}
	s.detach(errDisconnected)
	s.logger.Info("recorder disconnected",
		logging.String(logging.FieldEventType, "device_disconnected"),
	)
}

// MarkLost records that the recorder went away, for example on a hotplug
// removal event. Any in-flight exchange is interrupted and fails with
// ErrDeviceLost; the session returns to disconnected.
func (s *Session) MarkLost(cause error) {
	if cause == nil {
		cause = ErrNoDevice
	}
	s.infoMu.RLock()
	drop := s.dropLink
	s.infoMu.RUnlock()
	if drop == nil {
		return
	}
	drop(cause)
	logging.WarnWithContext(s.logger, "recorder lost", "device_lost",
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "reconnect the recorder"),
		logging.String(logging.FieldImpact, "in-flight upload fails"),
	)

	// The in-flight operation, if any, tears down under its own lock.
	if s.mu.TryLock() {
		if s.transport != nil {
			s.detach(cause)
		}
		s.mu.Unlock()
	}
}

func (s *Session) attach(t Transport) {
	link, drop := context.WithCancelCause(context.Background())
	s.transport = t
	s.seq = 0
	s.infoMu.Lock()
	s.link = link
	s.dropLink = drop
	s.state = StateConnected
	s.infoMu.Unlock()
}

// detach closes the transport and invalidates cached device state. Caller
// holds mu.
func (s *Session) detach(cause error) {
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
	s.active = nil
	s.infoMu.Lock()
	if s.dropLink != nil {
		s.dropLink(cause)
	}
	s.link = nil
	s.dropLink = nil
	s.state = StateDisconnected
	s.identity = Identity{}
	s.caps = Capabilities{}
	s.toc = TOC{}
	s.infoMu.Unlock()
}

func (s *Session) setState(state State) {
	s.infoMu.Lock()
	s.state = state
	s.infoMu.Unlock()
}

func (s *Session) linkContext() context.Context {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.link
}

func (s *Session) requireState(op string, want State) error {
	state := s.State()
	switch {
	case state == want:
		return nil
	case state == StateDisconnected:
		return faults.Wrap(faults.ErrDeviceUnavailable, "device", op, "recorder not connected", nil)
	default:
		return faults.Wrap(faults.ErrDeviceUnavailable, "device", op, fmt.Sprintf("session is %s, need %s", state, want), nil)
	}
}

func (s *Session) requireHandle(op string, h *Handle) error {
	if s.State() == StateDisconnected {
		return faults.Wrap(faults.ErrDeviceLost, "device", op, "recorder not connected", nil)
	}
	if h == nil || s.active != h {
		return faults.Wrap(faults.ErrUploadFailed, "device", op, "handle is not the open reservation", nil)
	}
	if state := s.State(); state != StateStreaming {
		return faults.Wrap(faults.ErrUploadFailed, "device", op, fmt.Sprintf("session is %s, need streaming", state), nil)
	}
	return nil
}

func (s *Session) updateFree(capacity, free uint64) {
	s.infoMu.Lock()
	s.toc.Capacity = capacity
	s.toc.Free = free
	s.infoMu.Unlock()
	s.opts.Metrics.SetDeviceFree(free)
}

// settle maps a failed command onto the session: link loss has already
// detached, anything else returns the session to next.
func (s *Session) settle(op string, err error, marker error, next State) error {
	if errors.Is(err, faults.ErrDeviceLost) || errors.Is(err, faults.ErrCancelled) {
		return err
	}
	if s.State() != StateDisconnected {
		s.setState(next)
	}
	if errors.Is(err, faults.ErrTimeout) {
		return err
	}
	return faults.Wrap(marker, "device", op, "", err)
}

// lose detaches after a failure that leaves the recorder's state unknown.
func (s *Session) lose(op string, err error) error {
	s.detach(err)
	return faults.Wrap(faults.ErrDeviceLost, "device", op, "", err)
}

func (s *Session) nextSeq() uint16 {
	s.seq++
	return s.seq
}

func (s *Session) ioContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ioCtx, cancel := context.WithTimeout(ctx, timeout)
	link := s.linkContext()
	if link == nil {
		return ioCtx, cancel
	}
	stop := context.AfterFunc(link, cancel)
	return ioCtx, func() {
		stop()
		cancel()
	}
}

// linkError classifies a transport failure. ctx is the operation context,
// not the per-exchange one.
func (s *Session) linkError(ctx context.Context, op string, err error) error {
	if link := s.linkContext(); link != nil && link.Err() != nil {
		return s.lose(op, context.Cause(link))
	}
	if ctx.Err() != nil {
		return faults.Wrap(faults.ErrCancelled, "device", op, "", context.Cause(ctx))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.ErrTimeout, "device", op, "no response from recorder", err)
	}
	return s.lose(op, err)
}

// checkLink fails fast once the link was dropped, before touching the
// transport.
func (s *Session) checkLink(op string) error {
	if s.transport == nil {
		return faults.Wrap(faults.ErrDeviceLost, "device", op, "recorder not connected", nil)
	}
	if link := s.linkContext(); link != nil && link.Err() != nil {
		return s.lose(op, context.Cause(link))
	}
	return nil
}

func (s *Session) send(ctx context.Context, op string, raw []byte, timeout time.Duration) error {
	if err := s.checkLink(op); err != nil {
		return err
	}
	ioCtx, done := s.ioContext(ctx, timeout)
	defer done()
	if err := s.transport.Send(ioCtx, raw); err != nil {
		return s.linkError(ctx, op, err)
	}
	return nil
}

// roundTrip sends one command frame and waits for the response carrying the
// same command and sequence number. Stale responses are discarded.
func (s *Session) roundTrip(ctx context.Context, cmd wire.Command, req encoding.BinaryMarshaler, timeout time.Duration) (wire.Frame, error) {
	op := strings.ToLower(cmd.String())
	if err := s.checkLink(op); err != nil {
		return wire.Frame{}, err
	}
	var payload []byte
	if req != nil {
		var err error
		if payload, err = req.MarshalBinary(); err != nil {
			return wire.Frame{}, err
		}
	}
	seq := s.nextSeq()
	raw, err := wire.Encode(wire.Frame{Command: cmd, Seq: seq, Payload: payload})
	if err != nil {
		return wire.Frame{}, err
	}

	ioCtx, done := s.ioContext(ctx, timeout)
	defer done()
	if err := s.transport.Send(ioCtx, raw); err != nil {
		return wire.Frame{}, s.linkError(ctx, op, err)
	}
	for {
		data, err := s.transport.Receive(ioCtx)
		if err != nil {
			return wire.Frame{}, s.linkError(ctx, op, err)
		}
		resp, err := wire.Decode(data)
		if err != nil {
			return wire.Frame{}, fmt.Errorf("%s response: %w", cmd, err)
		}
		if !resp.IsResponse() || resp.Command != cmd || resp.Seq != seq {
			s.logger.Debug("discarding stale response",
				logging.String("command", resp.Command.String()),
				logging.Int("seq", int(resp.Seq)),
				logging.Int("want_seq", int(seq)),
			)
			continue
		}
		return resp, nil
	}
}

func idempotent(cmd wire.Command) bool {
	switch cmd {
	case wire.CmdHello, wire.CmdIdentify, wire.CmdReadTOC, wire.CmdQueryCapacity:
		return true
	default:
		return false
	}
}

// command runs a request/response exchange. BAD_CHECKSUM replies are resent
// up to FrameRetries times because the recorder did not act on the frame.
// Read-only commands are also resent after a timeout or corrupt reply; a
// mutating command that goes unanswered leaves the recorder's state unknown
// and drops the link. Other non-OK statuses return a *wire.StatusError.
func (s *Session) command(ctx context.Context, cmd wire.Command, req encoding.BinaryMarshaler, resp encoding.BinaryUnmarshaler, timeout time.Duration) error {
	op := strings.ToLower(cmd.String())
	var lastErr error
	for attempt := 0; attempt <= s.opts.FrameRetries; attempt++ {
		frame, err := s.roundTrip(ctx, cmd, req, timeout)
		if err != nil {
			if errors.Is(err, faults.ErrDeviceLost) || errors.Is(err, faults.ErrCancelled) {
				return err
			}
			if !idempotent(cmd) {
				return s.lose(op, fmt.Errorf("recorder state unknown: %w", err))
			}
			lastErr = err
			continue
		}
		if frame.Status == wire.StatusBadChecksum {
			lastErr = wire.CheckStatus(frame)
			continue
		}
		if err := wire.CheckStatus(frame); err != nil {
			return err
		}
		if resp != nil {
			if err := resp.UnmarshalBinary(frame.Payload); err != nil {
				return s.lose(op, fmt.Errorf("decode %s response: %w", cmd, err))
			}
		}
		return nil
	}
	return faults.Wrap(faults.ErrTimeout, "device", op, fmt.Sprintf("no valid response after %d attempts", s.opts.FrameRetries+1), lastErr)
}
