// Package devicesim implements the recorder side of the wire protocol in
// memory. It stands in for the USB recorder in tests and in the CLI's
// --simulate mode, and can inject the faults a real link produces: corrupt
// frames, lost or corrupt acknowledgements and a dropped connection.
package devicesim

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"tracklift/internal/audio"
	"tracklift/internal/device"
	"tracklift/internal/wire"
)

var (
	errLinkDown = errors.New("devicesim: link down")
	errClosed   = errors.New("devicesim: transport closed")
)

// Options describes the simulated recorder.
type Options struct {
	Capacity    uint64
	ClusterSize uint32
	MaxTitle    uint16
	BatchAck    bool
	MTU         int
	Model       string
	Firmware    string
	Serial      string
}

// DefaultOptions returns a 64 MiB recorder with 2 KiB clusters.
func DefaultOptions() Options {
	return Options{
		Capacity:    64 << 20,
		ClusterSize: 2048,
		MaxTitle:    64,
		BatchAck:    true,
		MTU:         4096,
		Model:       "MZ-SIM",
		Firmware:    "1.0",
		Serial:      "SIM-0001",
	}
}

// Counts tallies commands the recorder received.
type Counts struct {
	Dials      int
	Allocates  int
	Commits    int
	Aborts     int
	DataFrames int
	Acks       int
}

type reservation struct {
	slot   uint16
	format uint8
	size   uint64
	need   uint64
	data   []byte
}

// Recorder is a simulated recorder. It implements device.Dialer.
type Recorder struct {
	mu           sync.Mutex
	opts         Options
	slots        []wire.Slot
	contents     map[uint16][]byte
	used         uint64
	reservations map[uint32]*reservation
	nextHandle   uint32
	counts       Counts
	conns        []*conn

	unavailable     bool
	latency         time.Duration
	corruptFrames   int
	dropAcks        int
	corruptAcks     int
	disconnectAfter int
	onFrame         func(n int)
}

var _ device.Dialer = (*Recorder)(nil)

// New returns an empty recorder.
func New(opts Options) *Recorder {
	if opts.ClusterSize == 0 {
		opts.ClusterSize = 1
	}
	if opts.MTU <= wire.HeaderSize+wire.DataOverhead {
		opts.MTU = DefaultOptions().MTU
	}
	return &Recorder{
		opts:         opts,
		contents:     make(map[uint16][]byte),
		reservations: make(map[uint32]*reservation),
	}
}

// Preload stores a committed track, as if written by an earlier session.
func (r *Recorder) Preload(format audio.Format, size uint64, title string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	index := uint16(len(r.slots))
	r.slots = append(r.slots, wire.Slot{Index: index, Format: format.Code(), Size: size, Title: title})
	r.contents[index] = make([]byte, size)
	r.used += r.roundUp(size)
}

// SetUnavailable makes Dial fail as if no recorder were attached.
func (r *Recorder) SetUnavailable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = v
}

// SetLatency delays every frame the host sends.
func (r *Recorder) SetLatency(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latency = d
}

// CorruptFrames damages the next n DATA frames in transit. The recorder drops
// them as a checksum failure.
func (r *Recorder) CorruptFrames(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.corruptFrames = n
}

// DropAcks loses the next n acknowledgements.
func (r *Recorder) DropAcks(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropAcks = n
}

// CorruptAcks damages the next n acknowledgements in transit.
func (r *Recorder) CorruptAcks(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.corruptAcks = n
}

// DisconnectAfterFrames drops the link once n DATA frames have arrived.
// Zero disables the fault.
func (r *Recorder) DisconnectAfterFrames(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectAfter = n
}

// OnFrame registers fn to run after each DATA frame, outside the recorder's
// lock, with the running DATA frame count.
func (r *Recorder) OnFrame(fn func(n int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFrame = fn
}

// Unplug breaks every open connection and makes Dial fail.
func (r *Recorder) Unplug() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.unavailable = true
	r.mu.Unlock()
	for _, c := range conns {
		c.breakLink()
	}
}

// Counts returns the command tallies.
func (r *Recorder) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts
}

// Slots returns the committed tracks.
func (r *Recorder) Slots() []wire.Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.slots)
}

// Contents returns the bytes stored in slot.
func (r *Recorder) Contents(slot int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.contents[uint16(slot)])
}

// Free returns the space available to a new reservation.
func (r *Recorder) Free() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.free()
}

// Capacity returns the total space.
func (r *Recorder) Capacity() uint64 { return r.opts.Capacity }

// Reservations returns the number of open reservations.
func (r *Recorder) Reservations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reservations)
}

// Dial opens a new connection. Reservations left by an earlier connection
// are discarded, as a recorder does when its host goes away.
func (r *Recorder) Dial(ctx context.Context) (device.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable {
		return nil, device.ErrNoDevice
	}
	r.counts.Dials++
	clear(r.reservations)
	c := &conn{
		rec:    r,
		queue:  make(chan []byte, 256),
		closed: make(chan struct{}),
		broken: make(chan struct{}),
	}
	r.conns = append(r.conns, c)
	return c, nil
}

func (r *Recorder) roundUp(n uint64) uint64 {
	cluster := uint64(r.opts.ClusterSize)
	return (n + cluster - 1) / cluster * cluster
}

func (r *Recorder) free() uint64 {
	reserved := uint64(0)
	for _, res := range r.reservations {
		reserved += res.need
	}
	if r.used+reserved >= r.opts.Capacity {
		return 0
	}
	return r.opts.Capacity - r.used - reserved
}
