package device

import (
	"tracklift/internal/audio"
	"tracklift/internal/wire"
)

// State is the session state machine position.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReady
	StateAllocating
	StateStreaming
	StateCommitting
	StateAborting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateAllocating:
		return "allocating"
	case StateStreaming:
		return "streaming"
	case StateCommitting:
		return "committing"
	case StateAborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// Identity names the attached recorder.
type Identity struct {
	Model    string `json:"model"`
	Firmware string `json:"firmware"`
	Serial   string `json:"serial"`
}

// Capabilities are the protocol parameters agreed during HELLO.
type Capabilities struct {
	Version     uint8 `json:"version"`
	BatchAck    bool  `json:"batch_ack"`
	MaxTitle    int   `json:"max_title"`
	ClusterSize int   `json:"cluster_size"`
}

// Slot is one committed track on the recorder.
type Slot struct {
	Index  int          `json:"index"`
	Format audio.Format `json:"format"`
	Size   uint64       `json:"size"`
	Title  string       `json:"title"`
}

// TOC is the recorder's table of contents and space accounting.
type TOC struct {
	Capacity uint64 `json:"capacity"`
	Free     uint64 `json:"free"`
	Slots    []Slot `json:"slots"`
}

func (t TOC) clone() TOC {
	out := t
	out.Slots = append([]Slot(nil), t.Slots...)
	return out
}

func tocFromWire(resp wire.TOCResponse) TOC {
	toc := TOC{Capacity: resp.Capacity, Free: resp.Free, Slots: make([]Slot, 0, len(resp.Slots))}
	for _, s := range resp.Slots {
		toc.Slots = append(toc.Slots, Slot{
			Index:  int(s.Index),
			Format: audio.FormatFromCode(s.Format),
			Size:   s.Size,
			Title:  s.Title,
		})
	}
	return toc
}

// Snapshot is a consistent copy of the session's cached device state.
type Snapshot struct {
	State        State        `json:"-"`
	StateName    string       `json:"state"`
	Identity     Identity     `json:"identity"`
	Capabilities Capabilities `json:"capabilities"`
	TOC          TOC          `json:"toc"`
}

// Handle is an open slot reservation.
type Handle struct {
	ID       uint32
	Slot     int
	Format   audio.Format
	Estimate uint64
	Reserved uint64

	acked uint64
}

// Written is the number of bytes the recorder has acknowledged.
func (h *Handle) Written() uint64 { return h.acked }

// CommitResult describes a committed track.
type CommitResult struct {
	Slot     int      `json:"slot"`
	Title    string   `json:"title"`
	Size     uint64   `json:"size"`
	Free     uint64   `json:"free"`
	Warnings []string `json:"warnings,omitempty"`
}
