package disc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// LeadIn is the sector address of the first track on a simulated disc.
const LeadIn = 0

// SimDrive is an in-memory drive producing deterministic PCM. Faults can be
// injected per sector: a failing sector makes reads that touch it return an
// error, a jittery sector makes them return perturbed samples.
type SimDrive struct {
	mu       sync.Mutex
	toc      TOC
	failures map[int64]int
	jitter   map[int64]int
	delay    time.Duration
	stall    map[int64]bool
	reads    int
	closed   bool
}

// NewSimDrive builds a disc whose tracks have the given lengths in sectors.
func NewSimDrive(trackSectors ...int64) *SimDrive {
	toc := TOC{}
	lba := int64(LeadIn)
	for i, length := range trackSectors {
		toc.Tracks = append(toc.Tracks, Track{
			Number:      i + 1,
			StartSector: lba,
			EndSector:   lba + length,
		})
		lba += length
	}
	toc.Leadout = lba
	return &SimDrive{
		toc:      toc,
		failures: make(map[int64]int),
		jitter:   make(map[int64]int),
		stall:    make(map[int64]bool),
	}
}

// FailSectors makes the next times reads touching [first, first+count) fail.
func (d *SimDrive) FailSectors(first int64, count int, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := first; s < first+int64(count); s++ {
		d.failures[s] += times
	}
}

// JitterSectors makes the next times reads touching [first, first+count)
// return samples that differ from the true content and from each other.
func (d *SimDrive) JitterSectors(first int64, count int, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := first; s < first+int64(count); s++ {
		d.jitter[s] += times
	}
}

// StallSector makes every read touching lba block until its context ends.
func (d *SimDrive) StallSector(lba int64) {
	d.mu.Lock()
	d.stall[lba] = true
	d.mu.Unlock()
}

// SetDelay adds latency to every read.
func (d *SimDrive) SetDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

// Reads returns the number of ReadSectors calls served.
func (d *SimDrive) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

func (d *SimDrive) ReadTOC(ctx context.Context) (TOC, error) {
	if err := ctx.Err(); err != nil {
		return TOC{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return TOC{}, errors.New("sim drive closed")
	}
	toc := TOC{Leadout: d.toc.Leadout, Tracks: append([]Track(nil), d.toc.Tracks...)}
	return toc, nil
}

func (d *SimDrive) ReadSectors(ctx context.Context, lba int64, count int, buf []byte) error {
	if len(buf) < count*SectorSize {
		return fmt.Errorf("buffer holds %d bytes, need %d", len(buf), count*SectorSize)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("sim drive closed")
	}
	d.reads++
	readNo := d.reads
	delay := d.delay
	stalled := false
	var failErr error
	jittered := make(map[int64]bool)
	for s := lba; s < lba+int64(count); s++ {
		if s < LeadIn || s >= d.toc.Leadout {
			d.mu.Unlock()
			return fmt.Errorf("sector %d beyond leadout %d", s, d.toc.Leadout)
		}
		if d.stall[s] {
			stalled = true
		}
		if d.failures[s] > 0 {
			d.failures[s]--
			if failErr == nil {
				failErr = fmt.Errorf("medium error at sector %d", s)
			}
		}
		if d.jitter[s] > 0 {
			d.jitter[s]--
			jittered[s] = true
		}
	}
	d.mu.Unlock()

	if stalled {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if failErr != nil {
		return failErr
	}
	for i := 0; i < count; i++ {
		s := lba + int64(i)
		FillSector(buf[i*SectorSize:(i+1)*SectorSize], s)
		if jittered[s] {
			for j := 0; j < SectorSize; j += 97 {
				buf[i*SectorSize+j] ^= byte(readNo) | 1
			}
		}
	}
	return nil
}

func (d *SimDrive) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// FillSector writes the simulated content of sector lba into dst: a stereo
// pair of slow ramps that differ per channel, so downmixing and decimation
// produce non-trivial output.
func FillSector(dst []byte, lba int64) {
	for frame := 0; frame < FramesPerSector; frame++ {
		n := lba*FramesPerSector + int64(frame)
		left := int16((n * 37) % 20000)
		right := int16(-((n * 53) % 18000))
		off := frame * Channels * BytesPerSample
		dst[off] = byte(left)
		dst[off+1] = byte(uint16(left) >> 8)
		dst[off+2] = byte(right)
		dst[off+3] = byte(uint16(right) >> 8)
	}
}
