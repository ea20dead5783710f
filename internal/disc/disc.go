package disc

import (
	"context"
	"fmt"
	"time"
)

// Red Book audio constants.
const (
	SectorSize       = 2352
	SampleRate       = 44100
	Channels         = 2
	BytesPerSample   = 2
	SectorsPerSecond = 75
	FramesPerSector  = SectorSize / (Channels * BytesPerSample)
)

// Track is one audio track from the disc table of contents. EndSector is
// exclusive.
type Track struct {
	Number      int
	StartSector int64
	EndSector   int64
	Title       string
	Artist      string
}

// Sectors returns the number of sectors in the track.
func (t Track) Sectors() int64 {
	if t.EndSector <= t.StartSector {
		return 0
	}
	return t.EndSector - t.StartSector
}

// Duration returns the playing time of the track.
func (t Track) Duration() time.Duration {
	return time.Duration(t.Sectors()) * time.Second / SectorsPerSecond
}

// Range returns the sector range covering the whole track.
func (t Track) Range() SectorRange {
	return SectorRange{Start: t.StartSector, End: t.EndSector}
}

// TOC is the disc table of contents. Data tracks are omitted.
type TOC struct {
	Tracks  []Track
	Leadout int64
}

// Track returns the track with the given number.
func (t TOC) Track(number int) (Track, bool) {
	for _, track := range t.Tracks {
		if track.Number == number {
			return track, true
		}
	}
	return Track{}, false
}

// SectorRange is a half-open range of absolute sector addresses.
type SectorRange struct {
	Start int64
	End   int64
}

// Len returns the number of sectors in the range.
func (r SectorRange) Len() int64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// clamp restricts r to the track. A zero range selects the whole track.
func (r SectorRange) clamp(t Track) (SectorRange, error) {
	if r == (SectorRange{}) {
		return t.Range(), nil
	}
	if r.Start < t.StartSector || r.End > t.EndSector || r.Len() == 0 {
		return SectorRange{}, fmt.Errorf("range [%d,%d) outside track %d [%d,%d)", r.Start, r.End, t.Number, t.StartSector, t.EndSector)
	}
	return r, nil
}

// Block is a run of consecutive sectors of interleaved little-endian 16-bit
// PCM. A Damaged block could not be read and holds silence.
type Block struct {
	Seq         int
	FirstSector int64
	Sectors     int
	PCM         []byte
	SampleRate  int
	Channels    int
	Damaged     bool
	Rereads     int
}

// Drive is the capability the reader needs from an optical drive.
type Drive interface {
	ReadTOC(ctx context.Context) (TOC, error)
	// ReadSectors fills buf with count raw audio sectors starting at lba.
	ReadSectors(ctx context.Context, lba int64, count int, buf []byte) error
	Close() error
}
