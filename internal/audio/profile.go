package audio

import (
	"fmt"
	"strings"

	"tracklift/internal/disc"
	"tracklift/internal/faults"
)

// Format is a recorder storage mode.
type Format string

const (
	FormatPCM Format = "pcm"
	FormatSP  Format = "sp"
	FormatLP2 Format = "lp2"
	FormatLP4 Format = "lp4"
)

// ParseFormat resolves a mode name, case-insensitively.
func ParseFormat(value string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(value))); f {
	case FormatPCM, FormatSP, FormatLP2, FormatLP4:
		return f, nil
	default:
		return "", faults.Wrap(faults.ErrConfiguration, "", "parse format", fmt.Sprintf("unknown encoding mode %q", value), nil)
	}
}

// Code is the format byte sent in ALLOCATE and reported in the device TOC.
func (f Format) Code() uint8 {
	switch f {
	case FormatPCM:
		return 1
	case FormatSP:
		return 2
	case FormatLP2:
		return 3
	case FormatLP4:
		return 4
	default:
		return 0
	}
}

// FormatFromCode maps a device format byte back to a Format.
func FormatFromCode(code uint8) Format {
	for _, f := range []Format{FormatPCM, FormatSP, FormatLP2, FormatLP4} {
		if f.Code() == code {
			return f
		}
	}
	return Format(fmt.Sprintf("unknown(%d)", code))
}

// Profile selects the recorder mode for a job. SampleRate and Channels
// describe the 16-bit PCM the transcoder accepts; blocks in any other format
// are rejected.
type Profile struct {
	Format     Format
	SampleRate int
	Channels   int
}

// CDProfile returns a profile for CD audio input in the given mode.
func CDProfile(f Format) Profile {
	return Profile{Format: f, SampleRate: disc.SampleRate, Channels: disc.Channels}
}

// Validate reports whether the profile can be encoded.
func (p Profile) Validate() error {
	if p.Format.Code() == 0 {
		return faults.Wrap(faults.ErrConfiguration, "", "validate profile", fmt.Sprintf("unknown encoding mode %q", p.Format), nil)
	}
	if p.Format == FormatPCM {
		if p.SampleRate <= 0 || p.Channels < 1 || p.Channels > 2 {
			return faults.Wrap(faults.ErrConfiguration, "", "validate profile",
				fmt.Sprintf("pcm needs a positive rate and 1 or 2 channels, got %d Hz/%d ch", p.SampleRate, p.Channels), nil)
		}
		return nil
	}
	if p.SampleRate != disc.SampleRate || p.Channels != disc.Channels {
		return faults.Wrap(faults.ErrConfiguration, "", "validate profile",
			fmt.Sprintf("%s encodes %d Hz stereo input, got %d Hz/%d ch", p.Format, disc.SampleRate, p.SampleRate, p.Channels), nil)
	}
	return nil
}

// OutputRate is the sample rate stored on the device.
func (p Profile) OutputRate() int {
	if p.Format == FormatLP4 {
		return p.SampleRate / 2
	}
	return p.SampleRate
}

// OutputChannels is the channel count stored on the device.
func (p Profile) OutputChannels() int {
	switch p.Format {
	case FormatLP2, FormatLP4:
		return 1
	case FormatSP:
		return 2
	default:
		return p.Channels
	}
}

// EstimateSize returns the exact encoded size of a track of the given
// length in CD sectors.
func (p Profile) EstimateSize(sectors int64) int64 {
	return p.encodedSize(sectors * disc.SectorSize)
}

func (p Profile) encodedSize(inputBytes int64) int64 {
	if inputBytes <= 0 {
		return 0
	}
	codec, err := newCodec(p)
	if err != nil {
		return 0
	}
	if !codec.Pads() {
		return inputBytes
	}
	frame := int64(codec.FrameSize())
	frames := (inputBytes + frame - 1) / frame
	return frames * int64(codec.EncodedSize())
}
