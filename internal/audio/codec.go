package audio

import (
	"encoding/binary"
	"fmt"
)

// SamplesPerFrame is the number of input sample frames one compressed codec
// frame consumes.
const SamplesPerFrame = 1024

// PCMFrameSize is the container frame size used in PCM mode.
const PCMFrameSize = 2048

// Codec encodes fixed-size frames of interleaved little-endian 16-bit PCM.
type Codec interface {
	// FrameSize is the number of input bytes consumed per frame.
	FrameSize() int
	// EncodedSize is the number of bytes one full frame encodes to.
	EncodedSize() int
	// Pads reports whether a partial final frame is zero padded to a full
	// frame. Codecs that do not pad encode the partial frame as is.
	Pads() bool
	// Encode appends the encoding of src to dst.
	Encode(dst, src []byte) []byte
}

func newCodec(p Profile) (Codec, error) {
	switch p.Format {
	case FormatPCM:
		return pcmCodec{}, nil
	case FormatSP:
		return newADPCMCodec(2, modeStereo), nil
	case FormatLP2:
		return newADPCMCodec(2, modeDownmix), nil
	case FormatLP4:
		return newADPCMCodec(2, modeDownmixHalfRate), nil
	default:
		return nil, fmt.Errorf("no codec for format %q", p.Format)
	}
}

// pcmCodec swaps samples to big-endian.
type pcmCodec struct{}

func (pcmCodec) FrameSize() int   { return PCMFrameSize }
func (pcmCodec) EncodedSize() int { return PCMFrameSize }
func (pcmCodec) Pads() bool       { return false }

func (pcmCodec) Encode(dst, src []byte) []byte {
	for i := 0; i+1 < len(src); i += 2 {
		dst = append(dst, src[i+1], src[i])
	}
	return dst
}

type adpcmMode int

const (
	modeStereo adpcmMode = iota
	modeDownmix
	modeDownmixHalfRate
)

// adpcmHeaderSize is the per-channel frame header: predictor (i16), step
// index (u8), reserved (u8).
const adpcmHeaderSize = 4

// adpcmCodec is an IMA ADPCM encoder. Channel state carries across frames;
// each frame header records the state the frame starts from.
type adpcmCodec struct {
	inChannels int
	mode       adpcmMode
	states     []imaState
	scratch    []int16
}

func newADPCMCodec(inChannels int, mode adpcmMode) *adpcmCodec {
	outChannels := 1
	if mode == modeStereo {
		outChannels = inChannels
	}
	return &adpcmCodec{
		inChannels: inChannels,
		mode:       mode,
		states:     make([]imaState, outChannels),
		scratch:    make([]int16, 0, SamplesPerFrame),
	}
}

func (c *adpcmCodec) FrameSize() int { return SamplesPerFrame * c.inChannels * 2 }

func (c *adpcmCodec) outSamples() int {
	if c.mode == modeDownmixHalfRate {
		return SamplesPerFrame / 2
	}
	return SamplesPerFrame
}

func (c *adpcmCodec) EncodedSize() int {
	return len(c.states) * (adpcmHeaderSize + c.outSamples()/2)
}

func (c *adpcmCodec) Pads() bool { return true }

func (c *adpcmCodec) Encode(dst, src []byte) []byte {
	for ch := range c.states {
		samples := c.channelSamples(src, ch)
		state := &c.states[ch]
		dst = binary.BigEndian.AppendUint16(dst, uint16(state.predictor))
		dst = append(dst, byte(state.index), 0)
		for i := 0; i < len(samples); i += 2 {
			lo := state.encode(samples[i])
			hi := state.encode(samples[i+1])
			dst = append(dst, lo|hi<<4)
		}
	}
	return dst
}

// channelSamples extracts output channel ch from an interleaved frame,
// downmixing and decimating according to the mode.
func (c *adpcmCodec) channelSamples(src []byte, ch int) []int16 {
	out := c.scratch[:0]
	stride := c.inChannels * 2
	sample := func(frame, channel int) int32 {
		off := frame*stride + channel*2
		return int32(int16(binary.LittleEndian.Uint16(src[off:])))
	}
	switch c.mode {
	case modeStereo:
		for f := 0; f < SamplesPerFrame; f++ {
			out = append(out, int16(sample(f, ch)))
		}
	case modeDownmix:
		for f := 0; f < SamplesPerFrame; f++ {
			out = append(out, int16((sample(f, 0)+sample(f, 1))>>1))
		}
	case modeDownmixHalfRate:
		for f := 0; f < SamplesPerFrame; f += 2 {
			a := (sample(f, 0) + sample(f, 1)) >> 1
			b := (sample(f+1, 0) + sample(f+1, 1)) >> 1
			out = append(out, int16((a+b)>>1))
		}
	}
	c.scratch = out
	return out
}
