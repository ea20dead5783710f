package audio

import (
	"errors"
	"fmt"

	"tracklift/internal/disc"
	"tracklift/internal/faults"
)

// Payload is a run of encoded bytes bound for the device. Seq counts
// payloads within a job; Final marks the last payload of the track.
type Payload struct {
	Seq   int
	Data  []byte
	Final bool
}

var errFinished = errors.New("transcoder already finished")

// Transcoder streams one track through a codec. It is not safe for
// concurrent use; the encode stage owns it for the life of a job.
type Transcoder struct {
	profile Profile
	codec   Codec
	pending []byte
	held    *Payload
	seq     int
	done    bool
	in      int64
	out     int64
}

// NewTranscoder builds a transcoder for profile.
func NewTranscoder(profile Profile) (*Transcoder, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	codec, err := newCodec(profile)
	if err != nil {
		return nil, faults.Wrap(faults.ErrEncoding, "encode", "select codec", "", err)
	}
	return &Transcoder{profile: profile, codec: codec}, nil
}

// Profile returns the profile the transcoder encodes to.
func (t *Transcoder) Profile() Profile { return t.profile }

// Encode consumes a block and returns the payloads that became ready, in
// order. The most recent payload is held back until the next call or Finish so
// the final marker can be placed on it.
func (t *Transcoder) Encode(block disc.Block) ([]Payload, error) {
	if t.done {
		return nil, faults.Wrap(faults.ErrEncoding, "encode", "encode block", "", errFinished)
	}
	if block.SampleRate != t.profile.SampleRate || block.Channels != t.profile.Channels {
		return nil, faults.Wrap(faults.ErrEncoding, "encode", "encode block",
			fmt.Sprintf("block %d is %d Hz/%d ch, profile %s expects %d Hz/%d ch",
				block.Seq, block.SampleRate, block.Channels, t.profile.Format, t.profile.SampleRate, t.profile.Channels), nil)
	}
	if len(block.PCM)%(block.Channels*disc.BytesPerSample) != 0 {
		return nil, faults.Wrap(faults.ErrEncoding, "encode", "encode block",
			fmt.Sprintf("block %d holds %d bytes, not a whole number of sample frames", block.Seq, len(block.PCM)), nil)
	}
	t.in += int64(len(block.PCM))
	t.pending = append(t.pending, block.PCM...)

	frame := t.codec.FrameSize()
	whole := len(t.pending) / frame * frame
	if whole == 0 {
		return nil, nil
	}
	data := make([]byte, 0, whole/frame*t.codec.EncodedSize())
	for off := 0; off < whole; off += frame {
		data = t.codec.Encode(data, t.pending[off:off+frame])
	}
	t.pending = append(t.pending[:0], t.pending[whole:]...)

	var ready []Payload
	if t.held != nil {
		ready = append(ready, *t.held)
	}
	t.held = t.next(data)
	return ready, nil
}

// Finish flushes the buffered partial frame and returns the last payload with
// Final set. Padding codecs zero-fill the partial frame.
func (t *Transcoder) Finish() (Payload, error) {
	if t.done {
		return Payload{}, faults.Wrap(faults.ErrEncoding, "encode", "finish", "", errFinished)
	}
	t.done = true

	var tail []byte
	if len(t.pending) > 0 {
		src := t.pending
		if t.codec.Pads() {
			src = make([]byte, t.codec.FrameSize())
			copy(src, t.pending)
		}
		tail = t.codec.Encode(nil, src)
		t.pending = nil
	}

	var last Payload
	if t.held == nil {
		last = *t.next(tail)
	} else {
		last = *t.held
		last.Data = append(last.Data, tail...)
		t.out += int64(len(tail))
		t.held = nil
	}
	last.Final = true
	return last, nil
}

func (t *Transcoder) next(data []byte) *Payload {
	p := &Payload{Seq: t.seq, Data: data}
	t.seq++
	t.out += int64(len(data))
	return p
}

// InputBytes returns the PCM bytes consumed so far.
func (t *Transcoder) InputBytes() int64 { return t.in }

// OutputBytes returns the encoded bytes produced so far, including the held
// payload.
func (t *Transcoder) OutputBytes() int64 { return t.out }
