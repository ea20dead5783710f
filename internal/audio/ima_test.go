package audio

import (
	"encoding/binary"
	"testing"
)

// decode reconstructs a sample from code, mirroring encode.
func (s *imaState) decode(code byte) int16 {
	step := imaStepTable[s.index]
	delta := step >> 3
	if code&4 != 0 {
		delta += step
	}
	if code&2 != 0 {
		delta += step >> 1
	}
	if code&1 != 0 {
		delta += step >> 2
	}
	pred := int32(s.predictor)
	if code&8 != 0 {
		pred -= delta
	} else {
		pred += delta
	}
	s.predictor = int16(max(-32768, min(32767, pred)))
	s.index = max(0, min(len(imaStepTable)-1, s.index+imaIndexTable[code]))
	return s.predictor
}

func TestIMAEncoderTracksSignal(t *testing.T) {
	var enc, dec imaState
	var worst int32
	for i := 0; i < 4096; i++ {
		k := i % 1104
		if k >= 552 {
			k = 1104 - k
		}
		sample := int16(k * 29)
		got := dec.decode(enc.encode(sample))
		if enc != dec {
			t.Fatalf("decoder state diverged at sample %d", i)
		}
		if i > 256 {
			worst = max(worst, abs32(int32(got)-int32(sample)))
		}
	}
	if worst > 2048 {
		t.Fatalf("reconstruction error too large: %d", worst)
	}
}

func TestADPCMFrameHeaderRecordsStartState(t *testing.T) {
	codec := newADPCMCodec(2, modeStereo)
	frame := make([]byte, codec.FrameSize())
	for i := 0; i < SamplesPerFrame; i++ {
		binary.LittleEndian.PutUint16(frame[i*4:], uint16(int16(i*8)))
		binary.LittleEndian.PutUint16(frame[i*4+2:], uint16(int16(-i*8)))
	}
	first := codec.Encode(nil, frame)
	if len(first) != codec.EncodedSize() || len(first) != 2*(adpcmHeaderSize+SamplesPerFrame/2) {
		t.Fatalf("unexpected frame size %d", len(first))
	}
	if first[0] != 0 || first[1] != 0 || first[2] != 0 {
		t.Fatal("first frame should start from the zero state")
	}
	want := codec.states[0]
	second := codec.Encode(nil, frame)
	if got := int16(binary.BigEndian.Uint16(second)); got != want.predictor || int(second[2]) != want.index {
		t.Fatalf("second header = %d/%d, want %d/%d", got, second[2], want.predictor, want.index)
	}
}

func TestHalfRateModeHalvesSamples(t *testing.T) {
	codec := newADPCMCodec(2, modeDownmixHalfRate)
	if codec.EncodedSize() != adpcmHeaderSize+SamplesPerFrame/4 {
		t.Fatalf("unexpected encoded size %d", codec.EncodedSize())
	}
	frame := make([]byte, codec.FrameSize())
	binary.LittleEndian.PutUint16(frame[0:], uint16(1000))
	binary.LittleEndian.PutUint16(frame[2:], uint16(3000))
	binary.LittleEndian.PutUint16(frame[4:], uint16(5000))
	binary.LittleEndian.PutUint16(frame[6:], uint16(7000))
	samples := codec.channelSamples(frame, 0)
	if len(samples) != SamplesPerFrame/2 || samples[0] != 4000 {
		t.Fatalf("expected averaged downmix 4000, got %d (n=%d)", samples[0], len(samples))
	}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
