package audio_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"tracklift/internal/audio"
	"tracklift/internal/disc"
	"tracklift/internal/faults"
)

func simBlocks(sectors, perBlock int) []disc.Block {
	var blocks []disc.Block
	for first, seq := 0, 0; first < sectors; first, seq = first+perBlock, seq+1 {
		n := min(perBlock, sectors-first)
		pcm := make([]byte, n*disc.SectorSize)
		for i := 0; i < n; i++ {
			disc.FillSector(pcm[i*disc.SectorSize:], int64(first+i))
		}
		blocks = append(blocks, disc.Block{
			Seq:         seq,
			FirstSector: int64(first),
			Sectors:     n,
			PCM:         pcm,
			SampleRate:  disc.SampleRate,
			Channels:    disc.Channels,
		})
	}
	return blocks
}

func transcode(t *testing.T, profile audio.Profile, blocks []disc.Block) []audio.Payload {
	t.Helper()
	tr, err := audio.NewTranscoder(profile)
	if err != nil {
		t.Fatalf("NewTranscoder: %v", err)
	}
	var out []audio.Payload
	for _, block := range blocks {
		payloads, err := tr.Encode(block)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		out = append(out, payloads...)
	}
	last, err := tr.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return append(out, last)
}

func TestTranscoderIsDeterministic(t *testing.T) {
	for _, format := range []audio.Format{audio.FormatPCM, audio.FormatSP, audio.FormatLP2, audio.FormatLP4} {
		t.Run(string(format), func(t *testing.T) {
			blocks := simBlocks(23, 7)
			first := transcode(t, audio.CDProfile(format), blocks)
			second := transcode(t, audio.CDProfile(format), blocks)
			if diff := cmp.Diff(first, second); diff != "" {
				t.Fatalf("re-encoding differs (-first +second):\n%s", diff)
			}
		})
	}
}

func TestTranscoderSizeMatchesEstimate(t *testing.T) {
	tests := []struct {
		format  audio.Format
		sectors int
	}{
		{audio.FormatPCM, 1},
		{audio.FormatPCM, 151},
		{audio.FormatSP, 1},
		{audio.FormatSP, 75},
		{audio.FormatLP2, 13},
		{audio.FormatLP4, 151},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			profile := audio.CDProfile(tt.format)
			var total int64
			for _, p := range transcode(t, profile, simBlocks(tt.sectors, 10)) {
				total += int64(len(p.Data))
			}
			if want := profile.EstimateSize(int64(tt.sectors)); total != want {
				t.Fatalf("encoded %d bytes, estimate %d", total, want)
			}
		})
	}
}

func TestFinalMarkerOnLastPayloadOnly(t *testing.T) {
	payloads := transcode(t, audio.CDProfile(audio.FormatSP), simBlocks(40, 5))
	for i, p := range payloads {
		if p.Seq != i {
			t.Fatalf("payload %d has seq %d", i, p.Seq)
		}
		if p.Final != (i == len(payloads)-1) {
			t.Fatalf("payload %d final=%v", i, p.Final)
		}
	}
	if len(payloads[len(payloads)-1].Data) == 0 {
		t.Fatal("final payload should carry data")
	}
}

func TestEncodeBuffersPartialFrames(t *testing.T) {
	tr, err := audio.NewTranscoder(audio.CDProfile(audio.FormatLP2))
	if err != nil {
		t.Fatalf("NewTranscoder: %v", err)
	}
	block := simBlocks(1, 1)[0]
	got, err := tr.Encode(block)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(got) != 0 || tr.OutputBytes() != 0 {
		t.Fatal("a single sector is below one codec frame and should stay buffered")
	}
	last, err := tr.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !last.Final || len(last.Data) != 516 {
		t.Fatalf("expected one padded mono frame, got final=%v len=%d", last.Final, len(last.Data))
	}
}

func TestPCMIsBigEndianFraming(t *testing.T) {
	block := disc.Block{PCM: []byte{0x01, 0x02, 0x03, 0x04}, SampleRate: disc.SampleRate, Channels: disc.Channels}
	payloads := transcode(t, audio.CDProfile(audio.FormatPCM), []disc.Block{block})
	if diff := cmp.Diff([]byte{0x02, 0x01, 0x04, 0x03}, payloads[0].Data); diff != "" {
		t.Fatalf("unexpected pcm framing (-want +got):\n%s", diff)
	}
}

func TestEncodeRejectsMismatchedBlocks(t *testing.T) {
	tr, err := audio.NewTranscoder(audio.CDProfile(audio.FormatSP))
	if err != nil {
		t.Fatalf("NewTranscoder: %v", err)
	}
	tests := []disc.Block{
		{PCM: make([]byte, 4), SampleRate: 48000, Channels: 2},
		{PCM: make([]byte, 4), SampleRate: disc.SampleRate, Channels: 1},
		{PCM: make([]byte, 6), SampleRate: disc.SampleRate, Channels: 2},
	}
	for i, block := range tests {
		if _, err := tr.Encode(block); !errors.Is(err, faults.ErrEncoding) {
			t.Fatalf("case %d: expected encoding error, got %v", i, err)
		}
	}
}

func TestFinishTwiceFails(t *testing.T) {
	tr, err := audio.NewTranscoder(audio.CDProfile(audio.FormatPCM))
	if err != nil {
		t.Fatalf("NewTranscoder: %v", err)
	}
	if _, err := tr.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := tr.Finish(); !errors.Is(err, faults.ErrEncoding) {
		t.Fatalf("expected error on second Finish, got %v", err)
	}
	if _, err := tr.Encode(simBlocks(1, 1)[0]); !errors.Is(err, faults.ErrEncoding) {
		t.Fatalf("expected error on Encode after Finish, got %v", err)
	}
}

func TestProfileValidation(t *testing.T) {
	tests := []struct {
		profile audio.Profile
		ok      bool
	}{
		{audio.CDProfile(audio.FormatSP), true},
		{audio.Profile{Format: audio.FormatPCM, SampleRate: 48000, Channels: 1}, true},
		{audio.Profile{Format: audio.FormatLP4, SampleRate: 48000, Channels: 2}, false},
		{audio.Profile{Format: "flac", SampleRate: 44100, Channels: 2}, false},
		{audio.Profile{Format: audio.FormatPCM, SampleRate: 44100, Channels: 6}, false},
	}
	for _, tt := range tests {
		err := tt.profile.Validate()
		if (err == nil) != tt.ok {
			t.Fatalf("Validate(%+v) = %v, want ok=%v", tt.profile, err, tt.ok)
		}
		if err != nil && !errors.Is(err, faults.ErrConfiguration) {
			t.Fatalf("expected configuration marker, got %v", err)
		}
	}
}

func TestParseFormatAndCodes(t *testing.T) {
	f, err := audio.ParseFormat(" LP2 ")
	if err != nil || f != audio.FormatLP2 {
		t.Fatalf("ParseFormat = %q, %v", f, err)
	}
	if audio.FormatFromCode(f.Code()) != f {
		t.Fatal("format code should round trip")
	}
	if _, err := audio.ParseFormat("atrac"); err == nil {
		t.Fatal("expected unknown format to fail")
	}
}
