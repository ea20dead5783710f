package wire_test

import (
	"bytes"
	"errors"
	"testing"

	"tracklift/internal/wire"
)

func TestEncodeDecodeFrame(t *testing.T) {
	frame := wire.Frame{Command: wire.CmdData, Flags: wire.FlagAckRequested, Seq: 0xBEEF, Payload: []byte("pcm bytes")}
	data, err := wire.Encode(frame)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(data) != wire.HeaderSize+len(frame.Payload) {
		t.Fatalf("unexpected frame length %d", len(data))
	}
	if data[0] != wire.Magic || data[4] != 0xBE || data[5] != 0xEF {
		t.Fatalf("header not big-endian: % x", data[:wire.HeaderSize])
	}
	got, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Command != frame.Command || got.Seq != frame.Seq || !got.AckRequested() || got.IsResponse() {
		t.Fatalf("unexpected frame %+v", got)
	}
	if !bytes.Equal(got.Payload, frame.Payload) {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	good, err := wire.Encode(wire.Frame{Command: wire.CmdHello, Seq: 1, Payload: []byte{1}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"short", func(b []byte) []byte { return b[:5] }, wire.ErrShortFrame},
		{"magic", func(b []byte) []byte { b[0] = 0; return b }, wire.ErrBadMagic},
		{"length", func(b []byte) []byte { return append(b, 0) }, wire.ErrLength},
		{"payload bit", func(b []byte) []byte { b[wire.HeaderSize] ^= 0x10; return b }, wire.ErrChecksum},
		{"sequence", func(b []byte) []byte { b[5]++; return b }, wire.ErrChecksum},
		{"crc", func(b []byte) []byte { b[11] ^= 0xFF; return b }, wire.ErrChecksum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), good...))
			if _, err := wire.Decode(data); !errors.Is(err, tt.want) {
				t.Fatalf("Decode error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	_, err := wire.Encode(wire.Frame{Command: wire.CmdData, Payload: make([]byte, wire.MaxPayload+1)})
	if !errors.Is(err, wire.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestResponseEchoesRequest(t *testing.T) {
	req := wire.Frame{Command: wire.CmdAllocate, Seq: 42}
	resp := req.Response(wire.StatusNoSpace, nil)
	if !resp.IsResponse() || resp.Seq != 42 || resp.Command != wire.CmdAllocate {
		t.Fatalf("unexpected response %+v", resp)
	}
	err := wire.CheckStatus(resp)
	var statusErr *wire.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != wire.StatusNoSpace {
		t.Fatalf("expected NO_SPACE status error, got %v", err)
	}
	if err.Error() != "ALLOCATE answered NO_SPACE" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestPeekHeaderIgnoresChecksum(t *testing.T) {
	data, _ := wire.Encode(wire.Frame{Command: wire.CmdCommit, Seq: 9})
	data[8] ^= 0xFF
	cmd, seq, ok := wire.PeekHeader(data)
	if !ok || cmd != wire.CmdCommit || seq != 9 {
		t.Fatalf("PeekHeader = %v %d %v", cmd, seq, ok)
	}
}
