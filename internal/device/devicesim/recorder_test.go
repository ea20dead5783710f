package devicesim

import (
	"context"
	"encoding"
	"testing"

	"tracklift/internal/audio"
	"tracklift/internal/device"
	"tracklift/internal/wire"
)

type client struct {
	t   *testing.T
	tr  device.Transport
	seq uint16
}

func (c *client) call(cmd wire.Command, body encoding.BinaryMarshaler, flags uint8) (wire.Frame, bool) {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = body.MarshalBinary(); err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
	}
	c.seq++
	raw, err := wire.Encode(wire.Frame{Command: cmd, Flags: flags, Seq: c.seq, Payload: payload})
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if err := c.tr.Send(context.Background(), raw); err != nil {
		c.t.Fatalf("send: %v", err)
	}
	select {
	case resp := <-c.tr.(*conn).queue:
		frame, err := wire.Decode(resp)
		if err != nil {
			c.t.Fatalf("decode: %v", err)
		}
		if frame.Seq != c.seq || !frame.IsResponse() {
			c.t.Fatalf("response seq %d flags %#x for request %d", frame.Seq, frame.Flags, c.seq)
		}
		return frame, true
	default:
		return wire.Frame{}, false
	}
}

func dial(t *testing.T, r *Recorder) *client {
	t.Helper()
	tr, err := r.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return &client{t: t, tr: tr}
}

func TestAllocateAccounting(t *testing.T) {
	opts := DefaultOptions()
	opts.Capacity = 10 * 2048
	r := New(opts)
	c := dial(t, r)

	resp, _ := c.call(wire.CmdAllocate, wire.AllocateRequest{Format: audio.FormatSP.Code(), Size: 5000}, 0)
	if resp.Status != wire.StatusOK {
		t.Fatalf("allocate status %s", resp.Status)
	}
	var alloc wire.AllocateResponse
	if err := alloc.UnmarshalBinary(resp.Payload); err != nil {
		t.Fatalf("decode allocate: %v", err)
	}
	if alloc.Reserved != 3*2048 {
		t.Fatalf("reserved %d, want cluster-rounded %d", alloc.Reserved, 3*2048)
	}
	if got := r.Free(); got != 7*2048 {
		t.Fatalf("free after reservation = %d", got)
	}

	resp, _ = c.call(wire.CmdAllocate, wire.AllocateRequest{Format: audio.FormatSP.Code(), Size: 8 * 2048}, 0)
	if resp.Status != wire.StatusNoSpace {
		t.Fatalf("oversized allocate status %s, want NO_SPACE", resp.Status)
	}

	resp, _ = c.call(wire.CmdAbort, wire.AbortRequest{Handle: alloc.Handle}, 0)
	if resp.Status != wire.StatusOK || r.Free() != opts.Capacity {
		t.Fatalf("abort status %s, free %d", resp.Status, r.Free())
	}
	resp, _ = c.call(wire.CmdAbort, wire.AbortRequest{Handle: alloc.Handle}, 0)
	if resp.Status != wire.StatusBadHandle {
		t.Fatalf("second abort status %s, want BAD_HANDLE", resp.Status)
	}
}

func TestDataRequiresContiguousOffsets(t *testing.T) {
	r := New(DefaultOptions())
	c := dial(t, r)
	resp, _ := c.call(wire.CmdAllocate, wire.AllocateRequest{Format: audio.FormatPCM.Code(), Size: 30}, 0)
	var alloc wire.AllocateResponse
	_ = alloc.UnmarshalBinary(resp.Payload)

	if _, ok := c.call(wire.CmdData, wire.DataRequest{Handle: alloc.Handle, Offset: 0, Data: make([]byte, 10)}, 0); ok {
		t.Fatal("unflagged DATA frame was answered")
	}
	resp, ok := c.call(wire.CmdData, wire.DataRequest{Handle: alloc.Handle, Offset: 20, Data: make([]byte, 10)}, wire.FlagAckRequested)
	if !ok {
		t.Fatal("flagged DATA frame not answered")
	}
	var ack wire.DataAck
	_ = ack.UnmarshalBinary(resp.Payload)
	if ack.Received != 10 {
		t.Fatalf("received %d after gap, want 10", ack.Received)
	}

	resp, _ = c.call(wire.CmdCommit, wire.CommitRequest{Handle: alloc.Handle, Size: 30, Title: "x"}, 0)
	if resp.Status != wire.StatusBadRequest {
		t.Fatalf("commit with missing bytes status %s", resp.Status)
	}
	c.call(wire.CmdData, wire.DataRequest{Handle: alloc.Handle, Offset: 10, Data: make([]byte, 20)}, 0)
	resp, _ = c.call(wire.CmdCommit, wire.CommitRequest{Handle: alloc.Handle, Size: 30, Title: "x"}, 0)
	if resp.Status != wire.StatusOK {
		t.Fatalf("commit status %s", resp.Status)
	}
	if slots := r.Slots(); len(slots) != 1 || slots[0].Size != 30 {
		t.Fatalf("slots = %+v", slots)
	}
}

func TestCorruptCommandGetsBadChecksum(t *testing.T) {
	r := New(DefaultOptions())
	c := dial(t, r)
	raw, _ := wire.Encode(wire.Frame{Command: wire.CmdHello, Seq: 9, Payload: []byte{wire.ProtocolVersion}})
	raw[len(raw)-1] ^= 0x01
	if err := c.tr.Send(context.Background(), raw); err != nil {
		t.Fatalf("send: %v", err)
	}
	frame, err := wire.Decode(<-c.tr.(*conn).queue)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Status != wire.StatusBadChecksum || frame.Seq != 9 {
		t.Fatalf("got status %s seq %d", frame.Status, frame.Seq)
	}
}

func TestUnplugBreaksConnections(t *testing.T) {
	r := New(DefaultOptions())
	c := dial(t, r)
	r.Unplug()
	if _, err := c.tr.Receive(context.Background()); err == nil {
		t.Fatal("Receive succeeded on an unplugged recorder")
	}
	if _, err := r.Dial(context.Background()); err == nil {
		t.Fatal("Dial succeeded on an unplugged recorder")
	}
}
