package devicesim

import (
	"encoding"
	"slices"

	"tracklift/internal/audio"
	"tracklift/internal/wire"
)

// handle processes one host frame and returns the encoded responses plus an
// optional callback to run once the recorder lock is released.
func (r *Recorder) handle(c *conn, raw []byte) ([][]byte, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, seq, ok := wire.PeekHeader(raw)
	if ok && cmd == wire.CmdData && r.corruptFrames > 0 {
		r.corruptFrames--
		raw = slices.Clone(raw)
		raw[len(raw)-1] ^= 0xFF
	}
	frame, err := wire.Decode(raw)
	if err != nil {
		if !ok || cmd == wire.CmdData {
			return nil, nil
		}
		return r.reply(wire.Frame{Command: cmd, Seq: seq}, wire.StatusBadChecksum, nil), nil
	}
	if frame.IsResponse() {
		return nil, nil
	}

	switch frame.Command {
	case wire.CmdHello:
		var req wire.HelloRequest
		if req.UnmarshalBinary(frame.Payload) != nil {
			return r.reply(frame, wire.StatusBadRequest, nil), nil
		}
		var caps uint8
		if r.opts.BatchAck {
			caps |= wire.CapBatchAck
		}
		return r.reply(frame, wire.StatusOK, wire.HelloResponse{
			Version:      wire.ProtocolVersion,
			Capabilities: caps,
			MaxTitle:     r.opts.MaxTitle,
			ClusterSize:  r.opts.ClusterSize,
		}), nil
	case wire.CmdIdentify:
		return r.reply(frame, wire.StatusOK, wire.IdentifyResponse{
			Model:    r.opts.Model,
			Firmware: r.opts.Firmware,
			Serial:   r.opts.Serial,
		}), nil
	case wire.CmdReadTOC:
		return r.reply(frame, wire.StatusOK, wire.TOCResponse{
			Capacity: r.opts.Capacity,
			Free:     r.free(),
			Slots:    slices.Clone(r.slots),
		}), nil
	case wire.CmdQueryCapacity:
		return r.reply(frame, wire.StatusOK, wire.CapacityResponse{Capacity: r.opts.Capacity, Free: r.free()}), nil
	case wire.CmdAllocate:
		return r.allocate(frame), nil
	case wire.CmdData:
		return r.data(c, frame)
	case wire.CmdCommit:
		return r.commit(frame), nil
	case wire.CmdAbort:
		return r.abort(frame), nil
	default:
		return r.reply(frame, wire.StatusBadRequest, nil), nil
	}
}

func (r *Recorder) reply(req wire.Frame, status wire.Status, body encoding.BinaryMarshaler) [][]byte {
	var payload []byte
	if body != nil && status == wire.StatusOK {
		var err error
		if payload, err = body.MarshalBinary(); err != nil {
			status, payload = wire.StatusBadRequest, nil
		}
	}
	raw, err := wire.Encode(req.Response(status, payload))
	if err != nil {
		return nil
	}
	return [][]byte{raw}
}

func (r *Recorder) allocate(frame wire.Frame) [][]byte {
	r.counts.Allocates++
	var req wire.AllocateRequest
	if req.UnmarshalBinary(frame.Payload) != nil || audio.FormatFromCode(req.Format).Code() == 0 {
		return r.reply(frame, wire.StatusBadRequest, nil)
	}
	need := r.roundUp(req.Size)
	if need > r.free() {
		return r.reply(frame, wire.StatusNoSpace, nil)
	}
	r.nextHandle++
	res := &reservation{
		slot:   uint16(len(r.slots)),
		format: req.Format,
		size:   req.Size,
		need:   need,
		data:   make([]byte, 0, req.Size),
	}
	r.reservations[r.nextHandle] = res
	return r.reply(frame, wire.StatusOK, wire.AllocateResponse{Handle: r.nextHandle, Slot: res.slot, Reserved: need})
}

// data accepts a frame only at the contiguous end of the reservation.
// Duplicates and frames past a gap are ignored; the acknowledgement tells the
// host where to resume.
func (r *Recorder) data(c *conn, frame wire.Frame) ([][]byte, func()) {
	r.counts.DataFrames++
	var after func()
	if fn, n := r.onFrame, r.counts.DataFrames; fn != nil {
		after = func() { fn(n) }
	}
	if r.disconnectAfter > 0 && r.counts.DataFrames >= r.disconnectAfter {
		r.disconnectAfter = 0
		c.breakLink()
		return nil, after
	}

	var req wire.DataRequest
	status := wire.StatusOK
	var res *reservation
	if req.UnmarshalBinary(frame.Payload) != nil {
		status = wire.StatusBadRequest
	} else if res = r.reservations[req.Handle]; res == nil {
		status = wire.StatusBadHandle
	} else if req.Offset == uint64(len(res.data)) {
		if uint64(len(res.data)+len(req.Data)) > res.size {
			status = wire.StatusBadRequest
		} else {
			res.data = append(res.data, req.Data...)
		}
	}

	if !frame.AckRequested() {
		return nil, after
	}
	if r.dropAcks > 0 {
		r.dropAcks--
		return nil, after
	}
	r.counts.Acks++
	var ack wire.DataAck
	if res != nil {
		ack.Received = uint64(len(res.data))
	}
	out := r.reply(frame, status, ack)
	if r.corruptAcks > 0 && len(out) == 1 {
		r.corruptAcks--
		out[0][len(out[0])-1] ^= 0xFF
	}
	return out, after
}

func (r *Recorder) commit(frame wire.Frame) [][]byte {
	r.counts.Commits++
	var req wire.CommitRequest
	if req.UnmarshalBinary(frame.Payload) != nil {
		return r.reply(frame, wire.StatusBadRequest, nil)
	}
	res := r.reservations[req.Handle]
	if res == nil {
		return r.reply(frame, wire.StatusBadHandle, nil)
	}
	if req.Size != uint64(len(res.data)) || len(req.Title) > int(r.opts.MaxTitle) {
		return r.reply(frame, wire.StatusBadRequest, nil)
	}
	delete(r.reservations, req.Handle)
	index := uint16(len(r.slots))
	r.slots = append(r.slots, wire.Slot{Index: index, Format: res.format, Size: req.Size, Title: req.Title})
	r.contents[index] = res.data
	r.used += r.roundUp(req.Size)
	return r.reply(frame, wire.StatusOK, wire.CommitResponse{Slot: index, Free: r.free()})
}

func (r *Recorder) abort(frame wire.Frame) [][]byte {
	r.counts.Aborts++
	var req wire.AbortRequest
	if req.UnmarshalBinary(frame.Payload) != nil {
		return r.reply(frame, wire.StatusBadRequest, nil)
	}
	if _, ok := r.reservations[req.Handle]; !ok {
		return r.reply(frame, wire.StatusBadHandle, nil)
	}
	delete(r.reservations, req.Handle)
	return r.reply(frame, wire.StatusOK, wire.AbortResponse{Free: r.free()})
}
