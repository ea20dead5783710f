package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolVersion is the version announced in HELLO.
const ProtocolVersion uint8 = 1

const (
	// CapBatchAck advertises support for acknowledging several DATA frames at once.
	CapBatchAck uint8 = 0x01
)

// DataOverhead is the DATA body prefix (handle and offset) ahead of audio bytes.
const DataOverhead = 12

var errTruncated = errors.New("wire: truncated body")

// HelloRequest opens a session.
type HelloRequest struct {
	Version uint8
}

func (r HelloRequest) MarshalBinary() ([]byte, error) { return []byte{r.Version}, nil }

func (r *HelloRequest) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	r.Version = c.u8()
	return c.done()
}

// HelloResponse carries the device's protocol parameters.
type HelloResponse struct {
	Version      uint8
	Capabilities uint8
	MaxTitle     uint16
	ClusterSize  uint32
}

func (r HelloResponse) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 8)
	buf = append(buf, r.Version, r.Capabilities)
	buf = binary.BigEndian.AppendUint16(buf, r.MaxTitle)
	buf = binary.BigEndian.AppendUint32(buf, r.ClusterSize)
	return buf, nil
}

func (r *HelloResponse) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	r.Version = c.u8()
	r.Capabilities = c.u8()
	r.MaxTitle = c.u16()
	r.ClusterSize = c.u32()
	return c.done()
}

// IdentifyResponse names the device.
type IdentifyResponse struct {
	Model    string
	Firmware string
	Serial   string
}

func (r IdentifyResponse) MarshalBinary() ([]byte, error) {
	var buf []byte
	var err error
	for _, s := range []string{r.Model, r.Firmware, r.Serial} {
		if buf, err = appendString(buf, s); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (r *IdentifyResponse) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	r.Model = c.str()
	r.Firmware = c.str()
	r.Serial = c.str()
	return c.done()
}

// Slot is one committed track on the device.
type Slot struct {
	Index  uint16
	Format uint8
	Size   uint64
	Title  string
}

// TOCResponse lists committed slots and the device's space accounting.
type TOCResponse struct {
	Capacity uint64
	Free     uint64
	Slots    []Slot
}

func (r TOCResponse) MarshalBinary() ([]byte, error) {
	if len(r.Slots) > 0xFFFF {
		return nil, fmt.Errorf("wire: %d slots exceed table limit", len(r.Slots))
	}
	buf := make([]byte, 0, 18+len(r.Slots)*16)
	buf = binary.BigEndian.AppendUint64(buf, r.Capacity)
	buf = binary.BigEndian.AppendUint64(buf, r.Free)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Slots)))
	var err error
	for _, slot := range r.Slots {
		buf = binary.BigEndian.AppendUint16(buf, slot.Index)
		buf = append(buf, slot.Format)
		buf = binary.BigEndian.AppendUint64(buf, slot.Size)
		if buf, err = appendString(buf, slot.Title); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (r *TOCResponse) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	r.Capacity = c.u64()
	r.Free = c.u64()
	count := int(c.u16())
	r.Slots = make([]Slot, 0, count)
	for i := 0; i < count && c.err == nil; i++ {
		var slot Slot
		slot.Index = c.u16()
		slot.Format = c.u8()
		slot.Size = c.u64()
		slot.Title = c.str()
		r.Slots = append(r.Slots, slot)
	}
	return c.done()
}

// CapacityResponse reports live space accounting.
type CapacityResponse struct {
	Capacity uint64
	Free     uint64
}

func (r CapacityResponse) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 16)
	buf = binary.BigEndian.AppendUint64(buf, r.Capacity)
	buf = binary.BigEndian.AppendUint64(buf, r.Free)
	return buf, nil
}

func (r *CapacityResponse) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	r.Capacity = c.u64()
	r.Free = c.u64()
	return c.done()
}

// AllocateRequest reserves space for a track of the given format and size.
type AllocateRequest struct {
	Format uint8
	Size   uint64
}

func (r AllocateRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 9)
	buf = append(buf, r.Format)
	buf = binary.BigEndian.AppendUint64(buf, r.Size)
	return buf, nil
}

func (r *AllocateRequest) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	r.Format = c.u8()
	r.Size = c.u64()
	return c.done()
}

// AllocateResponse returns the handle used by DATA, COMMIT and ABORT.
type AllocateResponse struct {
	Handle   uint32
	Slot     uint16
	Reserved uint64
}

func (r AllocateResponse) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 14)
	buf = binary.BigEndian.AppendUint32(buf, r.Handle)
	buf = binary.BigEndian.AppendUint16(buf, r.Slot)
	buf = binary.BigEndian.AppendUint64(buf, r.Reserved)
	return buf, nil
}

func (r *AllocateResponse) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	r.Handle = c.u32()
	r.Slot = c.u16()
	r.Reserved = c.u64()
	return c.done()
}

// DataRequest carries audio bytes at an offset within the reserved slot.
type DataRequest struct {
	Handle uint32
	Offset uint64
	Data   []byte
}

func (r DataRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, DataOverhead+len(r.Data))
	buf = binary.BigEndian.AppendUint32(buf, r.Handle)
	buf = binary.BigEndian.AppendUint64(buf, r.Offset)
	return append(buf, r.Data...), nil
}

// UnmarshalBinary decodes r; Data aliases the input.
func (r *DataRequest) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	r.Handle = c.u32()
	r.Offset = c.u64()
	if c.err != nil {
		return c.err
	}
	r.Data = c.buf[c.off:]
	return nil
}

// DataAck reports how many contiguous bytes the device has accepted for a
// handle. The host resumes from Received after a gap.
type DataAck struct {
	Received uint64
}

func (r DataAck) MarshalBinary() ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, r.Received), nil
}

func (r *DataAck) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	r.Received = c.u64()
	return c.done()
}

// CommitRequest finalizes a slot with its title.
type CommitRequest struct {
	Handle uint32
	Size   uint64
	Title  string
}

func (r CommitRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 13+len(r.Title))
	buf = binary.BigEndian.AppendUint32(buf, r.Handle)
	buf = binary.BigEndian.AppendUint64(buf, r.Size)
	return appendString(buf, r.Title)
}

func (r *CommitRequest) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	r.Handle = c.u32()
	r.Size = c.u64()
	r.Title = c.str()
	return c.done()
}

// CommitResponse reports the slot index and remaining space.
type CommitResponse struct {
	Slot uint16
	Free uint64
}

func (r CommitResponse) MarshalBinary() ([]byte, error) {
	buf := binary.BigEndian.AppendUint16(nil, r.Slot)
	return binary.BigEndian.AppendUint64(buf, r.Free), nil
}

func (r *CommitResponse) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	r.Slot = c.u16()
	r.Free = c.u64()
	return c.done()
}

// AbortRequest releases a reservation.
type AbortRequest struct {
	Handle uint32
}

func (r AbortRequest) MarshalBinary() ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, r.Handle), nil
}

func (r *AbortRequest) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	r.Handle = c.u32()
	return c.done()
}

// AbortResponse reports free space after the release.
type AbortResponse struct {
	Free uint64
}

func (r AbortResponse) MarshalBinary() ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, r.Free), nil
}

func (r *AbortResponse) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	r.Free = c.u64()
	return c.done()
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > 0xFF {
		return nil, fmt.Errorf("wire: string of %d bytes exceeds 255", len(s))
	}
	buf = append(buf, byte(len(s)))
	return append(buf, s...), nil
}

// cursor reads big-endian fields and remembers the first short read.
type cursor struct {
	buf []byte
	off int
	err error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if len(c.buf)-c.off < n {
		c.err = fmt.Errorf("%w: need %d bytes at offset %d", errTruncated, n, c.off)
		return nil
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u8() uint8 {
	if b := c.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if b := c.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (c *cursor) str() string {
	n := int(c.u8())
	if b := c.take(n); b != nil {
		return string(b)
	}
	return ""
}

func (c *cursor) done() error {
	if c.err != nil {
		return c.err
	}
	if c.off != len(c.buf) {
		return fmt.Errorf("wire: %d trailing bytes", len(c.buf)-c.off)
	}
	return nil
}
