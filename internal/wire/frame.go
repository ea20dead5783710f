package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// Magic opens every frame.
	Magic byte = 0xA7
	// HeaderSize is the fixed frame header length.
	HeaderSize = 12
	// MaxPayload is the largest payload the u16 length field can describe.
	MaxPayload = 0xFFFF
)

// Command identifies a protocol operation.
type Command uint8

const (
	CmdHello         Command = 0x01
	CmdIdentify      Command = 0x02
	CmdReadTOC       Command = 0x03
	CmdQueryCapacity Command = 0x04
	CmdAllocate      Command = 0x10
	CmdData          Command = 0x11
	CmdCommit        Command = 0x12
	CmdAbort         Command = 0x13
)

func (c Command) String() string {
	switch c {
	case CmdHello:
		return "HELLO"
	case CmdIdentify:
		return "IDENTIFY"
	case CmdReadTOC:
		return "READ_TOC"
	case CmdQueryCapacity:
		return "QUERY_CAPACITY"
	case CmdAllocate:
		return "ALLOCATE"
	case CmdData:
		return "DATA"
	case CmdCommit:
		return "COMMIT"
	case CmdAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("CMD(0x%02x)", uint8(c))
	}
}

// Status is the device's verdict on a request.
type Status uint8

const (
	StatusOK          Status = 0x00
	StatusBadChecksum Status = 0x01
	StatusNoSpace     Status = 0x02
	StatusBadHandle   Status = 0x03
	StatusBadState    Status = 0x04
	StatusBadRequest  Status = 0x05
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBadChecksum:
		return "BAD_CHECKSUM"
	case StatusNoSpace:
		return "NO_SPACE"
	case StatusBadHandle:
		return "BAD_HANDLE"
	case StatusBadState:
		return "BAD_STATE"
	case StatusBadRequest:
		return "BAD_REQUEST"
	default:
		return fmt.Sprintf("STATUS(0x%02x)", uint8(s))
	}
}

const (
	// FlagAckRequested asks the device to answer a DATA frame.
	FlagAckRequested uint8 = 0x01
	// FlagResponse marks device-to-host frames.
	FlagResponse uint8 = 0x80
)

var (
	ErrShortFrame = errors.New("wire: short frame")
	ErrBadMagic   = errors.New("wire: bad magic")
	ErrLength     = errors.New("wire: length mismatch")
	ErrChecksum   = errors.New("wire: checksum mismatch")
	ErrTooLarge   = errors.New("wire: payload exceeds frame limit")
)

// Frame is one protocol message.
type Frame struct {
	Command Command
	Flags   uint8
	Status  Status
	Seq     uint16
	Payload []byte
}

// IsResponse reports whether the frame travelled device-to-host.
func (f Frame) IsResponse() bool { return f.Flags&FlagResponse != 0 }

// AckRequested reports whether the sender expects an acknowledgement.
func (f Frame) AckRequested() bool { return f.Flags&FlagAckRequested != 0 }

// Response builds the reply to f with the given status and body.
func (f Frame) Response(status Status, payload []byte) Frame {
	return Frame{Command: f.Command, Flags: FlagResponse, Status: status, Seq: f.Seq, Payload: payload}
}

// Encode serializes f, computing length and checksum.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(f.Payload))
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = Magic
	buf[1] = byte(f.Command)
	buf[2] = f.Flags
	buf[3] = byte(f.Status)
	binary.BigEndian.PutUint16(buf[4:6], f.Seq)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	binary.BigEndian.PutUint32(buf[8:12], checksum(buf[:8], buf[HeaderSize:]))
	return buf, nil
}

// Decode parses and verifies a frame. The returned payload aliases data.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	if data[0] != Magic {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrBadMagic, data[0])
	}
	length := int(binary.BigEndian.Uint16(data[6:8]))
	if len(data) != HeaderSize+length {
		return Frame{}, fmt.Errorf("%w: header says %d, got %d", ErrLength, length, len(data)-HeaderSize)
	}
	payload := data[HeaderSize:]
	if want, got := binary.BigEndian.Uint32(data[8:12]), checksum(data[:8], payload); want != got {
		return Frame{}, fmt.Errorf("%w: header 0x%08x, computed 0x%08x", ErrChecksum, want, got)
	}
	return Frame{
		Command: Command(data[1]),
		Flags:   data[2],
		Status:  Status(data[3]),
		Seq:     binary.BigEndian.Uint16(data[4:6]),
		Payload: payload,
	}, nil
}

// PeekHeader returns the command and sequence of a frame without verifying
// its checksum. The device uses it to address BAD_CHECKSUM replies.
func PeekHeader(data []byte) (Command, uint16, bool) {
	if len(data) < HeaderSize || data[0] != Magic {
		return 0, 0, false
	}
	return Command(data[1]), binary.BigEndian.Uint16(data[4:6]), true
}

func checksum(header, payload []byte) uint32 {
	sum := crc32.Update(0, crc32.IEEETable, header)
	return crc32.Update(sum, crc32.IEEETable, payload)
}

// StatusError reports a non-OK device status.
type StatusError struct {
	Command Command
	Status  Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s answered %s", e.Command, e.Status)
}

// CheckStatus returns a *StatusError when resp is not OK.
func CheckStatus(resp Frame) error {
	if resp.Status == StatusOK {
		return nil
	}
	return &StatusError{Command: resp.Command, Status: resp.Status}
}
