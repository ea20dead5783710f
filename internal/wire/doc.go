// Package wire encodes and decodes the recorder's framed command protocol.
//
// Every frame is a 12-byte big-endian header followed by an optional payload:
//
//	magic(0xA7) cmd flags status seq:u16 len:u16 crc32:u32
//
// The CRC32 (IEEE) covers the first eight header bytes and the payload, so a
// frame's sequence number and checksum must be recomputed whenever it is
// resent. Responses echo the request's command and sequence number with
// FlagResponse set. Typed bodies for each command live in bodies.go.
package wire
