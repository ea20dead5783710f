package device

import (
	"context"
	"errors"
)

// Transport moves whole frames to and from the recorder. Send and Receive
// honour ctx; a Receive that returns an error because ctx expired must return
// an error matching ctx.Err().
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	// MaxTransferUnit is the largest frame, header included, the transport
	// delivers in one transfer.
	MaxTransferUnit() int
	Close() error
}

// Dialer opens a transport to the configured recorder.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// ErrNoDevice is returned by dialers when no matching recorder is attached.
var ErrNoDevice = errors.New("no recorder attached")
