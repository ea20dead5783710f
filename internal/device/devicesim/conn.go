package devicesim

import (
	"context"
	"sync"
	"time"
)

// conn is one host connection to the recorder.
type conn struct {
	rec    *Recorder
	queue  chan []byte
	closed chan struct{}
	broken chan struct{}

	closeOnce sync.Once
	breakOnce sync.Once
}

func (c *conn) breakLink() {
	c.breakOnce.Do(func() { close(c.broken) })
}

func (c *conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return errClosed
	case <-c.broken:
		return errLinkDown
	default:
	}

	c.rec.mu.Lock()
	latency := c.rec.latency
	c.rec.mu.Unlock()
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	responses, after := c.rec.handle(c, frame)
	for _, resp := range responses {
		select {
		case c.queue <- resp:
		default:
		}
	}
	if after != nil {
		after()
	}
	return nil
}

func (c *conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case resp := <-c.queue:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errClosed
	case <-c.broken:
		return nil, errLinkDown
	}
}

func (c *conn) MaxTransferUnit() int { return c.rec.opts.MTU }

func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
