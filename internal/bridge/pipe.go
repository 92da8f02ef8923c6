package bridge

import (
	"context"
	"sync"

	"github.com/better-wallet/provider-bridge/internal/logger"
	apperrors "github.com/better-wallet/provider-bridge/pkg/errors"
	"github.com/better-wallet/provider-bridge/pkg/types"
)

const pipeBuffer = 16

type pipeConn struct {
	in  <-chan []byte
	out chan<- []byte

	closed    chan struct{}
	closeOnce *sync.Once
}

func (c *pipeConn) Send(data []byte) error {
	// Prefer reporting closure over racing a buffered send.
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case c.out <- buf:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

func (c *pipeConn) Receive() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Pipe serves an in-process page context bound to origin and returns its end
// of the connection. Closing either end closes both. The bridge side stops
// when ctx ends.
func Pipe(ctx context.Context, b *Bridge, origin string) (Conn, error) {
	normalized, err := types.NormalizeOrigin(origin)
	if err != nil {
		return nil, apperrors.InvalidOrigin(err.Error())
	}

	toBridge := make(chan []byte, pipeBuffer)
	toPage := make(chan []byte, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}

	page := &pipeConn{in: toPage, out: toBridge, closed: closed, closeOnce: once}
	server := &pipeConn{in: toBridge, out: toPage, closed: closed, closeOnce: once}

	go func() {
		if err := b.Serve(ctx, server, normalized); err != nil {
			logger.Warn(logger.WithOrigin(ctx, normalized), "pipe bridge ended with error", "error", err)
		}
	}()
	return page, nil
}
