package bridge

import "errors"

// ErrClosed is returned by a Conn after either side has closed it
var ErrClosed = errors.New("bridge: connection closed")

// Conn moves whole frames between a page context and the bridge.
//
// Send may be called from several goroutines at once. Receive is called from
// one goroutine only and unblocks with ErrClosed once Close is called.
type Conn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}
