// Package provider is the page-facing provider object. A Proxy turns method
// calls into bridge requests and exposes accountsChanged as a subscription.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/better-wallet/provider-bridge/internal/bridge"
	"github.com/better-wallet/provider-bridge/internal/logger"
	apperrors "github.com/better-wallet/provider-bridge/pkg/errors"
	"github.com/better-wallet/provider-bridge/pkg/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
)

// DialFunc opens a connection to the bridge
type DialFunc func(ctx context.Context) (bridge.Conn, error)

// Proxy is the provider object of one page context. Create one per page; a
// Proxy never shares state with another.
//
// If the bridge cannot be reached, or the connection drops, every waiting and
// later call fails with ProviderUnavailable until Reconnect succeeds.
type Proxy struct {
	origin string
	dial   DialFunc

	mu      sync.Mutex
	conn    bridge.Conn
	pending map[string]chan *bridge.Message
	closed  bool

	accountsFeed event.FeedOf[[]string]
}

// New creates a Proxy for origin and tries to connect it. A failed connection
// is not an error here; calls report it as ProviderUnavailable.
func New(ctx context.Context, origin string, dial DialFunc) (*Proxy, error) {
	normalized, err := types.NormalizeOrigin(origin)
	if err != nil {
		return nil, apperrors.InvalidOrigin(err.Error())
	}
	p := &Proxy{
		origin:  normalized,
		dial:    dial,
		pending: make(map[string]chan *bridge.Message),
	}
	if err := p.Reconnect(ctx); err != nil {
		logger.Warn(logger.WithOrigin(ctx, normalized), "provider started without a bridge connection", "error", err)
	}
	return p, nil
}

// Origin returns the origin this page context declares on every request
func (p *Proxy) Origin() string {
	return p.origin
}

// Connected reports whether the bridge connection is up
func (p *Proxy) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Reconnect replaces the bridge connection. Calls that were waiting on the
// old connection fail with ProviderUnavailable. Callers should follow a
// successful Reconnect with GetAccounts, since events sent while disconnected
// are not replayed.
func (p *Proxy) Reconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return apperrors.ProviderUnavailable("provider closed")
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		return apperrors.ProviderUnavailable("bridge unreachable").Wrap(err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return apperrors.ProviderUnavailable("provider closed")
	}
	old := p.conn
	p.conn = conn
	p.failPendingLocked()
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go p.readLoop(conn)
	return nil
}

// Close disconnects the proxy for good
func (p *Proxy) Close() error {
	p.mu.Lock()
	p.closed = true
	conn := p.conn
	p.conn = nil
	p.failPendingLocked()
	p.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// GetAccounts returns the accounts this origin may see, possibly none
func (p *Proxy) GetAccounts(ctx context.Context) ([]string, error) {
	return p.callAccounts(ctx, types.MethodGetAccounts)
}

// RequestConnection asks the wallet to connect this origin
func (p *Proxy) RequestConnection(ctx context.Context) ([]string, error) {
	return p.callAccounts(ctx, types.MethodRequestConnection)
}

// SignMessage asks the wallet to sign message with the primary account
func (p *Proxy) SignMessage(ctx context.Context, message string) (string, error) {
	result, err := p.call(ctx, types.MethodSignMessage, bridge.SignParams{Message: message})
	if err != nil {
		return "", err
	}
	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return "", apperrors.Internal(fmt.Errorf("failed to decode signature: %w", err))
	}
	return sig, nil
}

// SubscribeAccountsChanged delivers every accountsChanged event for this
// origin to ch. An empty list means the origin was disconnected. Events are
// delivered in order; a subscriber that stops reading holds up later events
// and responses, so ch should be buffered or drained promptly.
func (p *Proxy) SubscribeAccountsChanged(ch chan<- []string) event.Subscription {
	return p.accountsFeed.Subscribe(ch)
}

func (p *Proxy) callAccounts(ctx context.Context, method types.Method) ([]string, error) {
	result, err := p.call(ctx, method, nil)
	if err != nil {
		return nil, err
	}
	var accounts []string
	if err := json.Unmarshal(result, &accounts); err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to decode accounts: %w", err))
	}
	return types.CloneAccounts(accounts), nil
}

func (p *Proxy) call(ctx context.Context, method types.Method, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	req, err := bridge.NewRequest(id, p.origin, method, params)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	data, err := bridge.Encode(req)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	reply := make(chan *bridge.Message, 1)
	p.mu.Lock()
	conn := p.conn
	if conn == nil {
		p.mu.Unlock()
		return nil, apperrors.ProviderUnavailable("bridge not connected")
	}
	p.pending[id] = reply
	p.mu.Unlock()

	if err := conn.Send(data); err != nil {
		p.forget(id)
		p.lost(conn, err)
		return nil, apperrors.ProviderUnavailable("bridge connection lost").Wrap(err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, apperrors.ProviderUnavailable("bridge connection lost")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	}
}

func (p *Proxy) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Proxy) readLoop(conn bridge.Conn) {
	ctx := logger.WithOrigin(context.Background(), p.origin)
	for {
		data, err := conn.Receive()
		if err != nil {
			p.lost(conn, err)
			return
		}

		msg, err := bridge.Decode(data)
		if err != nil {
			logger.Warn(ctx, "dropping malformed frame from bridge", "error", err)
			continue
		}

		switch msg.Kind() {
		case bridge.FrameResponse:
			p.deliver(ctx, msg)
		case bridge.FrameBroadcast:
			if msg.Origin != p.origin {
				logger.Warn(ctx, "dropping broadcast for another origin", "broadcast_origin", msg.Origin)
				continue
			}
			p.accountsFeed.Send(types.CloneAccounts(msg.Accounts))
		default:
			logger.Warn(ctx, "dropping unexpected frame from bridge", "frame", msg.Kind().String())
		}
	}
}

func (p *Proxy) deliver(ctx context.Context, msg *bridge.Message) {
	p.mu.Lock()
	reply, ok := p.pending[msg.ID]
	if ok {
		delete(p.pending, msg.ID)
	}
	p.mu.Unlock()

	if !ok {
		logger.Warn(ctx, "dropping response with no matching request", "request_id", msg.ID)
		return
	}
	reply <- msg
}

// lost handles conn going away. A stale conn that was already replaced is
// ignored.
func (p *Proxy) lost(conn bridge.Conn, cause error) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.failPendingLocked()
	p.mu.Unlock()

	conn.Close()
	ctx := logger.WithOrigin(context.Background(), p.origin)
	if errors.Is(cause, bridge.ErrClosed) {
		logger.Info(ctx, "bridge connection closed")
		return
	}
	logger.Warn(ctx, "bridge connection lost", "error", cause)
}

func (p *Proxy) failPendingLocked() {
	for id, reply := range p.pending {
		close(reply)
		delete(p.pending, id)
	}
}
