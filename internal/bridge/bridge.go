package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/better-wallet/provider-bridge/internal/logger"
	apperrors "github.com/better-wallet/provider-bridge/pkg/errors"
	"github.com/better-wallet/provider-bridge/pkg/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
)

// Backend serves the provider methods for an origin
type Backend interface {
	GetAccounts(ctx context.Context, origin string) []string
	RequestConnection(ctx context.Context, origin string) ([]string, error)
	SignMessage(ctx context.Context, origin, message string) (string, error)
}

// Events hands out accountsChanged subscriptions per page context
type Events interface {
	Subscribe(origin, handle string, ch chan<- []string) event.Subscription
}

// Bridge serves page-context connections. One Bridge serves any number of
// connections; each is handled by Serve.
type Bridge struct {
	backend Backend
	events  Events
	metrics *Metrics

	done     context.Context
	shutdown context.CancelFunc
}

// New creates a Bridge. metrics may be nil.
func New(backend Backend, events Events, metrics *Metrics) *Bridge {
	done, shutdown := context.WithCancel(context.Background())
	return &Bridge{
		backend:  backend,
		events:   events,
		metrics:  metrics,
		done:     done,
		shutdown: shutdown,
	}
}

// Close disconnects every page context currently being served and refuses
// new ones.
func (b *Bridge) Close() {
	b.shutdown()
}

// peer is the server side of one page context
type peer struct {
	conn   Conn
	origin string
	handle string

	writeMu sync.Mutex
}

func (p *peer) send(m *Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.Send(data)
}

// Serve handles conn until it closes or ctx ends. contextOrigin is the origin
// the platform attached to the connection, never one read from a frame.
//
// Each request runs in its own goroutine, so a prompt left open does not hold
// up other calls. When Serve returns, every wait started by this connection
// has been cancelled and its subscription removed.
func (b *Bridge) Serve(ctx context.Context, conn Conn, contextOrigin string) error {
	origin, err := types.NormalizeOrigin(contextOrigin)
	if err != nil {
		b.metrics.incDropped("invalid_context_origin")
		return apperrors.InvalidOrigin(err.Error())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()
	stop := context.AfterFunc(b.done, cancel)
	defer stop()

	p := &peer{conn: conn, origin: origin, handle: uuid.NewString()}
	ctx = logger.WithOrigin(ctx, origin)

	b.metrics.incConnections()
	defer b.metrics.decConnections()
	logger.Debug(ctx, "page context connected", "handle", p.handle)

	// Receive only unblocks on Close.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	events := make(chan []string)
	sub := b.events.Subscribe(origin, p.handle, events)
	defer sub.Unsubscribe()

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.forwardEvents(ctx, p, events, sub)
	}()

	for {
		data, err := conn.Receive()
		if err != nil {
			// Cancel in-flight requests before waiting for them.
			cancel()
			if errors.Is(err, ErrClosed) {
				logger.Debug(ctx, "page context disconnected", "handle", p.handle)
				return nil
			}
			return err
		}

		msg, err := Decode(data)
		if err != nil {
			b.metrics.incDropped("malformed")
			logger.Warn(ctx, "dropping malformed frame", "error", err)
			continue
		}
		if msg.Kind() != FrameRequest {
			b.metrics.incDropped("unexpected_" + msg.Kind().String())
			logger.Warn(ctx, "dropping frame that is not a request", "frame", msg.Kind().String())
			continue
		}
		if !sameOrigin(msg.Origin, origin) {
			b.metrics.incDropped("invalid_origin")
			logger.Warn(ctx, "dropping request with mismatched origin",
				"declared_origin", msg.Origin, "request_id", msg.ID)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			b.handle(ctx, p, msg)
		}()
	}
}

func sameOrigin(declared, origin string) bool {
	normalized, err := types.NormalizeOrigin(declared)
	return err == nil && normalized == origin
}

func (b *Bridge) forwardEvents(ctx context.Context, p *peer, events <-chan []string, sub event.Subscription) {
	for {
		select {
		case accounts := <-events:
			if err := p.send(NewBroadcast(p.origin, accounts)); err != nil {
				logger.Debug(ctx, "failed to deliver accountsChanged", "error", err)
				continue
			}
			b.metrics.incBroadcasts()
		case <-sub.Err():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) handle(ctx context.Context, p *peer, req *Message) {
	ctx = logger.WithRequestID(ctx, req.ID)
	started := time.Now()

	result, err := b.dispatch(ctx, p.origin, req)
	if errors.Is(err, errDrop) {
		b.metrics.incDropped("invalid_params")
		return
	}

	var resp *Message
	outcome := "ok"
	if err == nil {
		resp, err = NewResult(req.ID, result)
	}
	if err != nil {
		resp = NewError(req.ID, err)
		outcome = string(resp.Error.Kind)
		if resp.Error.Kind == apperrors.KindInternal {
			logger.Error(ctx, "request failed", "method", req.Method, "error", err)
		} else {
			logger.Debug(ctx, "request failed", "method", req.Method, "error", err)
		}
	}
	b.metrics.observeRequest(req.Method, outcome, time.Since(started))

	if ctx.Err() != nil {
		return
	}
	if err := p.send(resp); err != nil {
		logger.Debug(ctx, "failed to write response", "error", err)
	}
}

// errDrop marks a request that must go unanswered
var errDrop = errors.New("drop request")

func (b *Bridge) dispatch(ctx context.Context, origin string, req *Message) (any, error) {
	switch types.Method(req.Method) {
	case types.MethodGetAccounts:
		return b.backend.GetAccounts(ctx, origin), nil
	case types.MethodRequestConnection:
		return b.backend.RequestConnection(ctx, origin)
	case types.MethodSignMessage:
		var params SignParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				logger.Warn(ctx, "dropping signMessage with malformed params", "error", err)
				return nil, errDrop
			}
		}
		return b.backend.SignMessage(ctx, origin, params.Message)
	default:
		return nil, apperrors.UnsupportedMethod(req.Method)
	}
}
