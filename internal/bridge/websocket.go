package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/better-wallet/provider-bridge/internal/logger"
	apperrors "github.com/better-wallet/provider-bridge/pkg/errors"
	"github.com/better-wallet/provider-bridge/pkg/types"
	"github.com/gorilla/websocket"
)

const (
	wsReadLimit  = 64 * 1024
	wsWriteWait  = 10 * time.Second
	wsBufferSize = 4096
)

type wsConn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketConn wraps an established WebSocket as a Conn
func NewWebSocketConn(ws *websocket.Conn) Conn {
	ws.SetReadLimit(wsReadLimit)
	return &wsConn{ws: ws, closed: make(chan struct{})}
}

func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *wsConn) Receive() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrClosed
			default:
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("failed to read frame: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// WebSocketHandler upgrades page contexts onto the bridge. The context origin
// is taken from the handshake's Origin header, which the browser sets and
// page scripts cannot forge.
type WebSocketHandler struct {
	bridge   *Bridge
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates the upgrade endpoint for b
func NewWebSocketHandler(b *Bridge) *WebSocketHandler {
	return &WebSocketHandler{
		bridge: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
			// Any origin may connect; every request is then scoped to it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	origin, err := types.NormalizeOrigin(r.Header.Get("Origin"))
	if err != nil {
		h.bridge.metrics.incDropped("invalid_context_origin")
		logger.Warn(ctx, "rejecting bridge handshake without a valid origin", "error", err)
		appErr := apperrors.InvalidOrigin(err.Error())
		http.Error(w, appErr.Error(), http.StatusForbidden)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Warn(ctx, "websocket upgrade failed", "error", err)
		return
	}

	if err := h.bridge.Serve(ctx, NewWebSocketConn(ws), origin); err != nil {
		logger.Warn(logger.WithOrigin(ctx, origin), "bridge connection ended with error", "error", err)
	}
}

// DialWebSocket connects to a bridge endpoint as origin. Browsers set the
// Origin header themselves; this is for native page hosts and tests.
func DialWebSocket(ctx context.Context, url, origin string) (Conn, error) {
	header := http.Header{}
	header.Set("Origin", origin)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial bridge (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial bridge: %w", err)
	}
	return NewWebSocketConn(ws), nil
}
