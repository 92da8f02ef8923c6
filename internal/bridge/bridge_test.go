package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/better-wallet/provider-bridge/internal/approval"
	"github.com/better-wallet/provider-bridge/internal/broadcast"
	"github.com/better-wallet/provider-bridge/internal/permission"
	"github.com/better-wallet/provider-bridge/internal/session"
	apperrors "github.com/better-wallet/provider-bridge/pkg/errors"
	"github.com/better-wallet/provider-bridge/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://dapp.example"

type echoSigner struct{}

func (echoSigner) SignMessage(_ context.Context, account, message string) (string, error) {
	return account + ":" + message, nil
}

type env struct {
	bridge   *Bridge
	manager  *session.Manager
	registry *broadcast.Registry
	metrics  *Metrics
}

func newEnv(t *testing.T, approver session.Approver) *env {
	t.Helper()
	registry := broadcast.NewRegistry(4, nil)
	t.Cleanup(registry.Close)
	manager := session.NewManager(permission.NewMemoryStore(), approver, echoSigner{}, registry, session.Config{})
	metrics := NewMetrics(prometheus.NewRegistry())
	b := New(manager, registry, metrics)
	t.Cleanup(b.Close)
	return &env{bridge: b, manager: manager, registry: registry, metrics: metrics}
}

type client struct {
	t      *testing.T
	conn   Conn
	frames chan *Message
}

func (e *env) dial(t *testing.T, origin string) *client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn, err := Pipe(ctx, e.bridge, origin)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	c := &client{t: t, conn: conn, frames: make(chan *Message, 16)}
	go c.pump()

	// Wait until the bridge has subscribed this context.
	require.Eventually(t, func() bool {
		return e.registry.Subscribers(types.MustNormalizeOrigin(origin)) > 0
	}, time.Second, 5*time.Millisecond)
	return c
}

func (c *client) pump() {
	for {
		data, err := c.conn.Receive()
		if err != nil {
			close(c.frames)
			return
		}
		m, err := Decode(data)
		if err != nil {
			continue
		}
		c.frames <- m
	}
}

func (c *client) call(id, origin string, method types.Method, params any) {
	c.t.Helper()
	m, err := NewRequest(id, origin, method, params)
	require.NoError(c.t, err)
	c.sendMessage(m)
}

func (c *client) sendMessage(m *Message) {
	c.t.Helper()
	data, err := Encode(m)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Send(data))
}

func (c *client) next() *Message {
	c.t.Helper()
	select {
	case m, ok := <-c.frames:
		require.True(c.t, ok, "connection closed")
		return m
	case <-time.After(2 * time.Second):
		c.t.Fatal("no frame received")
		return nil
	}
}

func (c *client) silent() {
	c.t.Helper()
	select {
	case m := <-c.frames:
		c.t.Fatalf("unexpected frame %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

// collect reads n frames and splits them into responses by id and broadcasts
func (c *client) collect(n int) (map[string]*Message, [][]string) {
	c.t.Helper()
	responses := make(map[string]*Message)
	var broadcasts [][]string
	for i := 0; i < n; i++ {
		m := c.next()
		switch m.Kind() {
		case FrameResponse:
			responses[m.ID] = m
		case FrameBroadcast:
			assert.Equal(c.t, testOrigin, m.Origin)
			broadcasts = append(broadcasts, m.Accounts)
		}
	}
	return responses, broadcasts
}

func decodeAccounts(t *testing.T, m *Message) []string {
	t.Helper()
	require.Nil(t, m.Error)
	var accounts []string
	require.NoError(t, json.Unmarshal(m.Result, &accounts))
	return accounts
}

func TestBridge_GetAccountsWhenDisconnected(t *testing.T) {
	e := newEnv(t, approval.RejectAll())
	c := e.dial(t, testOrigin)

	c.call("1", testOrigin, types.MethodGetAccounts, nil)
	resp := c.next()
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, []string{}, decodeAccounts(t, resp))
	assert.JSONEq(t, `[]`, string(resp.Result))
}

func TestBridge_RequestConnectionRespondsAndBroadcasts(t *testing.T) {
	e := newEnv(t, approval.ApproveAll("0xabc"))
	tab1 := e.dial(t, testOrigin)
	tab2 := e.dial(t, testOrigin)
	other := e.dial(t, "https://other.example")

	tab1.call("c1", testOrigin, types.MethodRequestConnection, nil)

	responses, broadcasts := tab1.collect(2)
	require.Contains(t, responses, "c1")
	assert.Equal(t, []string{"0xabc"}, decodeAccounts(t, responses["c1"]))
	assert.Equal(t, [][]string{{"0xabc"}}, broadcasts)

	m := tab2.next()
	assert.Equal(t, FrameBroadcast, m.Kind())
	assert.Equal(t, []string{"0xabc"}, m.Accounts)

	other.silent()
}

func TestBridge_SignMessage(t *testing.T) {
	e := newEnv(t, approval.ApproveAll("0xabc"))
	c := e.dial(t, testOrigin)

	c.call("s0", testOrigin, types.MethodSignMessage, SignParams{Message: "hi"})
	resp := c.next()
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperrors.KindNotConnected, resp.Error.Kind)
	assert.Equal(t, 4100, resp.Error.Code)

	c.call("c1", testOrigin, types.MethodRequestConnection, nil)
	c.collect(2)

	c.call("s1", testOrigin, types.MethodSignMessage, SignParams{Message: "hi"})
	resp = c.next()
	require.Nil(t, resp.Error)
	var sig string
	require.NoError(t, json.Unmarshal(resp.Result, &sig))
	assert.Equal(t, "0xabc:hi", sig)
}

func TestBridge_RejectedConnection(t *testing.T) {
	e := newEnv(t, approval.RejectAll())
	c := e.dial(t, testOrigin)

	c.call("c1", testOrigin, types.MethodRequestConnection, nil)
	resp := c.next()
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperrors.KindUserRejected, resp.Error.Kind)
	assert.Equal(t, 4001, resp.Error.Code)
	c.silent()
}

func TestBridge_DropsMismatchedOrigin(t *testing.T) {
	e := newEnv(t, approval.ApproveAll("0xabc"))
	c := e.dial(t, testOrigin)

	c.call("spoofed", "https://evil.example", types.MethodRequestConnection, nil)
	c.call("blank", "", types.MethodGetAccounts, nil)
	c.call("ok", "HTTPS://DApp.Example:443", types.MethodGetAccounts, nil)

	resp := c.next()
	assert.Equal(t, "ok", resp.ID)
	c.silent()

	assert.Empty(t, e.manager.Sessions())
	assert.Equal(t, float64(2), testutil.ToFloat64(e.metrics.droppedTotal.WithLabelValues("invalid_origin")))
}

func TestBridge_DropsMalformedAndForeignFrames(t *testing.T) {
	e := newEnv(t, approval.RejectAll())
	c := e.dial(t, testOrigin)

	require.NoError(t, c.conn.Send([]byte(`{not json`)))
	require.NoError(t, c.conn.Send([]byte(`{"id":"x"}`)))
	c.sendMessage(&Message{ID: "r1", Result: json.RawMessage(`"0x1"`)})
	c.sendMessage(NewBroadcast(testOrigin, []string{"0xforged"}))
	c.sendMessage(&Message{ID: "p1", Origin: testOrigin, Method: string(types.MethodSignMessage), Params: json.RawMessage(`[1,2]`)})
	c.call("ok", testOrigin, types.MethodGetAccounts, nil)

	resp := c.next()
	assert.Equal(t, "ok", resp.ID)
	c.silent()
}

func TestBridge_UnsupportedMethod(t *testing.T) {
	e := newEnv(t, approval.RejectAll())
	c := e.dial(t, testOrigin)

	c.sendMessage(&Message{ID: "u1", Origin: testOrigin, Method: "eth_sendTransaction"})
	resp := c.next()
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperrors.KindUnsupportedMethod, resp.Error.Kind)
	assert.Equal(t, 4200, resp.Error.Code)

	// Page-chosen method names never become label values.
	counted := e.metrics.requestsTotal.WithLabelValues("unsupported", string(apperrors.KindUnsupportedMethod))
	assert.Equal(t, float64(1), testutil.ToFloat64(counted))
	assert.Equal(t, 1, testutil.CollectAndCount(e.metrics.requestsTotal))
}

func TestBridge_SlowApprovalDoesNotBlockOtherCalls(t *testing.T) {
	queue := approval.NewQueue(time.Minute)
	e := newEnv(t, queue)
	c := e.dial(t, testOrigin)

	c.call("c1", testOrigin, types.MethodRequestConnection, nil)
	require.Eventually(t, func() bool { return len(queue.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	c.call("g1", testOrigin, types.MethodGetAccounts, nil)
	resp := c.next()
	assert.Equal(t, "g1", resp.ID)

	require.NoError(t, queue.Resolve(queue.Pending()[0].ID, approval.Decision{Approved: true, Accounts: []string{"0xabc"}}))
	responses, _ := c.collect(2)
	assert.Equal(t, []string{"0xabc"}, decodeAccounts(t, responses["c1"]))
}

func TestBridge_CloseCancelsOnlyThatContext(t *testing.T) {
	queue := approval.NewQueue(time.Minute)
	e := newEnv(t, queue)
	closing := e.dial(t, testOrigin)
	staying := e.dial(t, testOrigin)

	closing.call("c1", testOrigin, types.MethodRequestConnection, nil)
	require.Eventually(t, func() bool { return len(queue.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	staying.call("c2", testOrigin, types.MethodRequestConnection, nil)
	require.Eventually(t, func() bool {
		p := e.manager.Pending()
		return len(p) == 1 && p[0].Waiters == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, closing.conn.Close())
	require.Eventually(t, func() bool {
		p := e.manager.Pending()
		return len(p) == 1 && p[0].Waiters == 1
	}, time.Second, 5*time.Millisecond)
	require.Len(t, queue.Pending(), 1, "prompt stays open for the remaining context")

	require.NoError(t, queue.Resolve(queue.Pending()[0].ID, approval.Decision{Approved: true, Accounts: []string{"0xabc"}}))
	responses, _ := staying.collect(2)
	assert.Equal(t, []string{"0xabc"}, decodeAccounts(t, responses["c2"]))
}

func TestBridge_LastContextClosingWithdrawsPrompt(t *testing.T) {
	queue := approval.NewQueue(time.Minute)
	e := newEnv(t, queue)
	c := e.dial(t, testOrigin)

	c.call("c1", testOrigin, types.MethodRequestConnection, nil)
	require.Eventually(t, func() bool { return len(queue.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool { return len(queue.Pending()) == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.registry.Subscribers(testOrigin) == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, e.manager.Sessions())
}

func TestBridge_CloseDisconnectsEveryone(t *testing.T) {
	e := newEnv(t, approval.RejectAll())
	c := e.dial(t, testOrigin)

	e.bridge.Close()

	select {
	case _, ok := <-c.frames:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("connection not closed")
	}
	require.Eventually(t, func() bool { return e.registry.Subscribers(testOrigin) == 0 }, time.Second, 5*time.Millisecond)
}

func TestPipe_InvalidOrigin(t *testing.T) {
	e := newEnv(t, approval.RejectAll())

	_, err := Pipe(context.Background(), e.bridge, "https://dapp.example/path")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeInvalidOrigin, appErr.Code)
}

func TestPipe_SendAfterClose(t *testing.T) {
	e := newEnv(t, approval.RejectAll())
	conn, err := Pipe(context.Background(), e.bridge, testOrigin)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.True(t, errors.Is(conn.Send([]byte(`{}`)), ErrClosed))
	_, err = conn.Receive()
	assert.True(t, errors.Is(err, ErrClosed))
}
