package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/better-wallet/provider-bridge/internal/approval"
	"github.com/better-wallet/provider-bridge/internal/bridge"
	"github.com/better-wallet/provider-bridge/internal/broadcast"
	"github.com/better-wallet/provider-bridge/internal/keyexec"
	"github.com/better-wallet/provider-bridge/internal/permission"
	"github.com/better-wallet/provider-bridge/internal/session"
	apperrors "github.com/better-wallet/provider-bridge/pkg/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	dapp = "https://dapp.example"

	// Hardhat's first development account
	testKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAccount = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

type wallet struct {
	t        *testing.T
	queue    *approval.Queue
	manager  *session.Manager
	registry *broadcast.Registry
	bridge   *bridge.Bridge
	keys     *keyexec.MemoryKeySource
}

func newWallet(t *testing.T) *wallet {
	t.Helper()
	ctx := context.Background()

	kms, err := keyexec.NewLocalKMSProvider("test-master-key-32-bytes-long!!")
	require.NoError(t, err)
	keys := keyexec.NewMemoryKeySource()
	account, blob, err := keyexec.EncryptKeyHex(ctx, kms, testKeyHex)
	require.NoError(t, err)
	require.Equal(t, testAccount, account)
	keys.Put(account, blob)

	queue := approval.NewQueue(time.Minute)
	registry := broadcast.NewRegistry(8, nil)
	manager := session.NewManager(permission.NewMemoryStore(), queue, keyexec.NewSigner(keys, kms), registry, session.Config{})
	b := bridge.New(manager, registry, nil)
	t.Cleanup(func() {
		b.Close()
		registry.Close()
	})

	return &wallet{t: t, queue: queue, manager: manager, registry: registry, bridge: b, keys: keys}
}

// openTab creates a page context for origin connected through an in-process pipe
func (w *wallet) openTab(origin string) *Proxy {
	w.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w.t.Cleanup(cancel)

	before := w.registry.Subscribers(origin)
	p, err := New(ctx, origin, func(ctx context.Context) (bridge.Conn, error) {
		return bridge.Pipe(ctx, w.bridge, origin)
	})
	require.NoError(w.t, err)
	w.t.Cleanup(func() { p.Close() })
	require.True(w.t, p.Connected())
	require.Eventually(w.t, func() bool { return w.registry.Subscribers(origin) > before }, time.Second, 5*time.Millisecond)
	return p
}

func (w *wallet) answerNext(d approval.Decision) approval.Prompt {
	w.t.Helper()
	var prompt approval.Prompt
	require.Eventually(w.t, func() bool {
		pending := w.queue.Pending()
		if len(pending) == 0 {
			return false
		}
		prompt = pending[0]
		return true
	}, time.Second, 5*time.Millisecond)
	require.NoError(w.t, w.queue.Resolve(prompt.ID, d))
	return prompt
}

func (w *wallet) connect(p *Proxy) {
	w.t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := p.RequestConnection(context.Background())
		done <- err
	}()
	w.answerNext(approval.Decision{Approved: true, Accounts: []string{testAccount}})
	require.NoError(w.t, <-done)
}

func nextEvent(t *testing.T, ch <-chan []string) []string {
	t.Helper()
	select {
	case accounts := <-ch:
		return accounts
	case <-time.After(2 * time.Second):
		t.Fatal("no accountsChanged event")
		return nil
	}
}

func assertNoEvent(t *testing.T, ch <-chan []string) {
	t.Helper()
	select {
	case accounts := <-ch:
		t.Fatalf("unexpected accountsChanged %v", accounts)
	case <-time.After(50 * time.Millisecond):
	}
}

func providerKind(t *testing.T, err error) apperrors.Kind {
	t.Helper()
	pe, ok := apperrors.IsProviderError(err)
	require.True(t, ok, "expected ProviderError, got %v", err)
	return pe.Kind
}

func TestGetAccountsWithoutGrant(t *testing.T) {
	w := newWallet(t)
	tab := w.openTab(dapp)

	accounts, err := tab.GetAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{}, accounts)
	assert.Empty(t, w.queue.Pending())
}

func TestRequestConnectionThenGetAccounts(t *testing.T) {
	w := newWallet(t)
	tab := w.openTab(dapp)
	events := make(chan []string, 4)
	defer tab.SubscribeAccountsChanged(events).Unsubscribe()

	done := make(chan []string, 1)
	go func() {
		accounts, err := tab.RequestConnection(context.Background())
		assert.NoError(t, err)
		done <- accounts
	}()
	prompt := w.answerNext(approval.Decision{Approved: true, Accounts: []string{testAccount}})
	assert.Equal(t, dapp, prompt.Origin)

	assert.Equal(t, []string{testAccount}, <-done)
	assert.Equal(t, []string{testAccount}, nextEvent(t, events))

	accounts, err := tab.GetAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{testAccount}, accounts)
}

func TestSignMessage(t *testing.T) {
	w := newWallet(t)
	tab := w.openTab(dapp)
	w.connect(tab)

	done := make(chan string, 1)
	go func() {
		sig, err := tab.SignMessage(context.Background(), "hello")
		assert.NoError(t, err)
		done <- sig
	}()
	prompt := w.answerNext(approval.Decision{Approved: true})
	assert.Equal(t, testAccount, prompt.Account)
	assert.Equal(t, "hello", prompt.Message)

	sig := <-done
	signer, err := keyexec.RecoverAddress("hello", sig)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAccount), signer)
}

func TestSignMessageSigningFailure(t *testing.T) {
	w := newWallet(t)
	tab := w.openTab(dapp)

	// The user approves an account that has no provisioned key.
	const keyless = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	done := make(chan error, 1)
	go func() {
		_, err := tab.RequestConnection(context.Background())
		done <- err
	}()
	w.answerNext(approval.Decision{Approved: true, Accounts: []string{keyless}})
	require.NoError(t, <-done)

	go func() {
		_, err := tab.SignMessage(context.Background(), "hello")
		done <- err
	}()
	w.answerNext(approval.Decision{Approved: true})

	err := <-done
	assert.Equal(t, apperrors.KindSigningFailed, providerKind(t, err))
	assert.NotContains(t, err.Error(), "no signing key")
}

func TestSignMessageNotConnected(t *testing.T) {
	w := newWallet(t)
	tab := w.openTab(dapp)

	_, err := tab.SignMessage(context.Background(), "hello")
	assert.Equal(t, apperrors.KindNotConnected, providerKind(t, err))
	assert.Empty(t, w.queue.Pending())
}

func TestRevokeBroadcastsToEveryTab(t *testing.T) {
	w := newWallet(t)
	tab1 := w.openTab(dapp)
	tab2 := w.openTab(dapp)
	other := w.openTab("https://other.example")

	ev1 := make(chan []string, 4)
	ev2 := make(chan []string, 4)
	evOther := make(chan []string, 4)
	defer tab1.SubscribeAccountsChanged(ev1).Unsubscribe()
	defer tab2.SubscribeAccountsChanged(ev2).Unsubscribe()
	defer other.SubscribeAccountsChanged(evOther).Unsubscribe()

	w.connect(tab1)
	assert.Equal(t, []string{testAccount}, nextEvent(t, ev1))
	assert.Equal(t, []string{testAccount}, nextEvent(t, ev2))

	require.NoError(t, w.manager.Revoke(context.Background(), dapp))

	assert.Equal(t, []string{}, nextEvent(t, ev1))
	assert.Equal(t, []string{}, nextEvent(t, ev2))
	assertNoEvent(t, ev1)
	assertNoEvent(t, ev2)
	assertNoEvent(t, evOther)

	accounts, err := tab2.GetAccounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestTwoTabsShareOnePrompt(t *testing.T) {
	w := newWallet(t)
	tab1 := w.openTab(dapp)
	tab2 := w.openTab(dapp)

	var wg sync.WaitGroup
	results := make([][]string, 2)
	for i, tab := range []*Proxy{tab1, tab2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accounts, err := tab.RequestConnection(context.Background())
			assert.NoError(t, err)
			results[i] = accounts
		}()
	}
	require.Eventually(t, func() bool {
		p := w.manager.Pending()
		return len(p) == 1 && p[0].Waiters == 2
	}, time.Second, 5*time.Millisecond)
	require.Len(t, w.queue.Pending(), 1)

	w.answerNext(approval.Decision{Approved: true, Accounts: []string{testAccount}})
	wg.Wait()

	assert.Equal(t, []string{testAccount}, results[0])
	assert.Equal(t, []string{testAccount}, results[1])
	assert.Empty(t, w.queue.Pending())
}

func TestUnreachableBridge(t *testing.T) {
	dialErr := errors.New("connection refused")
	p, err := New(context.Background(), dapp, func(context.Context) (bridge.Conn, error) {
		return nil, dialErr
	})
	require.NoError(t, err)
	assert.False(t, p.Connected())

	_, err = p.GetAccounts(context.Background())
	assert.Equal(t, apperrors.KindProviderUnavailable, providerKind(t, err))
	_, err = p.RequestConnection(context.Background())
	assert.Equal(t, apperrors.KindProviderUnavailable, providerKind(t, err))
	_, err = p.SignMessage(context.Background(), "hello")
	assert.Equal(t, apperrors.KindProviderUnavailable, providerKind(t, err))

	err = p.Reconnect(context.Background())
	assert.Equal(t, apperrors.KindProviderUnavailable, providerKind(t, err))
	assert.ErrorIs(t, err, dialErr)
}

func TestConnectionLossFailsPendingCalls(t *testing.T) {
	w := newWallet(t)
	tab := w.openTab(dapp)

	done := make(chan error, 1)
	go func() {
		_, err := tab.RequestConnection(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return len(w.queue.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	w.bridge.Close()

	select {
	case err := <-done:
		assert.Equal(t, apperrors.KindProviderUnavailable, providerKind(t, err))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call hung after connection loss")
	}
	require.Eventually(t, func() bool { return !tab.Connected() }, time.Second, 5*time.Millisecond)

	_, err := tab.GetAccounts(context.Background())
	assert.Equal(t, apperrors.KindProviderUnavailable, providerKind(t, err))
	require.Eventually(t, func() bool { return len(w.queue.Pending()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestReconnectRestoresService(t *testing.T) {
	w := newWallet(t)
	tab := w.openTab(dapp)
	w.connect(tab)

	conns := 0
	p, err := New(context.Background(), dapp, func(ctx context.Context) (bridge.Conn, error) {
		conns++
		if conns == 1 {
			return nil, errors.New("extension reloading")
		}
		return bridge.Pipe(ctx, w.bridge, dapp)
	})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.GetAccounts(context.Background())
	assert.Equal(t, apperrors.KindProviderUnavailable, providerKind(t, err))

	require.NoError(t, p.Reconnect(context.Background()))
	accounts, err := p.GetAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{testAccount}, accounts)
}

func TestCallerCancellation(t *testing.T) {
	w := newWallet(t)
	tab := w.openTab(dapp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := tab.RequestConnection(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(w.queue.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// The page context is still usable.
	accounts, err := tab.GetAccounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestCloseIsFinal(t *testing.T) {
	w := newWallet(t)
	tab := w.openTab(dapp)

	require.NoError(t, tab.Close())
	_, err := tab.GetAccounts(context.Background())
	assert.Equal(t, apperrors.KindProviderUnavailable, providerKind(t, err))
	assert.Error(t, tab.Reconnect(context.Background()))
	require.Eventually(t, func() bool { return w.registry.Subscribers(dapp) == 0 }, time.Second, 5*time.Millisecond)
}

func TestNewRejectsInvalidOrigin(t *testing.T) {
	_, err := New(context.Background(), "javascript:alert(1)", func(context.Context) (bridge.Conn, error) {
		t.Fatal("dial must not be called")
		return nil, nil
	})
	require.Error(t, err)
}
