// Package session owns per-origin connection state. It is the only writer of
// permission grants and the only publisher of accountsChanged events.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/better-wallet/provider-bridge/internal/logger"
	"github.com/better-wallet/provider-bridge/internal/permission"
	apperrors "github.com/better-wallet/provider-bridge/pkg/errors"
	"github.com/better-wallet/provider-bridge/pkg/types"
	"github.com/google/uuid"
)

// DefaultStoreTimeout bounds a grant write once the user has approved
const DefaultStoreTimeout = 10 * time.Second

// Approver asks the user. Any error, or an empty account list, is a decline.
// Approvers enforce their own prompt timeout and report it as an error
// wrapping context.DeadlineExceeded.
type Approver interface {
	ApproveConnection(ctx context.Context, origin string) ([]string, error)
	ApproveSignature(ctx context.Context, req *types.SignRequest) error
}

// Signer produces a signature for account over message
type Signer interface {
	SignMessage(ctx context.Context, account, message string) (string, error)
}

// Broadcaster delivers accountsChanged to every page context of an origin
type Broadcaster interface {
	Publish(origin string, accounts []string) int
}

// Config tunes a Manager. Zero values fall back to defaults.
type Config struct {
	StoreTimeout time.Duration
	Metrics      *Metrics
}

// Manager tracks sessions and in-flight approvals for every origin.
//
// State transitions for one origin are serialized by a per-origin lock that
// is held only around the grant write, the session update and the broadcast;
// it is never held while waiting for the user. Distinct origins never block
// each other.
type Manager struct {
	store       permission.Store
	approver    Approver
	signer      Signer
	broadcaster Broadcaster
	cfg         Config
	metrics     *Metrics
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*types.Session
	flights  map[flightKey]*flight
	locks    map[string]*originLock
}

// originLock is dropped from Manager.locks once nobody holds or waits on it
type originLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a Manager. Call Restore before serving traffic so that
// sessions survive a restart.
func NewManager(store permission.Store, approver Approver, signer Signer, broadcaster Broadcaster, cfg Config) *Manager {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	return &Manager{
		store:       store,
		approver:    approver,
		signer:      signer,
		broadcaster: broadcaster,
		cfg:         cfg,
		metrics:     cfg.Metrics,
		now:         time.Now,
		sessions:    make(map[string]*types.Session),
		flights:     make(map[flightKey]*flight),
		locks:       make(map[string]*originLock),
	}
}

// Restore rebuilds sessions from active grants and returns how many it loaded.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	grants, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list permission grants: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	for _, g := range grants {
		if !g.Active() {
			continue
		}
		if _, ok := m.sessions[g.Origin]; ok {
			continue
		}
		m.sessions[g.Origin] = &types.Session{
			Origin:    g.Origin,
			Accounts:  types.CloneAccounts(g.Accounts),
			CreatedAt: g.GrantedAt,
		}
		restored++
	}
	m.metrics.setSessions(len(m.sessions))
	return restored, nil
}

// GetAccounts returns the origin's connected accounts, or an empty list.
// It never prompts and never mutates state.
func (m *Manager) GetAccounts(_ context.Context, origin string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[origin]; ok {
		return types.CloneAccounts(s.Accounts)
	}
	return []string{}
}

// RequestConnection returns the origin's accounts, asking the user first if
// the origin is not connected. Concurrent callers for one origin share a
// single prompt and receive the same outcome. A caller whose ctx ends detaches
// alone; once every caller has detached the prompt is withdrawn.
func (m *Manager) RequestConnection(ctx context.Context, origin string) ([]string, error) {
	key := flightKey{origin: origin, kind: types.RequestKindConnect}

	m.mu.Lock()
	if s, ok := m.sessions[origin]; ok {
		accounts := types.CloneAccounts(s.Accounts)
		m.mu.Unlock()
		return accounts, nil
	}
	f, ok := m.flights[key]
	if ok {
		f.refs++
		m.metrics.incJoined()
	} else {
		f = m.startFlightLocked(key)
	}
	m.mu.Unlock()

	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return types.CloneAccounts(f.accounts), nil
	case <-ctx.Done():
		m.detach(f)
		return nil, apperrors.ToProviderError(ctx.Err())
	}
}

func (m *Manager) startFlightLocked(key flightKey) *flight {
	fctx, cancel := context.WithCancel(context.Background())
	f := &flight{
		id:        uuid.NewString(),
		key:       key,
		createdAt: m.now(),
		ctx:       fctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		refs:      1,
	}
	m.flights[key] = f
	m.metrics.setPending(len(m.flights))

	go m.runConnect(f)
	return f
}

func (m *Manager) detach(f *flight) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-f.done:
		return
	default:
	}

	f.refs--
	if f.refs > 0 {
		return
	}
	f.cancel()
	if m.flights[f.key] == f {
		delete(m.flights, f.key)
		m.metrics.setPending(len(m.flights))
	}
}

func (m *Manager) runConnect(f *flight) {
	defer f.cancel()

	origin := f.key.origin
	logCtx := logger.WithOrigin(context.Background(), origin)

	started := m.now()
	accounts, err := m.approver.ApproveConnection(f.ctx, origin)
	m.metrics.observeApproval(string(types.RequestKindConnect), m.now().Sub(started).Seconds())

	switch {
	case f.ctx.Err() != nil:
		m.metrics.incConnect("cancelled")
		logger.Info(logCtx, "connection request withdrawn", "request_id", f.id)
		m.resolve(f, nil, apperrors.UserRejected("request cancelled"))
		return
	case errors.Is(err, context.DeadlineExceeded):
		m.metrics.incConnect("timeout")
		logger.Info(logCtx, "connection approval timed out", "request_id", f.id)
		m.resolve(f, nil, declined(err))
		return
	case err != nil:
		m.metrics.incConnect("rejected")
		logger.Info(logCtx, "connection declined", "request_id", f.id, "error", err)
		m.resolve(f, nil, declined(err))
		return
	}

	accounts = types.DedupeAccounts(accounts)
	if len(accounts) == 0 {
		m.metrics.incConnect("rejected")
		logger.Info(logCtx, "connection approved with no accounts", "request_id", f.id)
		m.resolve(f, nil, apperrors.UserRejected("no accounts were approved"))
		return
	}

	m.commitConnection(logCtx, f, accounts)
}

// commitConnection persists the grant, then publishes the session to callers,
// then broadcasts, all under the origin lock.
func (m *Manager) commitConnection(logCtx context.Context, f *flight, accounts []string) {
	origin := f.key.origin
	unlock := m.lockOrigin(origin)
	defer unlock()

	if f.ctx.Err() != nil {
		m.metrics.incConnect("cancelled")
		m.resolve(f, nil, apperrors.UserRejected("request cancelled"))
		return
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(f.ctx), m.cfg.StoreTimeout)
	defer cancel()

	now := m.now()
	grant := &types.PermissionGrant{Origin: origin, Accounts: accounts, GrantedAt: now}
	if err := m.store.Put(storeCtx, grant); err != nil {
		m.metrics.incConnect("error")
		logger.Error(logCtx, "failed to persist permission grant", "request_id", f.id, "error", err)
		m.resolve(f, nil, apperrors.Internal(err))
		return
	}

	m.mu.Lock()
	m.sessions[origin] = &types.Session{
		Origin:    origin,
		Accounts:  types.CloneAccounts(accounts),
		CreatedAt: now,
	}
	m.metrics.setSessions(len(m.sessions))
	m.resolveLocked(f, accounts, nil)
	m.mu.Unlock()

	m.metrics.incConnect("approved")
	logger.Info(logCtx, "origin connected", "request_id", f.id, "accounts", len(accounts))
	m.broadcaster.Publish(origin, accounts)
}

func (m *Manager) resolve(f *flight, accounts []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveLocked(f, accounts, err)
}

func (m *Manager) resolveLocked(f *flight, accounts []string, err error) {
	f.accounts = accounts
	f.err = err
	if m.flights[f.key] == f {
		delete(m.flights, f.key)
		m.metrics.setPending(len(m.flights))
	}
	close(f.done)
}

// SignMessage asks the user to approve signing message with the origin's
// primary account, then signs it. An origin that is not connected fails
// immediately without prompting, including while a connection is pending.
func (m *Manager) SignMessage(ctx context.Context, origin, message string) (string, error) {
	logCtx := logger.WithOrigin(ctx, origin)

	account, ok := m.primaryAccount(origin)
	if !ok {
		m.metrics.incSign("not_connected")
		return "", apperrors.NotConnected(origin)
	}

	req := &types.SignRequest{
		ID:      uuid.NewString(),
		Origin:  origin,
		Account: account,
		Message: message,
		Status:  types.SignStatusPending,
	}

	started := m.now()
	err := m.approver.ApproveSignature(ctx, req)
	m.metrics.observeApproval(string(types.RequestKindSign), m.now().Sub(started).Seconds())

	if err != nil || ctx.Err() != nil {
		req.Status = types.SignStatusRejected
		switch {
		case ctx.Err() != nil:
			m.metrics.incSign("cancelled")
			return "", apperrors.ToProviderError(ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			m.metrics.incSign("timeout")
			logger.Info(logCtx, "signature approval timed out", "sign_request_id", req.ID)
			return "", declined(err)
		default:
			m.metrics.incSign("rejected")
			logger.Info(logCtx, "signature declined", "sign_request_id", req.ID, "error", err)
			return "", declined(err)
		}
	}
	req.Status = types.SignStatusApproved

	// The origin may have been revoked while the prompt was open.
	if !m.holdsAccount(origin, account) {
		m.metrics.incSign("not_connected")
		logger.Info(logCtx, "session revoked during signature approval", "sign_request_id", req.ID)
		return "", apperrors.NotConnected(origin)
	}

	sig, err := m.signer.SignMessage(ctx, account, message)
	if err != nil {
		m.metrics.incSign("failed")
		logger.Error(logCtx, "signing service failed", "sign_request_id", req.ID, "error", err)
		return "", apperrors.SigningFailed(err)
	}

	m.metrics.incSign("signed")
	return sig, nil
}

func (m *Manager) primaryAccount(origin string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[origin]
	if !ok || len(s.Accounts) == 0 {
		return "", false
	}
	return s.Accounts[0], true
}

func (m *Manager) holdsAccount(origin, account string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[origin]
	if !ok {
		return false
	}
	for _, a := range s.Accounts {
		if a == account {
			return true
		}
	}
	return false
}

// Revoke clears the origin's grant, destroys its session and broadcasts an
// empty account list. It is idempotent and succeeds for unknown origins.
// Origins are not validated here; callers are trusted.
func (m *Manager) Revoke(ctx context.Context, origin string) error {
	unlock := m.lockOrigin(origin)
	defer unlock()

	if err := m.store.Delete(ctx, origin); err != nil {
		return fmt.Errorf("failed to revoke permission grant: %w", err)
	}

	m.mu.Lock()
	delete(m.sessions, origin)
	m.metrics.setSessions(len(m.sessions))
	m.mu.Unlock()

	m.metrics.incRevoke()
	logger.Info(logger.WithOrigin(ctx, origin), "origin revoked")
	m.broadcaster.Publish(origin, []string{})
	return nil
}

// Sessions returns a snapshot of every active session ordered by origin
func (m *Manager) Sessions() []types.Session {
	m.mu.Lock()
	out := make([]types.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		c := *s
		c.Accounts = types.CloneAccounts(s.Accounts)
		out = append(out, c)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

// Pending returns a snapshot of connection requests awaiting the user
func (m *Manager) Pending() []types.PendingRequest {
	m.mu.Lock()
	out := make([]types.PendingRequest, 0, len(m.flights))
	for _, f := range m.flights {
		out = append(out, f.snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) lockOrigin(origin string) (unlock func()) {
	m.mu.Lock()
	l, ok := m.locks[origin]
	if !ok {
		l = &originLock{}
		m.locks[origin] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		m.mu.Lock()
		defer m.mu.Unlock()
		l.refs--
		if l.refs == 0 && m.locks[origin] == l {
			delete(m.locks, origin)
		}
	}
}

// declined maps an approver failure onto UserRejected. An unreachable UI is
// a decline too; only the kind crosses the bridge.
func declined(err error) error {
	if pe, ok := apperrors.IsProviderError(err); ok && pe.Kind == apperrors.KindUserRejected {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ApprovalTimedOut().Wrap(err)
	}
	return apperrors.UserRejected("").Wrap(err)
}
