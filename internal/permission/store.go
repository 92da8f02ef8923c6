// Package permission holds the durable origin -> granted accounts mapping.
package permission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/better-wallet/provider-bridge/pkg/types"
)

// Store persists permission grants. Every method is atomic per origin.
//
// Get returns (nil, nil) when the origin has never been granted. A revoked
// grant is still returned, with Revoked set and no accounts, so callers must
// check Active before trusting it.
type Store interface {
	Get(ctx context.Context, origin string) (*types.PermissionGrant, error)
	Put(ctx context.Context, grant *types.PermissionGrant) error
	Delete(ctx context.Context, origin string) error
	List(ctx context.Context) ([]*types.PermissionGrant, error)
}

// MemoryStore is an in-process Store. Grants are copied on the way in and
// out so callers can never mutate stored state.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]*types.PermissionGrant
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants: make(map[string]*types.PermissionGrant),
		now:    time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, origin string) (*types.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants[origin].Clone(), nil
}

// Put creates or replaces the grant for grant.Origin and clears any revocation.
func (s *MemoryStore) Put(_ context.Context, grant *types.PermissionGrant) error {
	if grant == nil || grant.Origin == "" {
		return fmt.Errorf("grant origin is required")
	}
	g := grant.Clone()
	g.Revoked = false
	g.RevokedAt = nil
	if g.GrantedAt.IsZero() {
		g.GrantedAt = s.now()
	}

	s.mu.Lock()
	s.grants[g.Origin] = g
	s.mu.Unlock()
	return nil
}

// Delete revokes the grant. The record is kept for audit with its accounts
// cleared; deleting an unknown origin is a no-op.
func (s *MemoryStore) Delete(_ context.Context, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[origin]
	if !ok {
		return nil
	}
	if g.Revoked {
		return nil
	}
	now := s.now()
	g.Accounts = []string{}
	g.Revoked = true
	g.RevokedAt = &now
	return nil
}

// List returns every grant, including revoked ones, ordered by origin.
func (s *MemoryStore) List(_ context.Context) ([]*types.PermissionGrant, error) {
	s.mu.RLock()
	out := make([]*types.PermissionGrant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, g.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
