package session

import (
	"context"
	"time"

	"github.com/better-wallet/provider-bridge/pkg/types"
)

type flightKey struct {
	origin string
	kind   types.RequestKind
}

// flight is one approval shared by every caller that asked while it was open.
// refs, accounts and err are guarded by Manager.mu; accounts and err are
// final once done is closed.
type flight struct {
	id        string
	key       flightKey
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	refs   int

	accounts []string
	err      error
}

func (f *flight) snapshot() types.PendingRequest {
	return types.PendingRequest{
		ID:        f.id,
		Origin:    f.key.origin,
		Kind:      f.key.kind,
		Method:    types.MethodRequestConnection,
		CreatedAt: f.createdAt,
		Waiters:   f.refs,
	}
}
