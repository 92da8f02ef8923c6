// Package approval adapts the consent UI to the session manager. Prompts are
// queued here until the settings or popup UI answers them.
package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/better-wallet/provider-bridge/internal/logger"
	apperrors "github.com/better-wallet/provider-bridge/pkg/errors"
	"github.com/better-wallet/provider-bridge/pkg/types"
	"github.com/google/uuid"
)

// DefaultTimeout applies when a Queue is created without one
const DefaultTimeout = 2 * time.Minute

// Decision is the user's answer to a prompt. Accounts are only read for
// connection prompts.
type Decision struct {
	Approved bool     `json:"approved"`
	Accounts []string `json:"accounts,omitempty"`
}

// Prompt is a question waiting for the user
type Prompt struct {
	ID        string            `json:"id"`
	Kind      types.RequestKind `json:"kind"`
	Origin    string            `json:"origin"`
	Account   string            `json:"account,omitempty"`
	Message   string            `json:"message,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

type entry struct {
	prompt Prompt
	answer chan Decision
}

// Queue holds prompts until Resolve is called for them or they expire.
// It implements session.Approver.
type Queue struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewQueue creates a Queue whose prompts expire after timeout
func NewQueue(timeout time.Duration) *Queue {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Queue{
		timeout: timeout,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// ApproveConnection asks the user which accounts origin may see.
// A decline is returned as UserRejected.
func (q *Queue) ApproveConnection(ctx context.Context, origin string) ([]string, error) {
	d, err := q.ask(ctx, Prompt{Kind: types.RequestKindConnect, Origin: origin})
	if err != nil {
		return nil, err
	}
	if !d.Approved {
		return nil, apperrors.UserRejected("")
	}
	return types.CloneAccounts(d.Accounts), nil
}

// ApproveSignature asks the user to approve req
func (q *Queue) ApproveSignature(ctx context.Context, req *types.SignRequest) error {
	d, err := q.ask(ctx, Prompt{
		Kind:    types.RequestKindSign,
		Origin:  req.Origin,
		Account: req.Account,
		Message: req.Message,
	})
	if err != nil {
		return err
	}
	if !d.Approved {
		return apperrors.UserRejected("")
	}
	return nil
}

// ask enqueues p and waits for an answer. The prompt is withdrawn when ctx
// ends or the timeout passes; a timeout is reported as an error wrapping
// context.DeadlineExceeded.
func (q *Queue) ask(ctx context.Context, p Prompt) (Decision, error) {
	p.ID = uuid.NewString()
	p.CreatedAt = q.now()
	p.ExpiresAt = p.CreatedAt.Add(q.timeout)

	e := &entry{prompt: p, answer: make(chan Decision, 1)}
	q.mu.Lock()
	q.entries[p.ID] = e
	q.mu.Unlock()
	defer q.remove(p.ID)

	logCtx := logger.WithOrigin(ctx, p.Origin)
	logger.Debug(logCtx, "approval prompt queued", "approval_id", p.ID, "kind", p.Kind)

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case d := <-e.answer:
		return d, nil
	case <-timer.C:
		logger.Info(logCtx, "approval prompt expired", "approval_id", p.ID, "kind", p.Kind)
		return Decision{}, apperrors.ApprovalTimedOut().Wrap(context.DeadlineExceeded)
	case <-ctx.Done():
		logger.Debug(logCtx, "approval prompt withdrawn", "approval_id", p.ID)
		return Decision{}, ctx.Err()
	}
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	delete(q.entries, id)
	q.mu.Unlock()
}

// Resolve answers the prompt with the given id. A prompt that has already been
// answered, withdrawn or expired is reported as not found.
func (q *Queue) Resolve(id string, d Decision) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if ok {
		delete(q.entries, id)
	}
	q.mu.Unlock()

	if !ok {
		return apperrors.ApprovalNotFound(id)
	}
	d.Accounts = types.CloneAccounts(d.Accounts)
	e.answer <- d
	return nil
}

// Pending lists open prompts, oldest first
func (q *Queue) Pending() []Prompt {
	q.mu.Lock()
	out := make([]Prompt, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.prompt)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
