// Package broadcast fans accountsChanged events out to the page contexts of
// an origin.
package broadcast

import (
	"context"
	"sync"

	"github.com/better-wallet/provider-bridge/internal/logger"
	"github.com/better-wallet/provider-bridge/pkg/types"
	"github.com/ethereum/go-ethereum/event"
)

// DefaultQueueSize bounds the per-context backlog when none is configured
const DefaultQueueSize = 16

// Registry is a publish/subscribe table keyed by (origin, context handle).
//
// Publish never blocks. Each subscriber owns a bounded queue drained by its
// own goroutine, so events reach one context in publish order, and a context
// that falls behind loses events without slowing anyone else. Such a context
// recovers by calling getAccounts.
type Registry struct {
	mu        sync.RWMutex
	closed    bool
	subs      map[string]map[string]*subscriber
	queueSize int
	scope     event.SubscriptionScope
	metrics   *Metrics
}

type subscriber struct {
	origin string
	handle string
	queue  chan []string
}

// NewRegistry creates a Registry. metrics may be nil.
func NewRegistry(queueSize int, metrics *Metrics) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{
		subs:      make(map[string]map[string]*subscriber),
		queueSize: queueSize,
		metrics:   metrics,
	}
}

// Subscribe registers handle under origin and forwards every event published
// for that origin to ch until the returned subscription is unsubscribed.
func (r *Registry) Subscribe(origin, handle string, ch chan<- []string) event.Subscription {
	s := &subscriber{
		origin: origin,
		handle: handle,
		queue:  make(chan []string, r.queueSize),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return event.NewSubscription(func(<-chan struct{}) error { return nil })
	}
	byHandle, ok := r.subs[origin]
	if !ok {
		byHandle = make(map[string]*subscriber)
		r.subs[origin] = byHandle
	}
	byHandle[handle] = s
	r.mu.Unlock()
	r.metrics.incSubscribers()

	sub := event.NewSubscription(func(quit <-chan struct{}) error {
		defer r.remove(s)
		for {
			select {
			case accounts := <-s.queue:
				select {
				case ch <- accounts:
				case <-quit:
					return nil
				}
			case <-quit:
				return nil
			}
		}
	})

	if tracked := r.scope.Track(sub); tracked != nil {
		return tracked
	}
	// Close ran between registration and tracking.
	sub.Unsubscribe()
	return sub
}

func (r *Registry) remove(s *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byHandle := r.subs[s.origin]
	if byHandle[s.handle] != s {
		return
	}
	delete(byHandle, s.handle)
	if len(byHandle) == 0 {
		delete(r.subs, s.origin)
	}
	r.metrics.decSubscribers()
}

// Publish enqueues accounts for every live context of origin and returns how
// many contexts accepted the event.
func (r *Registry) Publish(origin string, accounts []string) int {
	r.mu.RLock()
	targets := make([]*subscriber, 0, len(r.subs[origin]))
	for _, s := range r.subs[origin] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	r.metrics.incPublished()

	delivered := 0
	for _, s := range targets {
		select {
		case s.queue <- types.CloneAccounts(accounts):
			delivered++
			r.metrics.incDelivered()
		default:
			r.metrics.incDropped()
			logger.Warn(logger.WithOrigin(context.Background(), origin),
				"accountsChanged dropped for slow page context", "handle", s.handle)
		}
	}
	return delivered
}

// Subscribers returns the number of live contexts for origin
func (r *Registry) Subscribers(origin string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[origin])
}

// Close unsubscribes every context. Later subscriptions are closed immediately.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.scope.Close()
}
