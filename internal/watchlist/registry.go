// Package watchlist tracks which tokens currently have live viewers and
// evicts entries that have had none for a full inactivity window.
package watchlist

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/metrics"
	"github.com/you/swapfeed/internal/token"
)

type subscription struct {
	count           int
	lastSubscriber  time.Time
	pendingEviction bool
	evictAt         time.Time
}

// Status is the externally visible snapshot of one entry, served by the
// debug endpoint.
type Status struct {
	Token           token.Key `json:"token"`
	Subscribers     int       `json:"subscribers"`
	PendingEviction bool      `json:"pendingEviction"`
}

// Registry counts subscribers per token. Instead of one timer per token,
// a single sweep goroutine walks the expiry timestamps, so the number of
// watched tokens never translates into live runtime timers.
type Registry struct {
	log        *zap.Logger
	evictAfter time.Duration
	sweepEvery time.Duration

	mu   sync.Mutex
	subs map[token.Key]*subscription

	now func() time.Time
}

func New(evictAfter, sweepEvery time.Duration, log *zap.Logger) *Registry {
	return &Registry{
		log:        log,
		evictAfter: evictAfter,
		sweepEvery: sweepEvery,
		subs:       make(map[token.Key]*subscription),
		now:        time.Now,
	}
}

// Run drives the eviction sweep until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweep()
		}
	}
}

// Subscribe registers one more viewer for the token. It returns the new
// count and whether the token was not watched before this call (including a
// token resurrected after eviction, but not one merely pending eviction).
func (r *Registry) Subscribe(k token.Key) (count int, isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[k]
	if !ok {
		s = &subscription{}
		r.subs[k] = s
		isNew = true
		metrics.WatchedTokens.Inc()
	}
	if s.pendingEviction {
		s.pendingEviction = false
		s.evictAt = time.Time{}
	}
	s.count++
	s.lastSubscriber = r.now()
	metrics.ActiveSubscriptions.Inc()
	return s.count, isNew
}

// Unsubscribe removes one viewer. Unknown tokens and counts already at zero
// are no-ops; the count never goes negative.
func (r *Registry) Unsubscribe(k token.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[k]
	if !ok || s.count == 0 {
		return
	}
	s.count--
	metrics.ActiveSubscriptions.Dec()
	if s.count == 0 {
		s.pendingEviction = true
		s.evictAt = r.now().Add(r.evictAfter)
	}
}

// ActiveTokens lists every token still tracked, including those pending
// eviction (they keep receiving bulk refreshes until actually dropped).
func (r *Registry) ActiveTokens() []token.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]token.Key, 0, len(r.subs))
	for k := range r.subs {
		out = append(out, k)
	}
	return out
}

// Count reports the current subscriber count for a token.
func (r *Registry) Count(k token.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[k]; ok {
		return s.count
	}
	return 0
}

// Snapshot returns the full registry state for the debug endpoint.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.subs))
	for k, s := range r.subs {
		out = append(out, Status{Token: k, Subscribers: s.count, PendingEviction: s.pendingEviction})
	}
	return out
}

func (r *Registry) sweep() {
	now := r.now()
	var evicted []token.Key

	r.mu.Lock()
	for k, s := range r.subs {
		if s.pendingEviction && s.count == 0 && !now.Before(s.evictAt) {
			delete(r.subs, k)
			evicted = append(evicted, k)
		}
	}
	r.mu.Unlock()

	for _, k := range evicted {
		metrics.WatchedTokens.Dec()
		metrics.Evictions.Inc()
		r.log.Debug("watchlist entry evicted", zap.String("token", k.String()))
	}
}
