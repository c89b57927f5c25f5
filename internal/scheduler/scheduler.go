// Package scheduler drives the bulk price refresh on wall-clock hour marks.
// The next run is always computed from the current time, so a restart or a
// long sweep never drifts the schedule away from :00.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/token"
)

type refresher interface {
	RefreshPrices(ctx context.Context, keys []token.Key) error
}

type tokenLister interface {
	ActiveTokens() []token.Key
}

// DelayToNextHour returns how long until the next top of the hour, UTC.
// Called at exactly :00 it returns a full hour.
func DelayToNextHour(now time.Time) time.Duration {
	now = now.UTC()
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now)
}

// Scheduler refreshes every watched token at each hour mark and refreshes
// newly watched tokens immediately, out of band.
type Scheduler struct {
	log      *zap.Logger
	refresh  refresher
	tokens   tokenLister
	sweepCap time.Duration // per-sweep deadline

	sweeping atomic.Bool

	now func() time.Time
}

func New(refresh refresher, tokens tokenLister, log *zap.Logger) *Scheduler {
	return &Scheduler{
		log:      log,
		refresh:  refresh,
		tokens:   tokens,
		sweepCap: 10 * time.Minute,
		now:      time.Now,
	}
}

// Run reschedules itself from the clock after every fire until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		delay := DelayToNextHour(s.now())
		s.log.Debug("next refresh sweep scheduled", zap.Duration("in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			go s.Sweep(ctx)
		}
	}
}

// Sweep refreshes every watched token once. A sweep still running when the
// next hour fires makes the new one a no-op rather than piling up RPC load.
func (s *Scheduler) Sweep(ctx context.Context) {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.log.Warn("refresh sweep still running, skipping this hour")
		return
	}
	defer s.sweeping.Store(false)

	keys := s.tokens.ActiveTokens()
	if len(keys) == 0 {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, s.sweepCap)
	defer cancel()

	start := s.now()
	if err := s.refresh.RefreshPrices(sctx, keys); err != nil {
		s.log.Warn("refresh sweep failed", zap.Int("tokens", len(keys)), zap.Error(err))
		return
	}
	s.log.Info("refresh sweep done",
		zap.Int("tokens", len(keys)),
		zap.Duration("took", s.now().Sub(start)),
	)
}

// RegisterNewToken refreshes a single just-watched token right away. It
// bypasses the sweep guard: a cheap one-token read must not wait for, or be
// blocked by, a full sweep.
func (s *Scheduler) RegisterNewToken(k token.Key) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.refresh.RefreshPrices(ctx, []token.Key{k}); err != nil {
			s.log.Warn("new-token refresh failed", zap.String("token", k.String()), zap.Error(err))
		}
	}()
}
