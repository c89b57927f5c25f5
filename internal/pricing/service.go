// Package pricing serves prices, analytics and icons through read-through
// caches with per-kind TTLs. All upstream I/O is deduplicated per key: any
// number of concurrent viewers of one token costs one RPC read.
package pricing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/swapfeed/internal/fetchcache"
	"github.com/you/swapfeed/internal/metrics"
	"github.com/you/swapfeed/internal/token"
)

// PriceSource reads live prices for one chain.
type PriceSource interface {
	Price(ctx context.Context, k token.Key) (float64, error)
	BatchPrices(ctx context.Context, keys []token.Key) (map[token.Key]float64, error)
}

type iconResolver interface {
	Resolve(ctx context.Context, k token.Key) (string, error)
}

type Options struct {
	PriceTTL     time.Duration
	AnalyticsTTL time.Duration
	IconTTL      time.Duration
	Concurrency  int
}

type Service struct {
	log  *zap.Logger
	opts Options

	sources   map[int64]PriceSource
	analytics analyticsFetcher
	icons     iconResolver

	prices    *fetchcache.Cache[float64]
	analCache *fetchcache.Cache[Analytics]
	iconCache *fetchcache.Cache[string]
}

func NewService(opts Options, analytics analyticsFetcher, icons iconResolver, log *zap.Logger) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Service{
		log:       log,
		opts:      opts,
		sources:   make(map[int64]PriceSource),
		analytics: analytics,
		icons:     icons,
		prices:    fetchcache.New[float64]("price", opts.PriceTTL),
		analCache: fetchcache.New[Analytics]("analytics", opts.AnalyticsTTL),
		iconCache: fetchcache.New[string]("icon", opts.IconTTL),
	}
}

// RegisterChain wires the on-chain price source for one chain.
func (s *Service) RegisterChain(chainID int64, src PriceSource) {
	s.sources[chainID] = src
}

// Price returns the token's USD price, cached for the price TTL.
func (s *Service) Price(ctx context.Context, k token.Key) (float64, error) {
	src, ok := s.sources[k.ChainID]
	if !ok {
		return 0, fmt.Errorf("chain %d not configured", k.ChainID)
	}
	return s.prices.GetOrFetch(ctx, k.String(), func(ctx context.Context) (float64, error) {
		return src.Price(ctx, k)
	})
}

// PeekPrice returns a cached fresh price without any I/O.
func (s *Service) PeekPrice(k token.Key) (float64, bool) {
	return s.prices.Peek(k.String())
}

// Analytics returns the token's aggregated market data, cached for one hour.
func (s *Service) Analytics(ctx context.Context, k token.Key) (Analytics, error) {
	if s.analytics == nil {
		return Analytics{}, fmt.Errorf("analytics provider not configured")
	}
	return s.analCache.GetOrFetch(ctx, k.String(), func(ctx context.Context) (Analytics, error) {
		return s.analytics.Fetch(ctx, k)
	})
}

// Icon returns the token's logo URL. dayVersion orders concurrent refreshes:
// a stale completion can never overwrite the answer for a newer day.
func (s *Service) Icon(ctx context.Context, k token.Key, dayVersion uint64) (string, error) {
	if s.icons == nil {
		return "", fmt.Errorf("icon resolver not configured")
	}
	return s.iconCache.GetOrFetchVersioned(ctx, k.String(), dayVersion, func(ctx context.Context) (string, error) {
		return s.icons.Resolve(ctx, k)
	})
}

// RefreshPrices re-reads prices for all given tokens and overwrites the
// cache, regardless of freshness. Reads are grouped per chain and bounded;
// tokens whose read fails keep their previous cache entry.
func (s *Service) RefreshPrices(ctx context.Context, keys []token.Key) error {
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	}()

	byChain := make(map[int64][]token.Key)
	for _, k := range keys {
		byChain[k.ChainID] = append(byChain[k.ChainID], k)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for chainID, chainKeys := range byChain {
		src, ok := s.sources[chainID]
		if !ok {
			s.log.Warn("refresh skipped: chain not configured", zap.Int64("chain", chainID))
			continue
		}
		chainID, chainKeys := chainID, chainKeys
		g.Go(func() error {
			got, err := src.BatchPrices(gctx, chainKeys)
			if err != nil {
				s.log.Warn("bulk price read failed",
					zap.Int64("chain", chainID),
					zap.Int("tokens", len(chainKeys)),
					zap.Error(err),
				)
				return nil // partial refresh is fine; other chains proceed
			}
			for k, px := range got {
				s.prices.Set(k.String(), px)
			}
			s.log.Debug("prices refreshed",
				zap.Int64("chain", chainID),
				zap.Int("requested", len(chainKeys)),
				zap.Int("updated", len(got)),
			)
			return nil
		})
	}
	return g.Wait()
}
