package quote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/fetchcache"
	"github.com/you/swapfeed/internal/metrics"
)

// ErrNoQuote is returned when every queried provider failed or produced an
// unusable answer.
var ErrNoQuote = errors.New("quote: no provider returned a usable route")

type EngineOptions struct {
	ProviderTimeout time.Duration
	CacheTTL        time.Duration
	GasMarginPct    int // gas estimate is inflated by this percentage
}

// Engine fans a trade intent out to every applicable provider and picks the
// best normalized output. Provider order is fixed at construction; ties go
// to the earlier provider.
type Engine struct {
	log       *zap.Logger
	opts      EngineOptions
	providers []Provider
	cache     *fetchcache.Cache[Result]
}

func NewEngine(providers []Provider, opts EngineOptions, log *zap.Logger) *Engine {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 4 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 15 * time.Second
	}
	if opts.GasMarginPct <= 0 {
		opts.GasMarginPct = 25
	}
	return &Engine{
		log:       log,
		opts:      opts,
		providers: providers,
		cache:     fetchcache.New[Result]("quote", opts.CacheTTL),
	}
}

// Best returns the winning quote for the request. Unchanged inputs within
// the cache TTL are served without touching any provider.
func (e *Engine) Best(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	return e.cache.GetOrFetch(ctx, req.CacheKey(), func(ctx context.Context) (Result, error) {
		return e.aggregate(ctx, req)
	})
}

func (e *Engine) aggregate(ctx context.Context, req Request) (Result, error) {
	bridge := req.Bridge()
	var applicable []Provider
	for _, p := range e.providers {
		if p.Bridge() == bridge {
			applicable = append(applicable, p)
		}
	}
	if len(applicable) == 0 {
		return Result{}, fmt.Errorf("%w: no providers for mode", ErrNoQuote)
	}

	// One slot per provider keeps the query order, which is the tie-break.
	results := make([]*Result, len(applicable))
	var wg sync.WaitGroup
	for i, p := range applicable {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			results[i] = e.queryOne(ctx, p, req)
		}(i, p)
	}
	wg.Wait()

	best := -1
	for i, r := range results {
		if r == nil {
			continue
		}
		if best < 0 || r.Out > results[best].Out {
			best = i
		}
	}
	if best < 0 {
		return Result{}, ErrNoQuote
	}
	winner := *results[best]
	e.log.Info("quote selected",
		zap.String("provider", string(winner.Provider)),
		zap.Float64("out", winner.Out),
		zap.Bool("bridge", winner.IsBridge),
		zap.Int("queried", len(applicable)),
	)
	return winner, nil
}

// queryOne runs a single provider under its own timeout. Any failure mode
// (timeout, error, empty or unnormalizable payload) resolves to nil and
// never disturbs the other providers.
func (e *Engine) queryOne(ctx context.Context, p Provider, req Request) *Result {
	pctx, cancel := context.WithTimeout(ctx, e.opts.ProviderTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.Quote(pctx, req)
	metrics.QuoteLatency.WithLabelValues(string(p.ID())).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderErrors.WithLabelValues(string(p.ID())).Inc()
		e.log.Debug("provider failed", zap.String("provider", string(p.ID())), zap.Error(err))
		return nil
	}
	if res == nil || res.RawOut == nil || res.RawOut.Sign() <= 0 {
		metrics.ProviderErrors.WithLabelValues(string(p.ID())).Inc()
		e.log.Debug("provider returned empty quote", zap.String("provider", string(p.ID())))
		return nil
	}
	if res.DestDecimals <= 0 {
		// Silently assuming 18 here would misprice 6-decimal stables by
		// twelve orders of magnitude. A provider without decimals fails.
		metrics.ProviderErrors.WithLabelValues(string(p.ID())).Inc()
		e.log.Warn("provider omitted destination decimals", zap.String("provider", string(p.ID())))
		return nil
	}

	res.Provider = p.ID()
	res.IsBridge = p.Bridge()
	res.Out = toFloat(res.RawOut, res.DestDecimals)
	return res
}

// BuildTransaction maps the winning quote's payload to the common wallet
// transaction shape, inflating the provider's gas estimate by the margin.
func (e *Engine) BuildTransaction(res Result) (TxRequest, error) {
	if res.Payload.To == "" || len(res.Payload.Data) == 0 {
		return TxRequest{}, fmt.Errorf("quote from %s has no executable payload", res.Provider)
	}
	value := res.Payload.Value
	if value == nil {
		value = big.NewInt(0)
	}
	gas := res.Payload.GasEstimate
	if gas > 0 {
		gas = gas * uint64(100+e.opts.GasMarginPct) / 100
	}
	return TxRequest{
		To:       res.Payload.To,
		Data:     res.Payload.Data,
		Value:    value,
		GasLimit: gas,
	}, nil
}

func toFloat(amount *big.Int, decimals int) float64 {
	if amount == nil {
		return 0
	}
	f := new(big.Float).SetInt(amount)
	f.Quo(f, big.NewFloat(math.Pow10(decimals)))
	out, _ := f.Float64()
	return out
}
