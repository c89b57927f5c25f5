package quote

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/token"
)

type stubProvider struct {
	id       ProviderID
	bridge   bool
	raw      *big.Int
	decimals int
	err      error
	delay    time.Duration
	payload  TxPayload
	calls    atomic.Int32
}

func (s *stubProvider) ID() ProviderID { return s.id }
func (s *stubProvider) Bridge() bool   { return s.bridge }

func (s *stubProvider) Quote(ctx context.Context, req Request) (*Result, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Result{RawOut: s.raw, DestDecimals: s.decimals, Payload: s.payload}, nil
}

func swapRequest(t *testing.T) Request {
	t.Helper()
	from, err := token.NewKey(1, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	to, err := token.NewKey(1, "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359")
	require.NoError(t, err)
	return Request{From: from, To: to, AmountIn: big.NewInt(1e18), Slippage: 0.5, Wallet: "0xabc"}
}

func bridgeRequest(t *testing.T) Request {
	t.Helper()
	req := swapRequest(t)
	to, err := token.NewKey(42161, req.To.Address)
	require.NoError(t, err)
	req.To = to
	return req
}

// units converts human units to an 18-decimals raw amount.
func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newEngine(providers ...Provider) *Engine {
	return NewEngine(providers, EngineOptions{
		ProviderTimeout: 100 * time.Millisecond,
		CacheTTL:        time.Minute,
	}, zap.NewNop())
}

func TestBestPicksHighestOutput(t *testing.T) {
	a := &stubProvider{id: "a", raw: units(100), decimals: 18}
	b := &stubProvider{id: "b", raw: units(105), decimals: 18}
	e := newEngine(a, b)

	res, err := e.Best(context.Background(), swapRequest(t))
	require.NoError(t, err)
	assert.Equal(t, ProviderID("b"), res.Provider)
	assert.InDelta(t, 105.0, res.Out, 1e-9)
}

func TestBestNormalizesByDestinationDecimals(t *testing.T) {
	// 100 units at 6 decimals beats 50 units at 18 decimals even though the
	// raw integer is far smaller.
	a := &stubProvider{id: "a", raw: big.NewInt(100_000_000), decimals: 6}
	b := &stubProvider{id: "b", raw: units(50), decimals: 18}
	e := newEngine(a, b)

	res, err := e.Best(context.Background(), swapRequest(t))
	require.NoError(t, err)
	assert.Equal(t, ProviderID("a"), res.Provider)
	assert.InDelta(t, 100.0, res.Out, 1e-9)
}

func TestBestExcludesTimedOutProvider(t *testing.T) {
	slow := &stubProvider{id: "slow", raw: units(200), decimals: 18, delay: time.Second}
	ok := &stubProvider{id: "ok", raw: units(100), decimals: 18}
	e := newEngine(slow, ok)

	res, err := e.Best(context.Background(), swapRequest(t))
	require.NoError(t, err)
	assert.Equal(t, ProviderID("ok"), res.Provider)
	assert.InDelta(t, 100.0, res.Out, 1e-9)
}

func TestBestAllProvidersFailing(t *testing.T) {
	a := &stubProvider{id: "a", err: errors.New("down")}
	b := &stubProvider{id: "b", err: errors.New("down too")}
	e := newEngine(a, b)

	_, err := e.Best(context.Background(), swapRequest(t))
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestBestTieGoesToQueryOrder(t *testing.T) {
	a := &stubProvider{id: "first", raw: units(100), decimals: 18}
	b := &stubProvider{id: "second", raw: units(100), decimals: 18}
	e := newEngine(a, b)

	res, err := e.Best(context.Background(), swapRequest(t))
	require.NoError(t, err)
	assert.Equal(t, ProviderID("first"), res.Provider)
}

func TestBestExcludesMissingDecimals(t *testing.T) {
	bad := &stubProvider{id: "bad", raw: units(500), decimals: 0}
	ok := &stubProvider{id: "ok", raw: units(10), decimals: 18}
	e := newEngine(bad, ok)

	res, err := e.Best(context.Background(), swapRequest(t))
	require.NoError(t, err)
	assert.Equal(t, ProviderID("ok"), res.Provider, "a provider without decimals must not win on raw size")
}

func TestBestExcludesZeroOutput(t *testing.T) {
	zero := &stubProvider{id: "zero", raw: big.NewInt(0), decimals: 18}
	e := newEngine(zero)
	_, err := e.Best(context.Background(), swapRequest(t))
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestBestRoutesBridgeToBridgeProviders(t *testing.T) {
	swap := &stubProvider{id: "swap", raw: units(999), decimals: 18}
	bridge := &stubProvider{id: "bridge", bridge: true, raw: units(90), decimals: 18}
	e := newEngine(swap, bridge)

	res, err := e.Best(context.Background(), bridgeRequest(t))
	require.NoError(t, err)
	assert.Equal(t, ProviderID("bridge"), res.Provider)
	assert.True(t, res.IsBridge)
	assert.Zero(t, swap.calls.Load(), "swap providers must not see cross-chain intents")
}

func TestBestCachesByRequestTuple(t *testing.T) {
	a := &stubProvider{id: "a", raw: units(100), decimals: 18}
	e := newEngine(a)
	req := swapRequest(t)

	for i := 0; i < 3; i++ {
		_, err := e.Best(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), a.calls.Load())

	// Any changed input misses the cache.
	req.AmountIn = big.NewInt(2e18)
	_, err := e.Best(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), a.calls.Load())
}

func TestBestRejectsNonPositiveAmount(t *testing.T) {
	e := newEngine(&stubProvider{id: "a", raw: units(1), decimals: 18})
	req := swapRequest(t)
	req.AmountIn = big.NewInt(0)
	_, err := e.Best(context.Background(), req)
	assert.Error(t, err)
}

func TestBuildTransactionAppliesGasMargin(t *testing.T) {
	e := newEngine()
	res := Result{
		Provider: "a",
		Payload:  TxPayload{To: "0xrouter", Data: []byte{0x01}, GasEstimate: 200_000},
	}
	tx, err := e.BuildTransaction(res)
	require.NoError(t, err)
	assert.Equal(t, uint64(250_000), tx.GasLimit)
	assert.Equal(t, "0xrouter", tx.To)
	assert.Equal(t, big.NewInt(0), tx.Value, "missing native value defaults to zero")
}

func TestBuildTransactionRequiresPayload(t *testing.T) {
	e := newEngine()
	_, err := e.BuildTransaction(Result{Provider: "a"})
	assert.Error(t, err)
}
