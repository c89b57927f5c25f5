package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/token"
)

type stubSource struct {
	price   float64
	err     error
	calls   atomic.Int32
	batched atomic.Int32
}

func (s *stubSource) Price(ctx context.Context, k token.Key) (float64, error) {
	s.calls.Add(1)
	return s.price, s.err
}

func (s *stubSource) BatchPrices(ctx context.Context, keys []token.Key) (map[token.Key]float64, error) {
	s.batched.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[token.Key]float64, len(keys))
	for _, k := range keys {
		out[k] = s.price
	}
	return out, nil
}

func mustKey(t *testing.T, chain int64, addr string) token.Key {
	t.Helper()
	k, err := token.NewKey(chain, addr)
	require.NoError(t, err)
	return k
}

func newTestService(src *stubSource) *Service {
	s := NewService(Options{
		PriceTTL:     20 * time.Second,
		AnalyticsTTL: time.Hour,
		IconTTL:      7 * 24 * time.Hour,
		Concurrency:  4,
	}, nil, nil, zap.NewNop())
	s.RegisterChain(1, src)
	return s
}

func TestPriceIsCached(t *testing.T) {
	src := &stubSource{price: 123.45}
	s := newTestService(src)
	k := mustKey(t, 1, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")

	for i := 0; i < 5; i++ {
		px, err := s.Price(context.Background(), k)
		require.NoError(t, err)
		assert.Equal(t, 123.45, px)
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestPriceErrorIsNotCached(t *testing.T) {
	src := &stubSource{err: errors.New("rpc down")}
	s := newTestService(src)
	k := mustKey(t, 1, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")

	_, err := s.Price(context.Background(), k)
	require.Error(t, err)

	src.err = nil
	src.price = 7
	px, err := s.Price(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, 7.0, px)
}

func TestPriceUnknownChain(t *testing.T) {
	s := newTestService(&stubSource{})
	k := mustKey(t, 999, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	_, err := s.Price(context.Background(), k)
	assert.Error(t, err)
}

func TestRefreshPricesOverwritesCache(t *testing.T) {
	src := &stubSource{price: 10}
	s := newTestService(src)
	k := mustKey(t, 1, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")

	px, err := s.Price(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, 10.0, px)

	// A bulk refresh replaces the cached value even though it is fresh.
	src.price = 20
	require.NoError(t, s.RefreshPrices(context.Background(), []token.Key{k}))

	px, ok := s.PeekPrice(k)
	require.True(t, ok)
	assert.Equal(t, 20.0, px)
	assert.Equal(t, int32(1), src.calls.Load(), "refresh must use the batch path")
	assert.Equal(t, int32(1), src.batched.Load())
}

func TestRefreshPricesPartialFailure(t *testing.T) {
	good := &stubSource{price: 5}
	bad := &stubSource{err: errors.New("chain down")}
	s := newTestService(good)
	s.RegisterChain(2, bad)

	k1 := mustKey(t, 1, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	k2 := mustKey(t, 2, "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359")

	require.NoError(t, s.RefreshPrices(context.Background(), []token.Key{k1, k2}))
	_, ok := s.PeekPrice(k1)
	assert.True(t, ok)
	_, ok = s.PeekPrice(k2)
	assert.False(t, ok)
}

func TestAnalyticsClientAgainstHTTPServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/coins/ethereum/contract/")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"image": {"large": "https://img.example/logo.png"},
			"market_data": {
				"current_price": {"usd": 1850.25},
				"market_cap": {"usd": 222000000000},
				"total_volume": {"usd": 9000000000},
				"price_change_percentage_24h": -2.75
			}
		}`))
	}))
	defer srv.Close()

	c := NewAnalyticsClient(srv.URL, map[int64]string{1: "ethereum"})
	k := mustKey(t, 1, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")

	a, err := c.Fetch(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, 1850.25, a.PriceUSD)
	assert.Equal(t, -2.75, a.PriceChange24h)
	assert.Equal(t, "https://img.example/logo.png", a.ImageURL)
}

func TestAnalyticsClientNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewAnalyticsClient(srv.URL, map[int64]string{1: "ethereum"})
	k := mustKey(t, 1, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	_, err := c.Fetch(context.Background(), k)
	assert.Error(t, err)
}

type stubAnalytics struct {
	a   Analytics
	err error
}

func (s *stubAnalytics) Fetch(ctx context.Context, k token.Key) (Analytics, error) {
	return s.a, s.err
}

func TestIconResolverFallbackChain(t *testing.T) {
	k := mustKey(t, 1, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")

	// Provider image wins when present.
	r := NewIconResolver(&stubAnalytics{a: Analytics{ImageURL: "https://img/a.png"}}, nil,
		"", "", "/placeholder.svg", nil, zap.NewNop())
	u, err := r.Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, "https://img/a.png", u)

	// Token list is next.
	store := token.NewStore(zap.NewNop())
	require.NoError(t, store.Append(1, token.Info{Address: k.Address, Symbol: "T", LogoURI: "https://list/t.png"}))
	r = NewIconResolver(&stubAnalytics{err: errors.New("down")}, store,
		"", "", "/placeholder.svg", nil, zap.NewNop())
	u, err = r.Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, "https://list/t.png", u)

	// Everything failing lands on the placeholder.
	r = NewIconResolver(&stubAnalytics{err: errors.New("down")}, token.NewStore(zap.NewNop()),
		"", "", "/placeholder.svg", nil, zap.NewNop())
	u, err = r.Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, "/placeholder.svg", u)
}

func TestIconResolverHostedFallback(t *testing.T) {
	var hits atomic.Int32
	assets := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/ethereum/assets/0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed/logo.png" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer assets.Close()

	k := mustKey(t, 1, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	r := NewIconResolver(nil, nil, assets.URL, "", "/placeholder.svg",
		map[int64]string{1: "ethereum"}, zap.NewNop())

	u, err := r.Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Contains(t, u, "/logo.png")
	assert.Equal(t, int32(1), hits.Load())
}
