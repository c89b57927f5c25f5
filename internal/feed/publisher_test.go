package feed

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/config"
	"github.com/you/swapfeed/internal/token"
)

func newTestPublisher(t *testing.T) (*Publisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.Stream = "price:stream"
	cfg.Redis.ActiveKey = "price:active"
	cfg.Redis.SnapNS = "price:last:"

	p := NewPublisher(cfg, zap.NewNop())
	require.NotNil(t, p)
	t.Cleanup(func() { _ = p.Close() })
	return p, mr
}

func TestPublisherDisabledWithoutAddr(t *testing.T) {
	assert.Nil(t, NewPublisher(&config.Config{}, zap.NewNop()))
}

func TestPublishPriceWritesAllViews(t *testing.T) {
	p, mr := newTestPublisher(t)
	k, err := token.NewKey(1, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)

	require.NoError(t, p.PublishPrice(context.Background(), k, []byte(`{"price":1.5}`)))

	payload, ts, err := p.LastPrice(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, `{"price":1.5}`, string(payload))
	assert.Positive(t, ts)

	recent, err := p.RecentTokens(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{k.String()}, recent)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	entries, err := rdb.XRange(context.Background(), "price:stream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1, "every push lands on the stream")
	assert.Equal(t, k.String(), entries[0].Values["token"])
}

func TestLastPriceUnknownToken(t *testing.T) {
	p, _ := newTestPublisher(t)
	k, err := token.NewKey(1, "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359")
	require.NoError(t, err)

	_, _, err = p.LastPrice(context.Background(), k)
	assert.ErrorIs(t, err, redis.Nil)
}

func TestPublishOverwritesSnapshot(t *testing.T) {
	p, _ := newTestPublisher(t)
	k, err := token.NewKey(1, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)

	require.NoError(t, p.PublishPrice(context.Background(), k, []byte(`{"price":1}`)))
	require.NoError(t, p.PublishPrice(context.Background(), k, []byte(`{"price":2}`)))

	payload, _, err := p.LastPrice(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, `{"price":2}`, string(payload))
}
