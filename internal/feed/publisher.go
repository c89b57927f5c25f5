// Package feed mirrors every broadcast price into Redis so processes
// outside the websocket fan-out (alerting, recorders) can follow along.
package feed

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/config"
	"github.com/you/swapfeed/internal/token"
)

// Publisher keeps three views per token: a HASH with the last payload, a
// ZSET of recently active tokens scored by timestamp, and an append-only
// stream of every push.
type Publisher struct {
	log    *zap.Logger
	rdb    *redis.Client
	stream string
	active string
	snapNS string
}

// NewPublisher returns nil when no Redis address is configured; the hub
// treats a nil publisher as "mirror disabled".
func NewPublisher(cfg *config.Config, log *zap.Logger) *Publisher {
	if cfg.Redis.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
	})
	return &Publisher{
		log:    log,
		rdb:    rdb,
		stream: cfg.Redis.Stream,
		active: cfg.Redis.ActiveKey,
		snapNS: cfg.Redis.SnapNS,
	}
}

// PublishPrice mirrors one price push. Partial failure is returned but the
// hub only logs it; the mirror must never stall the broadcast path.
func (p *Publisher) PublishPrice(ctx context.Context, k token.Key, payload []byte) error {
	ts := time.Now().UnixMilli()
	key := k.String()

	if err := p.rdb.HSet(ctx, p.snapNS+key, map[string]interface{}{
		"payload": payload,
		"ts_ms":   ts,
	}).Err(); err != nil {
		return err
	}
	if err := p.rdb.ZAdd(ctx, p.active, redis.Z{Score: float64(ts), Member: key}).Err(); err != nil {
		return err
	}
	return p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: 100_000,
		Approx: true,
		Values: map[string]interface{}{"token": key, "payload": payload, "ts_ms": ts},
	}).Err()
}

// LastPrice returns the most recent mirrored payload for a token, redis.Nil
// when the token was never published.
func (p *Publisher) LastPrice(ctx context.Context, k token.Key) ([]byte, int64, error) {
	m, err := p.rdb.HGetAll(ctx, p.snapNS+k.String()).Result()
	if err != nil {
		return nil, 0, err
	}
	if len(m) == 0 {
		return nil, 0, redis.Nil
	}
	ts, _ := strconv.ParseInt(m["ts_ms"], 10, 64)
	return []byte(m["payload"]), ts, nil
}

// RecentTokens lists tokens published since the given timestamp.
func (p *Publisher) RecentTokens(ctx context.Context, sinceMs int64) ([]string, error) {
	return p.rdb.ZRangeByScore(ctx, p.active, &redis.ZRangeBy{
		Min: strconv.FormatInt(sinceMs, 10),
		Max: "+inf",
	}).Result()
}

func (p *Publisher) Close() error {
	return p.rdb.Close()
}
