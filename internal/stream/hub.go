package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/metrics"
	"github.com/you/swapfeed/internal/pricing"
	"github.com/you/swapfeed/internal/token"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second

	maxMessageSize = 4 << 10
)

// PricePayload is the body of a price push.
type PricePayload struct {
	Price     float64 `json:"price"`
	Timestamp int64   `json:"ts"`
}

type registry interface {
	Subscribe(k token.Key) (count int, isNew bool)
	Unsubscribe(k token.Key)
	ActiveTokens() []token.Key
}

type dataSource interface {
	Price(ctx context.Context, k token.Key) (float64, error)
	PeekPrice(k token.Key) (float64, bool)
	Analytics(ctx context.Context, k token.Key) (pricing.Analytics, error)
}

type newTokenNotifier interface {
	RegisterNewToken(k token.Key)
}

// FeedPublisher mirrors pushes to an external feed. Optional.
type FeedPublisher interface {
	PublishPrice(ctx context.Context, k token.Key, payload []byte) error
}

type conn struct {
	id string
	ws *websocket.Conn

	wmu      sync.Mutex // serializes writes; gorilla allows one writer at a time
	subs     map[token.Key]struct{}
	lastSeen time.Time
}

func (c *conn) writeJSON(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// HubOptions tune the broadcast and housekeeping loops.
type HubOptions struct {
	Tick       time.Duration // price push interval
	IdleSweep  time.Duration // how often idle connections are checked
	IdleCutoff time.Duration // a sub-less connection older than this is dropped
}

// Hub accepts websocket viewers, tracks which tokens each one watches and
// pushes fresh data for every watched token on a fixed tick. Subscriptions
// feed the watchlist registry so the rest of the pipeline knows what to keep
// warm.
type Hub struct {
	log      *zap.Logger
	opts     HubOptions
	upgrader websocket.Upgrader

	registry registry
	data     dataSource
	notify   newTokenNotifier
	feed     FeedPublisher

	mu      sync.Mutex
	conns   map[string]*conn
	byToken map[token.Key]map[string]*conn

	now func() time.Time
}

func NewHub(opts HubOptions, reg registry, data dataSource, notify newTokenNotifier, feed FeedPublisher, log *zap.Logger) *Hub {
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Second
	}
	if opts.IdleSweep <= 0 {
		opts.IdleSweep = time.Minute
	}
	if opts.IdleCutoff <= 0 {
		opts.IdleCutoff = 5 * time.Minute
	}
	return &Hub{
		log:  log,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		registry: reg,
		data:     data,
		notify:   notify,
		feed:     feed,
		conns:    make(map[string]*conn),
		byToken:  make(map[token.Key]map[string]*conn),
		now:      time.Now,
	}
}

// HandleWS upgrades the request and serves the connection until it drops.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		id:       uuid.NewString(),
		ws:       ws,
		subs:     make(map[token.Key]struct{}),
		lastSeen: h.now(),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	total := len(h.conns)
	h.mu.Unlock()
	metrics.OpenConnections.Inc()
	h.log.Info("viewer connected", zap.String("conn", c.id), zap.Int("open", total))

	go h.pingLoop(c)
	h.readLoop(r.Context(), c)
}

func (h *Hub) pingLoop(c *conn) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for range t.C {
		c.wmu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.ws.WriteMessage(websocket.PingMessage, nil)
		c.wmu.Unlock()
		if err != nil {
			return
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	defer h.disconnect(c)

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("viewer read error", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.log.Debug("malformed client message", zap.String("conn", c.id), zap.Error(err))
			continue
		}
		k, err := msg.Key()
		if err != nil {
			h.log.Debug("bad token in client message",
				zap.String("conn", c.id),
				zap.String("address", msg.Address),
				zap.Error(err),
			)
			continue
		}

		switch msg.Type {
		case MsgSubscribe:
			h.subscribe(ctx, c, k)
		case MsgUnsubscribe:
			h.unsubscribe(c, k)
		default:
			h.log.Debug("unknown message type", zap.String("type", msg.Type))
		}
	}
}

func (h *Hub) subscribe(ctx context.Context, c *conn, k token.Key) {
	h.mu.Lock()
	if _, dup := c.subs[k]; dup {
		c.lastSeen = h.now()
		h.mu.Unlock()
		return
	}
	c.subs[k] = struct{}{}
	c.lastSeen = h.now()
	set, ok := h.byToken[k]
	if !ok {
		set = make(map[string]*conn)
		h.byToken[k] = set
	}
	set[c.id] = c
	h.mu.Unlock()

	_, isNew := h.registry.Subscribe(k)
	if isNew && h.notify != nil {
		h.notify.RegisterNewToken(k)
	}
	h.log.Debug("subscribed", zap.String("conn", c.id), zap.String("token", k.String()))

	// First data beats the next tick so the viewer is never staring at a
	// blank card.
	go h.pushInitial(ctx, c, k)
}

func (h *Hub) pushInitial(ctx context.Context, c *conn, k token.Key) {
	cctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()

	if px, err := h.data.Price(cctx, k); err == nil {
		h.send(c, MsgPrice, k, PricePayload{Price: px, Timestamp: h.now().UnixMilli()})
	} else {
		h.log.Debug("initial price unavailable", zap.String("token", k.String()), zap.Error(err))
	}

	if a, err := h.data.Analytics(cctx, k); err == nil {
		h.send(c, MsgAnalytics, k, a)
	}
}

func (h *Hub) unsubscribe(c *conn, k token.Key) {
	h.mu.Lock()
	_, had := c.subs[k]
	if had {
		delete(c.subs, k)
		c.lastSeen = h.now()
		if set, ok := h.byToken[k]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(h.byToken, k)
			}
		}
	}
	h.mu.Unlock()

	if had {
		h.registry.Unsubscribe(k)
		h.log.Debug("unsubscribed", zap.String("conn", c.id), zap.String("token", k.String()))
	}
}

// disconnect releases every subscription the connection held. A dropped
// viewer must not pin tokens in the watchlist forever.
func (h *Hub) disconnect(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	keys := make([]token.Key, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
		if set, ok := h.byToken[k]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(h.byToken, k)
			}
		}
	}
	c.subs = make(map[token.Key]struct{})
	h.mu.Unlock()

	for _, k := range keys {
		h.registry.Unsubscribe(k)
	}
	_ = c.ws.Close()
	metrics.OpenConnections.Dec()
	h.log.Info("viewer disconnected", zap.String("conn", c.id), zap.Int("released", len(keys)))
}

// Run drives the broadcast tick and the idle-connection sweep until ctx is
// done.
func (h *Hub) Run(ctx context.Context) {
	tick := time.NewTicker(h.opts.Tick)
	idle := time.NewTicker(h.opts.IdleSweep)
	defer tick.Stop()
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-tick.C:
			h.broadcastPrices(ctx)
		case <-idle.C:
			h.sweepIdle()
		}
	}
}

// broadcastPrices pushes the current price of every watched token to its
// viewers. Cached values are used as-is; a token with no fresh cache entry
// is read live, and tokens whose read fails are skipped this tick.
func (h *Hub) broadcastPrices(ctx context.Context) {
	h.mu.Lock()
	targets := make(map[token.Key][]*conn, len(h.byToken))
	for k, set := range h.byToken {
		conns := make([]*conn, 0, len(set))
		for _, c := range set {
			conns = append(conns, c)
		}
		targets[k] = conns
	}
	h.mu.Unlock()

	for k, conns := range targets {
		px, ok := h.data.PeekPrice(k)
		if !ok {
			cctx, cancel := context.WithTimeout(ctx, 4*time.Second)
			var err error
			px, err = h.data.Price(cctx, k)
			cancel()
			if err != nil {
				h.log.Debug("tick price unavailable", zap.String("token", k.String()), zap.Error(err))
				continue
			}
		}

		payload := PricePayload{Price: px, Timestamp: h.now().UnixMilli()}
		msg, err := newServerMessage(MsgPrice, k, payload)
		if err != nil {
			continue
		}
		for _, c := range conns {
			if err := c.writeJSON(msg); err != nil {
				h.log.Debug("push failed", zap.String("conn", c.id), zap.Error(err))
				continue
			}
			metrics.BroadcastMessages.Inc()
		}
		if h.feed != nil {
			if raw, err := json.Marshal(msg); err == nil {
				if err := h.feed.PublishPrice(ctx, k, raw); err != nil {
					h.log.Debug("feed publish failed", zap.String("token", k.String()), zap.Error(err))
				}
			}
		}
	}
}

func (h *Hub) send(c *conn, typ string, k token.Key, payload interface{}) {
	msg, err := newServerMessage(typ, k, payload)
	if err != nil {
		h.log.Warn("encode push", zap.String("type", typ), zap.Error(err))
		return
	}
	if err := c.writeJSON(msg); err != nil {
		h.log.Debug("push failed", zap.String("conn", c.id), zap.Error(err))
		return
	}
	metrics.BroadcastMessages.Inc()
}

// sweepIdle closes connections that hold no subscriptions and have been
// silent past the cutoff.
func (h *Hub) sweepIdle() {
	cutoff := h.now().Add(-h.opts.IdleCutoff)

	h.mu.Lock()
	var stale []*conn
	for _, c := range h.conns {
		if len(c.subs) == 0 && c.lastSeen.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.log.Info("closing idle connection", zap.String("conn", c.id))
		_ = c.ws.Close() // readLoop exits and runs the full disconnect path
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// ConnCount reports how many connections are open.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
