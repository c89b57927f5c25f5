package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/token"
)

// ErrDisconnected is reported once the manager has exhausted its reconnect
// attempts and gone dormant.
var ErrDisconnected = errors.New("stream: connection lost, retries exhausted")

// Callback receives every push for the token it was subscribed with.
type Callback func(ServerMessage)

// ManagerOptions tune reconnect behavior.
type ManagerOptions struct {
	URL         string
	BackoffBase time.Duration // first retry delay, doubles per attempt
	BackoffCap  time.Duration
	MaxAttempts int
	Grace       time.Duration // delay before an unsubscribe goes on the wire
}

type clientSub struct {
	callbacks  map[string]Callback
	graceTimer *time.Timer // armed while the last viewer is gone
}

// Manager multiplexes any number of logical token subscriptions over one
// shared websocket. While the link is down, intents queue up and are
// replayed in order once it comes back; every live subscription is also
// re-announced, since the server lost all per-connection state.
type Manager struct {
	log  *zap.Logger
	opts ManagerOptions

	dialer *websocket.Dialer

	mu        sync.Mutex
	subs      map[token.Key]*clientSub
	queue     []ClientMessage
	ws        *websocket.Conn
	connected bool
	dormant   bool

	onStateChange func(connected bool)
}

func NewManager(opts ManagerOptions, log *zap.Logger) *Manager {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Grace <= 0 {
		opts.Grace = time.Minute
	}
	return &Manager{
		log:    log,
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		subs:   make(map[token.Key]*clientSub),
	}
}

// OnStateChange registers a hook fired on every connect and disconnect.
func (m *Manager) OnStateChange(fn func(connected bool)) {
	m.mu.Lock()
	m.onStateChange = fn
	m.mu.Unlock()
}

// Subscribe starts delivering pushes for the token to cb and returns the
// matching unsubscribe func. The first viewer of a token puts a subscribe
// intent on the wire; later viewers share the stream.
func (m *Manager) Subscribe(k token.Key, cb Callback) (unsubscribe func()) {
	id := uuid.NewString()

	m.mu.Lock()
	s, ok := m.subs[k]
	if !ok {
		s = &clientSub{callbacks: make(map[string]Callback)}
		m.subs[k] = s
		m.sendLocked(ClientMessage{Type: MsgSubscribe, Address: k.Address, ChainID: k.ChainID})
	}
	if s.graceTimer != nil {
		// A viewer came back within the grace window, the server-side
		// subscription never dropped.
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.callbacks[id] = cb
	m.mu.Unlock()

	return func() { m.unsubscribe(k, id) }
}

func (m *Manager) unsubscribe(k token.Key, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[k]
	if !ok {
		return
	}
	delete(s.callbacks, id)
	if len(s.callbacks) > 0 || s.graceTimer != nil {
		return
	}

	// Hold the wire unsubscribe for the grace window so a quick
	// navigate-away-and-back does not churn the server watchlist.
	s.graceTimer = time.AfterFunc(m.opts.Grace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.subs[k]
		if !ok || len(cur.callbacks) > 0 {
			return
		}
		delete(m.subs, k)
		m.sendLocked(ClientMessage{Type: MsgUnsubscribe, Address: k.Address, ChainID: k.ChainID})
	})
}

// sendLocked writes the intent if connected, otherwise queues it. Callers
// hold m.mu.
func (m *Manager) sendLocked(msg ClientMessage) {
	if m.connected && m.ws != nil {
		_ = m.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := m.ws.WriteJSON(msg); err == nil {
			return
		}
		// The read loop will notice the broken link; keep the intent.
	}
	m.queue = append(m.queue, msg)
}

// Run dials and serves the connection, reconnecting with exponential
// backoff until ctx is done or the attempt budget runs out.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	for {
		ws, _, err := m.dialer.DialContext(ctx, m.opts.URL, nil)
		if err != nil {
			attempt++
			if attempt >= m.opts.MaxAttempts {
				m.goDormant()
				return ErrDisconnected
			}
			delay := nextBackoff(m.opts.BackoffBase, m.opts.BackoffCap, attempt)
			m.log.Warn("stream dial failed",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		m.attach(ws)
		m.log.Info("stream connected", zap.String("url", m.opts.URL))

		err = m.readLoop(ctx, ws)
		m.detach()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warn("stream dropped", zap.Error(err))

		// The first re-dial after a drop waits the base delay; only
		// failed dials escalate from there.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.BackoffBase):
		}
	}
}

// attach marks the link up, replays intents queued while it was down, then
// re-announces every live subscription.
func (m *Manager) attach(ws *websocket.Conn) {
	m.mu.Lock()
	m.ws = ws
	m.connected = true
	m.dormant = false

	queued := m.queue
	m.queue = nil
	announced := make(map[token.Key]struct{}, len(queued))
	for _, msg := range queued {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteJSON(msg); err != nil {
			m.queue = append(m.queue, msg)
			continue
		}
		if msg.Type == MsgSubscribe {
			if k, err := msg.Key(); err == nil {
				announced[k] = struct{}{}
			}
		}
	}
	// The server lost all per-connection state, so every live subscription
	// not already covered by the queue goes on the wire again.
	for k := range m.subs {
		if _, done := announced[k]; done {
			continue
		}
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteJSON(ClientMessage{Type: MsgSubscribe, Address: k.Address, ChainID: k.ChainID})
	}
	hook := m.onStateChange
	m.mu.Unlock()

	if hook != nil {
		hook(true)
	}
}

func (m *Manager) detach() {
	m.mu.Lock()
	if m.ws != nil {
		_ = m.ws.Close()
	}
	m.ws = nil
	m.connected = false
	hook := m.onStateChange
	m.mu.Unlock()

	if hook != nil {
		hook(false)
	}
}

func (m *Manager) goDormant() {
	m.mu.Lock()
	m.dormant = true
	m.mu.Unlock()
	m.log.Error("stream dormant: reconnect attempts exhausted",
		zap.Int("attempts", m.opts.MaxAttempts),
	)
}

// Dormant reports whether the manager has given up reconnecting.
func (m *Manager) Dormant() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dormant
}

func (m *Manager) readLoop(ctx context.Context, ws *websocket.Conn) error {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	for {
		var msg ServerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg ServerMessage) {
	k, err := msg.Key()
	if err != nil {
		m.log.Debug("push for unparseable token", zap.String("address", msg.Address))
		return
	}

	m.mu.Lock()
	s, ok := m.subs[k]
	var cbs []Callback
	if ok {
		cbs = make([]Callback, 0, len(s.callbacks))
		for _, cb := range s.callbacks {
			cbs = append(cbs, cb)
		}
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(msg)
	}
}

// nextBackoff returns the delay before reconnect attempt n (1-based):
// base doubled per attempt, capped at ceil.
func nextBackoff(base, ceil time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceil {
			return ceil
		}
	}
	if d > ceil {
		return ceil
	}
	return d
}
