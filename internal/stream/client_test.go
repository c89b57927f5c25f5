package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/token"
)

// echoServer accepts ws connections, collects every client intent and lets
// tests push server messages back.
type echoServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*websocket.Conn
	connectAt []time.Time
	received  []ClientMessage

	dropAfter int // close each connection after this many messages; 0 = never
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	e := &echoServer{}
	e.srv = httptest.NewServer(http.HandlerFunc(e.handle))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *echoServer) url() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

func (e *echoServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.conns = append(e.conns, ws)
	e.connectAt = append(e.connectAt, time.Now())
	e.mu.Unlock()

	n := 0
	for {
		var msg ClientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		e.mu.Lock()
		e.received = append(e.received, msg)
		drop := e.dropAfter > 0 && n+1 >= e.dropAfter
		e.mu.Unlock()
		n++
		if drop {
			_ = ws.Close()
			return
		}
	}
}

func (e *echoServer) messages() []ClientMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ClientMessage, len(e.received))
	copy(out, e.received)
	return out
}

func (e *echoServer) connectTimes() []time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]time.Time, len(e.connectAt))
	copy(out, e.connectAt)
	return out
}

func (e *echoServer) push(t *testing.T, msg ServerMessage) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.conns)
	ws := e.conns[len(e.conns)-1]
	require.NoError(t, ws.WriteJSON(msg))
}

func newTestManager(url string, grace time.Duration) *Manager {
	return NewManager(ManagerOptions{
		URL:         url,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  50 * time.Millisecond,
		MaxAttempts: 10,
		Grace:       grace,
	}, zap.NewNop())
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = m.Run(ctx) }()
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.connected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNextBackoff(t *testing.T) {
	base, ceil := time.Second, 30*time.Second
	assert.Equal(t, 1*time.Second, nextBackoff(base, ceil, 1))
	assert.Equal(t, 2*time.Second, nextBackoff(base, ceil, 2))
	assert.Equal(t, 4*time.Second, nextBackoff(base, ceil, 3))
	assert.Equal(t, 16*time.Second, nextBackoff(base, ceil, 5))
	assert.Equal(t, 30*time.Second, nextBackoff(base, ceil, 6), "32s caps at 30s")
	assert.Equal(t, 30*time.Second, nextBackoff(base, ceil, 12))
}

func TestSubscribeSendsIntent(t *testing.T) {
	e := newEchoServer(t)
	m := newTestManager(e.url(), time.Minute)
	startManager(t, m)
	waitConnected(t, m)

	k, err := token.NewKey(1, testAddr)
	require.NoError(t, err)
	m.Subscribe(k, func(ServerMessage) {})

	require.Eventually(t, func() bool { return len(e.messages()) == 1 }, time.Second, 5*time.Millisecond)
	got := e.messages()[0]
	assert.Equal(t, MsgSubscribe, got.Type)
	assert.Equal(t, k.Address, got.Address)
	assert.Equal(t, int64(1), got.ChainID)
}

func TestIntentsQueueWhileDisconnected(t *testing.T) {
	e := newEchoServer(t)
	m := newTestManager(e.url(), time.Minute)

	// Subscribe before the link exists; the intent must wait, not vanish.
	k, err := token.NewKey(1, testAddr)
	require.NoError(t, err)
	m.Subscribe(k, func(ServerMessage) {})

	startManager(t, m)
	require.Eventually(t, func() bool { return len(e.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, MsgSubscribe, e.messages()[0].Type)

	// Exactly one subscribe: the queued intent must not be doubled by the
	// reconnect re-announce.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, e.messages(), 1)
}

func TestReconnectReannouncesSubscriptions(t *testing.T) {
	e := newEchoServer(t)
	e.dropAfter = 1
	m := newTestManager(e.url(), time.Minute)
	startManager(t, m)
	waitConnected(t, m)

	k, err := token.NewKey(1, testAddr)
	require.NoError(t, err)
	m.Subscribe(k, func(ServerMessage) {})

	// First connection takes the subscribe then drops; the second must see
	// the same subscription announced again.
	require.Eventually(t, func() bool { return len(e.messages()) >= 2 }, 3*time.Second, 5*time.Millisecond)
	for _, msg := range e.messages() {
		assert.Equal(t, MsgSubscribe, msg.Type)
		assert.Equal(t, k.Address, msg.Address)
	}
}

func TestRedialAfterDropWaitsBaseDelay(t *testing.T) {
	e := newEchoServer(t)
	e.dropAfter = 1
	m := NewManager(ManagerOptions{
		URL:         e.url(),
		BackoffBase: 80 * time.Millisecond,
		BackoffCap:  200 * time.Millisecond,
		MaxAttempts: 10,
		Grace:       time.Minute,
	}, zap.NewNop())
	startManager(t, m)
	waitConnected(t, m)

	k, err := token.NewKey(1, testAddr)
	require.NoError(t, err)
	m.Subscribe(k, func(ServerMessage) {})

	require.Eventually(t, func() bool { return len(e.connectTimes()) >= 2 }, 3*time.Second, 5*time.Millisecond)
	times := e.connectTimes()
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 80*time.Millisecond,
		"re-dial after a drop must wait the base delay")
}

func TestDispatchReachesCallback(t *testing.T) {
	e := newEchoServer(t)
	m := newTestManager(e.url(), time.Minute)
	startManager(t, m)
	waitConnected(t, m)

	k, err := token.NewKey(1, testAddr)
	require.NoError(t, err)
	got := make(chan ServerMessage, 1)
	m.Subscribe(k, func(msg ServerMessage) { got <- msg })
	require.Eventually(t, func() bool { return len(e.messages()) == 1 }, time.Second, 5*time.Millisecond)

	data, err := json.Marshal(PricePayload{Price: 9.75, Timestamp: 123})
	require.NoError(t, err)
	e.push(t, ServerMessage{Type: MsgPrice, Data: data, Address: k.Address, ChainID: k.ChainID})

	select {
	case msg := <-got:
		assert.Equal(t, MsgPrice, msg.Type)
		assert.Contains(t, string(msg.Data), "9.75")
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestUnsubscribeWaitsForGrace(t *testing.T) {
	e := newEchoServer(t)
	m := newTestManager(e.url(), 60*time.Millisecond)
	startManager(t, m)
	waitConnected(t, m)

	k, err := token.NewKey(1, testAddr)
	require.NoError(t, err)
	unsub := m.Subscribe(k, func(ServerMessage) {})
	require.Eventually(t, func() bool { return len(e.messages()) == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	// Inside the grace window nothing goes on the wire.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, e.messages(), 1)

	require.Eventually(t, func() bool {
		msgs := e.messages()
		return len(msgs) == 2 && msgs[1].Type == MsgUnsubscribe
	}, time.Second, 5*time.Millisecond)
}

func TestResubscribeWithinGraceKeepsStream(t *testing.T) {
	e := newEchoServer(t)
	m := newTestManager(e.url(), 50*time.Millisecond)
	startManager(t, m)
	waitConnected(t, m)

	k, err := token.NewKey(1, testAddr)
	require.NoError(t, err)
	unsub := m.Subscribe(k, func(ServerMessage) {})
	require.Eventually(t, func() bool { return len(e.messages()) == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	m.Subscribe(k, func(ServerMessage) {})

	// Well past the grace window: no unsubscribe and no second subscribe,
	// the server-side stream never flapped.
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, e.messages(), 1)
}

func TestDormantAfterExhaustedRetries(t *testing.T) {
	m := NewManager(ManagerOptions{
		URL:         "ws://127.0.0.1:1", // nothing listens there
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		MaxAttempts: 3,
		Grace:       time.Minute,
	}, zap.NewNop())

	err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
	assert.True(t, m.Dormant())
}
