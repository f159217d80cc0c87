package runtime

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bravos/lockagent"
	"github.com/bravos/lockagent/internal/metrics"
)

var testIdentity = lockagent.Identity{DeviceID: "001122334455", DeviceName: "KID-PC"}

// authority is a minimal websocket server standing in for the remote authority.
type authority struct {
	srv      *httptest.Server
	headers  chan http.Header
	inbound  chan string
	conns    chan *websocket.Conn
	delay    time.Duration
	upgrader websocket.Upgrader
}

func newAuthority(t *testing.T, delay time.Duration) *authority {
	t.Helper()
	a := &authority{
		headers:  make(chan http.Header, 4),
		inbound:  make(chan string, 16),
		conns:    make(chan *websocket.Conn, 4),
		delay:    delay,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.delay > 0 {
			time.Sleep(a.delay)
		}
		a.headers <- r.Header.Clone()
		c, err := a.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		a.conns <- c
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			a.inbound <- string(msg)
		}
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *authority) url() string { return "ws" + strings.TrimPrefix(a.srv.URL, "http") }

func (a *authority) peer(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-a.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("authority never accepted a connection")
		return nil
	}
}

type connEvents struct {
	mu       sync.Mutex
	messages chan string
	ups      int
	downs    int
}

func watch(c *Connection) *connEvents {
	ev := &connEvents{messages: make(chan string, 16)}
	c.OnMessage(func(s string) { ev.messages <- s })
	c.OnConnectivity(func(up bool) {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		if up {
			ev.ups++
		} else {
			ev.downs++
		}
	})
	return ev
}

func (ev *connEvents) counts() (int, int) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.ups, ev.downs
}

func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	c := NewConnection(
		WithHandshake("https://control.example", "ParentalControlAgent/1.0"),
		WithTimeouts(5*time.Second, 10*time.Millisecond, time.Second),
	)
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnectSendsHandshakeHeaders(t *testing.T) {
	a := newAuthority(t, 0)
	c := newTestConnection(t)
	require.NoError(t, c.Connect(context.Background(), a.url(), testIdentity))
	require.True(t, c.WaitForConnection(2*time.Second))

	h := <-a.headers
	assert.Equal(t, "001122334455", h.Get("X-Device-Id"))
	assert.Equal(t, "KID-PC", h.Get("X-Device-Name"))
	assert.Equal(t, "https://control.example", h.Get("Origin"))
	assert.Equal(t, "ParentalControlAgent/1.0", h.Get("User-Agent"))
	assert.NotEmpty(t, h.Get("X-Session-Id"))
	assert.Equal(t, Connected, c.State())
}

func TestConnectRejectsBadEndpoint(t *testing.T) {
	c := newTestConnection(t)
	err := c.Connect(context.Background(), "http://example.com/ws", testIdentity)
	assert.ErrorIs(t, err, lockagent.ErrInvalidEndpoint)
	assert.Equal(t, Disconnected, c.State())
}

func TestMessagesAndSend(t *testing.T) {
	a := newAuthority(t, 0)
	c := newTestConnection(t)
	ev := watch(c)
	require.NoError(t, c.Connect(context.Background(), a.url(), testIdentity))
	require.True(t, c.WaitForConnection(2*time.Second))
	peer := a.peer(t)

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte("GRANTED:60")))
	select {
	case msg := <-ev.messages:
		assert.Equal(t, "GRANTED:60", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	c.Send("BLOCKED")
	select {
	case msg := <-a.inbound:
		assert.Equal(t, "BLOCKED", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("send not received")
	}
	ups, downs := ev.counts()
	assert.Equal(t, 1, ups)
	assert.Equal(t, 0, downs)
}

func TestWaitForConnectionTimesOut(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c := newTestConnection(t)
	require.NoError(t, c.Connect(context.Background(), "ws://"+addr+"/ws/", testIdentity))

	start := time.Now()
	assert.False(t, c.WaitForConnection(2*time.Second))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, Disconnected, c.State())
}

func TestWaitForDelayedOpen(t *testing.T) {
	a := newAuthority(t, 500*time.Millisecond)
	c := newTestConnection(t)
	require.NoError(t, c.Connect(context.Background(), a.url(), testIdentity))

	start := time.Now()
	assert.True(t, c.WaitForConnection(2*time.Second))
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
}

func TestSendWhileDisconnectedDrops(t *testing.T) {
	c := newTestConnection(t)
	assert.ErrorIs(t, c.write("X"), lockagent.ErrNotConnected)
	done := make(chan struct{})
	go func() {
		c.Send("X")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("send blocked while disconnected")
	}
}

func connectedGauge(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "lockagent_connected" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("lockagent_connected not registered")
	return 0
}

func TestServerCloseReportsOnce(t *testing.T) {
	a := newAuthority(t, 0)
	m := metrics.New()
	c := newTestConnection(t)
	WithConnectionMetrics(m)(c)
	ev := watch(c)
	require.NoError(t, c.Connect(context.Background(), a.url(), testIdentity))
	require.True(t, c.WaitForConnection(2*time.Second))
	require.Eventually(t, func() bool { return connectedGauge(t, m) == 1 }, time.Second, 10*time.Millisecond)

	peer := a.peer(t)
	require.NoError(t, peer.Close())

	require.Eventually(t, func() bool {
		_, downs := ev.counts()
		return downs == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Disconnected, c.State())
	assert.Zero(t, connectedGauge(t, m))

	c.Disconnect()
	time.Sleep(50 * time.Millisecond)
	ups, downs := ev.counts()
	assert.Equal(t, 1, ups)
	assert.Equal(t, 1, downs)
}

func TestDisconnectIdempotent(t *testing.T) {
	c := newTestConnection(t)
	c.Disconnect()
	c.Disconnect()

	a := newAuthority(t, 0)
	ev := watch(c)
	require.NoError(t, c.Connect(context.Background(), a.url(), testIdentity))
	require.True(t, c.WaitForConnection(2*time.Second))
	c.Disconnect()
	c.Disconnect()

	assert.Equal(t, Disconnected, c.State())
	require.Eventually(t, func() bool {
		_, downs := ev.counts()
		return downs == 1
	}, time.Second, 10*time.Millisecond)
	c.Send("late")
}
