package punch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/transport"
)

type hookRecorder struct {
	connected atomic.Int32
	messages  chan protocol.Message
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		Connected:    func() { h.connected.Add(1) },
		Received:     func(m protocol.Message) { h.messages <- m },
		Disconnected: func(bool) {},
	}
}

func newHookRecorder() *hookRecorder {
	return &hookRecorder{messages: make(chan protocol.Message, 4)}
}

// client dials addr, says hello as sender and records what comes back.
type client struct {
	conn     *transport.Conn
	received chan protocol.Message
	down     chan struct{}
}

func dialAs(t *testing.T, addr string, sender int64) *client {
	t.Helper()
	c := &client{conn: transport.Dial(), received: make(chan protocol.Message, 4), down: make(chan struct{})}
	c.conn.OnReceived(func(m protocol.Message) { c.received <- m })
	c.conn.OnDisconnected(func(bool) { close(c.down) })
	require.NoError(t, c.conn.Connect(context.Background(), addr))
	require.NoError(t, c.conn.SendAsync(&protocol.PunchHello{Sender: sender}))
	t.Cleanup(c.conn.Disconnect)
	return c
}

func TestListening_RoutesBySender(t *testing.T) {
	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	cfg := Config{Self: 1, LocalPort: port}
	cfg.withDefaults()

	two, three := newHookRecorder(), newHookRecorder()
	l2 := newListening(loopbackInfo(2, 50002), &cfg, two.hooks())
	l3 := newListening(loopbackInfo(3, 50003), &cfg, three.hooks())
	l2.StartHandshake()
	l3.StartHandshake()
	t.Cleanup(func() {
		for _, l := range []*listening{l2, l3} {
			l.StopHandshake()
			l.Disconnect()
		}
	})

	// nobody waits for 9
	stranger := dialAs(t, addr, 9)
	select {
	case <-stranger.down:
	case <-time.After(waitTimeout):
		t.Fatal("stranger was kept")
	}

	// one at a time: adopting closes a listener along with its backlog
	c3 := dialAs(t, addr, 3)
	require.Eventually(t, func() bool { return three.connected.Load() == 1 }, waitTimeout, 5*time.Millisecond)
	c2 := dialAs(t, addr, 2)
	require.Eventually(t, func() bool { return two.connected.Load() == 1 }, waitTimeout, 5*time.Millisecond)

	for _, c := range []*client{c3, c2} {
		select {
		case m := <-c.received:
			assert.Equal(t, &protocol.PunchHello{Sender: 1}, m)
		case <-time.After(waitTimeout):
			t.Fatal("no hello from the listener")
		}
	}

	require.NoError(t, c3.conn.SendAsync(&protocol.P2PEcho{Sender: 3, Text: "for three"}))
	require.NoError(t, c2.conn.SendAsync(&protocol.P2PEcho{Sender: 2, Text: "for two"}))
	for _, tc := range []struct {
		rec  *hookRecorder
		want string
	}{{three, "for three"}, {two, "for two"}} {
		select {
		case m := <-tc.rec.messages:
			assert.Equal(t, tc.want, m.(*protocol.P2PEcho).Text)
		case <-time.After(waitTimeout):
			t.Fatalf("%q never arrived", tc.want)
		}
	}
	assert.True(t, l2.IsConnected())
	assert.True(t, l3.IsConnected())
	assert.Nil(t, routes.get(l2.route), "an adopted listener leaves the table")
}

func TestConnecting_RejectsWrongPeer(t *testing.T) {
	ln, err := transport.Listen(context.Background(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			conn := transport.FromNetConn(nc)
			conn.SendAsync(&protocol.PunchHello{Sender: 7})
			conn.BeginReceiving()
		}
	}()

	rec := newHookRecorder()
	cfg := Config{Self: 1, DialTimeout: time.Second, RetryDelay: 10 * time.Millisecond, MaxAttempts: 2}
	cfg.withDefaults()
	target := fmt.Sprintf("127.0.0.1:%d", transport.Port(ln.Addr()))
	c := newConnecting(SlotPublic, target, 2, &cfg, rec.hooks())
	c.StartHandshake()
	t.Cleanup(c.StopHandshake)

	require.Eventually(t, func() bool {
		_, failures := c.counters()
		return failures == 2
	}, waitTimeout, 5*time.Millisecond)
	attempts, _ := c.counters()
	assert.Equal(t, 2, attempts)
	assert.Zero(t, rec.connected.Load(), "a hello from 7 does not reach peer 2")
	assert.False(t, c.IsConnected())
}
