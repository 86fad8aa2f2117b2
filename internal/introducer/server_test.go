package introducer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/transport"
)

const waitTimeout = 5 * time.Second

// startServer runs an introducer on a loopback port. The reaper runs on a
// mock clock, so it only fires when a test calls reap directly.
func startServer(t *testing.T) *Server {
	t.Helper()
	srv := New(Options{Addr: "127.0.0.1:0", Clock: clock.NewMock()})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Close() })
	return srv
}

type testClient struct {
	conn *transport.Conn
	msgs chan protocol.Message
	down chan bool
}

func dialClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	c := &testClient{
		conn: transport.Dial(transport.WithDialTimeout(time.Second)),
		msgs: make(chan protocol.Message, 64),
		down: make(chan bool, 1),
	}
	c.conn.OnReceived(func(m protocol.Message) { c.msgs <- m })
	c.conn.OnDisconnected(func(graceful bool) { c.down <- graceful })

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, c.conn.Connect(ctx, srv.Addr().String()))
	t.Cleanup(c.conn.Disconnect)
	return c
}

func (c *testClient) send(t *testing.T, m protocol.Message) {
	t.Helper()
	require.NoError(t, c.conn.SendAsync(m))
}

// identify registers the client and returns the id it was given.
func (c *testClient) identify(t *testing.T, m *protocol.Identity) int64 {
	t.Helper()
	c.send(t, m)
	return expect[*protocol.RefreshReply](t, c).Info.ID
}

// expect waits for the next message of type M, skipping others.
func expect[M protocol.Message](t *testing.T, c *testClient) M {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case m := <-c.msgs:
			if typed, ok := m.(M); ok {
				return typed
			}
		case <-deadline:
			var zero M
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// expectSnapshot waits for a snapshot listing exactly ids.
func expectSnapshot(t *testing.T, c *testClient, ids ...int64) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case m := <-c.msgs:
			list, ok := m.(*protocol.SessionList)
			if !ok {
				continue
			}
			var got []int64
			for _, s := range list.Sessions {
				got = append(got, s.ID)
			}
			if assert.ObjectsAreEqual(ids, got) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot %v", ids)
		}
	}
}

func sessionIDs(srv *Server) []int64 {
	var ids []int64
	for _, s := range srv.Sessions() {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestServer_AssignsSequentialIDs(t *testing.T) {
	srv := startServer(t)
	a := dialClient(t, srv)
	b := dialClient(t, srv)

	a.send(t, &protocol.Identity{PrivateEndpoint: "10.0.0.1:5000"})
	reply := expect[*protocol.RefreshReply](t, a)
	assert.Equal(t, int64(1), reply.Info.ID)
	assert.Equal(t, "10.0.0.1:5000", reply.Info.PrivateEndpoint)
	assert.Equal(t, a.conn.LocalAddr().String(), reply.Info.PublicEndpoint)
	expectSnapshot(t, a, 1)

	assert.Equal(t, int64(2), b.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.2:5000"}))
	expectSnapshot(t, a, 1, 2)
	expectSnapshot(t, b, 1, 2)
}

func TestServer_EchoAndRequests(t *testing.T) {
	srv := startServer(t)
	a := dialClient(t, srv)
	id := a.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.1:5000"})

	a.send(t, &protocol.Echo{Text: "ping"})
	assert.Equal(t, "ping", expect[*protocol.Echo](t, a).Text)

	a.send(t, &protocol.RefreshRequest{})
	assert.Equal(t, id, expect[*protocol.RefreshReply](t, a).Info.ID)

	a.send(t, &protocol.SessionListRequest{})
	expectSnapshot(t, a, id)
}

func TestServer_ConnectRequestAcksBothSides(t *testing.T) {
	srv := startServer(t)
	a := dialClient(t, srv)
	b := dialClient(t, srv)
	idA := a.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.1:5000"})
	idB := b.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.2:5000"})

	a.send(t, &protocol.ConnectRequest{RequesterID: idA, TargetID: idB})
	assert.Equal(t, idB, expect[*protocol.ConnectAck](t, a).TargetID)
	assert.Equal(t, idA, expect[*protocol.ConnectAck](t, b).TargetID)

	for _, s := range srv.Sessions() {
		assert.True(t, s.HolePunching, "session %d", s.ID)
	}

	a.send(t, &protocol.ConnectSuccess{TargetID: idB, ConnectedPeers: []int64{idB}})
	require.Eventually(t, func() bool {
		for _, s := range srv.Sessions() {
			if s.ID == idA {
				return !s.HolePunching && assert.ObjectsAreEqual([]int64{idB}, s.ConnectedPeers)
			}
		}
		return false
	}, waitTimeout, 10*time.Millisecond)

	a.send(t, &protocol.P2PDisconnected{})
	require.Eventually(t, func() bool {
		for _, s := range srv.Sessions() {
			if s.ID == idA {
				return len(s.ConnectedPeers) == 0
			}
		}
		return false
	}, waitTimeout, 10*time.Millisecond)
}

func TestServer_ConnectRequestUnknownTarget(t *testing.T) {
	srv := startServer(t)
	a := dialClient(t, srv)
	idA := a.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.1:5000"})

	a.send(t, &protocol.ConnectRequest{RequesterID: idA, TargetID: 9})
	assert.Equal(t, "Id 9 does not exist.", expect[*protocol.ServerMessage](t, a).Text)
	assert.False(t, srv.Sessions()[0].HolePunching)
}

func TestServer_UngracefulOrIdleDisconnectEvicts(t *testing.T) {
	srv := startServer(t)
	a := dialClient(t, srv)
	b := dialClient(t, srv)
	a.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.1:5000"})
	b.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.2:5000"})
	expectSnapshot(t, b, 1, 2)

	a.conn.Disconnect()
	expectSnapshot(t, b, 2)
	assert.Equal(t, []int64{2}, sessionIDs(srv))
}

func TestServer_IdentityStableAcrossReconnect(t *testing.T) {
	srv := startServer(t)
	a := dialClient(t, srv)
	b := dialClient(t, srv)
	idA := a.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.1:5000"})
	idB := b.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.2:5000"})

	a.send(t, &protocol.ConnectRequest{RequesterID: idA, TargetID: idB})
	expect[*protocol.ConnectAck](t, a)

	// graceful drop while punching keeps the entry
	a.conn.Disconnect()
	require.Eventually(t, func() bool {
		s := srv.Sessions()
		return len(s) == 2 && s[0].ID == idA && !s[0].Connected
	}, waitTimeout, 10*time.Millisecond)

	a2 := dialClient(t, srv)
	got := a2.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.1:5000", ID: idA, ConnectedPeers: []int64{idB}})
	assert.Equal(t, idA, got)
	expectSnapshot(t, b, idA, idB)

	sessions := srv.Sessions()
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].Connected)
	assert.Equal(t, []int64{idB}, sessions[0].ConnectedPeers)

	// nothing evicts the restored entry
	assert.Zero(t, srv.reap(DefaultGraceWindow))
	assert.Equal(t, []int64{idA, idB}, sessionIDs(srv))
}

func TestServer_ClaimedIDAdvancesSequence(t *testing.T) {
	srv := startServer(t)
	a := dialClient(t, srv)
	b := dialClient(t, srv)

	assert.Equal(t, int64(5), a.identify(t, &protocol.Identity{ID: 5}))
	assert.Equal(t, int64(6), b.identify(t, &protocol.Identity{}))
}

func TestServer_ReplacesLiveSessionUnderSameID(t *testing.T) {
	srv := startServer(t)
	old := dialClient(t, srv)
	id := old.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.1:5000"})

	fresh := dialClient(t, srv)
	assert.Equal(t, id, fresh.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.1:5000", ID: id}))

	select {
	case <-old.down:
	case <-time.After(waitTimeout):
		t.Fatal("stale session was not dropped")
	}

	// the stale session's disconnect must not remove the fresh entry
	time.Sleep(50 * time.Millisecond)
	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.True(t, sessions[0].Connected)

	fresh.send(t, &protocol.Echo{Text: "still here"})
	assert.Equal(t, "still here", expect[*protocol.Echo](t, fresh).Text)
}

func TestServer_ReaperGraceWindow(t *testing.T) {
	srv := startServer(t)
	a := dialClient(t, srv)
	b := dialClient(t, srv)
	c := dialClient(t, srv)
	idA := a.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.1:5000"})
	idB := b.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.2:5000"})
	idC := c.identify(t, &protocol.Identity{PrivateEndpoint: "10.0.0.3:5000"})
	expectSnapshot(t, c, idA, idB, idC)

	a.send(t, &protocol.ConnectRequest{RequesterID: idA, TargetID: idB})
	expect[*protocol.ConnectAck](t, b)

	var snapshots atomic.Int32
	srv.OnSnapshot(func([]protocol.SessionInfo) { snapshots.Add(1) })

	a.conn.Disconnect()
	b.conn.Disconnect()
	require.Eventually(t, func() bool {
		n := 0
		for _, s := range srv.Sessions() {
			if !s.Connected {
				n++
			}
		}
		return n == 2
	}, waitTimeout, 10*time.Millisecond)
	require.Zero(t, snapshots.Load(), "kept sessions must not trigger a rebroadcast")

	for elapsed := time.Duration(0); elapsed < DefaultGraceWindow-DefaultReapInterval; elapsed += DefaultReapInterval {
		require.Zero(t, srv.reap(DefaultReapInterval))
	}
	assert.Equal(t, []int64{idA, idB, idC}, sessionIDs(srv))

	assert.Equal(t, 2, srv.reap(DefaultReapInterval))
	assert.Equal(t, int32(1), snapshots.Load(), "one rebroadcast per pass")
	assert.Equal(t, []int64{idC}, sessionIDs(srv))
	expectSnapshot(t, c, idC)
}

func TestServer_OperatorSurface(t *testing.T) {
	srv := startServer(t)
	a := dialClient(t, srv)
	b := dialClient(t, srv)
	idA := a.identify(t, &protocol.Identity{})
	b.identify(t, &protocol.Identity{})

	srv.Broadcast("maintenance soon")
	assert.Equal(t, "maintenance soon", expect[*protocol.ServerMessage](t, a).Text)
	assert.Equal(t, "maintenance soon", expect[*protocol.ServerMessage](t, b).Text)

	require.NoError(t, srv.SendTo(idA, "just you"))
	assert.Equal(t, "just you", expect[*protocol.ServerMessage](t, a).Text)

	assert.ErrorIs(t, srv.SendTo(42, "nobody"), ErrUnknownSession)
	assert.ErrorIs(t, srv.Kick(42), ErrUnknownSession)

	require.NoError(t, srv.Kick(idA))
	select {
	case graceful := <-a.down:
		assert.True(t, graceful)
	case <-time.After(waitTimeout):
		t.Fatal("kicked client still connected")
	}
	expectSnapshot(t, b, 2)
}

func TestServer_UnidentifiedConnectRequest(t *testing.T) {
	srv := startServer(t)
	a := dialClient(t, srv)

	a.send(t, &protocol.ConnectRequest{RequesterID: 1, TargetID: 2})
	assert.Equal(t, "Identify before requesting a connection.", expect[*protocol.ServerMessage](t, a).Text)
	assert.Empty(t, srv.Sessions())
}
