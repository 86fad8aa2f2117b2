package punch

import (
	"context"
	"net"
	"sync"

	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/transport"
	"github.com/1ureka/holepunch/internal/util"
)

// listening accepts the peer's inbound dial on our rendezvous port. It keeps
// exactly one connection, and only one whose hello names the peer.
type listening struct {
	self  int64
	route routeKey
	hosts map[string]bool // remote IPs we accept; empty accepts any
	hooks Hooks

	mu      sync.Mutex
	stopped bool
	ln      net.Listener
	conn    *transport.Conn
	greeted []*link // accepted here, maybe still waiting for a hello
}

func newListening(info protocol.SessionInfo, cfg *Config, hooks Hooks) *listening {
	l := &listening{
		self:  cfg.Self,
		route: routeKey{port: cfg.LocalPort, peer: info.ID},
		hosts: make(map[string]bool),
		hooks: hooks,
	}
	for _, ep := range []string{info.PublicEndpoint, info.PrivateEndpoint} {
		if host, _, err := net.SplitHostPort(ep); err == nil {
			l.hosts[host] = true
		}
	}
	return l
}

func (l *listening) Slot() Slot { return SlotListening }

func (l *listening) StartHandshake() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.ln != nil {
		return
	}
	ln, err := transport.Listen(context.Background(), l.route.port)
	if err != nil {
		util.LogWarning("listening punch: %v", err)
		return
	}
	l.ln = ln
	routes.add(l.route, l)
	util.LogDebug("listening punch: waiting for peer %d on %s", l.route.peer, ln.Addr())
	go l.acceptLoop(ln)
}

// acceptLoop greets whatever arrives until the listener is closed. Each
// connection is handed to the listener its hello asks for.
func (l *listening) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn := transport.FromNetConn(nc)
		lk := newLink(conn, l.forward, nil)
		l.mu.Lock()
		stopped := l.stopped
		if !stopped {
			l.greeted = append(l.greeted, lk)
		}
		l.mu.Unlock()
		if stopped {
			conn.Disconnect()
			return
		}
		lk.greet(l.self)
		conn.BeginReceiving()
	}
}

func (l *listening) forward(lk *link, sender int64) bool {
	owner := routes.get(routeKey{port: l.route.port, peer: sender})
	if owner == nil {
		util.LogDebug("listening punch: nobody waits for peer %d", sender)
		return false
	}
	return owner.adopt(lk)
}

// adopt takes lk as this strategy's connection and stops listening.
func (l *listening) adopt(lk *link) bool {
	remote := lk.conn.RemoteAddr()
	if remote == nil || !l.expected(remote) {
		util.LogDebug("listening punch: rejecting %v for peer %d", remote, l.route.peer)
		return false
	}

	l.mu.Lock()
	if l.stopped || l.conn != nil {
		l.mu.Unlock()
		return false
	}
	l.conn = lk.conn
	ln := l.ln
	l.mu.Unlock()

	routes.remove(l.route, l)
	if ln != nil {
		ln.Close()
	}
	lk.bind(l.hooks)
	util.LogDebug("listening punch: accepted peer %d from %s", l.route.peer, remote)
	l.hooks.Connected()
	return true
}

func (l *listening) expected(addr net.Addr) bool {
	if len(l.hosts) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	return err == nil && l.hosts[host]
}

// StopHandshake closes the listener and every accepted connection that
// has not been handed to anyone.
func (l *listening) StopHandshake() {
	l.mu.Lock()
	l.stopped = true
	ln := l.ln
	greeted := l.greeted
	l.greeted = nil
	l.mu.Unlock()

	routes.remove(l.route, l)
	if ln != nil {
		ln.Close()
	}
	for _, lk := range greeted {
		if lk.bound() == nil {
			lk.conn.Disconnect()
		}
	}
}

func (l *listening) IsConnected() bool {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	return conn != nil && conn.IsConnected()
}

func (l *listening) Disconnect() {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
}

func (l *listening) TrySend(m protocol.Message) bool {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	return conn != nil && conn.SendAsync(m) == nil
}
