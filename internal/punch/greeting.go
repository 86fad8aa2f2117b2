package punch

import (
	"errors"
	"sync"

	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/transport"
	"github.com/1ureka/holepunch/internal/util"
)

var errNoHello = errors.New("closed before the peer said hello")

// link holds a punched connection until the remote's hello names it.
// Nothing reaches a strategy's hooks before admit has bound them, so a
// connection that turns out to lead to someone else never counts.
type link struct {
	conn  *transport.Conn
	admit func(l *link, sender int64) bool
	lost  func() // dropped before being admitted; may be nil

	mu      sync.Mutex
	hooks   *Hooks
	greeted bool
}

func newLink(conn *transport.Conn, admit func(*link, int64) bool, lost func()) *link {
	l := &link{conn: conn, admit: admit, lost: lost}
	conn.OnReceived(l.received)
	conn.OnDisconnected(l.disconnected)
	return l
}

// greet queues our hello. It has to go out before anything else.
func (l *link) greet(self int64) {
	if err := l.conn.SendAsync(&protocol.PunchHello{Sender: self}); err != nil {
		util.LogDebug("punch hello: %v", err)
	}
}

// bind routes later traffic to h. Only admit calls it.
func (l *link) bind(h Hooks) {
	l.mu.Lock()
	l.hooks = &h
	l.mu.Unlock()
}

func (l *link) bound() *Hooks {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hooks
}

func (l *link) received(m protocol.Message) {
	if h := l.bound(); h != nil {
		h.Received(m)
		return
	}

	l.mu.Lock()
	seen := l.greeted
	l.greeted = true
	l.mu.Unlock()

	hello, ok := m.(*protocol.PunchHello)
	if seen || !ok || !l.admit(l, hello.Sender) {
		l.conn.Disconnect()
	}
}

func (l *link) disconnected(graceful bool) {
	if h := l.bound(); h != nil {
		h.Disconnected(graceful)
		return
	}
	if l.lost != nil {
		l.lost()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Routes
// ──────────────────────────────────────────────────────────────────────────────

// Every listening strategy of a participant shares the rendezvous port, so
// the kernel may hand a dial to any of them. The one that accepts it looks
// up the listener waiting for the sender of the hello and passes it over.
type routeKey struct {
	port int
	peer int64
}

type routeTable struct {
	mu sync.Mutex
	m  map[routeKey]*listening
}

var routes = &routeTable{m: make(map[routeKey]*listening)}

func (t *routeTable) add(k routeKey, l *listening) {
	t.mu.Lock()
	t.m[k] = l
	t.mu.Unlock()
}

// remove drops k only while it still points at l.
func (t *routeTable) remove(k routeKey, l *listening) {
	t.mu.Lock()
	if t.m[k] == l {
		delete(t.m, k)
	}
	t.mu.Unlock()
}

func (t *routeTable) get(k routeKey) *listening {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[k]
}
