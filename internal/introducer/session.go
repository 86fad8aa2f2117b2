package introducer

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/transport"
	"github.com/1ureka/holepunch/internal/util"
)

// Session is the server-side state of one accepted connection. It becomes
// registered once its Identity arrives; until then id is zero.
type Session struct {
	srv  *Server
	conn *transport.Conn

	mu      sync.Mutex
	id      int64
	private string
	public  string
	peers   []int64

	holePunching atomic.Bool

	// unconnected accumulates how long the transport has been down. Owned
	// by the reaper; guarded by Server.mu.
	unconnected time.Duration
}

func newSession(srv *Server, conn *transport.Conn) *Session {
	return &Session{srv: srv, conn: conn}
}

func (s *Session) ID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) registered() bool { return s.ID() > 0 }

// Info is the snapshot entry of the session.
func (s *Session) Info() protocol.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.SessionInfo{ID: s.id, PrivateEndpoint: s.private, PublicEndpoint: s.public}
}

func (s *Session) Summary() SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSummary{
		ID:              s.id,
		PrivateEndpoint: s.private,
		PublicEndpoint:  s.public,
		Connected:       s.conn.IsConnected(),
		HolePunching:    s.holePunching.Load(),
		ConnectedPeers:  slices.Clone(s.peers),
	}
}

func (s *Session) setPeers(peers []int64) {
	s.mu.Lock()
	s.peers = slices.Clone(peers)
	s.mu.Unlock()
}

// send queues m; a session whose transport is down is skipped.
func (s *Session) send(m protocol.Message) {
	if err := s.conn.SendAsync(m); err != nil {
		util.LogDebug("%s: skip %s: %v", s, protocol.Name(m.Type()), err)
	}
}

func (s *Session) notice(format string, args ...any) {
	s.send(&protocol.ServerMessage{Text: fmt.Sprintf(format, args...)})
}

func (s *Session) String() string {
	if id := s.ID(); id > 0 {
		return fmt.Sprintf("session %d", id)
	}
	return s.conn.Tag().String()
}
