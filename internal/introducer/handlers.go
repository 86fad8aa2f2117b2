package introducer

import (
	"github.com/1ureka/holepunch/internal/dispatch"
	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/util"
)

func newDispatcher() *dispatch.Dispatcher[*Session] {
	d := dispatch.New[*Session]()
	dispatch.Handle(d, protocol.TypeIdentity, (*Session).handleIdentity)
	dispatch.Handle(d, protocol.TypeEcho, (*Session).handleEcho)
	dispatch.Handle(d, protocol.TypeSessionListRequest, (*Session).handleSessionListRequest)
	dispatch.Handle(d, protocol.TypeRefreshRequest, (*Session).handleRefreshRequest)
	dispatch.Handle(d, protocol.TypeConnectRequest, (*Session).handleConnectRequest)
	dispatch.Handle(d, protocol.TypeConnectSuccess, (*Session).handleConnectSuccess)
	dispatch.Handle(d, protocol.TypeP2PDisconnected, (*Session).handleP2PDisconnected)
	return d
}

func (s *Session) handleIdentity(m *protocol.Identity) {
	if s.registered() {
		util.LogWarning("%s sent a second identity, ignoring", s)
		s.send(&protocol.RefreshReply{Info: s.Info()})
		return
	}

	id := s.srv.assignID(m.ID)
	public := ""
	if addr := s.conn.RemoteAddr(); addr != nil {
		public = addr.String()
	}

	s.mu.Lock()
	s.id = id
	s.private = m.PrivateEndpoint
	s.public = public
	s.peers = append([]int64(nil), m.ConnectedPeers...)
	s.mu.Unlock()

	if m.HasID() {
		util.LogSuccess("session %d re-identified from %s (private %s, peers %v)", id, public, m.PrivateEndpoint, m.ConnectedPeers)
	} else {
		util.LogSuccess("session %d registered from %s (private %s)", id, public, m.PrivateEndpoint)
	}

	s.send(&protocol.RefreshReply{Info: s.Info()})
	s.srv.register(s)
	s.srv.broadcastSnapshot()
}

func (s *Session) handleEcho(m *protocol.Echo) {
	util.LogInfo("%s echo: %s", s, m.Text)
	s.send(&protocol.Echo{Text: m.Text})
}

func (s *Session) handleSessionListRequest(*protocol.SessionListRequest) {
	list, _ := s.srv.snapshot()
	s.send(list)
}

func (s *Session) handleRefreshRequest(*protocol.RefreshRequest) {
	s.send(&protocol.RefreshReply{Info: s.Info()})
}

func (s *Session) handleConnectRequest(m *protocol.ConnectRequest) {
	if !s.registered() {
		s.notice("Identify before requesting a connection.")
		return
	}
	self := s.ID()
	if m.RequesterID != self {
		util.LogDebug("%s requested as %d, using %d", s, m.RequesterID, self)
	}
	if m.TargetID == self {
		s.notice("Cannot connect to yourself.")
		return
	}

	target, ok := s.srv.lookup(m.TargetID)
	if !ok {
		s.notice("Id %d does not exist.", m.TargetID)
		return
	}

	s.holePunching.Store(true)
	target.holePunching.Store(true)
	util.LogInfo("introducing session %d ↔ session %d", self, m.TargetID)

	s.send(&protocol.ConnectAck{TargetID: m.TargetID})
	target.send(&protocol.ConnectAck{TargetID: self})
}

func (s *Session) handleConnectSuccess(m *protocol.ConnectSuccess) {
	s.setPeers(m.ConnectedPeers)
	s.holePunching.Store(false)
	util.LogSuccess("%s connected to peer %d (peers %v)", s, m.TargetID, m.ConnectedPeers)
}

func (s *Session) handleP2PDisconnected(m *protocol.P2PDisconnected) {
	s.setPeers(m.ConnectedPeers)
	util.LogInfo("%s lost a peer (peers %v)", s, m.ConnectedPeers)
}
