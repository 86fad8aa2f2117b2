package punch

import (
	"github.com/1ureka/holepunch/internal/dispatch"
	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/util"
)

// peerDispatcher handles messages arriving on a resolved peer connection.
var peerDispatcher = newPeerDispatcher()

func newPeerDispatcher() *dispatch.Dispatcher[*Peer] {
	d := dispatch.New[*Peer]()
	dispatch.Handle(d, protocol.TypeP2PEcho, (*Peer).handleP2PEcho)
	return d
}

// handleP2PEcho bounces a message back once, marked as the echo.
func (p *Peer) handleP2PEcho(m *protocol.P2PEcho) {
	if m.Echo {
		util.LogInfo("peer %d echoed: %s", m.Sender, m.Text)
		return
	}
	util.LogInfo("peer %d says: %s", m.Sender, m.Text)
	p.TrySend(&protocol.P2PEcho{Sender: p.cfg.Self, Text: m.Text, Echo: true})
}
