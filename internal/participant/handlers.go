package participant

import (
	"fmt"

	"github.com/1ureka/holepunch/internal/dispatch"
	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/util"
)

func newDispatcher() *dispatch.Dispatcher[*Participant] {
	d := dispatch.New[*Participant]()
	dispatch.Handle(d, protocol.TypeSessionList, (*Participant).handleSessionList)
	dispatch.Handle(d, protocol.TypeRefreshReply, (*Participant).handleRefreshReply)
	dispatch.Handle(d, protocol.TypeConnectAck, (*Participant).handleConnectAck)
	dispatch.Handle(d, protocol.TypeEcho, (*Participant).handleEcho)
	dispatch.Handle(d, protocol.TypeServerMessage, (*Participant).handleServerMessage)
	return d
}

func (p *Participant) handleSessionList(m *protocol.SessionList) {
	p.UpdatePeers(m.Sessions)
}

func (p *Participant) handleRefreshReply(m *protocol.RefreshReply) {
	p.mu.Lock()
	first := p.id <= 0
	p.id = m.Info.ID
	p.public = m.Info.PublicEndpoint
	p.mu.Unlock()

	if first {
		util.LogSuccess("registered as %d (public %s)", m.Info.ID, m.Info.PublicEndpoint)
	} else {
		util.LogDebug("identity refreshed: %d (public %s)", m.Info.ID, m.Info.PublicEndpoint)
	}
}

func (p *Participant) handleConnectAck(m *protocol.ConnectAck) {
	util.LogInfo("introducer paired us with %d", m.TargetID)
	p.startPunch(m.TargetID)
}

func (p *Participant) handleEcho(m *protocol.Echo) {
	util.LogInfo("introducer echoed: %s", m.Text)
	p.emitNotice(fmt.Sprintf("echo: %s", m.Text))
}

func (p *Participant) handleServerMessage(m *protocol.ServerMessage) {
	util.LogInfo("introducer says: %s", m.Text)
	p.emitNotice(m.Text)
}
