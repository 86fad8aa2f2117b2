// Package participant is the client shell: it keeps the link to the
// introducer alive, mirrors the session table as a set of punch.Peer
// records and reports punch outcomes back to the server.
package participant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/holepunch/internal/dispatch"
	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/punch"
	"github.com/1ureka/holepunch/internal/transport"
	"github.com/1ureka/holepunch/internal/util"
)

const (
	DefaultConnectTimeout = time.Second
	DefaultReconnectDelay = 2 * time.Second
)

var (
	ErrNotRegistered    = errors.New("participant: no id assigned yet")
	ErrUnknownPeer      = errors.New("participant: unknown peer")
	ErrPeerNotConnected = errors.New("participant: peer not connected")
	ErrPeerConnected    = errors.New("participant: peer already connected")
	ErrClosed           = errors.New("participant: closed")
)

type Options struct {
	ServerAddr     string        // introducer address, e.g. "203.0.113.5:9999"
	ConnectTimeout time.Duration // bound on each connect to the introducer
	ReconnectDelay time.Duration // wait before redialing a dropped link
	Clock          clock.Clock

	// Punch carries the strategy settings for every peer. Self and
	// LocalPort are filled in per peer.
	Punch punch.Config
}

func (o *Options) withDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Punch.Clock == nil {
		o.Punch.Clock = o.Clock
	}
}

// Participant owns the rendezvous link and the peer table. The link's local
// port is the rendezvous port every punch strategy binds to, and it is kept
// across reconnects.
type Participant struct {
	opts       Options
	dispatcher *dispatch.Dispatcher[*Participant]

	mu        sync.Mutex
	conn      *transport.Conn
	localPort int
	private   string
	id        int64
	public    string
	peers     map[int64]*punch.Peer
	pending   []protocol.Message // reports waiting for the link to come back
	closed    bool
	left      bool // link closed on request; no redial until Connect
	redialing *clock.Timer

	lmu                sync.RWMutex
	onNotice           []func(string)
	onServerMessage    []func(protocol.Message)
	onPeerConnected    []func(int64)
	onPeerDisconnected []func(int64, bool)
	onPeerMessage      []func(int64, protocol.Message)
}

func New(opts Options) *Participant {
	opts.withDefaults()
	return &Participant{
		opts:       opts,
		dispatcher: newDispatcher(),
		peers:      make(map[int64]*punch.Peer),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Listeners
// ──────────────────────────────────────────────────────────────────────────────

// OnNotice fires for echo replies and operator messages from the introducer.
func (p *Participant) OnNotice(fn func(text string)) {
	p.lmu.Lock()
	p.onNotice = append(p.onNotice, fn)
	p.lmu.Unlock()
}

// OnServerMessage fires for every message from the introducer, after the
// participant handled it.
func (p *Participant) OnServerMessage(fn func(protocol.Message)) {
	p.lmu.Lock()
	p.onServerMessage = append(p.onServerMessage, fn)
	p.lmu.Unlock()
}

func (p *Participant) OnPeerConnected(fn func(id int64)) {
	p.lmu.Lock()
	p.onPeerConnected = append(p.onPeerConnected, fn)
	p.lmu.Unlock()
}

func (p *Participant) OnPeerDisconnected(fn func(id int64, graceful bool)) {
	p.lmu.Lock()
	p.onPeerDisconnected = append(p.onPeerDisconnected, fn)
	p.lmu.Unlock()
}

func (p *Participant) OnPeerMessage(fn func(id int64, m protocol.Message)) {
	p.lmu.Lock()
	p.onPeerMessage = append(p.onPeerMessage, fn)
	p.lmu.Unlock()
}

func (p *Participant) emitNotice(text string) {
	p.lmu.RLock()
	fns := p.onNotice
	p.lmu.RUnlock()
	for _, fn := range fns {
		fn(text)
	}
}

func (p *Participant) emitServerMessage(m protocol.Message) {
	p.lmu.RLock()
	fns := p.onServerMessage
	p.lmu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (p *Participant) emitPeerConnected(id int64) {
	p.lmu.RLock()
	fns := p.onPeerConnected
	p.lmu.RUnlock()
	for _, fn := range fns {
		fn(id)
	}
}

func (p *Participant) emitPeerDisconnected(id int64, graceful bool) {
	p.lmu.RLock()
	fns := p.onPeerDisconnected
	p.lmu.RUnlock()
	for _, fn := range fns {
		fn(id, graceful)
	}
}

func (p *Participant) emitPeerMessage(id int64, m protocol.Message) {
	p.lmu.RLock()
	fns := p.onPeerMessage
	p.lmu.RUnlock()
	for _, fn := range fns {
		fn(id, m)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Rendezvous link
// ──────────────────────────────────────────────────────────────────────────────

// Connect dials the introducer, blocking up to ConnectTimeout, and
// identifies. The first connect picks an ephemeral local port; later ones
// reuse it. Connect also resumes after Leave.
func (p *Participant) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.conn != nil {
		p.mu.Unlock()
		return transport.ErrInUse
	}
	p.left = false
	port := p.localPort
	p.mu.Unlock()

	return p.dial(ctx, port)
}

func (p *Participant) dial(ctx context.Context, port int) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	conn := transport.Dial(
		transport.WithLocalPort(port),
		transport.WithDialTimeout(p.opts.ConnectTimeout),
	)
	conn.OnConnected(func() { p.linkUp(conn) })
	conn.OnReceived(func(m protocol.Message) { p.received(m) })
	conn.OnDisconnected(func(graceful bool) { p.linkLost(conn, graceful) })

	if err := conn.Connect(ctx, p.opts.ServerAddr); err != nil {
		return fmt.Errorf("failed to reach introducer: %w", err)
	}
	return nil
}

// linkUp identifies on a fresh link and flushes queued reports behind the
// identity. Sends only enqueue, so they run under mu to keep that order
// against concurrent reports.
func (p *Participant) linkUp(conn *transport.Conn) {
	local := conn.LocalAddr()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.left {
		conn.Disconnect()
		return
	}
	p.localPort = transport.Port(local)
	p.private = local.String()

	ident := &protocol.Identity{PrivateEndpoint: p.private}
	if p.id > 0 {
		ident.ID = p.id
		ident.ConnectedPeers = connectedIDs(p.peerList())
	}
	if err := conn.SendAsync(ident); err != nil {
		// the link is useless unregistered; start over
		util.LogWarning("failed to identify to introducer: %v", err)
		conn.Disconnect()
		p.scheduleRedialLocked()
		return
	}
	p.conn = conn
	p.pending = sendAll(conn, p.pending)

	util.LogSuccess("connected to introducer %s from %s", conn.RemoteAddr(), local)
}

func (p *Participant) received(m protocol.Message) {
	if !p.dispatcher.Dispatch(p, m) {
		util.LogDebug("introducer: no handler for %s", protocol.Name(m.Type()))
	}
	p.emitServerMessage(m)
}

// linkLost schedules a redial from the same local port unless the
// participant was closed.
func (p *Participant) linkLost(conn *transport.Conn, graceful bool) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	if p.closed || p.left {
		p.mu.Unlock()
		return
	}
	p.scheduleRedialLocked()
	p.mu.Unlock()

	util.LogWarning("lost introducer link (graceful=%t), redialing in %v", graceful, p.opts.ReconnectDelay)
}

func (p *Participant) scheduleRedialLocked() {
	if p.closed || p.left || p.conn != nil {
		return
	}
	p.redialing = p.opts.Clock.AfterFunc(p.opts.ReconnectDelay, p.redial)
}

func (p *Participant) redial() {
	p.mu.Lock()
	if p.closed || p.left || p.conn != nil {
		p.mu.Unlock()
		return
	}
	port := p.localPort
	p.mu.Unlock()

	err := p.dial(context.Background(), port)
	if err == nil {
		return
	}
	util.LogWarning("%v, retrying in %v", err, p.opts.ReconnectDelay)

	p.mu.Lock()
	p.scheduleRedialLocked()
	p.mu.Unlock()
}

// sendAll queues msgs in order and returns the ones that could not be
// queued, starting at the first failure.
func sendAll(conn messageSender, msgs []protocol.Message) []protocol.Message {
	for i, m := range msgs {
		if err := conn.SendAsync(m); err != nil {
			util.LogWarning("keeping %d queued reports: %v", len(msgs)-i, err)
			return msgs[i:]
		}
	}
	return nil
}

type messageSender interface {
	SendAsync(m protocol.Message) error
}

func (p *Participant) send(m protocol.Message) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}
	return conn.SendAsync(m)
}

// report sends a peer status update. When the link is down, a report with
// queue set waits for the next identity; others are dropped because the
// identity carries the peer set anyway.
func (p *Participant) report(m protocol.Message, queue bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.conn != nil {
		err := p.conn.SendAsync(m)
		if err == nil {
			return
		}
		util.LogDebug("report %s: %v", protocol.Name(m.Type()), err)
	}
	if queue {
		p.pending = append(p.pending, m)
	}
}

// Leave closes the introducer link and stops redialing until Connect is
// called again. Direct peer connections are kept.
func (p *Participant) Leave() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.left = true
	if p.redialing != nil {
		p.redialing.Stop()
	}
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn == nil {
		return transport.ErrNotConnected
	}
	util.LogInfo("leaving introducer %s", conn.RemoteAddr())
	conn.Disconnect()
	return nil
}

// Close stops reconnecting, drops every peer and closes the link.
func (p *Participant) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.redialing != nil {
		p.redialing.Stop()
	}
	conn := p.conn
	peers := p.peerList()
	p.mu.Unlock()

	for _, peer := range peers {
		peer.Disconnect()
	}
	if conn != nil {
		conn.Disconnect()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Peer table
// ──────────────────────────────────────────────────────────────────────────────

// UpdatePeers applies a session snapshot: peers missing from it are
// disconnected and forgotten, new ones are added and known ones refreshed.
func (p *Participant) UpdatePeers(infos []protocol.SessionInfo) {
	p.mu.Lock()
	self := p.id
	listed := make(map[int64]bool, len(infos))
	var refresh []protocol.SessionInfo
	for _, info := range infos {
		if info.ID == self {
			continue
		}
		listed[info.ID] = true
		if _, ok := p.peers[info.ID]; ok {
			refresh = append(refresh, info)
			continue
		}
		p.peers[info.ID] = p.newPeerLocked(info)
		util.LogInfo("participant %d (%s) joined", info.ID, info.PublicEndpoint)
	}
	var gone []*punch.Peer
	for id, peer := range p.peers {
		if !listed[id] {
			delete(p.peers, id)
			gone = append(gone, peer)
		}
	}
	known := make([]*punch.Peer, 0, len(refresh))
	for _, info := range refresh {
		known = append(known, p.peers[info.ID])
	}
	p.mu.Unlock()

	for _, peer := range gone {
		util.LogInfo("participant %d left", peer.ID())
		peer.Disconnect()
	}
	for i, peer := range known {
		peer.Update(refresh[i])
	}
}

func (p *Participant) newPeerLocked(info protocol.SessionInfo) *punch.Peer {
	cfg := p.opts.Punch
	cfg.Self = p.id
	cfg.LocalPort = p.localPort

	peer := punch.New(cfg, info)
	peer.OnConnected(p.peerConnected)
	peer.OnDisconnected(p.peerDisconnected)
	peer.OnMessage(func(peer *punch.Peer, m protocol.Message) { p.emitPeerMessage(peer.ID(), m) })
	return peer
}

func (p *Participant) peerConnected(peer *punch.Peer) {
	id := peer.ID()
	connected := p.ConnectedPeers()
	util.Stats.SetActive(len(connected))
	p.report(&protocol.ConnectSuccess{TargetID: id, ConnectedPeers: connected}, true)
	p.emitPeerConnected(id)
}

func (p *Participant) peerDisconnected(peer *punch.Peer, graceful bool) {
	id := peer.ID()
	if graceful {
		util.LogInfo("peer %d disconnected", id)
	} else {
		util.LogWarning("peer %d dropped", id)
	}
	connected := p.ConnectedPeers()
	util.Stats.SetActive(len(connected))
	p.report(&protocol.P2PDisconnected{ConnectedPeers: connected}, false)
	p.emitPeerDisconnected(id, graceful)
}

// startPunch begins the local race once the introducer acknowledged it.
func (p *Participant) startPunch(id int64) {
	peer, ok := p.peer(id)
	if !ok {
		util.LogWarning("connect ack for unknown peer %d", id)
		return
	}
	if peer.IsConnected() {
		util.LogWarning("connect ack for peer %d, already connected", id)
		return
	}
	peer.StartHolePunch()
}

func (p *Participant) peer(id int64) (*punch.Peer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.peers[id]
	return peer, ok
}

// peerList copies the table ordered by id. The caller holds mu.
func (p *Participant) peerList() []*punch.Peer {
	ids := make([]int64, 0, len(p.peers))
	for id := range p.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*punch.Peer, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.peers[id])
	}
	return out
}

func (p *Participant) peersSnapshot() []*punch.Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerList()
}

func connectedIDs(peers []*punch.Peer) []int64 {
	var ids []int64
	for _, peer := range peers {
		if peer.IsConnected() {
			ids = append(ids, peer.ID())
		}
	}
	return ids
}

// ──────────────────────────────────────────────────────────────────────────────
// Collaborator surface
// ──────────────────────────────────────────────────────────────────────────────

func (p *Participant) ID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Participant) PublicEndpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.public
}

func (p *Participant) PrivateEndpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.private
}

// IsConnected reports whether the introducer link is up.
func (p *Participant) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// ConnectedPeers returns the ids of peers with a resolved connection.
func (p *Participant) ConnectedPeers() []int64 {
	return connectedIDs(p.peersSnapshot())
}

func (p *Participant) ListPeers() []punch.Summary {
	peers := p.peersSnapshot()
	out := make([]punch.Summary, 0, len(peers))
	for _, peer := range peers {
		out = append(out, peer.Summary())
	}
	return out
}

// ConnectToPeer asks the introducer to start a punch with id. Both sides
// start racing when the acknowledgement arrives.
func (p *Participant) ConnectToPeer(id int64) error {
	peer, ok := p.peer(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	if peer.IsConnected() {
		return fmt.Errorf("%w: %d", ErrPeerConnected, id)
	}
	self := p.ID()
	if self <= 0 {
		return ErrNotRegistered
	}
	return p.send(&protocol.ConnectRequest{RequesterID: self, TargetID: id})
}

// SendToPeer sends text over the direct connection to id.
func (p *Participant) SendToPeer(id int64, text string) error {
	peer, ok := p.peer(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	if !peer.TrySend(&protocol.P2PEcho{Sender: p.ID(), Text: text}) {
		return fmt.Errorf("%w: %d", ErrPeerNotConnected, id)
	}
	return nil
}

func (p *Participant) DisconnectPeer(id int64) error {
	peer, ok := p.peer(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	peer.Disconnect()
	return nil
}

func (p *Participant) DisconnectAll() {
	for _, peer := range p.peersSnapshot() {
		peer.Disconnect()
	}
}

// Echo asks the introducer to send text back.
func (p *Participant) Echo(text string) error {
	return p.send(&protocol.Echo{Text: text})
}

func (p *Participant) RefreshInfo() error {
	return p.send(&protocol.RefreshRequest{})
}

func (p *Participant) RequestSessions() error {
	return p.send(&protocol.SessionListRequest{})
}
