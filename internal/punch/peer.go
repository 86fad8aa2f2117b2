package punch

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/holepunch/internal/dispatch"
	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/util"
)

const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 1500 * time.Millisecond
	DefaultDialTimeout = 3 * time.Second
	DefaultSelectWait  = 5 * time.Second
)

// Config describes the local side of every strategy a Peer builds.
type Config struct {
	Self        int64 // our session id; the lower id decides the winner
	LocalPort   int   // rendezvous port shared by the listener and the dialers
	MaxAttempts int   // dial attempts per connecting strategy
	RetryDelay  time.Duration
	DialTimeout time.Duration
	SelectWait  time.Duration // how long a follower holds connections without a select
	Clock       clock.Clock

	// NewStrategy overrides the socket-backed strategies.
	NewStrategy StrategyFactory
}

func (c *Config) withDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.SelectWait <= 0 {
		c.SelectWait = DefaultSelectWait
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

func (c *Config) strategy(slot Slot, info protocol.SessionInfo, hooks Hooks) Strategy {
	if c.NewStrategy != nil {
		return c.NewStrategy(slot, info, hooks)
	}
	switch slot {
	case SlotListening:
		return newListening(info, c, hooks)
	case SlotPublic:
		return newConnecting(slot, info.PublicEndpoint, info.ID, c, hooks)
	default:
		return newConnecting(slot, info.PrivateEndpoint, info.ID, c, hooks)
	}
}

// Summary is the collaborator view of a peer.
type Summary struct {
	ID              int64
	PrivateEndpoint string
	PublicEndpoint  string
	Slot            Slot
	Connected       bool
	Punching        bool
}

// Peer is the local record of one remote participant. All state sits
// behind mu; each StartHolePunch or endpoint change opens a new generation
// of strategies, and callbacks from older generations only tear their own
// connection down.
type Peer struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher[*Peer]

	mu         sync.Mutex
	info       protocol.SessionInfo
	strategies [3]Strategy
	generation uint64
	resolved   Slot
	punching   bool
	selectWait *clock.Timer // armed while a follower holds unselected connections

	lmu            sync.RWMutex
	onConnected    []func(*Peer)
	onDisconnected []func(*Peer, bool)
	onMessage      []func(*Peer, protocol.Message)
}

func New(cfg Config, info protocol.SessionInfo) *Peer {
	cfg.withDefaults()
	p := &Peer{cfg: cfg, dispatcher: peerDispatcher, resolved: SlotNone, info: info}
	p.buildLocked()
	return p
}

// ──────────────────────────────────────────────────────────────────────────────
// Listeners
// ──────────────────────────────────────────────────────────────────────────────

// OnConnected fires once per resolved connection.
func (p *Peer) OnConnected(fn func(*Peer)) {
	p.lmu.Lock()
	p.onConnected = append(p.onConnected, fn)
	p.lmu.Unlock()
}

// OnDisconnected fires when the resolved connection is lost.
func (p *Peer) OnDisconnected(fn func(p *Peer, graceful bool)) {
	p.lmu.Lock()
	p.onDisconnected = append(p.onDisconnected, fn)
	p.lmu.Unlock()
}

// OnMessage fires for every message arriving on the resolved connection,
// after the peer's own handlers ran.
func (p *Peer) OnMessage(fn func(*Peer, protocol.Message)) {
	p.lmu.Lock()
	p.onMessage = append(p.onMessage, fn)
	p.lmu.Unlock()
}

func (p *Peer) emitConnected() {
	p.lmu.RLock()
	fns := p.onConnected
	p.lmu.RUnlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (p *Peer) emitDisconnected(graceful bool) {
	p.lmu.RLock()
	fns := p.onDisconnected
	p.lmu.RUnlock()
	for _, fn := range fns {
		fn(p, graceful)
	}
}

func (p *Peer) emitMessage(m protocol.Message) {
	p.lmu.RLock()
	fns := p.onMessage
	p.lmu.RUnlock()
	for _, fn := range fns {
		fn(p, m)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// strategyRef ties a strategy to the generation and slot it was built for,
// so its callbacks can be told apart from a newer generation's.
type strategyRef struct {
	gen  uint64
	slot Slot
	s    Strategy
}

// buildLocked opens a new generation of strategies against p.info. Nothing
// touches the network until StartHandshake.
func (p *Peer) buildLocked() {
	p.generation++
	for i, slot := range slots {
		ref := &strategyRef{gen: p.generation, slot: slot}
		ref.s = p.cfg.strategy(slot, p.info, p.hooks(ref))
		p.strategies[i] = ref.s
	}
}

func (p *Peer) hooks(ref *strategyRef) Hooks {
	return Hooks{
		Connected:    func() { p.strategyConnected(ref) },
		Received:     func(m protocol.Message) { p.strategyReceived(ref, m) },
		Disconnected: func(graceful bool) { p.strategyDisconnected(ref, graceful) },
	}
}

// Update applies fresh endpoint information from a snapshot. A connected
// peer ignores it; identical information changes nothing; otherwise any
// punch is stopped, any connection dropped and a new generation built.
func (p *Peer) Update(info protocol.SessionInfo) {
	p.mu.Lock()
	if p.connectedLocked() || info == p.info {
		p.mu.Unlock()
		return
	}
	util.LogDebug("peer %d: endpoints changed (%s / %s)", info.ID, info.PublicEndpoint, info.PrivateEndpoint)
	p.stopLocked()
	dropped := p.dropLocked()
	p.info = info
	p.buildLocked()
	p.mu.Unlock()

	if dropped {
		p.emitDisconnected(true)
	}
}

// StartHolePunch drops any existing connection and races a fresh
// generation of all three strategies.
func (p *Peer) StartHolePunch() {
	p.mu.Lock()
	p.stopLocked()
	dropped := p.dropLocked()
	p.buildLocked()
	p.punching = true
	strategies := p.strategies
	info := p.info
	p.mu.Unlock()

	if dropped {
		p.emitDisconnected(true)
	}
	util.LogInfo("peer %d: hole punching (%s / %s)", info.ID, info.PublicEndpoint, info.PrivateEndpoint)
	for _, s := range strategies {
		s.StartHandshake()
	}
}

// StopHolePunch halts the race but keeps a resolved connection.
func (p *Peer) StopHolePunch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Disconnect stops punching and closes the resolved connection, reporting
// the loss through OnDisconnected.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	p.stopLocked()
	dropped := p.dropLocked()
	p.mu.Unlock()

	if dropped {
		p.emitDisconnected(true)
	}
}

// stopLocked halts every strategy except the resolved one and closes any
// connection they already made.
func (p *Peer) stopLocked() {
	for _, s := range p.strategies {
		if s.Slot() != p.resolved {
			s.StopHandshake()
			s.Disconnect()
		}
	}
	p.punching = false
	if p.selectWait != nil {
		p.selectWait.Stop()
		p.selectWait = nil
	}
}

// dropLocked closes the resolved connection and clears the slot. The
// transport's own disconnect callback is then ignored, so the caller
// reports the loss when it returns true.
func (p *Peer) dropLocked() bool {
	if p.resolved == SlotNone {
		return false
	}
	p.strategies[p.resolved].Disconnect()
	p.resolved = SlotNone
	return true
}

func (p *Peer) connectedLocked() bool {
	return p.resolved != SlotNone && p.strategies[p.resolved].IsConnected()
}

// ──────────────────────────────────────────────────────────────────────────────
// Race resolution
// ──────────────────────────────────────────────────────────────────────────────

// decider reports whether this side picks the winning connection.
func (p *Peer) decider() bool { return p.cfg.Self < p.info.ID }

func (p *Peer) strategyConnected(ref *strategyRef) {
	p.mu.Lock()
	if ref.gen != p.generation || p.resolved != SlotNone || !p.punching {
		id := p.info.ID
		p.mu.Unlock()
		util.LogDebug("peer %d: dropping late %s connection", id, ref.slot)
		ref.s.Disconnect()
		return
	}
	if !p.decider() {
		// held until the decider names the connection it kept
		if p.selectWait == nil {
			gen := ref.gen
			p.selectWait = p.cfg.Clock.AfterFunc(p.cfg.SelectWait, func() { p.selectExpired(gen) })
		}
		p.mu.Unlock()
		return
	}
	p.resolveLocked(ref.slot)
	// queued behind the hello, ahead of any payload on the winner
	ref.s.TrySend(&protocol.PunchSelect{Sender: p.cfg.Self})
	p.mu.Unlock()

	p.emitConnected()
}

// resolveLocked records slot as the winner and shuts the other strategies.
func (p *Peer) resolveLocked(slot Slot) {
	p.resolved = slot
	p.stopLocked()
	util.LogSuccess("peer %d: connected via %s", p.info.ID, slot)
}

func (p *Peer) strategyReceived(ref *strategyRef, m protocol.Message) {
	if sel, ok := m.(*protocol.PunchSelect); ok {
		p.selected(ref, sel)
		return
	}

	p.mu.Lock()
	current := ref.gen == p.generation && p.resolved == ref.slot
	p.mu.Unlock()
	if !current {
		return
	}
	p.dispatcher.Dispatch(p, m)
	p.emitMessage(m)
}

// selected resolves the follower side on the connection the decider chose.
func (p *Peer) selected(ref *strategyRef, m *protocol.PunchSelect) {
	p.mu.Lock()
	if ref.gen != p.generation || p.resolved != SlotNone || !p.punching ||
		p.decider() || m.Sender != p.info.ID {
		p.mu.Unlock()
		return
	}
	p.resolveLocked(ref.slot)
	p.mu.Unlock()

	p.emitConnected()
}

// selectExpired gives up on a punch whose decider never picked one of the
// connections we hold.
func (p *Peer) selectExpired(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation || p.resolved != SlotNone || !p.punching {
		return
	}
	util.LogWarning("peer %d: no connection selected within %v", p.info.ID, p.cfg.SelectWait)
	p.stopLocked()
}

func (p *Peer) strategyDisconnected(ref *strategyRef, graceful bool) {
	p.mu.Lock()
	if ref.gen != p.generation || p.resolved != ref.slot {
		p.mu.Unlock()
		return
	}
	p.resolved = SlotNone
	id := p.info.ID
	p.mu.Unlock()

	util.LogInfo("peer %d: connection lost (graceful=%t)", id, graceful)
	p.emitDisconnected(graceful)
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────────────────────────

func (p *Peer) ID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.ID
}

func (p *Peer) Info() protocol.SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

func (p *Peer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectedLocked()
}

func (p *Peer) Punching() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.punching
}

func (p *Peer) Resolved() Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}

// TrySend queues m on the resolved connection and reports whether it could.
func (p *Peer) TrySend(m protocol.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved == SlotNone {
		return false
	}
	return p.strategies[p.resolved].TrySend(m)
}

func (p *Peer) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Summary{
		ID:              p.info.ID,
		PrivateEndpoint: p.info.PrivateEndpoint,
		PublicEndpoint:  p.info.PublicEndpoint,
		Slot:            p.resolved,
		Connected:       p.connectedLocked(),
		Punching:        p.punching,
	}
}
