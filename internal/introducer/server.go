// Package introducer implements the rendezvous server. It assigns session
// ids, keeps them stable across reconnects, rebroadcasts the session table
// and brokers hole-punch introductions between participants.
package introducer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/holepunch/internal/dispatch"
	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/transport"
	"github.com/1ureka/holepunch/internal/util"
)

const (
	DefaultReapInterval = 100 * time.Millisecond
	DefaultGraceWindow  = 5000 * time.Millisecond
)

var ErrUnknownSession = errors.New("introducer: unknown session")

type Options struct {
	Addr         string        // listen address, e.g. ":9999"
	ReapInterval time.Duration // how often the reaper runs
	GraceWindow  time.Duration // how long a dropped session may stay registered
	Clock        clock.Clock
}

func (o *Options) withDefaults() {
	if o.ReapInterval <= 0 {
		o.ReapInterval = DefaultReapInterval
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = DefaultGraceWindow
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Server is the rendezvous service. The session table maps id → the
// session currently registered under it; every access holds mu, and all
// network sends happen on copies taken under mu.
type Server struct {
	opts       Options
	dispatcher *dispatch.Dispatcher[*Session]
	seq        atomic.Int64

	mu       sync.Mutex
	sessions map[int64]*Session
	live     map[*Session]struct{} // every accepted connection, registered or not

	ln     net.Listener
	cancel context.CancelFunc
	group  errgroup.Group

	lmu        sync.RWMutex
	onSnapshot []func([]protocol.SessionInfo)
}

func New(opts Options) *Server {
	opts.withDefaults()
	return &Server{
		opts:       opts,
		dispatcher: newDispatcher(),
		sessions:   make(map[int64]*Session),
		live:       make(map[*Session]struct{}),
	}
}

// Start listens on the configured address and runs the accept and reaper
// loops until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to start introducer: %w", err)
	}
	s.ln = ln

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.group.Go(func() error { return s.acceptLoop(ctx) })
	s.group.Go(func() error { return s.reapLoop(ctx) })
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	util.LogInfo("introducer listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Wait blocks until both loops have exited and returns the accept failure,
// if any.
func (s *Server) Wait() error { return s.group.Wait() }

// Close stops accepting, disconnects every session and waits for the loops.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	all := make([]*Session, 0, len(s.live))
	for sess := range s.live {
		all = append(all, sess)
	}
	s.mu.Unlock()

	for _, sess := range all {
		sess.conn.Disconnect()
	}
	return s.group.Wait()
}

// acceptLoop ends for good on the first accept error.
func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			util.LogError("accept failed, no longer accepting: %v", err)
			return fmt.Errorf("accept: %w", err)
		}
		s.accept(nc)
	}
}

func (s *Server) accept(nc net.Conn) {
	conn := transport.FromNetConn(nc)
	sess := newSession(s, conn)

	s.mu.Lock()
	s.live[sess] = struct{}{}
	s.mu.Unlock()

	conn.OnReceived(func(m protocol.Message) {
		if !s.dispatcher.Dispatch(sess, m) {
			util.LogDebug("%s: no handler for %s", sess, protocol.Name(m.Type()))
		}
	})
	conn.OnDisconnected(func(graceful bool) { s.handleDisconnect(sess, graceful) })

	util.LogDebug("%s accepted %s", conn.Tag(), nc.RemoteAddr())
	conn.BeginReceiving()
}

// ──────────────────────────────────────────────────────────────────────────────
// Session table
// ──────────────────────────────────────────────────────────────────────────────

// assignID returns the id for an identifying session: the claimed one when
// present (keeping the sequence ahead of it), otherwise the next in sequence.
func (s *Server) assignID(claimed int64) int64 {
	if claimed <= 0 {
		return s.seq.Add(1)
	}
	for {
		cur := s.seq.Load()
		if cur >= claimed || s.seq.CompareAndSwap(cur, claimed) {
			return claimed
		}
	}
}

// register makes sess the current entry for its id. A stale session under
// the same id is replaced in the same critical section and then dropped;
// its disconnect is ignored because it is no longer current.
func (s *Server) register(sess *Session) {
	id := sess.ID()

	s.mu.Lock()
	stale := s.sessions[id]
	s.sessions[id] = sess
	sess.unconnected = 0
	n := len(s.sessions)
	s.mu.Unlock()

	util.Stats.SetActive(n)
	if stale != nil && stale != sess {
		util.LogInfo("%s replaced by a new connection", stale)
		stale.conn.Disconnect()
	}
}

func (s *Server) lookup(id int64) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) handleDisconnect(sess *Session, graceful bool) {
	id := sess.ID()

	s.mu.Lock()
	delete(s.live, sess)
	if cur, ok := s.sessions[id]; !ok || cur != sess {
		s.mu.Unlock()
		return
	}
	if graceful && sess.holePunching.Load() {
		s.mu.Unlock()
		util.LogInfo("%s dropped while hole punching, holding for %v", sess, s.opts.GraceWindow)
		return
	}
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()

	util.Stats.SetActive(n)
	util.LogInfo("%s disconnected (graceful=%t)", sess, graceful)
	s.broadcastSnapshot()
}

// registered returns the current sessions ordered by id.
func (s *Server) registered() []*Session {
	s.mu.Lock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (s *Server) snapshot() (*protocol.SessionList, []*Session) {
	targets := s.registered()
	list := &protocol.SessionList{Sessions: make([]protocol.SessionInfo, 0, len(targets))}
	for _, sess := range targets {
		list.Sessions = append(list.Sessions, sess.Info())
	}
	return list, targets
}

// broadcastSnapshot sends the full table to every registered session.
func (s *Server) broadcastSnapshot() {
	list, targets := s.snapshot()
	for _, sess := range targets {
		sess.send(list)
	}
	s.emitSnapshot(list.Sessions)
}

// OnSnapshot registers fn to run after every snapshot broadcast.
func (s *Server) OnSnapshot(fn func([]protocol.SessionInfo)) {
	s.lmu.Lock()
	s.onSnapshot = append(s.onSnapshot, fn)
	s.lmu.Unlock()
}

func (s *Server) emitSnapshot(infos []protocol.SessionInfo) {
	s.lmu.RLock()
	fns := s.onSnapshot
	s.lmu.RUnlock()
	for _, fn := range fns {
		fn(infos)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Operator surface
// ──────────────────────────────────────────────────────────────────────────────

// SessionSummary is the operator view of one registered session.
type SessionSummary struct {
	ID              int64   `json:"id"`
	PrivateEndpoint string  `json:"private_endpoint"`
	PublicEndpoint  string  `json:"public_endpoint"`
	Connected       bool    `json:"connected"`
	HolePunching    bool    `json:"hole_punching"`
	ConnectedPeers  []int64 `json:"connected_peers"`
}

func (s *Server) Sessions() []SessionSummary {
	sessions := s.registered()
	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Summary())
	}
	return out
}

// Broadcast sends an operator notice to every registered session.
func (s *Server) Broadcast(text string) {
	msg := &protocol.ServerMessage{Text: text}
	for _, sess := range s.registered() {
		sess.send(msg)
	}
}

// SendTo sends an operator notice to one session.
func (s *Server) SendTo(id int64, text string) error {
	sess, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return sess.conn.SendAsync(&protocol.ServerMessage{Text: text})
}

// Kick closes the connection of one session. The participant is free to
// reconnect and reclaim its id.
func (s *Server) Kick(id int64) error {
	sess, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	util.LogInfo("kicking %s", sess)
	sess.conn.Disconnect()
	return nil
}
