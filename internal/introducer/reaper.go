package introducer

import (
	"context"
	"time"

	"github.com/1ureka/holepunch/internal/util"
)

// reapLoop runs one reaper pass per tick until ctx is cancelled.
func (s *Server) reapLoop(ctx context.Context) error {
	ticker := s.opts.Clock.Ticker(s.opts.ReapInterval)
	defer ticker.Stop()

	last := s.opts.Clock.Now()
	for {
		select {
		case <-ticker.C:
			now := s.opts.Clock.Now()
			s.reap(now.Sub(last))
			last = now
		case <-ctx.Done():
			return nil
		}
	}
}

// reap charges elapsed time to every registered session whose transport is
// down and evicts those past the grace window. It rebroadcasts the snapshot
// at most once and returns how many sessions were evicted.
func (s *Server) reap(elapsed time.Duration) int {
	s.mu.Lock()
	var evicted []int64
	for id, sess := range s.sessions {
		if sess.conn.IsConnected() {
			sess.unconnected = 0
			continue
		}
		sess.unconnected += elapsed
		if sess.unconnected >= s.opts.GraceWindow {
			delete(s.sessions, id)
			evicted = append(evicted, id)
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()

	if len(evicted) == 0 {
		return 0
	}
	util.Stats.SetActive(n)
	util.LogInfo("evicted sessions %v after %v without reconnect", evicted, s.opts.GraceWindow)
	s.broadcastSnapshot()
	return len(evicted)
}
