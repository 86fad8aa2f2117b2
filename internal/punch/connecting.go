package punch

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/transport"
	"github.com/1ureka/holepunch/internal/util"
)

// connecting dials the peer from our rendezvous port, retrying after
// failures until the attempt budget is spent. A connection that closes
// before the peer's hello, or whose hello names someone else, is a failure.
type connecting struct {
	slot        Slot
	target      string
	self        int64
	peer        int64
	localPort   int
	dialTimeout time.Duration
	retryDelay  time.Duration
	clk         clock.Clock
	hooks       Hooks

	mu        sync.Mutex
	remaining int
	attempts  int
	failures  int
	stopped   bool
	conn      *transport.Conn
	timer     *clock.Timer
}

func newConnecting(slot Slot, target string, peer int64, cfg *Config, hooks Hooks) *connecting {
	return &connecting{
		slot:        slot,
		target:      target,
		self:        cfg.Self,
		peer:        peer,
		localPort:   cfg.LocalPort,
		dialTimeout: cfg.DialTimeout,
		retryDelay:  cfg.RetryDelay,
		clk:         cfg.Clock,
		hooks:       hooks,
		remaining:   cfg.MaxAttempts,
	}
}

func (c *connecting) Slot() Slot { return c.slot }

func (c *connecting) StartHandshake() {
	c.mu.Lock()
	if c.stopped || c.remaining <= 0 {
		c.mu.Unlock()
		return
	}
	c.remaining--
	c.attempts++
	attempt := c.attempts

	conn := transport.Dial(
		transport.WithLocalPort(c.localPort),
		transport.WithDialTimeout(c.dialTimeout),
	)
	lk := newLink(conn, c.admit, func() { c.onConnectFailed(errNoHello) })
	conn.OnConnected(func() {
		util.LogDebug("%s punch: connected to %s", c.slot, c.target)
		lk.greet(c.self)
	})
	conn.OnConnectFailed(c.onConnectFailed)
	c.conn = conn
	c.mu.Unlock()

	util.LogDebug("%s punch: dialing %s (attempt %d)", c.slot, c.target, attempt)
	if err := conn.ConnectAsync(c.target); err != nil {
		util.LogWarning("%s punch: %v", c.slot, err)
	}
}

func (c *connecting) admit(lk *link, sender int64) bool {
	if sender != c.peer {
		util.LogWarning("%s punch: %s answered as %d, expected %d", c.slot, c.target, sender, c.peer)
		return false
	}
	lk.bind(c.hooks)
	c.hooks.Connected()
	return true
}

func (c *connecting) onConnectFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.stopped {
		return
	}
	if c.remaining <= 0 {
		util.LogDebug("%s punch: giving up on %s after %d attempts: %v", c.slot, c.target, c.attempts, err)
		return
	}
	util.LogDebug("%s punch: %v (retries left %d)", c.slot, err, c.remaining)
	c.timer = c.clk.AfterFunc(c.retryDelay, c.retry)
}

// retry re-checks that the strategy is still wanted when the timer fires.
func (c *connecting) retry() {
	c.mu.Lock()
	wanted := !c.stopped && c.remaining > 0
	c.mu.Unlock()
	if wanted {
		c.StartHandshake()
	}
}

// StopHandshake zeroes the remaining budget and cancels a pending retry or
// dial. An established connection is left alone.
func (c *connecting) StopHandshake() {
	c.mu.Lock()
	c.stopped = true
	c.remaining = 0
	if c.timer != nil {
		c.timer.Stop()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil && !conn.IsConnected() {
		conn.Disconnect()
	}
}

func (c *connecting) IsConnected() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn != nil && conn.IsConnected()
}

func (c *connecting) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
}

func (c *connecting) TrySend(m protocol.Message) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn != nil && conn.SendAsync(m) == nil
}
