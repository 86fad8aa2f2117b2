// Package transport provides a length-framed, event-driven TCP connection
// carrying protocol messages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/util"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: connection closed")
	ErrInUse        = errors.New("transport: connection already started")
)

type state int

const (
	stateIdle state = iota
	stateDialing
	stateConnected
	stateClosed
)

// Option configures a Conn created by Dial.
type Option func(*options)

type options struct {
	localPort   int
	dialTimeout time.Duration
}

// WithLocalPort binds outgoing connections to port, with address reuse.
func WithLocalPort(port int) Option {
	return func(o *options) { o.localPort = port }
}

// WithDialTimeout bounds every connect attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// Conn owns one TCP socket. Events are delivered synchronously on the
// connection's own goroutines (dial, reader, writer), never from inside a
// call made by the user, so listeners may call back into the Conn freely.
//
// Lifecycle: Dial → ConnectAsync/Connect → connected → disconnected, or
// FromNetConn → connected → disconnected. A Conn is not reusable.
type Conn struct {
	opts options

	mu            sync.Mutex
	state         state
	nc            net.Conn
	tag           util.Tag
	receiving     bool
	closedLocally bool
	cancelDial    context.CancelFunc

	inbox      chan outgoing
	done       chan struct{}
	finishOnce sync.Once

	lmu            sync.RWMutex
	onConnected    []func()
	onConnectFail  []func(error)
	onReceived     []func(protocol.Message)
	onSent         []func(protocol.Message, int)
	onDisconnected []func(graceful bool)
}

// Dial returns an unconnected Conn. Nothing touches the network until
// ConnectAsync or Connect.
func Dial(opts ...Option) *Conn {
	c := newConn()
	for _, opt := range opts {
		opt(&c.opts)
	}
	return c
}

// FromNetConn wraps an accepted socket. The returned Conn is connected but
// does not read until BeginReceiving.
func FromNetConn(nc net.Conn) *Conn {
	c := newConn()
	c.attach(nc)
	return c
}

func newConn() *Conn {
	return &Conn{
		inbox: make(chan outgoing, sendBufferSize),
		done:  make(chan struct{}),
	}
}

// attach records nc as the live socket and starts the writer. The caller
// holds c.mu or has not yet shared c.
func (c *Conn) attach(nc net.Conn) {
	c.nc = nc
	c.tag = util.ConnTag(nc.LocalAddr(), nc.RemoteAddr())
	c.state = stateConnected
	util.Stats.AddConn()
	go c.writeLoop(nc)
}

// ──────────────────────────────────────────────────────────────────────────────
// Listener registration
// ──────────────────────────────────────────────────────────────────────────────

func (c *Conn) OnConnected(fn func()) {
	c.lmu.Lock()
	c.onConnected = append(c.onConnected, fn)
	c.lmu.Unlock()
}

func (c *Conn) OnConnectFailed(fn func(error)) {
	c.lmu.Lock()
	c.onConnectFail = append(c.onConnectFail, fn)
	c.lmu.Unlock()
}

func (c *Conn) OnReceived(fn func(protocol.Message)) {
	c.lmu.Lock()
	c.onReceived = append(c.onReceived, fn)
	c.lmu.Unlock()
}

func (c *Conn) OnSent(fn func(m protocol.Message, n int)) {
	c.lmu.Lock()
	c.onSent = append(c.onSent, fn)
	c.lmu.Unlock()
}

// OnDisconnected registers fn to run once when the connection ends.
// graceful is true for an orderly shutdown by either side.
func (c *Conn) OnDisconnected(fn func(graceful bool)) {
	c.lmu.Lock()
	c.onDisconnected = append(c.onDisconnected, fn)
	c.lmu.Unlock()
}

func (c *Conn) emitConnected() {
	c.lmu.RLock()
	fns := c.onConnected
	c.lmu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Conn) emitConnectFailed(err error) {
	c.lmu.RLock()
	fns := c.onConnectFail
	c.lmu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Conn) emitReceived(m protocol.Message) {
	c.lmu.RLock()
	fns := c.onReceived
	c.lmu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (c *Conn) emitSent(m protocol.Message, n int) {
	c.lmu.RLock()
	fns := c.onSent
	c.lmu.RUnlock()
	for _, fn := range fns {
		fn(m, n)
	}
}

func (c *Conn) emitDisconnected(graceful bool) {
	c.lmu.RLock()
	fns := c.onDisconnected
	c.lmu.RUnlock()
	for _, fn := range fns {
		fn(graceful)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Connect
// ──────────────────────────────────────────────────────────────────────────────

// ConnectAsync dials addr in the background. On success it emits connected
// and starts receiving; otherwise it emits connect-failed.
func (c *Conn) ConnectAsync(addr string) error {
	ctx, err := c.beginDial(context.Background())
	if err != nil {
		return err
	}
	go c.dial(ctx, addr)
	return nil
}

// Connect dials addr and blocks until it is connected, the dial fails, or
// ctx ends. Events are emitted as for ConnectAsync, on the calling goroutine.
func (c *Conn) Connect(ctx context.Context, addr string) error {
	dctx, err := c.beginDial(ctx)
	if err != nil {
		return err
	}
	return c.dial(dctx, addr)
}

func (c *Conn) beginDial(parent context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateIdle {
		return nil, ErrInUse
	}
	ctx, cancel := context.WithCancel(parent)
	c.state = stateDialing
	c.cancelDial = cancel
	return ctx, nil
}

func (c *Conn) dial(ctx context.Context, addr string) error {
	d := newDialer(c.opts.localPort, c.opts.dialTimeout)
	nc, err := d.DialContext(ctx, "tcp", addr)

	c.mu.Lock()
	c.cancelDial()
	if err == nil && c.state != stateDialing {
		nc.Close()
		err = ErrClosed
	}
	if err != nil {
		c.state = stateClosed
		c.mu.Unlock()
		close(c.done)
		err = fmt.Errorf("connect to %s: %w", addr, err)
		c.emitConnectFailed(err)
		return err
	}
	c.attach(nc)
	c.mu.Unlock()

	util.LogDebug("%s connected %s → %s", c.tag, nc.LocalAddr(), nc.RemoteAddr())
	c.emitConnected()
	c.BeginReceiving()
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// I/O
// ──────────────────────────────────────────────────────────────────────────────

// SendAsync encodes m and queues it behind earlier sends. sent fires once
// the frame is written.
func (c *Conn) SendAsync(m protocol.Message) error {
	frame, err := protocol.AppendFrame(nil, m)
	if err != nil {
		return err
	}
	if len(frame) > BufferSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrFrameTooLarge, protocol.Name(m.Type()), len(frame))
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	select {
	case c.inbox <- outgoing{msg: m, frame: frame}:
		return nil
	case <-c.done:
		return ErrNotConnected
	}
}

// BeginReceiving starts the reader goroutine. Calling it again, or on a
// connection that is not connected, does nothing.
func (c *Conn) BeginReceiving() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnected || c.receiving {
		return
	}
	c.receiving = true
	go c.readLoop(c.nc)
}

func (c *Conn) readLoop(r io.Reader) {
	fb := new(frameBuffer)
	for {
		n, rerr := fb.fill(r)
		if n > 0 {
			util.Stats.AddRecv(n)
			err := fb.drain(func(payload []byte) error {
				m, err := protocol.Unmarshal(payload)
				if err != nil {
					return err
				}
				util.Stats.AddFrameRecv()
				c.emitReceived(m)
				return nil
			})
			if err != nil {
				util.LogWarning("%s dropping connection: %v", c.tag, err)
				c.finish(false)
				return
			}
		}
		if rerr != nil {
			c.finish(errors.Is(rerr, io.EOF))
			return
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Close
// ──────────────────────────────────────────────────────────────────────────────

// Disconnect closes the connection; the close is reported as graceful. An
// in-flight dial is cancelled and reports connect-failed. Idempotent.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	switch c.state {
	case stateIdle:
		c.state = stateClosed
		c.mu.Unlock()
		close(c.done)
	case stateDialing:
		c.state = stateClosed
		cancel := c.cancelDial
		c.mu.Unlock()
		cancel()
	case stateConnected:
		c.closedLocally = true
		receiving := c.receiving
		nc := c.nc
		c.mu.Unlock()
		nc.Close()
		if !receiving {
			// no reader will observe the close
			go c.finish(true)
		}
	default:
		c.mu.Unlock()
	}
}

// finish tears the connection down and emits disconnected exactly once.
func (c *Conn) finish(graceful bool) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		graceful = graceful || c.closedLocally
		c.state = stateClosed
		nc := c.nc
		c.mu.Unlock()

		nc.Close()
		close(c.done)
		util.Stats.RemoveConn()
		util.LogDebug("%s disconnected (graceful=%t)", c.tag, graceful)
		c.emitDisconnected(graceful)
	})
}

// IsConnected reports whether the socket is live.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected && !c.closedLocally
}

// Done is closed once the connection can no longer carry messages.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	return c.nc.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	return c.nc.RemoteAddr()
}

// Tag is a short hash of the socket 4-tuple for log lines.
func (c *Conn) Tag() util.Tag {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tag
}
