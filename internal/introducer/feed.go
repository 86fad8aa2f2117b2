package introducer

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/util"
)

const feedWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Feed serves the session table to operators over WebSocket at /sessions.
// Each client receives the current []SessionSummary as JSON on connect and
// again after every snapshot broadcast. Anything a client sends is ignored.
type Feed struct {
	srv *Server
	hs  *http.Server
	ln  net.Listener

	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

type feedClient struct {
	conn    *websocket.Conn
	updates chan []SessionSummary // holds only the latest table
	done    chan struct{}
}

func NewFeed(srv *Server) *Feed {
	f := &Feed{srv: srv, clients: make(map[*feedClient]struct{})}
	srv.OnSnapshot(func([]protocol.SessionInfo) { f.publish(srv.Sessions()) })
	return f
}

// Start begins listening on addr and returns the bound address.
func (f *Feed) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start session feed: %w", err)
	}
	f.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", f.handleWS)
	f.hs = &http.Server{Handler: mux}

	go func() {
		if err := f.hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("session feed stopped: %v", err)
		}
	}()

	util.LogInfo("session feed on ws://%s/sessions", ln.Addr())
	return ln.Addr(), nil
}

func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &feedClient{
		conn:    conn,
		updates: make(chan []SessionSummary, 1),
		done:    make(chan struct{}),
	}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()

	c.push(f.srv.Sessions())
	go f.writeLoop(c)
	go f.readLoop(c)
}

func (f *Feed) publish(table []SessionSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		c.push(table)
	}
}

// push replaces any table the client has not been sent yet.
func (c *feedClient) push(table []SessionSummary) {
	for {
		select {
		case c.updates <- table:
			return
		default:
		}
		select {
		case <-c.updates:
		default:
		}
	}
}

func (f *Feed) writeLoop(c *feedClient) {
	for {
		select {
		case table := <-c.updates:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.conn.WriteJSON(table); err != nil {
				f.remove(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop only exists to notice the client going away.
func (f *Feed) readLoop(c *feedClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			f.remove(c)
			return
		}
	}
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	_, ok := f.clients[c]
	delete(f.clients, c)
	f.mu.Unlock()

	if ok {
		close(c.done)
		c.conn.Close()
	}
}

// Close stops the HTTP server and drops every client.
func (f *Feed) Close() error {
	var err error
	if f.hs != nil {
		err = f.hs.Close()
	}

	f.mu.Lock()
	clients := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "introducer shutting down"),
			time.Now().Add(time.Second))
		f.remove(c)
	}
	return err
}
