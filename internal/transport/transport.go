// Package transport implements the message transport contract (C1 in spec
// §2): ordered, reliable delivery of wire.Message between one Host and many
// Clients over WebSocket, plus connect/disconnect notification.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/rustyguts/roomsync/internal/wire"
)

const writeTimeout = 5 * time.Second

// PeerID identifies one connected peer (Host's perspective) or the single
// upstream connection (Client's perspective).
type PeerID string

// Host is the server-side transport: it accepts Client connections over
// WebSocket and exposes unicast/broadcast send plus join/leave/message
// callbacks. Grounded on server/internal/ws/handler.go's upgrade-and-serve
// loop and server/internal/core's connection bookkeeping.
type Host struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[PeerID]*websocket.Conn
	next  uint64

	onConnect    func(id PeerID)
	onDisconnect func(id PeerID)
	onMessage    func(id PeerID, msg wire.Message)
}

// NewHost creates a Host transport.
func NewHost(log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{
		log:   log,
		conns: make(map[PeerID]*websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// OnConnect registers a callback fired when a peer's websocket upgrade
// completes and it is assigned a PeerID, before any message is read.
func (h *Host) OnConnect(fn func(id PeerID)) { h.onConnect = fn }

// OnDisconnect registers a callback fired when a peer's connection closes.
func (h *Host) OnDisconnect(fn func(id PeerID)) { h.onDisconnect = fn }

// OnMessage registers a callback fired for every message received from any
// peer, hello included.
func (h *Host) OnMessage(fn func(id PeerID, msg wire.Message)) { h.onMessage = fn }

// Register binds the websocket upgrade route on an Echo router.
func (h *Host) Register(e *echo.Echo, path string) {
	e.GET(path, h.handleUpgrade)
}

func (h *Host) handleUpgrade(c echo.Context) error {
	remote := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Error("transport: websocket upgrade failed", "remote", remote, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, remote)
	return nil
}

func (h *Host) serveConn(conn *websocket.Conn, remote string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	id := h.assignID()

	h.mu.Lock()
	h.conns[id] = conn
	h.mu.Unlock()

	if h.onConnect != nil {
		h.onConnect(id)
	}
	defer func() {
		h.mu.Lock()
		delete(h.conns, id)
		h.mu.Unlock()
		if h.onDisconnect != nil {
			h.onDisconnect(id)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.log.Debug("transport: read ended", "remote", remote, "peer", id, "err", err)
			return
		}
		msg, err := wire.Decode(raw, h.log)
		if err != nil {
			h.log.Warn("transport: decode failed", "remote", remote, "err", err)
			continue
		}
		if h.onMessage != nil {
			h.onMessage(id, msg)
		}
	}
}

func (h *Host) assignID() PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	return PeerID(fmt.Sprintf("peer-%d", h.next))
}

// Send unicasts msg to one peer.
func (h *Host) Send(id PeerID, msg wire.Message) error {
	h.mu.Lock()
	conn := h.conns[id]
	h.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: unknown peer %s", id)
	}
	return writeJSON(conn, msg)
}

// Broadcast sends msg to every connected peer, skipping (and logging, not
// failing on) any peer whose write errors.
func (h *Host) Broadcast(msg wire.Message) {
	h.mu.Lock()
	targets := make(map[PeerID]*websocket.Conn, len(h.conns))
	for id, c := range h.conns {
		targets[id] = c
	}
	h.mu.Unlock()

	for id, conn := range targets {
		if err := writeJSON(conn, msg); err != nil {
			h.log.Debug("transport: broadcast write failed", "peer", id, "err", err)
		}
	}
}

func writeJSON(conn *websocket.Conn, msg wire.Message) error {
	raw, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// PeerCount reports the number of currently connected peers.
func (h *Host) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Client is the client-side transport: a single WebSocket connection to a
// Host, with the same callback-setter shape as client/transport.go.
type Client struct {
	log *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	onMessage    func(msg wire.Message)
	onDisconnect func(err error)
}

// NewClient creates a Client transport.
func NewClient(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{log: log}
}

// OnMessage registers a callback fired for every message received.
func (c *Client) OnMessage(fn func(msg wire.Message)) { c.onMessage = fn }

// OnDisconnect registers a callback fired when the read loop terminates.
func (c *Client) OnDisconnect(fn func(err error)) { c.onDisconnect = fn }

// Connect dials url and starts the read loop in a background goroutine.
func (c *Client) Connect(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial transport: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if c.onDisconnect != nil {
				c.onDisconnect(err)
			}
			return
		}
		msg, err := wire.Decode(raw, c.log)
		if err != nil {
			c.log.Warn("transport: client decode failed", "err", err)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

// Send writes msg to the Host.
func (c *Client) Send(msg wire.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	return writeJSON(conn, msg)
}

// Close closes the connection, if open.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Connected reports whether the client currently holds an open connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
