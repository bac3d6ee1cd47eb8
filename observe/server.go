// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/shepherd/lib/process"
)

// Connection tuning.
const (
	// DefaultSendQueue is how many outbound messages a connection may
	// have queued before it is considered too slow and closed.
	DefaultSendQueue = 1024

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	// maxRequestBytes bounds one inbound frame.
	maxRequestBytes = 1 << 20
)

// ServerConfig configures a [Server].
type ServerConfig struct {
	Logger *slog.Logger

	// AllowedOrigins lists browser origins accepted besides same-origin
	// requests. "*" accepts any origin. Requests without an Origin
	// header (non-browser clients) are always accepted.
	AllowedOrigins []string

	// SendQueue overrides DefaultSendQueue.
	SendQueue int
}

// Server exposes a [Relay] over WebSocket. Each text frame in either
// direction is one JSON object: a [Request] inbound, a [Message]
// outbound.
type Server struct {
	relay     *Relay
	logger    *slog.Logger
	sendQueue int
	upgrader  websocket.Upgrader
}

// NewServer returns an http.Handler serving relay.
func NewServer(relay *Relay, config ServerConfig) *Server {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.SendQueue <= 0 {
		config.SendQueue = DefaultSendQueue
	}
	server := &Server{
		relay:     relay,
		logger:    config.Logger,
		sendQueue: config.SendQueue,
	}
	allowed := slices.Clone(config.AllowedOrigins)
	server.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, allowed)
		},
	}
	return server
}

func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return parsed.Host == r.Host
}

// ServeHTTP upgrades the request and serves the connection until the
// peer goes away. Closing a connection detaches it from every session;
// the workers keep running.
func (server *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	websocketConnection, err := server.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		server.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	connection := &connection{
		id:       uuid.NewString(),
		server:   server,
		socket:   websocketConnection,
		outbound: make(chan Message, server.sendQueue),
		done:     make(chan struct{}),
	}
	server.logger.Info("relay client connected", "connection", connection.id, "remote", r.RemoteAddr)

	go connection.writePump()
	connection.readLoop()

	server.relay.Detach(connection)
	connection.shutdown()
	server.logger.Info("relay client disconnected", "connection", connection.id)
}

// connection is one WebSocket client. It is a [Subscriber]: the relay's
// event loop queues messages with Send and the write pump is the only
// goroutine that writes to the socket.
type connection struct {
	id       string
	server   *Server
	socket   *websocket.Conn
	outbound chan Message
	done     chan struct{}
	once     sync.Once
}

func (c *connection) ID() string { return c.id }

// Send queues message without blocking. A full queue closes the
// connection.
func (c *connection) Send(message Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- message:
		return true
	case <-c.done:
		return false
	default:
		c.server.logger.Warn("relay client too slow, disconnecting", "connection", c.id)
		c.shutdown()
		return false
	}
}

func (c *connection) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.socket.Close()
	})
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case message := <-c.outbound:
			data, err := json.Marshal(message)
			if err != nil {
				c.server.logger.Error("marshaling relay message", "connection", c.id, "error", err)
				continue
			}
			c.socket.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:realclock // kernel I/O deadline
			if err := c.socket.WriteMessage(websocket.TextMessage, data); err != nil {
				c.server.logger.Debug("relay client write failed", "connection", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:realclock // kernel I/O deadline
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) readLoop() {
	c.socket.SetReadLimit(maxRequestBytes)
	c.socket.SetReadDeadline(time.Now().Add(pongTimeout)) //nolint:realclock // kernel I/O deadline
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongTimeout)) //nolint:realclock // kernel I/O deadline
	})

	for {
		messageType, data, err := c.socket.ReadMessage()
		if err != nil {
			return
		}
		c.socket.SetReadDeadline(time.Now().Add(pongTimeout)) //nolint:realclock // kernel I/O deadline
		if messageType != websocket.TextMessage {
			c.Send(errorMessage("", "expected a text frame"))
			continue
		}
		request, err := ParseRequest(data)
		if err != nil {
			c.Send(errorMessage("", "%v", err))
			continue
		}
		c.handle(request)
	}
}

func (c *connection) handle(request Request) {
	relay := c.server.relay
	id := request.WorkItemID

	needsID := request.Type != RequestList && request.Type != RequestPing && request.Type != RequestSpawn
	if needsID && id == "" {
		c.Send(errorMessage("", "%s requires work_item_id", request.Type))
		return
	}

	switch request.Type {
	case RequestSubscribe:
		switch err := relay.Subscribe(id, c); {
		case err == nil:
		case errors.Is(err, ErrNoSession):
			c.Send(errorMessage(id, "no terminal session for %s", id))
		case errors.Is(err, ErrInactive):
			c.Send(errorMessage(id, "terminal session for %s is not active", id))
		default:
			c.Send(errorMessage(id, "subscribe failed: %v", err))
		}

	case RequestUnsubscribe:
		relay.Unsubscribe(id, c)

	case RequestInput:
		if !relay.WriteInput(id, []byte(request.Data)) {
			c.Send(errorMessage(id, "no active terminal session for %s", id))
		}

	case RequestResize:
		rows, cols := request.Rows, request.Cols
		if rows <= 0 {
			rows = DefaultResizeRows
		}
		if cols <= 0 {
			cols = DefaultResizeCols
		}
		if rows > 0xffff || cols > 0xffff {
			c.Send(errorMessage(id, "terminal size %dx%d out of range", rows, cols))
			return
		}
		if !relay.Resize(id, uint16(rows), uint16(cols)) {
			c.Send(errorMessage(id, "no active terminal session for %s", id))
		}

	case RequestSignal:
		name := request.Signal
		if name == "" {
			name = DefaultSignal
		}
		sig, err := process.ParseSignal(name)
		if err != nil {
			c.Send(errorMessage(id, "%v", err))
			return
		}
		if !relay.SendSignal(id, sig) {
			c.Send(errorMessage(id, "no active terminal session for %s", id))
			return
		}
		c.Send(Message{Type: MessageSignalSent, WorkItemID: id, Signal: name})

	case RequestTerminate:
		session := relay.lookup(id)
		if session == nil {
			c.Send(errorMessage(id, "no terminal session for %s", id))
			return
		}
		// Subscribers hear about it from the session itself.
		notified := relay.isSubscribed(session, c)
		session.Terminate()
		if !notified {
			c.Send(Message{Type: MessageTerminated, WorkItemID: id, Timestamp: relay.clock.Now()})
		}

	case RequestList:
		c.Send(Message{Type: MessageSessions, Sessions: relay.List()})

	case RequestSpawn:
		if len(request.Command) == 0 {
			c.Send(errorMessage(id, "spawn requires command"))
			return
		}
		if id == "" {
			id = "adhoc-" + uuid.NewString()[:8]
		}
		session, err := relay.CreateSession(id, request.Command, request.Cwd)
		if err != nil {
			c.Send(errorMessage(id, "spawn failed: %v", err))
			return
		}
		descriptor := session.Descriptor()
		c.Send(Message{Type: MessageSpawned, WorkItemID: id, Session: &descriptor})

	case RequestHistory:
		data, err := relay.GetBuffer(id)
		if err != nil {
			if errors.Is(err, ErrNoSession) {
				c.Send(errorMessage(id, "no history for %s", id))
			} else {
				c.Send(errorMessage(id, "reading history: %v", err))
			}
			return
		}
		c.Send(Message{Type: MessageHistory, WorkItemID: id, Data: string(data), Timestamp: relay.clock.Now()})

	case RequestPing:
		c.Send(Message{Type: MessagePong, Timestamp: relay.clock.Now()})

	default:
		c.Send(errorMessage(id, "unknown message type %q", request.Type))
	}
}

