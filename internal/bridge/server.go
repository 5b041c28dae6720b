// Package bridge carries session messages between the daemon and a remote
// observer over a WebSocket. Frames are binary protocol.Marshal encodings.
package bridge

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chaz8081/watchlink/internal/endpoint"
	"github.com/chaz8081/watchlink/internal/identity"
	"github.com/chaz8081/watchlink/internal/protocol"
	"github.com/chaz8081/watchlink/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	// DefaultSendQueue is the per-connection outbound frame capacity.
	DefaultSendQueue = 64
)

// Reply codes.
const (
	CodeUnavailable  = "unavailable"
	CodeNoDevice     = "no_device"
	CodeNotConnected = "not_connected"
	CodePersistence  = "persistence"
	CodeInvalid      = "invalid"
)

// ErrInvalid is returned for requests the session rejected as malformed.
var ErrInvalid = errors.New("bridge: invalid request")

// codeFor maps a session error to its reply code. A nil error has no code.
func codeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, endpoint.ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, session.ErrNoDevice):
		return CodeNoDevice
	case errors.Is(err, session.ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, identity.ErrPersistence):
		return CodePersistence
	default:
		return CodeInvalid
	}
}

// Endpoint is the daemon side the server attaches connections to.
type Endpoint interface {
	Send(protocol.Message) error
	Attach(endpoint.Observer) (detach func())
}

// Server is an http.Handler that upgrades each request to a WebSocket and
// makes it the endpoint's attached observer. A new connection replaces and
// closes the previous one.
type Server struct {
	ep        Endpoint
	sendQueue int
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	current *remote
}

// NewServer returns a server for ep. sendQueue <= 0 uses DefaultSendQueue.
func NewServer(ep Endpoint, sendQueue int) *Server {
	if sendQueue <= 0 {
		sendQueue = DefaultSendQueue
	}
	return &Server{ep: ep, sendQueue: sendQueue}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Bridge] upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newRemote(conn, s.sendQueue)
	slog.Info("[Bridge] observer connected", "id", c.id, "remote", r.RemoteAddr)

	s.mu.Lock()
	old := s.current
	s.current = c
	s.mu.Unlock()
	if old != nil {
		slog.Info("[Bridge] observer replaced", "id", old.id)
		old.close()
	}

	go c.writePump()
	detach := s.ep.Attach(c)

	go func() {
		defer func() {
			detach()
			c.close()
			s.mu.Lock()
			if s.current == c {
				s.current = nil
			}
			s.mu.Unlock()
			slog.Info("[Bridge] observer disconnected", "id", c.id)
		}()
		c.readLoop(s.ep)
	}()
}

// Close closes the current connection, if any.
func (s *Server) Close() {
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()
	if c != nil {
		c.close()
	}
}

// remote is one observer connection.
type remote struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	once sync.Once
	done chan struct{}
}

func newRemote(conn *websocket.Conn, queue int) *remote {
	return &remote{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// Deliver queues m for the write pump. A full queue closes the connection
// so the client reattaches and gets a fresh replay.
func (c *remote) Deliver(m protocol.Message) {
	c.enqueue(protocol.Marshal(m))
}

func (c *remote) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
		slog.Warn("[Bridge] observer too slow, disconnecting", "id", c.id)
		c.close()
	}
}

func (c *remote) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *remote) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop applies each inbound request and queues its reply.
func (c *remote) readLoop(ep Endpoint) {
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			slog.Debug("[Bridge] bad frame", "id", c.id, "error", err)
			c.enqueue(protocol.Marshal(protocol.Reply(0, CodeInvalid, err.Error())))
			continue
		}
		if !msg.Kind.Inbound() {
			c.enqueue(protocol.Marshal(protocol.Reply(msg.RequestID, CodeInvalid, "not a command: "+msg.Kind.String())))
			continue
		}

		err = ep.Send(msg)
		text := ""
		if err != nil {
			text = err.Error()
			slog.Debug("[Bridge] request rejected", "id", c.id, "kind", msg.Kind, "error", err)
		}
		c.enqueue(protocol.Marshal(protocol.Reply(msg.RequestID, codeFor(err), text)))
	}
}
