package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/watchlink/internal/endpoint"
	"github.com/chaz8081/watchlink/internal/identity"
	"github.com/chaz8081/watchlink/internal/protocol"
	"github.com/chaz8081/watchlink/internal/session"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send once the connection is gone.
var ErrClosed = fmt.Errorf("bridge: connection closed: %w", endpoint.ErrUnavailable)

// DefaultReplyTimeout bounds how long Send waits for the daemon's reply.
const DefaultReplyTimeout = 10 * time.Second

// RemoteError is a request the daemon rejected. It unwraps to the sentinel
// matching its code.
type RemoteError struct {
	Code    string
	Message string
	err     error
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "bridge: " + e.Code
}

func (e *RemoteError) Unwrap() error { return e.err }

// errorFor rebuilds the error a reply stands for.
func errorFor(code, text string) error {
	var sentinel error
	switch code {
	case "":
		return nil
	case CodeUnavailable:
		sentinel = endpoint.ErrUnavailable
	case CodeNoDevice:
		sentinel = session.ErrNoDevice
	case CodeNotConnected:
		sentinel = session.ErrNotConnected
	case CodePersistence:
		sentinel = identity.ErrPersistence
	default:
		sentinel = ErrInvalid
	}
	return &RemoteError{Code: code, Message: text, err: sentinel}
}

// Client is the observer side of a bridge connection. Pushes are delivered
// to the callback on the client's read goroutine, in order.
type Client struct {
	conn      *websocket.Conn
	onMessage func(protocol.Message)

	// ReplyTimeout bounds Send; zero means DefaultReplyTimeout.
	ReplyTimeout time.Duration

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan protocol.Message

	once sync.Once
	done chan struct{}
	err  error
}

// Dial connects to a bridge server at url (ws://host:port/path). onMessage
// may be nil.
func Dial(ctx context.Context, url string, onMessage func(protocol.Message)) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", url, err)
	}
	if onMessage == nil {
		onMessage = func(protocol.Message) {}
	}
	c := &Client{
		conn:      conn,
		onMessage: onMessage,
		pending:   make(map[uint64]chan protocol.Message),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send issues m to the daemon and waits for its reply.
func (c *Client) Send(m protocol.Message) error {
	id := c.nextID.Add(1)
	m.RequestID = id
	reply := make(chan protocol.Message, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrClosed
	default:
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteMessage(websocket.BinaryMessage, protocol.Marshal(m))
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(err)
		return ErrClosed
	}

	timeout := c.ReplyTimeout
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-reply:
		return errorFor(r.Code, r.Error)
	case <-c.done:
		return ErrClosed
	case <-timer.C:
		return fmt.Errorf("bridge: no reply to %s after %s", m.Kind, timeout)
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			continue
		}
		if msg.Kind != protocol.KindReply {
			c.onMessage(msg)
			continue
		}
		c.mu.Lock()
		reply, ok := c.pending[msg.RequestID]
		c.mu.Unlock()
		if ok {
			reply <- msg
		}
	}
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		close(c.done)
		c.mu.Unlock()
		c.conn.Close()
	})
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown(errors.New("bridge: closed by client"))
	return nil
}
