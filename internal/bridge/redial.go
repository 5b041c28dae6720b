package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/watchlink/internal/protocol"
)

const (
	redialBaseDelay = 500 * time.Millisecond
	redialMaxDelay  = 30 * time.Second
)

// Redialer keeps an observer attached to the daemon. Whenever the
// connection ends it dials again with exponential backoff, and the server's
// replay on attach brings the observer back up to date.
type Redialer struct {
	url string

	// OnMessage receives every push. OnLink reports each connect (up) and
	// each lost connection or failed dial (down, with the reason). Both
	// must be set before Run and may be nil.
	OnMessage func(protocol.Message)
	OnLink    func(up bool, err error)

	// BaseDelay and MaxDelay bound the backoff; zero uses the defaults.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	mu     sync.Mutex
	client *Client
}

// NewRedialer returns a redialer for the bridge at url.
func NewRedialer(url string) *Redialer {
	return &Redialer{url: url}
}

// Send issues m over the current connection. Without one it returns
// ErrClosed, which unwraps to endpoint.ErrUnavailable.
func (r *Redialer) Send(m protocol.Message) error {
	r.mu.Lock()
	c := r.client
	r.mu.Unlock()
	if c == nil {
		return ErrClosed
	}
	return c.Send(m)
}

// Connected reports whether a connection is currently open.
func (r *Redialer) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client != nil
}

// Run dials and redials until ctx is cancelled.
func (r *Redialer) Run(ctx context.Context) {
	base, maxDelay := r.BaseDelay, r.MaxDelay
	if base <= 0 {
		base = redialBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = redialMaxDelay
	}
	onMessage := r.OnMessage
	if onMessage == nil {
		onMessage = func(protocol.Message) {}
	}

	delay := base
	for ctx.Err() == nil {
		c, err := Dial(ctx, r.url, onMessage)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("[Bridge] dial failed", "url", r.url, "retry", delay, "error", err)
			r.link(false, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}

		delay = base
		r.mu.Lock()
		r.client = c
		r.mu.Unlock()
		r.link(true, nil)

		select {
		case <-ctx.Done():
			c.Close()
		case <-c.Done():
		}

		r.mu.Lock()
		r.client = nil
		r.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		slog.Info("[Bridge] connection lost, redialing", "url", r.url, "error", c.Err())
		r.link(false, c.Err())
	}
}

func (r *Redialer) link(up bool, err error) {
	if r.OnLink != nil {
		r.OnLink(up, err)
	}
}
