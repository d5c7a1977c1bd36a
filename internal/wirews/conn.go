// Package wirews provides JSON-framed WebSocket communication for the
// backend event stream.
package wirews

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 20 * time.Second
	readLimit                = 4 << 20
)

// Frame types pushed by the backend.
const (
	FrameEvent        = "event"
	FrameMissed       = "notifications.missed"
	FrameMessageCount = "message_count"
	frameAck          = "ack"
)

// Frame is one decoded message from the event stream.
type Frame struct {
	Type        string
	DeliveryTag uint64
	// Event is the raw notification of an event frame.
	Event json.RawMessage
}

type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type eventData struct {
	DeliveryTag uint64          `json:"delivery_tag"`
	Event       json.RawMessage `json:"event"`
}

type ackData struct {
	DeliveryTag uint64 `json:"delivery_tag"`
	Multiple    bool   `json:"multiple"`
}

// ErrMalformedFrame is returned by ReadFrame for frames that are not valid
// JSON. The connection stays usable.
var ErrMalformedFrame = errors.New("wirews: malformed frame")

// Conn wraps a WebSocket connection with JSON framing and a keep-alive
// loop. A missed keep-alive closes the connection so that the pending read
// fails; reconnecting is up to the caller.
type Conn struct {
	ws     *websocket.Conn
	closed atomic.Bool
	cancel context.CancelFunc

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	keepAliveCallback func(rtt time.Duration)
	headers           http.Header
}

// Option configures a Conn.
type Option func(*Conn)

// WithKeepAliveInterval sets the interval between pings. Zero disables
// keep-alive.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *Conn) { c.keepAliveInterval = d }
}

// WithKeepAliveTimeout sets how long to wait for a pong before closing.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(c *Conn) { c.keepAliveTimeout = d }
}

// WithKeepAliveCallback sets a function called on each successful ping.
func WithKeepAliveCallback(fn func(rtt time.Duration)) Option {
	return func(c *Conn) { c.keepAliveCallback = fn }
}

// WithHeaders sets HTTP headers for the upgrade request.
func WithHeaders(h http.Header) Option {
	return func(c *Conn) { c.headers = h }
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, opts ...Option) (*Conn, error) {
	c := &Conn{
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveTimeout:  defaultKeepAliveTimeout,
	}
	for _, o := range opts {
		o(c)
	}

	dopts := &websocket.DialOptions{HTTPHeader: c.headers}
	if tlsConf != nil {
		dopts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	ws, _, err := websocket.Dial(ctx, url, dopts)
	if err != nil {
		return nil, fmt.Errorf("wirews: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)
	c.ws = ws

	kaCtx, kaCancel := context.WithCancel(context.Background())
	c.cancel = kaCancel
	if c.keepAliveInterval > 0 {
		go c.keepAliveLoop(kaCtx)
	}
	return c, nil
}

// ReadFrame reads the next frame. Non-event frames carry no Event.
func (c *Conn) ReadFrame(ctx context.Context) (Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("wirews: read: %w", err)
	}
	var wf wireFrame
	if err := json.Unmarshal(data, &wf); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	f := Frame{Type: wf.Type}
	if wf.Type == FrameEvent || wf.Type == FrameMessageCount || wf.Type == FrameMissed {
		if len(wf.Data) > 0 {
			var ed eventData
			if err := json.Unmarshal(wf.Data, &ed); err != nil {
				return Frame{}, fmt.Errorf("%w: %s data: %v", ErrMalformedFrame, wf.Type, err)
			}
			f.DeliveryTag = ed.DeliveryTag
			f.Event = ed.Event
		}
	}
	return f, nil
}

// Ack acknowledges a single delivery tag. Safe to call from any goroutine.
func (c *Conn) Ack(ctx context.Context, deliveryTag uint64) error {
	data, err := json.Marshal(ackData{DeliveryTag: deliveryTag})
	if err != nil {
		return fmt.Errorf("wirews: marshal ack: %w", err)
	}
	return c.write(ctx, wireFrame{Type: frameAck, Data: data})
}

func (c *Conn) write(ctx context.Context, f wireFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("wirews: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("wirews: write: %w", err)
	}
	return nil
}

// Close stops keep-alive, sends a normal closure frame and closes the
// connection.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	return c.ws.CloseNow()
}

// Closed reports whether Close or CloseNow was called, or the keep-alive
// gave up on the connection.
func (c *Conn) Closed() bool { return c.closed.Load() }

func (c *Conn) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent := time.Now()
			pctx, cancel := context.WithTimeout(ctx, c.keepAliveTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				// Unblocks the reader; the caller sees a read error.
				c.CloseNow()
				return
			}
			if c.keepAliveCallback != nil {
				c.keepAliveCallback(time.Since(sent))
			}
		}
	}
}
