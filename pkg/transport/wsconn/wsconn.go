// Package wsconn carries tagged messages over a websocket. Each message is
// one JSON text frame holding a [tag, payload] array.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/germanamz/portbridge/pkg/wire"
)

const defaultReadLimit = 1 << 20

// Codec applies the tag namespace used on the wire.
type Codec struct {
	// Prefix is prepended as "Prefix." to outbound tags and stripped from
	// inbound tags. Empty means tags travel as they are.
	Prefix string
}

// Outbound converts a bridge message to its wire form.
func (c Codec) Outbound(m wire.Message) wire.Message {
	m.Tag = m.Tag.WithPrefix(c.Prefix)
	return m
}

// Inbound converts a wire message to its bridge form. Tags without the
// prefix pass through unchanged.
func (c Codec) Inbound(m wire.Message) wire.Message {
	m.Tag = m.Tag.TrimPrefix(c.Prefix)
	return m
}

// Options configures Accept and Dial.
type Options struct {
	Codec Codec
	// OriginPatterns lists hosts allowed to open a connection from a
	// browser. See websocket.AcceptOptions.
	OriginPatterns []string
	// InsecureSkipVerify disables the origin check entirely.
	InsecureSkipVerify bool
	// ReadLimit caps the size of one inbound frame. Defaults to 1 MiB.
	ReadLimit int64
	// HTTPHeader is sent with Dial requests.
	HTTPHeader http.Header
	Logger     *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}

	return o.Logger
}

// Conn is one websocket end of the tagged channel. Send may be called
// concurrently with Read or Pump.
type Conn struct {
	ws    *websocket.Conn
	codec Codec
	log   *slog.Logger

	mu  sync.Mutex
	err error
}

func newConn(ws *websocket.Conn, opts Options) *Conn {
	limit := opts.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	ws.SetReadLimit(limit)

	return &Conn{ws: ws, codec: opts.Codec, log: opts.logger()}
}

// Accept upgrades an HTTP request to a tagged-channel connection.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     opts.OriginPatterns,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("wsconn: accept: %w", err)
	}

	return newConn(ws, opts), nil
}

// Dial connects to a tagged-channel endpoint at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: opts.HTTPHeader})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("wsconn: dial %s: %w", url, err)
	}

	return newConn(ws, opts), nil
}

// Send writes one message. It implements router.Sink.
func (c *Conn) Send(ctx context.Context, m wire.Message) error {
	if err := wsjson.Write(ctx, c.ws, c.codec.Outbound(m)); err != nil {
		return fmt.Errorf("wsconn: send %s: %w", m.Tag, err)
	}

	return nil
}

// Read reads the next message. A frame that is not a [tag, payload] array
// is returned as an error wrapping wire.ErrMalformedPayload; the connection
// stays usable.
func (c *Conn) Read(ctx context.Context) (wire.Message, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return wire.Message{}, fmt.Errorf("wsconn: read: %w", err)
	}

	var m wire.Message
	if err := json.Unmarshal(data, &m); err != nil {
		if !errors.Is(err, wire.ErrMalformedPayload) {
			err = fmt.Errorf("%w: %w", wire.ErrMalformedPayload, err)
		}
		return wire.Message{}, fmt.Errorf("wsconn: read: %w", err)
	}

	return c.codec.Inbound(m), nil
}

// Pump reads messages on a new goroutine and delivers them on the returned
// channel. Malformed frames are logged and skipped. The channel is closed
// when reading fails or ctx is done; Err then reports why.
func (c *Conn) Pump(ctx context.Context) <-chan wire.Message {
	out := make(chan wire.Message)

	go func() {
		defer close(out)

		for {
			m, err := c.Read(ctx)
			if err != nil {
				if errors.Is(err, wire.ErrMalformedPayload) {
					c.log.WarnContext(ctx, "dropped malformed frame", "error", err)
					continue
				}
				c.setErr(err)
				if isNormalClose(err) || ctx.Err() != nil {
					c.log.DebugContext(ctx, "connection closed", "error", err)
				} else {
					c.log.WarnContext(ctx, "connection read failed", "error", err)
				}
				return
			}

			select {
			case out <- m:
			case <-ctx.Done():
				c.setErr(ctx.Err())
				return
			}
		}
	}()

	return out
}

// Err returns the error that ended Pump, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		c.err = err
	}
}

// Close closes the connection with a normal closure status.
func (c *Conn) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	if err != nil && !isNormalClose(err) && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("wsconn: close: %w", err)
	}

	return nil
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}

	return false
}
