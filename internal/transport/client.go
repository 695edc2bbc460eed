package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/diffsync/internal/diffsync"
)

// ErrConnClosed is returned by calls on a closed Client.
var ErrConnClosed = errors.New("connection closed")

// Client is the client end of a sync connection. Requests may be issued
// from any goroutine; notifications arrive on Notifications.
type Client struct {
	ClientID string

	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu    sync.Mutex
	calls map[string]chan Envelope
	err   error

	notes chan Envelope
	done  chan struct{}
}

// Dial connects to the server at addr, a ws:// or wss:// URL of the /ws
// endpoint. An empty clientID lets the server assign one.
func Dial(ctx context.Context, addr, clientID string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if clientID != "" {
		q := u.Query()
		q.Set("clientId", clientID)
		u.RawQuery = q.Encode()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	// The server always opens with a hello.
	var hello Envelope
	_ = ws.SetReadDeadline(time.Now().Add(writeWait))
	if err := ws.ReadJSON(&hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if hello.Type != TypeHello {
		ws.Close()
		return nil, fmt.Errorf("handshake: unexpected %q", hello.Type)
	}
	_ = ws.SetReadDeadline(time.Time{})
	var hb HelloBody
	if err := json.Unmarshal(hello.Body, &hb); err != nil {
		ws.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	c := &Client{
		ClientID: hb.ClientID,
		ws:       ws,
		log:      log.With("clientId", hb.ClientID),
		calls:    make(map[string]chan Envelope),
		notes:    make(chan Envelope, sendBuffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Notifications returns the channel of diffSync.ack and diffSync.patch
// envelopes. It is closed when the connection ends.
func (c *Client) Notifications() <-chan Envelope {
	return c.notes
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.notes)
	var err error
loop:
	for {
		var env Envelope
		if err = c.ws.ReadJSON(&env); err != nil {
			break
		}
		if env.ReplyTo != "" {
			c.mu.Lock()
			ch := c.calls[env.ReplyTo]
			delete(c.calls, env.ReplyTo)
			c.mu.Unlock()
			if ch != nil {
				ch <- env
			}
			continue
		}
		select {
		case c.notes <- env:
		case <-c.done:
			err = ErrConnClosed
			break loop
		}
	}

	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	calls := c.calls
	c.calls = nil
	c.mu.Unlock()
	for _, ch := range calls {
		close(ch)
	}
	c.closeDone()
}

func (c *Client) closeDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Call sends a request and decodes the reply body into out. An error reply
// is returned as a *diffsync.Error.
func (c *Client) Call(ctx context.Context, typ string, body, out any) error {
	id := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan Envelope, 1)
	c.mu.Lock()
	if c.calls == nil {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.calls[id] = ch
	c.mu.Unlock()

	msg, err := encode(Envelope{Type: typ, ID: id}, body)
	if err != nil {
		c.forget(id)
		return err
	}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.ws.WriteMessage(websocket.TextMessage, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return ErrConnClosed
		}
		if env.Type == TypeError {
			e := &diffsync.Error{}
			if err := json.Unmarshal(env.Body, e); err != nil {
				return err
			}
			return e
		}
		if out != nil && len(env.Body) > 0 {
			return json.Unmarshal(env.Body, out)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	if c.calls != nil {
		delete(c.calls, id)
	}
	c.mu.Unlock()
}

// Start begins a session on ek.
func (c *Client) Start(ctx context.Context, ek diffsync.EntityKey) (diffsync.StartResult, error) {
	var res diffsync.StartResult
	err := c.Call(ctx, TypeStart, EntityRequest{EntityKey: ek}, &res)
	return res, err
}

// Patch sends patch entries for ek.
func (c *Client) Patch(ctx context.Context, ek diffsync.EntityKey, entries []diffsync.PatchEntry) (diffsync.PatchResult, error) {
	var res diffsync.PatchResult
	err := c.Call(ctx, TypePatch, PatchRequest{EntityKey: ek, Patches: entries}, &res)
	return res, err
}

// End ends the session on ek.
func (c *Client) End(ctx context.Context, ek diffsync.EntityKey) error {
	return c.Call(ctx, TypeEnd, EntityRequest{EntityKey: ek}, nil)
}

// Close closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.closeDone()
	return c.ws.Close()
}

// DecodeAck decodes a diffSync.ack envelope.
func DecodeAck(env Envelope) (diffsync.EntityKey, diffsync.AckMessage, error) {
	var b AckBody
	err := json.Unmarshal(env.Body, &b)
	return b.EntityKey, b.AckMessage, err
}

// DecodePatch decodes a diffSync.patch envelope.
func DecodePatch(env Envelope) (diffsync.EntityKey, diffsync.PatchMessage, error) {
	var b PatchBody
	err := json.Unmarshal(env.Body, &b)
	return b.EntityKey, b.PatchMessage, err
}
