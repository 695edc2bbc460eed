package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/diffsync/internal/broadcast"
	"collabtext/diffsync/internal/diff"
	"collabtext/diffsync/internal/diffsync"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 8 << 20
	sendBuffer     = 256
)

// conn is one client connection. Only writePump writes to ws.
type conn struct {
	srv      *Server
	ws       *websocket.Conn
	clientID string
	sub      *broadcast.Subscription
	log      *slog.Logger

	send chan []byte
	done chan struct{} // closed once reading stops
	dead chan struct{} // closed once writing stops

	mu       sync.Mutex
	entities map[diffsync.EntityKey]bool // sessions started on this connection
}

func newConn(srv *Server, ws *websocket.Conn, clientID string, sub *broadcast.Subscription) *conn {
	return &conn{
		srv:      srv,
		ws:       ws,
		clientID: clientID,
		sub:      sub,
		log:      srv.Log.With("clientId", clientID),
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		dead:     make(chan struct{}),
		entities: make(map[diffsync.EntityKey]bool),
	}
}

// serve runs the connection until the client goes away, then ends every
// session the client started on it.
func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		defer wg.Done()
		c.forward()
	}()

	c.log.Info("client connected")
	if b, err := encode(Envelope{Type: TypeHello}, HelloBody{ClientID: c.clientID}); err == nil {
		c.enqueue(b)
	}
	c.readPump(ctx)

	close(c.done)
	c.sub.Close()
	wg.Wait()
	c.ws.Close()

	c.mu.Lock()
	started := c.entities
	c.entities = nil
	c.mu.Unlock()
	for ek := range started {
		if err := c.srv.Manager.End(ctx, c.clientID, ek); err != nil && !errors.Is(err, diffsync.ErrSessionNotFound) {
			c.log.Warn("failed to end session", "entity", ek.String(), "err", err)
		}
	}
	c.log.Info("client disconnected", "sessions", len(started))
}

func (c *conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("read failed", "err", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.reply(Envelope{}, nil, diffsync.NewError(diffsync.CodeInvalidRequest, "bad envelope: %v", err))
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *conn) writePump() {
	defer close(c.dead)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Warn("write failed", "err", err)
				c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.ws.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
			return
		}
	}
}

// forward relays the client's notifications from the broker.
func (c *conn) forward() {
	for {
		select {
		case n, ok := <-c.sub.C:
			if !ok {
				return
			}
			b, err := notificationEnvelope(n)
			if err != nil {
				c.log.Error("failed to encode notification", "err", err)
				continue
			}
			c.enqueue(b)
		case <-c.done:
			return
		case <-c.dead:
			return
		}
	}
}

func (c *conn) enqueue(b []byte) {
	select {
	case c.send <- b:
	case <-c.done:
	case <-c.dead:
	}
}

func (c *conn) handle(ctx context.Context, env Envelope) {
	m := c.srv.Manager
	switch env.Type {
	case TypeStart:
		var req EntityRequest
		if !c.decode(env, &req) {
			return
		}
		res, err := m.Start(ctx, c.clientID, req.EntityKey)
		if err == nil {
			c.track(req.EntityKey, true)
		}
		c.reply(env, res, err)
	case TypePatch:
		var req PatchRequest
		if !c.decode(env, &req) {
			return
		}
		// Entries accepted before a failure were already acknowledged.
		res, err := m.Patch(ctx, c.clientID, req.EntityKey, req.Patches)
		c.reply(env, res, err)
	case TypeEnd:
		var req EntityRequest
		if !c.decode(env, &req) {
			return
		}
		err := m.End(ctx, c.clientID, req.EntityKey)
		if err == nil {
			c.track(req.EntityKey, false)
		}
		c.reply(env, struct{}{}, err)
	default:
		c.reply(env, nil, diffsync.NewError(diffsync.CodeInvalidRequest, "unknown message type %q", env.Type))
	}
}

func (c *conn) decode(env Envelope, v any) bool {
	if err := json.Unmarshal(env.Body, v); err != nil {
		code := diffsync.CodeInvalidRequest
		if errors.Is(err, diff.ErrMalformed) {
			code = diffsync.CodeMalformedPatch
		}
		c.reply(env, nil, diffsync.NewError(code, "%s: %v", env.Type, err))
		return false
	}
	return true
}

func (c *conn) track(ek diffsync.EntityKey, started bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if started {
		c.entities[ek] = true
	} else {
		delete(c.entities, ek)
	}
}

func (c *conn) reply(req Envelope, body any, err error) {
	env := Envelope{Type: OK(req.Type), ReplyTo: req.ID}
	if err != nil {
		var e *diffsync.Error
		if !errors.As(err, &e) {
			c.log.Error("request failed", "type", req.Type, "err", err)
			e = &diffsync.Error{Code: diffsync.CodeInternal, Message: err.Error()}
		}
		env.Type = TypeError
		body = e
	}
	b, encErr := encode(env, body)
	if encErr != nil {
		c.log.Error("failed to encode reply", "type", req.Type, "err", encErr)
		return
	}
	c.enqueue(b)
}
