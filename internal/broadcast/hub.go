package broadcast

import (
	"context"
	"errors"
	"log/slog"

	"collabtext/diffsync/internal/diffsync"
)

// ErrClosed is returned by Subscribe once the broker has shut down.
var ErrClosed = errors.New("broker closed")

type subscriber struct {
	clientID string
	send     chan diffsync.Notification
}

// Hub delivers notifications to subscribers in this process. All
// bookkeeping happens on the run loop.
type Hub struct {
	log *slog.Logger

	clients    map[string]map[*subscriber]bool
	deliver    chan diffsync.Notification
	register   chan *subscriber
	unregister chan *subscriber
	stop       chan struct{}
	done       chan struct{}
}

// NewHub starts a Hub. Close stops it.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:        log,
		clients:    make(map[string]map[*subscriber]bool),
		deliver:    make(chan diffsync.Notification, 4*subscriberBuffer),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case sub := <-h.register:
			subs := h.clients[sub.clientID]
			if subs == nil {
				subs = make(map[*subscriber]bool)
				h.clients[sub.clientID] = subs
			}
			subs[sub] = true
			h.log.Debug("subscriber registered", "clientId", sub.clientID, "connections", len(subs))
		case sub := <-h.unregister:
			h.drop(sub)
		case n := <-h.deliver:
			for sub := range h.clients[n.To] {
				select {
				case sub.send <- n:
				default:
					h.log.Warn("subscriber too slow, notification dropped", "clientId", n.To, "topic", n.Topic())
				}
			}
		case <-h.stop:
			for _, subs := range h.clients {
				for sub := range subs {
					close(sub.send)
				}
			}
			h.clients = nil
			return
		}
	}
}

func (h *Hub) drop(sub *subscriber) {
	subs := h.clients[sub.clientID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.send)
	if len(subs) == 0 {
		delete(h.clients, sub.clientID)
	}
	h.log.Debug("subscriber unregistered", "clientId", sub.clientID)
}

// Notify queues n for delivery. It never blocks; when the queue is full the
// notification is dropped.
func (h *Hub) Notify(n diffsync.Notification) {
	select {
	case h.deliver <- n:
	case <-h.done:
	default:
		h.log.Warn("hub queue full, notification dropped", "clientId", n.To, "topic", n.Topic())
	}
}

func (h *Hub) Subscribe(ctx context.Context, clientID string) (*Subscription, error) {
	sub := &subscriber{clientID: clientID, send: make(chan diffsync.Notification, subscriberBuffer)}
	select {
	case h.register <- sub:
	case <-h.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Subscription{
		ClientID: clientID,
		C:        sub.send,
		cancel: func() {
			select {
			case h.unregister <- sub:
			case <-h.done:
			}
		},
	}, nil
}

// Close stops the hub and closes every subscription channel.
func (h *Hub) Close() error {
	select {
	case <-h.done:
	default:
		select {
		case h.stop <- struct{}{}:
		case <-h.done:
		}
		<-h.done
	}
	return nil
}
