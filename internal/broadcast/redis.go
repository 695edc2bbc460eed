package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"collabtext/diffsync/internal/diffsync"
)

// ChannelPrefix prefixes the Redis channel of every client.
const ChannelPrefix = "diffsync:client:"

// Redis delivers notifications through Redis pub/sub so a client may be
// connected to any server sharing the Redis instance. Notify only queues;
// a background goroutine publishes.
type Redis struct {
	rdb *redis.Client
	log *slog.Logger

	out    chan diffsync.Notification
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis starts publishing through rdb. The client is not closed by
// Close.
func NewRedis(rdb *redis.Client, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		rdb:    rdb,
		log:    log,
		out:    make(chan diffsync.Notification, 4*subscriberBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	r.wg.Add(1)
	go r.publish()
	return r
}

func channel(clientID string) string {
	return ChannelPrefix + clientID
}

func (r *Redis) publish() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case n := <-r.out:
			payload, err := json.Marshal(n)
			if err != nil {
				r.log.Error("failed to encode notification", "clientId", n.To, "err", err)
				continue
			}
			if err := r.rdb.Publish(r.ctx, channel(n.To), payload).Err(); err != nil {
				r.log.Error("error publishing to redis", "clientId", n.To, "err", err)
			}
		}
	}
}

// Notify queues n for publishing. It never blocks.
func (r *Redis) Notify(n diffsync.Notification) {
	select {
	case r.out <- n:
	default:
		r.log.Warn("publish queue full, notification dropped", "clientId", n.To, "topic", n.Topic())
	}
}

func (r *Redis) Subscribe(ctx context.Context, clientID string) (*Subscription, error) {
	if r.ctx.Err() != nil {
		return nil, ErrClosed
	}
	pubsub := r.rdb.Subscribe(ctx, channel(clientID))
	// Wait for the confirmation so nothing published after return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", clientID, err)
	}

	out := make(chan diffsync.Notification, subscriberBuffer)
	done := make(chan struct{})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case <-r.ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n diffsync.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					r.log.Error("failed to decode notification", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case out <- n:
				default:
					r.log.Warn("subscriber too slow, notification dropped", "clientId", clientID, "topic", n.Topic())
				}
			}
		}
	}()
	return &Subscription{
		ClientID: clientID,
		C:        out,
		cancel: func() {
			close(done)
			_ = pubsub.Close()
		},
	}, nil
}

// Close stops publishing and ends every subscription.
func (r *Redis) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}
