// Package broadcast routes diffsync notifications to the connections of
// the clients they are addressed to.
package broadcast

import (
	"context"
	"sync"

	"collabtext/diffsync/internal/diffsync"
)

// Broker is a diffsync.Notifier that connections subscribe to by client
// id. Delivery is best effort: a subscriber that falls behind loses
// notifications, which the sync protocol recovers through retransmission.
type Broker interface {
	diffsync.Notifier
	Subscribe(ctx context.Context, clientID string) (*Subscription, error)
	Close() error
}

// Subscription receives the notifications for one client until closed.
type Subscription struct {
	ClientID string
	C        <-chan diffsync.Notification

	once   sync.Once
	cancel func()
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// subscriberBuffer is the number of notifications queued per subscriber.
const subscriberBuffer = 256
