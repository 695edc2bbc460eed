package diffsync

import (
	"context"
	"sync"
)

// Gate decides whether a client may read or write an entity. A denial is
// returned as an error; it is reported to the caller as UNAUTHORIZED.
type Gate interface {
	CanRead(ctx context.Context, clientID string, entity EntityKey) error
	CanWrite(ctx context.Context, clientID string, entity EntityKey) error
}

// AllowAll is a Gate that permits everything.
type AllowAll struct{}

func (AllowAll) CanRead(context.Context, string, EntityKey) error  { return nil }
func (AllowAll) CanWrite(context.Context, string, EntityKey) error { return nil }

// Store persists authoritative entity values. Load returns "" with a nil
// error for an entity that has never been saved.
type Store interface {
	Load(ctx context.Context, entity EntityKey) (string, error)
	Save(ctx context.Context, entity EntityKey, value string) error
}

// Notifier delivers notifications. Notify is called with session locks
// held and must not block; delivery is best effort.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

type discard struct{}

func (discard) Notify(Notification) {}

// MemStore is a Store kept in memory.
type MemStore struct {
	mu     sync.RWMutex
	values map[EntityKey]string
}

func NewMemStore() *MemStore {
	return &MemStore{values: make(map[EntityKey]string)}
}

func (s *MemStore) Load(_ context.Context, entity EntityKey) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[entity], nil
}

func (s *MemStore) Save(_ context.Context, entity EntityKey, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[entity] = value
	return nil
}
