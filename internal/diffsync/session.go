package diffsync

import (
	"sync"
	"time"
)

// session is one client's view of one entity. mu guards every field; the
// shadow and the version pair only change together under it.
type session struct {
	key SessionKey

	mu       sync.Mutex
	state    State
	shadow   string
	n        Version
	m        Version
	store    *patchStore
	ent      *entity
	lastSeen time.Time
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ClientID: s.key.ClientID,
		Entity:   s.key.Entity,
		State:    s.state,
		Shadow:   s.shadow,
		N:        s.n,
		M:        s.m,
		Pending:  len(s.store.pending),
	}
}

// live reports whether the session has been seeded and not yet ended. A
// session is visible in the table before Start seeds it.
func (s *session) live() bool {
	return s.state == StateStarted || s.state == StateActive
}

// seed resets the session to the entity's current value. Called with s.mu
// and ent.mu held.
func (s *session) seed(ent *entity, now time.Time) {
	s.state = StateStarted
	s.shadow = ent.value
	s.n, s.m = 0, 0
	s.store.reset()
	s.ent = ent
	s.lastSeen = now
}

// entity is the authoritative copy of a synchronized value and the set of
// sessions subscribed to it.
type entity struct {
	key EntityKey

	mu      sync.Mutex
	value   string
	rev     uint64
	subs    map[string]*session // by client id
	evicted bool
}

// others returns the subscribers other than clientID. Called with e.mu held.
func (e *entity) others(clientID string) []*session {
	out := make([]*session, 0, len(e.subs))
	for id, s := range e.subs {
		if id != clientID {
			out = append(out, s)
		}
	}
	return out
}

func (e *entity) current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}
