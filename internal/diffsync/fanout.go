package diffsync

import (
	"github.com/google/uuid"
)

// ack notifies the session's own client that patch id was handled. Called
// with s.mu held so acks leave in version order.
func (m *Manager) ack(s *session, id uuid.UUID) {
	m.notifier.Notify(Notification{
		To:     s.key.ClientID,
		Entity: s.key.Entity,
		Ack: &AckMessage{
			Type:     TypeAck,
			ID:       id,
			ClientID: s.key.ClientID,
			N:        s.n,
			M:        s.m,
		},
	})
}

// push brings a co-editor's shadow up to the authoritative value and sends
// the client the diff. Each recipient is diffed against its own shadow, so
// one edit may reach different clients as different patches. A session
// whose shadow already matches gets nothing.
func (m *Manager) push(s *session, id uuid.UUID, from string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live() {
		return
	}
	cur := s.ent.current()
	if cur == s.shadow {
		return
	}
	p := m.engine.Make(s.shadow, cur)
	s.shadow = cur
	s.m++
	msg := PatchMessage{
		Type:     TypePatch,
		ID:       id,
		ClientID: from,
		N:        s.n,
		M:        s.m,
		Patches:  p,
	}
	s.store.push(msg)
	m.notifier.Notify(Notification{To: s.key.ClientID, Entity: s.key.Entity, Patch: &msg})
}

// retransmit resends every server patch the client has not acknowledged.
// Called with s.mu held.
func (m *Manager) retransmit(s *session) {
	for _, msg := range s.store.unacked() {
		msg := msg
		m.notifier.Notify(Notification{To: s.key.ClientID, Entity: s.key.Entity, Patch: &msg})
	}
}
