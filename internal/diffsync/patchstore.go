package diffsync

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type digest [sha256.Size]byte

func digestOf(e PatchEntry) (digest, error) {
	b, err := json.Marshal(e.Patches)
	if err != nil {
		return digest{}, err
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d:%d:", e.N, e.M)
	h.Write(b)
	var d digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// patchStore holds one session's patches in flight: server patches awaiting
// acknowledgement by the client, ordered by M, and a window of recently
// accepted client patch ids for replay detection.
type patchStore struct {
	pending  []PatchMessage
	limit    int
	overflow bool

	window   int
	accepted map[uuid.UUID]digest
	order    []uuid.UUID
}

func newPatchStore(pendingLimit, replayWindow int) *patchStore {
	return &patchStore{
		limit:    pendingLimit,
		window:   replayWindow,
		accepted: make(map[uuid.UUID]digest),
	}
}

// push records a server patch sent to the client. Once more than limit
// patches are unacknowledged the store overflows and the session can only
// recover by resyncing.
func (s *patchStore) push(msg PatchMessage) {
	s.pending = append(s.pending, msg)
	if s.limit > 0 && len(s.pending) > s.limit {
		s.overflow = true
	}
}

// ack drops pending patches the client has seen, i.e. those with M <= m.
func (s *patchStore) ack(m Version) int {
	i := 0
	for i < len(s.pending) && s.pending[i].M <= m {
		i++
	}
	if i > 0 {
		s.pending = append(s.pending[:0], s.pending[i:]...)
	}
	if s.overflow && (s.limit <= 0 || len(s.pending) <= s.limit) {
		s.overflow = false
	}
	return i
}

// unacked returns a copy of the pending patches.
func (s *patchStore) unacked() []PatchMessage {
	if len(s.pending) == 0 {
		return nil
	}
	out := make([]PatchMessage, len(s.pending))
	copy(out, s.pending)
	return out
}

func (s *patchStore) remember(id uuid.UUID, d digest) {
	if _, ok := s.accepted[id]; ok {
		return
	}
	s.accepted[id] = d
	s.order = append(s.order, id)
	for len(s.order) > s.window {
		delete(s.accepted, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *patchStore) lookup(id uuid.UUID) (digest, bool) {
	d, ok := s.accepted[id]
	return d, ok
}

func (s *patchStore) reset() {
	s.pending = nil
	s.overflow = false
	s.accepted = make(map[uuid.UUID]digest)
	s.order = nil
}
