package diffsync

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"collabtext/diffsync/internal/diff"
)

func TestPatchStoreAck(t *testing.T) {
	s := newPatchStore(3, 8)
	for m := Version(1); m <= 4; m++ {
		s.push(PatchMessage{Type: TypePatch, M: m})
	}
	if !s.overflow {
		t.Fatal("expected overflow after four pushes with limit three")
	}
	if n := s.ack(0); n != 0 {
		t.Errorf("ack(0) dropped %d", n)
	}
	if n := s.ack(2); n != 2 {
		t.Errorf("ack(2) dropped %d", n)
	}
	if s.overflow {
		t.Error("overflow not cleared")
	}
	var got []Version
	for _, p := range s.unacked() {
		got = append(got, p.M)
	}
	if d := cmp.Diff([]Version{3, 4}, got); d != "" {
		t.Errorf("unacked (-want +got):\n%s", d)
	}

	// unacked returns a copy.
	u := s.unacked()
	u[0].M = 99
	if s.pending[0].M != 3 {
		t.Error("unacked aliases pending")
	}
}

func TestPatchStoreReplayWindow(t *testing.T) {
	s := newPatchStore(0, 2)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, id := range ids {
		s.remember(id, digest{byte(i)})
	}
	if _, ok := s.lookup(ids[0]); ok {
		t.Error("oldest id kept past the window")
	}
	for i, id := range ids[1:] {
		d, ok := s.lookup(id)
		if !ok || d != (digest{byte(i + 1)}) {
			t.Errorf("id %d: %v %v", i+1, d, ok)
		}
	}
	s.reset()
	if _, ok := s.lookup(ids[2]); ok || len(s.pending) != 0 {
		t.Error("reset kept state")
	}
}

func TestDigestCoversVersions(t *testing.T) {
	p := diff.New(diff.DefaultOptions()).Make("abc", "abd")
	a, err := digestOf(PatchEntry{Patches: p, N: 1, M: 2})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := digestOf(PatchEntry{Patches: p, N: 1, M: 3})
	c, _ := digestOf(PatchEntry{ID: uuid.New(), Patches: p, N: 1, M: 2})
	if a == b {
		t.Error("digest ignores m")
	}
	if a != c {
		t.Error("digest depends on the id")
	}
}
