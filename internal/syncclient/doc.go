// Package syncclient implements the client half of differential
// synchronization: a local document, its shadow and the stack of edits the
// server has not acknowledged yet.
package syncclient

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"collabtext/diffsync/internal/diff"
	"collabtext/diffsync/internal/diffsync"
)

// Doc is a client's copy of one entity. Local edits are diffed as they are
// made, so the shadow always equals the local text between calls. It is
// safe for concurrent use.
type Doc struct {
	Key diffsync.EntityKey

	eng *diff.Engine

	mu     sync.Mutex
	text   string
	shadow string
	n, m   diffsync.Version
	edits  []diffsync.PatchEntry
}

// New returns a Doc seeded from a start reply.
func New(eng *diff.Engine, key diffsync.EntityKey, start diffsync.StartResult) *Doc {
	return &Doc{
		Key:    key,
		eng:    eng,
		text:   start.Text,
		shadow: start.Text,
		n:      start.N,
		m:      start.M,
	}
}

// Text returns the local document.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

// Versions returns the client's (n, m).
func (d *Doc) Versions() (n, m diffsync.Version) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n, d.m
}

// Edit replaces the local document with text and returns every edit the
// server has not acknowledged, the new one included. The result is what
// the next patch request should carry.
func (d *Doc) Edit(text string) []diffsync.PatchEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text = text
	if text != d.shadow {
		d.edits = append(d.edits, diffsync.PatchEntry{
			ID:      uuid.New(),
			Patches: d.eng.Make(d.shadow, text),
			N:       d.n,
			M:       d.m,
		})
		d.shadow = text
		d.n++
	}
	return d.unacked()
}

// Pending returns the edits the server has not acknowledged.
func (d *Doc) Pending() []diffsync.PatchEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unacked()
}

func (d *Doc) unacked() []diffsync.PatchEntry {
	if len(d.edits) == 0 {
		return nil
	}
	out := make([]diffsync.PatchEntry, len(d.edits))
	copy(out, d.edits)
	return out
}

// drop forgets edits the server reports having accepted, i.e. those with
// N below n.
func (d *Doc) drop(n diffsync.Version) {
	i := 0
	for i < len(d.edits) && d.edits[i].N < n {
		i++
	}
	d.edits = append(d.edits[:0], d.edits[i:]...)
}

// Ack handles a diffSync.ack.
func (d *Doc) Ack(a diffsync.AckMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop(a.N)
}

// Accepted handles a patch reply. Results that the server accepted or saw
// before are no longer pending.
func (d *Doc) Accepted(res diffsync.PatchResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop(res.N)
}

// Patch applies a server edit. It reports whether the local document
// changed. Patches the client has already applied, or that arrive ahead of
// a missing one, are ignored; the server resends them until acknowledged.
func (d *Doc) Patch(p diffsync.PatchMessage) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.M != d.m+1 {
		return false, nil
	}
	d.drop(p.N)

	var (
		shadow string
		err    error
	)
	if p.N == d.n {
		shadow, err = d.eng.Apply(d.shadow, p.Patches)
	} else {
		// Local edits the server has not seen yet are in the shadow.
		shadow, err = d.eng.ApplyFuzzy(d.shadow, p.Patches)
	}
	if err != nil {
		return false, fmt.Errorf("server patch m=%d: %w", p.M, err)
	}

	changed := shadow != d.text
	d.shadow = shadow
	d.text = shadow
	d.m = p.M
	return changed, nil
}

// Resync reseeds the document after the server lost track of the session
// and returns the entries that carry unsynchronized local text over to the
// fresh session. When the texts differ too much this is a full replace.
func (d *Doc) Resync(start diffsync.StartResult) []diffsync.PatchEntry {
	d.mu.Lock()
	local := d.text
	d.shadow = start.Text
	d.text = start.Text
	d.n, d.m = start.N, start.M
	d.edits = nil
	d.mu.Unlock()
	if local == start.Text {
		return nil
	}
	return d.Edit(local)
}
