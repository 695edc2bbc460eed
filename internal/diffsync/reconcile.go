package diffsync

import (
	"collabtext/diffsync/internal/diff"
)

// verdict is the reconciler's decision for one patch entry.
type verdict struct {
	outcome Outcome
	shadow  string // new shadow when accepted
	fuzzy   bool   // the shadow was patched at a relocated position
	digest  digest
}

// reconcile decides the fate of e against the session's (shadow, n, m). It
// does not modify the session. Called with s.mu held.
//
// A client patch is computed against the client's shadow at (e.N, e.M):
//   - a replay of an accepted id with the same payload is a duplicate;
//   - e.N must equal the session's n, anything else is out of order;
//   - e.M ahead of the session's m claims server edits never sent;
//   - e.M equal to m applies to the shadow exactly, or fuzzily if the
//     client's edit script is imprecise;
//   - e.M behind m means the client has not seen the latest server edits,
//     so the patch is applied fuzzily to the current shadow. The stale
//     shadow is not kept; patching the current one folds the server edits
//     the client missed into the result.
func reconcile(eng *diff.Engine, s *session, e PatchEntry) (verdict, error) {
	d, err := digestOf(e)
	if err != nil {
		return verdict{}, NewError(CodeMalformedPatch, "patch %s: %v", e.ID, err)
	}
	if prev, ok := s.store.lookup(e.ID); ok {
		if prev != d {
			return verdict{}, NewError(CodeMalformedPatch, "patch id %s reused with different content", e.ID)
		}
		return verdict{outcome: OutcomeDuplicate, digest: d}, nil
	}
	if err := e.Patches.Validate(); err != nil {
		return verdict{}, NewError(CodeMalformedPatch, "patch %s: %v", e.ID, err)
	}
	if s.store.overflow {
		return verdict{}, NewError(CodeVersionConflict, "%d server patches unacknowledged, resync required", len(s.store.pending))
	}
	if e.N != s.n {
		return verdict{}, NewError(CodeVersionConflict, "patch %s has n=%d, expected %d", e.ID, e.N, s.n)
	}
	if e.M > s.m {
		return verdict{}, NewError(CodeVersionConflict, "patch %s has m=%d, server is at %d", e.ID, e.M, s.m)
	}

	v := verdict{outcome: OutcomeAccepted, digest: d}
	if e.M == s.m {
		if v.shadow, err = eng.Apply(s.shadow, e.Patches); err == nil {
			return v, nil
		}
		if v.shadow, err = eng.ApplyFuzzy(s.shadow, e.Patches); err != nil {
			return verdict{}, NewError(CodeMalformedPatch, "patch %s does not apply: %v", e.ID, err)
		}
		v.fuzzy = true
		return v, nil
	}
	if v.shadow, err = eng.ApplyFuzzy(s.shadow, e.Patches); err != nil {
		return verdict{}, NewError(CodeVersionConflict, "patch %s at m=%d is behind %d and does not apply: %v", e.ID, e.M, s.m, err)
	}
	v.fuzzy = true
	return v, nil
}
