package diff

import (
	"fmt"
	"unicode/utf8"
)

// Apply applies p to text, requiring every hunk to match exactly where it
// was computed. On error text is returned unchanged.
func (e *Engine) Apply(text string, p Patch) (string, error) {
	if p.Replace {
		return p.Text, nil
	}
	out := text
	for i, h := range p.Hunks {
		src := Source(h.Edits)
		loc := h.Start2
		if loc < 0 || loc+len(src) > len(out) || out[loc:loc+len(src)] != src {
			return text, fmt.Errorf("hunk %d at %d: %w", i, loc, ErrNoMatch)
		}
		out = out[:loc] + Target(h.Edits) + out[loc+len(src):]
	}
	return out, nil
}

// ApplyFuzzy applies p to text, relocating hunks whose context has moved or
// changed. A hunk is placed at the best bitap match within MatchRadius of
// its expected offset whose similarity to the hunk's context is at least
// MinSimilarity; edits are then mapped through a diff of the expected and
// found context. If any hunk cannot be placed the whole application fails
// and text is returned unchanged.
func (e *Engine) ApplyFuzzy(text string, p Patch) (string, error) {
	if p.Replace {
		return p.Text, nil
	}
	d := e.dmp()
	out := text
	delta := 0
	for i, h := range p.Hunks {
		expected := h.Start2 + delta
		src := Source(h.Edits)

		start, end := -1, -1
		if len(src) > maxBits {
			// Too long for bitap: anchor both ends.
			start = d.MatchMain(out, src[:maxBits], expected)
			if start != -1 {
				end = d.MatchMain(out, src[len(src)-maxBits:], expected+len(src)-maxBits)
				if end == -1 || start >= end {
					start = -1
				}
			}
		} else {
			start = d.MatchMain(out, src, expected)
		}
		if start == -1 {
			return text, fmt.Errorf("hunk %d near %d: %w", i, expected, ErrNoMatch)
		}
		start = runeFloor(out, start)
		delta += start - expected

		stop := start + len(src)
		if end != -1 {
			stop = end + maxBits
		}
		found := out[start:runeCeil(out, min(stop, len(out)))]
		if found == src {
			out = out[:start] + Target(h.Edits) + out[start+len(src):]
			continue
		}

		diffs := d.DiffMain(src, found, false)
		lev := d.DiffLevenshtein(diffs)
		n := max(utf8.RuneCountInString(src), 1)
		if len(src) > maxBits && float64(lev)/float64(n) > e.opts.DeleteThreshold {
			return text, fmt.Errorf("hunk %d: context too different: %w", i, ErrNoMatch)
		}
		if sim := ratio(lev, src, found); sim < e.opts.MinSimilarity {
			return text, fmt.Errorf("hunk %d: similarity %.2f below %.2f: %w", i, sim, e.opts.MinSimilarity, ErrNoMatch)
		}
		diffs = d.DiffCleanupSemanticLossless(diffs)

		index1 := 0
		for _, ed := range h.Edits {
			var index2 int
			if ed.Op != Equal {
				index2 = d.DiffXIndex(diffs, index1)
			}
			switch ed.Op {
			case Insert:
				at := min(start+index2, len(out))
				out = out[:at] + ed.Text + out[at:]
			case Delete:
				from := min(start+index2, len(out))
				to := min(start+d.DiffXIndex(diffs, index1+len(ed.Text)), len(out))
				if to > from {
					out = out[:from] + out[to:]
				}
			}
			if ed.Op != Delete {
				index1 += len(ed.Text)
			}
		}
	}
	return out, nil
}
