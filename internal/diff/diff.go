// Package diff computes edit scripts between strings and turns them into
// patches that can be applied exactly or, when the target text has drifted,
// at an approximate location.
//
// Edit scripts come from the Myers algorithm in sergi/go-diff. Hunks,
// patch application and the wire form are defined here. All offsets are
// byte offsets into UTF-8 text and always fall on rune boundaries.
package diff

import (
	"time"
	"unicode/utf8"

	dmp "github.com/sergi/go-diff/diffmatchpatch"
)

// Op tags a span of an edit script.
type Op int8

const (
	Equal Op = iota
	Insert
	Delete
)

func (o Op) String() string {
	switch o {
	case Equal:
		return "="
	case Insert:
		return "+"
	case Delete:
		return "-"
	}
	return "?"
}

// Edit is one span of an edit script.
type Edit struct {
	Op   Op
	Text string
}

// Source returns the text the script expects to find (Equal and Delete spans).
func Source(edits []Edit) string {
	return join(edits, Insert)
}

// Target returns the text the script produces (Equal and Insert spans).
func Target(edits []Edit) string {
	return join(edits, Delete)
}

func join(edits []Edit, skip Op) string {
	n := 0
	for _, e := range edits {
		if e.Op != skip {
			n += len(e.Text)
		}
	}
	buf := make([]byte, 0, n)
	for _, e := range edits {
		if e.Op != skip {
			buf = append(buf, e.Text...)
		}
	}
	return string(buf)
}

// Options tunes the engine. The zero value is not useful; start from
// DefaultOptions.
type Options struct {
	// MinSimilarity is the lowest similarity ratio at which a hunk's
	// context is accepted at a fuzzy location.
	MinSimilarity float64
	// MatchRadius bounds, in bytes, how far from its expected position a
	// hunk may be relocated before the match is rejected.
	MatchRadius int
	// DeleteThreshold bounds how different a long deletion may be from the
	// text it removes.
	DeleteThreshold float64
	// ReplaceBelow makes Make emit a full-document replace when the base
	// and target are less similar than this ratio. Zero disables it.
	ReplaceBelow float64
	// Margin is the minimum context kept around each hunk.
	Margin int
	// Timeout caps the time spent computing a single diff.
	Timeout time.Duration
}

// DefaultOptions returns the tuning used by the sync server.
func DefaultOptions() Options {
	return Options{
		MinSimilarity:   0.5,
		MatchRadius:     1000,
		DeleteThreshold: 0.5,
		ReplaceBelow:    0.2,
		Margin:          4,
		Timeout:         time.Second,
	}
}

// maxBits is the longest pattern the bitap matcher handles.
const maxBits = 32

// Engine computes and applies patches. It is safe for concurrent use.
type Engine struct {
	opts Options
}

// New returns an engine using opts. Unset fields other than ReplaceBelow
// fall back to defaults.
func New(opts Options) *Engine {
	def := DefaultOptions()
	if opts.MinSimilarity <= 0 || opts.MinSimilarity > 1 {
		opts.MinSimilarity = def.MinSimilarity
	}
	if opts.MatchRadius <= 0 {
		opts.MatchRadius = def.MatchRadius
	}
	if opts.DeleteThreshold <= 0 {
		opts.DeleteThreshold = def.DeleteThreshold
	}
	if opts.ReplaceBelow < 0 {
		opts.ReplaceBelow = 0
	}
	if opts.Margin <= 0 {
		opts.Margin = def.Margin
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Engine{opts: opts}
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// dmp returns a matcher configured from the options.
func (e *Engine) dmp() *dmp.DiffMatchPatch {
	d := dmp.New()
	d.DiffTimeout = e.opts.Timeout
	d.MatchThreshold = 1 - e.opts.MinSimilarity
	d.MatchDistance = e.opts.MatchRadius
	d.PatchDeleteThreshold = e.opts.DeleteThreshold
	d.PatchMargin = e.opts.Margin
	d.MatchMaxBits = maxBits
	return d
}

// Diff returns the edit script turning base into target.
func (e *Engine) Diff(base, target string) []Edit {
	d := e.dmp()
	diffs := d.DiffMain(base, target, false)
	diffs = d.DiffCleanupEfficiency(diffs)
	return fromDMP(diffs)
}

// Similarity returns 1 - levenshtein(a, b) / max(len(a), len(b)), counted
// in runes. Two empty strings are identical.
func (e *Engine) Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	d := e.dmp()
	return ratio(d.DiffLevenshtein(d.DiffMain(a, b, false)), a, b)
}

func ratio(lev int, a, b string) float64 {
	n := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if n == 0 {
		return 1
	}
	return 1 - float64(lev)/float64(n)
}

func fromDMP(diffs []dmp.Diff) []Edit {
	edits := make([]Edit, 0, len(diffs))
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		var op Op
		switch d.Type {
		case dmp.DiffInsert:
			op = Insert
		case dmp.DiffDelete:
			op = Delete
		default:
			op = Equal
		}
		edits = append(edits, Edit{Op: op, Text: d.Text})
	}
	return edits
}

// runeFloor moves i back to the start of the rune containing it.
func runeFloor(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeCeil moves i forward to the next rune start.
func runeCeil(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
