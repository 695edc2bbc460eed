package diff

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoMatch is returned when a hunk cannot be located in the text.
	ErrNoMatch = errors.New("patch does not match text")
	// ErrMalformed is returned for patches whose hunks are inconsistent.
	ErrMalformed = errors.New("malformed patch")
)

// Hunk is a contiguous group of edits. Start2 is the offset at which the
// hunk applies once every earlier hunk of the same patch has been applied.
type Hunk struct {
	Start1  int    `json:"start1"`
	Start2  int    `json:"start2"`
	Length1 int    `json:"length1"`
	Length2 int    `json:"length2"`
	Edits   []Edit `json:"edits"`
}

// Patch is either an ordered list of hunks or a full-document replace.
type Patch struct {
	Hunks   []Hunk
	Replace bool
	Text    string
}

// ReplaceWith returns a patch that replaces the whole document with text.
func ReplaceWith(text string) Patch {
	return Patch{Replace: true, Text: text}
}

// IsEmpty reports whether applying p leaves any text unchanged.
func (p Patch) IsEmpty() bool {
	return !p.Replace && len(p.Hunks) == 0
}

// Validate checks that every hunk's lengths agree with its edits.
func (p Patch) Validate() error {
	if p.Replace {
		if len(p.Hunks) != 0 {
			return fmt.Errorf("%w: replace patch carries hunks", ErrMalformed)
		}
		return nil
	}
	for i, h := range p.Hunks {
		if h.Start1 < 0 || h.Start2 < 0 {
			return fmt.Errorf("%w: hunk %d has a negative offset", ErrMalformed, i)
		}
		if len(h.Edits) == 0 {
			return fmt.Errorf("%w: hunk %d is empty", ErrMalformed, i)
		}
		if n := len(Source(h.Edits)); n != h.Length1 {
			return fmt.Errorf("%w: hunk %d length1 %d, edits cover %d", ErrMalformed, i, h.Length1, n)
		}
		if n := len(Target(h.Edits)); n != h.Length2 {
			return fmt.Errorf("%w: hunk %d length2 %d, edits produce %d", ErrMalformed, i, h.Length2, n)
		}
	}
	return nil
}

// String renders p in the unified-diff-like form used in logs.
func (p Patch) String() string {
	if p.Replace {
		return fmt.Sprintf("replace(%d bytes)", len(p.Text))
	}
	var sb strings.Builder
	for _, h := range p.Hunks {
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", h.Start1, h.Length1, h.Start2, h.Length2)
		for _, e := range h.Edits {
			fmt.Fprintf(&sb, "%s%q\n", e.Op, e.Text)
		}
	}
	return sb.String()
}

type replaceJSON struct {
	Replace *string `json:"replace"`
}

// MarshalJSON encodes a delta patch as an array of hunks and a replace
// patch as {"replace": text}.
func (p Patch) MarshalJSON() ([]byte, error) {
	if p.Replace {
		return json.Marshal(replaceJSON{Replace: &p.Text})
	}
	if p.Hunks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.Hunks)
}

func (p *Patch) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*p = Patch{}
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return nil
	case data[0] == '{':
		var r replaceJSON
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if r.Replace == nil {
			return fmt.Errorf("%w: object patch without replace", ErrMalformed)
		}
		p.Replace = true
		p.Text = *r.Replace
	case data[0] == '[':
		if err := json.Unmarshal(data, &p.Hunks); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unexpected %q", ErrMalformed, data[:1])
	}
	return p.Validate()
}

type editJSON struct {
	Op   string `json:"op"`
	Text string `json:"text"`
}

func (e Edit) MarshalJSON() ([]byte, error) {
	return json.Marshal(editJSON{Op: e.Op.String(), Text: e.Text})
}

func (e *Edit) UnmarshalJSON(data []byte) error {
	var ej editJSON
	if err := json.Unmarshal(data, &ej); err != nil {
		return err
	}
	switch ej.Op {
	case "=":
		e.Op = Equal
	case "+":
		e.Op = Insert
	case "-":
		e.Op = Delete
	default:
		return fmt.Errorf("%w: unknown edit op %q", ErrMalformed, ej.Op)
	}
	e.Text = ej.Text
	return nil
}

// Make returns a patch turning base into target.
func (e *Engine) Make(base, target string) Patch {
	if base == target {
		return Patch{}
	}
	d := e.dmp()
	raw := d.DiffMain(base, target, false)
	if base != "" && e.opts.ReplaceBelow > 0 {
		if ratio(d.DiffLevenshtein(raw), base, target) < e.opts.ReplaceBelow {
			return ReplaceWith(target)
		}
	}
	return Patch{Hunks: e.hunks(base, fromDMP(d.DiffCleanupEfficiency(raw)))}
}

// MakeFromEdits groups an existing edit script for base into hunks.
func (e *Engine) MakeFromEdits(base string, edits []Edit) Patch {
	return Patch{Hunks: e.hunks(base, edits)}
}

// hunks groups edits into hunks separated by equalities longer than twice
// the margin. Context is taken from the text as it looks once the earlier
// hunks have been applied.
func (e *Engine) hunks(text string, edits []Edit) []Hunk {
	if len(edits) == 0 {
		return nil
	}
	margin := e.opts.Margin
	var (
		out    []Hunk
		h      Hunk
		count1 int
		count2 int
		pre    = text
		post   = text
	)
	for i, ed := range edits {
		if len(h.Edits) == 0 && ed.Op != Equal {
			h.Start1 = count1
			h.Start2 = count2
		}
		switch ed.Op {
		case Insert:
			h.Edits = append(h.Edits, ed)
			h.Length2 += len(ed.Text)
			post = post[:count2] + ed.Text + post[count2:]
		case Delete:
			h.Edits = append(h.Edits, ed)
			h.Length1 += len(ed.Text)
			post = post[:count2] + post[count2+len(ed.Text):]
		case Equal:
			if len(ed.Text) <= 2*margin && len(h.Edits) != 0 && i != len(edits)-1 {
				h.Edits = append(h.Edits, ed)
				h.Length1 += len(ed.Text)
				h.Length2 += len(ed.Text)
			}
			if len(ed.Text) >= 2*margin && len(h.Edits) != 0 {
				e.addContext(&h, pre)
				out = append(out, h)
				h = Hunk{}
				pre = post
				count1 = count2
			}
		}
		if ed.Op != Insert {
			count1 += len(ed.Text)
		}
		if ed.Op != Delete {
			count2 += len(ed.Text)
		}
	}
	if len(h.Edits) != 0 {
		e.addContext(&h, pre)
		out = append(out, h)
	}
	return out
}

// addContext surrounds h with enough equal text for its pattern to be
// unique in text, within the bitap pattern limit.
func (e *Engine) addContext(h *Hunk, text string) {
	if text == "" {
		return
	}
	margin := e.opts.Margin
	end := h.Start2 + h.Length1
	pattern := text[h.Start2:end]
	padding := 0
	for strings.Index(text, pattern) != strings.LastIndex(text, pattern) && len(pattern) < maxBits-2*margin {
		padding += margin
		lo := runeFloor(text, max(0, h.Start2-padding))
		hi := runeCeil(text, min(len(text), end+padding))
		pattern = text[lo:hi]
	}
	padding += margin

	prefix := text[runeFloor(text, max(0, h.Start2-padding)):h.Start2]
	suffix := text[end:runeCeil(text, min(len(text), end+padding))]
	if prefix != "" {
		if h.Edits[0].Op == Equal {
			h.Edits[0].Text = prefix + h.Edits[0].Text
		} else {
			h.Edits = append([]Edit{{Op: Equal, Text: prefix}}, h.Edits...)
		}
	}
	if suffix != "" {
		if last := len(h.Edits) - 1; h.Edits[last].Op == Equal {
			h.Edits[last].Text += suffix
		} else {
			h.Edits = append(h.Edits, Edit{Op: Equal, Text: suffix})
		}
	}
	h.Start1 -= len(prefix)
	h.Start2 -= len(prefix)
	h.Length1 += len(prefix) + len(suffix)
	h.Length2 += len(prefix) + len(suffix)
}
