package diff

import (
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDiffSourceTarget(t *testing.T) {
	e := New(DefaultOptions())
	tests := []struct {
		base, target string
	}{
		{"", ""},
		{"", "hello"},
		{"hello", ""},
		{"abc", "abd"},
		{"The quick brown fox", "The quick red fox jumps"},
		{"héllo wörld", "hello world 🌍"},
	}
	for _, tt := range tests {
		edits := e.Diff(tt.base, tt.target)
		if got := Source(edits); got != tt.base {
			t.Errorf("Source(Diff(%q, %q)) = %q", tt.base, tt.target, got)
		}
		if got := Target(edits); got != tt.target {
			t.Errorf("Target(Diff(%q, %q)) = %q", tt.base, tt.target, got)
		}
	}
}

func TestMakeApplyRoundTrip(t *testing.T) {
	tests := []struct {
		name         string
		base, target string
	}{
		{"empty", "", ""},
		{"from empty", "", "hello"},
		{"to empty", "hello", ""},
		{"single edit", "The quick brown fox", "The quick red fox"},
		{"two hunks", "The quick brown fox jumps over the lazy dog", "The slow brown fox jumps over the lazy cat"},
		{"repeated context", "abababababababababab", "ababababXbababababab"},
		{"unicode", "héllo wörld, ça va?", "hello world 🌍, ça va bien?"},
		{"multiline", "line one\nline two\nline three\n", "line one\nline 2\nline three\nline four\n"},
	}
	engines := map[string]*Engine{
		"default":    New(DefaultOptions()),
		"no replace": New(Options{ReplaceBelow: 0}),
	}
	for ename, e := range engines {
		for _, tt := range tests {
			t.Run(ename+"/"+tt.name, func(t *testing.T) {
				p := e.Make(tt.base, tt.target)
				got, err := e.Apply(tt.base, p)
				if err != nil {
					t.Fatalf("Apply: %v\n%s", err, p)
				}
				if got != tt.target {
					t.Fatalf("Apply = %q, want %q\n%s", got, tt.target, p)
				}
				got, err = e.ApplyFuzzy(tt.base, p)
				if err != nil {
					t.Fatalf("ApplyFuzzy: %v", err)
				}
				if got != tt.target {
					t.Fatalf("ApplyFuzzy = %q, want %q", got, tt.target)
				}
			})
		}
	}
}

func TestMakeApplyRoundTripRandom(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	e := New(Options{ReplaceBelow: 0})
	const alphabet = "abc de\nfgé"
	randText := func(n int) string {
		rs := []rune(alphabet)
		var sb strings.Builder
		for i := 0; i < n; i++ {
			sb.WriteRune(rs[r.Intn(len(rs))])
		}
		return sb.String()
	}
	mutate := func(s string) string {
		rs := []rune(s)
		for k := r.Intn(6); k >= 0; k-- {
			pos := 0
			if len(rs) > 0 {
				pos = r.Intn(len(rs) + 1)
			}
			if r.Intn(2) == 0 || len(rs) == 0 {
				ins := []rune(randText(1 + r.Intn(8)))
				rs = append(rs[:pos], append(ins, rs[pos:]...)...)
			} else {
				end := min(len(rs), pos+1+r.Intn(5))
				rs = append(rs[:min(pos, len(rs))], rs[end:]...)
			}
		}
		return string(rs)
	}
	for i := 0; i < 500; i++ {
		base := randText(r.Intn(200))
		target := mutate(base)
		p := e.Make(base, target)
		got, err := e.Apply(base, p)
		if err != nil {
			t.Fatalf("case %d: Apply(%q -> %q): %v", i, base, target, err)
		}
		if got != target {
			t.Fatalf("case %d: Apply(%q) = %q, want %q", i, base, got, target)
		}
	}
}

func TestMakeReplaceThreshold(t *testing.T) {
	e := New(DefaultOptions())
	tests := []struct {
		base, target string
		replace      bool
	}{
		{"", "hello", false},
		{"aaaaaaaaaa", "aaabbbbbbb", false},
		{"aaaaaaaaaa", "abbbbbbbbb", true},
		{"abc", "xyz", true},
	}
	for _, tt := range tests {
		p := e.Make(tt.base, tt.target)
		if p.Replace != tt.replace {
			t.Errorf("Make(%q, %q).Replace = %v, want %v", tt.base, tt.target, p.Replace, tt.replace)
		}
		got, err := e.Apply(tt.base, p)
		if err != nil || got != tt.target {
			t.Errorf("Apply(%q) = %q, %v; want %q", tt.base, got, err, tt.target)
		}
	}
}

func TestSimilarity(t *testing.T) {
	e := New(DefaultOptions())
	tests := []struct {
		a, b string
		want float64
	}{
		{"", "", 1},
		{"abc", "abc", 1},
		{"", "abc", 0},
		{"abcd", "abce", 0.75},
		{"aaaaaaaaaa", "abbbbbbbbb", 0.1},
	}
	for _, tt := range tests {
		got := e.Similarity(tt.a, tt.b)
		if d := got - tt.want; d > 1e-9 || d < -1e-9 {
			t.Errorf("Similarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestApplyFuzzyRelocates(t *testing.T) {
	e := New(DefaultOptions())
	base := "The quick brown fox jumps over the lazy dog"
	p := e.Make(base, "The quick red fox jumps over the lazy dog")

	drifted := "Hey! " + base + " Again."
	if _, err := e.Apply(drifted, p); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("strict Apply on drifted text: err = %v, want ErrNoMatch", err)
	}
	got, err := e.ApplyFuzzy(drifted, p)
	if err != nil {
		t.Fatal(err)
	}
	if want := "Hey! The quick red fox jumps over the lazy dog Again."; got != want {
		t.Fatalf("ApplyFuzzy = %q, want %q", got, want)
	}
}

func TestApplyFuzzyInsertIntoOtherText(t *testing.T) {
	e := New(DefaultOptions())
	p := e.Make("", "world")
	got, err := e.ApplyFuzzy("hello", p)
	if err != nil {
		t.Fatal(err)
	}
	if got != "worldhello" {
		t.Fatalf("ApplyFuzzy = %q, want %q", got, "worldhello")
	}
}

func TestApplyFuzzyNoMatch(t *testing.T) {
	e := New(DefaultOptions())
	p := e.Make("The quick brown fox jumps over the lazy dog", "The quick red fox jumps over the lazy dog")
	text := "0123456789012345678901234567890123456789"
	got, err := e.ApplyFuzzy(text, p)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err = %v, want ErrNoMatch", err)
	}
	if got != text {
		t.Fatalf("text changed on failure: %q", got)
	}
}

func TestApplyFuzzySimilarityBoundary(t *testing.T) {
	// The whole ten byte base is the hunk context; the drifted text differs
	// from it in one byte, a similarity of 0.9.
	const base, target, drifted = "0123456789", "01234X56789", "a123456789"
	tests := []struct {
		minSimilarity float64
		want          string
		err           error
	}{
		{0.95, drifted, ErrNoMatch},
		{0.85, "a1234X56789", nil},
		{0.5, "a1234X56789", nil},
	}
	for _, tt := range tests {
		e := New(Options{MinSimilarity: tt.minSimilarity})
		p := e.Make(base, target)
		got, err := e.ApplyFuzzy(drifted, p)
		if !errors.Is(err, tt.err) {
			t.Errorf("minSimilarity %.2f: err = %v, want %v", tt.minSimilarity, err, tt.err)
		}
		if got != tt.want {
			t.Errorf("minSimilarity %.2f: got %q, want %q", tt.minSimilarity, got, tt.want)
		}
	}
}

func TestPatchJSON(t *testing.T) {
	e := New(DefaultOptions())
	b, err := json.Marshal(e.Make("", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"start1":0,"start2":0,"length1":0,"length2":5,"edits":[{"op":"+","text":"hello"}]}]`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}

	b, err = json.Marshal(ReplaceWith("x"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"replace":"x"}` {
		t.Fatalf("got %s", b)
	}

	var p Patch
	if err := json.Unmarshal([]byte(`{"replace":""}`), &p); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ReplaceWith(""), p); diff != "" {
		t.Fatalf("replace patch mismatch (-want +got):\n%s", diff)
	}

	base := "The quick brown fox"
	orig := e.Make(base, "The quick red fox")
	b, err = json.Marshal(orig)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Patch
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(orig, decoded); diff != "" {
		t.Fatalf("decoded patch mismatch (-want +got):\n%s", diff)
	}
}

func TestPatchJSONMalformed(t *testing.T) {
	for _, in := range []string{
		`[{"start1":0,"start2":0,"length1":3,"length2":5,"edits":[{"op":"+","text":"hello"}]}]`,
		`[{"start1":0,"start2":0,"length1":0,"length2":0,"edits":[]}]`,
		`[{"start1":-1,"start2":0,"length1":0,"length2":1,"edits":[{"op":"+","text":"a"}]}]`,
		`[{"start1":0,"start2":0,"length1":0,"length2":1,"edits":[{"op":"*","text":"a"}]}]`,
		`{"text":"a"}`,
		`"hello"`,
	} {
		var p Patch
		if err := json.Unmarshal([]byte(in), &p); !errors.Is(err, ErrMalformed) {
			t.Errorf("Unmarshal(%s) err = %v, want ErrMalformed", in, err)
		}
	}
}
