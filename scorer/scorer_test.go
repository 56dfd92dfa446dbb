package scorer

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/Zubayear/beamctc/alphabet"
	"github.com/Zubayear/beamctc/lexiconfst"
	"github.com/Zubayear/beamctc/ngramlm"
	"github.com/Zubayear/beamctc/prefixtrie"
	"github.com/Zubayear/beamctc/timesteptree"
)

func testWordScorer(t *testing.T) (*Scorer, *alphabet.Alphabet) {
	t.Helper()
	a, err := alphabet.Load(strings.NewReader("a\nb\n \n"))
	if err != nil {
		t.Fatalf("alphabet.Load: %v", err)
	}
	lm := ngramlm.NewModel(2, "<s>", "</s>")
	_ = lm.AddNgram([]string{"ab"}, -1.0)
	_ = lm.AddNgram([]string{"ba"}, -2.0)
	_ = lm.AddNgram([]string{"<s>", "ab"}, -0.5)
	s := New(a, lm, nil, map[string]float64{"ba": 5.0}, Config{Alpha: 1, Beta: 0, MaxOrder: 2, IsUTF8Mode: false})
	return s, a
}

func TestIsScoringBoundaryWordMode(t *testing.T) {
	s, a := testWordScorer(t)
	space, _ := a.SpaceLabel()
	if !s.IsScoringBoundary(nil, space) {
		t.Fatal("space label should be a scoring boundary in word mode")
	}
	if s.IsScoringBoundary(nil, 0) {
		t.Fatal("a non-space label should not be a scoring boundary in word mode")
	}
}

func TestMakeNgramWordMode(t *testing.T) {
	s, _ := testWordScorer(t)
	tt := timesteptree.NewTree()
	tr := prefixtrie.New(tt)
	root := tr.Root()
	// "ab a" spelled out as labels: a=0, b=1, space=2
	n1 := tr.GetOrCreateChild(root, 0, -0.1)
	n2 := tr.GetOrCreateChild(n1, 1, -0.1)
	n3 := tr.GetOrCreateChild(n2, 2, -0.1)
	n4 := tr.GetOrCreateChild(n3, 0, -0.1)

	got := s.MakeNgram(n4)
	want := []string{"ab", "a"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("MakeNgram = %v; want %v", got, want)
	}
}

func TestLogConditionalProbExactAndOOV(t *testing.T) {
	s, _ := testWordScorer(t)
	p := s.LogConditionalProb([]string{"ab"}, true, false)
	if p != -0.5 {
		t.Fatalf("LogConditionalProb = %v; want -0.5", p)
	}
	oov := s.LogConditionalProb([]string{"nope"}, false, false)
	if oov != ngramlm.OOVScore {
		t.Fatalf("LogConditionalProb(OOV) = %v; want %v", oov, ngramlm.OOVScore)
	}
}

func TestHotWordBoost(t *testing.T) {
	s, _ := testWordScorer(t)
	if got := s.HotWordBoost([]string{"ba"}); got != 5.0 {
		t.Fatalf("HotWordBoost = %v; want 5.0", got)
	}
	if got := s.HotWordBoost([]string{"ab"}); got != 0 {
		t.Fatalf("HotWordBoost(non-hot word) = %v; want 0", got)
	}
}

func TestParseHotWordsRejectsEmptyKey(t *testing.T) {
	if _, err := ParseHotWords(map[string]float64{"": 1.0}); err == nil {
		t.Fatal("ParseHotWords should reject an empty key")
	}
	if _, err := ParseHotWords(map[string]float64{"ok": 1.0}); err != nil {
		t.Fatalf("ParseHotWords rejected a valid table: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, a := testWordScorer(t)
	b := lexiconfst.NewBuilder()
	b.Insert([]uint16{0, 1, 2}) // "ab "
	s.dictionary = b.Build()

	var buf bytes.Buffer
	if err := Save(&buf, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(&buf, a, map[string]float64{"ba": 5.0})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Alpha() != s.Alpha() || got.Beta() != s.Beta() {
		t.Fatalf("alpha/beta mismatch: (%v,%v) vs (%v,%v)", got.Alpha(), got.Beta(), s.Alpha(), s.Beta())
	}
	if got.IsUTF8Mode() != s.IsUTF8Mode() {
		t.Fatal("IsUTF8Mode mismatch after round trip")
	}
	if got.Dictionary().NumWords() != 1 {
		t.Fatalf("Dictionary().NumWords() = %d; want 1", got.Dictionary().NumWords())
	}
	p := got.LogConditionalProb([]string{"ab"}, true, false)
	if math.Abs(p-(-0.5)) > 1e-9 {
		t.Fatalf("round-tripped LogConditionalProb = %v; want -0.5", p)
	}
}
