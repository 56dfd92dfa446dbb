package batch

import (
	"context"
	"strings"
	"testing"

	"github.com/Zubayear/beamctc/alphabet"
	"github.com/Zubayear/beamctc/decoder"
)

func mustAlphabet(t *testing.T, lines string) *alphabet.Alphabet {
	t.Helper()
	a, err := alphabet.Load(strings.NewReader(lines))
	if err != nil {
		t.Fatalf("alphabet.Load: %v", err)
	}
	return a
}

// Regardless of how many workers race to finish first, the result
// slice must come back in the same order the utterances were
// submitted in.
func TestBatchDecodePreservesInputOrder(t *testing.T) {
	a := mustAlphabet(t, "a\nb\n \n")
	// utterance 0 spells "b", utterance 1 spells "a" — opposite of
	// completion-speed-independent ordering, since both are one frame.
	batch := []Utterance{
		{Probs: []float64{0.1, 0.8, 0.05, 0.05}, TimeDim: 1, ClassDim: 4},
		{Probs: []float64{0.8, 0.1, 0.05, 0.05}, TimeDim: 1, ClassDim: 4},
		{Probs: []float64{0.1, 0.1, 0.05, 0.75}, TimeDim: 1, ClassDim: 4}, // near-all-blank: empty
	}

	r := &Runner{NumWorkers: 3}
	out, err := r.BatchDecode(context.Background(), a, batch, decoder.Options{BeamSize: 1, CutoffProb: 1.0, CutoffTopN: 4}, nil, nil, 1)
	if err != nil {
		t.Fatalf("BatchDecode: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len(out) = %d; want 3", len(out))
	}
	if got := a.Decode(out[0][0].Tokens); got != "b" {
		t.Fatalf("out[0] decoded = %q; want %q", got, "b")
	}
	if got := a.Decode(out[1][0].Tokens); got != "a" {
		t.Fatalf("out[1] decoded = %q; want %q", got, "a")
	}
	if got := a.Decode(out[2][0].Tokens); got != "" {
		t.Fatalf("out[2] decoded = %q; want empty (blank-dominated frame keeps the empty prefix on top)", got)
	}
}

func TestBatchDecodeRejectsNonPositiveWorkerCount(t *testing.T) {
	a := mustAlphabet(t, "a\nb\n \n")
	r := &Runner{NumWorkers: 0}
	_, err := r.BatchDecode(context.Background(), a, nil, decoder.Options{BeamSize: 1, CutoffProb: 1.0, CutoffTopN: 4}, nil, nil, 1)
	if err == nil {
		t.Fatal("BatchDecode with num_processes=0 should fail")
	}
}

func TestBatchDecodeHonorsCanceledContext(t *testing.T) {
	a := mustAlphabet(t, "a\nb\n \n")
	batch := []Utterance{
		{Probs: []float64{0.1, 0.8, 0.05, 0.05}, TimeDim: 1, ClassDim: 4},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &Runner{NumWorkers: 1}
	_, err := r.BatchDecode(ctx, a, batch, decoder.Options{BeamSize: 1, CutoffProb: 1.0, CutoffTopN: 4}, nil, nil, 1)
	if err == nil {
		t.Fatal("BatchDecode on an already-canceled context should surface an error")
	}
}
