/*
Package decoder implements the per-utterance CTC prefix beam search: the
single-threaded driver that walks a probability matrix frame by frame,
growing and pruning a prefixtrie.Trie, and finally reads back the
top-scoring hypotheses.

A State is used once per utterance: Init, then one or more Next calls
feeding successive chunks of frames, then Decode (which may be called
more than once, including between further Next calls, since nothing
about it mutates the trie).
*/
package decoder

import (
	"math"

	"github.com/Zubayear/beamctc/alphabet"
	"github.com/Zubayear/beamctc/decodererrors"
	"github.com/Zubayear/beamctc/internal/topk"
	"github.com/Zubayear/beamctc/prefixtrie"
	"github.com/Zubayear/beamctc/scorer"
	"github.com/Zubayear/beamctc/timesteptree"
)

// blankProbabilityThreshold gates the delayed start of beam expansion:
// frames are skipped until one appears whose blank probability drops
// below this value, so the first emitted token's timestep isn't pulled
// back over leading near-silence.
const blankProbabilityThreshold = 0.999

// floatMin is added inside a log() to avoid -Inf from a hard zero
// probability, matching the single-precision floor the original
// decoder used for the same purpose.
const floatMin = 1.1754944e-38

// Options carries the beam search's tunable parameters.
type Options struct {
	BeamSize   int
	CutoffProb float64
	CutoffTopN int
}

// Hypothesis is one decoded candidate.
type Hypothesis struct {
	Tokens     []uint16
	Timesteps  []uint32
	Confidence float64
}

// State is a single utterance's beam search. The zero value is not
// usable; call Init first.
type State struct {
	alphabet *alphabet.Alphabet
	opts     Options
	scorer   *scorer.Scorer
	hotWords map[string]float64

	blankID uint16

	absTimeStep    uint32
	startExpanding bool

	timesteps *timesteptree.Tree
	trie      *prefixtrie.Trie
	prefixes  []*prefixtrie.Node
}

// Init resets s for a fresh utterance. sc and hotWords may be nil.
func (s *State) Init(a *alphabet.Alphabet, opts Options, sc *scorer.Scorer, hotWords map[string]float64) error {
	if opts.BeamSize <= 0 {
		return decodererrors.Preconditionf("decoder: beam_size must be positive, got %d", opts.BeamSize)
	}
	if opts.CutoffTopN <= 0 {
		return decodererrors.Preconditionf("decoder: cutoff_top_n must be positive, got %d", opts.CutoffTopN)
	}
	if opts.CutoffProb < 0 || opts.CutoffProb > 1 {
		return decodererrors.Preconditionf("decoder: cutoff_prob must be in [0,1], got %v", opts.CutoffProb)
	}

	s.alphabet = a
	s.opts = opts
	s.scorer = sc
	s.hotWords = hotWords
	s.blankID = uint16(a.Size())
	s.absTimeStep = 0
	s.startExpanding = false

	s.timesteps = timesteptree.NewTree()
	s.trie = prefixtrie.New(s.timesteps)
	s.prefixes = []*prefixtrie.Node{s.trie.Root()}
	return nil
}

// AliveCount returns the number of live prefixes currently in the beam,
// which is guaranteed to be at most Options.BeamSize after every Next
// call.
func (s *State) AliveCount() int { return len(s.prefixes) }

// prefixRankLess is the beam's ranking order: higher score first,
// smaller tail label as a deterministic tie-break.
func prefixRankLess(a, b *prefixtrie.Node) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Character < b.Character
}

// Next feeds timeDim frames of classDim-wide probabilities (flattened
// row-major, so probs[t*classDim+c] is frame t's probability of class
// c) through the beam search.
func (s *State) Next(probs []float64, timeDim, classDim int) error {
	wantClassDim := s.alphabet.Size() + 1
	if classDim != wantClassDim {
		return decodererrors.Preconditionf("decoder: class_dim %d does not match alphabet size+1 (%d)", classDim, wantClassDim)
	}
	if len(probs) != timeDim*classDim {
		return decodererrors.Preconditionf("decoder: probs has %d entries, want time_dim*class_dim (%d)", len(probs), timeDim*classDim)
	}

	for t := 0; t < timeDim; t++ {
		prob := probs[t*classDim : (t+1)*classDim]

		if prob[s.blankID] < blankProbabilityThreshold {
			s.startExpanding = true
		}
		if !s.startExpanding {
			s.absTimeStep++
			continue
		}

		minCutoff := prefixtrie.NegInf
		fullBeam := false
		if s.scorer != nil {
			// Sort s.prefixes itself (not just a throwaway copy): the
			// expansion loop below walks s.prefixes in this same order,
			// so the early "break" on a below-cutoff prefix is only
			// sound once the beam is actually ranked best-first, exactly
			// as ctc_beam_search_decoder.cpp's partial_sort does before
			// its own expansion loop.
			s.prefixes = topk.Select(s.prefixes, prefixRankLess, len(s.prefixes))

			n := len(s.prefixes)
			if n > s.opts.BeamSize {
				n = s.opts.BeamSize
			}
			minCutoff = s.prefixes[n-1].Score + math.Log(prob[s.blankID]) - math.Max(0, s.scorer.Beta())
			fullBeam = n == s.opts.BeamSize
		}

		prunedClasses := prunedLogProbs(prob, s.opts.CutoffProb, s.opts.CutoffTopN)

		for _, pc := range prunedClasses {
			c, lpC := pc.class, pc.logProb

			for i := 0; i < len(s.prefixes) && i < s.opts.BeamSize; i++ {
				prefix := s.prefixes[i]
				if fullBeam && lpC+prefix.Score < minCutoff {
					break
				}
				if math.IsInf(prefix.Score, -1) {
					continue
				}

				if c == s.blankID {
					logP := lpC + prefix.Score
					if logP > prefix.LogPNbCur {
						prefix.PendingTimestepParent = nil
					}
					prefix.LogPBCur = prefixtrie.LogSumExp(prefix.LogPBCur, logP)
					continue
				}

				if c == prefix.Character {
					logP := lpC + prefix.LogPNbPrev
					if logP > prefix.LogPNbCur {
						prefix.PendingTimestepParent = nil
					}
					prefix.LogPNbCur = prefixtrie.LogSumExp(prefix.LogPNbCur, logP)
				}

				newPrefix := s.trie.GetOrCreateChild(prefix, c, lpC)

				logP := prefixtrie.NegInf
				switch {
				case c == prefix.Character && prefix.LogPBPrev > prefixtrie.NegInf:
					logP = lpC + prefix.LogPBPrev
				case c != prefix.Character:
					logP = lpC + prefix.Score
				}

				if s.scorer != nil {
					var scoringRef *prefixtrie.Node
					if s.scorer.IsUTF8Mode() {
						scoringRef = newPrefix
					} else {
						scoringRef = prefix
					}
					if s.scorer.IsScoringBoundary(scoringRef, c) {
						ngram := s.scorer.MakeNgram(scoringRef)
						bos := len(ngram) < s.scorer.MaxOrder()
						combined := s.scorer.CombinedScore(ngram, bos, false)
						logP += s.scorer.Alpha()*combined + s.scorer.Beta()
					}
				}

				if logP > newPrefix.LogPNbCur {
					newPrefix.PendingTimestepParent = prefix.Timesteps
					newPrefix.PendingNewTimestep = s.absTimeStep
				}
				newPrefix.LogPNbCur = prefixtrie.LogSumExp(newPrefix.LogPNbCur, logP)
			}
		}

		s.prefixes = s.trie.Iterate()

		if len(s.prefixes) > s.opts.BeamSize {
			kept := topk.Select(s.prefixes, prefixRankLess, s.opts.BeamSize)
			keep := make(map[*prefixtrie.Node]bool, len(kept))
			for _, n := range kept {
				keep[n] = true
			}
			for _, n := range s.prefixes {
				if !keep[n] {
					s.trie.Remove(n)
				}
			}
			s.prefixes = kept
		}

		s.absTimeStep++
	}
	return nil
}

// Decode returns up to numResults hypotheses ranked by descending
// (augmented) score. It does not mutate s, so further Next calls may
// follow.
func (s *State) Decode(numResults int) ([]Hypothesis, error) {
	if numResults <= 0 {
		return nil, decodererrors.Preconditionf("decoder: num_results must be positive, got %d", numResults)
	}

	prefixesCopy := append([]*prefixtrie.Node(nil), s.prefixes...)
	scores := make(map[*prefixtrie.Node]float64, len(prefixesCopy))
	for _, p := range prefixesCopy {
		scores[p] = p.Score
	}

	if s.scorer != nil {
		n := len(prefixesCopy)
		if n > s.opts.BeamSize {
			n = s.opts.BeamSize
		}
		for i := 0; i < n; i++ {
			prefix := prefixesCopy[i]
			var boundaryRef *prefixtrie.Node
			if s.scorer.IsUTF8Mode() {
				boundaryRef = prefix
			} else {
				boundaryRef = prefix.Parent()
			}
			if boundaryRef != nil && !s.scorer.IsScoringBoundary(boundaryRef, prefix.Character) {
				ngram := s.scorer.MakeNgram(prefix)
				bos := len(ngram) < s.scorer.MaxOrder()
				lm := s.scorer.LogConditionalProb(ngram, bos, false)
				scores[prefix] += s.scorer.Alpha()*lm + s.scorer.Beta()
			}
		}
	}

	less := func(a, b *prefixtrie.Node) bool {
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		return a.Character < b.Character
	}

	numReturned := numResults
	if numReturned > len(prefixesCopy) {
		numReturned = len(prefixesCopy)
	}
	ranked := topk.Select(prefixesCopy, less, numReturned)

	out := make([]Hypothesis, 0, len(ranked))
	for _, p := range ranked {
		tokens := prefixtrie.Labels(p)
		steps := timesteptree.History(p.Timesteps, s.timesteps.Root())
		if len(tokens) != len(steps) {
			return nil, decodererrors.Preconditionf("decoder: tokens/timesteps length mismatch (%d vs %d)", len(tokens), len(steps))
		}
		out = append(out, Hypothesis{Tokens: tokens, Timesteps: steps, Confidence: scores[p]})
	}
	return out, nil
}

type classLogProb struct {
	class   uint16
	logProb float64
}

// prunedLogProbs ranks the class axis of one frame by descending
// probability, keeping at most cutoffTopN entries and stopping early
// once their cumulative probability reaches cutoffProb.
func prunedLogProbs(prob []float64, cutoffProb float64, cutoffTopN int) []classLogProb {
	type classProb struct {
		class uint16
		prob  float64
	}
	items := make([]classProb, len(prob))
	for c, p := range prob {
		items[c] = classProb{uint16(c), p}
	}

	k := cutoffTopN
	if k > len(items) {
		k = len(items)
	}
	ranked := topk.Select(items, func(a, b classProb) bool { return a.prob > b.prob }, k)

	cutoffLen := len(ranked)
	if cutoffProb < 1.0 {
		cum := 0.0
		for i, it := range ranked {
			cum += it.prob
			if cum >= cutoffProb {
				cutoffLen = i + 1
				break
			}
		}
	}
	ranked = ranked[:cutoffLen]

	out := make([]classLogProb, len(ranked))
	for i, it := range ranked {
		out[i] = classLogProb{it.class, math.Log(it.prob + floatMin)}
	}
	return out
}
