/*
Package ngramlm implements the opaque n-gram language model that the
scorer package consults for word- or codepoint-level log-probabilities.

A Model is a backed-off n-gram table: for each order up to MaxOrder it
holds the n-grams it was trained on together with a per-context backoff
weight, and Score resolves a query by walking down from the longest
matching context the way a classic Katz/Kneser-Ney backoff LM does —
mirroring the state-threading, backoff-chasing shape of a finite-state
n-gram model (see the reference fslm.Model.NextI: find the entry for
the requested word at the current state, and if it's missing, follow
the state's backoff transition and retry). The state here is just the
trailing word history instead of an opaque state id, since a Go n-gram
model built directly from a text grammar has no need for an interned
state table.

Scores are natural-log probabilities throughout. Score reports an OOV
query through its own ok return rather than overloading the score
value, since a legitimate log-probability could otherwise collide with
the OOVScore sentinel; the caller (scorer.LogConditionalProb) is
expected to stop scoring the rest of the n-gram as soon as ok is false.
*/
package ngramlm

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// OOVScore is the sentinel log-probability Finish falls back to for an
// out-of-vocabulary end-of-sentence token. Score itself signals OOV
// through its ok return value, not through this constant, so that a
// real log-probability can never be mistaken for one.
const OOVScore = -100.0

// State is an LM context: the trailing words (most recent last) used
// to resolve the next query, truncated to at most MaxOrder-1 entries.
type State struct {
	words []string
}

// Model is a backed-off n-gram language model.
type Model struct {
	MaxOrder int
	BOS, EOS string

	// ngrams[n] maps a space-joined n-word key to its log-probability,
	// for n in [1, MaxOrder].
	ngrams []map[string]float64
	// backoff maps a space-joined context key (1..MaxOrder-1 words) to
	// its backoff log-weight. Contexts with no explicit backoff weight
	// default to 0 (no penalty), matching the usual ARPA convention.
	backoff map[string]float64

	vocab map[string]struct{}
}

// NewModel returns an empty model of the given order. BOS and EOS are
// the sentence-boundary tokens Start and Finish score against.
func NewModel(maxOrder int, bos, eos string) *Model {
	m := &Model{
		MaxOrder: maxOrder,
		BOS:      bos,
		EOS:      eos,
		ngrams:   make([]map[string]float64, maxOrder+1),
		backoff:  make(map[string]float64),
		vocab:    make(map[string]struct{}),
	}
	for i := 1; i <= maxOrder; i++ {
		m.ngrams[i] = make(map[string]float64)
	}
	return m
}

// AddNgram records the log-probability of words (the last word
// conditioned on the ones before it). len(words) must be in
// [1, MaxOrder].
func (m *Model) AddNgram(words []string, logProb float64) error {
	n := len(words)
	if n < 1 || n > m.MaxOrder {
		return fmt.Errorf("ngramlm: n-gram order %d outside [1, %d]", n, m.MaxOrder)
	}
	m.ngrams[n][ngramKey(words)] = logProb
	for _, w := range words {
		m.vocab[w] = struct{}{}
	}
	return nil
}

// AddBackoff records the backoff log-weight for a context of 1 to
// MaxOrder-1 words.
func (m *Model) AddBackoff(context []string, weight float64) {
	m.backoff[ngramKey(context)] = weight
}

// Known reports whether word appears anywhere in the model's
// vocabulary (i.e. scoring it will not immediately return OOVScore).
func (m *Model) Known(word string) bool {
	_, ok := m.vocab[word]
	return ok
}

func ngramKey(words []string) string {
	return strings.Join(words, "\x1f")
}

// Start returns the begin-of-sentence state.
func (m *Model) Start() State {
	return State{words: []string{m.BOS}}
}

// NullContext returns the empty (no-history) state, used when a query
// is not anchored to the start of a sentence.
func (m *Model) NullContext() State {
	return State{}
}

// Score scores word against s and returns the successor state, the
// natural-log conditional probability, and whether word was in
// vocabulary at all. If ok is false, the caller should stop scoring
// further words in this n-gram rather than trust the returned state or
// probability.
func (m *Model) Score(s State, word string) (State, float64, bool) {
	if !m.Known(word) {
		return s, OOVScore, false
	}
	logProb := m.score(s.words, word)
	next := append(append([]string{}, s.words...), word)
	if len(next) > m.MaxOrder-1 {
		next = next[len(next)-(m.MaxOrder-1):]
	}
	return State{words: next}, logProb, true
}

// score resolves the conditional log-probability of word given
// context by walking down context lengths until an explicit n-gram
// is found, accumulating backoff weights along the way.
func (m *Model) score(context []string, word string) float64 {
	n := len(context) + 1
	if n > m.MaxOrder {
		context = context[len(context)-(m.MaxOrder-1):]
		n = m.MaxOrder
	}
	if p, ok := m.ngrams[n][ngramKey(append(append([]string{}, context...), word))]; ok {
		return p
	}
	if len(context) == 0 {
		// unigram for a known word must exist; if it doesn't, treat it
		// as OOV-equivalent.
		return OOVScore
	}
	bow := m.backoff[ngramKey(context)]
	return bow + m.score(context[1:], word)
}

// Finish scores the end-of-sentence token from state s, for callers
// that want to close out a full-sentence log-probability. An
// out-of-vocabulary EOS token (not expected in practice) falls back to
// OOVScore.
func (m *Model) Finish(s State) float64 {
	_, p, ok := m.Score(s, m.EOS)
	if !ok {
		return OOVScore
	}
	return p
}

// MarshalBinary gob-encodes the model. Gob is not the fastest wire
// format, but it round-trips Go maps with no schema work, which is all
// a decoder-embedded n-gram table needs.
func (m *Model) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(m.MaxOrder); err != nil {
		return nil, err
	}
	if err := enc.Encode(m.BOS); err != nil {
		return nil, err
	}
	if err := enc.Encode(m.EOS); err != nil {
		return nil, err
	}
	if err := enc.Encode(m.ngrams); err != nil {
		return nil, err
	}
	if err := enc.Encode(m.backoff); err != nil {
		return nil, err
	}
	if err := enc.Encode(m.vocab); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores a Model previously produced by
// MarshalBinary.
func (m *Model) UnmarshalBinary(data []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m.MaxOrder); err != nil {
		return err
	}
	if err := dec.Decode(&m.BOS); err != nil {
		return err
	}
	if err := dec.Decode(&m.EOS); err != nil {
		return err
	}
	if err := dec.Decode(&m.ngrams); err != nil {
		return err
	}
	if err := dec.Decode(&m.backoff); err != nil {
		return err
	}
	return dec.Decode(&m.vocab)
}

// LoadARPA parses a standard ARPA-format n-gram language model (the
// text interchange format produced by SRILM/KenLM's lmplz and
// consumed by most n-gram toolchains): a sequence of
//
//	\data\
//	ngram 1=N1
//	ngram 2=N2
//	...
//	\1-grams:
//	logprob\tword\t[backoff]
//	...
//	\2-grams:
//	...
//	\end\
//
// ARPA log-probabilities and backoff weights are base-10 (SRILM/KenLM
// convention); LoadARPA converts them to the natural-log values Score
// and the rest of this package work in.
func LoadARPA(r io.Reader) (*Model, error) {
	sc := bufio.NewScanner(r)
	var maxOrder int
	var order int
	m := &Model{backoff: make(map[string]float64), vocab: make(map[string]struct{})}

scan:
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "" || line == "\\data\\":
			continue
		case strings.HasPrefix(line, "ngram "):
			n, err := parseNgramCountLine(line)
			if err != nil {
				return nil, err
			}
			if n > maxOrder {
				maxOrder = n
			}
		case strings.HasPrefix(line, "\\") && strings.HasSuffix(line, "-grams:"):
			fmt.Sscanf(line, "\\%d-grams:", &order)
			if m.ngrams == nil {
				m.MaxOrder = maxOrder
				m.ngrams = make([]map[string]float64, maxOrder+1)
				for i := 1; i <= maxOrder; i++ {
					m.ngrams[i] = make(map[string]float64)
				}
			}
		case line == "\\end\\":
			break scan
		default:
			if order == 0 {
				continue
			}
			if err := m.addARPALine(line, order); err != nil {
				return nil, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if m.ngrams == nil {
		return nil, errors.New("ngramlm: no \\data\\ section found")
	}
	m.BOS = "<s>"
	m.EOS = "</s>"
	return m, nil
}

func (m *Model) addARPALine(line string, order int) error {
	fields := strings.Fields(line)
	if len(fields) < order+1 || len(fields) > order+2 {
		return fmt.Errorf("ngramlm: expected %d words in %d-gram line %q", order, order, line)
	}
	logProb, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return fmt.Errorf("ngramlm: bad log-probability in %q: %w", line, err)
	}
	words := fields[1 : order+1]
	if err := m.AddNgram(words, logProb*math.Ln10); err != nil {
		return err
	}
	if len(fields) == order+2 {
		bow, err := strconv.ParseFloat(fields[order+1], 64)
		if err != nil {
			return fmt.Errorf("ngramlm: bad backoff weight in %q: %w", line, err)
		}
		m.AddBackoff(words, bow*math.Ln10)
	}
	return nil
}

func parseNgramCountLine(line string) (int, error) {
	// "ngram N=count"
	rest := strings.TrimPrefix(line, "ngram ")
	parts := strings.SplitN(rest, "=", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("ngramlm: malformed ngram count line %q", line)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, fmt.Errorf("ngramlm: malformed ngram count line %q: %w", line, err)
	}
	return n, nil
}
