/*
Package scorer implements the external-knowledge side of the beam
search: an n-gram language model consulted at word or codepoint
boundaries, an optional lexicon FST, and a hot-word boost table.

A Scorer is immutable once built and safe to share across concurrently
running decoders (see the batch package) — its language model state is
threaded per call via ngramlm.State, never cached on the Scorer itself.
*/
package scorer

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/Zubayear/beamctc/alphabet"
	"github.com/Zubayear/beamctc/decodererrors"
	"github.com/Zubayear/beamctc/lexiconfst"
	"github.com/Zubayear/beamctc/ngramlm"
	"github.com/Zubayear/beamctc/prefixtrie"
)

const (
	fileMagic   = "TRIE"
	fileVersion = int32(6)
)

// Config carries the Scorer's hyperparameters.
type Config struct {
	Alpha      float64
	Beta       float64
	MaxOrder   int
	IsUTF8Mode bool
}

// Scorer combines a language model, an optional lexicon FST, and a
// hot-word boost table under one set of hyperparameters.
type Scorer struct {
	alphabet   *alphabet.Alphabet
	lm         *ngramlm.Model
	dictionary *lexiconfst.FST
	hotWords   map[string]float64

	cfg        Config
	spaceLabel uint16
	hasSpace   bool
}

// New builds a Scorer. dictionary and hotWords may be nil/empty.
func New(a *alphabet.Alphabet, lm *ngramlm.Model, dictionary *lexiconfst.FST, hotWords map[string]float64, cfg Config) *Scorer {
	space, hasSpace := a.SpaceLabel()
	return &Scorer{
		alphabet:   a,
		lm:         lm,
		dictionary: dictionary,
		hotWords:   hotWords,
		cfg:        cfg,
		spaceLabel: space,
		hasSpace:   hasSpace,
	}
}

func (s *Scorer) Alpha() float64              { return s.cfg.Alpha }
func (s *Scorer) Beta() float64               { return s.cfg.Beta }
func (s *Scorer) MaxOrder() int               { return s.cfg.MaxOrder }
func (s *Scorer) IsUTF8Mode() bool            { return s.cfg.IsUTF8Mode }
func (s *Scorer) Dictionary() *lexiconfst.FST { return s.dictionary }

// IsScoringBoundary reports whether node is a position at which the
// language model may be consulted: a complete UTF-8 codepoint in
// character mode, or new_label == space_label in word mode. node is
// the newly extended prefix in UTF-8 mode and the not-yet-extended
// prefix in word mode — callers pick whichever the mode calls for.
func (s *Scorer) IsScoringBoundary(node *prefixtrie.Node, newLabel uint16) bool {
	if s.cfg.IsUTF8Mode {
		if node.IsRoot() {
			return false
		}
		distance, firstByte := s.distanceToCodepointBoundary(node)
		return distance == codepointByteLength(firstByte)
	}
	return s.hasSpace && newLabel == s.spaceLabel
}

func (s *Scorer) distanceToCodepointBoundary(node *prefixtrie.Node) (int, byte) {
	if node.IsRoot() {
		// unreachable for a well-formed byte alphabet: every leading
		// byte is its own boundary, so recursion stops before here.
		return 0, 0
	}
	str, err := s.alphabet.DecodeSingle(node.Character)
	if err == nil && len(str) > 0 && isCodepointBoundaryByte(str[0]) {
		return 1, str[0]
	}
	d, firstByte := s.distanceToCodepointBoundary(node.Parent())
	return 1 + d, firstByte
}

func isCodepointBoundaryByte(b byte) bool {
	return b&0xC0 != 0x80
}

// codepointByteLength returns the number of bytes a UTF-8 codepoint
// starting with firstByte occupies, or -1 if firstByte cannot start a
// valid codepoint.
func codepointByteLength(firstByte byte) int {
	switch {
	case firstByte>>3 == 0x1E:
		return 4
	case firstByte>>4 == 0x0E:
		return 3
	case firstByte>>5 == 0x06:
		return 2
	case firstByte>>7 == 0x00:
		return 1
	default:
		return -1
	}
}

// MakeNgram walks backwards from prefix, up to MaxOrder word-or-
// codepoint boundaries, and returns the decoded groups in forward
// (oldest-first) order.
func (s *Scorer) MakeNgram(prefix *prefixtrie.Node) []string {
	var ngram []string
	current := prefix
	for order := 0; order < s.cfg.MaxOrder; order++ {
		if current == nil || current.IsRoot() {
			break
		}
		var labels []uint16
		var stop *prefixtrie.Node
		if s.cfg.IsUTF8Mode {
			labels, stop = s.prevGrapheme(current)
		} else {
			labels, stop = s.prevWord(current)
		}
		current = stop.Parent()
		ngram = append(ngram, s.alphabet.Decode(labels))
	}
	for i, j := 0, len(ngram)-1; i < j; i, j = i+1, j-1 {
		ngram[i], ngram[j] = ngram[j], ngram[i]
	}
	return ngram
}

// prevGrapheme collects the labels of the single UTF-8 codepoint
// ending at tail, in forward byte order, and returns the node holding
// its first byte.
func (s *Scorer) prevGrapheme(tail *prefixtrie.Node) (labels []uint16, stop *prefixtrie.Node) {
	if tail.IsRoot() {
		return nil, tail
	}
	str, err := s.alphabet.DecodeSingle(tail.Character)
	boundary := err == nil && len(str) > 0 && isCodepointBoundaryByte(str[0])
	if !boundary {
		labels, stop = s.prevGrapheme(tail.Parent())
	} else {
		stop = tail
	}
	labels = append(labels, tail.Character)
	return labels, stop
}

// prevWord collects the labels of the single space-delimited word
// ending at tail, in forward order, and returns the node just before
// its first label (the preceding space node, or the root).
func (s *Scorer) prevWord(tail *prefixtrie.Node) (labels []uint16, stop *prefixtrie.Node) {
	if tail.IsRoot() || (s.hasSpace && tail.Character == s.spaceLabel) {
		return nil, tail
	}
	labels, stop = s.prevWord(tail.Parent())
	labels = append(labels, tail.Character)
	return labels, stop
}

// LogConditionalProb scores tokens against the language model and
// returns the natural-log conditional probability of the last token
// given all of the tokens before it as context — not a joint
// probability of the whole sequence. bos selects whether to start
// scoring from the begin-of-sentence state or the null-context state;
// eos additionally scores the end-of-sentence token after tokens. An
// out-of-vocabulary token anywhere in tokens immediately returns
// ngramlm.OOVScore.
func (s *Scorer) LogConditionalProb(tokens []string, bos, eos bool) float64 {
	var state ngramlm.State
	if bos {
		state = s.lm.Start()
	} else {
		state = s.lm.NullContext()
	}

	var cond float64
	for _, tok := range tokens {
		var p float64
		var ok bool
		state, p, ok = s.lm.Score(state, tok)
		if !ok {
			return ngramlm.OOVScore
		}
		cond = p
	}
	if eos {
		cond = s.lm.Finish(state)
	}
	return cond
}

// HotWordBoost sums the configured boosts of every token in tokens
// that appears in the hot-words table.
func (s *Scorer) HotWordBoost(tokens []string) float64 {
	var boost float64
	for _, tok := range tokens {
		boost += s.hotWords[tok]
	}
	return boost
}

// CombinedScore is LogConditionalProb plus HotWordBoost, the quantity
// the beam search multiplies by Alpha.
func (s *Scorer) CombinedScore(tokens []string, bos, eos bool) float64 {
	return s.LogConditionalProb(tokens, bos, eos) + s.HotWordBoost(tokens)
}

// ParseHotWords validates a hot-word table: every key must be
// non-empty. The only empty token MakeNgram produces is the empty
// group between two consecutive spaces, never a real word, so an
// empty key would boost that instead; rejecting it here surfaces the
// caller's mistake.
func ParseHotWords(words map[string]float64) (map[string]float64, error) {
	for k := range words {
		if k == "" {
			return nil, decodererrors.Preconditionf("hot-word table contains an empty key")
		}
	}
	return words, nil
}

// Save writes the scorer's language model, header, and lexicon FST to
// w, in the same layout Load expects: the n-gram model, a fixed
// header (magic, version, utf8 flag, alpha, beta), then the FST.
func Save(w io.Writer, s *Scorer) error {
	bw := bufio.NewWriter(w)

	lmBytes, err := s.lm.MarshalBinary()
	if err != nil {
		return err
	}
	if err := writeLenPrefixed(bw, lmBytes); err != nil {
		return err
	}

	if _, err := bw.WriteString(fileMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, fileVersion); err != nil {
		return err
	}
	if err := bw.WriteByte(boolByte(s.cfg.IsUTF8Mode)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, s.cfg.Alpha); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, s.cfg.Beta); err != nil {
		return err
	}

	fstBytes, err := s.dictionary.MarshalBinary()
	if err != nil {
		return err
	}
	if err := writeLenPrefixed(bw, fstBytes); err != nil {
		return err
	}

	return bw.Flush()
}

// Load reads a scorer file previously produced by Save. a and
// hotWords are supplied by the caller, mirroring the original
// collaborator's alphabet being set independently of the LM/trie
// payload.
func Load(r io.Reader, a *alphabet.Alphabet, hotWords map[string]float64) (*Scorer, error) {
	br := bufio.NewReader(r)

	lmBytes, err := readLenPrefixed(br)
	if err != nil {
		return nil, err
	}
	lm := &ngramlm.Model{}
	if err := lm.UnmarshalBinary(lmBytes); err != nil {
		return nil, decodererrors.Preconditionf("scorer: corrupt language model: %v", err)
	}

	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, decodererrors.Preconditionf("scorer: truncated header: %v", err)
	}
	if string(magic) != fileMagic {
		return nil, decodererrors.Preconditionf("scorer: invalid header magic %q", magic)
	}

	var version int32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, decodererrors.Preconditionf("scorer: truncated header: %v", err)
	}
	if version != fileVersion {
		return nil, decodererrors.Preconditionf("scorer: version mismatch (%d instead of %d)", version, fileVersion)
	}

	isUTF8, err := br.ReadByte()
	if err != nil {
		return nil, decodererrors.Preconditionf("scorer: truncated header: %v", err)
	}

	var alpha, beta float64
	if err := binary.Read(br, binary.LittleEndian, &alpha); err != nil {
		return nil, decodererrors.Preconditionf("scorer: truncated header: %v", err)
	}
	if err := binary.Read(br, binary.LittleEndian, &beta); err != nil {
		return nil, decodererrors.Preconditionf("scorer: truncated header: %v", err)
	}

	fstBytes, err := readLenPrefixed(br)
	if err != nil {
		return nil, err
	}
	dict, err := lexiconfst.UnmarshalFST(fstBytes)
	if err != nil {
		return nil, decodererrors.Preconditionf("scorer: corrupt lexicon fst: %v", err)
	}

	cfg := Config{
		Alpha:      alpha,
		Beta:       beta,
		MaxOrder:   lm.MaxOrder,
		IsUTF8Mode: isUTF8 != 0,
	}
	return New(a, lm, dict, hotWords, cfg), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeLenPrefixed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, decodererrors.Preconditionf("scorer: truncated length prefix: %v", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, decodererrors.Preconditionf("scorer: truncated payload: %v", err)
	}
	return data, nil
}
