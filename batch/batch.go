/*
Package batch fans a set of independent utterances out across a fixed
pool of workers, decoding each with its own decoder.State and
collecting results back into input order.

Mirrors the single-call shape of the original batch entry point: one
pool is built per BatchDecode call, sized to the caller's requested
worker count, and torn down before the call returns.
*/
package batch

import (
	"context"
	"sync"

	"github.com/JekaMas/workerpool"

	"github.com/Zubayear/beamctc/alphabet"
	"github.com/Zubayear/beamctc/decoder"
	"github.com/Zubayear/beamctc/decodererrors"
	"github.com/Zubayear/beamctc/scorer"
)

// Utterance is one independent probability matrix to decode, in the
// same flattened row-major layout decoder.State.Next expects.
type Utterance struct {
	Probs    []float64
	TimeDim  int
	ClassDim int
}

// Runner fans BatchDecode calls out across NumWorkers goroutines.
type Runner struct {
	NumWorkers int
}

// BatchDecode decodes every utterance in batch independently and
// returns one hypothesis list per utterance, in the same order as
// batch regardless of which utterance actually finishes first.
//
// ctx is checked between utterances only: once it is done, no further
// utterances are started, but any already in flight run to completion.
// A canceled context surfaces as ctx.Err() from the call, same as any
// other per-utterance error.
func (r *Runner) BatchDecode(
	ctx context.Context,
	a *alphabet.Alphabet,
	batch []Utterance,
	opts decoder.Options,
	sc *scorer.Scorer,
	hotWords map[string]float64,
	numResults int,
) ([][]decoder.Hypothesis, error) {
	if r.NumWorkers <= 0 {
		return nil, decodererrors.Preconditionf("batch: num_processes must be positive, got %d", r.NumWorkers)
	}
	if numResults <= 0 {
		return nil, decodererrors.Preconditionf("batch: num_results must be positive, got %d", numResults)
	}

	results := make([][]decoder.Hypothesis, len(batch))
	errs := make([]error, len(batch))

	var mu sync.Mutex
	stopped := false

	pool := workerpool.New(r.NumWorkers)
	for i := range batch {
		i, utt := i, batch[i]
		pool.Submit(func() {
			mu.Lock()
			skip := stopped
			mu.Unlock()
			if skip {
				return
			}

			select {
			case <-ctx.Done():
				mu.Lock()
				stopped = true
				errs[i] = ctx.Err()
				mu.Unlock()
				return
			default:
			}

			var s decoder.State
			if err := s.Init(a, opts, sc, hotWords); err != nil {
				errs[i] = err
				return
			}
			if err := s.Next(utt.Probs, utt.TimeDim, utt.ClassDim); err != nil {
				errs[i] = err
				return
			}
			hyps, err := s.Decode(numResults)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = hyps
		})
	}
	pool.StopWait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
