// Package shrink reduces a failing example to a minimal reproduction. The
// search is delta-debugging style: propose simplified copies of the failing
// inputs, re-execute each against the live target, and keep a candidate only
// when it still fails the same check that triggered the shrink.
package shrink

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"schemaprobe/internal/types"
)

// AttemptFunc re-executes one candidate example against the target and fills
// in its response, outcomes and status. A non-nil error means the candidate
// could not be judged (transport failure) and is discarded.
type AttemptFunc func(ctx context.Context, ex *types.Example) error

// Options bounds a shrinker.
type Options struct {
	// MaxAttempts caps total candidate executions across all passes, so a
	// flaky service cannot hold the shrinker hostage.
	MaxAttempts int
	Logger      *zap.Logger
}

const defaultMaxAttempts = 256

// Shrinker minimizes failing examples through a supplied attempt function.
type Shrinker struct {
	attempt     AttemptFunc
	maxAttempts int
	log         *zap.Logger
}

// New builds a shrinker around the attempt function.
func New(attempt AttemptFunc, opts Options) *Shrinker {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Shrinker{attempt: attempt, maxAttempts: maxAttempts, log: log}
}

// Stats reports how hard a shrink worked.
type Stats struct {
	Attempts int `json:"attempts"`
	Accepted int `json:"accepted"`
	Passes   int `json:"passes"`
}

// Shrink searches for a simpler example that still fails failingCheck.
// Passes are greedy: candidates are tried smallest-first and the first one
// that reproduces the failure restarts the search from it. The original
// example is returned unchanged when nothing simpler reproduces, which makes
// re-shrinking a minimal example a no-op.
func (s *Shrinker) Shrink(ctx context.Context, ex *types.Example, failingCheck string) (*types.Example, Stats) {
	var stats Stats
	if ex == nil || failingCheck == "" {
		return ex, stats
	}
	best := ex
	seen := map[string]bool{inputsKey(ex): true}

	for {
		stats.Passes++
		improved := false
		for _, cand := range Candidates(best) {
			key := inputsKey(cand)
			if seen[key] {
				continue
			}
			seen[key] = true
			if ctx.Err() != nil || stats.Attempts >= s.maxAttempts {
				return best, stats
			}
			stats.Attempts++
			if err := s.attempt(ctx, cand); err != nil {
				continue
			}
			if o, ok := cand.OutcomeFor(failingCheck); ok && o.Status == types.OutcomeFailed {
				s.log.Debug("shrink candidate accepted",
					zap.String("operation", cand.OperationID),
					zap.String("check", failingCheck),
					zap.Int("attempt", stats.Attempts),
				)
				best = cand
				stats.Accepted++
				improved = true
				break
			}
		}
		if !improved {
			return best, stats
		}
	}
}

// inputsKey is the canonical serialized form of an example's inputs, used for
// candidate ordering and cycle protection. encoding/json sorts map keys, so
// equal inputs always share a key.
func inputsKey(ex *types.Example) string {
	b, err := json.Marshal(ex.Inputs)
	if err != nil {
		return ""
	}
	return string(b)
}

// keyLess orders candidates simplest-first: smaller serialized byte length,
// then lexicographically smaller encoding.
func keyLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// sortByKey orders candidates deterministically, simplest first.
func sortByKey(cands []*types.Example) {
	keys := make(map[*types.Example]string, len(cands))
	for _, c := range cands {
		keys[c] = inputsKey(c)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return keyLess(keys[cands[i]], keys[cands[j]])
	})
}
