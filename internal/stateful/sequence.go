package stateful

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"schemaprobe/internal/engine"
	"schemaprobe/internal/schema"
	"schemaprobe/internal/shrink"
	"schemaprobe/internal/types"
)

// Binding is one resolved link parameter: where the value went, the runtime
// expression it came from, and what it evaluated to on this run.
type Binding struct {
	Location   string `json:"location"` // parameter location, or "body"
	Name       string `json:"name,omitempty"`
	Expression string `json:"expression"`
	Value      any    `json:"value"`
}

// Step is one executed call in a sequence, together with the link that chose
// it and the bindings that seeded it.
type Step struct {
	Link     string         `json:"link,omitempty"` // empty on the starting step
	Example  *types.Example `json:"example"`
	Bindings []Binding      `json:"bindings,omitempty"`
}

// Sequence is one chained run starting from a single operation.
type Sequence struct {
	Start       string        `json:"start"`
	Status      engine.Status `json:"status"`
	Steps       []*Step       `json:"steps"`
	FailedStep  int           `json:"failed_step"` // -1 when nothing failed
	FailedCheck string        `json:"failed_check,omitempty"`
	Error       string        `json:"error,omitempty"`
	// Shrunk is the minimized failing sequence; its last step is the failure.
	Shrunk      []*Step      `json:"shrunk,omitempty"`
	ShrinkStats shrink.Stats `json:"shrink_stats"`
}

// Options tunes a sequencer.
type Options struct {
	MaxDepth          int // steps per sequence, default 5
	ShrinkDisabled    bool
	ShrinkMaxAttempts int
	Logger            *zap.Logger
}

const (
	defaultMaxDepth       = 5
	defaultShrinkAttempts = 256
)

// Sequencer drives link-chained runs through an engine.
type Sequencer struct {
	eng  *engine.Engine
	cat  *schema.Catalog
	opts Options
	log  *zap.Logger
}

// New builds a sequencer on top of an engine and the loaded catalog.
func New(eng *engine.Engine, cat *schema.Catalog, opts Options) *Sequencer {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Sequencer{eng: eng, cat: cat, opts: opts, log: log}
}

// RunAll runs one sequence from every operation that declares links.
// Sequences run one at a time: interleaved chains would race on server state.
func (s *Sequencer) RunAll(ctx context.Context) []*Sequence {
	var out []*Sequence
	for _, op := range s.cat.Operations() {
		if len(op.Links) == 0 {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		seq, err := s.RunSequence(ctx, op)
		if err != nil && seq == nil {
			s.log.Warn("sequence aborted",
				zap.String("start", op.ID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, seq)
	}
	return out
}

// RunSequence follows links from the starting operation for up to MaxDepth
// steps. After each response the first link (by name) whose expressions all
// resolve picks the next operation; resolved values are pinned into the next
// example. The sequence stops at its first failing step, which is then
// minimized together with the steps that led to it.
func (s *Sequencer) RunSequence(ctx context.Context, start *schema.Operation) (*Sequence, error) {
	seq := &Sequence{Start: start.ID, Status: engine.StatusPassed, FailedStep: -1}
	op := start
	linkName := ""
	var bindings []Binding

	for depth := 0; depth < s.opts.MaxDepth; depth++ {
		if ctx.Err() != nil {
			seq.Status = engine.StatusCancelled
			return seq, ctx.Err()
		}
		ex, err := s.eng.BuildExample(ctx, op, depth, overridesFor(bindings))
		if err != nil {
			if depth == 0 {
				return nil, fmt.Errorf("sequence start %s: %w", op.ID, err)
			}
			// A linked operation that cannot generate ends the chain; the
			// steps so far still stand.
			seq.Error = fmt.Sprintf("chain stopped at %s: %v", op.ID, err)
			s.log.Warn("sequence halted", zap.String("operation", op.ID), zap.Error(err))
			return seq, nil
		}
		step := &Step{Link: linkName, Example: ex, Bindings: bindings}
		seq.Steps = append(seq.Steps, step)

		var runErr error
		if ex.Status == types.ExampleErrored {
			runErr = errors.New(ex.Error)
		} else {
			runErr = s.eng.RunExample(ctx, ex)
		}
		switch {
		case ex.Status == types.ExampleCancelled:
			seq.Status = engine.StatusCancelled
			return seq, nil
		case runErr != nil:
			seq.Status = engine.StatusErrored
			seq.Error = ex.Error
			return seq, nil
		case ex.Status == types.ExampleFailed:
			seq.Status = engine.StatusFailed
			seq.FailedStep = len(seq.Steps) - 1
			if failed := ex.FailedChecks(); len(failed) > 0 {
				seq.FailedCheck = failed[0]
			}
			s.shrinkSequence(ctx, seq)
			return seq, nil
		}

		next, nextLink, nextBindings := s.resolveNext(op, ex)
		if next == nil {
			return seq, nil
		}
		op, linkName, bindings = next, nextLink, nextBindings
	}
	return seq, nil
}

// resolveNext picks the first link, in name order, whose target exists and
// whose expressions all resolve against the executed step. An unresolvable
// link is skipped with a log line, never fatal.
func (s *Sequencer) resolveNext(op *schema.Operation, ex *types.Example) (*schema.Operation, string, []Binding) {
	if ex.Response == nil {
		return nil, "", nil
	}
	for _, link := range op.LinksFor(ex.Response.StatusCode) {
		target := s.cat.ByID(link.TargetID)
		if target == nil {
			s.log.Warn("link target not in catalog",
				zap.String("operation", op.ID),
				zap.String("link", link.Name),
				zap.String("target", link.TargetID),
			)
			continue
		}
		bindings, err := resolveBindings(link, target, ex)
		if err != nil {
			s.log.Warn("link skipped",
				zap.String("operation", op.ID),
				zap.String("link", link.Name),
				zap.Error(err),
			)
			continue
		}
		return target, link.Name, bindings
	}
	return nil, "", nil
}

// resolveBindings evaluates every expression a link declares. All of them
// must resolve for the link to be taken.
func resolveBindings(link schema.Link, target *schema.Operation, ex *types.Example) ([]Binding, error) {
	names := make([]string, 0, len(link.Parameters))
	for name := range link.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Binding
	for _, name := range names {
		expr := link.Parameters[name]
		loc, paramName, ok := targetParam(target, name)
		if !ok {
			return nil, fmt.Errorf("target %s declares no parameter %q", target.ID, name)
		}
		v, err := Evaluate(expr, ex)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		out = append(out, Binding{Location: string(loc), Name: paramName, Expression: expr, Value: v})
	}
	if link.RequestBody != "" {
		v, err := Evaluate(link.RequestBody, ex)
		if err != nil {
			return nil, fmt.Errorf("requestBody: %w", err)
		}
		out = append(out, Binding{Location: "body", Expression: link.RequestBody, Value: v})
	}
	return out, nil
}

// targetParam maps a link parameter name, optionally qualified as in
// "path.id", onto the target operation's parameter.
func targetParam(op *schema.Operation, name string) (schema.Location, string, bool) {
	if i := strings.IndexByte(name, '.'); i > 0 {
		loc := schema.Location(name[:i])
		switch loc {
		case schema.InPath, schema.InQuery, schema.InHeader, schema.InCookie:
			bare := name[i+1:]
			for _, p := range op.Parameters {
				if p.In == loc && p.Name == bare {
					return loc, bare, true
				}
			}
			return "", "", false
		}
	}
	for _, p := range op.Parameters {
		if p.Name == name {
			return p.In, p.Name, true
		}
	}
	return "", "", false
}

func overridesFor(bindings []Binding) *engine.Overrides {
	ov := &engine.Overrides{}
	for _, b := range bindings {
		if b.Location == "body" {
			ov.SetBody(b.Value, b.Expression)
			continue
		}
		ov.SetParam(schema.Location(b.Location), b.Name, b.Value, b.Expression)
	}
	return ov
}

// seqCandidate is one proposed simplification: the new step list plus the
// first index that must re-execute.
type seqCandidate struct {
	steps []*Step
	from  int
}

// shrinkSequence minimizes a failing sequence. Two kinds of candidate are
// tried greedily: removing a step whose successor takes no bindings from it,
// and shrinking one step's inputs. Every candidate replays the suffix from
// the first changed step, re-resolving each binding against its replayed
// predecessor, so extracted values are never stale.
func (s *Sequencer) shrinkSequence(ctx context.Context, seq *Sequence) {
	if s.opts.ShrinkDisabled || seq.FailedStep < 0 {
		return
	}
	maxAttempts := s.opts.ShrinkMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultShrinkAttempts
	}

	best := seq.Steps
	stats := &seq.ShrinkStats

	improved := true
	for improved && stats.Attempts < maxAttempts && ctx.Err() == nil {
		improved = false
		stats.Passes++
		for _, cand := range s.sequenceCandidates(best) {
			if ctx.Err() != nil || stats.Attempts >= maxAttempts {
				break
			}
			replayed, ok := s.replay(ctx, cand, stats, maxAttempts)
			if !ok {
				continue
			}
			last := replayed[len(replayed)-1].Example
			if o, found := last.OutcomeFor(seq.FailedCheck); found && o.Status == types.OutcomeFailed {
				best = replayed
				stats.Accepted++
				improved = true
				break
			}
		}
	}
	if stats.Accepted > 0 {
		seq.Shrunk = best
		s.log.Info("sequence shrunk",
			zap.String("start", seq.Start),
			zap.Int("steps", len(best)),
			zap.Int("attempts", stats.Attempts),
		)
	}
}

// sequenceCandidates proposes simplifications of the current best sequence:
// step removals first, then input shrinks starting from the failing step.
func (s *Sequencer) sequenceCandidates(steps []*Step) []seqCandidate {
	var out []seqCandidate
	last := len(steps) - 1

	for j := 0; j < last; j++ {
		if len(steps[j+1].Bindings) > 0 {
			continue // the successor extracts values from this step
		}
		cand := make([]*Step, 0, len(steps)-1)
		cand = append(cand, steps[:j]...)
		for _, st := range steps[j+1:] {
			cand = append(cand, cloneStep(st))
		}
		out = append(out, seqCandidate{steps: cand, from: j})
	}

	for idx := last; idx >= 0; idx-- {
		for _, exCand := range shrink.Candidates(steps[idx].Example) {
			cand := make([]*Step, 0, len(steps))
			cand = append(cand, steps[:idx]...)
			cand = append(cand, &Step{
				Link:     steps[idx].Link,
				Example:  exCand,
				Bindings: append([]Binding(nil), steps[idx].Bindings...),
			})
			for _, st := range steps[idx+1:] {
				cand = append(cand, cloneStep(st))
			}
			out = append(out, seqCandidate{steps: cand, from: idx})
		}
	}
	return out
}

func cloneStep(st *Step) *Step {
	return &Step{
		Link:     st.Link,
		Example:  st.Example.Clone(),
		Bindings: append([]Binding(nil), st.Bindings...),
	}
}

// replay re-executes a candidate's suffix. Steps before from keep their
// recorded responses; every replayed step first re-resolves its bindings
// against the step that now precedes it. Intermediate steps must keep
// passing, otherwise the candidate changed the sequence's meaning and is
// discarded.
func (s *Sequencer) replay(ctx context.Context, cand seqCandidate, stats *shrink.Stats, maxAttempts int) ([]*Step, bool) {
	steps := cand.steps
	for i := cand.from; i < len(steps); i++ {
		if ctx.Err() != nil || stats.Attempts >= maxAttempts {
			return nil, false
		}
		st := steps[i]
		if len(st.Bindings) > 0 {
			if i == 0 {
				return nil, false
			}
			prev := steps[i-1].Example
			fresh := make([]Binding, len(st.Bindings))
			for k, b := range st.Bindings {
				v, err := Evaluate(b.Expression, prev)
				if err != nil {
					return nil, false
				}
				b.Value = v
				fresh[k] = b
			}
			st.Bindings = fresh
			overridesFor(fresh).Apply(st.Example)
		}
		stats.Attempts++
		if err := s.eng.RunExample(ctx, st.Example); err != nil {
			return nil, false
		}
		if i < len(steps)-1 && st.Example.Status != types.ExamplePassed {
			return nil, false
		}
	}
	return steps, true
}
