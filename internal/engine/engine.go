// Package engine drives the example lifecycle for each operation: draw
// inputs, apply hooks, execute, check, and shrink whatever fails. One engine
// serves a whole run; per-operation state lives in the RunResult.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"schemaprobe/internal/checks"
	"schemaprobe/internal/executor"
	"schemaprobe/internal/schema"
	"schemaprobe/internal/shrink"
	"schemaprobe/internal/strategy"
	"schemaprobe/internal/types"
)

// Status is the end state of one operation's run.
type Status string

const (
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusErrored   Status = "errored"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Options tunes one engine.
type Options struct {
	MaxExamples int // draws per operation, default 100
	Seed        int64
	Mode        types.Mode
	// MaxErrorRate aborts an operation when transport errors exceed this
	// share of attempts, default 0.25. Checked only after a few attempts so
	// one early blip cannot kill the operation.
	MaxErrorRate float64
	// ContinueOnFailure keeps drawing after a failure instead of stopping at
	// the first one. Off by default: one minimal failure per operation is
	// enough to act on.
	ContinueOnFailure bool
	ShrinkDisabled    bool
	ShrinkMaxAttempts int
	Workers           int // concurrent operations in RunAll, default 4
	Logger            *zap.Logger
}

const (
	defaultMaxExamples  = 100
	defaultMaxErrorRate = 0.25
	defaultWorkers      = 4
	// errorRateMinAttempts is how many attempts must pass before the error
	// rate is trusted enough to abort on.
	errorRateMinAttempts = 4
)

// Failure is one check failure with its minimized reproduction.
type Failure struct {
	Check       string         `json:"check"`
	Example     *types.Example `json:"example"`
	Shrunk      *types.Example `json:"shrunk,omitempty"`
	ShrinkStats shrink.Stats   `json:"shrink_stats"`
	// Repro is a copy-pasteable curl invocation of the smallest reproduction.
	Repro string `json:"repro,omitempty"`
}

// RunResult is everything observed while running one operation.
type RunResult struct {
	Operation  string `json:"operation"`
	Mode       string `json:"mode"`
	Seed       int64  `json:"seed"`
	Status     Status `json:"status"`
	SkipReason string `json:"skip_reason,omitempty"`
	Error      string `json:"error,omitempty"`

	Examples        int `json:"examples"`
	Passed          int `json:"passed"`
	Failed          int `json:"failed"`
	Errored         int `json:"errored"`
	TransportErrors int `json:"transport_errors"`

	Failures []*Failure    `json:"failures,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Engine runs operations against one target.
type Engine struct {
	exec     *executor.Executor
	checks   *checks.Registry
	hooks    *Hooks
	shrinker *shrink.Shrinker
	opts     Options
	log      *zap.Logger

	strategies sync.Map // "mode/op.ID" -> *strategy.OperationStrategy
}

// New builds an engine around an executor and a check registry.
func New(exec *executor.Executor, reg *checks.Registry, opts Options) *Engine {
	if opts.MaxExamples <= 0 {
		opts.MaxExamples = defaultMaxExamples
	}
	if opts.MaxErrorRate <= 0 {
		opts.MaxErrorRate = defaultMaxErrorRate
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{exec: exec, checks: reg, hooks: &Hooks{}, opts: opts, log: log}
	if !opts.ShrinkDisabled {
		e.shrinker = shrink.New(e.RunExample, shrink.Options{
			MaxAttempts: opts.ShrinkMaxAttempts,
			Logger:      log,
		})
	}
	return e
}

// Hooks exposes the engine's extension points for registration.
func (e *Engine) Hooks() *Hooks { return e.hooks }

// Executor returns the executor this engine sends through.
func (e *Engine) Executor() *executor.Executor { return e.exec }

// deriveSeed folds the operation identity into the global seed so every
// operation gets its own stream and concurrent runs cannot perturb each
// other's draws.
func deriveSeed(global int64, opID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(opID))
	return int64(h.Sum64()) ^ global
}

func (e *Engine) strategyFor(op *schema.Operation) (*strategy.OperationStrategy, error) {
	key := fmt.Sprintf("%s/%s", e.opts.Mode, op.ID)
	if cached, ok := e.strategies.Load(key); ok {
		return cached.(*strategy.OperationStrategy), nil
	}
	s, err := strategy.CompileOperation(op, e.opts.Mode)
	if err != nil {
		return nil, err
	}
	e.strategies.Store(key, s)
	return s, nil
}

// Run draws, executes and checks up to MaxExamples examples for one
// operation. It stops early on the first failure (unless configured
// otherwise), on cancellation, or when the transport error rate says the
// target is unreachable.
func (e *Engine) Run(ctx context.Context, op *schema.Operation) *RunResult {
	res := &RunResult{
		Operation: op.ID,
		Mode:      e.opts.Mode.String(),
		Seed:      deriveSeed(e.opts.Seed, op.ID),
		Status:    StatusPassed,
	}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	strat, err := e.strategyFor(op)
	if err != nil {
		var unsat *strategy.UnsatisfiableError
		if errors.As(err, &unsat) {
			res.Status = StatusSkipped
			res.SkipReason = unsat.Error()
			e.log.Warn("operation skipped",
				zap.String("operation", op.ID),
				zap.String("reason", res.SkipReason),
			)
			return res
		}
		res.Status = StatusErrored
		res.Error = err.Error()
		return res
	}

	for draw := 0; draw < e.opts.MaxExamples; draw++ {
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			return res
		}
		ex := e.buildExample(ctx, op, strat, res.Seed, draw)
		res.Examples++

		if ex.Status != types.ExampleErrored { // generation hooks may have degraded it already
			err = e.RunExample(ctx, ex)
		} else {
			err = errors.New(ex.Error)
		}

		switch {
		case ex.Status == types.ExampleCancelled:
			res.Status = StatusCancelled
			return res
		case err != nil:
			res.Errored++
			var terr *executor.TransportError
			if errors.As(err, &terr) {
				res.TransportErrors++
			}
			e.log.Warn("example errored",
				zap.String("operation", op.ID),
				zap.Int("draw", draw),
				zap.Error(err),
			)
		case ex.Status == types.ExampleFailed:
			res.Failed++
			res.Failures = append(res.Failures, e.minimize(ctx, ex))
			if !e.opts.ContinueOnFailure {
				res.Status = StatusFailed
				return res
			}
		case ex.Status == types.ExampleErrored:
			res.Errored++ // a check blew up; the example cannot be trusted either way
		default:
			res.Passed++
		}

		if res.TransportErrors > 0 && res.Examples >= errorRateMinAttempts {
			rate := float64(res.TransportErrors) / float64(res.Examples)
			if rate > e.opts.MaxErrorRate {
				res.Status = StatusErrored
				res.Error = fmt.Sprintf("aborted: transport error rate %.2f exceeds %.2f after %d attempts", rate, e.opts.MaxErrorRate, res.Examples)
				e.log.Error("operation aborted", zap.String("operation", op.ID), zap.String("reason", res.Error))
				return res
			}
		}
	}

	switch {
	case res.Failed > 0:
		res.Status = StatusFailed
	case res.Errored > 0:
		res.Status = StatusErrored
	}
	return res
}

// buildExample draws inputs and layers generation-hook overrides on top. A
// hook error degrades the example instead of killing the run.
func (e *Engine) buildExample(ctx context.Context, op *schema.Operation, strat *strategy.OperationStrategy, seed int64, draw int) *types.Example {
	in, violated := strat.DrawInputs(seed, draw)
	ex := &types.Example{
		ID:          fmt.Sprintf("%s#%d", op.ID, draw),
		Operation:   op,
		OperationID: op.ID,
		Draw:        draw,
		Mode:        e.opts.Mode,
		ModeName:    e.opts.Mode.String(),
		Inputs:      in,
		Violated:    violated,
	}
	ov := &Overrides{}
	for _, h := range e.hooks.gen {
		if err := h.fn(ctx, op, ov); err != nil {
			ex.Status = types.ExampleErrored
			ex.Error = fmt.Sprintf("hook %s: %v", h.name, err)
			ex.Outcomes = append(ex.Outcomes, types.Outcome{
				Check:   h.name,
				Status:  types.OutcomeErrored,
				Message: fmt.Sprintf("before-generation hook failed: %v", err),
			})
			return ex
		}
	}
	ov.Apply(ex)
	return ex
}

// BuildExample draws one example for an operation, running generation hooks
// and layering extra overrides on top. The stateful sequencer pins
// link-derived values through extra; draw selects the stream position so
// repeated visits to one operation still vary.
func (e *Engine) BuildExample(ctx context.Context, op *schema.Operation, draw int, extra *Overrides) (*types.Example, error) {
	strat, err := e.strategyFor(op)
	if err != nil {
		return nil, err
	}
	ex := e.buildExample(ctx, op, strat, deriveSeed(e.opts.Seed, op.ID), draw)
	if extra != nil {
		extra.Apply(ex)
	}
	return ex, nil
}

// RunExample executes one prepared example in place: before-execution hooks,
// the exchange itself, then every enabled check. The returned error reports
// why the example could not be judged; a judged example returns nil whatever
// its outcomes say. Satisfies shrink.AttemptFunc, so shrink candidates replay
// through exactly this path.
func (e *Engine) RunExample(ctx context.Context, ex *types.Example) error {
	ex.Response, ex.Outcomes, ex.Error = nil, nil, ""
	ex.Status = ""

	for _, h := range e.hooks.exec {
		if err := h.fn(ctx, ex); err != nil {
			ex.Status = types.ExampleErrored
			ex.Error = fmt.Sprintf("hook %s: %v", h.name, err)
			ex.Outcomes = append(ex.Outcomes, types.Outcome{
				Check:   h.name,
				Status:  types.OutcomeErrored,
				Message: fmt.Sprintf("before-execution hook failed: %v", err),
			})
			return fmt.Errorf("hook %s: %w", h.name, err)
		}
	}

	resp, err := e.exec.Execute(ctx, ex)
	if err != nil {
		ex.Error = err.Error()
		if ctx.Err() != nil {
			ex.Status = types.ExampleCancelled
		} else {
			ex.Status = types.ExampleErrored
		}
		return err
	}
	ex.Response = resp
	ex.Outcomes = e.checks.Run(ex)
	ex.Status = statusFromOutcomes(ex.Outcomes)
	return nil
}

func statusFromOutcomes(outcomes []types.Outcome) types.ExampleStatus {
	status := types.ExamplePassed
	for _, o := range outcomes {
		switch o.Status {
		case types.OutcomeFailed:
			return types.ExampleFailed
		case types.OutcomeErrored:
			status = types.ExampleErrored
		}
	}
	return status
}

// minimize shrinks a failing example and packages the failure for the report.
func (e *Engine) minimize(ctx context.Context, ex *types.Example) *Failure {
	fail := &Failure{Example: ex}
	if failed := ex.FailedChecks(); len(failed) > 0 {
		fail.Check = failed[0]
	}
	smallest := ex
	if e.shrinker != nil && fail.Check != "" {
		shrunk, stats := e.shrinker.Shrink(ctx, ex, fail.Check)
		fail.ShrinkStats = stats
		if shrunk != ex {
			fail.Shrunk = shrunk
			smallest = shrunk
		}
		e.log.Info("failure shrunk",
			zap.String("operation", ex.OperationID),
			zap.String("check", fail.Check),
			zap.Int("attempts", stats.Attempts),
			zap.Int("accepted", stats.Accepted),
		)
	}
	fail.Repro = executor.Curl(e.exec.BaseURL().String(), smallest)
	return fail
}
