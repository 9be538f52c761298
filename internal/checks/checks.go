// Package checks validates executed examples. A registry holds the built-in
// conformance checks plus any user-registered ones and runs every enabled
// check on every example in registration order, never short-circuiting, so a
// single example always yields the complete failure picture.
package checks

import (
	"fmt"

	"go.uber.org/zap"

	"schemaprobe/internal/types"
)

// Func is one check: a pure function of an executed example to a verdict.
// The registry stamps the check's name onto the returned outcome, and checks
// must not keep state across calls; examples run concurrently across
// operations.
type Func func(ex *types.Example) types.Outcome

// Registry holds named checks in registration order.
type Registry struct {
	log     *zap.Logger
	order   []string
	fns     map[string]Func
	enabled map[string]bool
}

// New builds a registry with every built-in check registered and enabled.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		log:     log,
		fns:     make(map[string]Func),
		enabled: make(map[string]bool),
	}
	for _, b := range builtins {
		r.order = append(r.order, b.name)
		r.fns[b.name] = b.fn
		r.enabled[b.name] = true
	}
	return r
}

// Register adds a custom check. Names must be unique; execution order is
// registration order.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("check name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("check %q has no function", name)
	}
	if _, exists := r.fns[name]; exists {
		return fmt.Errorf("check %q is already registered", name)
	}
	r.order = append(r.order, name)
	r.fns[name] = fn
	r.enabled[name] = true
	return nil
}

// Names returns all registered check names in execution order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Enabled returns the currently enabled check names in execution order.
func (r *Registry) Enabled() []string {
	var out []string
	for _, name := range r.order {
		if r.enabled[name] {
			out = append(out, name)
		}
	}
	return out
}

// Configure narrows the enabled set. A non-empty enable list keeps only
// those checks; disable then removes checks from whatever is enabled.
// Unknown names are errors rather than silent no-ops, since a typo would
// otherwise quietly skip the validation the user asked for.
func (r *Registry) Configure(enable, disable []string) error {
	for _, name := range append(append([]string{}, enable...), disable...) {
		if _, ok := r.fns[name]; !ok {
			return fmt.Errorf("unknown check %q (known: %v)", name, r.order)
		}
	}
	if len(enable) > 0 {
		for name := range r.enabled {
			r.enabled[name] = false
		}
		for _, name := range enable {
			r.enabled[name] = true
		}
	}
	for _, name := range disable {
		r.enabled[name] = false
	}
	return nil
}

// Run executes every enabled check against the example in registration
// order. All checks run even when an earlier one fails.
func (r *Registry) Run(ex *types.Example) []types.Outcome {
	out := make([]types.Outcome, 0, len(r.order))
	for _, name := range r.order {
		if !r.enabled[name] {
			continue
		}
		out = append(out, r.runOne(name, ex))
	}
	return out
}

// runOne isolates one check execution. A panicking check degrades to an
// errored outcome for that check alone instead of aborting the run.
func (r *Registry) runOne(name string, ex *types.Example) (o types.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("check panicked",
				zap.String("check", name),
				zap.String("example", ex.ID),
				zap.Any("panic", rec),
			)
			o = types.Outcome{
				Check:   name,
				Status:  types.OutcomeErrored,
				Message: fmt.Sprintf("check panicked: %v", rec),
			}
		}
	}()
	o = r.fns[name](ex)
	o.Check = name
	return o
}

func passed() types.Outcome {
	return types.Outcome{Status: types.OutcomePassed}
}

func failed(format string, args ...any) types.Outcome {
	return types.Outcome{Status: types.OutcomeFailed, Message: fmt.Sprintf(format, args...)}
}

func skipped(format string, args ...any) types.Outcome {
	return types.Outcome{Status: types.OutcomeSkipped, Message: fmt.Sprintf(format, args...)}
}
