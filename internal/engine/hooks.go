package engine

import (
	"context"

	"schemaprobe/internal/schema"
	"schemaprobe/internal/types"
)

// BeforeGenerationFunc runs before an example is drawn and may pin inputs
// through the overrides. Link seeding and user fixtures both arrive this way.
type BeforeGenerationFunc func(ctx context.Context, op *schema.Operation, ov *Overrides) error

// BeforeExecutionFunc runs on the fully built example just before it is sent.
type BeforeExecutionFunc func(ctx context.Context, ex *types.Example) error

type genHook struct {
	name string
	fn   BeforeGenerationFunc
}

type execHook struct {
	name string
	fn   BeforeExecutionFunc
}

// Hooks is an ordered set of named extension points. Registration order is
// execution order.
type Hooks struct {
	gen  []genHook
	exec []execHook
}

// BeforeGeneration registers a hook that may override drawn inputs.
func (h *Hooks) BeforeGeneration(name string, fn BeforeGenerationFunc) {
	h.gen = append(h.gen, genHook{name: name, fn: fn})
}

// BeforeExecution registers a hook that may mutate the example pre-flight.
func (h *Hooks) BeforeExecution(name string, fn BeforeExecutionFunc) {
	h.exec = append(h.exec, execHook{name: name, fn: fn})
}

type paramOverride struct {
	loc    schema.Location
	name   string
	value  any
	source string
}

type bodyOverride struct {
	value  any
	source string
}

// Overrides collects values a before-generation hook pins for one example.
// Pinned inputs replace whatever was drawn and are recorded in Example.Seeded
// with their source, which also fences them off from the shrinker.
type Overrides struct {
	params []paramOverride
	body   *bodyOverride
}

// SetParam pins one parameter value. Source says where the value came from,
// such as a link expression; empty defaults to "hook".
func (o *Overrides) SetParam(loc schema.Location, name string, value any, source string) {
	if source == "" {
		source = "hook"
	}
	o.params = append(o.params, paramOverride{loc: loc, name: name, value: value, source: source})
}

// SetBody pins the request body.
func (o *Overrides) SetBody(value any, source string) {
	if source == "" {
		source = "hook"
	}
	o.body = &bodyOverride{value: value, source: source}
}

// Empty reports whether no override was recorded.
func (o *Overrides) Empty() bool {
	return len(o.params) == 0 && o.body == nil
}

// Apply writes the recorded overrides into an example, marking each touched
// input as seeded.
func (o *Overrides) Apply(ex *types.Example) {
	seed := func(key, source string) {
		if ex.Seeded == nil {
			ex.Seeded = make(map[string]string)
		}
		ex.Seeded[key] = source
	}
	for _, p := range o.params {
		ex.Inputs.Set(p.loc, p.name, p.value)
		seed(types.SeededKey(string(p.loc), p.name), p.source)
	}
	if o.body != nil {
		ex.Inputs.Body = o.body.value
		ex.Inputs.HasBody = true
		if ex.Inputs.Media == "" {
			if op := ex.Operation; op != nil && op.Body != nil {
				ex.Inputs.Media = op.Body.MediaType
			} else {
				ex.Inputs.Media = "application/json"
			}
		}
		seed("body", o.body.source)
	}
}
