package strategy

import (
	"errors"
	"fmt"
	"strings"

	"schemaprobe/internal/schema"
	"schemaprobe/internal/types"
)

// opSite locates one violable constraint within a whole operation: either a
// site inside a parameter or body value, or the omission of a required
// parameter or body.
type opSite struct {
	paramIdx int // index into op.Parameters; -1 targets the body
	omit     bool
	s        site
}

type paramStrategy struct {
	param schema.Parameter
	gen   valueFunc
	sites []site
}

type bodyStrategy struct {
	body  *schema.Body
	gen   valueFunc
	sites []site
}

// OperationStrategy draws complete input sets for one operation. Parameters
// are drawn in catalog order from a single stream, so one (seed, draw) pair
// reproduces the whole request.
type OperationStrategy struct {
	op     *schema.Operation
	mode   types.Mode
	params []paramStrategy
	body   *bodyStrategy
	groups [][]opSite
}

// CompileOperation prepares generation for every parameter and the body.
// Any unsatisfiable required input makes the whole operation unsatisfiable;
// negative mode additionally requires at least one violable constraint.
func CompileOperation(op *schema.Operation, mode types.Mode) (*OperationStrategy, error) {
	s := &OperationStrategy{op: op, mode: mode}
	for _, p := range op.Parameters {
		c, err := compileNode(p.Schema, nil)
		if err != nil {
			return nil, locateErr(err, string(p.In)+" parameter "+p.Name)
		}
		s.params = append(s.params, paramStrategy{param: p, gen: c.gen, sites: c.sites})
	}
	if op.Body != nil {
		c, err := compileNode(op.Body.Schema, nil)
		if err != nil {
			return nil, locateErr(err, "body")
		}
		s.body = &bodyStrategy{body: op.Body, gen: c.gen, sites: c.sites}
	}
	if mode == types.ModeNegative {
		s.groups = operationGroups(s)
		if len(s.groups) == 0 {
			return nil, &UnsatisfiableError{Reason: fmt.Sprintf("%s declares no constraint that can be violated", op.ID)}
		}
	}
	return s, nil
}

// locateErr prefixes an unsatisfiability path with the input it belongs to.
func locateErr(err error, where string) error {
	var u *UnsatisfiableError
	if errors.As(err, &u) {
		path := where
		if u.Path != "" {
			path += "/" + u.Path
		}
		return &UnsatisfiableError{Path: path, Reason: u.Reason}
	}
	return err
}

// Operation returns the operation this strategy draws for.
func (s *OperationStrategy) Operation() *schema.Operation { return s.op }

// Mode returns the generation mode.
func (s *OperationStrategy) Mode() types.Mode { return s.mode }

// operationGroups merges per-input site groups into one deterministic list.
// A required query/header/cookie parameter (or required body) also gets an
// omission site, folded into the group at that input's root so draw cycling
// reaches it. Path parameters are never omitted: the URL could not be built.
func operationGroups(s *OperationStrategy) [][]opSite {
	var out [][]opSite
	add := func(idx int, sites []site, omittable bool) {
		grouped := groupSites(sites)
		rootSeen := false
		for _, grp := range grouped {
			ops := make([]opSite, 0, len(grp)+1)
			if len(grp[0].group) == 0 && omittable {
				ops = append(ops, opSite{paramIdx: idx, omit: true})
				rootSeen = true
			}
			for _, st := range grp {
				ops = append(ops, opSite{paramIdx: idx, s: st})
			}
			out = append(out, ops)
		}
		if omittable && !rootSeen {
			out = append(out, []opSite{{paramIdx: idx, omit: true}})
		}
	}
	for i, ps := range s.params {
		omittable := ps.param.Required && ps.param.In != schema.InPath
		add(i, ps.sites, omittable)
	}
	if s.body != nil {
		add(-1, s.body.sites, s.body.body.Required)
	}
	return out
}

// DrawInputs produces the complete request inputs for one draw index. In
// negative mode the second return names the one constraint the inputs
// violate.
func (s *OperationStrategy) DrawInputs(seed int64, draw int) (types.Inputs, *types.ViolatedConstraint) {
	st := NewStream(seed, draw)
	size := sizeForDraw(draw)

	var pick opSite
	negative := s.mode == types.ModeNegative
	if negative {
		grp := s.groups[st.IntN(len(s.groups))]
		pick = grp[draw%len(grp)]
	}

	var in types.Inputs
	var violated *types.ViolatedConstraint
	for i := range s.params {
		ps := &s.params[i]
		target := negative && pick.paramIdx == i
		if target && pick.omit {
			violated = &types.ViolatedConstraint{
				Location: string(ps.param.In),
				Name:     ps.param.Name,
				Kind:     string(schema.ViolationMissingRequired),
			}
			continue
		}
		include := ps.param.Required || target
		if !include {
			include = st.Bool(inclusionProb(size))
		}
		if !include {
			continue
		}
		var v any
		if target {
			v = ps.gen(st, size, pick.s.group)
			v = applySite(v, pick.s.path, pick.s.mutate, st, size)
			violated = &types.ViolatedConstraint{
				Location: string(ps.param.In),
				Name:     ps.param.Name,
				Path:     strings.Join(pick.s.group, "/"),
				Kind:     string(pick.s.kind),
			}
		} else {
			v = ps.gen(st, size, nil)
		}
		in.Set(ps.param.In, ps.param.Name, v)
	}

	if s.body != nil {
		target := negative && pick.paramIdx == -1
		switch {
		case target && pick.omit:
			violated = &types.ViolatedConstraint{
				Location: "body",
				Kind:     string(schema.ViolationMissingRequired),
			}
		default:
			include := s.body.body.Required || target
			if !include {
				include = st.Bool(inclusionProb(size))
			}
			if include {
				var v any
				if target {
					v = s.body.gen(st, size, pick.s.group)
					v = applySite(v, pick.s.path, pick.s.mutate, st, size)
					violated = &types.ViolatedConstraint{
						Location: "body",
						Path:     strings.Join(pick.s.group, "/"),
						Kind:     string(pick.s.kind),
					}
				} else {
					v = s.body.gen(st, size, nil)
				}
				in.Body = v
				in.HasBody = true
				in.Media = s.body.body.MediaType
			}
		}
	}
	return in, violated
}

// inclusionProb is the chance an optional parameter or body appears, kept
// above one half so optional surface still gets steady coverage.
func inclusionProb(size int) float64 {
	return 0.5 + optionalProb(size)/2
}
