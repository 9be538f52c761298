package shrink

import (
	"math"
	"strings"

	"schemaprobe/internal/schema"
	"schemaprobe/internal/types"
)

// Candidates proposes simplified copies of an example, each differing from it
// in exactly one spot, ordered simplest-first by the serialized tie-break.
// Every candidate keeps the example schema-shape-valid: same operation, same
// required inputs, values still satisfying their constraint trees. Two kinds
// of input are never touched: the one constraint a negative example
// deliberately violates, and values seeded by links or hooks, both of which
// are pinned by contract.
func Candidates(ex *types.Example) []*types.Example {
	op := ex.Operation
	if op == nil {
		return nil
	}

	var out []*types.Example
	add := func(mutate func(c *types.Example)) {
		c := ex.Clone()
		mutate(c)
		out = append(out, c)
	}
	pinned := func(loc schema.Location, name string) bool {
		if ex.Seeded != nil && ex.Seeded[types.SeededKey(string(loc), name)] != "" {
			return true
		}
		v := ex.Violated
		return v != nil && v.Location == string(loc) && v.Name == name
	}

	for _, p := range op.Parameters {
		v, present := ex.Inputs.Get(p.In, p.Name)
		if !present || pinned(p.In, p.Name) {
			continue
		}
		if !p.Required {
			in, name := p.In, p.Name
			add(func(c *types.Example) { c.Inputs.Delete(in, name) })
		}
		node := effectiveNode(p.Schema, v)
		for _, sv := range simplifyValue(node, v) {
			if len(schema.Validate(p.Schema, sv)) > 0 {
				continue
			}
			in, name, sv := p.In, p.Name, sv
			add(func(c *types.Example) { c.Inputs.Set(in, name, sv) })
		}
	}

	bodyPinned := ex.Seeded != nil && ex.Seeded["body"] != "" ||
		ex.Violated != nil && ex.Violated.Location == "body"
	if ex.Inputs.HasBody && op.Body != nil && !bodyPinned {
		if !op.Body.Required {
			add(func(c *types.Example) {
				c.Inputs.Body = nil
				c.Inputs.HasBody = false
				c.Inputs.Media = ""
			})
		}
		node := effectiveNode(op.Body.Schema, ex.Inputs.Body)
		for _, sv := range simplifyValue(node, ex.Inputs.Body) {
			if len(schema.Validate(op.Body.Schema, sv)) > 0 {
				continue
			}
			sv := sv
			add(func(c *types.Example) { c.Inputs.Body = sv })
		}
	}

	// Dedupe, drop anything identical to the starting point, order by the
	// tie-break.
	selfKey := inputsKey(ex)
	seen := map[string]bool{selfKey: true}
	kept := out[:0]
	for _, c := range out {
		k := inputsKey(c)
		if seen[k] {
			continue
		}
		seen[k] = true
		kept = append(kept, c)
	}
	sortByKey(kept)
	return kept
}

// effectiveNode resolves variant nodes to the alternative the value actually
// conforms to, so simplification works against concrete constraints.
func effectiveNode(n *schema.Node, v any) *schema.Node {
	if n == nil {
		return &schema.Node{Kind: schema.KindAny, MaxLength: schema.Unbounded, MaxItems: schema.Unbounded}
	}
	if len(n.Variants) == 0 {
		return n
	}
	for _, alt := range n.Variants {
		if len(schema.Validate(alt, v)) == 0 {
			return effectiveNode(alt, v)
		}
	}
	return n
}

// simplifyValue proposes simpler replacements for one value under its
// constraint node. Proposals may overshoot the constraints; the caller
// filters through the validator.
func simplifyValue(n *schema.Node, v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		if x {
			return []any{false}
		}
		return nil
	case int64:
		return simplifyInt(n, x)
	case int:
		return simplifyInt(n, int64(x))
	case float64:
		return simplifyFloat(n, x)
	case string:
		return simplifyString(n, x)
	case []any:
		return simplifyArray(n, x)
	case map[string]any:
		return simplifyObject(n, x)
	default:
		return nil
	}
}

// simplifyInt walks a halving ladder from the value toward the simplest
// in-bound integer: zero when the range admits it, else the nearest bound.
func simplifyInt(n *schema.Node, v int64) []any {
	if len(n.Enum) > 0 {
		return enumAlternatives(n, v)
	}
	target := int64(0)
	if n.Min != nil && float64(target) < *n.Min {
		target = int64(math.Ceil(*n.Min))
		if n.ExclusiveMin && float64(target) == *n.Min {
			target++
		}
	}
	if n.Max != nil && float64(target) > *n.Max {
		target = int64(math.Floor(*n.Max))
		if n.ExclusiveMax && float64(target) == *n.Max {
			target--
		}
	}
	if v == target {
		return nil
	}
	var out []any
	out = append(out, target)
	if n.MultipleOf != nil && *n.MultipleOf > 0 {
		m := *n.MultipleOf
		snapped := math.Round(float64(target)/m) * m
		if snapped == math.Trunc(snapped) {
			out = append(out, int64(snapped))
		}
	}
	for step := (v - target) / 2; step != 0; step /= 2 {
		out = append(out, v-step)
		if len(out) >= 6 {
			break
		}
	}
	// One-step nudge covers the final gap the halving ladder skips over.
	if v > target {
		out = append(out, v-1)
	} else {
		out = append(out, v+1)
	}
	return out
}

func simplifyFloat(n *schema.Node, v float64) []any {
	if len(n.Enum) > 0 {
		return enumAlternatives(n, v)
	}
	target := 0.0
	if n.Min != nil && target < *n.Min {
		target = *n.Min
	}
	if n.Max != nil && target > *n.Max {
		target = *n.Max
	}
	if v == target {
		return nil
	}
	out := []any{target}
	if t := math.Trunc(v); t != v {
		out = append(out, t)
	}
	for step := (v - target) / 2; math.Abs(step) > 1e-9; step /= 2 {
		out = append(out, v-step)
		if len(out) >= 6 {
			break
		}
	}
	return out
}

func simplifyString(n *schema.Node, s string) []any {
	if len(n.Enum) > 0 {
		return enumAlternatives(n, s)
	}
	runes := []rune(s)
	minL := n.MinLength
	var out []any
	if len(runes) > minL {
		out = append(out, string(runes[:minL]))
		if half := minL + (len(runes)-minL)/2; half > minL && half < len(runes) {
			out = append(out, string(runes[:half]))
		}
		out = append(out, string(runes[:len(runes)-1]))
	}
	// Same length, simpler alphabet.
	if fill := strings.Repeat("a", len(runes)); fill != s {
		out = append(out, fill)
	}
	if minL < len(runes) && minL > 0 {
		out = append(out, strings.Repeat("a", minL))
	}
	return out
}

func simplifyArray(n *schema.Node, items []any) []any {
	var out []any
	minI := n.MinItems
	if len(items) > minI {
		out = append(out, append([]any{}, items[:len(items)-1]...))
		out = append(out, append([]any{}, items[:minI]...))
		out = append(out, append([]any{}, items[1:]...))
	}
	itemNode := n.Items
	for i := 0; i < len(items) && i < 4; i++ {
		for _, sv := range simplifyValue(effectiveNode(itemNode, items[i]), items[i]) {
			clone := append([]any{}, items...)
			clone[i] = sv
			out = append(out, clone)
		}
	}
	return out
}

func simplifyObject(n *schema.Node, obj map[string]any) []any {
	var out []any
	required := make(map[string]bool)
	for _, p := range n.Properties {
		if p.Required {
			required[p.Name] = true
		}
	}
	for _, name := range sortedObjKeys(obj) {
		if required[name] {
			continue
		}
		clone := cloneObj(obj)
		delete(clone, name)
		out = append(out, clone)
	}
	for _, name := range sortedObjKeys(obj) {
		child := effectiveNode(n.PropertyNode(name), obj[name])
		for _, sv := range simplifyValue(child, obj[name]) {
			clone := cloneObj(obj)
			clone[name] = sv
			out = append(out, clone)
		}
	}
	return out
}

// enumAlternatives proposes the other members of an enum; the tie-break sort
// decides which count as simpler.
func enumAlternatives(n *schema.Node, v any) []any {
	var out []any
	for _, e := range n.Enum {
		if e != v {
			out = append(out, e)
		}
	}
	return out
}

func cloneObj(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}

func sortedObjKeys(obj map[string]any) []string {
	out := make([]string, 0, len(obj))
	for k := range obj {
		out = append(out, k)
	}
	// Deterministic proposal order; the final candidate sort depends on it
	// only for exact ties.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
