package schema

import (
	"errors"
	"fmt"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"
)

// Kind is the JSON type a constraint node describes.
type Kind uint8

const (
	KindAny Kind = iota
	KindString
	KindNumber
	KindInteger
	KindBoolean
	KindArray
	KindObject
)

var kindNames = map[Kind]string{
	KindAny:     "any",
	KindString:  "string",
	KindNumber:  "number",
	KindInteger: "integer",
	KindBoolean: "boolean",
	KindArray:   "array",
	KindObject:  "object",
}

func (k Kind) String() string { return kindNames[k] }

// Unbounded marks a missing upper bound on lengths and item counts.
const Unbounded = -1

// Property is one named object member. Properties are kept sorted by name so
// every walk over an object is deterministic.
type Property struct {
	Name     string
	Node     *Node
	Required bool
}

// Node is one vertex of a constraint tree. Trees are built once per operation
// and never mutated afterwards; strategies, validators and the shrinker all
// share them by reference.
type Node struct {
	Kind     Kind
	Nullable bool
	Enum     []any
	Format   string
	Example  any

	// Number / integer constraints.
	Min          *float64
	Max          *float64
	ExclusiveMin bool
	ExclusiveMax bool
	MultipleOf   *float64

	// String constraints.
	MinLength int
	MaxLength int // Unbounded when absent
	Pattern   string

	// Array constraints.
	Items       *Node
	MinItems    int
	MaxItems    int // Unbounded when absent
	UniqueItems bool

	// Object constraints.
	Properties []Property

	// Variants holds oneOf/anyOf alternatives (and multi-type nodes from
	// OpenAPI 3.1 type arrays). When non-empty the node itself carries no
	// other constraints.
	Variants []*Node
}

// PropertyNode returns the node for a named property, or nil.
func (n *Node) PropertyNode(name string) *Node {
	for _, p := range n.Properties {
		if p.Name == name {
			return p.Node
		}
	}
	return nil
}

// RequiredProperties returns the names of required properties in sorted order.
func (n *Node) RequiredProperties() []string {
	var out []string
	for _, p := range n.Properties {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// errRecursiveRef signals that a $ref cycle was reached through a required
// path, making the schema impossible to instantiate with finite values.
var errRecursiveRef = errors.New("recursive reference")

type treeBuilder struct {
	// inProgress guards against $ref cycles: schemas currently being
	// expanded higher up the same branch.
	inProgress map[*openapi3.Schema]bool
}

// buildTree converts a resolved kin-openapi schema into an immutable Node
// tree. Optional properties that close a $ref cycle are pruned; a cycle on a
// required path returns errRecursiveRef and makes the operation unloadable.
func buildTree(ref *openapi3.SchemaRef) (*Node, error) {
	b := &treeBuilder{inProgress: make(map[*openapi3.Schema]bool)}
	return b.build(ref)
}

func (b *treeBuilder) build(ref *openapi3.SchemaRef) (*Node, error) {
	if ref == nil || ref.Value == nil {
		return &Node{Kind: KindAny, MaxLength: Unbounded, MaxItems: Unbounded}, nil
	}
	s := ref.Value
	if b.inProgress[s] {
		return nil, errRecursiveRef
	}
	b.inProgress[s] = true
	defer delete(b.inProgress, s)

	if len(s.AllOf) > 0 {
		return b.buildAllOf(s)
	}
	if len(s.OneOf) > 0 || len(s.AnyOf) > 0 {
		return b.buildVariants(s)
	}
	if s.Type != nil && len(s.Type.Slice()) > 1 {
		return b.buildMultiType(s)
	}
	return b.buildSingle(s)
}

// buildSingle handles plain single-typed (or untyped) schemas.
func (b *treeBuilder) buildSingle(s *openapi3.Schema) (*Node, error) {
	n := &Node{
		Kind:      kindOf(s),
		Nullable:  s.Nullable,
		Format:    s.Format,
		MaxLength: Unbounded,
		MaxItems:  Unbounded,
	}
	if len(s.Enum) > 0 {
		n.Enum = append([]any(nil), s.Enum...)
	}
	if s.Example != nil {
		n.Example = s.Example
	} else if s.Default != nil {
		n.Example = s.Default
	}

	switch n.Kind {
	case KindNumber, KindInteger:
		n.Min = s.Min
		n.Max = s.Max
		n.ExclusiveMin = s.ExclusiveMin
		n.ExclusiveMax = s.ExclusiveMax
		n.MultipleOf = s.MultipleOf
	case KindString:
		n.MinLength = int(s.MinLength)
		if s.MaxLength != nil {
			n.MaxLength = int(*s.MaxLength)
		}
		n.Pattern = s.Pattern
	case KindArray:
		n.MinItems = int(s.MinItems)
		if s.MaxItems != nil {
			n.MaxItems = int(*s.MaxItems)
		}
		n.UniqueItems = s.UniqueItems
		items, err := b.build(s.Items)
		if err != nil {
			if errors.Is(err, errRecursiveRef) && n.MinItems == 0 {
				// An empty array is always available, so the cycle is
				// avoidable: pin the array to zero items.
				n.MaxItems = 0
				n.Items = &Node{Kind: KindAny, MaxLength: Unbounded, MaxItems: Unbounded}
				break
			}
			return nil, err
		}
		n.Items = items
	case KindObject:
		required := make(map[string]bool, len(s.Required))
		for _, name := range s.Required {
			required[name] = true
		}
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			child, err := b.build(s.Properties[name])
			if err != nil {
				if errors.Is(err, errRecursiveRef) && !required[name] {
					continue // prune the optional cycle
				}
				return nil, fmt.Errorf("property %q: %w", name, err)
			}
			n.Properties = append(n.Properties, Property{Name: name, Node: child, Required: required[name]})
		}
		// Required names without a matching property schema still need a
		// slot so generation and validation know about them.
		for _, name := range s.Required {
			if n.PropertyNode(name) == nil {
				n.Properties = append(n.Properties, Property{
					Name:     name,
					Node:     &Node{Kind: KindAny, MaxLength: Unbounded, MaxItems: Unbounded},
					Required: true,
				})
			}
		}
		sort.Slice(n.Properties, func(i, j int) bool { return n.Properties[i].Name < n.Properties[j].Name })
	}
	return n, nil
}

func (b *treeBuilder) buildVariants(s *openapi3.Schema) (*Node, error) {
	refs := s.OneOf
	if len(refs) == 0 {
		refs = s.AnyOf
	}
	n := &Node{Kind: KindAny, Nullable: s.Nullable, MaxLength: Unbounded, MaxItems: Unbounded}
	for i, ref := range refs {
		v, err := b.build(ref)
		if err != nil {
			if errors.Is(err, errRecursiveRef) {
				continue // a recursive alternative is simply never chosen
			}
			return nil, fmt.Errorf("variant %d: %w", i, err)
		}
		n.Variants = append(n.Variants, v)
	}
	if len(n.Variants) == 0 {
		return nil, errRecursiveRef
	}
	return n, nil
}

// buildMultiType expands an OpenAPI 3.1 type array into per-type variants.
func (b *treeBuilder) buildMultiType(s *openapi3.Schema) (*Node, error) {
	n := &Node{Kind: KindAny, Nullable: s.Nullable, MaxLength: Unbounded, MaxItems: Unbounded}
	for _, typ := range s.Type.Slice() {
		if typ == "null" {
			n.Nullable = true
			continue
		}
		clone := *s
		clone.Type = &openapi3.Types{typ}
		v, err := b.buildSingle(&clone)
		if err != nil {
			return nil, err
		}
		n.Variants = append(n.Variants, v)
	}
	if len(n.Variants) == 1 {
		only := n.Variants[0]
		only.Nullable = only.Nullable || n.Nullable
		return only, nil
	}
	if len(n.Variants) == 0 {
		n.Kind = KindAny
		n.Variants = nil
	}
	return n, nil
}

// buildAllOf merges allOf branches into a single node, keeping the strictest
// bound wherever two branches constrain the same facet.
func (b *treeBuilder) buildAllOf(s *openapi3.Schema) (*Node, error) {
	base := *s
	base.AllOf = nil
	merged, err := b.buildSingle(&base)
	if err != nil {
		return nil, err
	}
	for i, ref := range s.AllOf {
		branch, err := b.build(ref)
		if err != nil {
			return nil, fmt.Errorf("allOf %d: %w", i, err)
		}
		merged = mergeNodes(merged, branch)
	}
	return merged, nil
}

// mergeNodes folds b into a, preferring the stricter constraint on conflict.
func mergeNodes(a, b *Node) *Node {
	out := *a
	if out.Kind == KindAny {
		out.Kind = b.Kind
	}
	out.Nullable = out.Nullable && b.Nullable
	if out.Format == "" {
		out.Format = b.Format
	}
	if len(out.Enum) == 0 {
		out.Enum = b.Enum
	} else if len(b.Enum) > 0 {
		out.Enum = intersectEnums(out.Enum, b.Enum)
	}
	if b.Min != nil && (out.Min == nil || *b.Min > *out.Min) {
		out.Min = b.Min
		out.ExclusiveMin = b.ExclusiveMin
	}
	if b.Max != nil && (out.Max == nil || *b.Max < *out.Max) {
		out.Max = b.Max
		out.ExclusiveMax = b.ExclusiveMax
	}
	if out.MultipleOf == nil {
		out.MultipleOf = b.MultipleOf
	}
	if b.MinLength > out.MinLength {
		out.MinLength = b.MinLength
	}
	if b.MaxLength != Unbounded && (out.MaxLength == Unbounded || b.MaxLength < out.MaxLength) {
		out.MaxLength = b.MaxLength
	}
	if out.Pattern == "" {
		out.Pattern = b.Pattern
	}
	if b.MinItems > out.MinItems {
		out.MinItems = b.MinItems
	}
	if b.MaxItems != Unbounded && (out.MaxItems == Unbounded || b.MaxItems < out.MaxItems) {
		out.MaxItems = b.MaxItems
	}
	out.UniqueItems = out.UniqueItems || b.UniqueItems
	if out.Items == nil {
		out.Items = b.Items
	}
	if len(b.Properties) > 0 {
		props := map[string]Property{}
		for _, p := range out.Properties {
			props[p.Name] = p
		}
		for _, p := range b.Properties {
			if existing, ok := props[p.Name]; ok {
				existing.Required = existing.Required || p.Required
				existing.Node = mergeNodes(existing.Node, p.Node)
				props[p.Name] = existing
			} else {
				props[p.Name] = p
			}
		}
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		out.Properties = out.Properties[:0]
		for _, name := range names {
			out.Properties = append(out.Properties, props[name])
		}
	}
	return &out
}

func intersectEnums(a, b []any) []any {
	var out []any
	for _, v := range a {
		for _, w := range b {
			if equalJSON(v, w) {
				out = append(out, v)
				break
			}
		}
	}
	return out
}

func kindOf(s *openapi3.Schema) Kind {
	if s.Type != nil {
		switch {
		case s.Type.Is("string"):
			return KindString
		case s.Type.Is("number"):
			return KindNumber
		case s.Type.Is("integer"):
			return KindInteger
		case s.Type.Is("boolean"):
			return KindBoolean
		case s.Type.Is("array"):
			return KindArray
		case s.Type.Is("object"):
			return KindObject
		}
	}
	// Untyped schemas with structure are treated as that structure.
	if len(s.Properties) > 0 || len(s.Required) > 0 {
		return KindObject
	}
	if s.Items != nil {
		return KindArray
	}
	return KindAny
}
