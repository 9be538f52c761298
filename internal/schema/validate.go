package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sync"
)

// ViolationKind names the single constraint a value breaks. The vocabulary is
// shared with negative generation so a deliberately broken example can be
// tied back to the exact constraint it was built to violate.
type ViolationKind string

const (
	ViolationMissingRequired ViolationKind = "missing_required"
	ViolationWrongType       ViolationKind = "wrong_type"
	ViolationUnexpectedNull  ViolationKind = "unexpected_null"
	ViolationOutOfRange      ViolationKind = "out_of_range"
	ViolationNotMultipleOf   ViolationKind = "not_multiple_of"
	ViolationTooShort        ViolationKind = "too_short"
	ViolationTooLong         ViolationKind = "too_long"
	ViolationPatternMismatch ViolationKind = "pattern_mismatch"
	ViolationNotInEnum       ViolationKind = "not_in_enum"
	ViolationTooFewItems     ViolationKind = "too_few_items"
	ViolationTooManyItems    ViolationKind = "too_many_items"
	ViolationDuplicateItems  ViolationKind = "duplicate_items"
)

// Violation reports one broken constraint at a path inside a value.
type Violation struct {
	Path string
	Kind ViolationKind
	Msg  string
}

func (v Violation) String() string {
	if v.Path == "" {
		return fmt.Sprintf("%s: %s", v.Kind, v.Msg)
	}
	return fmt.Sprintf("%s at %s: %s", v.Kind, v.Path, v.Msg)
}

// Validate checks value against the node tree and returns every violation it
// finds. A type mismatch stops descent at that point, since the remaining
// constraints are meaningless for a value of the wrong shape; everything else
// is collected without short-circuiting.
func Validate(n *Node, value any) []Violation {
	var out []Violation
	validateAt(n, value, "", &out)
	return out
}

func validateAt(n *Node, value any, path string, out *[]Violation) {
	if n == nil {
		return
	}
	if len(n.Variants) > 0 {
		// A variant value is valid if any alternative accepts it.
		best := -1
		var bestViolations []Violation
		for _, v := range n.Variants {
			var vs []Violation
			validateAt(v, value, path, &vs)
			if len(vs) == 0 {
				return
			}
			if best == -1 || len(vs) < best {
				best = len(vs)
				bestViolations = vs
			}
		}
		if value == nil && n.Nullable {
			return
		}
		*out = append(*out, bestViolations...)
		return
	}
	if value == nil {
		if !n.Nullable && n.Kind != KindAny {
			*out = append(*out, Violation{Path: path, Kind: ViolationUnexpectedNull, Msg: "null not allowed"})
		}
		return
	}
	if len(n.Enum) > 0 {
		for _, e := range n.Enum {
			if equalJSON(e, value) {
				return
			}
		}
		*out = append(*out, Violation{Path: path, Kind: ViolationNotInEnum, Msg: fmt.Sprintf("%v not among %d enum values", value, len(n.Enum))})
		return
	}

	switch n.Kind {
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			*out = append(*out, wrongType(path, "boolean", value))
		}
	case KindInteger:
		f, ok := toFloat(value)
		if !ok || f != math.Trunc(f) {
			*out = append(*out, wrongType(path, "integer", value))
			return
		}
		validateNumber(n, f, path, out)
	case KindNumber:
		f, ok := toFloat(value)
		if !ok {
			*out = append(*out, wrongType(path, "number", value))
			return
		}
		validateNumber(n, f, path, out)
	case KindString:
		s, ok := value.(string)
		if !ok {
			*out = append(*out, wrongType(path, "string", value))
			return
		}
		length := len([]rune(s))
		if length < n.MinLength {
			*out = append(*out, Violation{Path: path, Kind: ViolationTooShort, Msg: fmt.Sprintf("length %d < minLength %d", length, n.MinLength)})
		}
		if n.MaxLength != Unbounded && length > n.MaxLength {
			*out = append(*out, Violation{Path: path, Kind: ViolationTooLong, Msg: fmt.Sprintf("length %d > maxLength %d", length, n.MaxLength)})
		}
		if n.Pattern != "" {
			if re, err := compilePattern(n.Pattern); err == nil && !re.MatchString(s) {
				*out = append(*out, Violation{Path: path, Kind: ViolationPatternMismatch, Msg: fmt.Sprintf("%q does not match %q", s, n.Pattern)})
			}
		}
	case KindArray:
		items, ok := value.([]any)
		if !ok {
			*out = append(*out, wrongType(path, "array", value))
			return
		}
		if len(items) < n.MinItems {
			*out = append(*out, Violation{Path: path, Kind: ViolationTooFewItems, Msg: fmt.Sprintf("%d items < minItems %d", len(items), n.MinItems)})
		}
		if n.MaxItems != Unbounded && len(items) > n.MaxItems {
			*out = append(*out, Violation{Path: path, Kind: ViolationTooManyItems, Msg: fmt.Sprintf("%d items > maxItems %d", len(items), n.MaxItems)})
		}
		if n.UniqueItems && hasDuplicates(items) {
			*out = append(*out, Violation{Path: path, Kind: ViolationDuplicateItems, Msg: "duplicate items in unique array"})
		}
		for i, item := range items {
			validateAt(n.Items, item, childPath(path, fmt.Sprintf("%d", i)), out)
		}
	case KindObject:
		obj, ok := value.(map[string]any)
		if !ok {
			*out = append(*out, wrongType(path, "object", value))
			return
		}
		for _, p := range n.Properties {
			v, present := obj[p.Name]
			if !present {
				if p.Required {
					*out = append(*out, Violation{Path: path, Kind: ViolationMissingRequired, Msg: fmt.Sprintf("required property %q missing", p.Name)})
				}
				continue
			}
			validateAt(p.Node, v, childPath(path, p.Name), out)
		}
	}
}

func validateNumber(n *Node, f float64, path string, out *[]Violation) {
	if n.Min != nil {
		if f < *n.Min || (n.ExclusiveMin && f == *n.Min) {
			*out = append(*out, Violation{Path: path, Kind: ViolationOutOfRange, Msg: fmt.Sprintf("%v below minimum %v", f, *n.Min)})
		}
	}
	if n.Max != nil {
		if f > *n.Max || (n.ExclusiveMax && f == *n.Max) {
			*out = append(*out, Violation{Path: path, Kind: ViolationOutOfRange, Msg: fmt.Sprintf("%v above maximum %v", f, *n.Max)})
		}
	}
	if n.MultipleOf != nil && *n.MultipleOf != 0 {
		ratio := f / *n.MultipleOf
		if math.Abs(ratio-math.Round(ratio)) > 1e-9 {
			*out = append(*out, Violation{Path: path, Kind: ViolationNotMultipleOf, Msg: fmt.Sprintf("%v is not a multiple of %v", f, *n.MultipleOf)})
		}
	}
}

func wrongType(path, want string, got any) Violation {
	return Violation{Path: path, Kind: ViolationWrongType, Msg: fmt.Sprintf("want %s, got %T", want, got)}
}

func childPath(parent, seg string) string {
	if parent == "" {
		return seg
	}
	return parent + "/" + seg
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// equalJSON compares two values by their canonical JSON rendering, which
// sidesteps int64-vs-float64 mismatches between generated and decoded values.
func equalJSON(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

func hasDuplicates(items []any) bool {
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			continue
		}
		if seen[string(b)] {
			return true
		}
		seen[string(b)] = true
	}
	return false
}

var patternCache sync.Map // pattern string -> *regexp.Regexp

// compilePattern caches compiled patterns; validation runs once per check per
// example and again for every shrink candidate.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}
