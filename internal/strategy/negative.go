package strategy

import (
	"math"
	"sort"
	"strings"

	"github.com/mohae/deepcopy"

	"schemaprobe/internal/schema"
)

// mutateFunc rewrites the value at a site so it violates exactly the site's
// constraint while leaving every other constraint satisfied.
type mutateFunc func(v any, st *Stream, size int) any

// site is one violable constraint discovered during compilation.
//
// Tiers order the kinds within a group: dropping a required member comes
// first, structural breaks second, value-level breaks last. Draw indexes
// cycle through the tiers so a long run covers every kind at every site.
type site struct {
	path   []string // value to replace, relative to the strategy root
	group  []string // grouping identity; extends path with the field name for missing_required
	kind   schema.ViolationKind
	field  string
	tier   int
	mutate mutateFunc
}

func cp(path []string) []string {
	return append([]string{}, path...)
}

func wrongTypeSite(n *schema.Node, path []string) site {
	kind := n.Kind
	return site{
		path:  cp(path),
		group: cp(path),
		kind:  schema.ViolationWrongType,
		tier:  1,
		mutate: func(v any, st *Stream, size int) any {
			return mismatchedValue(kind, st)
		},
	}
}

// withNullSite adds the unexpected-null site for non-nullable nodes. The
// validator stops at a null, so this is always a clean single violation.
func withNullSite(n *schema.Node, path []string, sites []site) []site {
	if n.Nullable {
		return sites
	}
	return append(sites, site{
		path:  cp(path),
		group: cp(path),
		kind:  schema.ViolationUnexpectedNull,
		tier:  1,
		mutate: func(v any, st *Stream, size int) any {
			return nil
		},
	})
}

func scalarSites(n *schema.Node, path []string) []site {
	return withNullSite(n, path, []site{wrongTypeSite(n, path)})
}

// enumSites covers enum-gated nodes. Membership is checked before anything
// else, so even a wrong-typed value reads as not_in_enum; the escape site is
// the only value mutation that keeps its label honest.
func enumSites(n *schema.Node, path []string, sansGen valueFunc) []site {
	vals := n.Enum
	sites := []site{
		{
			path:  cp(path),
			group: cp(path),
			kind:  schema.ViolationNotInEnum,
			tier:  2,
			mutate: func(v any, st *Stream, size int) any {
				return outsideEnum(vals, sansGen, st, size)
			},
		},
	}
	return withNullSite(n, path, sites)
}

// outsideEnum draws from the enum-free generator until the value escapes the
// allowed set, falling back to a perturbation of the first member.
func outsideEnum(vals []any, sansGen valueFunc, st *Stream, size int) any {
	keys := make(map[string]bool, len(vals))
	for _, v := range vals {
		keys[jsonKey(v)] = true
	}
	if sansGen != nil {
		for i := 0; i < 8; i++ {
			v := sansGen(st, size+i, []string{})
			if !keys[jsonKey(v)] {
				return v
			}
		}
	}
	switch first := vals[0].(type) {
	case string:
		return first + "~"
	case bool:
		return "neither"
	case float64:
		return first + 1
	case int:
		return first + 1
	case int64:
		return first + 1
	default:
		return jsonKey(first) + "~"
	}
}

func numberSites(n *schema.Node, path []string) []site {
	sites := []site{wrongTypeSite(n, path)}
	if n.Min != nil || n.Max != nil {
		node := n
		sites = append(sites, site{
			path:  cp(path),
			group: cp(path),
			kind:  schema.ViolationOutOfRange,
			tier:  2,
			mutate: func(v any, st *Stream, size int) any {
				return outOfRangeValue(node)
			},
		})
	}
	if n.MultipleOf != nil && *n.MultipleOf > 0 {
		if payload, ok := nonMultipleInRange(n); ok {
			sites = append(sites, site{
				path:  cp(path),
				group: cp(path),
				kind:  schema.ViolationNotMultipleOf,
				tier:  2,
				mutate: func(v any, st *Stream, size int) any {
					return payload
				},
			})
		}
	}
	return withNullSite(n, path, sites)
}

// outOfRangeValue steps just past a declared bound, keeping any multipleOf
// intact so the range violation stands alone.
func outOfRangeValue(n *schema.Node) any {
	isInt := n.Kind == schema.KindInteger
	var m float64
	if n.MultipleOf != nil && *n.MultipleOf > 0 {
		m = *n.MultipleOf
	}
	boundWorks := func(b float64) bool {
		if isInt && math.Trunc(b) != b {
			return false
		}
		if m > 0 {
			r := b / m
			if math.Abs(r-math.Round(r)) > 1e-9 {
				return false
			}
		}
		return true
	}
	if n.Max != nil {
		hi := *n.Max
		if n.ExclusiveMax && boundWorks(hi) {
			return numeric(hi, isInt)
		}
		if m > 0 {
			k := int64(math.Floor(hi/m+1e-9)) + 1
			if isInt {
				if iv, ok := integralMultipleNear(m, k, k, k+10000); ok && float64(iv) > hi {
					return iv
				}
			} else {
				return float64(k) * m
			}
		}
		if isInt {
			return int64(math.Floor(hi)) + 1
		}
		return hi + math.Max(1, math.Abs(hi)/2)
	}
	lo := *n.Min
	if n.ExclusiveMin && boundWorks(lo) {
		return numeric(lo, isInt)
	}
	if m > 0 {
		k := int64(math.Ceil(lo/m-1e-9)) - 1
		if isInt {
			if iv, ok := integralMultipleNear(m, k, k-10000, k); ok && float64(iv) < lo {
				return iv
			}
		} else {
			return float64(k) * m
		}
	}
	if isInt {
		return int64(math.Ceil(lo)) - 1
	}
	return lo - math.Max(1, math.Abs(lo)/2)
}

func numeric(v float64, isInt bool) any {
	if isInt {
		return int64(v)
	}
	return v
}

// nonMultipleInRange finds an in-range value that misses the multipleOf grid,
// or reports that the range is too tight to hold one.
func nonMultipleInRange(n *schema.Node) (any, bool) {
	m := *n.MultipleOf
	offGrid := func(v float64) bool {
		r := v / m
		return math.Abs(r-math.Round(r)) > 1e-9
	}
	if n.Kind == schema.KindInteger {
		lo, hi, okLo, okHi := intBounds(n)
		kLo, kHi := multiplierWindow(m, lo, hi, okLo, okHi, 1<<40)
		base, ok := integralMultipleNear(m, kLo, kLo, kHi)
		if !ok {
			return nil, false
		}
		for _, c := range [2]int64{base + 1, base - 1} {
			if okLo && c < lo {
				continue
			}
			if okHi && c > hi {
				continue
			}
			if offGrid(float64(c)) {
				return c, true
			}
		}
		return nil, false
	}
	lo, hi, okLo, okHi := floatBounds(n)
	kLo, kHi := floatMultiplierWindow(m, lo, hi, okLo, okHi)
	if kLo > kHi {
		return nil, false
	}
	for _, c := range [2]float64{float64(kLo)*m + m/2, float64(kLo)*m - m/2} {
		if okLo && c < lo {
			continue
		}
		if okHi && c > hi {
			continue
		}
		if offGrid(c) {
			return c, true
		}
	}
	return nil, false
}

func stringSites(n *schema.Node, path []string, pg *patternGen) []site {
	sites := []site{wrongTypeSite(n, path)}
	switch {
	case pg != nil:
		// Length mutations could break the pattern too, so pattern-bearing
		// strings only get the pattern site.
		if payload, ok := pg.violating(n.MinLength, n.MaxLength); ok {
			sites = append(sites, site{
				path:  cp(path),
				group: cp(path),
				kind:  schema.ViolationPatternMismatch,
				tier:  2,
				mutate: func(v any, st *Stream, size int) any {
					return payload
				},
			})
		}
	default:
		if n.MinLength > 0 {
			minL := n.MinLength
			sites = append(sites, site{
				path:  cp(path),
				group: cp(path),
				kind:  schema.ViolationTooShort,
				tier:  2,
				mutate: func(v any, st *Stream, size int) any {
					return tooShortString(v, minL)
				},
			})
		}
		if n.MaxLength != schema.Unbounded {
			maxL := n.MaxLength
			sites = append(sites, site{
				path:  cp(path),
				group: cp(path),
				kind:  schema.ViolationTooLong,
				tier:  2,
				mutate: func(v any, st *Stream, size int) any {
					return tooLongString(v, maxL)
				},
			})
		}
	}
	return withNullSite(n, path, sites)
}

func tooShortString(v any, minLen int) string {
	s, _ := v.(string)
	runes := []rune(s)
	if len(runes) >= minLen {
		return string(runes[:minLen-1])
	}
	return strings.Repeat("a", minLen-1)
}

func tooLongString(v any, maxLen int) string {
	s, _ := v.(string)
	runes := []rune(s)
	for len(runes) <= maxLen {
		runes = append(runes, 'a')
	}
	return string(runes)
}

func arraySites(n *schema.Node, path []string, itemGen valueFunc) []site {
	sites := []site{wrongTypeSite(n, path)}
	if n.MinItems > 0 {
		minI := n.MinItems
		sites = append(sites, site{
			path:  cp(path),
			group: cp(path),
			kind:  schema.ViolationTooFewItems,
			tier:  2,
			mutate: func(v any, st *Stream, size int) any {
				arr, _ := v.([]any)
				if len(arr) < minI {
					return arr
				}
				return arr[:minI-1]
			},
		})
	}
	if n.MaxItems != schema.Unbounded && itemGen != nil && overfillFeasible(n) {
		node := n
		sites = append(sites, site{
			path:  cp(path),
			group: cp(path),
			kind:  schema.ViolationTooManyItems,
			tier:  2,
			mutate: func(v any, st *Stream, size int) any {
				return overfillArray(node, itemGen, v, st, size)
			},
		})
	}
	if n.UniqueItems && (n.MaxItems == schema.Unbounded || n.MaxItems >= 2) && itemGen != nil {
		sites = append(sites, site{
			path:  cp(path),
			group: cp(path),
			kind:  schema.ViolationDuplicateItems,
			tier:  2,
			mutate: func(v any, st *Stream, size int) any {
				arr, _ := v.([]any)
				if len(arr) == 0 {
					arr = append(arr, itemGen(st, size, []string{}))
				}
				if len(arr) >= 2 {
					arr[1] = deepcopy.Copy(arr[0])
					return arr
				}
				return append(arr, deepcopy.Copy(arr[0]))
			},
		})
	}
	return withNullSite(n, path, sites)
}

// overfillFeasible reports whether the array can exceed maxItems without also
// tripping uniqueItems: unique arrays over a finite item domain may not hold
// maxItems+1 distinct values, and such an overflow would violate twice.
func overfillFeasible(n *schema.Node) bool {
	if !n.UniqueItems {
		return true
	}
	dom, bounded := itemDomain(n.Items)
	return !bounded || len(dom) > n.MaxItems
}

func overfillArray(n *schema.Node, itemGen valueFunc, v any, st *Stream, size int) any {
	arr := append([]any{}, v.([]any)...)
	var seen map[string]bool
	if n.UniqueItems {
		seen = make(map[string]bool, len(arr))
		for _, it := range arr {
			seen[jsonKey(it)] = true
		}
	}
	for len(arr) <= n.MaxItems {
		it := itemGen(st, size, []string{})
		if n.UniqueItems {
			key := jsonKey(it)
			for retry := 0; retry < 8 && seen[key]; retry++ {
				it = itemGen(st, size+retry+1, []string{})
				key = jsonKey(it)
			}
			if seen[key] {
				// Redraws lose against small domains; walk the enumerated
				// values for one the array does not hold yet.
				if dom, ok := itemDomain(n.Items); ok {
					for _, cand := range dom {
						if k := jsonKey(cand); !seen[k] {
							it, key = deepcopy.Copy(cand), k
							break
						}
					}
				}
			}
			seen[key] = true
		}
		arr = append(arr, it)
	}
	return arr
}

// domainCap bounds item-domain enumeration; anything wider counts as
// effectively unbounded for overfill purposes.
const domainCap = 256

// itemDomain enumerates every distinct value the item generator can draw when
// the domain is finite and small: booleans, enums, tightly bounded integers
// and the degenerate single-value number and string forms. ok is false for
// effectively unbounded domains.
func itemDomain(n *schema.Node) ([]any, bool) {
	if n == nil {
		return nil, false
	}
	if len(n.Enum) > 0 {
		seen := make(map[string]bool, len(n.Enum))
		out := make([]any, 0, len(n.Enum))
		for _, v := range n.Enum {
			if k := jsonKey(v); !seen[k] {
				seen[k] = true
				out = append(out, v)
			}
		}
		return out, true
	}
	switch n.Kind {
	case schema.KindBoolean:
		return []any{true, false}, true
	case schema.KindInteger:
		lo, hi, okLo, okHi := intBounds(n)
		if !okLo || !okHi {
			return nil, false
		}
		if span := hi - lo; span < 0 || span > domainCap {
			return nil, false
		}
		var m float64
		if n.MultipleOf != nil && *n.MultipleOf > 0 {
			m = *n.MultipleOf
		}
		var out []any
		for v := lo; v <= hi; v++ {
			if m > 0 {
				r := float64(v) / m
				if math.Abs(r-math.Round(r)) > 1e-9 {
					continue
				}
			}
			out = append(out, v)
		}
		return out, true
	case schema.KindNumber:
		if n.Min != nil && n.Max != nil && *n.Min == *n.Max && !n.ExclusiveMin && !n.ExclusiveMax {
			return []any{*n.Min}, true
		}
	case schema.KindString:
		if n.Pattern == "" && n.MaxLength == 0 {
			return []any{""}, true
		}
	}
	return nil, false
}

func objectSites(n *schema.Node, path []string) []site {
	var sites []site
	for _, name := range n.RequiredProperties() {
		name := name
		sites = append(sites, site{
			path:  cp(path),
			group: append(cp(path), name),
			kind:  schema.ViolationMissingRequired,
			field: name,
			tier:  0,
			mutate: func(v any, st *Stream, size int) any {
				if m, ok := v.(map[string]any); ok {
					delete(m, name)
				}
				return v
			},
		})
	}
	sites = append(sites, wrongTypeSite(n, path))
	return withNullSite(n, path, sites)
}

// mismatchedValue returns a value of a deliberately wrong JSON type for the
// node's kind, drawn from hand-picked confusables (stringified booleans,
// truncating floats) that APIs tend to coerce by mistake.
func mismatchedValue(kind schema.Kind, st *Stream) any {
	var pool []any
	switch kind {
	case schema.KindString:
		pool = []any{true, int64(7), []any{"x"}, map[string]any{"unexpected": true}}
	case schema.KindInteger:
		pool = []any{"seven", 3.5, true, []any{int64(1)}}
	case schema.KindNumber:
		pool = []any{"NaN", true, []any{float64(1)}}
	case schema.KindBoolean:
		pool = []any{"true", int64(1), "yes"}
	case schema.KindArray:
		pool = []any{"[]", true, map[string]any{"0": "x"}}
	case schema.KindObject:
		pool = []any{"{}", true, []any{"k", "v"}}
	default:
		pool = []any{map[string]any{"unexpected": true}}
	}
	return deepcopy.Copy(pool[st.IntN(len(pool))])
}

// groupSites buckets sites by target path and orders everything
// deterministically: groups by path, members by tier then kind.
func groupSites(sites []site) [][]site {
	byKey := make(map[string][]site)
	var keys []string
	for _, s := range sites {
		k := strings.Join(s.group, "\x1f")
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], s)
	}
	sort.Strings(keys)
	out := make([][]site, 0, len(keys))
	for _, k := range keys {
		grp := byKey[k]
		sort.SliceStable(grp, func(i, j int) bool {
			if grp[i].tier != grp[j].tier {
				return grp[i].tier < grp[j].tier
			}
			return grp[i].kind < grp[j].kind
		})
		out = append(out, grp)
	}
	return out
}

// drawNegative picks a target uniformly among site groups, then walks the
// group's kinds by draw index so successive draws exercise different
// violations at the same spot.
func drawNegative(gen valueFunc, groups [][]site, st *Stream, size, draw int) (any, *Applied) {
	grp := groups[st.IntN(len(groups))]
	s := grp[draw%len(grp)]
	v := gen(st, size, s.group)
	v = applySite(v, s.path, s.mutate, st, size)
	return v, &Applied{Path: s.path, Kind: s.kind, Field: s.field}
}

// applySite descends the generated value along the site path and applies the
// mutation at the end. Array hops always target element zero, which force
// generation guarantees to exist.
func applySite(v any, path []string, mutate mutateFunc, st *Stream, size int) any {
	if len(path) == 0 {
		return mutate(v, st, size)
	}
	switch x := v.(type) {
	case map[string]any:
		if child, ok := x[path[0]]; ok {
			x[path[0]] = applySite(child, path[1:], mutate, st, size)
		}
		return x
	case []any:
		if len(x) > 0 {
			x[0] = applySite(x[0], path[1:], mutate, st, size)
		}
		return x
	}
	return v
}
