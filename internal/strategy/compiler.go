// Package strategy compiles constraint trees into deterministic value
// generators. A compiled strategy is a pure function of (seed, draw index):
// the same pair always reproduces the same value, which is what replay,
// shrinking and failure reports rely on.
package strategy

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/mohae/deepcopy"

	"schemaprobe/internal/schema"
	"schemaprobe/internal/types"
)

// UnsatisfiableError reports a constraint tree that admits no values at all,
// such as minimum > maximum. Operations carrying one are skipped, not retried.
type UnsatisfiableError struct {
	Path   string
	Reason string
}

func (e *UnsatisfiableError) Error() string {
	if e.Path == "" {
		return "unsatisfiable schema: " + e.Reason
	}
	return fmt.Sprintf("unsatisfiable schema at %s: %s", e.Path, e.Reason)
}

func unsat(path []string, format string, args ...any) error {
	return &UnsatisfiableError{Path: strings.Join(path, "/"), Reason: fmt.Sprintf(format, args...)}
}

// valueFunc produces one value from the stream. A non-nil force means the
// value is on a mutation path and must be fully materialized (never null,
// never an example shortcut); its elements name the property path that must
// be present so negative mutations always have a target to hit.
type valueFunc func(st *Stream, size int, force []string) any

type compiled struct {
	gen   valueFunc
	sites []site
}

// Applied identifies the constraint a negative draw violated.
type Applied struct {
	Path  []string
	Kind  schema.ViolationKind
	Field string
}

// Strategy draws values for one constraint tree in one mode.
type Strategy struct {
	node   *schema.Node
	mode   types.Mode
	gen    valueFunc
	groups [][]site
}

// Compile prepares a strategy for the given tree. Negative mode fails with
// UnsatisfiableError when the tree has no constraint that can be violated.
func Compile(node *schema.Node, mode types.Mode) (*Strategy, error) {
	c, err := compileNode(node, nil)
	if err != nil {
		return nil, err
	}
	s := &Strategy{node: node, mode: mode, gen: c.gen}
	if mode == types.ModeNegative {
		s.groups = groupSites(c.sites)
		if len(s.groups) == 0 {
			return nil, &UnsatisfiableError{Reason: "no constraint can be violated"}
		}
	}
	return s, nil
}

// Draw produces the value for one draw index. In negative mode the second
// return names the single constraint the value violates.
func (s *Strategy) Draw(seed int64, draw int) (any, *Applied) {
	st := NewStream(seed, draw)
	return s.draw(st, sizeForDraw(draw), draw)
}

func (s *Strategy) draw(st *Stream, size, draw int) (any, *Applied) {
	if s.mode == types.ModeNegative {
		return drawNegative(s.gen, s.groups, st, size, draw)
	}
	return s.gen(st, size, nil), nil
}

func compileNode(n *schema.Node, path []string) (compiled, error) {
	if n == nil {
		return compiled{gen: anyGen(true)}, nil
	}
	if len(n.Variants) > 0 {
		return compileVariants(n, path)
	}
	if len(n.Enum) > 0 {
		return compileEnum(n, path)
	}
	switch n.Kind {
	case schema.KindBoolean:
		return compileBoolean(n, path), nil
	case schema.KindInteger:
		return compileInteger(n, path)
	case schema.KindNumber:
		return compileNumber(n, path)
	case schema.KindString:
		return compileString(n, path)
	case schema.KindArray:
		return compileArray(n, path)
	case schema.KindObject:
		return compileObject(n, path)
	default:
		return compiled{gen: anyGen(true)}, nil
	}
}

// wrap layers the cross-kind behaviours over a generator: occasional null for
// nullable nodes and elevated reuse of a declared example when it actually
// satisfies its own constraints. Both are disabled under force, which must
// always yield a fully materialized value.
func wrap(n *schema.Node, inner valueFunc) valueFunc {
	useExample := n.Example != nil && len(schema.Validate(n, n.Example)) == 0
	return func(st *Stream, size int, force []string) any {
		if force == nil {
			if n.Nullable && st.Bool(0.08) {
				return nil
			}
			if useExample && st.Bool(0.12) {
				return deepcopy.Copy(n.Example)
			}
		}
		return inner(st, size, force)
	}
}

func compileVariants(n *schema.Node, path []string) (compiled, error) {
	var gens []valueFunc
	var lastErr error
	for i, v := range n.Variants {
		c, err := compileNode(v, append(append([]string{}, path...), fmt.Sprintf("variant[%d]", i)))
		if err != nil {
			// An impossible alternative is simply never chosen.
			lastErr = err
			continue
		}
		gens = append(gens, c.gen)
	}
	if len(gens) == 0 {
		if lastErr != nil {
			return compiled{}, lastErr
		}
		return compiled{}, unsat(path, "no satisfiable variant")
	}
	gen := wrap(n, func(st *Stream, size int, force []string) any {
		return gens[st.IntN(len(gens))](st, size, force)
	})
	// Violating inside a variant cannot be told apart from choosing another
	// variant, so alternatives expose no negative sites.
	return compiled{gen: gen}, nil
}

func compileEnum(n *schema.Node, path []string) (compiled, error) {
	vals := n.Enum
	gen := wrap(n, func(st *Stream, size int, force []string) any {
		return deepcopy.Copy(vals[st.IntN(len(vals))])
	})
	// A generator for the same node without the enum gate feeds the
	// not_in_enum mutation.
	sans := *n
	sans.Enum = nil
	var sansGen valueFunc
	if c, err := compileNode(&sans, path); err == nil {
		sansGen = c.gen
	}
	return compiled{gen: gen, sites: enumSites(n, path, sansGen)}, nil
}

func compileBoolean(n *schema.Node, path []string) compiled {
	gen := wrap(n, func(st *Stream, size int, force []string) any {
		return st.Bool(0.5)
	})
	return compiled{gen: gen, sites: scalarSites(n, path)}
}

// intBounds returns the effective inclusive integer window, folding in
// exclusive flags and the int32 format.
func intBounds(n *schema.Node) (lo, hi int64, okLo, okHi bool) {
	if n.Min != nil {
		f := *n.Min
		lo = int64(math.Ceil(f))
		if n.ExclusiveMin && float64(lo) == f {
			lo++
		}
		okLo = true
	}
	if n.Max != nil {
		f := *n.Max
		hi = int64(math.Floor(f))
		if n.ExclusiveMax && float64(hi) == f {
			hi--
		}
		okHi = true
	}
	if n.Format == "int32" {
		if !okLo || lo < math.MinInt32 {
			lo, okLo = math.MinInt32, true
		}
		if !okHi || hi > math.MaxInt32 {
			hi, okHi = math.MaxInt32, true
		}
	}
	return
}

// integralMultipleNear scans outward from multiplier k0 for a multiple of m
// that is an integer, staying inside [kLo, kHi]. The scan is bounded so a
// pathological multipleOf cannot hang compilation.
func integralMultipleNear(m float64, k0, kLo, kHi int64) (int64, bool) {
	for off := int64(0); off <= 10000; off++ {
		for _, k := range [2]int64{k0 + off, k0 - off} {
			if k < kLo || k > kHi {
				continue
			}
			v := float64(k) * m
			r := math.Round(v)
			if math.Abs(v-r) < 1e-9 {
				return int64(r), true
			}
		}
		if k0+off > kHi && k0-off < kLo {
			break
		}
	}
	return 0, false
}

func compileInteger(n *schema.Node, path []string) (compiled, error) {
	lo, hi, okLo, okHi := intBounds(n)
	if okLo && okHi && lo > hi {
		return compiled{}, unsat(path, "no integer between %v and %v", formatBound(n.Min, n.ExclusiveMin), formatBound(n.Max, n.ExclusiveMax))
	}
	var m float64
	if n.MultipleOf != nil && *n.MultipleOf > 0 {
		m = *n.MultipleOf
		kLo, kHi := multiplierWindow(m, lo, hi, okLo, okHi, 1<<40)
		if _, ok := integralMultipleNear(m, kLo, kLo, kHi); !ok {
			return compiled{}, unsat(path, "no multiple of %v in range", m)
		}
	}

	boundaries := intBoundaryPool(n, lo, hi, okLo, okHi, m)
	inner := func(st *Stream, size int, force []string) any {
		if len(boundaries) > 0 && st.Bool(boundaryProb) {
			return boundaries[st.IntN(len(boundaries))]
		}
		wLo, wHi := intWindow(lo, hi, okLo, okHi, size)
		v := st.Int64Range(wLo, wHi)
		if m > 0 {
			kLo, kHi := multiplierWindow(m, lo, hi, okLo, okHi, 1<<40)
			k := int64(math.Round(float64(v) / m))
			if snapped, ok := integralMultipleNear(m, k, kLo, kHi); ok {
				return snapped
			}
		}
		return v
	}
	return compiled{gen: wrap(n, inner), sites: numberSites(n, path)}, nil
}

func compileNumber(n *schema.Node, path []string) (compiled, error) {
	lo, hi, okLo, okHi := floatBounds(n)
	if okLo && okHi && lo > hi {
		return compiled{}, unsat(path, "no number between %v and %v", formatBound(n.Min, n.ExclusiveMin), formatBound(n.Max, n.ExclusiveMax))
	}
	var m float64
	if n.MultipleOf != nil && *n.MultipleOf > 0 {
		m = *n.MultipleOf
		kLo, kHi := floatMultiplierWindow(m, lo, hi, okLo, okHi)
		if kLo > kHi {
			return compiled{}, unsat(path, "no multiple of %v in range", m)
		}
	}

	boundaries := floatBoundaryPool(lo, hi, okLo, okHi, m)
	inner := func(st *Stream, size int, force []string) any {
		if len(boundaries) > 0 && st.Bool(boundaryProb) {
			return boundaries[st.IntN(len(boundaries))]
		}
		if m > 0 {
			kLo, kHi := floatMultiplierWindow(m, lo, hi, okLo, okHi)
			return float64(st.Int64Range(kLo, kHi)) * m
		}
		wLo, wHi := floatWindow(lo, hi, okLo, okHi, size)
		return st.Float64Range(wLo, wHi)
	}
	return compiled{gen: wrap(n, inner), sites: numberSites(n, path)}, nil
}

func floatBounds(n *schema.Node) (lo, hi float64, okLo, okHi bool) {
	if n.Min != nil {
		lo, okLo = *n.Min, true
		if n.ExclusiveMin {
			lo = math.Nextafter(lo, math.Inf(1))
		}
	}
	if n.Max != nil {
		hi, okHi = *n.Max, true
		if n.ExclusiveMax {
			hi = math.Nextafter(hi, math.Inf(-1))
		}
	}
	return
}

func formatBound(b *float64, exclusive bool) string {
	if b == nil {
		return "unbounded"
	}
	if exclusive {
		return fmt.Sprintf("%v (exclusive)", *b)
	}
	return fmt.Sprintf("%v", *b)
}

// intWindow narrows an unbounded or huge range to a size-scaled window so
// early draws stay small.
func intWindow(lo, hi int64, okLo, okHi bool, size int) (int64, int64) {
	mag := int64(1) << uint(3+size)
	if mag < 8 {
		mag = 8
	}
	wLo, wHi := -mag, mag
	if okLo {
		wLo = lo
		if !okHi && wHi < lo {
			wHi = lo + mag
		}
	}
	if okHi {
		wHi = hi
		if !okLo && wLo > hi {
			wLo = hi - mag
		}
	}
	if okLo && okHi {
		return lo, hi
	}
	if wLo > wHi {
		wLo = wHi
	}
	return wLo, wHi
}

func floatWindow(lo, hi float64, okLo, okHi bool, size int) (float64, float64) {
	mag := math.Pow(10, 1+float64(size)/8)
	wLo, wHi := -mag, mag
	if okLo {
		wLo = lo
		if !okHi {
			wHi = lo + mag
		}
	}
	if okHi {
		wHi = hi
		if !okLo {
			wLo = hi - mag
		}
	}
	if okLo && okHi {
		return lo, hi
	}
	return wLo, wHi
}

// multiplierWindow bounds the multiplier space for multipleOf generation.
func multiplierWindow(m float64, lo, hi int64, okLo, okHi bool, span int64) (int64, int64) {
	kLo, kHi := -span, span
	if okLo {
		kLo = int64(math.Ceil(float64(lo)/m - 1e-9))
	}
	if okHi {
		kHi = int64(math.Floor(float64(hi)/m + 1e-9))
	}
	return kLo, kHi
}

func floatMultiplierWindow(m, lo, hi float64, okLo, okHi bool) (int64, int64) {
	var kLo, kHi int64 = -1 << 40, 1 << 40
	if okLo {
		kLo = int64(math.Ceil(lo/m - 1e-9))
	}
	if okHi {
		kHi = int64(math.Floor(hi/m + 1e-9))
	}
	return kLo, kHi
}

func intBoundaryPool(n *schema.Node, lo, hi int64, okLo, okHi bool, m float64) []int64 {
	var pool []int64
	add := func(v int64) {
		if okLo && v < lo {
			return
		}
		if okHi && v > hi {
			return
		}
		if m > 0 {
			ratio := float64(v) / m
			if math.Abs(ratio-math.Round(ratio)) > 1e-9 {
				return
			}
		}
		for _, have := range pool {
			if have == v {
				return
			}
		}
		pool = append(pool, v)
	}
	if okLo {
		add(lo)
		add(lo + 1)
	}
	if okHi {
		add(hi)
		add(hi - 1)
	}
	add(0)
	add(1)
	add(-1)
	return pool
}

func floatBoundaryPool(lo, hi float64, okLo, okHi bool, m float64) []float64 {
	var pool []float64
	add := func(v float64) {
		if okLo && v < lo {
			return
		}
		if okHi && v > hi {
			return
		}
		if m > 0 {
			ratio := v / m
			if math.Abs(ratio-math.Round(ratio)) > 1e-9 {
				return
			}
		}
		for _, have := range pool {
			if have == v {
				return
			}
		}
		pool = append(pool, v)
	}
	if okLo {
		add(lo)
	}
	if okHi {
		add(hi)
	}
	add(0)
	add(1)
	add(-1)
	return pool
}

func compileString(n *schema.Node, path []string) (compiled, error) {
	if n.MaxLength != schema.Unbounded && n.MinLength > n.MaxLength {
		return compiled{}, unsat(path, "minLength %d > maxLength %d", n.MinLength, n.MaxLength)
	}
	var pg *patternGen
	if n.Pattern != "" {
		// An uncompilable pattern is ignored here exactly as validation
		// ignores it.
		pg, _ = newPatternGen(n.Pattern)
	}

	var inner valueFunc
	switch {
	case pg != nil:
		inner = func(st *Stream, size int, force []string) any {
			s := pg.Gen(st, size)
			for i := 1; i <= 8 && !lengthOK(s, n); i++ {
				s = pg.Gen(st, size+i)
			}
			return s
		}
	default:
		if fg, ok := formatGen(n.Format); ok {
			inner = func(st *Stream, size int, force []string) any {
				return fg(st, size)
			}
			break
		}
		inner = func(st *Stream, size int, force []string) any {
			return plainString(st, size, n)
		}
	}
	return compiled{gen: wrap(n, inner), sites: stringSites(n, path, pg)}, nil
}

func lengthOK(s string, n *schema.Node) bool {
	l := len([]rune(s))
	if l < n.MinLength {
		return false
	}
	if n.MaxLength != schema.Unbounded && l > n.MaxLength {
		return false
	}
	return true
}

func plainString(st *Stream, size int, n *schema.Node) string {
	minL := n.MinLength
	maxL := minL + 2*size
	if n.MaxLength != schema.Unbounded && maxL > n.MaxLength {
		maxL = n.MaxLength
	}
	length := minL
	if maxL > minL {
		if st.Bool(boundaryProb) {
			if st.Bool(0.5) && n.MaxLength != schema.Unbounded {
				length = n.MaxLength
			}
		} else {
			length += st.IntN(maxL - minL + 1)
		}
	}
	pool := charPool(size)
	var b strings.Builder
	for i := 0; i < length; i++ {
		b.WriteRune(pool[st.IntN(len(pool))])
	}
	return b.String()
}

var (
	poolLower   = []rune("abcdefghijklmnopqrstuvwxyz")
	poolAlnum   = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
	poolSpecial = append(append([]rune{}, poolAlnum...), []rune(` -._~!?#@/&=%"'\`)...)
	poolWide    = append(append([]rune{}, poolSpecial...), []rune("ÄßñéΩ中文🦄")...)
)

// charPool widens the alphabet as draws grow: early draws are plain ASCII,
// later ones mix in separators, quoting hazards and multibyte runes.
func charPool(size int) []rune {
	switch {
	case size < 2:
		return poolLower
	case size < 8:
		return poolAlnum
	case size < 16:
		return poolSpecial
	default:
		return poolWide
	}
}

func formatGen(format string) (func(st *Stream, size int) string, bool) {
	switch format {
	case "uuid":
		return func(st *Stream, _ int) string {
			u, err := uuid.NewRandomFromReader(st)
			if err != nil {
				return uuid.Nil.String()
			}
			return u.String()
		}, true
	case "date":
		return func(st *Stream, _ int) string {
			return fmt.Sprintf("%04d-%02d-%02d", 1970+st.IntN(81), 1+st.IntN(12), 1+st.IntN(28))
		}, true
	case "date-time":
		return func(st *Stream, _ int) string {
			return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02dZ",
				1970+st.IntN(81), 1+st.IntN(12), 1+st.IntN(28),
				st.IntN(24), st.IntN(60), st.IntN(60))
		}, true
	case "email":
		return func(st *Stream, _ int) string {
			return lowerWord(st, 3, 10) + "@" + pickDomain(st)
		}, true
	case "hostname":
		return func(st *Stream, _ int) string {
			return lowerWord(st, 3, 10) + "." + pickDomain(st)
		}, true
	case "uri", "url":
		return func(st *Stream, _ int) string {
			return "https://" + pickDomain(st) + "/" + lowerWord(st, 2, 8)
		}, true
	case "ipv4":
		return func(st *Stream, _ int) string {
			return fmt.Sprintf("%d.%d.%d.%d", st.IntN(256), st.IntN(256), st.IntN(256), st.IntN(256))
		}, true
	case "ipv6":
		return func(st *Stream, _ int) string {
			parts := make([]string, 8)
			for i := range parts {
				parts[i] = fmt.Sprintf("%x", st.IntN(0x10000))
			}
			return strings.Join(parts, ":")
		}, true
	case "byte", "binary":
		return func(st *Stream, size int) string {
			raw := make([]byte, 3+size)
			st.Read(raw)
			return base64.StdEncoding.EncodeToString(raw)
		}, true
	default:
		return nil, false
	}
}

var formatDomains = []string{"example.com", "example.org", "example.net", "test.dev"}

func pickDomain(st *Stream) string {
	return formatDomains[st.IntN(len(formatDomains))]
}

func lowerWord(st *Stream, minLen, maxLen int) string {
	length := minLen + st.IntN(maxLen-minLen+1)
	var b strings.Builder
	for i := 0; i < length; i++ {
		b.WriteRune(st.Rune('a', 'z'))
	}
	return b.String()
}

func compileArray(n *schema.Node, path []string) (compiled, error) {
	if n.MaxItems != schema.Unbounded && n.MinItems > n.MaxItems {
		return compiled{}, unsat(path, "minItems %d > maxItems %d", n.MinItems, n.MaxItems)
	}
	if n.UniqueItems {
		if dom, ok := itemDomain(n.Items); ok && len(dom) < n.MinItems {
			return compiled{}, unsat(path, "minItems %d exceeds the %d distinct item values", n.MinItems, len(dom))
		}
	}
	itemPath := append(append([]string{}, path...), "0")
	items, err := compileNode(n.Items, itemPath)
	if err != nil {
		if n.MinItems == 0 {
			// Unsatisfiable items are survivable while the empty array is.
			empty := wrap(n, func(st *Stream, size int, force []string) any { return []any{} })
			return compiled{gen: empty, sites: arraySites(n, path, nil)}, nil
		}
		return compiled{}, err
	}

	inner := func(st *Stream, size int, force []string) any {
		minI := n.MinItems
		effMax := n.MaxItems
		if effMax == schema.Unbounded {
			effMax = minI + size
		} else if effMax > minI+size && !st.Bool(boundaryProb) {
			effMax = minI + size
		}
		count := minI
		if effMax > minI {
			count += st.IntN(effMax - minI + 1)
		}
		if len(force) > 0 && count == 0 {
			count = 1
		}
		out := make([]any, 0, count)
		var seen map[string]bool
		if n.UniqueItems {
			seen = make(map[string]bool, count)
		}
		for i := 0; i < count; i++ {
			var childForce []string
			if len(force) > 0 && i == 0 {
				childForce = force[1:]
			}
			v := items.gen(st, size, childForce)
			if n.UniqueItems {
				key := jsonKey(v)
				for retry := 0; retry < 8 && seen[key]; retry++ {
					v = items.gen(st, size+retry, childForce)
					key = jsonKey(v)
				}
				if seen[key] {
					if len(out) >= minI && childForce == nil {
						continue
					}
				}
				seen[key] = true
			}
			out = append(out, v)
		}
		return out
	}

	var sites []site
	sites = append(sites, arraySites(n, path, items.gen)...)
	if n.MaxItems != 0 {
		sites = append(sites, items.sites...)
	}
	return compiled{gen: wrap(n, inner), sites: sites}, nil
}

type compiledProp struct {
	name     string
	required bool
	gen      valueFunc
}

func compileObject(n *schema.Node, path []string) (compiled, error) {
	props := make([]compiledProp, 0, len(n.Properties))
	var sites []site
	for _, p := range n.Properties {
		childPath := append(append([]string{}, path...), p.Name)
		c, err := compileNode(p.Node, childPath)
		if err != nil {
			if !p.Required {
				continue // an impossible optional property is never included
			}
			return compiled{}, err
		}
		props = append(props, compiledProp{name: p.Name, required: p.Required, gen: c.gen})
		sites = append(sites, c.sites...)
	}

	inner := func(st *Stream, size int, force []string) any {
		var forcedName string
		if len(force) > 0 {
			forcedName = force[0]
		}
		out := make(map[string]any, len(props))
		for _, p := range props {
			include := p.required || p.name == forcedName
			if !include {
				include = st.Bool(optionalProb(size))
			}
			if !include {
				continue
			}
			var childForce []string
			if p.name == forcedName {
				childForce = force[1:]
			}
			out[p.name] = p.gen(st, size, childForce)
		}
		return out
	}
	sites = append(sites, objectSites(n, path)...)
	return compiled{gen: wrap(n, inner), sites: sites}, nil
}

// anyGen covers untyped schemas with simple JSON scalars.
func anyGen(allowNull bool) valueFunc {
	return func(st *Stream, size int, force []string) any {
		n := 5
		if !allowNull || force != nil {
			n = 4
		}
		switch st.IntN(n) {
		case 0:
			return st.Bool(0.5)
		case 1:
			return st.Int64Range(-int64(size+1)*10, int64(size+1)*10)
		case 2:
			return plainString(st, size, &schema.Node{Kind: schema.KindString, MaxLength: schema.Unbounded, MaxItems: schema.Unbounded})
		case 3:
			return float64(st.Int64Range(-100, 100)) / 4
		default:
			return nil
		}
	}
}

// jsonKey canonicalizes a value for duplicate detection; encoding/json sorts
// map keys, so equal values share a key.
func jsonKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}
