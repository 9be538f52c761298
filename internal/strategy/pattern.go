package strategy

import (
	"regexp"
	"regexp/syntax"
	"strings"
)

// patternGen synthesizes strings that match a schema pattern by walking the
// parsed regexp tree instead of generate-and-filter, so even narrow patterns
// produce matches in one pass.
type patternGen struct {
	re     *regexp.Regexp
	prog   *syntax.Regexp
	maxRep int
}

func newPatternGen(pattern string) (*patternGen, error) {
	prog, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &patternGen{re: re, prog: prog.Simplify(), maxRep: 8}, nil
}

// Gen produces one matching string. Unanchored patterns are treated as
// anchored since schema authors almost always mean full-string matches; the
// result is verified against the compiled regexp and retried a few times
// before giving up and returning the last candidate.
func (g *patternGen) Gen(st *Stream, size int) string {
	rep := 1 + size/4
	if rep > g.maxRep {
		rep = g.maxRep
	}
	var out string
	for attempt := 0; attempt < 4; attempt++ {
		var b strings.Builder
		g.emit(&b, g.prog, st, rep)
		out = b.String()
		if g.re.MatchString(out) {
			return out
		}
	}
	return out
}

// patternViolationCandidates are probes for strings unlikely to match any
// real-world pattern. Longer entries exist so minLength bounds can still be
// honored while breaking the pattern.
var patternViolationCandidates = []string{
	"",
	"\x00",
	"!",
	"~pattern~",
	"\x01\x01\x01",
	"!!!!!!!!!!!!!!!!",
}

// violating returns a candidate that misses the pattern while staying inside
// the node's length bounds, or false when every candidate matches.
func (g *patternGen) violating(minLen, maxLen int) (string, bool) {
	for _, c := range patternViolationCandidates {
		l := len([]rune(c))
		if l < minLen {
			continue
		}
		if maxLen >= 0 && l > maxLen {
			continue
		}
		if !g.re.MatchString(c) {
			return c, true
		}
	}
	return "", false
}

func (g *patternGen) emit(b *strings.Builder, re *syntax.Regexp, st *Stream, rep int) {
	switch re.Op {
	case syntax.OpLiteral:
		b.WriteString(string(re.Rune))
	case syntax.OpCharClass:
		b.WriteRune(pickFromClass(re.Rune, st))
	case syntax.OpAnyChar, syntax.OpAnyCharNotNL:
		b.WriteRune(st.Rune('a', 'z'))
	case syntax.OpCapture:
		g.emit(b, re.Sub[0], st, rep)
	case syntax.OpConcat:
		for _, sub := range re.Sub {
			g.emit(b, sub, st, rep)
		}
	case syntax.OpAlternate:
		g.emit(b, re.Sub[st.IntN(len(re.Sub))], st, rep)
	case syntax.OpStar:
		n := st.IntN(rep + 1)
		for i := 0; i < n; i++ {
			g.emit(b, re.Sub[0], st, rep)
		}
	case syntax.OpPlus:
		n := 1 + st.IntN(rep)
		for i := 0; i < n; i++ {
			g.emit(b, re.Sub[0], st, rep)
		}
	case syntax.OpQuest:
		if st.Bool(0.5) {
			g.emit(b, re.Sub[0], st, rep)
		}
	case syntax.OpRepeat:
		max := re.Max
		if max < 0 || max > re.Min+rep {
			max = re.Min + rep
		}
		n := re.Min
		if max > re.Min {
			n += st.IntN(max - re.Min + 1)
		}
		for i := 0; i < n; i++ {
			g.emit(b, re.Sub[0], st, rep)
		}
	case syntax.OpEmptyMatch, syntax.OpBeginLine, syntax.OpEndLine,
		syntax.OpBeginText, syntax.OpEndText, syntax.OpWordBoundary,
		syntax.OpNoWordBoundary:
		// zero-width
	}
}

// pickFromClass picks a rune from a char class rune-pair list, preferring
// printable ASCII ranges when the class includes any.
func pickFromClass(pairs []rune, st *Stream) rune {
	type span struct{ lo, hi rune }
	var printable, all []span
	for i := 0; i+1 < len(pairs); i += 2 {
		sp := span{pairs[i], pairs[i+1]}
		all = append(all, sp)
		lo, hi := sp.lo, sp.hi
		if lo < 0x20 {
			lo = 0x20
		}
		if hi > 0x7e {
			hi = 0x7e
		}
		if lo <= hi {
			printable = append(printable, span{lo, hi})
		}
	}
	pool := printable
	if len(pool) == 0 {
		pool = all
	}
	if len(pool) == 0 {
		return 'a'
	}
	sp := pool[st.IntN(len(pool))]
	return st.Rune(sp.lo, sp.hi)
}
