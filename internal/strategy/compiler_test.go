package strategy

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"schemaprobe/internal/schema"
	"schemaprobe/internal/types"
)

func base(kind schema.Kind) *schema.Node {
	return &schema.Node{Kind: kind, MaxLength: schema.Unbounded, MaxItems: schema.Unbounded}
}

func intNode(lo, hi float64) *schema.Node {
	n := base(schema.KindInteger)
	n.Min = &lo
	n.Max = &hi
	return n
}

func numNode(lo, hi float64) *schema.Node {
	n := base(schema.KindNumber)
	n.Min = &lo
	n.Max = &hi
	return n
}

func strNode(minLen, maxLen int) *schema.Node {
	n := base(schema.KindString)
	n.MinLength = minLen
	n.MaxLength = maxLen
	return n
}

func arrNode(items *schema.Node, minItems, maxItems int) *schema.Node {
	n := base(schema.KindArray)
	n.Items = items
	n.MinItems = minItems
	n.MaxItems = maxItems
	return n
}

func objNode(props ...schema.Property) *schema.Node {
	n := base(schema.KindObject)
	n.Properties = props
	return n
}

// sampleObject is the shared fixture for draw tests: one required bounded
// integer, an optional enum tag, an optional length-bounded name and an
// optional bounded array of small integers.
func sampleObject() *schema.Node {
	scores := arrNode(intNode(0, 9), 1, 3)
	tag := base(schema.KindString)
	tag.Enum = []any{"a", "b"}
	return objNode(
		schema.Property{Name: "id", Node: intNode(1, 100), Required: true},
		schema.Property{Name: "name", Node: strNode(2, 10)},
		schema.Property{Name: "scores", Node: scores},
		schema.Property{Name: "tag", Node: tag},
	)
}

func TestPositiveDrawsSatisfySchema(t *testing.T) {
	multiple := intNode(0, 30)
	three := 3.0
	multiple.MultipleOf = &three

	exclusive := intNode(0, 10)
	exclusive.ExclusiveMin = true
	exclusive.ExclusiveMax = true

	pattern := base(schema.KindString)
	pattern.Pattern = "^[a-z]{3,6}$"

	nullable := strNode(1, 5)
	nullable.Nullable = true

	unique := arrNode(intNode(0, 50), 1, 4)
	unique.UniqueItems = true

	enum := base(schema.KindInteger)
	enum.Enum = []any{int64(1), int64(5), int64(9)}

	nested := objNode(
		schema.Property{Name: "items", Node: arrNode(sampleObject(), 0, 2), Required: true},
		schema.Property{Name: "total", Node: intNode(0, 1000), Required: true},
	)

	tests := []struct {
		name string
		node *schema.Node
	}{
		{"bounded integer", intNode(1, 100)},
		{"exclusive bounds", exclusive},
		{"multiple of three", multiple},
		{"bounded number", numNode(0.5, 2.5)},
		{"bounded string", strNode(2, 5)},
		{"pattern string", pattern},
		{"nullable string", nullable},
		{"integer enum", enum},
		{"boolean", base(schema.KindBoolean)},
		{"unique array", unique},
		{"sample object", sampleObject()},
		{"nested object", nested},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Compile(tt.node, types.ModePositive)
			require.NoError(t, err)
			for draw := 0; draw < 60; draw++ {
				v, applied := s.Draw(42, draw)
				require.Nil(t, applied)
				violations := schema.Validate(tt.node, v)
				require.Emptyf(t, violations, "draw %d produced %#v with %v", draw, v, violations)
			}
		})
	}
}

func TestPositiveDrawsHonorFormats(t *testing.T) {
	uuidNode := base(schema.KindString)
	uuidNode.Format = "uuid"
	dateNode := base(schema.KindString)
	dateNode.Format = "date"
	dtNode := base(schema.KindString)
	dtNode.Format = "date-time"

	su, err := Compile(uuidNode, types.ModePositive)
	require.NoError(t, err)
	sd, err := Compile(dateNode, types.ModePositive)
	require.NoError(t, err)
	sdt, err := Compile(dtNode, types.ModePositive)
	require.NoError(t, err)

	for draw := 0; draw < 20; draw++ {
		v, _ := su.Draw(7, draw)
		_, err := uuid.Parse(v.(string))
		require.NoErrorf(t, err, "draw %d: %v", draw, v)

		v, _ = sd.Draw(7, draw)
		_, err = time.Parse("2006-01-02", v.(string))
		require.NoErrorf(t, err, "draw %d: %v", draw, v)

		v, _ = sdt.Draw(7, draw)
		_, err = time.Parse(time.RFC3339, v.(string))
		require.NoErrorf(t, err, "draw %d: %v", draw, v)
	}
}

func TestCompileRejectsUnsatisfiable(t *testing.T) {
	impossibleInt := intNode(5, 4)

	gap := intNode(5, 6)
	gap.ExclusiveMin = true
	gap.ExclusiveMax = true

	noMultiple := intNode(8, 13)
	seven := 7.0
	noMultiple.MultipleOf = &seven

	badVariants := base(schema.KindAny)
	badVariants.Variants = []*schema.Node{intNode(5, 4)}

	uniqueBools := arrNode(base(schema.KindBoolean), 3, schema.Unbounded)
	uniqueBools.UniqueItems = true

	tests := []struct {
		name string
		node *schema.Node
	}{
		{"min above max", impossibleInt},
		{"empty exclusive gap", gap},
		{"no multiple in range", noMultiple},
		{"minLength above maxLength", strNode(5, 2)},
		{"minItems above maxItems", arrNode(intNode(0, 9), 3, 1)},
		{"unique minItems above item domain", uniqueBools},
		{"required property impossible", objNode(schema.Property{Name: "x", Node: intNode(5, 4), Required: true})},
		{"all variants impossible", badVariants},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.node, types.ModePositive)
			require.Error(t, err)
			var u *UnsatisfiableError
			require.ErrorAs(t, err, &u)
		})
	}
}

func TestOptionalImpossiblePartsAreDropped(t *testing.T) {
	node := objNode(
		schema.Property{Name: "ok", Node: intNode(1, 10), Required: true},
		schema.Property{Name: "broken", Node: intNode(5, 4)},
	)
	s, err := Compile(node, types.ModePositive)
	require.NoError(t, err)
	for draw := 0; draw < 40; draw++ {
		v, _ := s.Draw(3, draw)
		obj, ok := v.(map[string]any)
		require.True(t, ok)
		require.Contains(t, obj, "ok")
		require.NotContains(t, obj, "broken")
	}
}

func TestDrawIsDeterministic(t *testing.T) {
	node := sampleObject()
	a, err := Compile(node, types.ModePositive)
	require.NoError(t, err)
	b, err := Compile(node, types.ModePositive)
	require.NoError(t, err)
	for draw := 0; draw < 25; draw++ {
		va, _ := a.Draw(1234, draw)
		vb, _ := b.Draw(1234, draw)
		require.Empty(t, cmp.Diff(va, vb), "draw %d diverged", draw)
	}
}

func TestBoundaryValuesShowUp(t *testing.T) {
	node := intNode(1, 100)
	s, err := Compile(node, types.ModePositive)
	require.NoError(t, err)
	seen := map[int64]bool{}
	for draw := 0; draw < 300; draw++ {
		v, _ := s.Draw(99, draw)
		seen[v.(int64)] = true
	}
	require.True(t, seen[1], "minimum never drawn")
	require.True(t, seen[100], "maximum never drawn")
}

func TestNegativeDrawViolatesExactlyOnce(t *testing.T) {
	node := sampleObject()
	s, err := Compile(node, types.ModeNegative)
	require.NoError(t, err)

	kinds := map[schema.ViolationKind]int{}
	for draw := 0; draw < 300; draw++ {
		v, applied := s.Draw(42, draw)
		require.NotNil(t, applied, "draw %d", draw)
		violations := schema.Validate(node, v)
		require.Lenf(t, violations, 1, "draw %d produced %#v with %v", draw, v, violations)
		require.Equalf(t, applied.Kind, violations[0].Kind, "draw %d: %#v", draw, v)
		kinds[applied.Kind]++
	}
	require.Contains(t, kinds, schema.ViolationMissingRequired)
	require.Contains(t, kinds, schema.ViolationWrongType)
}

func TestNegativeUniqueArraysViolateExactlyOnce(t *testing.T) {
	letters := base(schema.KindString)
	letters.Enum = []any{"a", "b", "c"}

	tests := []struct {
		name         string
		items        *schema.Node
		wantOverfill bool
	}{
		{"boolean items cannot overflow without repeating", base(schema.KindBoolean), false},
		{"enum items cover the overflow exactly", letters, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := arrNode(tt.items, 0, 2)
			node.UniqueItems = true
			s, err := Compile(node, types.ModeNegative)
			require.NoError(t, err)

			kinds := map[schema.ViolationKind]int{}
			for draw := 0; draw < 200; draw++ {
				v, applied := s.Draw(42, draw)
				require.NotNil(t, applied, "draw %d", draw)
				violations := schema.Validate(node, v)
				require.Lenf(t, violations, 1, "draw %d produced %#v with %v", draw, v, violations)
				require.Equalf(t, applied.Kind, violations[0].Kind, "draw %d: %#v", draw, v)
				kinds[applied.Kind]++
			}
			require.Contains(t, kinds, schema.ViolationDuplicateItems)
			if tt.wantOverfill {
				require.Contains(t, kinds, schema.ViolationTooManyItems)
			} else {
				require.NotContains(t, kinds, schema.ViolationTooManyItems)
			}
		})
	}
}

func TestNegativeNeedsViolableConstraints(t *testing.T) {
	_, err := Compile(base(schema.KindAny), types.ModeNegative)
	var u *UnsatisfiableError
	require.ErrorAs(t, err, &u)
}

func TestGeneratedValuesProperty(t *testing.T) {
	node := sampleObject()
	s, err := Compile(node, types.ModePositive)
	require.NoError(t, err)

	bounded, err := Compile(intNode(-50, 50), types.ModePositive)
	require.NoError(t, err)

	properties := gopter.NewProperties(nil)
	properties.Property("positive draws always satisfy the tree", prop.ForAll(
		func(seed int64, draw int) bool {
			v, _ := s.Draw(seed, draw)
			return len(schema.Validate(node, v)) == 0
		},
		gen.Int64Range(-1_000_000, 1_000_000),
		gen.IntRange(0, 150),
	))
	properties.Property("bounded integers stay in range", prop.ForAll(
		func(seed int64, draw int) bool {
			v, _ := bounded.Draw(seed, draw)
			i, ok := v.(int64)
			return ok && i >= -50 && i <= 50
		},
		gen.Int64Range(-1_000_000, 1_000_000),
		gen.IntRange(0, 150),
	))
	properties.TestingRun(t)
}

func TestExampleValuesAreReused(t *testing.T) {
	node := intNode(1, 100)
	node.Example = int64(7)
	s, err := Compile(node, types.ModePositive)
	require.NoError(t, err)
	found := false
	for draw := 0; draw < 250 && !found; draw++ {
		v, _ := s.Draw(5, draw)
		found = v == int64(7)
	}
	require.True(t, found, "declared example never reused")
}

func TestInvalidExampleIsIgnored(t *testing.T) {
	node := intNode(1, 100)
	node.Example = "not a number"
	s, err := Compile(node, types.ModePositive)
	require.NoError(t, err)
	for draw := 0; draw < 100; draw++ {
		v, _ := s.Draw(5, draw)
		require.Emptyf(t, schema.Validate(node, v), "draw %d leaked the invalid example: %v", draw, v)
	}
}

func TestVariantDrawsPickEachAlternative(t *testing.T) {
	node := base(schema.KindAny)
	node.Variants = []*schema.Node{intNode(0, 5), strNode(1, 3)}
	s, err := Compile(node, types.ModePositive)
	require.NoError(t, err)
	var ints, strs int
	for draw := 0; draw < 60; draw++ {
		v, _ := s.Draw(8, draw)
		require.Empty(t, schema.Validate(node, v))
		switch v.(type) {
		case int64:
			ints++
		case string:
			strs++
		default:
			t.Fatalf("draw %d produced unexpected %T", draw, v)
		}
	}
	require.Positive(t, ints)
	require.Positive(t, strs)
}

func TestGrowthKeepsEarlyDrawsSmall(t *testing.T) {
	node := strNode(0, 0)
	node.MaxLength = schema.Unbounded
	s, err := Compile(node, types.ModePositive)
	require.NoError(t, err)
	v, _ := s.Draw(1, 0)
	require.Equal(t, "", v, "draw 0 should be the minimal string")

	long := false
	for draw := 10; draw < 40 && !long; draw++ {
		v, _ := s.Draw(1, draw)
		long = len([]rune(v.(string))) > 10
	}
	require.True(t, long, "later draws never grew")
}

func TestUnsatisfiableErrorMessage(t *testing.T) {
	_, err := Compile(objNode(schema.Property{Name: "age", Node: intNode(9, 3), Required: true}), types.ModePositive)
	require.Error(t, err)
	require.Contains(t, err.Error(), "age")
	require.Contains(t, fmt.Sprintf("%v", err), "unsatisfiable")
}
