package shrink

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemaprobe/internal/schema"
	"schemaprobe/internal/types"
)

func itemOperation(minimum float64) *schema.Operation {
	return &schema.Operation{
		ID:     "getItem",
		Method: http.MethodGet,
		Path:   "/items/{id}",
		Parameters: []schema.Parameter{
			{
				Name:     "id",
				In:       schema.InPath,
				Required: true,
				Schema: &schema.Node{
					Kind:      schema.KindInteger,
					Min:       &minimum,
					MaxLength: schema.Unbounded,
					MaxItems:  schema.Unbounded,
				},
			},
		},
	}
}

func itemExample(id int64) *types.Example {
	op := itemOperation(1)
	ex := &types.Example{
		ID:          "ex-1",
		Operation:   op,
		OperationID: op.ID,
		Mode:        types.ModePositive,
		ModeName:    types.ModePositive.String(),
	}
	ex.Inputs.Set(schema.InPath, "id", id)
	return ex
}

func pathID(ex *types.Example) int64 {
	v, ok := ex.Inputs.Get(schema.InPath, "id")
	if !ok {
		return -1
	}
	return v.(int64)
}

// failingWhere builds an attempt function whose named check fails exactly when
// the predicate holds.
func failingWhere(check string, pred func(ex *types.Example) bool) AttemptFunc {
	return func(_ context.Context, ex *types.Example) error {
		status := types.OutcomePassed
		ex.Status = types.ExamplePassed
		if pred(ex) {
			status = types.OutcomeFailed
			ex.Status = types.ExampleFailed
		}
		ex.Outcomes = []types.Outcome{{Check: check, Status: status}}
		return nil
	}
}

func TestShrinkReducesIntegerToMinimum(t *testing.T) {
	attempt := failingWhere("not_a_server_error", func(*types.Example) bool { return true })
	s := New(attempt, Options{})

	got, stats := s.Shrink(context.Background(), itemExample(57), "not_a_server_error")

	require.EqualValues(t, 1, pathID(got), "every value fails, so the schema minimum is the floor")
	assert.Equal(t, 1, stats.Accepted)
	assert.Greater(t, stats.Passes, 1)
}

func TestShrinkConvergesOnFailureBoundary(t *testing.T) {
	attempt := failingWhere("not_a_server_error", func(ex *types.Example) bool {
		return pathID(ex) >= 40
	})
	s := New(attempt, Options{})

	got, stats := s.Shrink(context.Background(), itemExample(57), "not_a_server_error")

	require.EqualValues(t, 40, pathID(got))
	assert.LessOrEqual(t, stats.Attempts, defaultMaxAttempts)
}

func TestShrinkOnlyAcceptsSameFailingCheck(t *testing.T) {
	// The original fails one check; every simplified candidate fails a
	// different one. Nothing qualifies, so the original comes back untouched.
	attempt := func(_ context.Context, ex *types.Example) error {
		ex.Status = types.ExampleFailed
		if pathID(ex) == 57 {
			ex.Outcomes = []types.Outcome{{Check: "not_a_server_error", Status: types.OutcomeFailed}}
		} else {
			ex.Outcomes = []types.Outcome{
				{Check: "not_a_server_error", Status: types.OutcomePassed},
				{Check: "status_code_conformance", Status: types.OutcomeFailed},
			}
		}
		return nil
	}
	s := New(attempt, Options{})

	got, stats := s.Shrink(context.Background(), itemExample(57), "not_a_server_error")

	require.EqualValues(t, 57, pathID(got))
	assert.Zero(t, stats.Accepted)
	assert.Greater(t, stats.Attempts, 0)
}

func TestShrinkDiscardsTransportErrors(t *testing.T) {
	attempt := func(_ context.Context, ex *types.Example) error {
		if pathID(ex) < 40 {
			return context.DeadlineExceeded
		}
		ex.Status = types.ExampleFailed
		ex.Outcomes = []types.Outcome{{Check: "not_a_server_error", Status: types.OutcomeFailed}}
		return nil
	}
	s := New(attempt, Options{})

	got, _ := s.Shrink(context.Background(), itemExample(57), "not_a_server_error")

	require.EqualValues(t, 40, pathID(got), "candidates that cannot be judged must not be kept")
}

func TestShrinkHonorsAttemptBudget(t *testing.T) {
	attempt := failingWhere("not_a_server_error", func(*types.Example) bool { return false })
	s := New(attempt, Options{MaxAttempts: 3})

	got, stats := s.Shrink(context.Background(), itemExample(57), "not_a_server_error")

	require.EqualValues(t, 57, pathID(got))
	assert.Equal(t, 3, stats.Attempts)
}

func TestShrinkIsIdempotent(t *testing.T) {
	attempt := failingWhere("not_a_server_error", func(ex *types.Example) bool {
		return pathID(ex) >= 40
	})
	s := New(attempt, Options{})

	first, _ := s.Shrink(context.Background(), itemExample(57), "not_a_server_error")
	second, stats := s.Shrink(context.Background(), first, "not_a_server_error")

	require.Equal(t, inputsKey(first), inputsKey(second))
	assert.Zero(t, stats.Accepted)
}

func TestShrinkStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempt := failingWhere("not_a_server_error", func(*types.Example) bool { return true })
	s := New(attempt, Options{})

	got, stats := s.Shrink(ctx, itemExample(57), "not_a_server_error")

	require.EqualValues(t, 57, pathID(got))
	assert.Zero(t, stats.Attempts)
}

func TestCandidatesOrderedSimplestFirst(t *testing.T) {
	cands := Candidates(itemExample(57))
	require.NotEmpty(t, cands)

	v, ok := cands[0].Inputs.Get(schema.InPath, "id")
	require.True(t, ok)
	assert.EqualValues(t, 1, v, "the in-range floor has the shortest encoding")

	for i := 1; i < len(cands); i++ {
		assert.False(t, keyLess(inputsKey(cands[i]), inputsKey(cands[i-1])))
	}
}

func TestCandidatesNeverViolateTheSchema(t *testing.T) {
	op := itemOperation(1)
	for _, cand := range Candidates(itemExample(57)) {
		v, ok := cand.Inputs.Get(schema.InPath, "id")
		require.True(t, ok, "required parameters must survive shrinking")
		assert.Empty(t, schema.Validate(op.Parameters[0].Schema, v))
	}
}

func TestCandidatesPinViolatedInput(t *testing.T) {
	minOne := 1.0
	op := &schema.Operation{
		ID:     "listItems",
		Method: http.MethodGet,
		Path:   "/items",
		Parameters: []schema.Parameter{
			{
				Name: "limit", In: schema.InQuery, Required: true,
				Schema: &schema.Node{Kind: schema.KindInteger, Min: &minOne, MaxLength: schema.Unbounded, MaxItems: schema.Unbounded},
			},
			{
				Name: "verbose", In: schema.InQuery,
				Schema: &schema.Node{Kind: schema.KindBoolean, MaxLength: schema.Unbounded, MaxItems: schema.Unbounded},
			},
		},
	}
	ex := &types.Example{
		Operation:   op,
		OperationID: op.ID,
		Mode:        types.ModeNegative,
		ModeName:    types.ModeNegative.String(),
		Violated:    &types.ViolatedConstraint{Location: "query", Name: "limit", Kind: "out_of_range"},
	}
	ex.Inputs.Set(schema.InQuery, "limit", int64(0))
	ex.Inputs.Set(schema.InQuery, "verbose", true)

	cands := Candidates(ex)
	require.NotEmpty(t, cands, "the untouched parameter still shrinks")
	for _, cand := range cands {
		v, ok := cand.Inputs.Get(schema.InQuery, "limit")
		require.True(t, ok, "the deliberately broken input must stay put")
		assert.EqualValues(t, 0, v)
	}
}

func TestCandidatesPinSeededInputs(t *testing.T) {
	op := itemOperation(1)
	op.Parameters = append(op.Parameters, schema.Parameter{
		Name: "q", In: schema.InQuery,
		Schema: &schema.Node{Kind: schema.KindString, MaxLength: schema.Unbounded, MaxItems: schema.Unbounded},
	})
	ex := &types.Example{
		Operation:   op,
		OperationID: op.ID,
		ModeName:    types.ModePositive.String(),
		Seeded:      map[string]string{types.SeededKey("path", "id"): "$response.body#/id"},
	}
	ex.Inputs.Set(schema.InPath, "id", int64(57))
	ex.Inputs.Set(schema.InQuery, "q", "hello")

	cands := Candidates(ex)
	require.NotEmpty(t, cands)
	for _, cand := range cands {
		assert.EqualValues(t, 57, pathID(cand), "link-seeded values are not ours to shrink")
	}
}

func TestShrinkReducesBodyToMinimalShape(t *testing.T) {
	op := &schema.Operation{
		ID:     "createItem",
		Method: http.MethodPost,
		Path:   "/items",
		Body: &schema.Body{
			MediaType: "application/json",
			Required:  true,
			Schema: &schema.Node{
				Kind:      schema.KindObject,
				MaxLength: schema.Unbounded,
				MaxItems:  schema.Unbounded,
				Properties: []schema.Property{
					{Name: "extra", Node: &schema.Node{Kind: schema.KindBoolean, MaxLength: schema.Unbounded, MaxItems: schema.Unbounded}},
					{Name: "name", Required: true, Node: &schema.Node{Kind: schema.KindString, MaxLength: schema.Unbounded, MaxItems: schema.Unbounded}},
				},
			},
		},
	}
	ex := &types.Example{
		Operation:   op,
		OperationID: op.ID,
		ModeName:    types.ModePositive.String(),
		Inputs: types.Inputs{
			Body:    map[string]any{"name": "hello world", "extra": true},
			HasBody: true,
			Media:   "application/json",
		},
	}
	attempt := failingWhere("response_schema_conformance", func(ex *types.Example) bool {
		body, _ := ex.Inputs.Body.(map[string]any)
		name, _ := body["name"].(string)
		return len(name) >= 1
	})
	s := New(attempt, Options{})

	got, stats := s.Shrink(context.Background(), ex, "response_schema_conformance")

	require.Equal(t, map[string]any{"name": "a"}, got.Inputs.Body,
		"optional properties dropped, required string reduced to one simple rune")
	assert.True(t, got.Inputs.HasBody)
	assert.Greater(t, stats.Accepted, 1)
}
