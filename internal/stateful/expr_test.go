package stateful

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemaprobe/internal/schema"
	"schemaprobe/internal/types"
)

func executedExample() *types.Example {
	return &types.Example{
		Operation: &schema.Operation{
			ID:     "createItem",
			Method: http.MethodPost,
			Path:   "/items",
		},
		Inputs: types.Inputs{
			Path:    map[string]any{},
			Query:   map[string]any{"verbose": true},
			Headers: map[string]any{"X-Request-Id": "req-42"},
			Body:    map[string]any{"name": "widget", "tags": []any{"a", "b"}},
			HasBody: true,
			Media:   "application/json",
		},
		Response: &types.RawResponse{
			StatusCode: 201,
			Headers:    http.Header{"Location": []string{"/items/7"}},
			Body:       []byte(`{"id":7,"name":"widget","meta":{"a/b":1,"c~d":2},"items":[{"tag":"x"}]}`),
		},
	}
}

func TestEvaluate(t *testing.T) {
	ex := executedExample()

	tests := []struct {
		name string
		expr string
		want any
	}{
		{name: "status code", expr: "$statusCode", want: int64(201)},
		{name: "method", expr: "$method", want: "POST"},
		{name: "url", expr: "$url", want: "/items?verbose=true"},
		{name: "request query", expr: "$request.query.verbose", want: true},
		{name: "request header", expr: "$request.header.X-Request-Id", want: "req-42"},
		{name: "request body pointer", expr: "$request.body#/name", want: "widget"},
		{name: "request body array index", expr: "$request.body#/tags/1", want: "b"},
		{name: "response header", expr: "$response.header.Location", want: "/items/7"},
		{name: "response body pointer", expr: "$response.body#/id", want: float64(7)},
		{name: "nested pointer", expr: "$response.body#/items/0/tag", want: "x"},
		{name: "escaped slash", expr: "$response.body#/meta/a~1b", want: float64(1)},
		{name: "escaped tilde", expr: "$response.body#/meta/c~0d", want: float64(2)},
		{name: "literal passes through", expr: "plain-value", want: "plain-value"},
		{name: "embedded fragment", expr: "item-{$response.body#/id}", want: "item-7"},
		{name: "two embedded fragments", expr: "{$method} {$url}", want: "POST /items?verbose=true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, ex)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateWholeBodies(t *testing.T) {
	ex := executedExample()

	got, err := Evaluate("$request.body", ex)
	require.NoError(t, err)
	assert.Equal(t, ex.Inputs.Body, got)

	got, err = Evaluate("$response.body", ex)
	require.NoError(t, err)
	body, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(7), body["id"])
}

func TestEvaluateErrors(t *testing.T) {
	ex := executedExample()

	tests := []struct {
		name string
		expr string
	}{
		{name: "unsupported expression", expr: "$requestId"},
		{name: "unsupported request part", expr: "$request.cookie.session"},
		{name: "absent response header", expr: "$response.header.ETag"},
		{name: "missing pointer key", expr: "$response.body#/nope"},
		{name: "index out of range", expr: "$response.body#/items/9/tag"},
		{name: "pointer into scalar", expr: "$response.body#/id/deep"},
		{name: "pointer without slash", expr: "$response.body#id"},
		{name: "absent query parameter", expr: "$request.query.limit"},
		{name: "embedded fragment error", expr: "item-{$response.body#/nope}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(tt.expr, ex)
			assert.Error(t, err)
		})
	}
}

func TestEvaluateWithoutResponse(t *testing.T) {
	ex := executedExample()
	ex.Response = nil

	_, err := Evaluate("$statusCode", ex)
	assert.Error(t, err)

	_, err = Evaluate("$response.body#/id", ex)
	assert.Error(t, err)

	// Request-side expressions never need the response.
	got, err := Evaluate("$request.body#/name", ex)
	require.NoError(t, err)
	assert.Equal(t, "widget", got)
}

func TestEvaluateNonJSONResponseBody(t *testing.T) {
	ex := executedExample()
	ex.Response.Body = []byte("<html>hello</html>")

	_, err := Evaluate("$response.body#/id", ex)
	assert.Error(t, err)
}

func TestTargetParamQualifiedNames(t *testing.T) {
	op := &schema.Operation{
		ID: "getItem",
		Parameters: []schema.Parameter{
			{Name: "id", In: schema.InPath, Required: true},
			{Name: "id", In: schema.InQuery},
		},
	}

	loc, name, ok := targetParam(op, "path.id")
	require.True(t, ok)
	assert.Equal(t, schema.InPath, loc)
	assert.Equal(t, "id", name)

	loc, name, ok = targetParam(op, "query.id")
	require.True(t, ok)
	assert.Equal(t, schema.InQuery, loc)
	assert.Equal(t, "id", name)

	// Unqualified names match the first declared parameter.
	loc, _, ok = targetParam(op, "id")
	require.True(t, ok)
	assert.Equal(t, schema.InPath, loc)

	_, _, ok = targetParam(op, "missing")
	assert.False(t, ok)

	// A qualifier that is not a location reads as a plain dotted name.
	_, _, ok = targetParam(op, "deep.id")
	assert.False(t, ok)
}
