package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemaprobe/internal/schema"
)

const threePathsDoc = `{
  "openapi": "3.0.0",
  "info": {"title": "runner fixture", "version": "1.0.0"},
  "paths": {
    "/a": {"get": {"operationId": "opA", "responses": {"200": {"description": "ok"}}}},
    "/b": {"get": {"operationId": "opB", "responses": {"200": {"description": "ok"}}}},
    "/c": {"get": {"operationId": "opC", "responses": {"200": {"description": "ok"}}}}
  }
}`

func loadThreePaths(t *testing.T) *schema.Catalog {
	t.Helper()
	cat, err := schema.LoadFromData(context.Background(), "fixture.json", []byte(threePathsDoc))
	require.NoError(t, err)
	require.Len(t, cat.Operations(), 3)
	return cat
}

func TestRunAllKeepsCatalogOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.URL.Path]++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL, Options{Seed: 42, MaxExamples: 3, Workers: 2})
	results := e.RunAll(context.Background(), loadThreePaths(t))

	require.Len(t, results, 3)
	assert.Equal(t, "opA", results[0].Operation)
	assert.Equal(t, "opB", results[1].Operation)
	assert.Equal(t, "opC", results[2].Operation)
	for _, res := range results {
		assert.Equal(t, StatusPassed, res.Status)
		assert.Equal(t, 3, res.Examples)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"/a": 3, "/b": 3, "/c": 3}, seen)
}

func TestRunAllSingleWorkerNeverOverlaps(t *testing.T) {
	var mu sync.Mutex
	inflight, peak := 0, 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			inflight--
			mu.Unlock()
		}()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL, Options{Seed: 1, MaxExamples: 4, Workers: 1})
	e.RunAll(context.Background(), loadThreePaths(t))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak, "one worker means one request at a time")
}

func TestRunAllCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newTestEngine(t, "http://127.0.0.1:1", Options{Seed: 1, Workers: 2})
	results := e.RunAll(ctx, loadThreePaths(t))

	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, StatusCancelled, res.Status)
	}
}
