package schema

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// userStoreJSON exercises most catalog normalization paths: an operation
// without an operationId, path-level parameters overridden per operation,
// multiple request media types, response headers and links.
const userStoreJSON = `{
  "openapi": "3.0.3",
  "info": {"title": "User Store", "version": "1.0.0"},
  "paths": {
    "/status": {
      "post": {
        "responses": {"204": {"description": "accepted"}}
      }
    },
    "/users": {
      "post": {
        "operationId": "createUser",
        "requestBody": {
          "required": true,
          "content": {
            "text/plain": {"schema": {"type": "string"}},
            "application/json": {
              "schema": {
                "type": "object",
                "required": ["name"],
                "properties": {"name": {"type": "string", "minLength": 1}}
              }
            }
          }
        },
        "responses": {
          "201": {
            "description": "created",
            "headers": {"Location": {"required": true, "schema": {"type": "string"}}},
            "content": {
              "text/csv": {},
              "application/json": {
                "schema": {"type": "object", "properties": {"id": {"type": "integer"}}}
              }
            },
            "links": {
              "ViaId": {
                "operationId": "getUser",
                "parameters": {"id": "$response.body#/id"},
                "requestBody": "$response.body"
              },
              "ViaRef": {
                "operationRef": "#/paths/~1users~1{id}/get",
                "parameters": {"id": "$response.body#/id"}
              },
              "Gone": {"operationId": "nonexistent"}
            }
          },
          "4XX": {"description": "client error"},
          "default": {"description": "fallback"}
        }
      }
    },
    "/users/{id}": {
      "parameters": [
        {"name": "id", "in": "path", "required": true, "schema": {"type": "integer"}},
        {"name": "limit", "in": "query", "schema": {"type": "integer", "maximum": 10}}
      ],
      "get": {
        "operationId": "getUser",
        "parameters": [
          {"name": "limit", "in": "query", "schema": {"type": "integer", "maximum": 5}}
        ],
        "responses": {"200": {"description": "ok"}}
      },
      "delete": {
        "operationId": "deleteUser",
        "responses": {"204": {"description": "deleted"}}
      }
    }
  }
}`

// shapesJSON covers constraint-tree composition: allOf merging, oneOf
// variants and the three recursive-reference outcomes.
const shapesJSON = `{
  "openapi": "3.0.3",
  "info": {"title": "Shapes", "version": "1.0.0"},
  "paths": {
    "/chains": {
      "post": {
        "operationId": "createChain",
        "requestBody": {
          "required": true,
          "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Chain"}}}
        },
        "responses": {"201": {"description": "created"}}
      }
    },
    "/forests": {
      "post": {
        "operationId": "createForest",
        "requestBody": {
          "required": true,
          "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Forest"}}}
        },
        "responses": {"201": {"description": "created"}}
      }
    },
    "/trees": {
      "post": {
        "operationId": "createTree",
        "parameters": [
          {
            "name": "count",
            "in": "query",
            "schema": {
              "allOf": [
                {"type": "integer", "minimum": 1},
                {"type": "integer", "maximum": 10}
              ]
            }
          },
          {
            "name": "filter",
            "in": "query",
            "schema": {"oneOf": [{"type": "string"}, {"type": "integer"}]}
          }
        ],
        "requestBody": {
          "required": true,
          "content": {"application/json": {"schema": {"$ref": "#/components/schemas/TreeNode"}}}
        },
        "responses": {"201": {"description": "created"}}
      }
    }
  },
  "components": {
    "schemas": {
      "TreeNode": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string"},
          "child": {"$ref": "#/components/schemas/TreeNode"}
        }
      },
      "Chain": {
        "type": "object",
        "required": ["next"],
        "properties": {"next": {"$ref": "#/components/schemas/Chain"}}
      },
      "Forest": {
        "type": "array",
        "items": {"$ref": "#/components/schemas/Forest"}
      }
    }
  }
}`

const brokenRefJSON = `{
  "openapi": "3.0.3",
  "info": {"title": "Broken", "version": "1.0.0"},
  "paths": {
    "/items": {
      "get": {
        "operationId": "listItems",
        "responses": {
          "200": {
            "description": "ok",
            "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Missing"}}}
          }
        }
      }
    }
  }
}`

const legacyPetsJSON = `{
  "swagger": "2.0",
  "info": {"title": "Legacy Pets", "version": "1.0"},
  "paths": {
    "/pets": {
      "get": {
        "operationId": "listPets",
        "parameters": [
          {"name": "limit", "in": "query", "type": "integer", "maximum": 10}
        ],
        "responses": {"200": {"description": "ok"}}
      }
    }
  }
}`

const pingYAML = `openapi: 3.0.3
info:
  title: Ping
  version: "1.0.0"
paths:
  /ping:
    get:
      operationId: ping
      responses:
        "200":
          description: pong
`

func loadDoc(t *testing.T, data string) *Catalog {
	t.Helper()
	cat, err := LoadFromData(context.Background(), "test.json", []byte(data))
	require.NoError(t, err)
	return cat
}

func paramNamed(t *testing.T, op *Operation, name string) Parameter {
	t.Helper()
	for _, p := range op.Parameters {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("operation %s has no parameter %q", op.ID, name)
	return Parameter{}
}

func fptr(v float64) *float64 { return &v }

func TestCatalogOrdersOperationsByPathThenMethod(t *testing.T) {
	cat := loadDoc(t, userStoreJSON)

	var ids []string
	for _, op := range cat.Operations() {
		ids = append(ids, op.ID)
	}
	assert.Equal(t, []string{"POST /status", "createUser", "deleteUser", "getUser"}, ids)
	assert.Empty(t, cat.Skipped())
}

func TestCatalogAddressesOperationsByBothIdentifiers(t *testing.T) {
	cat := loadDoc(t, userStoreJSON)

	// Operations with an operationId stay reachable through the
	// "METHOD path" fallback too; links may use either form.
	assert.Same(t, cat.ByID("createUser"), cat.ByID("POST /users"))
	assert.Same(t, cat.ByID("getUser"), cat.ByID("GET /users/{id}"))

	noID := cat.ByID("POST /status")
	require.NotNil(t, noID)
	assert.Equal(t, "POST /status", noID.ID)

	assert.Nil(t, cat.ByID("no such operation"))
}

func TestPathLevelParametersMergeWithOverrides(t *testing.T) {
	cat := loadDoc(t, userStoreJSON)

	get := cat.ByID("getUser")
	require.NotNil(t, get)
	require.Len(t, get.Parameters, 2)
	// Path parameters sort ahead of query parameters.
	assert.Equal(t, "id", get.Parameters[0].Name)
	assert.Equal(t, InPath, get.Parameters[0].In)
	assert.True(t, get.Parameters[0].Required)

	// The operation's own declaration wins over the path-level one.
	limit := paramNamed(t, get, "limit")
	assert.Equal(t, InQuery, limit.In)
	assert.False(t, limit.Required)
	require.NotNil(t, limit.Schema.Max)
	assert.Equal(t, 5.0, *limit.Schema.Max)

	// Siblings that do not redeclare it inherit the path-level version.
	del := cat.ByID("deleteUser")
	require.NotNil(t, del)
	inherited := paramNamed(t, del, "limit")
	require.NotNil(t, inherited.Schema.Max)
	assert.Equal(t, 10.0, *inherited.Schema.Max)
}

func TestRequestBodyPrefersJSONMediaType(t *testing.T) {
	cat := loadDoc(t, userStoreJSON)

	op := cat.ByID("createUser")
	require.NotNil(t, op)
	require.NotNil(t, op.Body)
	assert.Equal(t, "application/json", op.Body.MediaType)
	assert.True(t, op.Body.Required)
	assert.Equal(t, KindObject, op.Body.Schema.Kind)
	require.NotNil(t, op.Body.Schema.PropertyNode("name"))
	assert.Equal(t, KindString, op.Body.Schema.PropertyNode("name").Kind)
	assert.Equal(t, []string{"name"}, op.Body.Schema.RequiredProperties())
}

func TestResponseSpecCapturesMediaTypesAndHeaders(t *testing.T) {
	cat := loadDoc(t, userStoreJSON)

	op := cat.ByID("createUser")
	require.NotNil(t, op)
	created := op.Responses["201"]
	require.NotNil(t, created)
	assert.Equal(t, []string{"application/json", "text/csv"}, created.MediaTypes)
	assert.Equal(t, []string{"Location"}, created.RequiredHeaders)
	require.NotNil(t, created.Schema)
	assert.Equal(t, KindObject, created.Schema.Kind)
	require.NotNil(t, created.Raw)
}

func TestResponseForPrecedence(t *testing.T) {
	cat := loadDoc(t, userStoreJSON)

	op := cat.ByID("createUser")
	require.NotNil(t, op)
	assert.Equal(t, []string{"201", "4XX", "default"}, op.DeclaredStatuses())

	assert.Equal(t, "201", op.ResponseFor(201).Status)
	assert.Equal(t, "4XX", op.ResponseFor(404).Status)
	assert.Equal(t, "4XX", op.ResponseFor(422).Status)
	assert.Equal(t, "default", op.ResponseFor(503).Status)
}

func TestLinkTargetsResolve(t *testing.T) {
	cat := loadDoc(t, userStoreJSON)

	op := cat.ByID("createUser")
	require.NotNil(t, op)
	links := op.LinksFor(201)
	require.Len(t, links, 2)

	assert.Equal(t, "ViaId", links[0].Name)
	assert.Equal(t, "getUser", links[0].TargetID)
	assert.Equal(t, "$response.body#/id", links[0].Parameters["id"])
	assert.Equal(t, "$response.body", links[0].RequestBody)

	// operationRef targets are rewritten into catalog identifiers.
	assert.Equal(t, "ViaRef", links[1].Name)
	assert.Equal(t, "GET /users/{id}", links[1].TargetID)
	assert.NotNil(t, cat.ByID(links[1].TargetID))

	// The link with an unknown target is dropped, not fatal.
	require.NotEmpty(t, cat.Warnings())
	assert.Contains(t, cat.Warnings()[0], `link "Gone"`)
	assert.Contains(t, cat.Warnings()[0], "nonexistent")
}

func TestLinksForMatchesStatusPatterns(t *testing.T) {
	op := &Operation{
		Links: []Link{
			{Name: "exact", Status: "201"},
			{Name: "class", Status: "2XX"},
			{Name: "any", Status: "default"},
		},
	}

	var names []string
	for _, l := range op.LinksFor(201) {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"any", "class", "exact"}, names)

	fallback := op.LinksFor(404)
	require.Len(t, fallback, 1)
	assert.Equal(t, "any", fallback[0].Name)
}

func TestAllOfMergesToStrictestBounds(t *testing.T) {
	cat := loadDoc(t, shapesJSON)

	op := cat.ByID("createTree")
	require.NotNil(t, op)
	count := paramNamed(t, op, "count")

	want := &Node{
		Kind:      KindInteger,
		Min:       fptr(1),
		Max:       fptr(10),
		MaxLength: Unbounded,
		MaxItems:  Unbounded,
	}
	if diff := cmp.Diff(want, count.Schema); diff != "" {
		t.Errorf("merged constraint tree mismatch (-want +got):\n%s", diff)
	}
}

func TestOneOfBecomesVariants(t *testing.T) {
	cat := loadDoc(t, shapesJSON)

	op := cat.ByID("createTree")
	require.NotNil(t, op)
	filter := paramNamed(t, op, "filter")

	require.Len(t, filter.Schema.Variants, 2)
	assert.Equal(t, KindString, filter.Schema.Variants[0].Kind)
	assert.Equal(t, KindInteger, filter.Schema.Variants[1].Kind)
}

func TestRecursiveSchemasPrunedOrSkipped(t *testing.T) {
	cat := loadDoc(t, shapesJSON)

	// An optional property closing a cycle is pruned from the tree.
	tree := cat.ByID("createTree")
	require.NotNil(t, tree)
	body := tree.Body.Schema
	assert.NotNil(t, body.PropertyNode("name"))
	assert.Nil(t, body.PropertyNode("child"))

	// A recursive array with minItems 0 is pinned to the empty array.
	forest := cat.ByID("createForest")
	require.NotNil(t, forest)
	assert.Equal(t, KindArray, forest.Body.Schema.Kind)
	assert.Equal(t, 0, forest.Body.Schema.MaxItems)

	// A cycle on a required path makes the operation untestable; it is
	// skipped and the rest of the catalog survives.
	assert.Nil(t, cat.ByID("createChain"))
	require.Len(t, cat.Skipped(), 1)
	assert.Equal(t, "createChain", cat.Skipped()[0].ID)
	assert.Contains(t, cat.Skipped()[0].Reason, "recursive reference")
}

func TestLoadYAMLDocument(t *testing.T) {
	cat, err := LoadFromData(context.Background(), "ping.yaml", []byte(pingYAML))
	require.NoError(t, err)
	require.Len(t, cat.Operations(), 1)
	assert.Equal(t, "ping", cat.Operations()[0].ID)
}

func TestLoadSwagger2Document(t *testing.T) {
	cat, err := LoadFromData(context.Background(), "pets.json", []byte(legacyPetsJSON))
	require.NoError(t, err)

	op := cat.ByID("listPets")
	require.NotNil(t, op)
	require.Len(t, op.Parameters, 1)
	limit := op.Parameters[0]
	assert.Equal(t, InQuery, limit.In)
	assert.Equal(t, KindInteger, limit.Schema.Kind)
	require.NotNil(t, limit.Schema.Max)
	assert.Equal(t, 10.0, *limit.Schema.Max)
}

func TestLoadRejectsUnsupportedDocuments(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want ErrorKind
	}{
		{
			name: "graphql introspection result",
			data: []byte(`{"data": {"__schema": {"queryType": {"name": "Query"}}}}`),
			want: UnsupportedVersion,
		},
		{
			name: "future openapi version",
			data: []byte(`{"openapi": "4.0.0", "info": {"title": "x", "version": "1"}, "paths": {}}`),
			want: UnsupportedVersion,
		},
		{
			name: "binary garbage",
			data: []byte{0x00, 0x01, 0x02},
			want: Malformed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, err := LoadFromData(context.Background(), "test.json", tt.data)
			assert.Nil(t, cat)
			var serr *Error
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.want, serr.Kind)
			assert.Equal(t, "test.json", serr.Location)
		})
	}
}

func TestLoadNeverReturnsPartialCatalog(t *testing.T) {
	cat, err := LoadFromData(context.Background(), "broken.json", []byte(brokenRefJSON))
	require.Error(t, err)
	assert.Nil(t, cat)

	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, UnresolvedReference, serr.Kind)
	assert.Equal(t, "broken.json", serr.Location)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pingYAML), 0o644))

	cat, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, cat.Operations(), 1)
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	cat, err := Load(context.Background(), path)
	assert.Nil(t, cat)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, Malformed, serr.Kind)
	assert.Equal(t, path, serr.Location)
}

func TestNormalizeStatusPattern(t *testing.T) {
	assert.Equal(t, "default", normalizeStatusPattern("default"))
	assert.Equal(t, "2XX", normalizeStatusPattern("2xx"))
	assert.Equal(t, "404", normalizeStatusPattern("404"))
}

func TestResolveOperationRef(t *testing.T) {
	tests := []struct {
		ref  string
		want string
		ok   bool
	}{
		{"#/paths/~1users~1{id}/get", "GET /users/{id}", true},
		{"#/paths/~1a~0b/post", "POST /a~b", true},
		{"#/paths/nomethod", "", false},
		{"#/paths//get", "", false},
	}
	for _, tt := range tests {
		got, ok := resolveOperationRef(tt.ref)
		assert.Equal(t, tt.ok, ok, tt.ref)
		assert.Equal(t, tt.want, got, tt.ref)
	}
}
