package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi2conv"
	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"
)

// Load reads an API schema document from a file path or http(s) URL and
// normalizes it into a Catalog. It either returns a complete catalog or a
// *Error; a document is never partially loaded.
func Load(ctx context.Context, location string) (*Catalog, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		u, err := url.Parse(location)
		if err != nil {
			return nil, newError(Malformed, location, err)
		}
		loader := newLoader(ctx)
		doc, err := loader.LoadFromURI(u)
		if err != nil {
			return nil, classifyLoadError(location, err)
		}
		return finishLoad(ctx, location, doc)
	}

	data, err := os.ReadFile(location)
	if err != nil {
		return nil, newError(Malformed, location, err)
	}
	return LoadFromData(ctx, location, data)
}

// LoadFromData normalizes an in-memory schema document. The location string
// is only used in error messages.
func LoadFromData(ctx context.Context, location string, data []byte) (*Catalog, error) {
	version, err := sniffVersion(data)
	if err != nil {
		return nil, newError(Malformed, location, err)
	}

	var doc *openapi3.T
	switch {
	case strings.HasPrefix(version.openapi, "3."):
		doc, err = newLoader(ctx).LoadFromData(data)
		if err != nil {
			return nil, classifyLoadError(location, err)
		}
	case version.swagger == "2.0":
		doc, err = convertV2(ctx, data)
		if err != nil {
			return nil, classifyLoadError(location, err)
		}
	case version.openapi == "" && version.swagger == "":
		return nil, newError(UnsupportedVersion, location,
			fmt.Errorf("document declares neither \"openapi\" nor \"swagger\""))
	default:
		return nil, newError(UnsupportedVersion, location,
			fmt.Errorf("unsupported schema version openapi=%q swagger=%q", version.openapi, version.swagger))
	}
	return finishLoad(ctx, location, doc)
}

func newLoader(ctx context.Context) *openapi3.Loader {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = true
	return loader
}

// finishLoad runs the structural-sanity validation tier and builds the
// catalog. Example and default values are not validated; this is a meta
// check, not full spec conformance.
func finishLoad(ctx context.Context, location string, doc *openapi3.T) (*Catalog, error) {
	err := doc.Validate(ctx,
		openapi3.DisableExamplesValidation(),
		openapi3.DisableSchemaDefaultsValidation(),
	)
	if err != nil {
		return nil, classifyLoadError(location, err)
	}
	catalog, err := buildCatalog(doc)
	if err != nil {
		return nil, newError(Malformed, location, err)
	}
	return catalog, nil
}

type versionProbe struct {
	openapi string
	swagger string
}

// sniffVersion peeks at the version fields without a full parse. YAML is a
// superset of JSON so a single decode handles both encodings.
func sniffVersion(data []byte) (versionProbe, error) {
	var probe struct {
		OpenAPI string `yaml:"openapi" json:"openapi"`
		Swagger string `yaml:"swagger" json:"swagger"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return versionProbe{}, fmt.Errorf("cannot parse document: %w", err)
	}
	return versionProbe{openapi: probe.OpenAPI, swagger: probe.Swagger}, nil
}

// convertV2 parses a Swagger 2.0 document and converts it to OpenAPI 3 so the
// rest of the engine only ever sees one shape.
func convertV2(ctx context.Context, data []byte) (*openapi3.T, error) {
	jsonData, err := toJSON(data)
	if err != nil {
		return nil, err
	}
	var doc2 openapi2.T
	if err := json.Unmarshal(jsonData, &doc2); err != nil {
		return nil, fmt.Errorf("cannot parse swagger 2.0 document: %w", err)
	}
	doc, err := openapi2conv.ToV3(&doc2)
	if err != nil {
		return nil, fmt.Errorf("cannot convert swagger 2.0 document: %w", err)
	}
	if err := newLoader(ctx).ResolveRefsIn(doc, nil); err != nil {
		return nil, err
	}
	return doc, nil
}

// toJSON passes JSON through untouched and re-encodes YAML as JSON.
func toJSON(data []byte) ([]byte, error) {
	if json.Valid(data) {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.Marshal(stringifyKeys(v))
}

// stringifyKeys rewrites yaml's any-keyed maps into string-keyed ones so the
// value round-trips through encoding/json.
func stringifyKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = stringifyKeys(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprintf("%v", k)] = stringifyKeys(val)
		}
		return out
	case []any:
		for i := range x {
			x[i] = stringifyKeys(x[i])
		}
		return x
	default:
		return v
	}
}

// classifyLoadError maps kin-openapi errors onto the schema error taxonomy.
func classifyLoadError(location string, err error) *Error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "$ref"), strings.Contains(msg, "resolve"), strings.Contains(msg, "reference"):
		return newError(UnresolvedReference, location, err)
	case strings.Contains(msg, "unsupported"), strings.Contains(msg, "version"):
		return newError(UnsupportedVersion, location, err)
	default:
		return newError(Malformed, location, err)
	}
}
