package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// Location is where a parameter travels in the request.
type Location string

const (
	InPath   Location = "path"
	InQuery  Location = "query"
	InHeader Location = "header"
	InCookie Location = "cookie"
)

var locationOrder = map[Location]int{InPath: 0, InQuery: 1, InHeader: 2, InCookie: 3}

// Parameter is one declared request parameter with its constraint tree.
type Parameter struct {
	Name     string
	In       Location
	Required bool
	Schema   *Node
}

// Body is the request payload declaration for one operation.
type Body struct {
	MediaType string
	Required  bool
	Schema    *Node
}

// ResponseSpec is the declared shape of one response, keyed by its status
// pattern ("200", "4XX" or "default"). Raw keeps the resolved kin-openapi
// schema for conformance checking against live responses.
type ResponseSpec struct {
	Status          string
	MediaTypes      []string
	Schema          *Node
	Raw             *openapi3.SchemaRef
	RequiredHeaders []string
}

// Link is a declared relation from one operation's response to another
// operation's inputs. Parameters map target parameter names to runtime
// expressions such as "$response.body#/id".
type Link struct {
	Name        string
	Status      string
	TargetID    string
	Parameters  map[string]string
	RequestBody string
}

// Operation is one endpoint+method with everything the engine needs to
// generate, execute and validate calls against it. Immutable once loaded.
type Operation struct {
	ID         string
	Method     string
	Path       string
	Parameters []Parameter
	Body       *Body
	Responses  map[string]*ResponseSpec
	Links      []Link
}

// ResponseFor picks the most specific declared response for a status code:
// exact match, then class pattern ("4XX"), then "default".
func (op *Operation) ResponseFor(status int) *ResponseSpec {
	exact := fmt.Sprintf("%d", status)
	if r, ok := op.Responses[exact]; ok {
		return r
	}
	class := fmt.Sprintf("%dXX", status/100)
	if r, ok := op.Responses[class]; ok {
		return r
	}
	if r, ok := op.Responses["default"]; ok {
		return r
	}
	return nil
}

// DeclaredStatuses returns the sorted status patterns this operation declares.
func (op *Operation) DeclaredStatuses() []string {
	out := make([]string, 0, len(op.Responses))
	for s := range op.Responses {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// LinksFor returns links declared on the response matching status, sorted by
// name for deterministic traversal.
func (op *Operation) LinksFor(status int) []Link {
	exact := fmt.Sprintf("%d", status)
	class := fmt.Sprintf("%dXX", status/100)
	var out []Link
	for _, l := range op.Links {
		if l.Status == exact || l.Status == class || l.Status == "default" {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SkippedOperation records an operation the catalog could not make testable,
// together with why. The rest of the catalog stays usable.
type SkippedOperation struct {
	ID     string
	Reason string
}

// Catalog is the loaded, normalized operation set for one schema document.
type Catalog struct {
	ops      []*Operation
	byID     map[string]*Operation
	skipped  []SkippedOperation
	warnings []string
}

// Operations returns all loaded operations ordered by (path, method).
func (c *Catalog) Operations() []*Operation { return c.ops }

// ByID finds an operation by operationId or "METHOD path" identifier.
func (c *Catalog) ByID(id string) *Operation { return c.byID[id] }

// Skipped lists operations dropped during normalization and why.
func (c *Catalog) Skipped() []SkippedOperation { return c.skipped }

// Warnings lists non-fatal irregularities found while loading.
func (c *Catalog) Warnings() []string { return c.warnings }

// buildCatalog walks a validated document into the operation catalog.
func buildCatalog(doc *openapi3.T) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]*Operation)}
	if doc.Paths == nil {
		return c, nil
	}

	paths := doc.Paths.Map()
	pathKeys := make([]string, 0, len(paths))
	for p := range paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	for _, path := range pathKeys {
		item := paths[path]
		methods := item.Operations()
		methodKeys := make([]string, 0, len(methods))
		for m := range methods {
			methodKeys = append(methodKeys, m)
		}
		sort.Strings(methodKeys)

		for _, method := range methodKeys {
			raw := methods[method]
			op, err := buildOperation(doc, path, method, item, raw)
			if err != nil {
				c.skipped = append(c.skipped, SkippedOperation{
					ID:     operationID(raw, method, path),
					Reason: err.Error(),
				})
				continue
			}
			c.ops = append(c.ops, op)
			c.byID[op.ID] = op
			if raw.OperationID != "" {
				// Keep the fallback identifier addressable too; links may
				// use either form.
				c.byID[fmt.Sprintf("%s %s", op.Method, op.Path)] = op
			}
		}
	}
	resolveLinkTargets(doc, c)
	return c, nil
}

func operationID(raw *openapi3.Operation, method, path string) string {
	if raw.OperationID != "" {
		return raw.OperationID
	}
	return fmt.Sprintf("%s %s", strings.ToUpper(method), path)
}

func buildOperation(doc *openapi3.T, path, method string, item *openapi3.PathItem, raw *openapi3.Operation) (*Operation, error) {
	op := &Operation{
		ID:        operationID(raw, method, path),
		Method:    strings.ToUpper(method),
		Path:      path,
		Responses: make(map[string]*ResponseSpec),
	}

	// Path-level parameters apply to every operation on the path unless the
	// operation redeclares them.
	merged := make(map[string]*openapi3.Parameter)
	for _, ref := range item.Parameters {
		if ref.Value != nil {
			merged[ref.Value.In+" "+ref.Value.Name] = ref.Value
		}
	}
	for _, ref := range raw.Parameters {
		if ref.Value != nil {
			merged[ref.Value.In+" "+ref.Value.Name] = ref.Value
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := merged[k]
		node, err := buildTree(p.Schema)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
		}
		op.Parameters = append(op.Parameters, Parameter{
			Name:     p.Name,
			In:       Location(p.In),
			Required: p.Required || p.In == string(InPath),
			Schema:   node,
		})
	}
	sort.SliceStable(op.Parameters, func(i, j int) bool {
		a, b := op.Parameters[i], op.Parameters[j]
		if a.In != b.In {
			return locationOrder[a.In] < locationOrder[b.In]
		}
		return a.Name < b.Name
	})

	if raw.RequestBody != nil && raw.RequestBody.Value != nil {
		body, err := buildBody(raw.RequestBody.Value)
		if err != nil {
			return nil, fmt.Errorf("request body: %w", err)
		}
		op.Body = body
	}

	if raw.Responses != nil {
		for status, ref := range raw.Responses.Map() {
			if ref == nil || ref.Value == nil {
				continue
			}
			spec, links, err := buildResponse(status, ref.Value)
			if err != nil {
				return nil, fmt.Errorf("response %s: %w", status, err)
			}
			op.Responses[normalizeStatusPattern(status)] = spec
			op.Links = append(op.Links, links...)
		}
	}
	sort.Slice(op.Links, func(i, j int) bool {
		if op.Links[i].Status != op.Links[j].Status {
			return op.Links[i].Status < op.Links[j].Status
		}
		return op.Links[i].Name < op.Links[j].Name
	})
	return op, nil
}

func buildBody(rb *openapi3.RequestBody) (*Body, error) {
	// Prefer JSON payloads; fall back to the lexicographically first media
	// type so the choice is stable.
	mediaTypes := make([]string, 0, len(rb.Content))
	for mt := range rb.Content {
		mediaTypes = append(mediaTypes, mt)
	}
	sort.Strings(mediaTypes)
	chosen := ""
	for _, mt := range mediaTypes {
		if strings.Contains(mt, "json") {
			chosen = mt
			break
		}
	}
	if chosen == "" && len(mediaTypes) > 0 {
		chosen = mediaTypes[0]
	}
	if chosen == "" {
		return nil, nil
	}
	node, err := buildTree(rb.Content[chosen].Schema)
	if err != nil {
		return nil, err
	}
	return &Body{MediaType: chosen, Required: rb.Required, Schema: node}, nil
}

func buildResponse(status string, resp *openapi3.Response) (*ResponseSpec, []Link, error) {
	spec := &ResponseSpec{Status: normalizeStatusPattern(status)}

	mediaTypes := make([]string, 0, len(resp.Content))
	for mt := range resp.Content {
		mediaTypes = append(mediaTypes, mt)
	}
	sort.Strings(mediaTypes)
	spec.MediaTypes = mediaTypes
	for _, mt := range mediaTypes {
		if strings.Contains(mt, "json") && resp.Content[mt].Schema != nil {
			node, err := buildTree(resp.Content[mt].Schema)
			if err != nil {
				// Response shapes are only used for conformance checking;
				// an untestable response schema should not kill the
				// operation's request generation.
				break
			}
			spec.Schema = node
			spec.Raw = resp.Content[mt].Schema
			break
		}
	}

	headerNames := make([]string, 0, len(resp.Headers))
	for name := range resp.Headers {
		headerNames = append(headerNames, name)
	}
	sort.Strings(headerNames)
	for _, name := range headerNames {
		ref := resp.Headers[name]
		if ref.Value != nil && ref.Value.Required {
			spec.RequiredHeaders = append(spec.RequiredHeaders, name)
		}
	}

	var links []Link
	linkNames := make([]string, 0, len(resp.Links))
	for name := range resp.Links {
		linkNames = append(linkNames, name)
	}
	sort.Strings(linkNames)
	for _, name := range linkNames {
		ref := resp.Links[name]
		if ref == nil || ref.Value == nil {
			continue
		}
		l := Link{
			Name:       name,
			Status:     spec.Status,
			Parameters: make(map[string]string, len(ref.Value.Parameters)),
		}
		if ref.Value.OperationID != "" {
			l.TargetID = ref.Value.OperationID
		} else if ref.Value.OperationRef != "" {
			l.TargetID = ref.Value.OperationRef // resolved in resolveLinkTargets
		}
		for param, expr := range ref.Value.Parameters {
			l.Parameters[param] = fmt.Sprintf("%v", expr)
		}
		if rb, ok := ref.Value.RequestBody.(string); ok {
			l.RequestBody = rb
		}
		links = append(links, l)
	}
	return spec, links, nil
}

// normalizeStatusPattern upper-cases class patterns so "2xx" and "2XX"
// compare equal.
func normalizeStatusPattern(s string) string {
	if s == "default" {
		return s
	}
	return strings.ToUpper(s)
}

// resolveLinkTargets rewrites operationRef link targets into catalog IDs and
// drops links whose target cannot be found.
func resolveLinkTargets(doc *openapi3.T, c *Catalog) {
	for _, op := range c.ops {
		kept := op.Links[:0]
		for _, l := range op.Links {
			if strings.HasPrefix(l.TargetID, "#/paths/") {
				id, ok := resolveOperationRef(l.TargetID)
				if !ok {
					c.warnings = append(c.warnings, fmt.Sprintf("%s: link %q: unresolvable operationRef %q", op.ID, l.Name, l.TargetID))
					continue
				}
				l.TargetID = id
			}
			if c.byID[l.TargetID] == nil {
				c.warnings = append(c.warnings, fmt.Sprintf("%s: link %q: unknown target operation %q", op.ID, l.Name, l.TargetID))
				continue
			}
			kept = append(kept, l)
		}
		op.Links = kept
	}
}

// resolveOperationRef turns "#/paths/~1users~1{id}/get" into "GET /users/{id}".
func resolveOperationRef(ref string) (string, bool) {
	rest := strings.TrimPrefix(ref, "#/paths/")
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 {
		return "", false
	}
	escapedPath, method := rest[:idx], rest[idx+1:]
	path := strings.ReplaceAll(strings.ReplaceAll(escapedPath, "~1", "/"), "~0", "~")
	return fmt.Sprintf("%s %s", strings.ToUpper(method), path), true
}
