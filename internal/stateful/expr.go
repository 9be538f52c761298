// Package stateful chains operations through their declared links, feeding
// values extracted from one response into the next request. Sequences are the
// unit of failure here: a broken step is minimized together with the steps
// that led to it.
package stateful

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"schemaprobe/internal/executor"
	"schemaprobe/internal/schema"
	"schemaprobe/internal/types"
)

// Evaluate resolves one runtime expression against an executed example.
// Plain strings pass through as literals; "$"-prefixed expressions address
// the step's request or response; "{$...}" fragments embedded in a literal
// are resolved and spliced back in.
func Evaluate(expr string, ex *types.Example) (any, error) {
	if strings.Contains(expr, "{$") {
		return evalEmbedded(expr, ex)
	}
	if strings.HasPrefix(expr, "$") {
		return evalPure(expr, ex)
	}
	return expr, nil
}

func evalEmbedded(expr string, ex *types.Example) (any, error) {
	var b strings.Builder
	rest := expr
	for {
		start := strings.Index(rest, "{$")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:start])
		inner, err := evalPure(rest[start+1:start+end], ex)
		if err != nil {
			return nil, err
		}
		b.WriteString(renderFragment(inner))
		rest = rest[start+end+1:]
	}
}

func evalPure(expr string, ex *types.Example) (any, error) {
	switch {
	case expr == "$statusCode":
		if ex.Response == nil {
			return nil, fmt.Errorf("%s: no response captured", expr)
		}
		return int64(ex.Response.StatusCode), nil
	case expr == "$method":
		if ex.Operation == nil {
			return nil, fmt.Errorf("%s: no operation attached", expr)
		}
		return ex.Operation.Method, nil
	case expr == "$url":
		if ex.Operation == nil {
			return nil, fmt.Errorf("%s: no operation attached", expr)
		}
		u := executor.BuildPath(ex.Operation.Path, ex.Inputs.Path)
		if q := executor.BuildQuery(ex.Inputs.Query); q != "" {
			u += "?" + q
		}
		return u, nil
	case strings.HasPrefix(expr, "$request."):
		return evalRequest(strings.TrimPrefix(expr, "$request."), ex)
	case strings.HasPrefix(expr, "$response."):
		return evalResponse(strings.TrimPrefix(expr, "$response."), ex)
	}
	return nil, fmt.Errorf("unsupported runtime expression %q", expr)
}

func evalRequest(rest string, ex *types.Example) (any, error) {
	switch {
	case strings.HasPrefix(rest, "path."):
		return inputValue(ex, schema.InPath, strings.TrimPrefix(rest, "path."))
	case strings.HasPrefix(rest, "query."):
		return inputValue(ex, schema.InQuery, strings.TrimPrefix(rest, "query."))
	case strings.HasPrefix(rest, "header."):
		return inputValue(ex, schema.InHeader, strings.TrimPrefix(rest, "header."))
	case rest == "body":
		if !ex.Inputs.HasBody {
			return nil, fmt.Errorf("$request.body: request carried no body")
		}
		return ex.Inputs.Body, nil
	case strings.HasPrefix(rest, "body#"):
		if !ex.Inputs.HasBody {
			return nil, fmt.Errorf("$request.%s: request carried no body", rest)
		}
		return resolvePointer(ex.Inputs.Body, strings.TrimPrefix(rest, "body#"))
	}
	return nil, fmt.Errorf("unsupported request expression $request.%s", rest)
}

func evalResponse(rest string, ex *types.Example) (any, error) {
	if ex.Response == nil {
		return nil, fmt.Errorf("$response.%s: no response captured", rest)
	}
	switch {
	case strings.HasPrefix(rest, "header."):
		name := strings.TrimPrefix(rest, "header.")
		if v := ex.Response.Headers.Get(name); v != "" {
			return v, nil
		}
		return nil, fmt.Errorf("$response.header.%s: header absent", name)
	case rest == "body" || strings.HasPrefix(rest, "body#"):
		var decoded any
		if len(ex.Response.Body) == 0 {
			return nil, fmt.Errorf("$response.%s: empty response body", rest)
		}
		if err := json.Unmarshal(ex.Response.Body, &decoded); err != nil {
			return nil, fmt.Errorf("$response.%s: response body is not JSON: %w", rest, err)
		}
		if rest == "body" {
			return decoded, nil
		}
		return resolvePointer(decoded, strings.TrimPrefix(rest, "body#"))
	}
	return nil, fmt.Errorf("unsupported response expression $response.%s", rest)
}

func inputValue(ex *types.Example, loc schema.Location, name string) (any, error) {
	if v, ok := ex.Inputs.Get(loc, name); ok {
		return v, nil
	}
	return nil, fmt.Errorf("$request.%s.%s: not present in the request", loc, name)
}

// resolvePointer walks a decoded JSON value along an RFC 6901 pointer.
func resolvePointer(doc any, pointer string) (any, error) {
	if pointer == "" {
		return doc, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("invalid JSON pointer %q", pointer)
	}
	cur := doc
	for _, seg := range strings.Split(pointer[1:], "/") {
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("pointer %q: key %q not found", pointer, seg)
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("pointer %q: index %q out of range", pointer, seg)
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("pointer %q: cannot descend into %T at %q", pointer, cur, seg)
		}
	}
	return cur, nil
}

// renderFragment flattens a resolved value into the string being assembled
// around an embedded expression.
func renderFragment(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}
