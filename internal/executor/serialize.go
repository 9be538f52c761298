package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/url"
	"sort"
	"strings"

	"schemaprobe/internal/types"
)

// renderValue turns a generated value into its wire string. Scalars use their
// JSON rendering with strings unquoted, so booleans and null become the
// literals "true", "false" and "null" rather than Go's formatting; composites
// collapse to compact JSON.
func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// quotePathValue escapes a rendered value for use inside one path segment.
// Dots are quoted to %2E on top of the usual escaping: frameworks routinely
// route ".", ".." and extension-like suffixes before the handler sees them,
// which would silently test the wrong endpoint.
func quotePathValue(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), ".", "%2E")
}

// BuildPath substitutes rendered path parameters into the operation's path
// template.
func BuildPath(template string, params map[string]any) string {
	out := template
	for name, v := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", quotePathValue(renderValue(v)))
	}
	return out
}

// BuildQuery renders query parameters into an encoded query string. Array
// values repeat the key; everything else is a single pair. url.Values.Encode
// sorts keys, keeping the request byte-stable for replay.
func BuildQuery(params map[string]any) string {
	q := url.Values{}
	for name, v := range params {
		if items, ok := v.([]any); ok {
			for _, item := range items {
				q.Add(name, renderValue(item))
			}
			continue
		}
		q.Add(name, renderValue(v))
	}
	return q.Encode()
}

// sanitizeHeaderValue drops the control characters the transport would reject
// outright, keeping the rest of the generated value intact.
func sanitizeHeaderValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// sortedKeys returns map keys in deterministic order.
func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// multipartBoundary is pinned so equal inputs serialize byte-identically and
// repro lines stay stable across runs.
const multipartBoundary = "schemaprobe-7f3a9c51d2e84b60"

// BuildBody serializes the generated body for its media type. JSON is the
// primary path; form bodies flatten a generated object into url-encoded
// pairs, multipart bodies carry one part per object member, and anything
// else is sent as the rendered text.
func BuildBody(in *types.Inputs) ([]byte, string, error) {
	if !in.HasBody {
		return nil, "", nil
	}
	media := in.Media
	if media == "" {
		media = "application/json"
	}
	switch {
	case strings.Contains(media, "json"):
		b, err := json.Marshal(in.Body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal request body: %w", err)
		}
		return b, media, nil
	case media == "application/x-www-form-urlencoded":
		obj, ok := in.Body.(map[string]any)
		if !ok {
			return []byte(renderValue(in.Body)), media, nil
		}
		form := url.Values{}
		for _, k := range sortedKeys(obj) {
			form.Set(k, renderValue(obj[k]))
		}
		return []byte(form.Encode()), media, nil
	case strings.HasPrefix(media, "multipart/"):
		b, err := buildMultipart(in.Body)
		if err != nil {
			return nil, "", err
		}
		return b, media + "; boundary=" + multipartBoundary, nil
	default:
		return []byte(renderValue(in.Body)), media, nil
	}
}

// buildMultipart renders an object body as one form field per member, keys
// sorted. A non-object body becomes a single bare part so the payload still
// reaches the server inside a well-formed envelope.
func buildMultipart(body any) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(multipartBoundary); err != nil {
		return nil, fmt.Errorf("failed to set multipart boundary: %w", err)
	}
	if obj, ok := body.(map[string]any); ok {
		for _, k := range sortedKeys(obj) {
			fw, err := w.CreateFormField(k)
			if err != nil {
				return nil, fmt.Errorf("failed to create multipart field %q: %w", k, err)
			}
			if _, err := fw.Write([]byte(renderValue(obj[k]))); err != nil {
				return nil, fmt.Errorf("failed to write multipart field %q: %w", k, err)
			}
		}
	} else {
		part, err := w.CreatePart(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create multipart part: %w", err)
		}
		if _, err := part.Write([]byte(renderValue(body))); err != nil {
			return nil, fmt.Errorf("failed to write multipart part: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return buf.Bytes(), nil
}
