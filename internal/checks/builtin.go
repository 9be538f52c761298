package checks

import (
	"encoding/json"
	"mime"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"schemaprobe/internal/schema"
	"schemaprobe/internal/types"
)

// Built-in check identifiers, usable in the checks.enabled/disabled config
// lists.
const (
	NotAServerError            = "not_a_server_error"
	StatusCodeConformance      = "status_code_conformance"
	ContentTypeConformance     = "content_type_conformance"
	ResponseSchemaConformance  = "response_schema_conformance"
	ResponseHeadersConformance = "response_headers_conformance"
	NegativeDataRejection      = "negative_data_rejection"
)

var builtins = []struct {
	name string
	fn   Func
}{
	{NotAServerError, notAServerError},
	{StatusCodeConformance, statusCodeConformance},
	{ContentTypeConformance, contentTypeConformance},
	{ResponseSchemaConformance, responseSchemaConformance},
	{ResponseHeadersConformance, responseHeadersConformance},
	{NegativeDataRejection, negativeDataRejection},
}

// notAServerError fails on any 5XX answer; a server that crashes on
// schema-valid input is broken no matter what the schema declares.
func notAServerError(ex *types.Example) types.Outcome {
	if ex.Response == nil {
		return skipped("no response captured")
	}
	if ex.Response.StatusCode >= 500 {
		return failed("server error: %s", ex.Response.Status)
	}
	return passed()
}

// statusCodeConformance fails when the response status is absent from the
// declared set. Class patterns ("4XX") and "default" count as declared.
func statusCodeConformance(ex *types.Example) types.Outcome {
	if ex.Response == nil {
		return skipped("no response captured")
	}
	op := ex.Operation
	if op == nil || len(op.Responses) == 0 {
		return skipped("operation declares no responses")
	}
	if op.ResponseFor(ex.Response.StatusCode) != nil {
		return passed()
	}
	return failed("undeclared status %d (declared: %s)",
		ex.Response.StatusCode, strings.Join(op.DeclaredStatuses(), ", "))
}

// contentTypeConformance fails when the response Content-Type matches none of
// the media types declared for that status. Parameters such as charset are
// ignored for the match.
func contentTypeConformance(ex *types.Example) types.Outcome {
	spec := declaredResponse(ex)
	if spec == nil || len(spec.MediaTypes) == 0 {
		return skipped("no media types declared for this status")
	}
	ct := ex.Response.ContentType()
	if ct == "" {
		if len(ex.Response.Body) == 0 {
			return skipped("empty response without content type")
		}
		return failed("response carries a body but no Content-Type header")
	}
	got, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return failed("unparsable Content-Type %q: %v", ct, err)
	}
	for _, declared := range spec.MediaTypes {
		if mediaTypeMatches(got, declared) {
			return passed()
		}
	}
	return failed("Content-Type %q matches none of the declared media types (%s)",
		got, strings.Join(spec.MediaTypes, ", "))
}

// mediaTypeMatches compares a concrete response media type against a declared
// one, honoring */* and type/* wildcards and ignoring parameters.
func mediaTypeMatches(got, declared string) bool {
	if d, _, err := mime.ParseMediaType(declared); err == nil {
		declared = d
	}
	if declared == "*/*" || strings.EqualFold(got, declared) {
		return true
	}
	dParts := strings.SplitN(declared, "/", 2)
	gParts := strings.SplitN(got, "/", 2)
	if len(dParts) == 2 && len(gParts) == 2 {
		if dParts[1] == "*" && strings.EqualFold(dParts[0], gParts[0]) {
			return true
		}
	}
	return false
}

// responseSchemaConformance parses the response body and validates it against
// the schema declared for the matched status.
func responseSchemaConformance(ex *types.Example) types.Outcome {
	spec := declaredResponse(ex)
	if spec == nil || spec.Raw == nil || spec.Raw.Value == nil {
		return skipped("no response schema declared for this status")
	}
	if ct := ex.Response.ContentType(); ct != "" && !strings.Contains(ct, "json") {
		return skipped("declared schema covers JSON responses only, got %q", ct)
	}
	if len(ex.Response.Body) == 0 {
		return failed("a response schema is declared but the body is empty")
	}
	var decoded any
	if err := json.Unmarshal(ex.Response.Body, &decoded); err != nil {
		return failed("response body is not valid JSON: %v", err)
	}
	if err := spec.Raw.Value.VisitJSON(decoded, openapi3.MultiErrors()); err != nil {
		return failed("response body violates the declared schema: %v", err)
	}
	return passed()
}

// responseHeadersConformance fails when required declared response headers
// are absent.
func responseHeadersConformance(ex *types.Example) types.Outcome {
	spec := declaredResponse(ex)
	if spec == nil || len(spec.RequiredHeaders) == 0 {
		return skipped("no required response headers declared")
	}
	var missing []string
	for _, name := range spec.RequiredHeaders {
		if len(ex.Response.Headers.Values(name)) == 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return failed("missing required response headers: %s", strings.Join(missing, ", "))
	}
	return passed()
}

// negativeDataRejection fails when the API accepts (2XX) an example that was
// deliberately built to violate one schema constraint.
func negativeDataRejection(ex *types.Example) types.Outcome {
	if ex.Mode != types.ModeNegative {
		return skipped("only applies to negative examples")
	}
	if ex.Response == nil {
		return skipped("no response captured")
	}
	if ex.Response.StatusCode >= 200 && ex.Response.StatusCode < 300 {
		return failed("API accepted an invalid request (%s)", ex.Violated)
	}
	return passed()
}

// declaredResponse resolves the response declaration matching the observed
// status, or nil when the example has no usable response or declaration.
func declaredResponse(ex *types.Example) *schema.ResponseSpec {
	if ex.Response == nil || ex.Operation == nil {
		return nil
	}
	return ex.Operation.ResponseFor(ex.Response.StatusCode)
}
