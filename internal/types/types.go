// Package types holds the value vocabulary shared by the generation,
// execution, checking and shrinking packages.
package types

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mohae/deepcopy"

	"schemaprobe/internal/schema"
)

// Mode selects whether generation respects or deliberately violates the
// operation's constraints.
type Mode uint8

const (
	// ModePositive generates values that satisfy every constraint.
	ModePositive Mode = iota
	// ModeNegative violates exactly one constraint per example.
	ModeNegative
)

func (m Mode) String() string {
	if m == ModeNegative {
		return "negative"
	}
	return "positive"
}

// Inputs is one complete set of generated request values keyed by location.
type Inputs struct {
	Path    map[string]any `json:"path,omitempty"`
	Query   map[string]any `json:"query,omitempty"`
	Headers map[string]any `json:"headers,omitempty"`
	Cookies map[string]any `json:"cookies,omitempty"`
	Body    any            `json:"body,omitempty"`
	HasBody bool           `json:"has_body,omitempty"`
	Media   string         `json:"media_type,omitempty"`
}

// Get returns the value stored for a parameter location+name.
func (in *Inputs) Get(loc schema.Location, name string) (any, bool) {
	m := in.location(loc)
	if m == nil {
		return nil, false
	}
	v, ok := m[name]
	return v, ok
}

// Set stores a value for a parameter location+name, allocating the map on
// first use.
func (in *Inputs) Set(loc schema.Location, name string, value any) {
	switch loc {
	case schema.InPath:
		if in.Path == nil {
			in.Path = map[string]any{}
		}
		in.Path[name] = value
	case schema.InQuery:
		if in.Query == nil {
			in.Query = map[string]any{}
		}
		in.Query[name] = value
	case schema.InHeader:
		if in.Headers == nil {
			in.Headers = map[string]any{}
		}
		in.Headers[name] = value
	case schema.InCookie:
		if in.Cookies == nil {
			in.Cookies = map[string]any{}
		}
		in.Cookies[name] = value
	}
}

// Delete removes a stored value; absent keys are a no-op.
func (in *Inputs) Delete(loc schema.Location, name string) {
	if m := in.location(loc); m != nil {
		delete(m, name)
	}
}

func (in *Inputs) location(loc schema.Location) map[string]any {
	switch loc {
	case schema.InPath:
		return in.Path
	case schema.InQuery:
		return in.Query
	case schema.InHeader:
		return in.Headers
	case schema.InCookie:
		return in.Cookies
	}
	return nil
}

// OutcomeStatus is the result of one check against one example.
type OutcomeStatus string

const (
	OutcomePassed  OutcomeStatus = "passed"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeErrored OutcomeStatus = "errored" // the check itself blew up
	OutcomeSkipped OutcomeStatus = "skipped" // check not applicable
)

// Outcome is one check's verdict on one example.
type Outcome struct {
	Check   string        `json:"check"`
	Status  OutcomeStatus `json:"status"`
	Message string        `json:"message,omitempty"`
}

// RawResponse captures everything observed from one exchange. Body holds the
// raw bytes exactly as received; Text is a best-effort decoded view and
// DecodeDiagnostic records any lossiness instead of hiding it.
type RawResponse struct {
	StatusCode       int           `json:"status_code"`
	Status           string        `json:"status"`
	Headers          http.Header   `json:"headers"`
	Body             []byte        `json:"body,omitempty"`
	Text             string        `json:"text,omitempty"`
	Encoding         string        `json:"encoding,omitempty"`
	DecodeDiagnostic string        `json:"decode_diagnostic,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// ContentType returns the response Content-Type header.
func (r *RawResponse) ContentType() string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// ExampleStatus summarizes one example's lifecycle end state.
type ExampleStatus string

const (
	ExamplePassed    ExampleStatus = "passed"
	ExampleFailed    ExampleStatus = "failed"
	ExampleErrored   ExampleStatus = "errored"   // transport-level failure
	ExampleCancelled ExampleStatus = "cancelled" // stopped mid-flight
)

// ViolatedConstraint records which single constraint a negative example
// deliberately breaks: where the value lives, the path inside it, and the
// violation applied there.
type ViolatedConstraint struct {
	Location string `json:"location"` // parameter location, or "body"
	Name     string `json:"name,omitempty"`
	Path     string `json:"path,omitempty"`
	Kind     string `json:"kind"`
}

func (v *ViolatedConstraint) String() string {
	if v == nil {
		return ""
	}
	target := v.Location
	if v.Name != "" {
		target += " " + v.Name
	}
	if v.Path != "" {
		target += "/" + v.Path
	}
	return fmt.Sprintf("%s at %s", v.Kind, target)
}

// SeededKey names one input slot in Example.Seeded: "location name" for
// parameters, "body" for the request body.
func SeededKey(location, name string) string {
	if name == "" {
		return location
	}
	return location + " " + name
}

// Example is one concrete attempted call: generated inputs plus, after
// execution, the observed response and the check outcomes.
type Example struct {
	ID          string            `json:"id"`
	Operation   *schema.Operation `json:"-"`
	OperationID string            `json:"operation"`
	Draw        int               `json:"draw"`
	Mode        Mode              `json:"-"`
	ModeName    string            `json:"mode"`
	Inputs      Inputs            `json:"inputs"`
	// Violated names the one constraint a negative example breaks.
	Violated *ViolatedConstraint `json:"violated,omitempty"`
	// Seeded records inputs that were overridden from link extraction or
	// hooks rather than drawn, keyed "location name".
	Seeded map[string]string `json:"seeded,omitempty"`

	Response *RawResponse  `json:"response,omitempty"`
	Outcomes []Outcome     `json:"outcomes,omitempty"`
	Status   ExampleStatus `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Clone deep-copies the example's inputs so shrink candidates can be mutated
// freely. Observed response data is not carried over; a clone is a fresh
// attempt, not a record.
func (e *Example) Clone() *Example {
	out := &Example{
		ID:          e.ID,
		Operation:   e.Operation,
		OperationID: e.OperationID,
		Draw:        e.Draw,
		Mode:        e.Mode,
		ModeName:    e.ModeName,
	}
	if e.Violated != nil {
		v := *e.Violated
		out.Violated = &v
	}
	out.Inputs = Inputs{
		Path:    cloneMap(e.Inputs.Path),
		Query:   cloneMap(e.Inputs.Query),
		Headers: cloneMap(e.Inputs.Headers),
		Cookies: cloneMap(e.Inputs.Cookies),
		HasBody: e.Inputs.HasBody,
		Media:   e.Inputs.Media,
	}
	if e.Inputs.Body != nil {
		out.Inputs.Body = deepcopy.Copy(e.Inputs.Body)
	}
	if e.Seeded != nil {
		out.Seeded = make(map[string]string, len(e.Seeded))
		for k, v := range e.Seeded {
			out.Seeded[k] = v
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepcopy.Copy(v)
	}
	return out
}

// FailedChecks returns the names of checks that failed on this example.
func (e *Example) FailedChecks() []string {
	var out []string
	for _, o := range e.Outcomes {
		if o.Status == OutcomeFailed {
			out = append(out, o.Check)
		}
	}
	return out
}

// OutcomeFor returns the outcome recorded for a named check.
func (e *Example) OutcomeFor(check string) (Outcome, bool) {
	for _, o := range e.Outcomes {
		if o.Check == check {
			return o, true
		}
	}
	return Outcome{}, false
}
