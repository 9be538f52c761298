// Package executor turns generated examples into real HTTP exchanges. It
// owns request serialization, transport error classification and best-effort
// response decoding; deciding what a response means is the checks' job.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"schemaprobe/internal/types"
)

// TransportError is a network-level failure: nothing came back to check.
type TransportError struct {
	Operation string
	Timeout   bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: request timed out: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("%s: transport error: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Options configures an Executor.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// Headers are applied to every request before the example's own headers,
	// which win on conflict. Auth tokens travel here.
	Headers map[string]string
	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64
	// Client overrides the default HTTP client, mainly for tests.
	Client *http.Client
	Logger *zap.Logger
}

const defaultMaxBody = 10 << 20

// Executor sends examples against one target server.
type Executor struct {
	base    *url.URL
	client  *http.Client
	headers map[string]string
	maxBody int64
	log     *zap.Logger
}

// New builds an executor for the target base URL.
func New(opts Options) (*Executor, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", opts.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q must be http or https", opts.BaseURL)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Executor{base: base, client: client, headers: opts.Headers, maxBody: maxBody, log: log}, nil
}

// BuildRequest assembles the HTTP request for one example. Exported so
// failure reports and shrink replays can rebuild the exact request.
func BuildRequest(ctx context.Context, base *url.URL, extra map[string]string, ex *types.Example) (*http.Request, error) {
	op := ex.Operation
	if op == nil {
		return nil, fmt.Errorf("example %s has no operation attached", ex.ID)
	}

	rawPath := strings.TrimRight(base.EscapedPath(), "/") + BuildPath(op.Path, ex.Inputs.Path)
	ref := *base
	if decoded, err := url.PathUnescape(rawPath); err == nil {
		// Keeping RawPath preserves deliberate quoting like %2E that the
		// decoded form would collapse back into route-sensitive characters.
		ref.Path = decoded
		ref.RawPath = rawPath
	} else {
		ref.Path = rawPath
	}
	ref.RawQuery = BuildQuery(ex.Inputs.Query)

	body, media, err := BuildBody(&ex.Inputs)
	if err != nil {
		return nil, err
	}
	var reader io.Reader
	if ex.Inputs.HasBody {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, ref.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for name, value := range extra {
		req.Header.Set(name, sanitizeHeaderValue(value))
	}
	for _, name := range sortedKeys(ex.Inputs.Headers) {
		req.Header.Set(name, sanitizeHeaderValue(renderValue(ex.Inputs.Headers[name])))
	}
	if ex.Inputs.HasBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", media)
	}
	for _, name := range sortedKeys(ex.Inputs.Cookies) {
		req.AddCookie(&http.Cookie{Name: name, Value: renderValue(ex.Inputs.Cookies[name])})
	}
	return req, nil
}

// Execute sends one example and captures everything observed. A nil error
// means a response arrived, whatever its status; transport failures come
// back as *TransportError.
func (e *Executor) Execute(ctx context.Context, ex *types.Example) (*types.RawResponse, error) {
	req, err := BuildRequest(ctx, e.base, e.headers, ex)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return nil, &TransportError{Operation: ex.OperationID, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return nil, &TransportError{Operation: ex.OperationID, Timeout: isTimeout(err), Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	text, encoding, diagnostic := DecodeBody(raw, resp.Header.Get("Content-Type"))
	e.log.Debug("executed example",
		zap.String("operation", ex.OperationID),
		zap.String("example", ex.ID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", duration),
	)
	return &types.RawResponse{
		StatusCode:       resp.StatusCode,
		Status:           resp.Status,
		Headers:          resp.Header.Clone(),
		Body:             raw,
		Text:             text,
		Encoding:         encoding,
		DecodeDiagnostic: diagnostic,
		Duration:         duration,
	}, nil
}

// BaseURL returns the parsed target base.
func (e *Executor) BaseURL() *url.URL { return e.base }

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Curl renders a copy-pasteable reproduction of an example's request.
func Curl(base string, ex *types.Example) string {
	op := ex.Operation
	if op == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("curl -X ")
	b.WriteString(op.Method)
	for _, name := range sortedKeys(ex.Inputs.Headers) {
		fmt.Fprintf(&b, " -H %s", shellQuote(name+": "+renderValue(ex.Inputs.Headers[name])))
	}
	if ex.Inputs.HasBody {
		body, media, err := BuildBody(&ex.Inputs)
		if err == nil {
			fmt.Fprintf(&b, " -H %s", shellQuote("Content-Type: "+media))
			fmt.Fprintf(&b, " --data %s", shellQuote(string(body)))
		}
	}
	target := strings.TrimRight(base, "/") + BuildPath(op.Path, ex.Inputs.Path)
	if q := BuildQuery(ex.Inputs.Query); q != "" {
		target += "?" + q
	}
	b.WriteString(" ")
	b.WriteString(shellQuote(target))
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
