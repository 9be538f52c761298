package executor

import (
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// DecodeBody produces a text view of a response body using the declared
// charset. It never fails: undecodable input falls back to a total latin-1
// reading and the problem lands in the diagnostic instead of an error, so a
// server lying about its encoding is reportable rather than fatal.
func DecodeBody(body []byte, contentType string) (text, encoding, diagnostic string) {
	if len(body) == 0 {
		return "", "", ""
	}
	charset := ""
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			charset = strings.ToLower(params["charset"])
		}
	}
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		if utf8.Valid(body) {
			return string(body), "utf-8", ""
		}
		if charset == "" {
			diagnostic = "body is not valid utf-8; decoded as latin-1"
		} else {
			diagnostic = "declared utf-8 but body is not valid utf-8; decoded as latin-1"
		}
		return latin1String(body), "latin-1", diagnostic
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return latin1String(body), "latin-1", fmt.Sprintf("unknown charset %q; decoded as latin-1", charset)
	}
	decoded, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return latin1String(body), "latin-1", fmt.Sprintf("failed to decode %s: %v; decoded as latin-1", charset, err)
	}
	return string(decoded), charset, ""
}

// latin1String maps every byte to the code point of the same value; it cannot
// fail, which is what makes it the fallback.
func latin1String(body []byte) string {
	runes := make([]rune, len(body))
	for i, b := range body {
		runes[i] = rune(b)
	}
	return string(runes)
}
