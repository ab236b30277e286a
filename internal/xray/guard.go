package xray

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/qamesh/xrayql/internal/errs"
)

const (
	// readChunkSize is the fixed chunk size for streaming response
	// bodies. The accumulated buffer never grows past the configured
	// ceiling plus one chunk.
	readChunkSize = 32 * 1024

	// previewLen bounds the sanitized body prefix included in
	// size-limit and remote error messages.
	previewLen = 256
)

// Limits holds the response size ceilings enforced by a Guard.
// Zero values fall back to the defaults.
type Limits struct {
	// JSONBytes caps GraphQL response bodies read in JSON mode.
	JSONBytes int64

	// TextBytes caps error bodies read in text mode.
	TextBytes int64

	// ResponseBytes is the overall ceiling for any single response,
	// regardless of mode.
	ResponseBytes int64
}

// DefaultLimits returns the standard ceilings: 5 MiB for JSON bodies,
// 1 MiB for free text, 10 MiB overall. Chosen to block pathological or
// adversarial oversized responses while accommodating normal payloads.
func DefaultLimits() Limits {
	return Limits{
		JSONBytes:     5 * 1024 * 1024,
		TextBytes:     1 * 1024 * 1024,
		ResponseBytes: 10 * 1024 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.JSONBytes <= 0 {
		l.JSONBytes = d.JSONBytes
	}

	if l.TextBytes <= 0 {
		l.TextBytes = d.TextBytes
	}

	if l.ResponseBytes <= 0 {
		l.ResponseBytes = d.ResponseBytes
	}

	return l
}

// Guard reads HTTP response bodies under hard byte ceilings,
// independent of any length header's honesty. Reads are local to one
// response stream; a Guard holds no per-request state and is safe for
// concurrent use.
type Guard struct {
	limits Limits
}

// NewGuard creates a Guard with the given limits. Zero-valued fields
// fall back to DefaultLimits.
func NewGuard(limits Limits) *Guard {
	return &Guard{limits: limits.withDefaults()}
}

// Limits returns the ceilings this Guard enforces.
func (g *Guard) Limits() Limits { return g.limits }

// ReadJSON streams the response body under maxBytes (or the configured
// JSON ceiling when maxBytes <= 0) and returns the raw JSON bytes. A
// body that breaches the ceiling fails with a size-limit error before
// the full body is buffered; a body that is not valid JSON fails with a
// remote error, distinct from the size-limit case.
func (g *Guard) ReadJSON(resp *http.Response, maxBytes int64) (json.RawMessage, error) {
	if maxBytes <= 0 {
		maxBytes = g.limits.JSONBytes
	}

	if maxBytes > g.limits.ResponseBytes {
		maxBytes = g.limits.ResponseBytes
	}

	body, err := readCapped(resp, maxBytes)
	if err != nil {
		return nil, err
	}

	if !json.Valid(body) {
		return nil, errs.Newf(errs.KindRemote, "response is not valid JSON: %s", sanitizePreview(body))
	}

	return json.RawMessage(body), nil
}

// ReadText streams the response body under maxBytes (or the configured
// text ceiling when maxBytes <= 0) and returns it as a sanitized
// string. On overflow the error carries a bounded prefix of what was
// read, to aid diagnosis without amplifying the exposure.
func (g *Guard) ReadText(resp *http.Response, maxBytes int64) (string, error) {
	if maxBytes <= 0 {
		maxBytes = g.limits.TextBytes
	}

	if maxBytes > g.limits.ResponseBytes {
		maxBytes = g.limits.ResponseBytes
	}

	body, err := readCapped(resp, maxBytes)
	if err != nil {
		return "", err
	}

	return sanitizeBody(body), nil
}

// readCapped streams resp.Body in fixed-size chunks until EOF or the
// ceiling is crossed. A Content-Length header already over the ceiling
// fails immediately without reading any body bytes.
func readCapped(resp *http.Response, maxBytes int64) ([]byte, error) {
	if resp.ContentLength > maxBytes {
		return nil, errs.Newf(errs.KindSizeLimit,
			"response declares %d bytes, exceeding the %d byte limit", resp.ContentLength, maxBytes)
	}

	var buf bytes.Buffer

	chunk := make([]byte, readChunkSize)

	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if int64(buf.Len()) > maxBytes {
				return nil, errs.Newf(errs.KindSizeLimit,
					"response exceeded the %d byte limit (read so far: %s)", maxBytes, sanitizePreview(buf.Bytes()))
			}
		}

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, errs.Wrap(errs.KindTransport, "reading response body", err)
		}
	}

	return buf.Bytes(), nil
}

// sanitizeBody replaces non-printable characters and invalid UTF-8 so
// the body can be safely embedded in error messages and logs.
func sanitizeBody(body []byte) string {
	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// sanitizePreview truncates to previewLen before sanitizing.
func sanitizePreview(body []byte) string {
	truncated := len(body) > previewLen
	if truncated {
		body = body[:previewLen]
	}

	s := sanitizeBody(body)
	if truncated {
		s += "..."
	}

	return s
}
