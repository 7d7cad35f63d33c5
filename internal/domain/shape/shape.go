// Package shape extracts the response-shape hint and its embedded control
// hints ($cache, $error) from an incoming request.
package shape

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/mocksmith/mocksmith/internal/domain/jsontree"
)

// Header and query names understood by the extractor.
const (
	QueryParam = "shape"
	Header     = "X-Response-Shape"
)

// ErrorConfig is a client-requested simulated error, parsed from the
// $error hint. The response is produced verbatim instead of calling the
// LLM.
type ErrorConfig struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"` // raw JSON, may be empty
}

// Info is the extracted shape plus control hints, passed through the
// pipeline once per request.
type Info struct {
	Shape        string
	IsJSONSchema bool
	CacheCount   int // 0 = use default
	ErrorConfig  *ErrorConfig
}

// HasShape reports whether a usable shape string was found.
func (i Info) HasShape() bool { return i.Shape != "" }

var cacheHintRe = regexp.MustCompile(`\$cache\s*:\s*(\d+)`)

// Extract pulls the shape from, in order: the ?shape= query parameter, the
// X-Response-Shape header, then the top-level "shape" property of a JSON
// body. Hints are stripped from the returned shape. cacheLimit clamps the
// parsed $cache count.
//
// Extraction failures never fail the request: a malformed shape degrades
// to "no shape".
func Extract(r *http.Request, body []byte, cacheLimit int) Info {
	raw := r.URL.Query().Get(QueryParam)
	if raw == "" {
		raw = r.Header.Get(Header)
	}
	if raw == "" && len(body) > 0 && isJSONContent(r.Header.Get("Content-Type")) {
		if v, err := jsontree.Parse(body); err == nil {
			if s := v.Field("shape"); !s.IsNull() {
				if s.Kind() == jsontree.Str {
					raw = s.Str()
				} else {
					// Preserve the raw JSON of a structured shape property.
					raw = string(s.Encode())
				}
			}
		}
	}
	if strings.TrimSpace(raw) == "" {
		return Info{}
	}
	return parseShape(raw, cacheLimit)
}

// parseShape splits control hints out of the shape text.
func parseShape(raw string, cacheLimit int) Info {
	info := Info{}

	if v, err := jsontree.Parse([]byte(raw)); err == nil && v.Kind() == jsontree.Obj {
		// Structured shape: lift hints out of the object itself.
		if c := v.Field("$cache"); !c.IsNull() {
			info.CacheCount = clampCache(int(c.Int()), cacheLimit)
			v.Delete("$cache")
		}
		if e := v.Field("$error"); !e.IsNull() {
			info.ErrorConfig = parseErrorConfig(e)
			v.Delete("$error")
		}
		if v.Len() > 0 {
			info.Shape = string(v.Encode())
			info.IsJSONSchema = looksLikeSchema(v)
		}
		return info
	}

	// Descriptive (non-JSON) shape: textual $cache:N and $error:{…} hints.
	if ec, stripped, ok := errorHint(raw); ok {
		info.ErrorConfig = ec
		raw = stripped
	}
	if m := cacheHintRe.FindStringSubmatch(raw); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			info.CacheCount = clampCache(n, cacheLimit)
		}
		raw = strings.TrimSpace(cacheHintRe.ReplaceAllString(raw, ""))
	}
	info.Shape = raw
	return info
}

// errorHint locates a textual $error:{…} hint, returning the parsed
// config and the shape with the hint removed.
func errorHint(raw string) (*ErrorConfig, string, bool) {
	i := strings.Index(raw, "$error")
	if i < 0 {
		return nil, raw, false
	}
	j := i + len("$error")
	for j < len(raw) && (raw[j] == ' ' || raw[j] == '\t') {
		j++
	}
	if j >= len(raw) || raw[j] != ':' {
		return nil, raw, false
	}
	j++
	for j < len(raw) && (raw[j] == ' ' || raw[j] == '\t') {
		j++
	}
	if j >= len(raw) || raw[j] != '{' {
		return nil, raw, false
	}
	end := matchBrace(raw, j)
	if end < 0 {
		return nil, raw, false
	}
	v, err := jsontree.Parse([]byte(raw[j : end+1]))
	if err != nil {
		return nil, raw, false
	}
	return parseErrorConfig(v), strings.TrimSpace(raw[:i] + raw[end+1:]), true
}

// matchBrace returns the index of the brace closing raw[start], honoring
// JSON string literals, or -1 when unbalanced.
func matchBrace(raw string, start int) int {
	depth := 0
	inStr := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inStr {
			switch c {
			case '\\':
				i++
			case '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func clampCache(n, limit int) int {
	if n < 0 {
		return 0
	}
	if limit > 0 && n > limit {
		return limit
	}
	return n
}

func parseErrorConfig(v *jsontree.Value) *ErrorConfig {
	ec := &ErrorConfig{}
	if s := v.Field("status"); !s.IsNull() {
		ec.Status = int(s.Int())
	} else if c := v.Field("code"); !c.IsNull() {
		ec.Status = int(c.Int())
	}
	if ec.Status < 100 || ec.Status > 599 {
		ec.Status = http.StatusInternalServerError
	}
	ec.Message = v.Field("message").Str()
	if d := v.Field("details"); !d.IsNull() {
		ec.Details = string(d.Encode())
	}
	return ec
}

// looksLikeSchema treats the shape as a JSON schema when the outer object
// carries "type" or "properties"; otherwise it is a descriptive example.
func looksLikeSchema(v *jsontree.Value) bool {
	return !v.Field("type").IsNull() || !v.Field("properties").IsNull()
}

// Body renders a simulated-error response document.
func (ec *ErrorConfig) Body() []byte {
	obj := jsontree.NewObj()
	obj.Set("error", jsontree.NewStr("SimulatedError"))
	msg := ec.Message
	if msg == "" {
		msg = http.StatusText(ec.Status)
	}
	obj.Set("message", jsontree.NewStr(msg))
	if ec.Details != "" {
		if d, err := jsontree.Parse([]byte(ec.Details)); err == nil {
			obj.Set("details", d)
		}
	}
	return obj.Encode()
}

// Volatile query parameters excluded from the request fingerprint. These
// alter delivery, not the synthesized payload.
var volatileParams = map[string]bool{
	"context": true, "backend": true, "sseMode": true, "continuous": true,
	"interval": true, "maxDuration": true, "n": true, "rateLimit": true,
	"strategy": true, "autoChunk": true, "includeSchema": true,
	"count": true, "tools": true,
}

// Fingerprint returns the stable cache/statistics key for
// (method, normalized path, canonicalized shape).
func Fingerprint(method, path, canonicalShape string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(normalizePath(path)))
	h.Write([]byte{0})
	h.Write([]byte(canonicalShape))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// FingerprintForRequest normalizes the request's own shape before hashing.
func FingerprintForRequest(method, path string, info Info) string {
	return Fingerprint(method, path, canonicalize(info.Shape))
}

// canonicalize re-encodes a JSON shape compactly so whitespace variants
// collide; non-JSON shapes are trimmed.
func canonicalize(shape string) string {
	if shape == "" {
		return ""
	}
	if v, err := jsontree.Parse([]byte(shape)); err == nil {
		return string(v.Encode())
	}
	return strings.Join(strings.Fields(shape), " ")
}

func normalizePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return strings.TrimRight(path, "/")
}

// StripVolatile returns the query string without delivery-control
// parameters, for logging and path normalization.
func StripVolatile(query map[string][]string) map[string][]string {
	out := make(map[string][]string, len(query))
	for k, vs := range query {
		if volatileParams[k] || k == QueryParam {
			continue
		}
		out[k] = vs
	}
	return out
}

func isJSONContent(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	return strings.HasPrefix(ct, "application/json")
}
