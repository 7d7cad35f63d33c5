package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// Kind classifies an error for HTTP mapping and logging.
type Kind string

const (
	KindBadRequest            Kind = "BadRequest"
	KindUnauthorized          Kind = "Unauthorized"
	KindTooManyRequests       Kind = "TooManyRequests"
	KindPayloadTooLarge       Kind = "PayloadTooLarge"
	KindUpstreamUnavailable   Kind = "UpstreamUnavailable"
	KindUpstreamTimeout       Kind = "UpstreamTimeout"
	KindUpstreamInvalidOutput Kind = "UpstreamInvalidOutput"
	KindInternal              Kind = "InternalError"
)

// Error is a coded application error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind with a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the kind from an error chain, defaulting to InternalError.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to its response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamInvalidOutput:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Redaction patterns compiled once. Anything matching is replaced before an
// error message is written to a response body.
var (
	secretRe = regexp.MustCompile(`(?i)\b(password|secret|token|key|credential|auth|bearer|api_key)\b[^\s"']*`)
	urlRe    = regexp.MustCompile(`\bhttps?://[^\s"']+`)
	pathRe   = regexp.MustCompile(`(?:^|[\s"'=])((?:/[\w.\-]+){2,})`)
)

// Redact scrubs credential-looking substrings, URLs and file paths from a
// message so upstream details never leak into client responses.
func Redact(message string) string {
	out := urlRe.ReplaceAllString(message, "[redacted-url]")
	out = secretRe.ReplaceAllString(out, "[redacted]")
	out = pathRe.ReplaceAllStringFunc(out, func(m string) string {
		loc := pathRe.FindStringSubmatchIndex(m)
		if loc == nil {
			return m
		}
		return m[:loc[2]] + "[redacted-path]"
	})
	return out
}
