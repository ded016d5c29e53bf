package models

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind categorizes transport failures for handling.
type ErrorKind int

const (
	// KindConnection is a failure to reach the service or to read from it mid-stream.
	KindConnection ErrorKind = iota
	// KindStatus is a non-2xx HTTP status.
	KindStatus
	// KindTimeout means the configured request timeout elapsed.
	KindTimeout
	// KindNoBody means the service answered without a readable body.
	KindNoBody
	// KindService is an error reported by the service inside an otherwise successful stream.
	KindService
	// KindDecode is a single-shot response body that could not be decoded.
	KindDecode
)

// TransportError is the fatal error of a single call to the inference service. It terminates the current
// exchange but never corrupts the transcript: whatever partial content was applied before the failure is kept.
type TransportError struct {
	Kind ErrorKind
	// Op names the call that failed, e.g. "chat" or "list models".
	Op string
	// StatusCode is the HTTP status code. It is 0 when the request failed before receiving a response.
	StatusCode int
	// Message is the service's own error text when it provided one.
	Message string
	Cause   error
}

func (e *TransportError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	switch e.Kind {
	case KindStatus:
		sb.WriteString(fmt.Sprintf("http %d", e.StatusCode))
		if t := http.StatusText(e.StatusCode); t != "" {
			sb.WriteString(" ")
			sb.WriteString(t)
		}
	case KindTimeout:
		sb.WriteString("request timed out")
	case KindNoBody:
		sb.WriteString("no response body")
	case KindService:
		sb.WriteString("service error")
	case KindDecode:
		sb.WriteString("invalid response")
	default:
		sb.WriteString("request failed")
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *TransportError) Unwrap() error { return e.Cause }

// AsTransportError extracts a *TransportError from err's chain.
func AsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	te, ok := AsTransportError(err)
	return ok && te.Kind == KindTimeout
}

// IsHTTPStatus reports whether err is a transport error carrying the given status code.
func IsHTTPStatus(err error, code int) bool {
	te, ok := AsTransportError(err)
	return ok && te.Kind == KindStatus && te.StatusCode == code
}
