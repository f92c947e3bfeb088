package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyBody is returned when a 2xx response that must carry a body has none.
	ErrEmptyBody = errors.New("gateway: empty response body")
	// ErrMalformedBody is returned when a 2xx response body cannot be decoded.
	ErrMalformedBody = errors.New("gateway: malformed response body")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	// Endpoint is the request path, e.g. "/newuser".
	Endpoint string
	// StatusCode is the HTTP status received.
	StatusCode int
	// Body is the beginning of the response body, for diagnostics.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Temporary reports whether the status suggests the call may succeed later.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
