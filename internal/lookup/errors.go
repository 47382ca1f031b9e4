package lookup

import (
	"errors"
	"fmt"
)

var (
	ErrNoResponse        = errors.New("lookup: no response from the HTTP client")
	ErrMalformedResponse = errors.New("lookup: malformed or unexpected response")
)

// StatusError reports a non-2xx answer from a collaborator.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lookup: %s returned status %d", e.URL, e.StatusCode)
}

// IsClientError reports a 4xx status: the request itself is at fault.
func (e *StatusError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsServerError reports a 5xx status.
func (e *StatusError) IsServerError() bool {
	return e.StatusCode >= 500
}

// IsRedirect reports a 3xx status.
func (e *StatusError) IsRedirect() bool {
	return e.StatusCode >= 300 && e.StatusCode < 400
}

// IsClientError reports whether err carries a 4xx StatusError.
func IsClientError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.IsClientError()
}
