package jpdb

import (
	"errors"
	"fmt"
)

// ErrNotImplemented is returned by operations the service only exposes
// through its HTML interface.
var ErrNotImplemented = errors.New("jpdb: not implemented")

// ErrNoToken is returned when the client has no API token configured.
var ErrNoToken = errors.New("jpdb: api token is not set")

// APIError is a non-2xx response. Message carries the service's
// error_message when the body had one.
type APIError struct {
	Status  int
	Path    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("jpdb: %s: HTTP %d", e.Path, e.Status)
	}
	return fmt.Sprintf("jpdb: %s: HTTP %d: %s", e.Path, e.Status, e.Message)
}
