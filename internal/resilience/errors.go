package resilience

import (
	"errors"
	"fmt"
)

// ErrMissingCredentials is wrapped when an adapter is asked to connect without its API key
var ErrMissingCredentials = errors.New("missing credentials")

// ConnectionError reports a failed dial or handshake against an upstream service
type ConnectionError struct {
	Service string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection failed: %v", e.Service, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError wraps err as a ConnectionError for service
func NewConnectionError(service string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectionError{Service: service, Err: err}
}

// IsConnectionError checks if an error is a ConnectionError
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
