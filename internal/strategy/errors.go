package strategy

import (
	"errors"
	"fmt"
)

// ErrTransport marks a failure to get any response from the network
// (timeout, DNS, connection refused, body cut off). HTTP error statuses
// are not transport failures.
var ErrTransport = errors.New("transport failure")

func transportError(err error) error {
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// DeferredError is returned when a failed write has been handed to the
// sync queue. Tag identifies the queued task.
type DeferredError struct {
	Tag string
	Err error
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("deferred as %s: %v", e.Tag, e.Err)
}

func (e *DeferredError) Unwrap() error { return e.Err }
