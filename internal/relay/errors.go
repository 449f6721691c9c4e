package relay

import (
	"errors"
	"fmt"
)

var (
	errUpstreamTimeout  = errors.New("relay: upstream timed out")
	errResponseTooLarge = errors.New("relay: upstream response too large")
)

// UnreachableError reports a transport-level failure reaching the upstream.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("relay: upstream unreachable: %v", e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// UpstreamError carries a non-success upstream response, passed through unmodified.
type UpstreamError struct {
	Status      int
	ContentType string
	Body        []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("relay: upstream returned status %d", e.Status)
}
