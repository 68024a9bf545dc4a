// internal/protocol/errors.go
package protocol

import (
	"errors"
	"fmt"

	"sniffer-bench/internal/model"
)

// Terminal channel states surface as these sentinel reasons so callers
// can tell an operator-driven close from a transport failure.
var (
	ErrNotConnected = errors.New("endpoint not connected")
	ErrDisconnected = errors.New("disconnected")
	ErrCancelled    = errors.New("cancelled")
)

// ConnectionError wraps an open/read/write failure on a serial port.
// Connection errors are never retried internally; recovery is the next
// discovery cycle's concern.
type ConnectionError struct {
	Op   string
	Path string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("serial %s failed on %s: %v", e.Op, e.Path, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// GuardError rejects an operation incompatible with the endpoint's
// current mode, before any I/O is attempted.
type GuardError struct {
	Role model.EndpointRole
	Mode Mode
	Op   string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s rejected: %s endpoint is in %s mode", e.Op, e.Role, e.Mode)
}
