package runner

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout        = errors.New("command timed out")
	ErrUnavailable    = errors.New("capability unavailable")
	ErrInvalidCommand = errors.New("invalid command")
	ErrContainerdDown = errors.New("containerd unavailable")
)

// ExecError wraps errors with execution context.
type ExecError struct {
	ID  string
	Op  string // The operation that failed
	Err error
}

func (e *ExecError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("command %s: %s: %s", e.ID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable returns true if the error reports a missing capability.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
