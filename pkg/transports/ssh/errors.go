package ssh

import "fmt"

// TransportError wraps SSH transport failures with classification hints used
// by callers to decide between retry and abort.
type TransportError struct {
	// Op is the operation that failed.
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary marks failures that may succeed on retry.
	IsTemporary bool

	// IsAuthError marks authentication or authorization failures.
	IsAuthError bool
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }
