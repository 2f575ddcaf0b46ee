// Package errs implements the error taxonomy of the ciphernode runtime:
// configuration, transient, validation, protocol and internal errors, each
// of which the supervisor and the individual actors handle differently.
package errs

import (
	"errors"
	"fmt"
)

// Category classifies an error for propagation-policy purposes.
type Category int

const (
	// Configuration errors are fatal at startup: missing file, malformed
	// YAML, missing secret.
	Configuration Category = iota
	// Transient errors are retried with backoff: RPC timeout, p2p
	// disconnect.
	Transient
	// Validation errors are dropped and reported via local telemetry:
	// share from a non-committee member, wrong chain id, bad signature.
	Validation
	// Protocol errors move an E3 to Failed: committee cannot be formed,
	// threshold not met before deadline.
	Protocol
	// Internal errors are fatal for the affected E3 context only:
	// persistence write failure, BFV primitive failure.
	Internal
)

func (c Category) String() string {
	switch c {
	case Configuration:
		return "configuration"
	case Transient:
		return "transient"
	case Validation:
		return "validation"
	case Protocol:
		return "protocol"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// categorized wraps an error with its propagation category.
type categorized struct {
	cat Category
	err error
}

func (c *categorized) Error() string { return fmt.Sprintf("%s: %v", c.cat, c.err) }
func (c *categorized) Unwrap() error { return c.err }

// Wrap tags err with the given category. Wrapping a nil error returns nil.
func Wrap(cat Category, err error) error {
	if err == nil {
		return nil
	}
	return &categorized{cat: cat, err: err}
}

// WrapF is Wrap with fmt.Errorf-style formatting of the underlying error.
func WrapF(cat Category, format string, args ...any) error {
	return Wrap(cat, fmt.Errorf(format, args...))
}

// CategoryOf returns the category attached to err, or Internal if err was
// never categorized (fail safe: unknown errors are treated as affecting only
// the local context, never silently ignored).
func CategoryOf(err error) Category {
	var c *categorized
	if errors.As(err, &c) {
		return c.cat
	}
	return Internal
}

func Is(err error, cat Category) bool {
	return CategoryOf(err) == cat
}

// Sentinel reasons used by protocol-category errors, matching spec.md §7 and
// §8's scenario suite literally.
var (
	ErrInsufficientCommittee = errors.New("InsufficientCommittee")
	ErrOnChainRejection      = errors.New("OnChainRejection")
	ErrInvalidShare          = errors.New("InvalidShare")
	ErrDeadlineExceeded      = errors.New("DeadlineExceeded")
)
