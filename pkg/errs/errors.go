// Package errs defines the two error shapes surfaced to API callers.
//
// A DomainError is an expected fault: unknown collection, duplicate
// collection, a rejected query. An Invariant is a programmer error, such as
// an invalid blob key. Both translate to HTTP 400 but only domain errors are
// worth retrying.
package errs

import (
	"errors"
	"fmt"
)

// DomainError is an expected fault surfaced to the caller.
type DomainError struct {
	msg string
}

func (e *DomainError) Error() string { return e.msg }

// Domain builds a DomainError with a formatted message.
func Domain(format string, args ...interface{}) error {
	return &DomainError{msg: fmt.Sprintf(format, args...)}
}

// IsDomain reports whether err is (or wraps) a DomainError.
func IsDomain(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

// InvariantError signals a violated precondition, e.g. a blob key with
// characters outside [A-Za-z0-9_-].
type InvariantError struct {
	msg string
}

func (e *InvariantError) Error() string { return e.msg }

// Invariant builds an InvariantError with a formatted message.
func Invariant(format string, args ...interface{}) error {
	return &InvariantError{msg: fmt.Sprintf(format, args...)}
}

// IsInvariant reports whether err is (or wraps) an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
