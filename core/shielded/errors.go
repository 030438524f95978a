package shielded

import (
	"errors"

	"golang.org/x/xerrors"
)

// Kinds of errors returned by the storage and the tree engine. Every error is
// tagged with one of them and can be tested with errors.Is.
var (
	// ErrInitialization is returned when a store cannot be opened or created.
	ErrInitialization = xerrors.New("initialization error")
	// ErrStatement is returned when a single read or write fails.
	ErrStatement = xerrors.New("statement error")
	// ErrTransaction is returned when a transaction fails to begin or commit.
	ErrTransaction = xerrors.New("transaction error")
	// ErrConsistency is returned when an invariant of the stored state is
	// violated.
	ErrConsistency = xerrors.New("consistency error")
	// ErrInput is returned when the caller provides malformed data.
	ErrInput = xerrors.New("input error")
)

type kindError struct {
	kind error
	err  error
}

func (e kindError) Error() string {
	return e.err.Error()
}

func (e kindError) Unwrap() error {
	return e.err
}

func (e kindError) Is(target error) bool {
	return target == e.kind
}

// Errorf formats an error of the given kind.
func Errorf(kind error, format string, args ...interface{}) error {
	return kindError{
		kind: kind,
		err:  xerrors.Errorf(format, args...),
	}
}

// Retryable returns true if the operation that returned the error may succeed
// when retried, after the store is diagnosed.
func Retryable(err error) bool {
	return errors.Is(err, ErrStatement) || errors.Is(err, ErrTransaction)
}
