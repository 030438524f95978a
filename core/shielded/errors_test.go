package shielded

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestErrorf(t *testing.T) {
	cause := xerrors.New("disk full")

	err := Errorf(ErrStatement, "failed to write: %w", cause)
	require.EqualError(t, err, "failed to write: disk full")
	require.True(t, errors.Is(err, ErrStatement))
	require.True(t, errors.Is(err, cause))
	require.False(t, errors.Is(err, ErrConsistency))

	wrapped := xerrors.Errorf("apply failed: %w", err)
	require.True(t, errors.Is(wrapped, ErrStatement))
	require.EqualError(t, wrapped, "apply failed: failed to write: disk full")
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(Errorf(ErrStatement, "oops")))
	require.True(t, Retryable(xerrors.Errorf("outer: %w", Errorf(ErrTransaction, "oops"))))
	require.False(t, Retryable(Errorf(ErrConsistency, "oops")))
	require.False(t, Retryable(Errorf(ErrInput, "oops")))
	require.False(t, Retryable(Errorf(ErrInitialization, "oops")))
	require.False(t, Retryable(xerrors.New("oops")))
}
