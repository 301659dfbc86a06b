package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsStatus(t *testing.T) {
	err := &APIError{StatusCode: 404, Message: "gone"}
	require.True(t, IsStatus(err, 404))
	require.False(t, IsStatus(err, 500))

	wrapped := fmt.Errorf("calling remote: %w", err)
	require.True(t, IsStatus(wrapped, 404))

	require.False(t, IsStatus(errors.New("plain"), 404))
}

func TestIsNotFound(t *testing.T) {
	require.True(t, IsNotFound(&NotFoundError{Resource: "sandbox x"}))
	require.True(t, IsNotFound(&APIError{StatusCode: 404}))
	require.False(t, IsNotFound(&APIError{StatusCode: 500}))
	require.False(t, IsNotFound(ErrTimeout))
}

func TestProtocolErrorUnwrap(t *testing.T) {
	cause := errors.New("unexpected token")
	err := &ProtocolError{Reason: "decoding process event", Err: cause}

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "decoding process event")
	require.Contains(t, err.Error(), "unexpected token")

	bare := &ProtocolError{Reason: "unrecognized event"}
	require.Equal(t, "protocol error: unrecognized event", bare.Error())
}

func TestSentinelsWrap(t *testing.T) {
	err := fmt.Errorf("%w: run exceeded 60s", ErrTimeout)
	require.ErrorIs(t, err, ErrTimeout)
}
