package proactor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestErrorFromErrno(t *testing.T) {
	assert.NoError(t, errorFromErrno("noop", nil))
	assert.NoError(t, errorFromErrno("noop", unix.Errno(0)))

	err := errorFromErrno("connect", unix.ECONNREFUSED)
	require.Error(t, err)
	assert.True(t, errors.Is(err, unix.ECONNREFUSED))
	assert.Equal(t, int(unix.ECONNREFUSED), errorCode(err))
	assert.Contains(t, err.Error(), "connect: ")

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.True(t, e.Failed())
}

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, 0, errorCode(nil))
	assert.Equal(t, CodeInvalidArgument, errorCode(invalidArgument("bad port %d", 70000)))
	assert.Equal(t, CodeUnknown, errorCode(errors.New("plain")))
	assert.Equal(t, CodeUnknown, errorCode(errorFromErrno("wrapped", errors.New("not an errno"))))

	var e *Error
	assert.False(t, e.Failed())
	assert.Nil(t, (&Error{Code: CodeInvalidArgument}).Unwrap())
}
