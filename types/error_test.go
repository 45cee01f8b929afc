package types

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	err := NewError(ErrQueueFull, "server is overloaded")
	assert.Equal(t, "[QUEUE_FULL] server is overloaded", err.Error())

	cause := errors.New("admission rejected")
	err = err.WithCause(cause)
	assert.Equal(t, "[QUEUE_FULL] server is overloaded: admission rejected", err.Error())
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("upstream refused")
	err := NewError(ErrInternalError, "inference failed").WithCause(cause)

	require.ErrorIs(t, err, cause)

	var target *Error
	require.ErrorAs(t, error(err), &target)
	assert.Equal(t, ErrInternalError, target.Code)
}

func TestError_Builders(t *testing.T) {
	err := NewError(ErrQueueTimeout, "timed out waiting for a slot").
		WithHTTPStatus(http.StatusTooManyRequests).
		WithRetryable(true).
		WithModel("embed-a")

	assert.Equal(t, http.StatusTooManyRequests, err.HTTPStatus)
	assert.True(t, err.Retryable)
	assert.Equal(t, "embed-a", err.Model)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrQueueFull, "x").WithRetryable(true)))
	assert.False(t, IsRetryable(NewError(ErrInvalidRequest, "x")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrModelNotFound, GetErrorCode(NewError(ErrModelNotFound, "x")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}
