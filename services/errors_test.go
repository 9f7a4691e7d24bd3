package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorMessage(t *testing.T) {
	err := NewDomainError(ErrorTypeValidation, "message cannot be empty", nil)
	assert.Equal(t, "validation: message cannot be empty", err.Error())

	wrapped := NewDomainError(ErrorTypeUpstream, "connection refused", errors.New("dial tcp"))
	assert.Contains(t, wrapped.Error(), "dial tcp")
}

func TestDomainErrorIsMatchesOnType(t *testing.T) {
	err := Validationf("bad field %q", "model")
	assert.True(t, errors.Is(err, ErrEmptyMessage), "Is matches on type, not message")
	assert.True(t, errors.Is(err, &DomainError{Type: ErrorTypeValidation}))
	assert.False(t, errors.Is(err, &DomainError{Type: ErrorTypeUpstream}))
}

func TestDomainErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewDomainError(ErrorTypeInternal, "wrapper", cause)
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}

func TestWithDetail(t *testing.T) {
	err := Timeoutf("http://localhost:1234/v1", 30)
	details := GetErrorDetails(err)
	require.NotNil(t, details)
	assert.Equal(t, "http://localhost:1234/v1", details["endpoint"])
	assert.Equal(t, 30, details["timeout_seconds"])
}

func TestTypePredicates(t *testing.T) {
	cases := []struct {
		err  error
		pred func(error) bool
	}{
		{Validationf("x"), IsValidationError},
		{Configf("x"), IsConfigError},
		{Routingf("x"), IsRoutingError},
		{ErrNoHealthyEndpoints, IsNoHealthyEndpointsError},
		{Timeoutf("http://h/v1", 5), IsTimeoutError},
		{Upstreamf("http://h/v1", nil, "boom"), IsUpstreamError},
		{StreamInterruptedf("http://h/v1", 128, nil), IsStreamInterruptedError},
	}

	for i, tc := range cases {
		assert.True(t, tc.pred(tc.err), "case %d", i)
	}

	// A wrapped domain error still matches through errors.As.
	wrapped := fmt.Errorf("attempt 2: %w", Timeoutf("http://h/v1", 5))
	assert.True(t, IsTimeoutError(wrapped))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Timeoutf("http://h/v1", 5)))
	assert.True(t, IsRetryable(Upstreamf("http://h/v1", nil, "HTTP 502 from upstream")))

	assert.False(t, IsRetryable(Validationf("bad request")))
	assert.False(t, IsRetryable(Configf("bad config")))
	assert.False(t, IsRetryable(Routingf("unparseable")))
	assert.False(t, IsRetryable(ErrNoHealthyEndpoints))
	assert.False(t, IsRetryable(StreamInterruptedf("http://h/v1", 10, nil)))
	assert.False(t, IsRetryable(errors.New("plain error")))
}

func TestGetErrorTypeNonDomain(t *testing.T) {
	assert.Equal(t, ErrorType(""), GetErrorType(errors.New("plain")))
	assert.Nil(t, GetErrorDetails(errors.New("plain")))
}

func TestStreamInterruptedMessageIncludesBytes(t *testing.T) {
	err := StreamInterruptedf("http://localhost:8080/v1", 2048, nil)
	assert.Contains(t, err.Error(), "2048 bytes")
	assert.Contains(t, err.Error(), "http://localhost:8080/v1")
}
