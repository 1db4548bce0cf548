package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.class.String())
		})
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class ErrorClass
	}{
		{"adapter failure", ErrAdapterFailure, ErrorTransient},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
		{"capability violation", ErrCapabilityViolation, ErrorInvalid},
		{"duplicate sensor", fmt.Errorf("register: %w", ErrDuplicateSensor), ErrorInvalid},
		{"checksum", ErrChecksumMismatch, ErrorInvalid},
		{"resource exhausted", ErrResourceExhausted, ErrorFatal},
		{"classified fatal", WrapFatal(ErrInvalidData, "hub", "Subscribe", "allocate"), ErrorFatal},
		{"unknown message", fmt.Errorf("bus returned 0x7f"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, Classify(tt.err))
		})
	}
}

func TestIsHelpers_Nil(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsInvalid(nil))
	assert.False(t, IsFatal(nil))
}

func TestWrap_Format(t *testing.T) {
	err := Wrap(ErrSensorNotFound, "Registry", "Get", "lookup sensor")
	assert.Equal(t, "Registry.Get: lookup sensor failed: sensor not found", err.Error())
	assert.True(t, Is(err, ErrSensorNotFound))
	assert.Nil(t, Wrap(nil, "a", "b", "c"))
}

func TestWrapClassified_PreservesChain(t *testing.T) {
	err := WrapInvalid(ErrCapabilityViolation, "Registry", "Configure", "validate sampling rate")

	var ce *ClassifiedError
	require.True(t, As(err, &ce))
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "Registry", ce.Component)
	assert.Equal(t, "Configure", ce.Operation)
	assert.True(t, Is(err, ErrCapabilityViolation))
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))

	assert.True(t, IsTransient(WrapTransient(ErrInvalidData, "x", "y", "z")))
	assert.Nil(t, WrapTransient(nil, "x", "y", "z"))
	assert.Nil(t, WrapInvalid(nil, "x", "y", "z"))
	assert.Nil(t, WrapFatal(nil, "x", "y", "z"))
}

func TestRetryConfig(t *testing.T) {
	rc := DefaultRetryConfig()

	assert.True(t, rc.ShouldRetry(ErrAdapterFailure, 0))
	assert.False(t, rc.ShouldRetry(ErrAdapterFailure, 3))
	assert.False(t, rc.ShouldRetry(ErrCapabilityViolation, 0))
	assert.False(t, rc.ShouldRetry(nil, 0))

	cfg := rc.ToRetryConfig()
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.True(t, cfg.AddJitter)

	policy := rc.BackoffPolicy()
	assert.Equal(t, 5*time.Second, policy.MaxDelay)
	assert.Equal(t, 2.0, policy.Multiplier)
}
