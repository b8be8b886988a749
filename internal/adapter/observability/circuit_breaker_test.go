package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("ctgov", 3, time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := cb.Call(func() error { return boom })
		require.ErrorIs(t, err, boom)
	}
	assert.True(t, cb.IsOpen())

	// blocked while open
	err := cb.Call(func() error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open")
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker("isrctn", 1, 10*time.Millisecond)
	_ = cb.Call(func() error { return errors.New("x") })
	require.True(t, cb.IsOpen())

	time.Sleep(15 * time.Millisecond)

	// three successful probes close the breaker
	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Call(func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("ctis", 1, 10*time.Millisecond)
	_ = cb.Call(func() error { return errors.New("x") })
	time.Sleep(15 * time.Millisecond)

	_ = cb.Call(func() error { return errors.New("still down") })
	assert.True(t, cb.IsOpen())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("euctr", 1, time.Hour)
	_ = cb.Call(func() error { return errors.New("x") })
	require.True(t, cb.IsOpen())
	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	require.NoError(t, cb.Call(func() error { return nil }))
}
