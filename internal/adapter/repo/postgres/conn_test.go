package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_InvalidDSN(t *testing.T) {
	_, err := NewPool(context.Background(), "://bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=postgres.parse_dsn")
}
