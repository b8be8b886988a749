package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockKeyIsStable(t *testing.T) {
	assert.Equal(t, lockKey(schedulerLockName), lockKey(schedulerLockName))
	assert.NotEqual(t, lockKey(schedulerLockName), lockKey("globaltrial.other"))
	assert.NotZero(t, lockKey(schedulerLockName))
}
