package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalPair(t *testing.T) {
	a, b := CanonicalPair("isrctn:ISRCTN1", "ctgov:NCT1")
	assert.Equal(t, "ctgov:NCT1", a)
	assert.Equal(t, "isrctn:ISRCTN1", b)

	// already ordered stays put
	a, b = CanonicalPair("ctgov:NCT1", "isrctn:ISRCTN1")
	assert.Equal(t, "ctgov:NCT1", a)
	assert.Equal(t, "isrctn:ISRCTN1", b)
}

func TestVerdictFor(t *testing.T) {
	cases := []struct {
		score   float64
		verdict DupVerdict
		ok      bool
	}{
		{1.0, DupExact, true},
		{0.95, DupExact, true},
		{0.9499, DupFuzzy, true},
		{0.90, DupFuzzy, true},
		{0.8999, DupProbable, true},
		{0.85, DupProbable, true},
		{0.8499, "", false},
		{0, "", false},
	}
	for _, c := range cases {
		v, ok := VerdictFor(c.score)
		assert.Equal(t, c.ok, ok, "score %v", c.score)
		assert.Equal(t, c.verdict, v, "score %v", c.score)
	}
}
