package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawValueCloneKeepsOriginal(t *testing.T) {
	v := NumericValue("111 hp", 82.77, "kW").WithOriginal(111, "hp")
	c := v.Clone()
	*v.Numeric = 1
	*v.OriginalNumeric = 2

	require.NotNil(t, c.OriginalNumeric)
	assert.Equal(t, 82.77, *c.Numeric)
	assert.Equal(t, 111.0, *c.OriginalNumeric)
	assert.Equal(t, "hp", c.OriginalUnit)
}

func TestRawValueSameComparesMetric(t *testing.T) {
	converted := NumericValue("111 hp", 82.77, "kW").WithOriginal(111, "hp")
	assert.True(t, converted.Same(NumericValue("82.77 kW", 82.77, "kW")))
}

func TestStatusErrorRestricted(t *testing.T) {
	for _, code := range []int{401, 403} {
		err := NewStatusError(code)
		assert.ErrorIs(t, err, ErrContentRestricted)
		assert.True(t, IsPermanent(err))
		assert.Equal(t, code, err.StatusCode)
	}
	assert.NotErrorIs(t, NewStatusError(404), ErrContentRestricted)
	assert.False(t, IsPermanent(NewStatusError(429)))
}
