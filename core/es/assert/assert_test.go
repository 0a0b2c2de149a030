package assert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssert(t *testing.T) {
	mustBeTrue := True(true, "must be true")
	require.True(t, mustBeTrue.Eval())
	require.NoError(t, mustBeTrue.Check())
	require.Equal(t, "must be true", mustBeTrue.String())

	mustBeFalse := False(false, "must be false")
	require.True(t, mustBeFalse.Eval())
	require.NoError(t, mustBeFalse.Check())

	require.NoError(t, All(mustBeTrue, mustBeFalse).Check())

	err := All(mustBeTrue, True(false, "balance must cover amount"), mustBeFalse).Check()
	require.ErrorIs(t, err, ErrViolation)

	var v *Violation
	require.ErrorAs(t, err, &v)
	require.Equal(t, "balance must cover amount", v.Rule)
}

func TestNot(t *testing.T) {
	c := Not(True(true, "open"))
	require.False(t, c.Eval())
	require.ErrorIs(t, c.Check(), ErrViolation)
	require.Equal(t, "not(open)", c.String())
}

func TestThat_lazy(t *testing.T) {
	n := 0
	c := That(func() bool { n++; return n > 1 }, "called twice")
	require.Equal(t, 0, n)
	require.ErrorIs(t, c.Check(), ErrViolation)
	require.NoError(t, c.Check())
}

func TestViolated(t *testing.T) {
	err := Violated("amount %d must be positive", -3)
	require.ErrorIs(t, err, ErrViolation)
	require.EqualError(t, err, "domain rule violation: amount -3 must be positive")
}
