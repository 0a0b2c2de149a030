package lineage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func seqIDs() IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("m%d", n)
	}
}

func TestRoot(t *testing.T) {
	g := NewGenerator(WithIDGenerator(seqIDs()))
	r := g.Root()
	require.Equal(t, "m1", r.MsgID())
	require.Equal(t, "m1", r.CorrelationID())
	require.Empty(t, r.CausationID())
	require.True(t, r.IsRoot())
	require.NoError(t, r.Validate())
}

func TestDerive_chain(t *testing.T) {
	g := NewGenerator(WithIDGenerator(seqIDs()))

	chain := []Lineage{g.Root()}
	for i := 0; i < 5; i++ {
		chain = append(chain, g.Derive(chain[len(chain)-1]))
	}

	correlation := chain[0].CorrelationID()
	for k := 1; k < len(chain); k++ {
		require.Equal(t, correlation, chain[k].CorrelationID())
		require.Equal(t, chain[k-1].MsgID(), chain[k].CausationID())
		require.False(t, chain[k].IsRoot())
		require.NoError(t, chain[k].Validate())
	}
}

func TestDerive_doesNotTouchSource(t *testing.T) {
	src := Root()
	before := src
	_ = Derive(src)
	_ = Derive(src)
	require.Equal(t, before, src)
}

func TestDerive_siblingsShareCause(t *testing.T) {
	cmd := Root()
	a, b := Derive(cmd), Derive(cmd)
	require.NotEqual(t, a.MsgID(), b.MsgID())
	require.Equal(t, cmd.MsgID(), a.CausationID())
	require.Equal(t, cmd.MsgID(), b.CausationID())
}

func TestDerive_zeroSourceStartsChain(t *testing.T) {
	require.True(t, Derive(Lineage{}).IsRoot())
	require.True(t, Derive(nil).IsRoot())
}

func TestRestore(t *testing.T) {
	l, err := Restore("b", "a", "a")
	require.NoError(t, err)
	require.Equal(t, "b", l.MsgID())

	_, err = Restore("", "a", "")
	require.ErrorIs(t, err, ErrInvalidLineage)

	_, err = Restore("b", "a", "")
	require.ErrorIs(t, err, ErrInvalidLineage)

	_, err = Restore("a", "x", "a")
	require.ErrorIs(t, err, ErrInvalidLineage)
}

func TestUUIDv7(t *testing.T) {
	g := NewGenerator(WithIDGenerator(UUIDv7()))
	r := g.Root()
	require.Len(t, r.MsgID(), 36)
}
