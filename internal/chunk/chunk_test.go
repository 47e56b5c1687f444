package chunk

import (
	"testing"

	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/stretchr/testify/require"
)

func TestLifecycleTransitions(t *testing.T) {
	c := New(geometry.Addr(0), 0, 0)
	require.Equal(t, StateFree, c.State())
	require.True(t, c.IsOperational())

	require.NoError(t, c.SetState(StateOpen))
	require.NoError(t, c.SetState(StateClosed))
	require.NoError(t, c.SetState(StateFree))
}

func TestInvalidTransition(t *testing.T) {
	c := New(geometry.Addr(0), 0, 0)
	require.Error(t, c.SetState(StateClosed))
}

func TestBadFromAnyOperationalState(t *testing.T) {
	for _, start := range []State{StateFree, StateOpen, StateClosed} {
		c := New(geometry.Addr(0), 0, 0)
		c.state = start
		require.NoError(t, c.SetState(StateBad))
		require.Equal(t, StateBad, c.State())
		require.False(t, c.IsOperational())
	}
}

func TestBadIsTerminal(t *testing.T) {
	c := New(geometry.Addr(0), 0, 0)
	require.NoError(t, c.SetState(StateBad))
	require.Error(t, c.SetState(StateBad))
	require.Error(t, c.SetState(StateFree))
}

func TestVacantHasNoTransitions(t *testing.T) {
	c := New(geometry.Addr(0), 0, 0)
	c.state = StateVacant
	require.False(t, c.IsOperational())
	require.Error(t, c.SetState(StateBad))
	require.Error(t, c.SetState(StateOpen))
}
