package msgring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushPopOrder(t *testing.T) {
	r := New[int](4)
	require.True(t, r.Push(1))
	require.True(t, r.Push(2))
	require.True(t, r.Push(3))

	v, ok := r.Pop()
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = r.Pop()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestPushFullReturnsFalse(t *testing.T) {
	r := New[int](2)
	require.True(t, r.Push(1))
	require.True(t, r.Push(2))
	require.False(t, r.Push(3))
	require.Equal(t, 2, r.Len())
}

func TestPopEmptyReturnsFalse(t *testing.T) {
	r := New[int](2)
	_, ok := r.Pop()
	require.False(t, ok)
}

func TestWrapAround(t *testing.T) {
	r := New[int](3)
	require.True(t, r.Push(1))
	require.True(t, r.Push(2))
	v, _ := r.Pop()
	require.Equal(t, 1, v)
	require.True(t, r.Push(3))
	require.True(t, r.Push(4))

	var got []int
	for {
		v, ok := r.Pop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	require.Equal(t, []int{2, 3, 4}, got)
}

func TestNextPow2(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 5: 8, 8: 8, 9: 16}
	for in, want := range cases {
		require.Equal(t, want, NextPow2(in), "NextPow2(%d)", in)
	}
}
