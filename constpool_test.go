package asmkit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstPoolAdd(t *testing.T) {
	p := NewConstPool()
	require.True(t, p.Empty())

	off := p.Add([]byte{1, 2, 3, 4})
	require.Equal(t, 0, off)
	require.Equal(t, 4, p.Size())
	require.Equal(t, 4, p.Alignment())

	// The same bytes share a slot.
	require.Equal(t, 0, p.Add([]byte{1, 2, 3, 4}))
	require.Equal(t, 4, p.Size())

	off = p.Add([]byte{5, 6, 7, 8, 9, 10, 11, 12})
	require.Equal(t, 8, off)
	require.Equal(t, 16, p.Size())
	require.Equal(t, 8, p.Alignment())
	require.False(t, p.Empty())
}

func TestConstPoolFill(t *testing.T) {
	p := NewConstPool()
	p.Add([]byte{0xAA})
	p.Add([]byte{0xBB, 0xCC})

	out := make([]byte, p.Size())
	for i := range out {
		out[i] = 0xFF
	}
	p.Fill(out)
	require.Equal(t, []byte{0xAA, 0, 0xBB, 0xCC}, out)
}

func TestConstPoolAlignmentCap(t *testing.T) {
	p := NewConstPool()
	p.Add(make([]byte, 24))
	require.Equal(t, 16, p.Alignment())
	require.Equal(t, 24, p.Size())
}
