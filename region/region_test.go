package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func keyAt(b byte) Key {
	var k Key
	k[0] = b
	return k
}

func TestUniverseIsUniverse(t *testing.T) {
	require.True(t, Universe().IsUniverse())
}

func TestContains(t *testing.T) {
	r := Region{Start: keyAt(10), End: keyAt(20)}
	require.True(t, r.Contains(keyAt(10)))
	require.True(t, r.Contains(keyAt(15)))
	require.False(t, r.Contains(keyAt(20))) // half-open
	require.False(t, r.Contains(keyAt(9)))
}

func TestContainsIncludesMaxKeyAtUniverseBoundary(t *testing.T) {
	var max Key
	for i := range max {
		max[i] = 0xff
	}
	require.True(t, Universe().Contains(max), "the maximum representable key must be covered by the region spanning the entire key space")

	r := Region{Start: keyAt(10), End: max}
	require.True(t, r.Contains(max))
	require.False(t, r.Contains(keyAt(9)))
}

func TestOverlaps(t *testing.T) {
	a := Region{Start: keyAt(0), End: keyAt(10)}
	b := Region{Start: keyAt(5), End: keyAt(15)}
	c := Region{Start: keyAt(10), End: keyAt(20)}

	require.True(t, a.Overlaps(b))
	require.False(t, a.Overlaps(c)) // adjacent, half-open: no overlap
}

func TestIntersect(t *testing.T) {
	a := Region{Start: keyAt(0), End: keyAt(10)}
	b := Region{Start: keyAt(5), End: keyAt(15)}

	got, ok := a.Intersect(b)
	require.True(t, ok)
	require.Equal(t, Region{Start: keyAt(5), End: keyAt(10)}, got)

	c := Region{Start: keyAt(10), End: keyAt(20)}
	_, ok = a.Intersect(c)
	require.False(t, ok)
}

func TestEmpty(t *testing.T) {
	require.True(t, Region{Start: keyAt(5), End: keyAt(5)}.Empty())
	require.False(t, Universe().Empty())
}
