package metainfo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/tablestore/region"
)

func keyAt(b byte) region.Key {
	var k region.Key
	k[0] = b
	return k
}

func TestNewUniverseCoversUniverse(t *testing.T) {
	m := NewUniverse([]byte("hello"))
	require.NoError(t, m.CheckUniverse())
}

func TestUpdateSplitsOverlappingRegion(t *testing.T) {
	base := NewUniverse([]byte("base"))

	patch := Map{pairs: []Pair{{
		Region: region.Region{Start: keyAt(10), End: keyAt(20)},
		Blob:   []byte("patched"),
	}}}

	merged := base.Update(patch)
	require.NoError(t, merged.CheckUniverse())

	var foundPatch bool
	for _, p := range merged.Pairs() {
		if p.Region.Start == keyAt(10) && p.Region.End == keyAt(20) {
			require.Equal(t, []byte("patched"), p.Blob)
			foundPatch = true
		}
	}
	require.True(t, foundPatch)
}

func TestUpdateNoOpWhenIdentical(t *testing.T) {
	base := NewUniverse([]byte("same"))
	merged := base.Update(base)
	require.True(t, merged.Equal(base))
}

func TestMaskClipsToRequestedRegion(t *testing.T) {
	base := NewUniverse([]byte("whole"))
	sub := region.Region{Start: keyAt(5), End: keyAt(15)}

	masked := base.Mask(sub)
	pairs := masked.Pairs()
	require.Len(t, pairs, 1)
	require.Equal(t, sub, pairs[0].Region)
	require.Equal(t, []byte("whole"), pairs[0].Blob)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := NewUniverse([]byte("payload"))
	raw, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.True(t, m.Equal(decoded))
}

func TestDecodeEmptyIsEmptyMap(t *testing.T) {
	decoded, err := Decode(nil)
	require.NoError(t, err)
	require.Empty(t, decoded.Pairs())
}
