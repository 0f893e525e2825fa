// Package metainfo implements the superblock-resident region -> opaque blob
// map (spec §4.3, C3). Pairs are gob-encoded exactly the way the teacher's
// storageMgr.handleUpdateIndexInstMap encodes IndexInstMap (bytes.Buffer +
// encoding/gob) before handing bytes to the metadata store, with the
// resulting bytes snappy-compressed before being written through the
// superblock's key-value slot — snappy is a teacher go.mod dependency never
// exercised by the retrieved files, so this is where it earns its keep.
package metainfo

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/golang/snappy"

	"github.com/couchbase/tablestore/region"
)

// Pair is the wire shape of one superblock key-value slot: a serialized
// region and its opaque blob, per spec §4.3/§6.
type Pair struct {
	Region region.Region
	Blob   []byte
}

// Map is an ordered region -> blob map whose domain, once `Update`d, must
// equal the universe (spec §3 invariant).
type Map struct {
	pairs []Pair
}

// NewUniverse returns a map with a single pair covering the whole universe.
func NewUniverse(blob []byte) Map {
	return Map{pairs: []Pair{{Region: region.Universe(), Blob: blob}}}
}

// Pairs returns the map's pairs in region order.
func (m Map) Pairs() []Pair {
	out := make([]Pair, len(m.pairs))
	copy(out, m.pairs)
	return out
}

// CheckUniverse verifies the domain is exactly the universe: no gaps, no
// overlaps. A violation is the fatal invariant violation spec §4.3 and §7
// call out.
func (m Map) CheckUniverse() error {
	if len(m.pairs) == 0 {
		return fmt.Errorf("metainfo: empty domain, expected universe")
	}
	sorted := append([]Pair(nil), m.pairs...)
	sort.Slice(sorted, func(i, j int) bool { return region.Less(sorted[i].Region.Start, sorted[j].Region.Start) })
	want := region.Universe().Start
	for _, p := range sorted {
		if p.Region.Start != want {
			return fmt.Errorf("metainfo: gap or overlap before region starting %x", p.Region.Start)
		}
		want = p.Region.End
	}
	if want != region.Universe().End {
		return fmt.Errorf("metainfo: domain ends at %x, short of universe", want)
	}
	return nil
}

// Update merges `patch` into m: patch regions overwrite any overlapping
// portion of existing regions; non-overlapping remainders of existing
// regions are kept (spec §4.3: "new regions overwrite overlapping old
// regions, ... merged map is re-emitted").
func (m Map) Update(patch Map) Map {
	remaining := append([]Pair(nil), m.pairs...)
	for _, p := range patch.pairs {
		remaining = subtractRegion(remaining, p.Region)
	}
	remaining = append(remaining, patch.pairs...)
	sort.Slice(remaining, func(i, j int) bool { return region.Less(remaining[i].Region.Start, remaining[j].Region.Start) })
	return Map{pairs: remaining}
}

// subtractRegion removes cut from every pair in pairs, splitting a pair into
// up to two remainders when cut lies strictly inside it.
func subtractRegion(pairs []Pair, cut region.Region) []Pair {
	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		overlap, ok := p.Region.Intersect(cut)
		if !ok {
			out = append(out, p)
			continue
		}
		if region.Less(p.Region.Start, overlap.Start) {
			out = append(out, Pair{Region: region.Region{Start: p.Region.Start, End: overlap.Start}, Blob: p.Blob})
		}
		if region.Less(overlap.End, p.Region.End) {
			out = append(out, Pair{Region: region.Region{Start: overlap.End, End: p.Region.End}, Blob: p.Blob})
		}
	}
	return out
}

// Mask returns the portion of m overlapping r, clipped to r's boundaries
// (spec §4.7 send_backfill: "read metainfo, mask to start_point's domain").
func (m Map) Mask(r region.Region) Map {
	var out []Pair
	for _, p := range m.pairs {
		overlap, ok := p.Region.Intersect(r)
		if !ok {
			continue
		}
		out = append(out, Pair{Region: overlap, Blob: p.Blob})
	}
	return Map{pairs: out}
}

// Equal reports whether two maps hold identical pairs, used by
// check_and_update_metainfo's no-op fast path (spec §8 property 5).
func (m Map) Equal(o Map) bool {
	a, b := m.Pairs(), o.Pairs()
	if len(a) != len(b) {
		return false
	}
	sort.Slice(a, func(i, j int) bool { return region.Less(a[i].Region.Start, a[j].Region.Start) })
	sort.Slice(b, func(i, j int) bool { return region.Less(b[i].Region.Start, b[j].Region.Start) })
	for i := range a {
		if a[i].Region != b[i].Region || !bytes.Equal(a[i].Blob, b[i].Blob) {
			return false
		}
	}
	return true
}

// Encode serializes the map for the superblock's metainfo slot.
func Encode(m Map) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m.pairs); err != nil {
		return nil, fmt.Errorf("metainfo: encode: %w", err)
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// Decode deserializes bytes previously produced by Encode. Failure here is
// the fatal corruption case spec §4.3/§7 describe.
func Decode(raw []byte) (Map, error) {
	if len(raw) == 0 {
		return Map{}, nil
	}
	plain, err := snappy.Decode(nil, raw)
	if err != nil {
		return Map{}, fmt.Errorf("metainfo: decompress: %w", err)
	}
	var pairs []Pair
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&pairs); err != nil {
		return Map{}, fmt.Errorf("metainfo: decode: %w", err)
	}
	return Map{pairs: pairs}, nil
}
