// Package vldmap provides the valid-LBA bitmap primitives shared by band
// metadata and the relocation engine: a fixed-size bitset sized to a
// band's usable LBKs, plus the handful of operations the core needs on
// top of it.
package vldmap

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Map is a fixed-length bitmap over a band's LBK offsets. It is not
// internally synchronized; callers serialize access through the owning
// band's spinlock, matching spec.md's "vld_map ... protected by the
// band's spinlock" invariant.
type Map struct {
	bits *bitset.BitSet
	len  uint
}

// New allocates a zeroed map sized to hold n bits.
func New(n uint) *Map {
	return &Map{bits: bitset.New(n), len: n}
}

// Len returns the number of addressable bits.
func (m *Map) Len() uint { return m.len }

// Test reports whether bit i is set.
func (m *Map) Test(i uint) bool {
	return m.bits.Test(i)
}

// Set sets bit i.
func (m *Map) Set(i uint) {
	m.bits.Set(i)
}

// Clear clears bit i.
func (m *Map) Clear(i uint) {
	m.bits.Clear(i)
}

// ClearAll zeroes every bit.
func (m *Map) ClearAll() {
	m.bits.ClearAll()
}

// Count returns the number of set bits (the popcount used by P1:
// num_vld == popcount(vld_map)).
func (m *Map) Count() uint {
	return m.bits.Count()
}

// Clone returns an independent copy of m.
func (m *Map) Clone() *Map {
	return &Map{bits: m.bits.Clone(), len: m.len}
}

// Equal reports whether m and other have identical length and bits.
func (m *Map) Equal(other *Map) bool {
	if other == nil || m.len != other.len {
		return false
	}
	return m.bits.Equal(other.bits)
}

// MarshalBinary serializes the map for inclusion in tail metadata.
func (m *Map) MarshalBinary() ([]byte, error) {
	return m.bits.MarshalBinary()
}

// UnmarshalBinary restores a map previously produced by MarshalBinary. The
// map must already be sized via New; the restored bit length is checked
// against it.
func (m *Map) UnmarshalBinary(data []byte) error {
	restored := &bitset.BitSet{}
	if err := restored.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("vldmap: unmarshal: %w", err)
	}
	if restored.Len() != m.len {
		return fmt.Errorf("vldmap: length mismatch: map has %d bits, data has %d", m.len, restored.Len())
	}
	m.bits = restored
	return nil
}

// BinarySize returns the number of bytes MarshalBinary produces for a map
// of length n, used to size on-media metadata regions ahead of time.
func BinarySize(n uint) uint64 {
	tmp := bitset.New(n)
	data, _ := tmp.MarshalBinary()
	return uint64(len(data))
}
