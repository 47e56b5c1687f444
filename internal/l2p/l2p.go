// Package l2p implements the logical-to-physical address table: one
// atomic slot per LBA, accessed without locking (spec.md §5 "L2P table —
// individual entries accessed with atomic 32/64-bit loads/stores").
package l2p

import (
	"fmt"
	"sync/atomic"

	"github.com/open-channel/ocssd-ftl/internal/geometry"
)

// Table is a flat, fixed-size LBA->PPA map. Every slot starts at
// geometry.Invalid ("never written").
type Table struct {
	entries []atomic.Uint64
}

// New allocates a table of length entries, all initialized to Invalid.
func New(length uint64) *Table {
	t := &Table{entries: make([]atomic.Uint64, length)}
	for i := range t.entries {
		t.entries[i].Store(uint64(geometry.Invalid))
	}
	return t
}

// Len returns the table's fixed entry count (l2p_len).
func (t *Table) Len() uint64 { return uint64(len(t.entries)) }

func (t *Table) checkBounds(lba uint64) error {
	if lba >= uint64(len(t.entries)) {
		return fmt.Errorf("l2p: lba %d out of range [0,%d)", lba, len(t.entries))
	}
	return nil
}

// Get loads the current PPA mapped to lba.
func (t *Table) Get(lba uint64) (geometry.Addr, error) {
	if err := t.checkBounds(lba); err != nil {
		return geometry.Invalid, err
	}
	return geometry.Addr(t.entries[lba].Load()), nil
}

// Set unconditionally stores addr as lba's mapping.
func (t *Table) Set(lba uint64, addr geometry.Addr) error {
	if err := t.checkBounds(lba); err != nil {
		return err
	}
	t.entries[lba].Store(uint64(addr))
	return nil
}

// CompareAndSwap atomically replaces lba's mapping with newAddr only if it
// currently equals old, the primitive the write path's update_l2p and the
// read path's re-check-under-entry-lock steps are both built from.
func (t *Table) CompareAndSwap(lba uint64, old, newAddr geometry.Addr) (bool, error) {
	if err := t.checkBounds(lba); err != nil {
		return false, err
	}
	return t.entries[lba].CompareAndSwap(uint64(old), uint64(newAddr)), nil
}
