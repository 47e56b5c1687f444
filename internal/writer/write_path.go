package writer

import (
	"fmt"

	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/open-channel/ocssd-ftl/internal/rwb"
)

// Write admits one LBK-sized block into the RWB (spec.md §4.6). typ
// selects the admission-control bucket; weak marks a relocation copy,
// whose L2P update is dropped if the source address it copied is no
// longer valid by the time this write commits.
func (c *Core) Write(lba uint64, data []byte, typ rwb.AdmissionType, weak bool, md []byte) error {
	return c.write(lba, data, typ, weak, md, nil)
}

// WriteWithCallback is Write, but invokes settled exactly once this LBA's
// admission has settled: nil once the underlying batch write completes
// (whether or not a weak write's L2P update was dropped as stale). A
// failed batch write is resubmitted, not reported, so settled never
// receives a write error; if admission itself fails, the error is
// returned and settled is not called. internal/reloc uses this to learn
// when a relocated LBK has actually landed before freeing its source band.
func (c *Core) WriteWithCallback(lba uint64, data []byte, typ rwb.AdmissionType, weak bool, md []byte, settled func(error)) error {
	return c.write(lba, data, typ, weak, md, settled)
}

func (c *Core) write(lba uint64, data []byte, typ rwb.AdmissionType, weak bool, md []byte, settled func(error)) error {
	if uint64(len(data)) != c.blockSize {
		return fmt.Errorf("writer: write: data length %d != block size %d", len(data), c.blockSize)
	}

	entry, err := c.rwb.Acquire(typ)
	if err != nil {
		return err
	}

	c.evictPriorRole(entry)

	entry.Lock()
	copy(entry.Data, data)
	entry.LBA = lba
	if md != nil {
		entry.MD = md
	}
	if weak {
		entry.Flags |= rwb.FlagWeak
	}
	entry.OnSettle = settled
	entry.Unlock()

	c.updateL2P(entry, lba, weak)

	return c.rwb.Push(entry)
}

// evictPriorRole clears out whatever cache role entry held from its
// previous lifetime in the RWB arena (spec.md §4.6 step 2).
func (c *Core) evictPriorRole(entry *rwb.Entry) {
	entry.Lock()
	prevLBA := entry.LBA
	prevPPA := entry.PPA
	wasValid := entry.IsValid()
	entry.Unlock()

	if prevLBA == geometry.InvalidLBA {
		return
	}

	cachedForm := geometry.CachedAddr(entry.Pos)
	if wasValid {
		cur, err := c.l2p.Get(prevLBA)
		if err == nil && cur == cachedForm {
			_, _ = c.l2p.CompareAndSwap(prevLBA, cachedForm, prevPPA)
		} else if !prevPPA.IsInvalid() && !prevPPA.IsCached() {
			if b := c.BandByAddr(prevPPA); b != nil {
				_ = b.Invalidate(prevPPA)
			}
		}
	} else if !prevPPA.IsInvalid() && !prevPPA.IsCached() {
		if b := c.BandByAddr(prevPPA); b != nil {
			_ = b.Invalidate(prevPPA)
		}
	}

	entry.Lock()
	entry.SetValid(false)
	entry.Unlock()
}

// updateL2P installs entry's cached address as lba's mapping (spec.md
// §4.6 step 4), reconciling whatever the LBA previously mapped to.
func (c *Core) updateL2P(entry *rwb.Entry, lba uint64, weak bool) {
	cached := geometry.CachedAddr(entry.Pos)

	for {
		prev, err := c.l2p.Get(lba)
		if err != nil {
			return
		}

		switch {
		case prev.IsInvalid():
			if ok, _ := c.l2p.CompareAndSwap(lba, prev, cached); ok {
				return
			}

		case prev.IsCached():
			prevEntry, ok := c.rwb.EntryFromOffset(prev.CacheOffset())
			if !ok {
				if ok, _ := c.l2p.CompareAndSwap(lba, prev, cached); ok {
					return
				}
				continue
			}
			prevEntry.Lock()
			cur, _ := c.l2p.Get(lba)
			if cur != prev {
				prevEntry.Unlock()
				continue
			}
			prevEntry.SetValid(false)
			prevEntry.Unlock()
			if ok, _ := c.l2p.CompareAndSwap(lba, prev, cached); ok {
				return
			}

		default: // on-disk
			var wasValid bool
			if b := c.BandByAddr(prev); b != nil {
				wasValid, _ = b.ValidAt(prev)
				_ = b.Invalidate(prev)
			}
			if weak && !wasValid {
				// stale relocation copy of an already-overwritten LBA:
				// drop the write silently, leaving L2P untouched.
				return
			}
			if ok, _ := c.l2p.CompareAndSwap(lba, prev, cached); ok {
				return
			}
		}
	}
}
