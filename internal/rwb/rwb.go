// Package rwb implements the ring write buffer: batched write absorption
// with reservation, fill, pop, and revert, plus per-type admission limits
// (spec.md §4.4).
package rwb

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/open-channel/ocssd-ftl/internal/iobuf"
	"github.com/open-channel/ocssd-ftl/internal/msgring"
)

// AdmissionType distinguishes user-originated writes from internally
// generated ones (relocation, padding); only USER writes are subject to
// the admission-control limit.
type AdmissionType int

const (
	AdmissionUser AdmissionType = iota
	AdmissionInternal
)

// EntryFlag marks auxiliary entry properties.
type EntryFlag uint32

const (
	// FlagPad marks a dummy entry pushed only to force a partially-filled
	// batch to completion (spec.md §4.4's padding rule).
	FlagPad EntryFlag = 1 << iota
	// FlagWeak marks a relocation write that must be dropped at commit
	// time if the source address it copied is no longer valid.
	FlagWeak
)

// Entry is one LBK slot of a batch's write-absorption state. Entry
// carries its own spinlock so cache-read/L2P-transition races can be
// serialized without taking the whole RWB's lock.
type Entry struct {
	mu sync.Mutex

	LBA   uint64
	PPA   geometry.Addr
	Pos   uint64 // batch_index*xferSize + slot, stable for the entry's lifetime
	Flags EntryFlag
	Type  AdmissionType
	Data  []byte
	MD    []byte

	// OnSettle, if set, is invoked exactly once when this admission
	// settles: with nil once its batch write lands (including when a
	// stale weak write's L2P update is dropped). A failed batch write is
	// reverted and resubmitted, so OnSettle is never called with a write
	// error. Callers that don't need to know (the common case) leave it nil.
	OnSettle func(error)

	valid atomic.Bool
	batch *Batch
}

// Lock and Unlock expose the entry's spinlock to callers that must
// serialize a cache read against an L2P transition (spec.md §4.5/§4.6).
func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// IsValid reports whether the entry's batch has been assigned device
// PPAs but not yet observed a completion.
func (e *Entry) IsValid() bool   { return e.valid.Load() }
func (e *Entry) SetValid(v bool) { e.valid.Store(v) }

// Batch is a group of exactly xfer_size entries sharing one data buffer.
type Batch struct {
	Index   int
	Data    []byte
	MD      []byte
	Entries []*Entry

	numAcquired atomic.Uint32
	numReady    atomic.Uint32
}

// NumAcquired and NumReady expose the batch's fill counters for tests and
// trace.
func (b *Batch) NumAcquired() uint32 { return b.numAcquired.Load() }
func (b *Batch) NumReady() uint32    { return b.numReady.Load() }

// RWB is the ring write buffer: a fixed arena of batches plus admission
// bookkeeping.
type RWB struct {
	mu sync.Mutex // guards current-batch selection and the free list

	xferSize  uint64
	blockSize uint64

	batches []*Batch
	free    []*Batch
	current *Batch

	submit *msgring.Ring[*Batch]

	entriesByPos []*Entry // dense, indexed directly by Entry.Pos

	acquiredUser     atomic.Uint32
	acquiredInternal atomic.Uint32
	limitUser        atomic.Uint32
	limitInternal    atomic.Uint32
}

// decrement subtracts 1 from an atomic.Uint32 via twos-complement wrap,
// the idiomatic pattern for atomic.Uint32.Add-based decrement.
func decrement(c *atomic.Uint32) { c.Add(^uint32(0)) }

// New builds an RWB sized to hold sizeBytes worth of batches, each
// xferSize LBKs of blockSize bytes. Buffers are drawn from pool.
func New(sizeBytes, xferSize, blockSize uint64, pool *iobuf.Pool) (*RWB, error) {
	if xferSize == 0 || blockSize == 0 {
		return nil, fmt.Errorf("rwb: xfer_size and block_size must be nonzero")
	}
	batchBytes := xferSize * blockSize
	numBatches := sizeBytes / batchBytes
	if numBatches == 0 {
		return nil, fmt.Errorf("rwb: rwb_size %d too small for one batch of %d bytes", sizeBytes, batchBytes)
	}

	r := &RWB{
		xferSize:     xferSize,
		blockSize:    blockSize,
		batches:      make([]*Batch, numBatches),
		entriesByPos: make([]*Entry, numBatches*xferSize),
		submit:       msgring.New[*Batch](msgring.NextPow2(int(numBatches))),
	}
	r.limitUser.Store(uint32(numBatches * xferSize))
	r.limitInternal.Store(uint32(numBatches * xferSize))

	for i := uint64(0); i < numBatches; i++ {
		data := pool.Get(int(batchBytes))
		b := &Batch{Index: int(i), Data: data, Entries: make([]*Entry, xferSize)}
		for slot := uint64(0); slot < xferSize; slot++ {
			pos := i*xferSize + slot
			e := &Entry{
				Pos:   pos,
				PPA:   geometry.Invalid,
				LBA:   geometry.InvalidLBA,
				Data:  data[slot*blockSize : (slot+1)*blockSize],
				batch: b,
			}
			b.Entries[slot] = e
			r.entriesByPos[pos] = e
		}
		r.batches[i] = b
		r.free = append(r.free, b)
	}

	return r, nil
}

// TotalEntries returns the RWB's fixed entry count (num_batches * xfer_size),
// the rwb_entry_count used by the admission controller's percentage limits.
func (r *RWB) TotalEntries() uint32 {
	return uint32(len(r.entriesByPos))
}

// NumBatches returns the RWB's fixed batch count.
func (r *RWB) NumBatches() int { return len(r.batches) }

// Batches returns every batch in the arena, in index order. Used by flush
// (spec.md §4.10) to scan for non-empty batches without draining the
// submit ring.
func (r *RWB) Batches() []*Batch {
	out := make([]*Batch, len(r.batches))
	copy(out, r.batches)
	return out
}

// SetLimits installs new typed acquired-count ceilings (called by the
// admission controller whenever the free-band count changes).
func (r *RWB) SetLimits(userLimit, internalLimit uint32) {
	r.limitUser.Store(userLimit)
	r.limitInternal.Store(internalLimit)
}

func (r *RWB) popFreeLocked() (*Batch, bool) {
	n := len(r.free)
	if n == 0 {
		return nil, false
	}
	b := r.free[n-1]
	r.free = r.free[:n-1]
	return b, true
}

// Acquire reserves the next entry slot for typ, pulling a fresh batch
// from the free list if needed. It returns an error if the typed
// admission limit has been reached or no free batch is available.
func (r *RWB) Acquire(typ AdmissionType) (*Entry, error) {
	counter, limit := &r.acquiredInternal, r.limitInternal.Load()
	if typ == AdmissionUser {
		counter, limit = &r.acquiredUser, r.limitUser.Load()
	}
	if counter.Load() >= limit {
		return nil, fmt.Errorf("rwb: acquire: %s admission limit reached", typeName(typ))
	}

	r.mu.Lock()
	if r.current == nil {
		b, ok := r.popFreeLocked()
		if !ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("rwb: acquire: no free batch available")
		}
		r.current = b
	}

	slot := r.current.numAcquired.Load()
	entry := r.current.Entries[slot]
	r.current.numAcquired.Add(1)
	if r.current.numAcquired.Load() == uint32(r.xferSize) {
		r.current = nil
	}
	r.mu.Unlock()

	counter.Add(1)

	entry.mu.Lock()
	entry.LBA = geometry.InvalidLBA
	entry.PPA = geometry.Invalid
	entry.Flags = 0
	entry.Type = typ
	entry.OnSettle = nil
	entry.valid.Store(false)
	entry.mu.Unlock()

	return entry, nil
}

func typeName(t AdmissionType) string {
	if t == AdmissionUser {
		return "USER"
	}
	return "INTERNAL"
}

// Push marks entry ready; when its batch's entries are all ready the
// batch is enqueued on the submit ring. A failed enqueue is a
// programming error: the ring is sized to hold every batch at once.
func (r *RWB) Push(e *Entry) error {
	b := e.batch
	if n := b.numReady.Add(1); n == uint32(r.xferSize) {
		if !r.submit.Push(b) {
			return fmt.Errorf("rwb: push: submit ring full (programming error)")
		}
	}
	return nil
}

// Pop dequeues the next batch ready for device submission, or reports
// false if none is ready.
func (r *RWB) Pop() (*Batch, bool) {
	return r.submit.Pop()
}

// SubmitPending reports how many batches currently sit on the submit
// ring, without dequeuing any of them.
func (r *RWB) SubmitPending() int {
	return r.submit.Len()
}

// BatchRevert re-enqueues a batch onto the submit ring (used on a write
// failure, to retry submission).
func (r *RWB) BatchRevert(b *Batch) error {
	if !r.submit.Push(b) {
		return fmt.Errorf("rwb: batch_revert: submit ring full (programming error)")
	}
	return nil
}

// BatchRelease zeroes a batch's counters, decrements the typed acquired
// counts for its entries, and returns it to the free list.
func (r *RWB) BatchRelease(b *Batch) {
	for _, e := range b.Entries {
		e.mu.Lock()
		typ := e.Type
		e.mu.Unlock()
		if typ == AdmissionUser {
			decrement(&r.acquiredUser)
		} else {
			decrement(&r.acquiredInternal)
		}
	}
	b.numAcquired.Store(0)
	b.numReady.Store(0)

	r.mu.Lock()
	r.free = append(r.free, b)
	r.mu.Unlock()
}

// EntryFromOffset resolves a cached L2P reference back to its RWB entry
// in O(1).
func (r *RWB) EntryFromOffset(off uint64) (*Entry, bool) {
	if off >= uint64(len(r.entriesByPos)) {
		return nil, false
	}
	return r.entriesByPos[off], true
}

// PadCurrent pushes dummy INTERNAL|PAD entries until the current batch
// fills, guaranteeing forward progress to a submittable state (used by
// flush and shutdown). It returns the number of pad entries pushed.
func (r *RWB) PadCurrent() int {
	count := 0
	for {
		r.mu.Lock()
		hasCurrent := r.current != nil
		r.mu.Unlock()
		if !hasCurrent {
			break
		}

		e, err := r.Acquire(AdmissionInternal)
		if err != nil {
			break
		}
		e.mu.Lock()
		e.Flags |= FlagPad
		e.LBA = geometry.InvalidLBA
		e.mu.Unlock()
		for i := range e.Data {
			e.Data[i] = 0
		}
		if err := r.Push(e); err != nil {
			break
		}
		count++
	}
	return count
}

// AcquiredUser and AcquiredInternal report current admitted counts, used
// by flush's "acquired < xfer_size and submit ring empty" drain check.
func (r *RWB) AcquiredUser() uint32     { return r.acquiredUser.Load() }
func (r *RWB) AcquiredInternal() uint32 { return r.acquiredInternal.Load() }
