// Package band implements the band state machine: a horizontal slice of
// one chunk per operational parallel unit, sharing an id equal to the
// chunk index. Bands own their metadata (vld_map, lba_map, sequence
// number, write count), the erase/head-md/tail-md lifecycle, and the
// address arithmetic built on internal/geometry.
package band

import (
	"fmt"
	"sync"

	"github.com/open-channel/ocssd-ftl/internal/chunk"
	"github.com/open-channel/ocssd-ftl/internal/device"
	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/open-channel/ocssd-ftl/internal/vldmap"
)

// State is one of the band lifecycle states (spec.md §3's band state
// machine).
type State int

const (
	StateFree State = iota
	StatePrep
	StateOpening
	StateOpen
	StateFull
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StatePrep:
		return "PREP"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateFull:
		return "FULL"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var nextBandState = map[State]State{
	StateFree:    StatePrep,
	StatePrep:    StateOpening,
	StateOpening: StateOpen,
	StateOpen:    StateFull,
	StateFull:    StateClosing,
	StateClosing: StateClosed,
	StateClosed:  StateFree,
}

// Metadata is a band's durable state, protected by the owning band's
// spinlock.
type Metadata struct {
	Seq    uint64 // monotonic; strictly increasing across bands opened on a device
	WrCnt  uint64 // defrag generation: how many times this band has been written
	NumVld uint64 // must equal VldMap.Count() (P1)
	RefCnt int    // lba_map reference count

	VldMap *vldmap.Map // always present, sized to the band's usable LBKs
	LbaMap []uint64    // only populated while active or being relocated
}

// Band is a horizontal collection of one chunk per operational parallel
// unit, sharing id == chunk index.
type Band struct {
	mu sync.Mutex // the band spinlock

	ID    uint64
	Geom  geometry.Geometry
	Range geometry.PunitRange
	UUID  [UUIDSize]byte

	Chunks      []*chunk.Chunk // stable, position-indexed
	operational []int          // indices into Chunks still in the write ring

	state    State
	highPrio bool

	md Metadata

	usableLBKs    uint64
	headMDNumLBKs uint64
	tailMDNumLBKs uint64
	tailMDOffset  uint64

	headMDPPA geometry.Addr
	tailMDPPA geometry.Addr
}

// New constructs a band spanning rng, with one chunk per parallel unit in
// the range, all initially FREE.
func New(id uint64, geom geometry.Geometry, rng geometry.PunitRange, uuid [UUIDSize]byte) (*Band, error) {
	if rng.Count() == 0 {
		return nil, fmt.Errorf("band: empty punit range")
	}

	b := &Band{
		ID:    id,
		Geom:  geom,
		Range: rng,
		UUID:  uuid,
		state: StateFree,
	}

	b.Chunks = make([]*chunk.Chunk, rng.Count())
	b.operational = make([]int, 0, rng.Count())
	for i := uint64(0); i < rng.Count(); i++ {
		flat := rng.Begin + i
		l := geometry.Logical{Grp: flat % geom.NumGrp, PU: flat / geom.NumGrp, Chk: id, LBK: 0}
		start := geom.Pack(l)
		b.Chunks[i] = chunk.New(start, i, int(i))
		b.operational = append(b.operational, int(i))
	}

	b.usableLBKs = uint64(len(b.Chunks)) * geom.LBKsPerChk
	b.md.VldMap = vldmap.New(uint(b.usableLBKs))

	b.headMDNumLBKs = geom.WSOpt
	b.tailMDNumLBKs = TailMDNumLBKs(uint(b.usableLBKs), int(b.usableLBKs), geom.WSOpt)
	if b.tailMDNumLBKs > b.usableLBKs {
		return nil, fmt.Errorf("band: tail md (%d lbks) larger than band (%d lbks)", b.tailMDNumLBKs, b.usableLBKs)
	}
	b.tailMDOffset = b.usableLBKs - b.tailMDNumLBKs // I9

	b.headMDPPA = b.Chunks[0].StartPPA
	tailLogical, err := geom.PPAFromLBKOff(rng, id, b.tailMDOffset)
	if err != nil {
		return nil, fmt.Errorf("band: computing tail md ppa: %w", err)
	}
	b.tailMDPPA = geom.Pack(tailLogical)

	return b, nil
}

// State returns the band's current lifecycle state.
func (b *Band) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// HighPrio reports whether the band is on the relocation priority queue
// (a prior write failure forced it there; see spec.md §4.9).
func (b *Band) HighPrio() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.highPrio
}

// SetHighPrio marks or clears the band's relocation-priority flag.
func (b *Band) SetHighPrio(v bool) {
	b.mu.Lock()
	b.highPrio = v
	b.mu.Unlock()
}

// NumVld returns the band's current valid-block count.
func (b *Band) NumVld() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.md.NumVld
}

// VldMap returns the band's vld_map. Callers that need a stable snapshot
// (tests comparing relocation/restore output) should Clone it first.
func (b *Band) VldMap() *vldmap.Map {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.md.VldMap
}

// WrCnt returns the band's defrag generation counter, the key the free
// band list is ordered by (spec.md §4.3 step 1).
func (b *Band) WrCnt() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.md.WrCnt
}

// Seq returns the band's last-assigned sequence number.
func (b *Band) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.md.Seq
}

// UsableLBKs returns the band's total addressable LBK count.
func (b *Band) UsableLBKs() uint64 { return b.usableLBKs }

// TailMDOffset returns the flat offset at which the write pointer must
// stop and emit the tail MD.
func (b *Band) TailMDOffset() uint64 { return b.tailMDOffset }

// HeadMDPPA and TailMDPPA return this band's fixed metadata addresses.
func (b *Band) HeadMDPPA() geometry.Addr { return b.headMDPPA }
func (b *Band) TailMDPPA() geometry.Addr { return b.tailMDPPA }

// FirstOperationalPPA returns the starting PPA of the first operational
// chunk, the seed address for a new WritePointer.
func (b *Band) FirstOperationalPPA() (geometry.Addr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.operational) == 0 {
		return geometry.Invalid, fmt.Errorf("band %d: no operational chunks", b.ID)
	}
	return b.Chunks[b.operational[0]].StartPPA, nil
}

// SetState validates and applies a band state transition, per spec.md
// §3's state graph. Callers already hold no external lock; SetState takes
// the band spinlock itself.
func (b *Band) SetState(new State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setStateLocked(new)
}

func (b *Band) setStateLocked(new State) error {
	if nextBandState[b.state] != new {
		return fmt.Errorf("band %d: invalid transition %s -> %s", b.ID, b.state, new)
	}
	b.state = new
	return nil
}

// ClearMD zeroes vld_map and lba_map and resets num_vld, under the band
// lock.
func (b *Band) ClearMD() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.md.VldMap.ClearAll()
	for i := range b.md.LbaMap {
		b.md.LbaMap[i] = 0
	}
	b.md.NumVld = 0
}

// WritePrep allocates the band's lba_map from pool and stamps a new
// sequence number, then transitions PREP -> OPENING. seq must already
// have been incremented by the caller (the device's global sequence
// counter) and is strictly greater than any previously assigned seq.
func (b *Band) WritePrep(pool *MDPool, seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StatePrep {
		return fmt.Errorf("band %d: write_prep requires PREP state, got %s", b.ID, b.state)
	}

	if b.md.LbaMap == nil {
		b.md.LbaMap = pool.acquire()
		b.md.RefCnt = 1
	} else {
		b.md.RefCnt++
	}

	b.md.Seq = seq
	b.md.WrCnt++

	return b.setStateLocked(StateOpening)
}

// AcquireMD increments the lba_map reference count (a reader joining an
// already-active band, e.g. relocation).
func (b *Band) AcquireMD() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.md.LbaMap == nil {
		return fmt.Errorf("band %d: acquire_md on unallocated lba_map", b.ID)
	}
	b.md.RefCnt++
	return nil
}

// ReleaseMD decrements the lba_map reference count and, if it reaches
// zero while the band is CLOSED or FREE, returns the buffer to pool.
func (b *Band) ReleaseMD(pool *MDPool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.md.LbaMap == nil {
		return
	}
	b.md.RefCnt--
	if b.md.RefCnt <= 0 && (b.state == StateClosed || b.state == StateFree) {
		pool.release(b.md.LbaMap)
		b.md.LbaMap = nil
		b.md.RefCnt = 0
	}
}

// SetAddr records that lba now resides at ppa: sets the vld_map bit,
// records lba in lba_map, and increments num_vld. ppa.Chk must equal
// b.ID.
func (b *Band) SetAddr(ppa geometry.Addr, lba uint64) error {
	l := b.Geom.Unpack(ppa)
	off, err := b.Geom.BandLBKOff(b.Range, b.ID, l)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.md.VldMap.Test(uint(off)) {
		b.md.VldMap.Set(uint(off))
		b.md.NumVld++
	}
	if b.md.LbaMap != nil {
		b.md.LbaMap[off] = lba
	}
	return nil
}

// ValidAt reports whether ppa's vld_map bit is currently set, without
// mutating it. Used by the write path's "weak" commit check (spec.md
// §4.6/§4.9): a relocation write must only update the L2P if the source
// address it copied was still valid at invalidation time.
func (b *Band) ValidAt(ppa geometry.Addr) (bool, error) {
	l := b.Geom.Unpack(ppa)
	off, err := b.Geom.BandLBKOff(b.Range, b.ID, l)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.md.VldMap.Test(uint(off)), nil
}

// ValidAtOffset reports whether the vld_map bit at flat band offset off is
// currently set, without mutating it. Used by relocation's iterator to
// find runs of still-live LBKs worth copying out (spec.md §4.9).
func (b *Band) ValidAtOffset(off uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.md.VldMap.Test(uint(off))
}

// LBAAt returns the lba_map entry recorded at flat band offset off.
// Requires the band's lba_map to be resident (AcquireMD'd, WritePrep'd, or
// restored via RestoreFromTail); used by relocation to recover the LBA a
// still-valid LBK belongs to before copying it out.
func (b *Band) LBAAt(off uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.md.LbaMap == nil {
		return 0, fmt.Errorf("band %d: lba_map not resident", b.ID)
	}
	if off >= uint64(len(b.md.LbaMap)) {
		return 0, fmt.Errorf("band %d: offset %d out of range", b.ID, off)
	}
	return b.md.LbaMap[off], nil
}

// Invalidate clears the vld_map bit at ppa's band offset and decrements
// num_vld. Idempotent: a double-invalidation (racing concurrent writes to
// the same LBA) is a no-op rather than an underflow (spec.md §4.7).
func (b *Band) Invalidate(ppa geometry.Addr) error {
	if ppa.IsCached() || ppa.IsInvalid() {
		return fmt.Errorf("band: invalidate_addr requires a media-resident ppa")
	}
	l := b.Geom.Unpack(ppa)
	off, err := b.Geom.BandLBKOff(b.Range, b.ID, l)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.md.VldMap.Test(uint(off)) {
		b.md.VldMap.Clear(uint(off))
		b.md.NumVld--
	}
	return nil
}

// Erase issues vector_reset (erase) to every non-FREE chunk and
// transitions the band FREE -> PREP. Chunks that fail the reset become
// BAD and are removed from the operational ring; the band continues with
// fewer chunks.
func (b *Band) Erase(ctrlr device.Controller, cb func(err error)) error {
	b.mu.Lock()
	if b.state != StateFree {
		b.mu.Unlock()
		return fmt.Errorf("band %d: erase requires FREE state, got %s", b.ID, b.state)
	}
	if err := b.setStateLocked(StatePrep); err != nil {
		b.mu.Unlock()
		return err
	}

	var ppas []geometry.Addr
	var idxs []int
	for _, i := range b.operational {
		if b.Chunks[i].State() != chunk.StateFree {
			ppas = append(ppas, b.Chunks[i].StartPPA)
			idxs = append(idxs, i)
		}
	}
	b.mu.Unlock()

	finish := func(status int32, infos []device.ChunkInfo) {
		b.mu.Lock()
		for j, idx := range idxs {
			c := b.Chunks[idx]
			if j < len(infos) && infos[j].State == device.ChunkStateBad {
				_ = c.SetState(chunk.StateBad)
			} else {
				_ = c.SetState(chunk.StateFree)
			}
		}
		b.rebuildOperationalLocked()
		b.mu.Unlock()
		if cb == nil {
			return
		}
		if status != 0 {
			cb(fmt.Errorf("band %d: erase failed, status=%d", b.ID, status))
			return
		}
		cb(nil)
	}

	if len(ppas) == 0 {
		finish(0, nil)
		return nil
	}
	return ctrlr.SubmitVectorReset(ppas, finish)
}

func (b *Band) rebuildOperationalLocked() {
	b.operational = b.operational[:0]
	for i, c := range b.Chunks {
		if c.IsOperational() {
			b.operational = append(b.operational, i)
		}
	}
}

// OperationalChunks returns the stable indices of chunks still in the
// write-striping ring, in ring order.
func (b *Band) OperationalChunks() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.operational))
	copy(out, b.operational)
	return out
}

// WriteHeadMD serializes and submits the band's head metadata. Requires
// OPENING state; transitions to OPEN on successful completion.
func (b *Band) WriteHeadMD(ctrlr device.Controller, l2pLen uint64, cb func(err error)) error {
	b.mu.Lock()
	if b.state != StateOpening {
		b.mu.Unlock()
		return fmt.Errorf("band %d: write_head_md requires OPENING state, got %s", b.ID, b.state)
	}
	h := HeadMD{UUID: b.UUID, Version: mdVersion, Seq: b.md.Seq, WrCnt: b.md.WrCnt, LBACount: l2pLen, XferSize: uint32(b.Geom.WSOpt)}
	size := int(b.headMDNumLBKs * BlockSize)
	b.mu.Unlock()

	buf, err := Marshal(h, size)
	if err != nil {
		return err
	}

	return ctrlr.SubmitWriteWithMD(b.headMDPPA, uint32(b.headMDNumLBKs), buf, nil, func(status int32, _ []device.ChunkInfo) {
		if status != 0 {
			if cb != nil {
				cb(fmt.Errorf("band %d: write_head_md failed, status=%d", b.ID, status))
			}
			return
		}
		b.mu.Lock()
		stErr := b.setStateLocked(StateOpen)
		b.mu.Unlock()
		if cb != nil {
			cb(stErr)
		}
	})
}

// WriteTailMD serializes and submits the band's tail metadata (header +
// vld_map + lba_map). Requires FULL state; per spec.md §4.3 the band
// moves to CLOSING immediately, before the write completes, and to
// CLOSED only on completion.
func (b *Band) WriteTailMD(ctrlr device.Controller, cb func(err error)) error {
	b.mu.Lock()
	if b.state != StateFull {
		b.mu.Unlock()
		return fmt.Errorf("band %d: write_tail_md requires FULL state, got %s", b.ID, b.state)
	}
	h := TailMD{UUID: b.UUID, Version: mdVersion, Seq: b.md.Seq}
	vld := b.md.VldMap.Clone()
	lba := make([]uint64, len(b.md.LbaMap))
	copy(lba, b.md.LbaMap)
	numLBKs := b.tailMDNumLBKs
	if err := b.setStateLocked(StateClosing); err != nil {
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	buf, err := MarshalTail(h, vld, lba, numLBKs)
	if err != nil {
		return err
	}

	return ctrlr.SubmitWriteWithMD(b.tailMDPPA, uint32(numLBKs), buf, nil, func(status int32, _ []device.ChunkInfo) {
		if status != 0 {
			if cb != nil {
				cb(fmt.Errorf("band %d: write_tail_md failed, status=%d", b.ID, status))
			}
			return
		}
		b.mu.Lock()
		stErr := b.setStateLocked(StateClosed)
		b.mu.Unlock()
		if cb != nil {
			cb(stErr)
		}
	})
}

// ReadHeadMD reads and validates the band's head MD.
func (b *Band) ReadHeadMD(ctrlr device.Controller, cb func(HeadMD, HeadMDValidation, error)) error {
	size := int(b.headMDNumLBKs * BlockSize)
	buf := make([]byte, size)
	uuid := b.UUID
	return ctrlr.SubmitRead(b.headMDPPA, uint32(b.headMDNumLBKs), buf, func(status int32) {
		if status != 0 {
			cb(HeadMD{}, HeadMDInvalidSize, fmt.Errorf("band %d: read_head_md failed, status=%d", b.ID, status))
			return
		}
		h, v, err := Unmarshal(buf, uuid)
		cb(h, v, err)
	})
}

// ReadTailMD reads and validates the band's tail MD, returning the
// recovered vld_map and lba_map.
func (b *Band) ReadTailMD(ctrlr device.Controller, cb func(TailMD, *vldmap.Map, []uint64, HeadMDValidation, error)) error {
	size := int(b.tailMDNumLBKs * BlockSize)
	buf := make([]byte, size)
	uuid := b.UUID
	vldLen := uint(b.usableLBKs)
	lbaLen := int(b.usableLBKs)
	return ctrlr.SubmitRead(b.tailMDPPA, uint32(b.tailMDNumLBKs), buf, func(status int32) {
		if status != 0 {
			cb(TailMD{}, nil, nil, HeadMDInvalidSize, fmt.Errorf("band %d: read_tail_md failed, status=%d", b.ID, status))
			return
		}
		h, vld, lba, v, err := UnmarshalTail(buf, uuid, vldLen, lbaLen)
		cb(h, vld, lba, v, err)
	})
}

// RestoreFromTail replaces the band's in-memory vld_map/lba_map/num_vld
// and seq from a recovered tail MD, used only during restore.
func (b *Band) RestoreFromTail(seq uint64, vld *vldmap.Map, lba []uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.md.Seq = seq
	b.md.VldMap = vld
	b.md.LbaMap = lba
	b.md.NumVld = uint64(vld.Count())
	if b.md.LbaMap != nil {
		b.md.RefCnt = 1
	}
}

// RestoreState forces the band directly into state and installs wrCnt,
// bypassing the normal FREE->...->CLOSED transition sequence. Used only by
// internal/restore, which reconstructs a band's in-memory state from
// durable metadata discovered at a fixed point in time rather than
// replaying the writes that produced it.
func (b *Band) RestoreState(state State, wrCnt uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
	b.md.WrCnt = wrCnt
}
