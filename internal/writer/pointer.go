package writer

import (
	"fmt"
	"sync"

	"github.com/open-channel/ocssd-ftl/internal/band"
	"github.com/open-channel/ocssd-ftl/internal/geometry"
)

// WritePointer advances through one band's operational chunks, xfer_size
// LBKs at a time (spec.md §4.3). Each batch lands entirely within one
// chunk at the pointer's current per-chunk LBK cursor; once every
// operational chunk has taken a turn, the cursor advances by xfer_size
// and the ring restarts at the first chunk.
type WritePointer struct {
	mu sync.Mutex

	Band *band.Band

	chunkIdx int    // index into Band.OperationalChunks(), reset each full round
	lbk      uint64 // per-chunk LBK cursor for the current round
	offset   uint64 // monotonic flat progress, compared against band.TailMDOffset
	mdWrite  bool   // an OPENING/CLOSING metadata write is in flight
}

func newWritePointer(b *band.Band) *WritePointer {
	return &WritePointer{Band: b}
}

// Ready reports whether this pointer may accept another batch: the band
// must be OPEN and no metadata write may be in flight.
func (wp *WritePointer) Ready() bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.Band.State() == band.StateOpen && !wp.mdWrite
}

// Full reports whether the pointer has reached the band's tail MD offset.
func (wp *WritePointer) Full() bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.offset >= wp.Band.TailMDOffset()
}

// PastThreshold reports whether the pointer's flat progress has crossed
// thldPercent of the band's usable capacity (the overlapped-erase
// pre-allocation trigger).
func (wp *WritePointer) PastThreshold(thldPercent uint64) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.offset*100 >= thldPercent*wp.Band.UsableLBKs()
}

func (wp *WritePointer) setMDWrite(v bool) {
	wp.mu.Lock()
	wp.mdWrite = v
	wp.mu.Unlock()
}

// AllocateBatch reserves the next xferSize-LBK run for a batch, returning
// the PPA each of its xferSize slots lands at. It skips BAD chunks
// automatically, since Band.OperationalChunks excludes them.
func (wp *WritePointer) AllocateBatch(geom geometry.Geometry, rng geometry.PunitRange, xferSize uint64) ([]geometry.Addr, error) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	operational := wp.Band.OperationalChunks()
	if len(operational) == 0 {
		return nil, fmt.Errorf("writer: band %d has no operational chunks", wp.Band.ID)
	}
	if wp.chunkIdx >= len(operational) {
		wp.chunkIdx = 0
	}
	if wp.lbk+xferSize > geom.LBKsPerChk {
		return nil, fmt.Errorf("writer: band %d chunk %d exhausted at lbk %d", wp.Band.ID, wp.chunkIdx, wp.lbk)
	}

	flat := rng.Begin + uint64(operational[wp.chunkIdx])
	addrs := make([]geometry.Addr, xferSize)
	for i := uint64(0); i < xferSize; i++ {
		l := geometry.Logical{Grp: flat % geom.NumGrp, PU: flat / geom.NumGrp, Chk: wp.Band.ID, LBK: wp.lbk + i}
		addrs[i] = geom.Pack(l)
	}

	wp.chunkIdx++
	if wp.chunkIdx >= len(operational) {
		wp.chunkIdx = 0
		wp.lbk += xferSize
	}
	wp.offset += xferSize

	return addrs, nil
}
