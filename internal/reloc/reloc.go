// Package reloc implements per-band relocation (garbage collection),
// spec.md §4.9: a pending/active/priority band queue, an xfer_size-stripe
// iterator over each band's still-valid LBKs, and weak writes fed back
// through internal/writer's ordinary write path. Unlike the SPDK original
// this package copies from, it does not reimplement a parallel write
// queue or IO object pool: Go's GC removes the need for IO recycling, and
// the completion/weak-drop logic the copy must observe already lives in
// internal/writer.Core.Write, so relocation simply calls it.
package reloc

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-channel/ocssd-ftl/internal/band"
	"github.com/open-channel/ocssd-ftl/internal/device"
	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/open-channel/ocssd-ftl/internal/logging"
	"github.com/open-channel/ocssd-ftl/internal/metrics"
	"github.com/open-channel/ocssd-ftl/internal/rwb"
	"github.com/open-channel/ocssd-ftl/internal/trace"
	"github.com/open-channel/ocssd-ftl/internal/vldmap"
	"github.com/open-channel/ocssd-ftl/internal/writer"
)

// Config wires an Engine to its collaborators.
type Config struct {
	Geom       geometry.Geometry
	Range      geometry.PunitRange
	Controller device.Controller
	Core       *writer.Core
	MDPool     *band.MDPool
	BlockSize  uint64
	XferSize   uint64
	MaxActive  int // max concurrently active (non-priority) band relocations
	MaxQdepth  int // max concurrent relocation reads per band
	Logger     *logging.Logger
	Observer   metrics.Observer // nil uses metrics.NoOp{}
	Tracer     *trace.Tracer    // nil disables tracing
}

// BandReloc tracks one band's in-progress relocation: which LBKs still
// need to be copied out, and a round-robin per-punit iterator over them.
type BandReloc struct {
	mu sync.Mutex

	band      *band.Band
	relocMap  *vldmap.Map
	numLBKs   uint64
	chkOffset []uint64
	chkCur    int

	active      bool
	loaded      bool
	outstanding int

	seq       uint64 // insertion order, used as the priority-heap key
	heapIndex int
}

func (br *BandReloc) isActive() bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.active
}

func (br *BandReloc) isLoaded() bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.loaded
}

// clearLocked clears off's reloc_map bit, if set, and decrements numLBKs.
// Must be called with br.mu held.
func (br *BandReloc) clearLocked(off uint64) {
	if br.relocMap.Test(uint(off)) {
		br.relocMap.Clear(uint(off))
		br.numLBKs--
	}
}

// nextRun finds up to xferSize consecutive LBKs, still marked for
// relocation and still valid, within one punit-chunk at the iterator's
// current position, clearing any already-stale bits it scans past
// (spec.md §4.9's per-band engine, "drain free_queue" step).
func (br *BandReloc) nextRun(lbksPerChk, xferSize uint64) (uint64, []uint64, bool) {
	br.mu.Lock()
	defer br.mu.Unlock()

	numChunks := uint64(len(br.chkOffset))
	for attempt := uint64(0); attempt < numChunks; attempt++ {
		chk := br.chkCur
		var startOff uint64
		found := false

		for o := br.chkOffset[chk]; o < lbksPerChk; o++ {
			flat := uint64(chk)*lbksPerChk + o
			br.chkOffset[chk] = o + 1
			if br.relocMap.Test(uint(flat)) && br.band.ValidAtOffset(flat) {
				startOff = flat
				found = true
				break
			}
			br.clearLocked(flat)
		}

		if !found {
			br.chkCur = int((uint64(chk) + 1) % numChunks)
			continue
		}

		lbas := []uint64{mustLBA(br.band, startOff)}
		for uint64(len(lbas)) < xferSize {
			o := br.chkOffset[chk]
			if o >= lbksPerChk {
				break
			}
			flat := uint64(chk)*lbksPerChk + o
			br.chkOffset[chk] = o + 1
			if !(br.relocMap.Test(uint(flat)) && br.band.ValidAtOffset(flat)) {
				br.clearLocked(flat)
				break
			}
			lbas = append(lbas, mustLBA(br.band, flat))
		}

		br.chkCur = int((uint64(chk) + 1) % numChunks)
		return startOff, lbas, true
	}

	return 0, nil, false
}

func mustLBA(b *band.Band, off uint64) uint64 {
	lba, err := b.LBAAt(off)
	if err != nil {
		return geometry.InvalidLBA
	}
	return lba
}

// prioQueue is a container/heap ordering band relocations by insertion
// order, so the earliest-added priority band is always serviced first
// (spec.md §4.9: "priority bands ... serviced one at a time").
type prioQueue []*BandReloc

func (q prioQueue) Len() int            { return len(q) }
func (q prioQueue) Less(i, j int) bool  { return q[i].seq < q[j].seq }
func (q prioQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}
func (q *prioQueue) Push(x any) {
	br := x.(*BandReloc)
	br.heapIndex = len(*q)
	*q = append(*q, br)
}
func (q *prioQueue) Pop() any {
	old := *q
	n := len(old)
	br := old[n-1]
	old[n-1] = nil
	br.heapIndex = -1
	*q = old[:n-1]
	return br
}

// Engine is the relocation scheduler: one pending/active/priority queue
// shared across every band, ticked cooperatively alongside the core
// thread's own pipeline (spec.md §4.9/§5).
type Engine struct {
	geom      geometry.Geometry
	rng       geometry.PunitRange
	ctrlr     device.Controller
	core      *writer.Core
	mdp       *band.MDPool
	log       *logging.Logger
	obs       metrics.Observer
	trc       *trace.Tracer
	blockSize uint64
	xferSize  uint64
	maxActive int
	maxQdepth int

	mu       sync.Mutex
	brelocs  map[uint64]*BandReloc
	pending  []*BandReloc
	active   []*BandReloc
	prio     prioQueue
	addSeq   uint64

	halted atomic.Bool
}

// New builds a relocation Engine. It starts halted; call Resume to begin
// servicing bands added via Add.
func New(cfg Config) (*Engine, error) {
	if cfg.Core == nil || cfg.Controller == nil {
		return nil, fmt.Errorf("reloc: core and controller are required")
	}
	if cfg.XferSize == 0 || cfg.BlockSize == 0 {
		return nil, fmt.Errorf("reloc: xfer_size and block_size must be nonzero")
	}
	maxActive := cfg.MaxActive
	if maxActive <= 0 {
		maxActive = 1
	}
	maxQdepth := cfg.MaxQdepth
	if maxQdepth <= 0 {
		maxQdepth = 1
	}
	obs := cfg.Observer
	if obs == nil {
		obs = metrics.NoOp{}
	}
	e := &Engine{
		geom:      cfg.Geom,
		rng:       cfg.Range,
		ctrlr:     cfg.Controller,
		core:      cfg.Core,
		mdp:       cfg.MDPool,
		log:       cfg.Logger,
		obs:       obs,
		trc:       cfg.Tracer,
		blockSize: cfg.BlockSize,
		xferSize:  cfg.XferSize,
		maxActive: maxActive,
		maxQdepth: maxQdepth,
		brelocs:   make(map[uint64]*BandReloc),
	}
	e.halted.Store(true)
	heap.Init(&e.prio)
	return e, nil
}

// Halt stops Tick from making any further progress (spec.md §4.9's
// ocssd_reloc_halt, used during restore while bands aren't yet trustworthy).
func (e *Engine) Halt() { e.halted.Store(true) }

// Resume allows Tick to run again.
func (e *Engine) Resume() { e.halted.Store(false) }

// Halted reports whether the engine is currently halted.
func (e *Engine) Halted() bool { return e.halted.Load() }

func (e *Engine) getOrCreate(b *band.Band) *BandReloc {
	e.mu.Lock()
	defer e.mu.Unlock()
	br, ok := e.brelocs[b.ID]
	if !ok {
		numChunks := e.rng.Count()
		br = &BandReloc{
			band:      b,
			relocMap:  vldmap.New(uint(b.UsableLBKs())),
			chkOffset: make([]uint64, numChunks),
			heapIndex: -1,
		}
		e.brelocs[b.ID] = br
	}
	return br
}

// Add marks [offset, offset+numLBKs) of b for relocation. prio schedules
// b on the priority queue (bypassing max_active, serviced ahead of
// everything else) and acquires its lba_map immediately, since a
// high-priority band is one that just failed a write and so already has
// its lba_map resident (spec.md §4.6's write_fail, §4.9).
func (e *Engine) Add(b *band.Band, offset, numLBKs uint64, prio bool) error {
	br := e.getOrCreate(b)

	br.mu.Lock()
	prevLBKs := br.numLBKs
	for i := offset; i < offset+numLBKs; i++ {
		if br.relocMap.Test(uint(i)) {
			continue
		}
		br.relocMap.Set(uint(i))
		br.numLBKs++
	}
	br.mu.Unlock()

	if prevLBKs == 0 && !prio {
		e.mu.Lock()
		e.pending = append(e.pending, br)
		e.mu.Unlock()
	}

	if prio {
		if err := b.AcquireMD(); err != nil {
			return fmt.Errorf("reloc: add: priority band %d: %w", b.ID, err)
		}
		e.mu.Lock()
		e.addSeq++
		br.seq = e.addSeq
		if br.heapIndex < 0 {
			heap.Push(&e.prio, br)
		}
		e.mu.Unlock()
	}

	return nil
}

// Tick runs one pass of the relocation scheduler and reports whether it
// made any forward progress.
func (e *Engine) Tick() bool {
	if e.halted.Load() {
		return false
	}

	e.mu.Lock()
	var top *BandReloc
	if len(e.prio) > 0 {
		top = e.prio[0]
	}
	e.mu.Unlock()

	if top != nil {
		if !top.isActive() {
			e.prep(top)
		}
		return e.processBand(top)
	}

	progressed := false
	for {
		e.mu.Lock()
		if len(e.active) >= e.maxActive || len(e.pending) == 0 {
			e.mu.Unlock()
			break
		}
		br := e.pending[0]
		e.pending = e.pending[1:]
		e.active = append(e.active, br)
		e.mu.Unlock()
		e.prep(br)
		progressed = true
	}

	e.mu.Lock()
	activeCopy := append([]*BandReloc(nil), e.active...)
	e.mu.Unlock()

	e.core.SetActiveRelocs(uint32(len(activeCopy)))

	for _, br := range activeCopy {
		if e.processBand(br) {
			progressed = true
		}
	}
	return progressed
}

// prep loads br's lba_map: immediately, if already resident (a priority
// band), or by reading the band's tail MD back from media otherwise
// (spec.md §4.9's per-band engine step 1).
func (e *Engine) prep(br *BandReloc) {
	br.mu.Lock()
	br.active = true
	br.mu.Unlock()

	if br.band.HighPrio() {
		br.mu.Lock()
		br.loaded = true
		br.mu.Unlock()
		return
	}

	err := br.band.ReadTailMD(e.ctrlr, func(tmd band.TailMD, vld *vldmap.Map, lba []uint64, _ band.HeadMDValidation, rerr error) {
		if rerr != nil {
			if e.log != nil {
				e.log.Errorf("reloc: band %d: read_tail_md failed: %v", br.band.ID, rerr)
			}
			return
		}
		br.band.RestoreFromTail(tmd.Seq, vld, lba)
		br.mu.Lock()
		br.loaded = true
		br.mu.Unlock()
	})
	if err != nil && e.log != nil {
		e.log.Errorf("reloc: band %d: submit read_tail_md failed: %v", br.band.ID, err)
	}
}

// processBand drains up to maxQdepth concurrent relocation reads for br,
// releasing it once every marked LBK has been copied out.
func (e *Engine) processBand(br *BandReloc) bool {
	if !br.isLoaded() {
		return false
	}

	progressed := false
	for {
		br.mu.Lock()
		if br.outstanding >= e.maxQdepth {
			br.mu.Unlock()
			break
		}
		startOff, lbas, ok := br.nextRun(e.geom.LBKsPerChk, e.xferSize)
		if !ok {
			br.mu.Unlock()
			break
		}
		br.outstanding++
		br.mu.Unlock()

		e.submitRun(br, startOff, lbas)
		progressed = true
	}

	br.mu.Lock()
	done := br.numLBKs == 0 && br.outstanding == 0
	br.mu.Unlock()
	if done {
		e.release(br)
		progressed = true
	}
	return progressed
}

// submitRun issues one relocation read and, on completion, re-admits every
// still-valid LBK in the run as a weak write (spec.md §4.9's "drain
// write_queue" step, delegated to internal/writer.Core.Write). A run's
// reloc_map bits only clear once its weak write actually settles, not
// when the read completes: releasing a band before its copies have
// landed could free it for reuse while relocated data is still only in
// flight (mirrors ocssd_reloc_write_cb in the original, which is what
// drives ocssd_reloc_clr_lbk, not the read completion).
func (e *Engine) submitRun(br *BandReloc, startOff uint64, lbas []uint64) {
	abort := func(reason error) {
		br.mu.Lock()
		for i := range lbas {
			br.clearLocked(startOff + uint64(i))
		}
		br.outstanding--
		br.mu.Unlock()
		if e.log != nil {
			e.log.Errorf("reloc: band %d: offset %d: %v", br.band.ID, startOff, reason)
		}
	}

	logical, err := e.geom.PPAFromLBKOff(e.rng, br.band.ID, startOff)
	if err != nil {
		abort(err)
		return
	}
	ppa := e.geom.Pack(logical)
	buf := make([]byte, uint64(len(lbas))*e.blockSize)
	start := time.Now()

	if e.trc != nil {
		e.trc.Record(trace.Event{Type: trace.TypeBandWrite, Point: trace.PointSubmission, Src: trace.SourceInternal, BandID: br.band.ID, PPA: uint64(ppa), LBKCount: uint32(len(lbas))})
	}

	err = e.ctrlr.SubmitRead(ppa, uint32(len(lbas)), buf, func(status int32) {
		if status != 0 {
			e.obs.ObserveReloc(uint64(len(lbas))*e.blockSize, uint64(time.Since(start)), false)
			if e.trc != nil {
				e.trc.Record(trace.Event{Type: trace.TypeBandWrite, Point: trace.PointCompletion, Src: trace.SourceInternal, BandID: br.band.ID, Completion: 1})
			}
			abort(fmt.Errorf("relocation read ppa %d failed: status=%d", ppa, status))
			return
		}
		e.obs.ObserveReloc(uint64(len(lbas))*e.blockSize, uint64(time.Since(start)), true)
		if e.trc != nil {
			e.trc.Record(trace.Event{Type: trace.TypeBandWrite, Point: trace.PointCompletion, Src: trace.SourceInternal, BandID: br.band.ID})
		}

		remaining := 0
		for _, lba := range lbas {
			if lba != geometry.InvalidLBA {
				remaining++
			}
		}
		if remaining == 0 {
			br.mu.Lock()
			for i := range lbas {
				br.clearLocked(startOff + uint64(i))
			}
			br.outstanding--
			br.mu.Unlock()
			return
		}

		settle := func(off uint64) func(error) {
			return func(werr error) {
				if werr != nil && e.log != nil {
					e.log.Errorf("reloc: band %d: weak write at offset %d failed: %v", br.band.ID, off, werr)
				}
				br.mu.Lock()
				br.clearLocked(off)
				remaining--
				if remaining == 0 {
					br.outstanding--
				}
				br.mu.Unlock()
			}
		}

		for i, lba := range lbas {
			off := startOff + uint64(i)
			if lba == geometry.InvalidLBA {
				br.mu.Lock()
				br.clearLocked(off)
				br.mu.Unlock()
				continue
			}
			data := buf[uint64(i)*e.blockSize : uint64(i+1)*e.blockSize]
			if werr := e.core.WriteWithCallback(lba, data, rwb.AdmissionInternal, true, nil, settle(off)); werr != nil {
				settle(off)(werr)
			}
		}
	})
	if err != nil {
		abort(err)
	}
}

// release finishes br's relocation pass: if it's clean, returns the band
// to FREE (via the core's free list) and its lba_map to the pool; if
// relocation work remains (Add marked more LBKs after processBand found
// the band empty), it
// re-queues for another pass (spec.md §4.9 step 2's "release" substep).
func (e *Engine) release(br *BandReloc) {
	wasPrio := br.band.HighPrio()

	e.mu.Lock()
	if wasPrio {
		if br.heapIndex >= 0 {
			heap.Remove(&e.prio, br.heapIndex)
		}
	} else {
		for i, b := range e.active {
			if b == br {
				e.active = append(e.active[:i], e.active[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()

	if wasPrio {
		br.band.SetHighPrio(false)
	}

	br.band.ReleaseMD(e.mdp)
	br.mu.Lock()
	br.chkCur = 0
	for i := range br.chkOffset {
		br.chkOffset[i] = 0
	}
	br.active = false
	br.loaded = false
	remaining := br.numLBKs
	br.mu.Unlock()

	if remaining > 0 {
		e.mu.Lock()
		e.pending = append(e.pending, br)
		e.mu.Unlock()
		return
	}

	if br.band.State() == band.StateClosed {
		br.band.ClearMD()
		if err := br.band.SetState(band.StateFree); err != nil {
			if e.log != nil {
				e.log.Errorf("reloc: band %d: set_state free failed: %v", br.band.ID, err)
			}
			return
		}
		if e.trc != nil {
			e.trc.Record(trace.Event{Type: trace.TypeBandDefrag, Point: trace.PointOther, BandID: br.band.ID})
		}
		e.core.ReturnFreeBand(br.band)
	}
}
