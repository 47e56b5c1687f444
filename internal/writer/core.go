// Package writer implements the core thread: the write pipeline of
// spec.md §4.3/§4.6, band admission and the free-band list, flush
// (§4.10) and shutdown (§4.11) draining. It owns every mutation of band
// state outside the band's own spinlock and every WritePointer
// transition, matching spec.md §5's "core thread" role.
package writer

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/open-channel/ocssd-ftl/internal/band"
	"github.com/open-channel/ocssd-ftl/internal/device"
	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/open-channel/ocssd-ftl/internal/l2p"
	"github.com/open-channel/ocssd-ftl/internal/limits"
	"github.com/open-channel/ocssd-ftl/internal/logging"
	"github.com/open-channel/ocssd-ftl/internal/metrics"
	"github.com/open-channel/ocssd-ftl/internal/rwb"
	"github.com/open-channel/ocssd-ftl/internal/trace"
)

// Config wires a Core to its collaborators. Bands must be indexed by
// band ID (Bands[i].ID == i).
type Config struct {
	Geom            geometry.Geometry
	Range           geometry.PunitRange
	Controller      device.Controller
	RWB             *rwb.RWB
	L2P             *l2p.Table
	Limits          *limits.Controller
	MDPool          *band.MDPool
	Bands           []*band.Band
	BandThldPercent uint64 // preallocate the next band at this % of usable capacity
	BlockSize       uint64
	Logger          *logging.Logger
	CPUAffinity     int // -1 = no affinity
	Observer        metrics.Observer // nil uses metrics.NoOp{}
	Tracer          *trace.Tracer    // nil disables tracing
}

// Flush tracks one pending spdk_ocssd_flush request (spec.md §4.10).
type Flush struct {
	Bitmap  map[int]bool
	NumReq  int
	Cb      func(error)
	Started time.Time
}

// Core is the device's single core thread: it owns the free-band list,
// every active WritePointer, the flush list, and the device-wide
// sequence counter.
type Core struct {
	geom  geometry.Geometry
	rng   geometry.PunitRange
	ctrlr device.Controller
	rwb   *rwb.RWB
	l2p   *l2p.Table
	lim   *limits.Controller
	mdp   *band.MDPool
	log   *logging.Logger
	obs   metrics.Observer
	trc   *trace.Tracer

	xferSize        uint64
	blockSize       uint64
	bandThldPercent uint64
	cpuAffinity     int

	mu        sync.Mutex
	bandsByID []*band.Band
	freeList  []*band.Band
	pointers  []*WritePointer
	flushList []*Flush
	seq       uint64

	activeRelocs atomic.Uint32

	numInflight   atomic.Int64
	shuttingDown  atomic.Bool
	stoppedClosed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCore builds a Core over cfg. All of cfg.Bands start FREE; callers
// must not mutate them outside the returned Core once Start is called.
func NewCore(cfg Config) (*Core, error) {
	if len(cfg.Bands) == 0 {
		return nil, fmt.Errorf("writer: at least one band required")
	}
	if cfg.Geom.WSOpt == 0 {
		return nil, fmt.Errorf("writer: geometry xfer size (ws_opt) must be nonzero")
	}

	bandsByID := make([]*band.Band, len(cfg.Bands))
	free := make([]*band.Band, 0, len(cfg.Bands))
	for _, b := range cfg.Bands {
		if int(b.ID) >= len(bandsByID) {
			return nil, fmt.Errorf("writer: band id %d out of range", b.ID)
		}
		bandsByID[b.ID] = b
		// Bands recovered CLOSED by restore still hold live data and must
		// stay out of circulation until relocation frees them; only bands
		// restore left (or found) FREE are immediately reusable.
		if b.State() == band.StateFree {
			free = append(free, b)
		}
	}

	obs := cfg.Observer
	if obs == nil {
		obs = metrics.NoOp{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		geom:            cfg.Geom,
		rng:             cfg.Range,
		ctrlr:           cfg.Controller,
		rwb:             cfg.RWB,
		l2p:             cfg.L2P,
		lim:             cfg.Limits,
		mdp:             cfg.MDPool,
		log:             cfg.Logger,
		obs:             obs,
		trc:             cfg.Tracer,
		xferSize:        cfg.Geom.WSOpt,
		blockSize:       cfg.BlockSize,
		bandThldPercent: cfg.BandThldPercent,
		cpuAffinity:     cfg.CPUAffinity,
		bandsByID:       bandsByID,
		freeList:        free,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
	if c.cpuAffinity == 0 {
		c.cpuAffinity = -1
	}
	return c, nil
}

// Start launches the pinned core-thread goroutine.
func (c *Core) Start() {
	go c.loop()
}

// loop is the core thread: a tight, non-blocking poll over admin/IO
// completions and the write pipeline, matching spec.md §5's cooperative
// single-thread-per-role model.
func (c *Core) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	if c.cpuAffinity >= 0 {
		var mask unix.CPUSet
		mask.Set(c.cpuAffinity)
		if err := unix.SchedSetaffinity(0, &mask); err != nil && c.log != nil {
			c.log.Errorf("writer: failed to set core thread CPU affinity to %d: %v", c.cpuAffinity, err)
		}
	}

	idle := time.NewTicker(200 * time.Microsecond)
	defer idle.Stop()

	for {
		select {
		case <-c.ctx.Done():
			if c.drained() {
				return
			}
		default:
		}

		progressed := c.tick()
		if c.shuttingDown.Load() && c.drained() {
			return
		}
		if !progressed {
			select {
			case <-idle.C:
			case <-c.ctx.Done():
			}
		}
	}
}

func (c *Core) drained() bool {
	c.mu.Lock()
	noPointers := len(c.pointers) == 0
	c.mu.Unlock()
	return c.numInflight.Load() == 0 && noPointers
}

// Tick runs one pass of the write pipeline and reports whether it made
// any forward progress. Start already drives this on the pinned core
// thread; Tick is exported for callers (tests, and any future
// synchronous/non-threaded wiring) that need to step the pipeline
// directly instead of through the background loop.
func (c *Core) Tick() bool {
	return c.tick()
}

// tick runs one pass of the pipeline and reports whether it made any
// forward progress (used only to pace the idle-poll backoff).
func (c *Core) tick() bool {
	c.ctrlr.ProcessAdminCompletions()
	c.ctrlr.ProcessCompletions(64)

	progressed := false

	if c.shuttingDown.Load() {
		c.mu.Lock()
		c.freeList = nil
		c.mu.Unlock()
	}

	c.mu.Lock()
	pointers := append([]*WritePointer(nil), c.pointers...)
	c.mu.Unlock()

	if !c.shuttingDown.Load() && len(pointers) == 0 {
		c.maybeOpenNextBand()
	}

	for _, wp := range pointers {
		if wp.PastThreshold(c.bandThldPercent) {
			c.maybeOpenNextBand()
		}
		if wp.Full() {
			c.closeBand(wp)
			progressed = true
			continue
		}
		if !wp.Ready() {
			continue
		}
		batch, ok := c.rwb.Pop()
		if !ok {
			continue
		}
		c.submitBatch(wp, batch)
		progressed = true
	}

	if c.rwb.SubmitPending() == 0 && (len(c.flushPending()) > 0 || c.shuttingDown.Load()) {
		acquired := c.rwb.AcquiredUser() + c.rwb.AcquiredInternal()
		if acquired > 0 && acquired < uint32(c.xferSize) {
			if n := c.rwb.PadCurrent(); n > 0 {
				progressed = true
			}
		} else if acquired == 0 && c.shuttingDown.Load() {
			// Nothing left to drain naturally: force any still-open band
			// closed so shutdown can reach wptr_list == empty.
			for _, wp := range pointers {
				if wp.Ready() {
					c.closeBand(wp)
					progressed = true
				}
			}
		}
	}

	return progressed
}

func (c *Core) flushPending() []*Flush {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushList
}

// maybeOpenNextBand opens a new band if fewer than two WritePointers are
// active (one writing, one pre-allocated once the threshold is crossed).
func (c *Core) maybeOpenNextBand() {
	c.mu.Lock()
	if len(c.pointers) >= 2 || len(c.freeList) == 0 {
		c.mu.Unlock()
		return
	}
	sort.Slice(c.freeList, func(i, j int) bool { return c.freeList[i].WrCnt() < c.freeList[j].WrCnt() })
	b := c.freeList[0]
	c.freeList = c.freeList[1:]
	c.mu.Unlock()
	c.recomputeLimits()

	if err := c.openBand(b); err != nil {
		if c.log != nil {
			c.log.Errorf("writer: open band %d failed: %v", b.ID, err)
		}
		c.mu.Lock()
		c.freeList = append(c.freeList, b)
		c.mu.Unlock()
		c.recomputeLimits()
	}
}

// ReturnFreeBand adds b back to the free-band list (called by the
// relocation engine once a band empties out) and recomputes admission
// limits, per spec.md §4.8's "whenever num_free changes".
func (c *Core) ReturnFreeBand(b *band.Band) {
	c.mu.Lock()
	c.freeList = append(c.freeList, b)
	c.mu.Unlock()
	c.recomputeLimits()
}

func (c *Core) recomputeLimits() {
	c.mu.Lock()
	numFree := uint32(len(c.freeList))
	numOpen := uint32(len(c.pointers))
	c.mu.Unlock()

	c.obs.ObserveBandPool(numFree, numOpen, c.activeRelocs.Load())

	if c.lim == nil {
		return
	}
	tier, userLimit := c.lim.Apply(numFree)
	c.obs.ObserveLimitTier(uint32(tier))
	if c.trc != nil {
		c.trc.Record(trace.Event{Type: trace.TypeAppliedLimits, Point: trace.PointOther, Limit: userLimit, BandCnt: numFree})
	}
	c.rwb.SetLimits(userLimit, c.rwb.TotalEntries())
}

// SetActiveRelocs records the relocation engine's current active-band
// count for the band-pool gauge (spec.md §4.9's concurrently-active
// relocations, surfaced alongside free/open bands). internal/reloc calls
// this once per Tick; internal/reloc already holds a *Core handle, so
// this is cheaper than threading a callback the other way.
func (c *Core) SetActiveRelocs(n uint32) {
	c.activeRelocs.Store(n)
	c.recomputeLimits()
}

func (c *Core) openBand(b *band.Band) error {
	if c.trc != nil {
		c.trc.Record(trace.Event{Type: trace.TypeBandWrite, Point: trace.PointScheduled, BandID: b.ID})
	}
	if err := b.Erase(c.ctrlr, func(err error) {
		if err != nil {
			if c.log != nil {
				c.log.Errorf("writer: erase band %d failed: %v", b.ID, err)
			}
			return
		}
		c.mu.Lock()
		c.seq++
		seq := c.seq
		c.mu.Unlock()
		if err := b.WritePrep(c.mdp, seq); err != nil {
			if c.log != nil {
				c.log.Errorf("writer: write_prep band %d failed: %v", b.ID, err)
			}
			return
		}
		wp := newWritePointer(b)
		wp.setMDWrite(true)
		c.mu.Lock()
		c.pointers = append(c.pointers, wp)
		c.mu.Unlock()
		if err := b.WriteHeadMD(c.ctrlr, c.l2p.Len(), func(err error) {
			wp.setMDWrite(false)
			if err != nil && c.log != nil {
				c.log.Errorf("writer: write_head_md band %d failed: %v", b.ID, err)
			}
		}); err != nil && c.log != nil {
			c.log.Errorf("writer: submit write_head_md band %d failed: %v", b.ID, err)
		}
	}); err != nil {
		return err
	}
	return nil
}

func (c *Core) closeBand(wp *WritePointer) {
	b := wp.Band
	if b.State() != band.StateFull {
		if err := b.SetState(band.StateFull); err != nil {
			return
		}
	}
	if c.trc != nil {
		c.trc.Record(trace.Event{Type: trace.TypeBandWrite, Point: trace.PointOther, BandID: b.ID, VldCnt: b.NumVld()})
	}
	wp.setMDWrite(true)
	if err := b.WriteTailMD(c.ctrlr, func(err error) {
		wp.setMDWrite(false)
		if err != nil {
			if c.log != nil {
				c.log.Errorf("writer: write_tail_md band %d failed: %v", b.ID, err)
			}
			return
		}
		b.ReleaseMD(c.mdp)
		c.mu.Lock()
		for i, p := range c.pointers {
			if p == wp {
				c.pointers = append(c.pointers[:i], c.pointers[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}); err != nil && c.log != nil {
		c.log.Errorf("writer: submit write_tail_md band %d failed: %v", b.ID, err)
	}
}

// submitBatch assigns device PPAs to a popped batch's entries, stripes
// them across wp's band, and submits the vectored write.
func (c *Core) submitBatch(wp *WritePointer, b *rwb.Batch) {
	start := time.Now()
	addrs, err := wp.AllocateBatch(c.geom, c.rng, c.xferSize)
	if err != nil {
		c.writeFail(wp, b, err, start)
		return
	}

	for i, e := range b.Entries {
		e.Lock()
		e.PPA = addrs[i]
		lba := e.LBA
		e.Unlock()
		if lba != geometry.InvalidLBA {
			if err := wp.Band.SetAddr(addrs[i], lba); err != nil {
				c.writeFail(wp, b, err, start)
				return
			}
		}
		e.Lock()
		e.SetValid(true)
		e.Unlock()
	}

	if c.trc != nil {
		c.trc.Record(trace.Event{Type: trace.TypeWrite, Point: trace.PointSubmission, BandID: wp.Band.ID, PPA: uint64(addrs[0]), LBKCount: uint32(len(addrs))})
	}

	c.numInflight.Add(1)
	err = c.ctrlr.SubmitWriteWithMD(addrs[0], uint32(c.xferSize), b.Data, b.MD, func(status int32, _ []device.ChunkInfo) {
		c.numInflight.Add(-1)
		if status != 0 {
			c.writeFail(wp, b, fmt.Errorf("status=%d", status), start)
			return
		}
		c.writeComplete(b, start)
	})
	if err != nil {
		c.numInflight.Add(-1)
		c.writeFail(wp, b, err, start)
	}
}

// writeComplete runs process_writes' completion half (spec.md §4.6): for
// each entry still authoritatively cached, convert L2P to the on-disk
// PPA; then service any waiting flushes and release the batch.
func (c *Core) writeComplete(b *rwb.Batch, start time.Time) {
	for _, e := range b.Entries {
		e.Lock()
		lba, ppa := e.LBA, e.PPA
		onSettle := e.OnSettle
		e.Unlock()
		if lba == geometry.InvalidLBA {
			continue
		}
		cached := geometry.CachedAddr(e.Pos)
		_, _ = c.l2p.CompareAndSwap(lba, cached, ppa)
		e.Lock()
		e.SetValid(false)
		e.OnSettle = nil
		e.Unlock()
		if onSettle != nil {
			onSettle(nil)
		}
	}
	c.obs.ObserveWrite(uint64(len(b.Data)), uint64(time.Since(start)), true)
	if c.trc != nil {
		c.trc.Record(trace.Event{Type: trace.TypeWrite, Point: trace.PointCompletion, Completion: 0})
	}
	c.processFlush(b.Index)
	c.rwb.BatchRelease(b)
}

// writeFail implements write_fail (spec.md §4.6): invalidate whatever
// addresses this batch already committed to band metadata, revert the
// batch for resubmission, and mark the band high-priority so relocation
// drains it before it can be reused.
func (c *Core) writeFail(wp *WritePointer, b *rwb.Batch, cause error, start time.Time) {
	if c.log != nil {
		c.log.Errorf("writer: band %d write failed: %v", wp.Band.ID, cause)
	}
	c.obs.ObserveWrite(uint64(len(b.Data)), uint64(time.Since(start)), false)
	if c.trc != nil {
		c.trc.Record(trace.Event{Type: trace.TypeWrite, Point: trace.PointCompletion, BandID: wp.Band.ID, Completion: 1})
	}
	for _, e := range b.Entries {
		e.Lock()
		lba, ppa := e.LBA, e.PPA
		e.Unlock()
		if lba == geometry.InvalidLBA || ppa.IsInvalid() {
			continue
		}
		_ = wp.Band.Invalidate(ppa)
	}
	_ = c.rwb.BatchRevert(b)
	wp.Band.SetHighPrio(true)
	c.mu.Lock()
	for i, p := range c.pointers {
		if p == wp {
			c.pointers = append(c.pointers[:i], c.pointers[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

func (c *Core) processFlush(batchIdx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.flushList[:0]
	for _, f := range c.flushList {
		if f.Bitmap[batchIdx] {
			delete(f.Bitmap, batchIdx)
			f.NumReq--
		}
		if f.NumReq == 0 {
			c.obs.ObserveFlush(uint64(time.Since(f.Started)), true)
			if f.Cb != nil {
				f.Cb(nil)
			}
			continue
		}
		remaining = append(remaining, f)
	}
	c.flushList = remaining
}

// Flush posts a flush work item (spec.md §4.10): every currently
// non-empty batch must complete a write before cb runs.
func (c *Core) Flush(cb func(error)) error {
	bitmap := make(map[int]bool)
	numReq := 0
	for _, b := range c.rwb.Batches() {
		if b.NumAcquired() > 0 {
			bitmap[b.Index] = true
			numReq++
		}
	}
	if numReq == 0 {
		c.obs.ObserveFlush(0, true)
		if cb != nil {
			cb(nil)
		}
		return nil
	}
	c.mu.Lock()
	c.flushList = append(c.flushList, &Flush{Bitmap: bitmap, NumReq: numReq, Cb: cb, Started: time.Now()})
	c.mu.Unlock()
	return nil
}

// RequestShutdown begins the drain described in spec.md §4.11: no new
// bands are opened, and the RWB is padded to force outstanding writes to
// completion. Close blocks until the core thread observes the drain is
// complete.
func (c *Core) RequestShutdown() {
	c.shuttingDown.Store(true)
}

// Close requests shutdown (if not already) and blocks until the core
// thread loop exits.
func (c *Core) Close() {
	c.RequestShutdown()
	c.cancel()
	<-c.done
}

// BandByAddr resolves a media-resident PPA to the band that owns it.
func (c *Core) BandByAddr(addr geometry.Addr) *band.Band {
	if addr.IsInvalid() || addr.IsCached() {
		return nil
	}
	l := c.geom.Unpack(addr)
	if l.Chk >= uint64(len(c.bandsByID)) {
		return nil
	}
	return c.bandsByID[l.Chk]
}

// NextSeq returns the core's sequence counter without mutating it: the
// seq most recently given to a band, or the value SetSeq installed. The
// next band opened gets this value plus one.
func (c *Core) NextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// SetSeq installs a starting sequence number (used by restore, which
// must resume numbering above every recovered band's seq).
func (c *Core) SetSeq(seq uint64) {
	c.mu.Lock()
	c.seq = seq
	c.mu.Unlock()
}
