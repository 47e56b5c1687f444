// Package readpath implements the read path (spec.md §4.5): per-LBK L2P
// lookup, the cache-hit fast path with lock-and-recheck against a racing
// write, and device read submission for on-disk addresses. Reads run
// inline on the calling goroutine unless read/core thread isolation is
// configured, in which case Read hands the request to a dedicated pinned
// goroutine over the same cross-thread message ring the core thread uses.
package readpath

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/open-channel/ocssd-ftl/internal/device"
	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/open-channel/ocssd-ftl/internal/l2p"
	"github.com/open-channel/ocssd-ftl/internal/logging"
	"github.com/open-channel/ocssd-ftl/internal/metrics"
	"github.com/open-channel/ocssd-ftl/internal/msgring"
	"github.com/open-channel/ocssd-ftl/internal/rwb"
)

// Config wires a Reader to its collaborators.
type Config struct {
	Geom        geometry.Geometry
	Controller  device.Controller
	L2P         *l2p.Table
	RWB         *rwb.RWB
	BlockSize   uint64
	Isolated    bool // OCSSD_MODE_READ_ISOLATION: run reads on a dedicated thread
	QueueDepth  int  // cross-thread request queue capacity, isolated mode only
	CPUAffinity int  // -1 = no affinity
	Logger      *logging.Logger
	Observer    metrics.Observer // nil uses metrics.NoOp{}
}

// readRequest tracks one multi-block Read call to completion: outstanding
// counts down to zero across however many per-LBK sub-operations the
// request split into (some resolved synchronously, some async via the
// device), firing cb exactly once with the first error observed, if any.
type readRequest struct {
	mu          sync.Mutex
	lba         uint64
	count       uint64
	buf         []byte
	cb          func(error)
	outstanding int64
	err         error
	fired       bool
}

func (req *readRequest) complete(err error) {
	req.mu.Lock()
	if err != nil && req.err == nil {
		req.err = err
	}
	req.outstanding--
	fire := req.outstanding == 0 && !req.fired
	if fire {
		req.fired = true
	}
	cb, ferr := req.cb, req.err
	req.mu.Unlock()
	if fire && cb != nil {
		cb(ferr)
	}
}

// Reader serves reads per spec.md §4.5.
type Reader struct {
	geom      geometry.Geometry
	ctrlr     device.Controller
	l2p       *l2p.Table
	rwb       *rwb.RWB
	blockSize uint64
	log       *logging.Logger
	obs       metrics.Observer

	isolated    bool
	cpuAffinity int
	queue       *msgring.Ring[*readRequest]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Reader. When cfg.Isolated is false the returned Reader has
// no background goroutine; Start is then a no-op and Read executes
// entirely on the caller's goroutine.
func New(cfg Config) (*Reader, error) {
	if cfg.BlockSize == 0 {
		return nil, fmt.Errorf("readpath: block size must be nonzero")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = metrics.NoOp{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reader{
		geom:        cfg.Geom,
		ctrlr:       cfg.Controller,
		l2p:         cfg.L2P,
		rwb:         cfg.RWB,
		blockSize:   cfg.BlockSize,
		log:         cfg.Logger,
		obs:         obs,
		isolated:    cfg.Isolated,
		cpuAffinity: cfg.CPUAffinity,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	if r.cpuAffinity == 0 {
		r.cpuAffinity = -1
	}
	if cfg.Isolated {
		depth := cfg.QueueDepth
		if depth == 0 {
			depth = 256
		}
		r.queue = msgring.New[*readRequest](msgring.NextPow2(depth))
	}
	return r, nil
}

// Start launches the dedicated read-thread goroutine when isolation is
// configured; otherwise it does nothing, since Read already runs inline.
func (r *Reader) Start() {
	if r.isolated {
		go r.loop()
	} else {
		close(r.done)
	}
}

// Close stops the read thread, if any, and waits for it to exit.
func (r *Reader) Close() {
	r.cancel()
	if r.isolated {
		<-r.done
	}
}

func (r *Reader) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.done)

	if r.cpuAffinity >= 0 {
		var mask unix.CPUSet
		mask.Set(r.cpuAffinity)
		if err := unix.SchedSetaffinity(0, &mask); err != nil && r.log != nil {
			r.log.Errorf("readpath: failed to set read thread CPU affinity to %d: %v", r.cpuAffinity, err)
		}
	}

	idle := time.NewTicker(200 * time.Microsecond)
	defer idle.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		r.ctrlr.ProcessCompletions(64)

		req, ok := r.queue.Pop()
		if !ok {
			select {
			case <-idle.C:
			case <-r.ctx.Done():
				return
			}
			continue
		}
		r.serve(req)
	}
}

// Read resolves count LBKs starting at lba into buf (which must be
// count*BlockSize bytes) and invokes cb exactly once when every block has
// settled, synchronously if nothing required a device round trip.
func (r *Reader) Read(lba uint64, count uint64, buf []byte, cb func(error)) error {
	if uint64(len(buf)) != count*r.blockSize {
		return fmt.Errorf("readpath: read: buffer length %d != %d blocks of %d bytes", len(buf), count, r.blockSize)
	}
	if count == 0 {
		if cb != nil {
			cb(nil)
		}
		return nil
	}

	req := &readRequest{lba: lba, count: count, buf: buf, cb: cb, outstanding: int64(count)}

	if r.isolated {
		if !r.queue.Push(req) {
			return fmt.Errorf("readpath: read: request queue full")
		}
		return nil
	}

	r.serve(req)
	return nil
}

func (r *Reader) serve(req *readRequest) {
	for i := uint64(0); i < req.count; i++ {
		r.resolveBlock(req, i)
	}
}

// resolveBlock implements spec.md §4.5 steps 1-4 for one LBK of req.
func (r *Reader) resolveBlock(req *readRequest, i uint64) {
	lba := req.lba + i
	dst := req.buf[i*r.blockSize : (i+1)*r.blockSize]
	start := time.Now()

	for {
		addr, err := r.l2p.Get(lba)
		if err != nil {
			r.obs.ObserveRead(r.blockSize, uint64(time.Since(start)), false)
			req.complete(err)
			return
		}

		if addr.IsInvalid() {
			for j := range dst {
				dst[j] = 0
			}
			r.obs.ObserveRead(r.blockSize, uint64(time.Since(start)), true)
			req.complete(nil)
			return
		}

		if addr.IsCached() {
			entry, ok := r.rwb.EntryFromOffset(addr.CacheOffset())
			if !ok {
				continue // entry recycled since the lookup; retry fresh
			}
			entry.Lock()
			cur, cerr := r.l2p.Get(lba)
			if cerr == nil && cur == addr {
				copy(dst, entry.Data)
				entry.Unlock()
				r.obs.ObserveRead(r.blockSize, uint64(time.Since(start)), true)
				req.complete(nil)
				return
			}
			entry.Unlock()
			continue // L2P moved under us (EAGAIN): restart this block
		}

		// On-disk: submit a single-LBK PPA-mode read (spec.md §4.5 item 4's
		// "one LBK at a time in LBA mode" rule), so an interleaved cache hit
		// on a neighboring LBK is never blocked behind this device round trip.
		if err := r.ctrlr.SubmitRead(addr, 1, dst, func(status int32) {
			if status != 0 {
				r.obs.ObserveRead(r.blockSize, uint64(time.Since(start)), false)
				req.complete(fmt.Errorf("readpath: read ppa %d failed: status=%d", addr, status))
				return
			}
			r.obs.ObserveRead(r.blockSize, uint64(time.Since(start)), true)
			req.complete(nil)
		}); err != nil {
			r.obs.ObserveRead(r.blockSize, uint64(time.Since(start)), false)
			req.complete(err)
		}
		return
	}
}
