// Package ftl is the public entry point: Open wires a Controller and a
// Config into a running device (band pool, RWB, L2P, the core write
// thread, the read path, and the relocation engine), recovering L2P and
// band state from durable metadata when the media already holds one.
package ftl

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/open-channel/ocssd-ftl/internal/anm"
	"github.com/open-channel/ocssd-ftl/internal/band"
	"github.com/open-channel/ocssd-ftl/internal/device"
	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/open-channel/ocssd-ftl/internal/iobuf"
	"github.com/open-channel/ocssd-ftl/internal/l2p"
	"github.com/open-channel/ocssd-ftl/internal/limits"
	"github.com/open-channel/ocssd-ftl/internal/logging"
	"github.com/open-channel/ocssd-ftl/internal/readpath"
	"github.com/open-channel/ocssd-ftl/internal/reloc"
	"github.com/open-channel/ocssd-ftl/internal/restore"
	"github.com/open-channel/ocssd-ftl/internal/rwb"
	"github.com/open-channel/ocssd-ftl/internal/trace"
	"github.com/open-channel/ocssd-ftl/internal/writer"
)

// relocTickInterval paces the goroutine that drives the relocation
// engine forward. internal/reloc has no loop of its own (it imports
// internal/writer for its *writer.Core handle, so internal/writer
// cannot import it back), so something above both packages has to poll
// it; this device is that something.
const relocTickInterval = 500 * time.Microsecond

// Device is one open OCSSD FTL instance: the public handle wrapping the
// core write thread, the read path, the relocation engine, and this
// device's share of the process-wide ANM.
type Device struct {
	id    uint32
	cfg   *Config
	geom  geometry.Geometry
	rng   geometry.PunitRange
	ctrlr device.Controller
	log   *logging.Logger

	metrics *Metrics
	tracer  *trace.Tracer

	l2pLen uint64
	l2p    *l2p.Table
	bands  []*band.Band

	core   *writer.Core
	reader *readpath.Reader
	reloc  *reloc.Engine
	anm    *anm.Manager

	relocCancel context.CancelFunc
	relocDone   chan struct{}

	closeOnce sync.Once
}

// deviceUUID stamps id into the low bytes of the UUID every one of this
// device's bands is formatted with, so restore can tell a band that
// belongs to this device from one written by a different device sharing
// the same controller.
func deviceUUID(id uint32) [band.UUIDSize]byte {
	var uuid [band.UUIDSize]byte
	binary.LittleEndian.PutUint32(uuid[:4], id)
	return uuid
}

func l2pLenFor(usableLBKsPerBand, numBands uint64, reservedPercent uint32) uint64 {
	total := usableLBKsPerBand * numBands
	return total * uint64(100-reservedPercent) / 100
}

// Open brings up a device against ctrlr: it builds one band per chunk,
// recovers L2P/band state from whatever metadata the media already
// holds (restore.Run), and starts the core write thread, the read path,
// and the relocation engine. A controller with no valid head metadata
// anywhere is treated as freshly formatted rather than as a fatal
// recovery failure.
//
// geom must already have been read back from ctrlr.SubmitGetGeometry and
// parsed into a device.Geometry; this package has no raw geometry-blob
// parser of its own, since nothing upstream of it produces one either.
func Open(id uint32, ctrlr device.Controller, geom device.Geometry, cfg *Config, anmMgr *anm.Manager, log *logging.Logger) (*Device, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := geom.Geom.Validate(); err != nil {
		return nil, NewDeviceError("open", id, ErrCodeInvalidParameters, err.Error())
	}
	if err := cfg.ValidateRWBSize(band.BlockSize, geom.Geom.WSOpt); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Default()
	}
	log = log.WithDevice(id)

	uuid := deviceUUID(id)
	numBands := geom.Geom.NumChk
	bands := make([]*band.Band, numBands)
	for i := uint64(0); i < numBands; i++ {
		b, err := band.New(i, geom.Geom, geom.Range, uuid)
		if err != nil {
			return nil, NewDeviceError("open", id, ErrCodeInvalidParameters, err.Error())
		}
		bands[i] = b
	}

	// Two resident lba_maps cover the core's current + pre-allocated-next
	// WritePointer; the rest give a margin of priority relocations
	// (write_fail-triggered, which AcquireMD immediately) room to overlap.
	mdPool := band.NewMDPool(int(bands[0].UsableLBKs()), 2+int(cfg.MaxActiveRelocs))

	l2pLen := l2pLenFor(bands[0].UsableLBKs(), numBands, cfg.LBAReservedPercent)
	l2pTable := l2p.New(l2pLen)

	result, err := restore.Run(restore.Config{
		Bands:      bands,
		Controller: ctrlr,
		L2P:        l2pTable,
		Geom:       geom.Geom,
		Range:      geom.Range,
		Logger:     log,
	})
	if err != nil {
		if !errors.Is(err, restore.ErrNoValidHeads) {
			return nil, NewDeviceError("open", id, ErrCodeInvalidMetadata, err.Error())
		}
		// No band has ever been formatted: a brand new device, not a
		// corrupt one. Every band is already StateFree from band.New.
		log.Infof("no recoverable metadata found, treating as freshly formatted")
		result = &restore.Result{L2PLen: l2pLen, NextSeq: 1}
	}

	iobufPool := iobuf.NewPool()
	ringBuf, err := rwb.New(uint64(cfg.RWBSize.Bytes()), geom.Geom.WSOpt, band.BlockSize, iobufPool)
	if err != nil {
		return nil, WrapError("open", err)
	}

	limCtrlr := limits.NewController(cfg.DefragLimits, ringBuf.TotalEntries())

	devMetrics := NewMetrics()
	obs := NewMetricsObserver(devMetrics)

	var tracer *trace.Tracer
	if cfg.Trace {
		tracer = trace.New(4096)
		tracer.Enable()
	}

	core, err := writer.NewCore(writer.Config{
		Geom:            geom.Geom,
		Range:           geom.Range,
		Controller:      ctrlr,
		RWB:             ringBuf,
		L2P:             l2pTable,
		Limits:          limCtrlr,
		MDPool:          mdPool,
		Bands:           bands,
		BandThldPercent: uint64(cfg.BandThldPercent),
		BlockSize:       band.BlockSize,
		Logger:          log,
		CPUAffinity:     -1,
		Observer:        obs,
		Tracer:          tracer,
	})
	if err != nil {
		return nil, WrapError("open", err)
	}
	core.SetSeq(result.NextSeq)

	reader, err := readpath.New(readpath.Config{
		Geom:        geom.Geom,
		Controller:  ctrlr,
		L2P:         l2pTable,
		RWB:         ringBuf,
		BlockSize:   band.BlockSize,
		Isolated:    false,
		CPUAffinity: -1,
		Logger:      log,
		Observer:    obs,
	})
	if err != nil {
		return nil, WrapError("open", err)
	}

	relocEngine, err := reloc.New(reloc.Config{
		Geom:       geom.Geom,
		Range:      geom.Range,
		Controller: ctrlr,
		Core:       core,
		MDPool:     mdPool,
		BlockSize:  band.BlockSize,
		XferSize:   geom.Geom.WSOpt,
		MaxActive:  int(cfg.MaxActiveRelocs),
		MaxQdepth:  int(cfg.MaxRelocQueueDepth),
		Logger:     log,
		Observer:   obs,
		Tracer:     tracer,
	})
	if err != nil {
		return nil, WrapError("open", err)
	}

	d := &Device{
		id:      id,
		cfg:     cfg,
		geom:    geom.Geom,
		rng:     geom.Range,
		ctrlr:   ctrlr,
		log:     log,
		metrics: devMetrics,
		tracer:  tracer,
		l2pLen:  result.L2PLen,
		l2p:     l2pTable,
		bands:   bands,
		core:    core,
		reader:  reader,
		reloc:   relocEngine,
		anm:     anmMgr,
	}

	if anmMgr != nil {
		if err := anmMgr.RegisterCtrlr(ctrlr); err != nil {
			return nil, WrapError("open", err)
		}
		if err := anmMgr.RegisterDevice(ctrlr, d, geom.Geom, geom.Range, d.onNotification); err != nil {
			return nil, WrapError("open", err)
		}
	}

	core.Start()
	reader.Start()
	relocEngine.Resume()
	d.startRelocLoop()

	return d, nil
}

// onNotification handles a chunk-notification event the ANM dispatched
// for this device: a chunk going bad mid-band is surfaced as a band
// write failure the same way a submission error would be, by handing the
// band straight to relocation with priority.
func (d *Device) onNotification(ev *anm.Event) {
	defer ev.Complete()

	l := d.geom.Unpack(ev.PPA)
	b := d.core.BandByAddr(ev.PPA)
	if b == nil {
		return
	}
	off, err := d.geom.BandLBKOff(d.rng, b.ID, l)
	if err != nil {
		d.log.WithBand(uint32(b.ID)).Warnf("notification: %v", err)
		return
	}

	switch ev.Range {
	case device.RangeChunk:
		_ = d.reloc.Add(b, 0, b.UsableLBKs(), true)
	case device.RangePU:
		_ = d.reloc.Add(b, 0, b.UsableLBKs(), true)
	default:
		_ = d.reloc.Add(b, off, 1, true)
	}
}

// startRelocLoop launches the dedicated goroutine that keeps the
// relocation engine's Tick moving and scans closed bands for ones that
// have crossed the invalid-block threshold. It is the top-level
// equivalent of the core/read/ANM packages' own pinned loops, needed
// here specifically because of the reloc->writer import that rules out
// internal/writer driving it directly.
func (d *Device) startRelocLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	d.relocCancel = cancel
	d.relocDone = make(chan struct{})

	go func() {
		defer close(d.relocDone)
		ticker := time.NewTicker(relocTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			d.reloc.Tick()
			d.scanRelocCandidates()
		}
	}()
}

// scanRelocCandidates walks every band, adding CLOSED ones that have
// crossed InvldThldPercent invalid blocks to the relocation engine
// (spec.md §4.9's band-selection policy). Re-adding an already-tracked
// band is a no-op: Add only grows a band's relocMap.
func (d *Device) scanRelocCandidates() {
	for _, b := range d.bands {
		if b.State() != band.StateClosed {
			continue
		}
		usable := b.UsableLBKs()
		if usable == 0 {
			continue
		}
		invalid := usable - b.NumVld()
		if invalid*100/usable < uint64(d.cfg.InvldThldPercent) {
			continue
		}
		if err := d.reloc.Add(b, 0, usable, false); err != nil {
			d.log.WithBand(uint32(b.ID)).Warnf("reloc: add: %v", err)
		}
	}
}

// Read reads count LBKs starting at lba into buf, invoking cb with the
// first error observed, if any, once every sub-operation has completed.
func (d *Device) Read(lba uint64, count uint64, buf []byte, cb func(error)) error {
	return d.reader.Read(lba, count, buf, cb)
}

// Write submits a user write of data (and optional per-LBK metadata) at
// lba, invoking settled with nil once the write has landed. A failed
// device write is resubmitted rather than reported to settled; an
// admission failure is returned and settled is then not called.
func (d *Device) Write(lba uint64, data []byte, md []byte, settled func(error)) error {
	return d.core.WriteWithCallback(lba, data, rwb.AdmissionUser, false, md, settled)
}

// Flush requests a durability barrier over every band currently open for
// writing, invoking cb once every outstanding batch at flush time has
// completed (spec.md §4.10).
func (d *Device) Flush(cb func(error)) error {
	return d.core.Flush(cb)
}

// Metrics returns the device's live metrics snapshot source.
func (d *Device) Metrics() *Metrics { return d.metrics }

// L2PLen reports the number of user-addressable LBAs, fixed at Open.
func (d *Device) L2PLen() uint64 { return d.l2pLen }

// Close drains outstanding writes, halts relocation, and tears down the
// core, relocation, and read loops, in that order (spec.md §4.11).
// It does not dump the tracer; callers that enabled tracing should call
// DumpTrace first if they want it persisted.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		d.core.Close()

		d.reloc.Halt()
		if d.relocCancel != nil {
			d.relocCancel()
			<-d.relocDone
		}

		d.reader.Close()

		if d.anm != nil {
			d.anm.UnregisterDevice(d.ctrlr, d)
			d.anm.UnregisterCtrlr(d.ctrlr)
		}

		d.metrics.Stop()
	})
}

// DumpTrace writes the tracer's current ring to path. It is a no-op,
// returning nil, if tracing was not enabled at Open.
func (d *Device) DumpTrace(path string) error {
	if d.tracer == nil {
		return nil
	}
	return d.tracer.Dump(path)
}
