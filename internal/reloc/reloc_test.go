package reloc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/open-channel/ocssd-ftl/internal/band"
	"github.com/open-channel/ocssd-ftl/internal/device"
	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/open-channel/ocssd-ftl/internal/iobuf"
	"github.com/open-channel/ocssd-ftl/internal/l2p"
	"github.com/open-channel/ocssd-ftl/internal/limits"
	"github.com/open-channel/ocssd-ftl/internal/rwb"
	"github.com/open-channel/ocssd-ftl/internal/writer"
	"github.com/stretchr/testify/require"
)

// fakeController is a synchronous, in-memory device.Controller, the same
// shape as internal/band's, internal/writer's, and internal/readpath's
// test doubles.
type fakeController struct {
	media map[geometry.Addr][]byte
}

func newFakeController() *fakeController {
	return &fakeController{media: make(map[geometry.Addr][]byte)}
}

func (f *fakeController) SubmitRead(ppa geometry.Addr, lbaCount uint32, buf []byte, cb device.CompletionFunc) error {
	if data, ok := f.media[ppa]; ok {
		copy(buf, data)
	}
	cb(0)
	return nil
}

func (f *fakeController) SubmitWriteWithMD(ppa geometry.Addr, lbaCount uint32, buf, md []byte, cb device.VectorResetFuncOrNil) error {
	stored := make([]byte, len(buf))
	copy(stored, buf)
	f.media[ppa] = stored
	cb(0, nil)
	return nil
}

func (f *fakeController) SubmitVectorReset(ppas []geometry.Addr, cb device.VectorResetFunc) error {
	infos := make([]device.ChunkInfo, len(ppas))
	for i, p := range ppas {
		infos[i] = device.ChunkInfo{PPA: p, State: device.ChunkStateFree}
	}
	cb(0, infos)
	return nil
}

func (f *fakeController) SubmitGetLogPage(page device.LogPageID, buf []byte, offset uint64, cb device.LogPageFunc) error {
	cb(0, nil)
	return nil
}
func (f *fakeController) SubmitGetGeometry(buf []byte, cb device.CompletionFunc) error {
	cb(0)
	return nil
}
func (f *fakeController) RegisterAERCallback(fn func()) error { return nil }
func (f *fakeController) ProcessAdminCompletions() int         { return 0 }
func (f *fakeController) ProcessCompletions(max int) int       { return 0 }

const (
	testXferSize  = 4
	testBlockSize = 4096
)

func testGeom() (geometry.Geometry, geometry.PunitRange) {
	g := geometry.Geometry{
		NumGrp: 2, NumPU: 2, NumChk: 10, LBKsPerChk: 8,
		WSOpt: testXferSize, WSMin: 2,
		GrpLen: 2, PULen: 2, ChkLen: 4, LBKLen: 4,
	}
	return g, geometry.PunitRange{Begin: 0, End: 3}
}

// testRig wires a writer.Core and a reloc.Engine over the same bands,
// controller, and MD pool, mirroring how a real ftl.Device wires both.
type testRig struct {
	core   *writer.Core
	engine *Engine
	ctrlr  *fakeController
	l2p    *l2p.Table
	bands  []*band.Band
	mdp    *band.MDPool
}

func newTestRig(t *testing.T, numBands int) *testRig {
	t.Helper()
	geom, rng := testGeom()

	bands := make([]*band.Band, numBands)
	for i := 0; i < numBands; i++ {
		b, err := band.New(uint64(i), geom, rng, [band.UUIDSize]byte{byte(i + 1)})
		require.NoError(t, err)
		bands[i] = b
	}

	pool := iobuf.NewPool()
	rb, err := rwb.New(2*testXferSize*testBlockSize, testXferSize, testBlockSize, pool)
	require.NoError(t, err)

	table := l2p.New(1024)
	mdPool := band.NewMDPool(int(bands[0].UsableLBKs()), numBands)
	limCtl := limits.NewController(limits.DefaultSettings(), rb.TotalEntries())
	ctrlr := newFakeController()

	core, err := writer.NewCore(writer.Config{
		Geom:            geom,
		Range:           rng,
		Controller:      ctrlr,
		RWB:             rb,
		L2P:             table,
		Limits:          limCtl,
		MDPool:          mdPool,
		Bands:           bands,
		BandThldPercent: 80,
		BlockSize:       testBlockSize,
	})
	require.NoError(t, err)

	engine, err := New(Config{
		Geom:       geom,
		Range:      rng,
		Controller: ctrlr,
		Core:       core,
		MDPool:     mdPool,
		BlockSize:  testBlockSize,
		XferSize:   testXferSize,
		MaxActive:  1,
		MaxQdepth:  2,
	})
	require.NoError(t, err)
	engine.Resume()

	return &testRig{core: core, engine: engine, ctrlr: ctrlr, l2p: table, bands: bands, mdp: mdPool}
}

// fillBand drives core through opening the first free band and writing
// enough distinct LBAs to fill it to its tail MD offset, closing it.
func (r *testRig) fillBand(t *testing.T, numLBAs int, firstLBA uint64) *band.Band {
	t.Helper()
	r.core.Tick()

	data := make([]byte, testBlockSize)
	for i := 0; i < numLBAs; i++ {
		lba := firstLBA + uint64(i)
		copy(data, []byte{byte(lba), byte(lba >> 8)})
		require.NoError(t, r.core.Write(lba, data, rwb.AdmissionUser, false, nil))
		if (i+1)%testXferSize == 0 {
			r.core.Tick()
		}
	}
	// A few more ticks to observe Full() and close the band.
	for i := 0; i < 3; i++ {
		r.core.Tick()
	}

	var closed *band.Band
	for _, b := range r.bands {
		if b.State() == band.StateClosed {
			closed = b
		}
	}
	require.NotNil(t, closed, "expected a band to reach CLOSED")
	return closed
}

// runToFree alternates Engine.Tick and core.Tick until b returns to FREE
// or the iteration budget is exhausted.
func (r *testRig) runToFree(t *testing.T, b *band.Band, maxIters int) {
	t.Helper()
	for i := 0; i < maxIters && b.State() != band.StateFree; i++ {
		r.engine.Tick()
		r.core.Tick()
	}
	require.Equal(t, band.StateFree, b.State())
}

func TestRelocationDrainsClosedBandToFree(t *testing.T) {
	rig := newTestRig(t, 3)

	b := rig.fillBand(t, 28, 100)
	require.Equal(t, band.StateClosed, b.State())

	require.NoError(t, rig.engine.Add(b, 0, b.UsableLBKs(), false))
	rig.runToFree(t, b, 200)

	for i := uint64(0); i < 28; i++ {
		lba := 100 + i
		addr, err := rig.l2p.Get(lba)
		require.NoError(t, err)
		require.False(t, addr.IsInvalid(), "lba %d should still resolve after relocation", lba)
	}
}

// TestRelocationPriorityBandSkipsTailMDReload simulates the write_fail
// path (spec.md §4.6/§4.9): the band's lba_map is already resident
// because write_fail never released it, so relocation must service it
// from the priority queue without a ReadTailMD round trip. The band is
// opened directly rather than through writer.Core, standing in for a
// band that failed mid-write and so never reached CLOSED.
func TestRelocationPriorityBandSkipsTailMDReload(t *testing.T) {
	rig := newTestRig(t, 3)
	b := rig.bands[1]

	require.NoError(t, b.Erase(rig.ctrlr, func(err error) { require.NoError(t, err) }))
	require.NoError(t, b.WritePrep(rig.mdp, 1))
	require.NoError(t, b.WriteHeadMD(rig.ctrlr, 1024, func(err error) { require.NoError(t, err) }))

	geom, rng := testGeom()
	for i := uint64(0); i < 28; i++ {
		logical, err := geom.PPAFromLBKOff(rng, b.ID, i)
		require.NoError(t, err)
		require.NoError(t, b.SetAddr(geom.Pack(logical), 500+i))
	}
	b.SetHighPrio(true)

	require.NoError(t, rig.engine.Add(b, 0, b.UsableLBKs(), true))

	for i := 0; i < 200 && b.HighPrio(); i++ {
		rig.engine.Tick()
		rig.core.Tick()
	}
	require.False(t, b.HighPrio())

	for i := uint64(0); i < 28; i++ {
		lba := 500 + i
		addr, err := rig.l2p.Get(lba)
		require.NoError(t, err)
		require.False(t, addr.IsInvalid())
	}
}

func TestRelocatedBandMetadataClearedForReuse(t *testing.T) {
	rig := newTestRig(t, 3)

	b := rig.fillBand(t, 28, 300)
	require.NoError(t, rig.engine.Add(b, 0, b.UsableLBKs(), false))
	rig.runToFree(t, b, 200)

	require.Zero(t, b.NumVld(), "a reused band must start with a clean vld_map/num_vld")
}

// TestRelocationClearsEveryVldMapBit snapshots a fully-written band's
// vld_map before relocation and asserts every bit it names is gone
// afterward, via a structural diff rather than just a popcount.
func TestRelocationClearsEveryVldMapBit(t *testing.T) {
	rig := newTestRig(t, 3)

	b := rig.fillBand(t, 28, 400)
	before, err := b.VldMap().MarshalBinary()
	require.NoError(t, err)

	require.NoError(t, rig.engine.Add(b, 0, b.UsableLBKs(), false))
	rig.runToFree(t, b, 200)

	after, err := b.VldMap().MarshalBinary()
	require.NoError(t, err)

	if diff := cmp.Diff(before, after); diff == "" {
		t.Fatal("expected vld_map to change after relocation, got identical snapshots")
	}
	require.Zero(t, b.NumVld())
}
