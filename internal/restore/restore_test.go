package restore

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/open-channel/ocssd-ftl/internal/band"
	"github.com/open-channel/ocssd-ftl/internal/device"
	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/open-channel/ocssd-ftl/internal/l2p"
)

// l2pSnapshot reads every LBA out of tbl into a plain slice, cheap enough
// at these test sizes and comparable with cmp.Diff without reaching into
// l2p.Table's internals.
func l2pSnapshot(t *testing.T, tbl *l2p.Table) []geometry.Addr {
	t.Helper()
	out := make([]geometry.Addr, tbl.Len())
	for lba := range out {
		addr, err := tbl.Get(uint64(lba))
		require.NoError(t, err)
		out[lba] = addr
	}
	return out
}

// vldSnapshot marshals a band's vld_map for byte-level comparison.
func vldSnapshot(t *testing.T, b *band.Band) []byte {
	t.Helper()
	data, err := b.VldMap().MarshalBinary()
	require.NoError(t, err)
	return data
}

// fakeController is a synchronous, in-memory device.Controller: every
// Submit* call invokes its completion callback immediately. Keyed by PPA
// so metadata written by one *band.Band value can be read back by a
// freshly constructed one with the same id/UUID, simulating a process
// restart against the same underlying media.
type fakeController struct {
	media map[geometry.Addr][]byte
}

func newFakeController() *fakeController {
	return &fakeController{media: make(map[geometry.Addr][]byte)}
}

func (f *fakeController) SubmitRead(ppa geometry.Addr, lbaCount uint32, buf []byte, cb device.CompletionFunc) error {
	data, ok := f.media[ppa]
	if ok {
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

func (f *fakeController) SubmitGetGeometry(buf []byte, cb device.CompletionFunc) error { return nil }

func (f *fakeController) RegisterAERCallback(fn func()) error { return nil }
func (f *fakeController) ProcessAdminCompletions() int         { return 0 }
func (f *fakeController) ProcessCompletions(max int) int       { return 0 }

func testGeom() (geometry.Geometry, geometry.PunitRange) {
	g := geometry.Geometry{
		NumGrp: 1, NumPU: 1, NumChk: 4, LBKsPerChk: 32,
		WSOpt: 4, WSMin: 2,
		GrpLen: 1, PULen: 1, ChkLen: 2, LBKLen: 5,
	}
	return g, geometry.PunitRange{Begin: 0, End: 0}
}

// writeBand drives a fresh band through erase/write_prep/write_head_md,
// records one SetAddr per (lba, lbkOffset) pair, then closes it with
// write_tail_md, exactly as internal/writer's core loop would.
func writeBand(t *testing.T, ctrlr *fakeController, id uint64, geom geometry.Geometry, rng geometry.PunitRange, uuid [band.UUIDSize]byte, seq uint64, l2pLen uint64, entries map[uint64]uint64) *band.Band {
	t.Helper()
	b, err := band.New(id, geom, rng, uuid)
	require.NoError(t, err)

	pool := band.NewMDPool(int(b.UsableLBKs()), 1)

	require.NoError(t, b.Erase(ctrlr, func(err error) { require.NoError(t, err) }))
	require.NoError(t, b.WritePrep(pool, seq))

	headErr := make(chan error, 1)
	require.NoError(t, b.WriteHeadMD(ctrlr, l2pLen, func(err error) { headErr <- err }))
	require.NoError(t, <-headErr)

	for off, lba := range entries {
		logical, err := geom.PPAFromLBKOff(rng, id, off)
		require.NoError(t, err)
		ppa := geom.Pack(logical)
		require.NoError(t, b.SetAddr(ppa, lba))
	}

	require.NoError(t, b.SetState(band.StateFull))

	tailErr := make(chan error, 1)
	require.NoError(t, b.WriteTailMD(ctrlr, func(err error) { tailErr <- err }))
	require.NoError(t, <-tailErr)

	return b
}

// freshBand reconstructs a band.Band the way ftl.Open would on restart:
// same id/geometry/UUID, but FREE and with no in-memory md, since only
// the media (here, the shared fakeController) is durable across restarts.
func freshBand(t *testing.T, id uint64, geom geometry.Geometry, rng geometry.PunitRange, uuid [band.UUIDSize]byte) *band.Band {
	t.Helper()
	b, err := band.New(id, geom, rng, uuid)
	require.NoError(t, err)
	return b
}

func TestRunRecoversL2PFromClosedBand(t *testing.T) {
	geom, rng := testGeom()
	uuid := [band.UUIDSize]byte{7}
	ctrlr := newFakeController()

	writeBand(t, ctrlr, 0, geom, rng, uuid, 1, 1024, map[uint64]uint64{0: 100, 1: 200})

	bands := []*band.Band{
		freshBand(t, 0, geom, rng, uuid),
		freshBand(t, 1, geom, rng, uuid),
	}
	tbl := l2p.New(1024)

	res, err := Run(Config{Bands: bands, Controller: ctrlr, L2P: tbl, Geom: geom, Range: rng})
	require.NoError(t, err)
	require.Equal(t, uint64(1024), res.L2PLen)
	require.Equal(t, uint64(2), res.NextSeq)

	want0, err := geom.PPAFromLBKOff(rng, 0, 0)
	require.NoError(t, err)
	addr, err := tbl.Get(100)
	require.NoError(t, err)
	require.Equal(t, geom.Pack(want0), addr)

	want1, err := geom.PPAFromLBKOff(rng, 0, 1)
	require.NoError(t, err)
	addr, err = tbl.Get(200)
	require.NoError(t, err)
	require.Equal(t, geom.Pack(want1), addr)

	require.Equal(t, band.StateClosed, bands[0].State())
	require.Equal(t, uint64(2), bands[0].NumVld())

	// Band 1 was never written: it has no head metadata, so restore
	// leaves it FREE without touching its (empty) vld_map.
	require.Equal(t, band.StateFree, bands[1].State())
}

func TestRunInvalidatesStaleBandOnOverwrite(t *testing.T) {
	geom, rng := testGeom()
	uuid := [band.UUIDSize]byte{3}
	ctrlr := newFakeController()

	// Band 0 writes lba 42, then band 1 (a later sequence) rewrites the
	// same lba: replaying band 1 after band 0 must invalidate band 0's
	// copy, leaving it with zero live blocks.
	writeBand(t, ctrlr, 0, geom, rng, uuid, 1, 1024, map[uint64]uint64{0: 42})
	writeBand(t, ctrlr, 1, geom, rng, uuid, 2, 1024, map[uint64]uint64{0: 42})

	bands := []*band.Band{
		freshBand(t, 0, geom, rng, uuid),
		freshBand(t, 1, geom, rng, uuid),
	}
	tbl := l2p.New(1024)

	res, err := Run(Config{Bands: bands, Controller: ctrlr, L2P: tbl, Geom: geom, Range: rng})
	require.NoError(t, err)
	require.Equal(t, uint64(3), res.NextSeq)

	want1, err := geom.PPAFromLBKOff(rng, 1, 0)
	require.NoError(t, err)
	addr, err := tbl.Get(42)
	require.NoError(t, err)
	require.Equal(t, geom.Pack(want1), addr, "the higher-seq band's copy must win")

	require.Equal(t, uint64(0), bands[0].NumVld())
	require.Equal(t, band.StateFree, bands[0].State(), "a band left with zero live blocks reverts to FREE")
	require.Equal(t, band.StateClosed, bands[1].State())
	require.Equal(t, uint64(1), bands[1].NumVld())
}

func TestRunSkipsLBAsBeyondL2PLen(t *testing.T) {
	geom, rng := testGeom()
	uuid := [band.UUIDSize]byte{4}
	ctrlr := newFakeController()

	// l2p_len is 10 but this entry addresses lba 999: spec.md scopes the
	// replay loop to lba_map[i] < l2p_len, so it must be skipped rather
	// than aborting the whole restore.
	writeBand(t, ctrlr, 0, geom, rng, uuid, 1, 10, map[uint64]uint64{0: 999})

	bands := []*band.Band{freshBand(t, 0, geom, rng, uuid)}
	tbl := l2p.New(10)

	res, err := Run(Config{Bands: bands, Controller: ctrlr, L2P: tbl, Geom: geom, Range: rng})
	require.NoError(t, err)
	require.Equal(t, uint64(10), res.L2PLen)

	// The band still reports its vld_map bit set (the out-of-range entry
	// is skipped only for L2P replay, not for the band's own liveness).
	require.Equal(t, uint64(1), bands[0].NumVld())
	require.Equal(t, band.StateClosed, bands[0].State())
}

func TestRunFailsWithNoValidHeadMetadata(t *testing.T) {
	geom, rng := testGeom()
	uuid := [band.UUIDSize]byte{5}
	ctrlr := newFakeController()

	bands := []*band.Band{freshBand(t, 0, geom, rng, uuid), freshBand(t, 1, geom, rng, uuid)}
	tbl := l2p.New(10)

	_, err := Run(Config{Bands: bands, Controller: ctrlr, L2P: tbl, Geom: geom, Range: rng})
	require.Error(t, err)
}

// TestRunIsDeterministic replays the same media through Run twice, against
// two independent sets of fresh bands and L2P tables, and requires the
// resulting L2P and vld_map snapshots to be byte-for-byte identical.
func TestRunIsDeterministic(t *testing.T) {
	geom, rng := testGeom()
	uuid := [band.UUIDSize]byte{9}
	ctrlr := newFakeController()

	writeBand(t, ctrlr, 0, geom, rng, uuid, 1, 64, map[uint64]uint64{0: 10, 1: 11, 2: 12})
	writeBand(t, ctrlr, 1, geom, rng, uuid, 2, 64, map[uint64]uint64{0: 12})

	runOnce := func() ([]geometry.Addr, [][]byte) {
		bands := []*band.Band{
			freshBand(t, 0, geom, rng, uuid),
			freshBand(t, 1, geom, rng, uuid),
		}
		tbl := l2p.New(64)
		_, err := Run(Config{Bands: bands, Controller: ctrlr, L2P: tbl, Geom: geom, Range: rng})
		require.NoError(t, err)

		vlds := make([][]byte, len(bands))
		for i, b := range bands {
			vlds[i] = vldSnapshot(t, b)
		}
		return l2pSnapshot(t, tbl), vlds
	}

	l2pA, vldA := runOnce()
	l2pB, vldB := runOnce()

	if diff := cmp.Diff(l2pA, l2pB); diff != "" {
		t.Errorf("l2p snapshot mismatch across replays (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(vldA, vldB); diff != "" {
		t.Errorf("vld_map snapshot mismatch across replays (-first +second):\n%s", diff)
	}
}

func TestRunFailsOnDuplicateSeq(t *testing.T) {
	geom, rng := testGeom()
	uuid := [band.UUIDSize]byte{6}
	ctrlr := newFakeController()

	writeBand(t, ctrlr, 0, geom, rng, uuid, 5, 10, map[uint64]uint64{0: 1})
	writeBand(t, ctrlr, 1, geom, rng, uuid, 5, 10, map[uint64]uint64{0: 2})

	bands := []*band.Band{
		freshBand(t, 0, geom, rng, uuid),
		freshBand(t, 1, geom, rng, uuid),
	}
	tbl := l2p.New(10)

	_, err := Run(Config{Bands: bands, Controller: ctrlr, L2P: tbl, Geom: geom, Range: rng})
	require.Error(t, err)
}
