package band

import (
	"testing"

	"github.com/open-channel/ocssd-ftl/internal/chunk"
	"github.com/open-channel/ocssd-ftl/internal/device"
	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/open-channel/ocssd-ftl/internal/vldmap"
	"github.com/stretchr/testify/require"
)

// fakeController is a synchronous, in-memory device.Controller used only
// by this package's tests: every Submit* call invokes its completion
// callback immediately rather than asynchronously.
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

func (f *fakeController) SubmitGetGeometry(buf []byte, cb device.CompletionFunc) error {
	cb(0)
	return nil
}

func (f *fakeController) RegisterAERCallback(fn func()) error { return nil }
func (f *fakeController) ProcessAdminCompletions() int         { return 0 }
func (f *fakeController) ProcessCompletions(max int) int       { return 0 }

func testGeom() (geometry.Geometry, geometry.PunitRange) {
	g := geometry.Geometry{
		NumGrp: 4, NumPU: 3, NumChk: 1500, LBKsPerChk: 100,
		WSOpt: 16, WSMin: 4,
		GrpLen: 3, PULen: 2, ChkLen: 11, LBKLen: 7,
	}
	return g, geometry.PunitRange{Begin: 2, End: 9}
}

func TestNewBandAddressing(t *testing.T) {
	g, rng := testGeom()
	b, err := New(68, g, rng, [UUIDSize]byte{1})
	require.NoError(t, err)
	require.Equal(t, rng.Count(), uint64(len(b.Chunks)))
	require.Equal(t, rng.Count()*g.LBKsPerChk, b.UsableLBKs())
}

func TestSetAddrInvalidate(t *testing.T) {
	g, rng := testGeom()
	b, err := New(68, g, rng, [UUIDSize]byte{1})
	require.NoError(t, err)

	l := geometry.Logical{Grp: 2, PU: 0, Chk: 68, LBK: 0}
	ppa := g.Pack(l)

	require.NoError(t, b.SetAddr(ppa, 0x68676564))
	require.Equal(t, uint64(1), b.NumVld())

	require.NoError(t, b.Invalidate(ppa))
	require.Equal(t, uint64(0), b.NumVld())

	// idempotent
	require.NoError(t, b.Invalidate(ppa))
	require.Equal(t, uint64(0), b.NumVld())
}

func TestEraseResetsClosedChunksToFree(t *testing.T) {
	g, rng := testGeom()
	b, err := New(1, g, rng, [UUIDSize]byte{2})
	require.NoError(t, err)

	// Simulate all chunks having been closed by a prior write cycle.
	for _, c := range b.Chunks {
		require.NoError(t, c.SetState(chunk.StateOpen))
		require.NoError(t, c.SetState(chunk.StateClosed))
	}

	ctrlr := newFakeController()
	done := make(chan error, 1)
	require.NoError(t, b.Erase(ctrlr, func(err error) { done <- err }))
	require.NoError(t, <-done)

	require.Equal(t, StatePrep, b.State())
	for _, c := range b.Chunks {
		require.Equal(t, chunk.StateFree, c.State())
	}
}

func TestLifecycleAndMDRoundTrip(t *testing.T) {
	g, rng := testGeom()
	b, err := New(5, g, rng, [UUIDSize]byte{9})
	require.NoError(t, err)

	ctrlr := newFakeController()
	pool := NewMDPool(int(b.UsableLBKs()), 2)

	require.NoError(t, b.Erase(ctrlr, func(err error) { require.NoError(t, err) }))
	require.Equal(t, StatePrep, b.State())
	require.NoError(t, b.WritePrep(pool, 1))
	require.Equal(t, StateOpening, b.State())

	headErr := make(chan error, 1)
	require.NoError(t, b.WriteHeadMD(ctrlr, 1024, func(err error) { headErr <- err }))
	require.NoError(t, <-headErr)
	require.Equal(t, StateOpen, b.State())

	l := geometry.Logical{Grp: 2, PU: 0, Chk: 5, LBK: 0}
	ppa := g.Pack(l)
	require.NoError(t, b.SetAddr(ppa, 42))

	require.NoError(t, b.SetState(StateFull))

	tailErr := make(chan error, 1)
	require.NoError(t, b.WriteTailMD(ctrlr, func(err error) { tailErr <- err }))
	require.NoError(t, <-tailErr)
	require.Equal(t, StateClosed, b.State())

	// P9: tail MD round trip via read-back.
	readErr := make(chan error, 1)
	var gotSeq uint64
	var gotNumVld uint
	require.NoError(t, b.ReadTailMD(ctrlr, func(tm TailMD, vld *vldmap.Map, lba []uint64, v HeadMDValidation, err error) {
		gotSeq = tm.Seq
		if vld != nil {
			gotNumVld = vld.Count()
		}
		readErr <- err
	}))
	require.NoError(t, <-readErr)
	require.Equal(t, uint64(1), gotSeq)
	require.Equal(t, uint(1), gotNumVld)
}
