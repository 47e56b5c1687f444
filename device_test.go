package ftl

import (
	"sync"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/open-channel/ocssd-ftl/internal/band"
	"github.com/open-channel/ocssd-ftl/internal/device"
	"github.com/open-channel/ocssd-ftl/internal/geometry"
)

func testGeometry() device.Geometry {
	return device.Geometry{
		Geom: geometry.Geometry{
			NumGrp: 1, NumPU: 1, NumChk: 4, LBKsPerChk: 64,
			WSOpt: 4, WSMin: 2,
			GrpLen: 1, PULen: 1, ChkLen: 2, LBKLen: 7,
		},
		Range: geometry.PunitRange{Begin: 0, End: 0},
	}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RWBSize = 32 * datasize.KB // a multiple of BlockSize(4096) * WSOpt(4)
	cfg.LBAReservedPercent = 20
	cfg.BandThldPercent = 90
	cfg.MaxActiveRelocs = 2
	cfg.MaxRelocQueueDepth = 2
	return cfg
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

// writeBatch issues every entry's write without blocking in between,
// then waits once for all of them to settle. WSOpt is 4 in testGeometry,
// so a single full batch's worth of distinct LBAs submits and completes
// on its own, without needing an explicit Flush.
func writeBatch(t *testing.T, d *Device, entries map[uint64][]byte) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(len(entries))
	var mu sync.Mutex
	var errs []error
	for lba, data := range entries {
		lba, data := lba, data
		require.NoError(t, d.Write(lba, data, nil, func(err error) {
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			wg.Done()
		}))
	}
	waitOrTimeout(t, &wg)
	require.Empty(t, errs)
}

func readAndWait(t *testing.T, d *Device, lba uint64, buf []byte) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)
	var readErr error
	require.NoError(t, d.Read(lba, 1, buf, func(err error) {
		readErr = err
		wg.Done()
	}))
	waitOrTimeout(t, &wg)
	require.NoError(t, readErr)
}

func TestOpenFreshDeviceWritesAndReadsBack(t *testing.T) {
	geom := testGeometry()
	ctrlr := NewMockController(geom.Geom)

	d, err := Open(1, ctrlr, geom, testConfig(), nil, nil)
	require.NoError(t, err)
	defer d.Close()

	want := make(map[uint64][]byte)
	for lba := uint64(0); lba < 4; lba++ {
		data := make([]byte, band.BlockSize)
		for i := range data {
			data[i] = byte(lba) + 1
		}
		want[lba] = data
	}
	writeBatch(t, d, want)

	for lba, data := range want {
		got := make([]byte, band.BlockSize)
		readAndWait(t, d, lba, got)
		require.Equal(t, data, got, "lba %d", lba)
	}
}

func TestOpenFlushDrainsPartialBatch(t *testing.T) {
	geom := testGeometry()
	ctrlr := NewMockController(geom.Geom)

	d, err := Open(2, ctrlr, geom, testConfig(), nil, nil)
	require.NoError(t, err)
	defer d.Close()

	data := make([]byte, band.BlockSize)
	data[0] = 0xAB

	var wg sync.WaitGroup
	wg.Add(2)
	var writeErr, flushErr error
	require.NoError(t, d.Write(0, data, nil, func(err error) {
		writeErr = err
		wg.Done()
	}))
	require.NoError(t, d.Flush(func(err error) {
		flushErr = err
		wg.Done()
	}))
	waitOrTimeout(t, &wg)
	require.NoError(t, writeErr)
	require.NoError(t, flushErr)

	got := make([]byte, band.BlockSize)
	readAndWait(t, d, 0, got)
	require.Equal(t, data, got)
}

func TestOpenOnEmptyMediaTreatsAsFreshlyFormatted(t *testing.T) {
	geom := testGeometry()
	ctrlr := NewMockController(geom.Geom)

	d, err := Open(3, ctrlr, geom, testConfig(), nil, nil)
	require.NoError(t, err)
	defer d.Close()

	require.Greater(t, d.L2PLen(), uint64(0))
}

func TestOpenRecoversAcrossReopen(t *testing.T) {
	geom := testGeometry()
	dir := t.TempDir()

	ctrlr1, err := device.NewFileMockController(dir, geom.Geom, band.BlockSize)
	require.NoError(t, err)

	cfg := testConfig()
	d1, err := Open(4, ctrlr1, geom, cfg, nil, nil)
	require.NoError(t, err)

	data := make([]byte, band.BlockSize)
	for i := range data {
		data[i] = 0x42
	}
	entries := make(map[uint64][]byte)
	for lba := uint64(0); lba < 4; lba++ {
		entries[lba] = data
	}
	writeBatch(t, d1, entries)
	l2pLen := d1.L2PLen()
	d1.Close() // shutdown drain forces the open band's tail_md out

	ctrlr2, err := device.NewFileMockController(dir, geom.Geom, band.BlockSize)
	require.NoError(t, err)

	d2, err := Open(4, ctrlr2, geom, cfg, nil, nil)
	require.NoError(t, err)
	defer d2.Close()

	require.Equal(t, l2pLen, d2.L2PLen())

	got := make([]byte, band.BlockSize)
	readAndWait(t, d2, 0, got)
	require.Equal(t, data, got)
}
