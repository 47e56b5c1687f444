// Command ftlsim exercises package ftl against an in-memory MockController,
// the FTL-domain counterpart of go-ublk's cmd/ublk-mem: no real OCSSD
// controller or kernel device is involved, just enough traffic to prove
// the write/read/flush path end to end.
package main

import (
	"flag"
	"fmt"
	"math/bits"
	"os"
	"sync"

	"github.com/open-channel/ocssd-ftl"
	"github.com/open-channel/ocssd-ftl/internal/band"
	"github.com/open-channel/ocssd-ftl/internal/device"
	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/open-channel/ocssd-ftl/internal/logging"
)

// bitsFor returns the smallest field width that can address n distinct
// values, the same sizing SubmitGetGeometry's real-hardware counterpart
// would report for NumGrp/NumPU/NumChk/LBKsPerChk.
func bitsFor(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return uint64(bits.Len64(n - 1))
}

func main() {
	var (
		numChk  = flag.Uint64("chunks", 16, "chunks per parallel unit")
		lbksChk = flag.Uint64("lbks-per-chunk", 256, "logical blocks per chunk")
		wsOpt   = flag.Uint64("ws-opt", 8, "optimal write size, in logical blocks")
		verbose = flag.Bool("v", false, "debug-level logging")
		count   = flag.Uint64("writes", 64, "number of sequential LBAs to write")
	)
	flag.Parse()

	logCfg := logging.DefaultConfig()
	if *verbose {
		logCfg.Level = logging.LevelDebug
	}
	log := logging.NewLogger(logCfg)
	logging.SetDefault(log)

	geom := device.Geometry{
		Geom: geometry.Geometry{
			NumGrp: 1, NumPU: 1, NumChk: *numChk, LBKsPerChk: *lbksChk,
			WSOpt: *wsOpt, WSMin: *wsOpt / 2,
			GrpLen: 1, PULen: 1, ChkLen: bitsFor(*numChk), LBKLen: bitsFor(*lbksChk),
		},
		Range: geometry.PunitRange{Begin: 0, End: 0},
	}

	ctrlr := ftl.NewMockController(geom.Geom)
	cfg := ftl.DefaultConfig()

	dev, err := ftl.Open(1, ctrlr, geom, cfg, nil, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	log.Infof("device opened: %d addressable LBAs", dev.L2PLen())

	var wg sync.WaitGroup
	wg.Add(int(*count))
	var mu sync.Mutex
	var firstErr error
	for lba := uint64(0); lba < *count; lba++ {
		data := make([]byte, band.BlockSize)
		for i := range data {
			data[i] = byte(lba)
		}
		if err := dev.Write(lba, data, nil, func(err error) {
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			wg.Done()
		}); err != nil {
			fmt.Fprintf(os.Stderr, "write lba %d: %v\n", lba, err)
			os.Exit(1)
		}
	}

	flushDone := make(chan error, 1)
	if err := dev.Flush(func(err error) { flushDone <- err }); err != nil {
		fmt.Fprintf(os.Stderr, "flush: %v\n", err)
		os.Exit(1)
	}
	if err := <-flushDone; err != nil {
		fmt.Fprintf(os.Stderr, "flush completed with error: %v\n", err)
		os.Exit(1)
	}
	wg.Wait()

	mu.Lock()
	err = firstErr
	mu.Unlock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
		os.Exit(1)
	}

	buf := make([]byte, band.BlockSize)
	readDone := make(chan error, 1)
	if err := dev.Read(0, 1, buf, func(err error) { readDone <- err }); err != nil {
		fmt.Fprintf(os.Stderr, "read lba 0: %v\n", err)
		os.Exit(1)
	}
	if err := <-readDone; err != nil {
		fmt.Fprintf(os.Stderr, "read lba 0 completed with error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %d LBAs, read back lba 0 = %#02x\n", *count, buf[0])
}
