package device

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/open-channel/ocssd-ftl/internal/geometry"
)

// FileMockController is a Controller whose media durably persists to one
// file per chunk under a directory, written with natefinch/atomic so a
// simulated crash mid-write never leaves a torn chunk file behind. It
// exists for restore tests: building two FileMockControllers against the
// same directory simulates a process restart against the same
// underlying media, the on-disk counterpart to restore_test.go's
// in-memory fakeController.
type FileMockController struct {
	geom      geometry.Geometry
	blockSize uint64
	dir       string

	mu  sync.Mutex
	bad map[geometry.Addr]bool

	aerCb  func()
	notify []NotificationEvent
}

// NewFileMockController creates (or reopens) a file-backed mock rooted
// at dir. blockSize is the media's logical block size in bytes; this
// package doesn't import internal/band's BlockSize constant to avoid a
// cycle (band already imports device), so callers pass it explicitly.
func NewFileMockController(dir string, geom geometry.Geometry, blockSize uint64) (*FileMockController, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("device: filemock: %w", err)
	}
	return &FileMockController{
		geom:      geom,
		blockSize: blockSize,
		dir:       dir,
		bad:       make(map[geometry.Addr]bool),
	}, nil
}

func (f *FileMockController) chunkFile(l geometry.Logical) string {
	return filepath.Join(f.dir, fmt.Sprintf("chunk-%d-%d-%d.bin", l.Grp, l.PU, l.Chk))
}

// readChunk returns the chunk's full LBKsPerChk*blockSize content, or a
// zeroed buffer if the chunk was never written (fresh or erased media).
func (f *FileMockController) readChunk(l geometry.Logical) ([]byte, error) {
	data, err := os.ReadFile(f.chunkFile(l))
	if os.IsNotExist(err) {
		return make([]byte, f.geom.LBKsPerChk*f.blockSize), nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *FileMockController) writeChunk(l geometry.Logical, data []byte) error {
	return atomic.WriteFile(f.chunkFile(l), bytes.NewReader(data))
}

func (f *FileMockController) SubmitRead(ppa geometry.Addr, lbaCount uint32, buf []byte, cb CompletionFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	l0 := f.geom.Unpack(ppa)
	chunk, err := f.readChunk(l0)
	if err != nil {
		cb(-1)
		return nil
	}
	for i := uint64(0); i < uint64(lbaCount); i++ {
		off := (l0.LBK + i) * f.blockSize
		copy(buf[i*f.blockSize:(i+1)*f.blockSize], chunk[off:off+f.blockSize])
	}
	cb(0)
	return nil
}

func (f *FileMockController) SubmitWriteWithMD(ppa geometry.Addr, lbaCount uint32, buf, _ []byte, cb VectorResetFuncOrNil) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	l0 := f.geom.Unpack(ppa)
	chunk, err := f.readChunk(l0)
	if err != nil {
		cb(-1, nil)
		return nil
	}
	for i := uint64(0); i < uint64(lbaCount); i++ {
		off := (l0.LBK + i) * f.blockSize
		copy(chunk[off:off+f.blockSize], buf[i*f.blockSize:(i+1)*f.blockSize])
	}
	if err := f.writeChunk(l0, chunk); err != nil {
		cb(-1, nil)
		return nil
	}
	cb(0, nil)
	return nil
}

func (f *FileMockController) SubmitVectorReset(ppas []geometry.Addr, cb VectorResetFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	infos := make([]ChunkInfo, len(ppas))
	for i, ppa := range ppas {
		if f.bad[ppa] {
			infos[i] = ChunkInfo{PPA: ppa, State: ChunkStateBad}
			continue
		}
		l := f.geom.Unpack(ppa)
		if err := os.Remove(f.chunkFile(l)); err != nil && !os.IsNotExist(err) {
			infos[i] = ChunkInfo{PPA: ppa, State: ChunkStateBad}
			continue
		}
		infos[i] = ChunkInfo{PPA: ppa, State: ChunkStateFree}
	}
	cb(0, infos)
	return nil
}

func (f *FileMockController) SubmitGetLogPage(page LogPageID, _ []byte, _ uint64, cb LogPageFunc) error {
	f.mu.Lock()
	var events []NotificationEvent
	if page == LogPageChunkNotification && len(f.notify) > 0 {
		events = f.notify
		f.notify = nil
	}
	f.mu.Unlock()
	cb(0, events)
	return nil
}

func (f *FileMockController) SubmitGetGeometry(_ []byte, cb CompletionFunc) error {
	cb(0)
	return nil
}

func (f *FileMockController) RegisterAERCallback(fn func()) error {
	f.mu.Lock()
	f.aerCb = fn
	f.mu.Unlock()
	return nil
}

func (f *FileMockController) ProcessAdminCompletions() int { return 0 }
func (f *FileMockController) ProcessCompletions(int) int   { return 0 }

// MarkBad flags the chunk starting at ppa as bad: the next
// SubmitVectorReset over it reports ChunkStateBad instead of erasing it.
func (f *FileMockController) MarkBad(ppa geometry.Addr) {
	f.mu.Lock()
	f.bad[ppa] = true
	f.mu.Unlock()
}

// InjectNotification queues ev to be returned by the next
// LogPageChunkNotification read and fires the registered AER callback,
// if any.
func (f *FileMockController) InjectNotification(ev NotificationEvent) {
	f.mu.Lock()
	f.notify = append(f.notify, ev)
	cb := f.aerCb
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

var _ Controller = (*FileMockController)(nil)
