package ftl

import (
	"sync"

	"github.com/open-channel/ocssd-ftl/internal/band"
	"github.com/open-channel/ocssd-ftl/internal/device"
	"github.com/open-channel/ocssd-ftl/internal/geometry"
)

// MockController is an in-memory device.Controller: every Submit* call
// resolves synchronously on the calling goroutine, the same convention
// internal/band, internal/writer, internal/readpath, internal/reloc, and
// internal/restore all use for their own test doubles. It exists so
// package ftl's own tests, and cmd/ftlsim, don't need a real NVMe/OCSSD
// driver to exercise Open/Read/Write/Flush/Close end to end.
type MockController struct {
	geom geometry.Geometry

	mu    sync.Mutex
	media map[geometry.Addr][]byte
	bad   map[geometry.Addr]bool

	aerCb  func()
	notify []device.NotificationEvent

	// ReadErr/WriteErr, when set, make every subsequent SubmitRead or
	// SubmitWriteWithMD fail with this status instead of succeeding.
	ReadErr  int32
	WriteErr int32
}

// NewMockController builds an empty MockController sized to geom.
func NewMockController(geom geometry.Geometry) *MockController {
	return &MockController{
		geom:  geom,
		media: make(map[geometry.Addr][]byte),
		bad:   make(map[geometry.Addr]bool),
	}
}

// addrAt returns the address i LBKs past ppa within the same
// chunk, matching how every caller in this tree issues multi-LBK
// requests (a contiguous run within one punit's current chunk).
func (m *MockController) addrAt(ppa geometry.Addr, i uint32) geometry.Addr {
	l := m.geom.Unpack(ppa)
	l.LBK += uint64(i)
	return m.geom.Pack(l)
}

func (m *MockController) SubmitRead(ppa geometry.Addr, lbaCount uint32, buf []byte, cb device.CompletionFunc) error {
	m.mu.Lock()
	if m.ReadErr != 0 {
		err := m.ReadErr
		m.mu.Unlock()
		cb(err)
		return nil
	}
	for i := uint32(0); i < lbaCount; i++ {
		data := m.media[m.addrAt(ppa, i)]
		dst := buf[int(i)*band.BlockSize : int(i+1)*band.BlockSize]
		if data == nil {
			for j := range dst {
				dst[j] = 0
			}
			continue
		}
		copy(dst, data)
	}
	m.mu.Unlock()
	cb(0)
	return nil
}

func (m *MockController) SubmitWriteWithMD(ppa geometry.Addr, lbaCount uint32, buf, _ []byte, cb device.VectorResetFuncOrNil) error {
	m.mu.Lock()
	if m.WriteErr != 0 {
		err := m.WriteErr
		m.mu.Unlock()
		cb(err, nil)
		return nil
	}
	for i := uint32(0); i < lbaCount; i++ {
		src := buf[int(i)*band.BlockSize : int(i+1)*band.BlockSize]
		stored := make([]byte, band.BlockSize)
		copy(stored, src)
		m.media[m.addrAt(ppa, i)] = stored
	}
	m.mu.Unlock()
	cb(0, nil)
	return nil
}

func (m *MockController) SubmitVectorReset(ppas []geometry.Addr, cb device.VectorResetFunc) error {
	m.mu.Lock()
	infos := make([]device.ChunkInfo, len(ppas))
	for i, ppa := range ppas {
		if m.bad[ppa] {
			infos[i] = device.ChunkInfo{PPA: ppa, State: device.ChunkStateBad}
			continue
		}
		l := m.geom.Unpack(ppa)
		for off := uint64(0); off < m.geom.LBKsPerChk; off++ {
			erased := l
			erased.LBK = off
			delete(m.media, m.geom.Pack(erased))
		}
		infos[i] = device.ChunkInfo{PPA: ppa, State: device.ChunkStateFree}
	}
	m.mu.Unlock()
	cb(0, infos)
	return nil
}

func (m *MockController) SubmitGetLogPage(page device.LogPageID, _ []byte, _ uint64, cb device.LogPageFunc) error {
	m.mu.Lock()
	var events []device.NotificationEvent
	if page == device.LogPageChunkNotification && len(m.notify) > 0 {
		events = m.notify
		m.notify = nil
	}
	m.mu.Unlock()
	cb(0, events)
	return nil
}

func (m *MockController) SubmitGetGeometry(_ []byte, cb device.CompletionFunc) error {
	cb(0)
	return nil
}

func (m *MockController) RegisterAERCallback(fn func()) error {
	m.mu.Lock()
	m.aerCb = fn
	m.mu.Unlock()
	return nil
}

func (m *MockController) ProcessAdminCompletions() int { return 0 }
func (m *MockController) ProcessCompletions(int) int   { return 0 }

// MarkBad flags the chunk starting at ppa as bad: the next
// SubmitVectorReset over it reports ChunkStateBad instead of erasing it.
func (m *MockController) MarkBad(ppa geometry.Addr) {
	m.mu.Lock()
	m.bad[ppa] = true
	m.mu.Unlock()
}

// InjectNotification queues ev to be returned by the next
// LogPageChunkNotification read, and fires the registered AER callback
// (if any) to prompt the ANM to go fetch it, mirroring a controller
// raising a vendor-specific asynchronous event.
func (m *MockController) InjectNotification(ev device.NotificationEvent) {
	m.mu.Lock()
	m.notify = append(m.notify, ev)
	cb := m.aerCb
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}
