// Package anm implements the Asynchronous Notification Manager (spec.md
// §4.13): a single background thread, shared by every open device in the
// process, that polls each registered controller's chunk-notification log
// and fans parsed events out to the device pollers that subscribed for
// PPAs in their range.
package anm

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/open-channel/ocssd-ftl/internal/device"
	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/open-channel/ocssd-ftl/internal/logging"
)

// errNotRegistered is returned when a device registers pollers against a
// controller the manager has not seen RegisterCtrlr for yet.
var errNotRegistered = errors.New("anm: controller not registered")

// Range mirrors device.NotificationRange with the name spec.md §4.13 uses
// for an event's granularity.
type Range = device.NotificationRange

// Event is dispatched to the first device poller whose range contains its
// PPA. The caller must call Complete once finished with it, matching
// ocssd_anm_event_complete's free().
type Event struct {
	Dev   any
	PPA   geometry.Addr
	Range Range
}

// Complete releases event. Go's GC reclaims the Event itself, but callers
// must still call Complete once done with it: ocssd_anm_event_complete is
// part of this package's contract with its callers, not an implementation
// detail of how the original freed memory.
func (e *Event) Complete() {}

// Fn is a device's notification poller, registered against every
// controller the device's PPA range might raise events on.
type Fn func(event *Event)

type poller struct {
	dev  any
	rng  geometry.PunitRange
	geom geometry.Geometry
	fn   Fn
}

func (p *poller) inRange(ppa geometry.Addr) bool {
	l := p.geom.Unpack(ppa)
	_, err := p.geom.FlattenPUnit(p.rng, l)
	return err == nil
}

// ctrlrState is the per-controller bookkeeping ocssd_anm_ctrlr tracks: the
// outstanding-event counter an AER callback or a log page bumps, whether a
// get_log_page is already in flight, the last-seen notification counter
// used to dedupe replayed entries across poll cycles, and the pollers
// registered against it.
type ctrlrState struct {
	mu sync.Mutex

	ctrlr   device.Controller
	pollers []*poller

	outstanding int
	processing  bool
	lastSeen    uint64 // nc: strictly-increasing notification counter

	buf  []byte
	bo   *backoff.ExponentialBackOff
	next time.Time
}

const (
	logPageEntries = 16
	// notificationEventSize is large enough for one
	// spdk_ocssd_chunk_notification_entry-sized record; the controller
	// mock and any real Controller implementation size ctrlr.buf the same
	// way, so this is just a page large enough to hold logPageEntries.
	notificationEventSize = 64
)

// Manager is the process-wide ANM: one per process (spec.md §4.13), not
// one per device. Devices register/unregister pollers against the
// controller they opened; Start/Stop own the single background thread.
type Manager struct {
	log *logging.Logger

	mu     sync.Mutex
	ctrlrs map[device.Controller]*ctrlrState

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Manager. Callers must call Start once before registering
// controllers and Stop when the process is shutting down.
func New(log *logging.Logger) *Manager {
	return &Manager{
		log:    log,
		ctrlrs: make(map[device.Controller]*ctrlrState),
	}
}

// Start launches the ANM thread.
func (m *Manager) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.done = make(chan struct{})
	go m.loop()
}

// Stop halts the ANM thread and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// RegisterCtrlr attaches ctrlr to the manager, allocating its notification
// log buffer and seeding anm_outstanding=1 to force one get_log_page round
// trip that drains whatever is already queued on the controller
// (ocssd_anm_ctrlr_alloc's comment: "force log page retrieval to consume
// events already present"). Registering the same controller twice is a
// no-op.
func (m *Manager) RegisterCtrlr(ctrlr device.Controller) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ctrlrs[ctrlr]; ok {
		return nil
	}

	cs := &ctrlrState{
		ctrlr:       ctrlr,
		outstanding: 1,
		buf:         make([]byte, notificationEventSize*logPageEntries),
		bo:          backoff.NewExponentialBackOff(),
	}
	if err := ctrlr.RegisterAERCallback(func() { m.onAER(cs) }); err != nil {
		return err
	}
	m.ctrlrs[ctrlr] = cs
	return nil
}

// UnregisterCtrlr detaches ctrlr, provided it has no pollers left
// registered against it (ocssd_anm_unregister_ctrlr's same guard).
func (m *Manager) UnregisterCtrlr(ctrlr device.Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.ctrlrs[ctrlr]
	if !ok {
		return
	}
	cs.mu.Lock()
	empty := len(cs.pollers) == 0
	cs.mu.Unlock()
	if empty {
		delete(m.ctrlrs, ctrlr)
	}
}

// onAER is the AER callback: a vendor-specific asynchronous event for the
// chunk-notification log page bumps anm_outstanding, exactly as
// ocssd_anm_aer_cb does, so the thread picks up a get_log_page on its next
// pass without having to poll blindly in between.
func (m *Manager) onAER(cs *ctrlrState) {
	cs.mu.Lock()
	cs.outstanding++
	cs.mu.Unlock()
}

// RegisterDevice subscribes a device poller for events within rng,
// interpreted against geom. dev is an opaque token (the device.go Device
// pointer in production, an arbitrary identifier in tests) threaded
// through to Event.Dev so a dispatched event's caller knows which device
// it belongs to.
func (m *Manager) RegisterDevice(ctrlr device.Controller, dev any, geom geometry.Geometry, rng geometry.PunitRange, fn Fn) error {
	m.mu.Lock()
	cs, ok := m.ctrlrs[ctrlr]
	m.mu.Unlock()
	if !ok {
		return errNotRegistered
	}

	cs.mu.Lock()
	cs.pollers = append(cs.pollers, &poller{dev: dev, rng: rng, geom: geom, fn: fn})
	cs.mu.Unlock()
	return nil
}

// UnregisterDevice removes every poller dev registered against ctrlr.
func (m *Manager) UnregisterDevice(ctrlr device.Controller, dev any) {
	m.mu.Lock()
	cs, ok := m.ctrlrs[ctrlr]
	m.mu.Unlock()
	if !ok {
		return
	}

	cs.mu.Lock()
	remaining := cs.pollers[:0]
	for _, p := range cs.pollers {
		if p.dev != dev {
			remaining = append(remaining, p)
		}
	}
	cs.pollers = remaining
	cs.mu.Unlock()
}

// loop is the ANM thread (spec.md §4.13/§5): periodically drains admin
// completions for every registered controller and, for any with
// outstanding events and no get_log_page already in flight, issues one.
func (m *Manager) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(m.done)

	ticker := time.NewTicker(100 * time.Microsecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		m.Tick()
	}
}

// Tick runs one pass over every registered controller: drain its admin
// completions, and issue a get_log_page if it has outstanding events and
// none already in flight. Start already drives this on the ANM thread;
// Tick is exported so tests can step the manager synchronously against a
// fake Controller instead of racing a real background goroutine.
func (m *Manager) Tick() {
	m.mu.Lock()
	states := make([]*ctrlrState, 0, len(m.ctrlrs))
	for _, cs := range m.ctrlrs {
		states = append(states, cs)
	}
	m.mu.Unlock()

	for _, cs := range states {
		m.tickCtrlr(cs)
	}
}

func (m *Manager) tickCtrlr(cs *ctrlrState) {
	cs.ctrlr.ProcessAdminCompletions()

	cs.mu.Lock()
	due := cs.outstanding > 0 && !cs.processing && !time.Now().Before(cs.next)
	if due {
		cs.processing = true
	}
	cs.mu.Unlock()
	if !due {
		return
	}

	cs.mu.Lock()
	cs.outstanding = 0
	cs.mu.Unlock()

	err := cs.ctrlr.SubmitGetLogPage(device.LogPageChunkNotification, cs.buf, 0, func(status int32, events []device.NotificationEvent) {
		m.onLogPage(cs, status, events)
	})
	if err != nil {
		cs.mu.Lock()
		cs.processing = false
		cs.outstanding = 1
		cs.next = time.Now().Add(cs.bo.NextBackOff())
		cs.mu.Unlock()
		if m.log != nil {
			m.log.Errorf("anm: get_log_page submit failed: %v", err)
		}
	}
}

// onLogPage is ocssd_anm_log_page_cb: for each entry strictly newer than
// the controller's last-seen counter, dispatch to the first matching
// poller; bump anm_outstanding once more in case the controller queued
// more entries than fit in one page.
func (m *Manager) onLogPage(cs *ctrlrState, status int32, events []device.NotificationEvent) {
	cs.mu.Lock()
	cs.processing = false
	if status != 0 {
		cs.outstanding = 1
		cs.next = time.Now().Add(cs.bo.NextBackOff())
		cs.mu.Unlock()
		if m.log != nil {
			m.log.Errorf("anm: get_log_page completed with status=%d", status)
		}
		return
	}
	cs.bo.Reset()
	cs.next = time.Time{}

	var fresh []device.NotificationEvent
	for _, ev := range events {
		if cs.lastSeen != 0 && ev.Counter <= cs.lastSeen {
			continue
		}
		cs.lastSeen = ev.Counter
		fresh = append(fresh, ev)
	}
	pollers := append([]*poller(nil), cs.pollers...)
	cs.outstanding++
	cs.mu.Unlock()

	for _, ev := range fresh {
		for _, p := range pollers {
			if !p.inRange(ev.PPA) {
				continue
			}
			p.fn(&Event{Dev: p.dev, PPA: ev.PPA, Range: ev.Range})
			break
		}
	}
}
