// Package trace implements the optional event tracer (spec.md §4 item
// 12, grounded on ocssd_trace.h): a fixed-size ring of timestamped
// events tagged with a type, point, and a handful of typed data fields,
// dumped to a file on request. Disabled by default and inert (Record is
// a no-op) unless explicitly enabled, since there is no zero-cost
// build-tag equivalent of the original's compile-time trace points.
package trace

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Type is an ocssd_trace_type: the kind of operation an event records.
type Type uint8

const (
	TypeRead Type = iota
	TypeMDRead
	TypeWrite
	TypeMDWrite
	TypeErase
	TypeBandDefrag
	TypeBandWrite
	TypeAppliedLimits
)

// Point is an ocssd_trace_point: where in an operation's lifecycle the
// event was recorded.
type Point uint8

const (
	PointScheduled Point = iota
	PointRWBFill
	PointRWBPop
	PointSubmission
	PointCompletion
	PointOther
)

// Source is ocssd_trace_source: whether the traced operation originated
// from a user request or FTL-internal activity (relocation, metadata).
type Source uint8

const (
	SourceInternal Source = iota
	SourceUser
)

// Event is one ocssd_event: a timestamped, typed record with a handful
// of optional fields. Zero-value fields that weren't set by the caller
// are simply omitted from Dump's output rather than distinguished from
// "explicitly zero", matching the original's "following data" model only
// loosely — this package trades exact wire compatibility for a event
// shape Go's encoding/json can round-trip directly.
type Event struct {
	TS    int64  `json:"ts"` // microseconds since the tracer started
	ID    uint64 `json:"id"` // groups events belonging to the same request
	Type  Type   `json:"type"`
	Point Point  `json:"point"`
	Src   Source `json:"source"`

	PPA        uint64 `json:"ppa,omitempty"`
	LBA        uint64 `json:"lba,omitempty"`
	LBKCount   uint32 `json:"lbk_cnt,omitempty"`
	BandID     uint64 `json:"band_id,omitempty"`
	BandMerit  uint32 `json:"band_merit,omitempty"`
	Limit      uint32 `json:"limit,omitempty"`
	VldCnt     uint64 `json:"vld_cnt,omitempty"`
	Completion uint8  `json:"completion,omitempty"`
	BandCnt    uint32 `json:"band_cnt,omitempty"`
}

// Tracer is a fixed-size ring of Events. The zero value is a disabled
// tracer: Record is a no-op until Enable is called, matching spec.md's
// "compiles in always, inert when Config.Trace is false".
type Tracer struct {
	enabled atomic.Bool
	start   time.Time

	mu   sync.Mutex // guards buf/next: Record is called from every per-role thread
	buf  []Event
	next uint64 // monotonically increasing write cursor
}

// New constructs a disabled Tracer with a ring of depth events. depth
// must be positive for Enable to have any effect; a zero-depth tracer
// stays inert even after Enable.
func New(depth int) *Tracer {
	return &Tracer{buf: make([]Event, depth)}
}

// Enable activates the tracer, resetting its epoch to now.
func (t *Tracer) Enable() {
	if len(t.buf) == 0 {
		return
	}
	t.start = time.Now()
	t.enabled.Store(true)
}

// Disable stops recording; the ring's contents are left untouched so a
// subsequent Dump can still retrieve them.
func (t *Tracer) Disable() { t.enabled.Store(false) }

// Enabled reports whether Record currently does anything.
func (t *Tracer) Enabled() bool { return t.enabled.Load() }

// Record appends ev to the ring, stamping its timestamp and overwriting
// the oldest entry once the ring is full. A no-op when the tracer is
// disabled.
func (t *Tracer) Record(ev Event) {
	if !t.enabled.Load() {
		return
	}
	ev.TS = time.Since(t.start).Microseconds()

	t.mu.Lock()
	idx := t.next
	t.next++
	t.buf[idx%uint64(len(t.buf))] = ev
	t.mu.Unlock()
}

// Dump writes every event currently resident in the ring, oldest first,
// as newline-delimited JSON to path.
func (t *Tracer) Dump(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)

	t.mu.Lock()
	n := t.next
	count := uint64(len(t.buf))
	if n < count {
		count = n
	}
	start := n - count
	events := make([]Event, count)
	for i := uint64(0); i < count; i++ {
		events[i] = t.buf[(start+i)%uint64(len(t.buf))]
	}
	t.mu.Unlock()

	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
