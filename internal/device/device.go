// Package device declares the external-collaborator boundary to the
// NVMe/OCSSD wire driver. Nothing in this module issues raw io_uring
// submission queue entries or ioctls; every concrete implementation
// (including the in-process mocks under testing.go) satisfies this
// interface instead, matching the "NVMe/OCSSD wire driver ... external
// collaborator" split.
package device

import "github.com/open-channel/ocssd-ftl/internal/geometry"

// LogPageID selects a get_log_page target.
type LogPageID uint8

const (
	// LogPageChunkInfo is SPDK_OCSSD_LOG_CHUNK_INFO, the bad-block table.
	LogPageChunkInfo LogPageID = iota
	// LogPageChunkNotification is SPDK_OCSSD_LOG_CHUNK_NOTIFICATION, the
	// asynchronous bad-chunk event log the ANM polls.
	LogPageChunkNotification
)

// NotificationRange is the granularity of a chunk-notification event.
type NotificationRange int

const (
	RangeLBK NotificationRange = iota
	RangeChunk
	RangePU
)

// ChunkInfo reports the post-operation state of a chunk, returned by
// VectorReset (erase) completions.
type ChunkInfo struct {
	PPA   geometry.Addr
	State ChunkState
}

// ChunkState mirrors the controller's view of a chunk (distinct from the
// band-local chunk.State machine, which is this core's own bookkeeping).
type ChunkState int

const (
	ChunkStateFree ChunkState = iota
	ChunkStateOpen
	ChunkStateClosed
	ChunkStateBad
)

// NotificationEvent is one entry read back from LogPageChunkNotification.
type NotificationEvent struct {
	Counter uint64 // strictly increasing per controller
	PPA     geometry.Addr
	Range   NotificationRange
}

// CompletionFunc is invoked, on the calling goroutine's poll loop, when an
// operation submitted below finishes. status is 0 on success and a
// negative error code on failure, mirroring NVMe completion-queue status.
type CompletionFunc func(status int32)

// VectorResetFunc additionally reports the resulting chunk states; the
// driver may coalesce many chunk resets into one completion.
type VectorResetFunc func(status int32, infos []ChunkInfo)

// LogPageFunc reports a page of notification events alongside the
// completion status.
type LogPageFunc func(status int32, events []NotificationEvent)

// Controller is the PPA-mode OCSSD controller interface consumed by the
// core (spec §6). All Submit* calls are non-blocking. The completion
// callback runs either inline before Submit* returns (as every controller
// double in this module does) or from a later
// ProcessCompletions/ProcessAdminCompletions call on the same goroutine,
// matching the "no blocking primitives, tight poll loop"
// concurrency model.
type Controller interface {
	// SubmitRead issues a PPA-mode read of lbaCount LBKs starting at ppa
	// into buf.
	SubmitRead(ppa geometry.Addr, lbaCount uint32, buf []byte, cb CompletionFunc) error

	// SubmitWriteWithMD issues a PPA-mode write of lbaCount LBKs starting
	// at ppa, with an optional per-LBK metadata buffer.
	SubmitWriteWithMD(ppa geometry.Addr, lbaCount uint32, buf, md []byte, cb VectorResetFuncOrNil) error

	// SubmitVectorReset issues an erase (vector_reset) over the given
	// chunk-start PPAs.
	SubmitVectorReset(ppas []geometry.Addr, cb VectorResetFunc) error

	// SubmitGetLogPage reads a paged admin log (bad-block table or
	// chunk-notification log) at the given byte offset.
	SubmitGetLogPage(page LogPageID, buf []byte, offset uint64, cb LogPageFunc) error

	// SubmitGetGeometry reads the controller's reported geometry blob.
	SubmitGetGeometry(buf []byte, cb CompletionFunc) error

	// RegisterAERCallback registers a callback invoked when the controller
	// raises an asynchronous event (used by the ANM to learn of new
	// chunk-notification log entries without polling blindly).
	RegisterAERCallback(fn func()) error

	// ProcessAdminCompletions drains pending admin-queue completions
	// (get_log_page, get_geometry, vector_reset) and returns how many were
	// processed.
	ProcessAdminCompletions() int

	// ProcessCompletions drains up to max pending I/O-queue completions
	// (read, write) and returns how many were processed.
	ProcessCompletions(max int) int
}

// VectorResetFuncOrNil lets write completions optionally report chunk
// state the way erase completions do (a write that fails a chunk also
// needs the controller's updated chunk state); most write paths pass a
// completion that ignores infos.
type VectorResetFuncOrNil = VectorResetFunc

// Geometry reports the static shape obtained via SubmitGetGeometry,
// already parsed into the core's geometry.Geometry type.
type Geometry struct {
	Geom  geometry.Geometry
	Range geometry.PunitRange
}
