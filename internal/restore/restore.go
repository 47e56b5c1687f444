// Package restore implements device recovery (spec.md §4.12): reading
// every band's head metadata in parallel, validating consistency, then
// replaying each valid band's tail metadata into the L2P table in
// ascending sequence order.
package restore

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/open-channel/ocssd-ftl/internal/band"
	"github.com/open-channel/ocssd-ftl/internal/device"
	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/open-channel/ocssd-ftl/internal/l2p"
	"github.com/open-channel/ocssd-ftl/internal/logging"
	"github.com/open-channel/ocssd-ftl/internal/vldmap"
)

// ErrNoValidHeads is returned by Run when not a single band has valid head
// metadata. Callers that can distinguish "never formatted" from "corrupt"
// (ftl.Open does, via errors.Is) should treat this as an unwritten device
// rather than a fatal recovery failure.
var ErrNoValidHeads = errors.New("restore: no band has valid head metadata")

// Config wires Run to the bands and collaborators it recovers state into.
// Bands must be indexed by band ID (Bands[i].ID == i), matching
// writer.Config's requirement.
type Config struct {
	Bands      []*band.Band
	Controller device.Controller
	L2P        *l2p.Table
	Geom       geometry.Geometry
	Range      geometry.PunitRange
	Logger     *logging.Logger
}

// Result reports what Run discovered, for ftl.Open to seed the core
// thread's sequence counter with.
type Result struct {
	L2PLen  uint64
	NextSeq uint64 // one greater than the highest recovered band's seq
}

type headResult struct {
	band  *band.Band
	head  band.HeadMD
	valid band.HeadMDValidation
}

// Run scans cfg.Bands, reconstructs L2P, and leaves every band in the
// state its durable metadata implies: CLOSED if a valid, non-empty tail
// was found and still holds live data, FREE if its tail turned out
// completely stale (num_vld == 0) or it was never written. On any fatal
// condition it returns an error; callers should treat that as unwinding
// the whole Open attempt, per spec.md §4.12's "any post-fatal step
// unwinds allocations and returns an error".
func Run(cfg Config) (*Result, error) {
	heads, err := readHeads(cfg)
	if err != nil {
		return nil, err
	}

	var valid []headResult
	for _, h := range heads {
		switch h.valid {
		case band.HeadMDOK:
			valid = append(valid, h)
		case band.HeadMDNoMD, band.HeadMDInvalidSize:
			// Never written, or an IO failure reading it: tolerated,
			// matching ocssd_restore_head_md_valid's accepted statuses.
			continue
		default:
			return nil, fmt.Errorf("restore: band %d: %s", h.band.ID, describeValidation(h.valid))
		}
	}
	if len(valid) == 0 {
		return nil, ErrNoValidHeads
	}

	l2pLen := valid[0].head.LBACount
	xferSize := valid[0].head.XferSize
	for _, h := range valid[1:] {
		if h.head.XferSize != xferSize {
			return nil, fmt.Errorf("restore: band %d: xfer_size %d inconsistent with band %d's %d",
				h.band.ID, h.head.XferSize, valid[0].band.ID, xferSize)
		}
	}

	sort.Slice(valid, func(i, j int) bool { return valid[i].head.Seq < valid[j].head.Seq })
	for i := 1; i < len(valid); i++ {
		if valid[i].head.Seq == valid[i-1].head.Seq {
			return nil, fmt.Errorf("restore: bands %d and %d share sequence number %d",
				valid[i-1].band.ID, valid[i].band.ID, valid[i].head.Seq)
		}
	}

	bandsByID := make([]*band.Band, len(cfg.Bands))
	for _, b := range cfg.Bands {
		if int(b.ID) < len(bandsByID) {
			bandsByID[b.ID] = b
		}
	}

	var maxSeq uint64
	for _, h := range valid {
		if err := applyTailMD(cfg, bandsByID, h, l2pLen); err != nil {
			return nil, err
		}
		if h.head.Seq > maxSeq {
			maxSeq = h.head.Seq
		}
	}

	for _, h := range valid {
		if h.band.State() == band.StateClosed && h.band.NumVld() == 0 {
			if err := h.band.SetState(band.StateFree); err != nil {
				return nil, fmt.Errorf("restore: band %d: %w", h.band.ID, err)
			}
		}
	}

	return &Result{L2PLen: l2pLen, NextSeq: maxSeq + 1}, nil
}

func describeValidation(v band.HeadMDValidation) string {
	switch v {
	case band.HeadMDInvalidCRC:
		return "invalid head metadata CRC"
	case band.HeadMDInvalidVersion:
		return "invalid head metadata version"
	default:
		return "invalid head metadata"
	}
}

// readHeads issues read_head_md for every band without waiting on each
// individually, then drains completions until all have landed, mirroring
// ocssd_restore_head_md's submit-then-wait_io_cmpl shape. IO failures are
// aggregated with go-multierror and logged, not returned: a band's read
// failing is tolerated exactly like a band with no head metadata at all.
func readHeads(cfg Config) ([]headResult, error) {
	results := make([]headResult, len(cfg.Bands))
	var ioErrs *multierror.Error
	pending := 0

	for i, b := range cfg.Bands {
		if len(b.OperationalChunks()) == 0 {
			results[i] = headResult{band: b, valid: band.HeadMDNoMD}
			continue
		}
		idx := i
		pending++
		err := b.ReadHeadMD(cfg.Controller, func(h band.HeadMD, v band.HeadMDValidation, rerr error) {
			pending--
			if rerr != nil {
				ioErrs = multierror.Append(ioErrs, fmt.Errorf("band %d: %w", b.ID, rerr))
				v = band.HeadMDInvalidSize
			}
			results[idx] = headResult{band: b, head: h, valid: v}
		})
		if err != nil {
			pending--
			ioErrs = multierror.Append(ioErrs, fmt.Errorf("band %d: submit read_head_md: %w", b.ID, err))
			results[idx] = headResult{band: b, valid: band.HeadMDInvalidSize}
		}
	}

	for pending > 0 {
		cfg.Controller.ProcessAdminCompletions()
		cfg.Controller.ProcessCompletions(64)
	}

	if ioErrs != nil && cfg.Logger != nil {
		cfg.Logger.Warnf("restore: %d band(s) had head metadata read errors, tolerated as no-md: %v",
			len(ioErrs.Errors), ioErrs)
	}

	return results, nil
}

// applyTailMD reads h.band's tail metadata, installs it as the band's
// resident vld_map/lba_map (RestoreFromTail), and replays every still-live
// entry into cfg.L2P (spec.md §4.12 step 4).
func applyTailMD(cfg Config, bandsByID []*band.Band, h headResult, l2pLen uint64) error {
	b := h.band

	var (
		tailErr error
		tail    band.TailMD
		valid   band.HeadMDValidation
		vldMap  *vldmap.Map
		lbaMap  []uint64
	)
	pending := 1
	err := b.ReadTailMD(cfg.Controller, func(tm band.TailMD, vld *vldmap.Map, lba []uint64, v band.HeadMDValidation, rerr error) {
		pending--
		tail, valid, tailErr = tm, v, rerr
		vldMap, lbaMap = vld, lba
	})
	if err != nil {
		return fmt.Errorf("restore: band %d: submit read_tail_md: %w", b.ID, err)
	}
	for pending > 0 {
		cfg.Controller.ProcessAdminCompletions()
		cfg.Controller.ProcessCompletions(64)
	}
	if tailErr != nil {
		return fmt.Errorf("restore: band %d: read_tail_md: %w", b.ID, tailErr)
	}
	if valid != band.HeadMDOK {
		return fmt.Errorf("restore: band %d: %s in tail metadata", b.ID, describeValidation(valid))
	}
	if tail.Seq != h.head.Seq {
		return fmt.Errorf("restore: band %d: tail seq %d does not match head seq %d", b.ID, tail.Seq, h.head.Seq)
	}

	b.RestoreFromTail(tail.Seq, vldMap, lbaMap)
	b.RestoreState(band.StateClosed, h.head.WrCnt)

	usable := b.UsableLBKs()
	for i := uint64(0); i < usable; i++ {
		if !b.ValidAtOffset(i) {
			continue
		}
		lba, err := b.LBAAt(i)
		if err != nil {
			return fmt.Errorf("restore: band %d: %w", b.ID, err)
		}
		if lba >= l2pLen {
			continue
		}

		logical, err := cfg.Geom.PPAFromLBKOff(cfg.Range, b.ID, i)
		if err != nil {
			return fmt.Errorf("restore: band %d: %w", b.ID, err)
		}
		ppa := cfg.Geom.Pack(logical)

		old, err := cfg.L2P.Get(lba)
		if err != nil {
			return fmt.Errorf("restore: lba %d: %w", lba, err)
		}
		if !old.IsInvalid() && !old.IsCached() {
			chk := cfg.Geom.Unpack(old).Chk
			if chk < uint64(len(bandsByID)) && bandsByID[chk] != nil {
				_ = bandsByID[chk].Invalidate(old)
			}
		}
		if err := cfg.L2P.Set(lba, ppa); err != nil {
			return fmt.Errorf("restore: lba %d: %w", lba, err)
		}
	}
	return nil
}
