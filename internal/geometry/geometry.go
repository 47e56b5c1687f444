// Package geometry implements the OCSSD address model: packing and
// unpacking physical addresses, punit flattening, and the per-band
// flat-offset arithmetic that the rest of the core builds on.
package geometry

import "fmt"

// Geometry describes a device's fixed shape, discovered once at bring-up
// and never mutated afterward.
type Geometry struct {
	NumGrp     uint64 // number of groups
	NumPU      uint64 // number of parallel units per group
	NumChk     uint64 // number of chunks (erase blocks) per parallel unit
	LBKsPerChk uint64 // logical blocks per chunk
	WSOpt      uint64 // optimal write size in LBKs; the stripe width (xfer_size)
	WSMin      uint64 // minimum write size in LBKs

	// lbaf field widths, in bits, for the packed address format.
	GrpLen uint64
	PULen  uint64
	ChkLen uint64
	LBKLen uint64
}

// Validate checks that the geometry is internally consistent and that its
// packed field widths can represent every configured dimension.
func (g Geometry) Validate() error {
	if g.NumGrp == 0 || g.NumPU == 0 || g.NumChk == 0 || g.LBKsPerChk == 0 {
		return fmt.Errorf("geometry: zero-sized dimension")
	}
	if g.WSOpt == 0 || g.LBKsPerChk%g.WSOpt != 0 {
		return fmt.Errorf("geometry: lbks_per_chk must be a multiple of ws_opt")
	}
	if g.WSMin == 0 || g.WSOpt%g.WSMin != 0 {
		return fmt.Errorf("geometry: ws_opt must be a multiple of ws_min")
	}
	if g.GrpLen+g.PULen+g.ChkLen+g.LBKLen > 63 {
		return fmt.Errorf("geometry: lbaf field widths exceed 63 bits (bit 63 reserved for cache flag)")
	}
	if (uint64(1) << g.GrpLen) < g.NumGrp {
		return fmt.Errorf("geometry: grp_len too narrow for num_grp")
	}
	if (uint64(1) << g.PULen) < g.NumPU {
		return fmt.Errorf("geometry: pu_len too narrow for num_pu")
	}
	if (uint64(1) << g.ChkLen) < g.NumChk {
		return fmt.Errorf("geometry: chk_len too narrow for num_chk")
	}
	if (uint64(1) << g.LBKLen) < g.LBKsPerChk {
		return fmt.Errorf("geometry: lbk_len too narrow for lbks_per_chk")
	}
	return nil
}

func (g Geometry) lbkOff() uint64 { return 0 }
func (g Geometry) chkOff() uint64 { return g.LBKLen }
func (g Geometry) puOff() uint64  { return g.LBKLen + g.ChkLen }
func (g Geometry) grpOff() uint64 { return g.LBKLen + g.ChkLen + g.PULen }

func fieldMask(width uint64) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}

// PunitRange is the inclusive [Begin, End] slice of the flattened punit
// numbering (pu*num_grp + grp) that a device operates on.
type PunitRange struct {
	Begin uint64
	End   uint64
}

// Count returns the number of parallel units in the range.
func (r PunitRange) Count() uint64 {
	if r.End < r.Begin {
		return 0
	}
	return r.End - r.Begin + 1
}

// Contains reports whether the flattened punit index falls within the range.
func (r PunitRange) Contains(flatPU uint64) bool {
	return flatPU >= r.Begin && flatPU <= r.End
}

// Logical is the unpacked (grp, pu, chk, lbk) view of a physical address.
type Logical struct {
	Grp uint64
	PU  uint64
	Chk uint64
	LBK uint64
}

// Addr is a packed physical address. The top bit distinguishes a "cached"
// address (referring to an RWB offset) from a media-resident one; Invalid
// is the reserved sentinel for "no address".
type Addr uint64

const cachedBit = Addr(1) << 63

// Invalid denotes the absence of a physical address.
const Invalid Addr = ^Addr(0)

// InvalidLBA is the reserved LBA sentinel meaning "no LBA" (used by pad
// entries and L2P holes).
const InvalidLBA uint64 = ^uint64(0)

// IsInvalid reports whether a is the reserved invalid sentinel.
func (a Addr) IsInvalid() bool { return a == Invalid }

// IsCached reports whether a refers to an RWB offset rather than media.
func (a Addr) IsCached() bool { return !a.IsInvalid() && a&cachedBit != 0 }

// CacheOffset returns the RWB offset encoded by a cached address. Callers
// must check IsCached first.
func (a Addr) CacheOffset() uint64 { return uint64(a &^ cachedBit) }

// CachedAddr packs an RWB offset into a cached address.
func CachedAddr(offset uint64) Addr { return cachedBit | Addr(offset) }

// Pack encodes a logical address into its packed form according to g's
// field widths and offsets.
func (g Geometry) Pack(l Logical) Addr {
	v := (l.LBK & fieldMask(g.LBKLen)) << g.lbkOff()
	v |= (l.Chk & fieldMask(g.ChkLen)) << g.chkOff()
	v |= (l.PU & fieldMask(g.PULen)) << g.puOff()
	v |= (l.Grp & fieldMask(g.GrpLen)) << g.grpOff()
	return Addr(v)
}

// Unpack decodes a packed address into its logical fields. The result is
// only meaningful when a is neither Invalid nor cached.
func (g Geometry) Unpack(a Addr) Logical {
	v := uint64(a)
	return Logical{
		LBK: (v >> g.lbkOff()) & fieldMask(g.LBKLen),
		Chk: (v >> g.chkOff()) & fieldMask(g.ChkLen),
		PU:  (v >> g.puOff()) & fieldMask(g.PULen),
		Grp: (v >> g.grpOff()) & fieldMask(g.GrpLen),
	}
}

// FlattenPUnit maps a logical (grp, pu) pair to its position relative to
// rng.Begin in the flattened punit numbering (pu*num_grp + grp).
func (g Geometry) FlattenPUnit(rng PunitRange, l Logical) (uint64, error) {
	flat := l.PU*g.NumGrp + l.Grp
	if !rng.Contains(flat) {
		return 0, fmt.Errorf("geometry: punit (grp=%d,pu=%d) flattens to %d, outside range [%d,%d]",
			l.Grp, l.PU, flat, rng.Begin, rng.End)
	}
	return flat - rng.Begin, nil
}

// BandLBKOff computes the flat offset of ppa within band bandID's
// vld_map/lba_map. ppa.Chk must equal bandID; bands are identified by
// chunk index across all PUs.
func (g Geometry) BandLBKOff(rng PunitRange, bandID uint64, l Logical) (uint64, error) {
	if l.Chk != bandID {
		return 0, fmt.Errorf("geometry: ppa chunk %d does not belong to band %d", l.Chk, bandID)
	}
	punitOff, err := g.FlattenPUnit(rng, l)
	if err != nil {
		return 0, err
	}
	return punitOff*g.LBKsPerChk + l.LBK, nil
}

// PPAFromLBKOff is the inverse of BandLBKOff: it reconstructs the logical
// address of the LBK at flat offset off within band bandID.
func (g Geometry) PPAFromLBKOff(rng PunitRange, bandID uint64, off uint64) (Logical, error) {
	usable := rng.Count() * g.LBKsPerChk
	if rng.Count() == 0 || off >= usable {
		return Logical{}, fmt.Errorf("geometry: offset %d out of range for band with %d punits", off, rng.Count())
	}
	punitOff := off / g.LBKsPerChk
	lbk := off % g.LBKsPerChk
	flat := punitOff + rng.Begin
	return Logical{
		Grp: flat % g.NumGrp,
		PU:  flat / g.NumGrp,
		Chk: bandID,
		LBK: lbk,
	}, nil
}
