package band

import (
	"encoding/binary"
	"fmt"

	"github.com/open-channel/ocssd-ftl/internal/vldmap"
)

// tailCRC32Offset is the byte offset of the CRC32 field in the tail
// header layout.
const tailCRC32Offset = UUIDSize + 1 + 8

// TailMD is a band's tail metadata header. It is followed on media by
// the band's vld_map and then its lba_map, both byte-aligned to
// BlockSize.
type TailMD struct {
	UUID    [UUIDSize]byte
	Version uint8
	Seq     uint64
	CRC32   uint32
	NumLBKs uint64 // total size of this tail MD region, in LBKs
}

func divUp(n, d uint64) uint64 {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}

// TailMDNumLBKs computes tail_md_num_lbks for a band with the given
// vld_map bit length and lba_map entry count, per spec.md §4.2: header
// block (one LBK, padded to BlockSize) + vld_map blocks + lba_map
// blocks, rounded up to a multiple of xferSize.
func TailMDNumLBKs(vldMapLen uint, lbaMapEntries int, xferSize uint64) uint64 {
	vldBytes := vldmap.BinarySize(vldMapLen)
	lbaBytes := uint64(lbaMapEntries) * 8

	hdrLBKs := uint64(1)
	vldLBKs := divUp(vldBytes, BlockSize)
	lbaLBKs := divUp(lbaBytes, BlockSize)

	return divUp(hdrLBKs+vldLBKs+lbaLBKs, xferSize) * xferSize
}

// MarshalTail serializes h, vldMap, and lbaMap into a tail MD region of
// exactly numLBKs*BlockSize bytes.
func MarshalTail(h TailMD, vldMap *vldmap.Map, lbaMap []uint64, numLBKs uint64) ([]byte, error) {
	size := int(numLBKs * BlockSize)
	if size < BlockSize {
		return nil, fmt.Errorf("band: tail md region too small: %d bytes", size)
	}
	buf := make([]byte, size)

	h.NumLBKs = numLBKs
	h.CRC32 = 0
	writeTailHeader(buf, h)

	vldBytes, err := vldMap.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("band: marshal vld_map: %w", err)
	}
	copy(buf[BlockSize:], vldBytes)

	lbaOff := BlockSize + int(divUp(uint64(len(vldBytes)), BlockSize))*BlockSize
	for i, lba := range lbaMap {
		binary.LittleEndian.PutUint64(buf[lbaOff+i*8:], lba)
	}

	h.CRC32 = checksum(buf[:BlockSize], buf[BlockSize:])
	binary.LittleEndian.PutUint32(buf[tailCRC32Offset:], h.CRC32)
	return buf, nil
}

func writeTailHeader(buf []byte, h TailMD) {
	off := 0
	copy(buf[off:off+UUIDSize], h.UUID[:])
	off += UUIDSize
	buf[off] = h.Version
	off++
	binary.LittleEndian.PutUint64(buf[off:], h.Seq)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], h.CRC32)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], h.NumLBKs)
}

// UnmarshalTail parses a tail MD region previously produced by
// MarshalTail. vldMapLen and lbaMapEntries must match the band's
// configuration (they are not recoverable from the header alone).
func UnmarshalTail(buf []byte, expectedUUID [UUIDSize]byte, vldMapLen uint, lbaMapEntries int) (TailMD, *vldmap.Map, []uint64, HeadMDValidation, error) {
	if len(buf) < tailHeaderLayoutSize {
		return TailMD{}, nil, nil, HeadMDInvalidSize, fmt.Errorf("band: tail md buffer too small")
	}

	var h TailMD
	off := 0
	copy(h.UUID[:], buf[off:off+UUIDSize])
	off += UUIDSize
	h.Version = buf[off]
	off++
	h.Seq = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.CRC32 = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.NumLBKs = binary.LittleEndian.Uint64(buf[off:])

	if h.UUID != expectedUUID {
		return h, nil, nil, HeadMDNoMD, nil
	}
	if h.Version != mdVersion {
		return h, nil, nil, HeadMDInvalidVersion, nil
	}

	if uint64(len(buf)) < h.NumLBKs*BlockSize {
		return h, nil, nil, HeadMDInvalidSize, fmt.Errorf("band: tail md region shorter than declared num_lbks")
	}

	zeroed := make([]byte, BlockSize)
	copy(zeroed, buf[:BlockSize])
	binary.LittleEndian.PutUint32(zeroed[tailCRC32Offset:], 0)
	got := checksum(zeroed, buf[BlockSize:h.NumLBKs*BlockSize])
	if got != h.CRC32 {
		return h, nil, nil, HeadMDInvalidCRC, nil
	}

	vldBytes := vldmap.BinarySize(vldMapLen)
	vld := vldmap.New(vldMapLen)
	if err := vld.UnmarshalBinary(buf[BlockSize : BlockSize+int(vldBytes)]); err != nil {
		return h, nil, nil, HeadMDInvalidSize, fmt.Errorf("band: unmarshal vld_map: %w", err)
	}

	lbaOff := BlockSize + int(divUp(vldBytes, BlockSize))*BlockSize
	lbaMap := make([]uint64, lbaMapEntries)
	for i := range lbaMap {
		lbaMap[i] = binary.LittleEndian.Uint64(buf[lbaOff+i*8:])
	}

	return h, vld, lbaMap, HeadMDOK, nil
}
