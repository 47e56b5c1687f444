package band

import (
	"encoding/binary"
	"fmt"
)

// crc32Offset is the byte offset of the CRC32 field within the head MD
// header layout, used to zero it before checksumming and to patch the
// computed value back in afterward.
const crc32Offset = UUIDSize + 1 + 8

// HeadMD is a band's head metadata, written at the first operational
// chunk's first LBK once write_prep has assigned a sequence number.
type HeadMD struct {
	UUID     [UUIDSize]byte
	Version  uint8
	Seq      uint64
	CRC32    uint32
	WrCnt    uint64
	LBACount uint64 // l2p_len at the time this band was opened
	XferSize uint32
}

// Marshal serializes h into a buffer of exactly size bytes (the caller
// passes head_md_num_lbks * BlockSize), zero-padded beyond the header.
// All integers are little-endian. The CRC32 field covers the header
// (with the CRC field itself zeroed) followed by the padding region.
func Marshal(h HeadMD, size int) ([]byte, error) {
	if size < headMDLayoutSize {
		return nil, fmt.Errorf("band: head md buffer too small: need %d, got %d", headMDLayoutSize, size)
	}
	buf := make([]byte, size)
	h.CRC32 = 0
	writeHeadMDHeader(buf, h)
	h.CRC32 = checksum(buf[:headMDLayoutSize], buf[headMDLayoutSize:])
	binary.LittleEndian.PutUint32(buf[crc32Offset:], h.CRC32)
	return buf, nil
}

func writeHeadMDHeader(buf []byte, h HeadMD) {
	off := 0
	copy(buf[off:off+UUIDSize], h.UUID[:])
	off += UUIDSize
	buf[off] = h.Version
	off++
	binary.LittleEndian.PutUint64(buf[off:], h.Seq)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], h.CRC32)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], h.WrCnt)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.LBACount)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], h.XferSize)
}

// HeadMDValidation is the result of validating a read-back head MD.
type HeadMDValidation int

const (
	HeadMDOK HeadMDValidation = iota
	HeadMDNoMD                 // uuid mismatch: band was never written
	HeadMDInvalidCRC
	HeadMDInvalidVersion
	HeadMDInvalidSize
)

// Unmarshal parses a head MD buffer and validates it against expectedUUID.
// A zero/mismatched UUID is reported as HeadMDNoMD rather than an error:
// per spec.md §4.12, bands that were never written legitimately have no
// head MD.
func Unmarshal(buf []byte, expectedUUID [UUIDSize]byte) (HeadMD, HeadMDValidation, error) {
	if len(buf) < headMDLayoutSize {
		return HeadMD{}, HeadMDInvalidSize, fmt.Errorf("band: head md buffer too small: need %d, got %d", headMDLayoutSize, len(buf))
	}

	var h HeadMD
	off := 0
	copy(h.UUID[:], buf[off:off+UUIDSize])
	off += UUIDSize
	h.Version = buf[off]
	off++
	h.Seq = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.CRC32 = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.WrCnt = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.LBACount = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.XferSize = binary.LittleEndian.Uint32(buf[off:])

	if h.UUID != expectedUUID {
		return h, HeadMDNoMD, nil
	}
	if h.Version != mdVersion {
		return h, HeadMDInvalidVersion, nil
	}

	zeroed := make([]byte, headMDLayoutSize)
	copy(zeroed, buf[:headMDLayoutSize])
	binary.LittleEndian.PutUint32(zeroed[crc32Offset:], 0)
	got := checksum(zeroed, buf[headMDLayoutSize:])
	if got != h.CRC32 {
		return h, HeadMDInvalidCRC, nil
	}
	return h, HeadMDOK, nil
}
