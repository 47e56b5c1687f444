package band

import "hash/crc32"

// castagnoliTable is the CRC32C polynomial table used for all on-media
// metadata checksums. hash/crc32's Castagnoli table is SSE4.2/ARM64
// accelerated by the runtime where available, so no third-party CRC32C
// package is pulled in for this (see SPEC_FULL.md §7).
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// checksum computes the CRC32C over header (with its own checksum field
// already zeroed by the caller) followed by body, mirroring
// ftl_md_calc_crc32's single-helper composition in the original source.
func checksum(header, body []byte) uint32 {
	c := crc32.Update(0, castagnoliTable, header)
	c = crc32.Update(c, castagnoliTable, body)
	return c
}
