package band

// BlockSize is the media's fixed logical block size in bytes.
const BlockSize = 4096

// UUIDSize is the byte width of the device UUID stamped into head and
// tail metadata.
const UUIDSize = 16

// headMDLayoutSize is the byte size of the fixed portion of the head MD
// header (everything except the padding out to head_md_num_lbks).
const headMDLayoutSize = UUIDSize + 1 /*version*/ + 8 /*seq*/ + 4 /*crc32*/ + 8 /*wr_cnt*/ + 8 /*lba_cnt*/ + 4 /*xfer_size*/

// tailHeaderLayoutSize is the byte size of the tail MD's fixed header,
// before the vld_map and lba_map regions.
const tailHeaderLayoutSize = UUIDSize + 1 + 8 + 4 + 8 + 4 /*reserved*/

// mdVersion is the on-media metadata format version. A mismatch on
// restore is fatal; there is no forward-compatibility story (spec.md §9
// open question 4), matching the original's single-byte version field.
const mdVersion = 1
