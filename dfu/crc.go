package dfu

import "hash/crc32"

// CRCFunc computes a CRC-32 (IEEE 802.3) over b. The engine never hardcodes
// an implementation; WithCRC lets a caller substitute a host-provided one
// (spec §6). None of the teacher's or pack's example repos ships a
// third-party CRC-32 library — stdlib hash/crc32 already implements the
// exact polynomial the protocol requires — so the default stays on the
// standard library (see DESIGN.md).
type CRCFunc func(b []byte) int32

func defaultCRC(b []byte) int32 {
	return int32(crc32.ChecksumIEEE(b))
}
