// Package pagecodec validates, checksums, compresses, and frames
// fixed-size database pages for storage in a backup data file. Every check
// is total: malformed input yields a false/error decision, never a panic.
package pagecodec

import "encoding/binary"

// PageSize is the fixed page size this codec validates. Only the standard
// 8 KiB page is supported; a server built with a different compile-time
// BLCKSZ is out of scope.
const PageSize = 8192

// Page header layout, little-endian, mirroring a standard heap page header:
//
//	offset 0  : pd_lsn     (8 bytes, the page's LSN — not validated here)
//	offset 8  : pd_checksum(2 bytes)
//	offset 10 : pd_flags   (2 bytes)
//	offset 12 : pd_lower   (2 bytes)
//	offset 14 : pd_upper   (2 bytes)
//	offset 16 : pd_special (2 bytes)
//	offset 18 : pd_pagesize_version (2 bytes; high 13 bits size, low 3 bits version)
const (
	offLSN      = 0
	offChecksum = 8
	offFlags    = 10
	offLower    = 12
	offUpper    = 14
	offSpecial  = 16
	offSizeVer  = 18
	HeaderSize  = 20

	flagsMask = 0x0007 // only 3 flag bits are defined
	maxAlign  = 8
)

// LSN returns the page's LSN field, used by DELTA mode to decide whether a
// block changed since the parent backup's start-LSN.
func LSN(page []byte) uint64 {
	return binary.LittleEndian.Uint64(page[offLSN:])
}

// Checksum returns the page's stored checksum field.
func Checksum(page []byte) uint16 {
	return binary.LittleEndian.Uint16(page[offChecksum:])
}

// IsEmpty reports whether every byte of page is zero. An all-zero page is
// accepted as valid without further header checks — it represents a page
// PostgreSQL has allocated but never initialized.
func IsEmpty(page []byte) bool {
	for _, b := range page {
		if b != 0 {
			return false
		}
	}
	return true
}

// IsValidHeader reports whether page's header fields are internally
// consistent: declared size equals PageSize, flag bits fall within the
// defined mask, and pd_lower/pd_upper/pd_special/page-size are correctly
// ordered with pd_special maximally aligned.
//
// An empty (all-zero) page is always considered valid; see IsEmpty.
func IsValidHeader(page []byte) bool {
	if len(page) != PageSize {
		return false
	}
	if IsEmpty(page) {
		return true
	}
	if len(page) < HeaderSize {
		return false
	}

	sizeVer := binary.LittleEndian.Uint16(page[offSizeVer:])
	declaredSize := int(sizeVer &^ 0x0007)
	if declaredSize != PageSize {
		return false
	}

	flags := binary.LittleEndian.Uint16(page[offFlags:])
	if flags&^flagsMask != 0 {
		return false
	}

	lower := int(binary.LittleEndian.Uint16(page[offLower:]))
	upper := int(binary.LittleEndian.Uint16(page[offUpper:]))
	special := int(binary.LittleEndian.Uint16(page[offSpecial:]))

	if lower < HeaderSize {
		return false
	}
	if !(lower <= upper && upper <= special && special <= PageSize) {
		return false
	}
	if special%maxAlign != 0 {
		return false
	}
	return true
}
