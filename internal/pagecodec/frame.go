package pagecodec

import (
	"encoding/binary"
	"fmt"

	"github.com/aalhour/pgbackup/internal/compression"
)

// Sentinel values for a BackupPageHeader's CompressedSize field.
const (
	// PageIsTruncated marks the end-of-file truncation point: everything
	// from this frame's block number onward was absent in the source file
	// at backup time.
	PageIsTruncated int32 = -2
	// SkipCurrentPage never appears on disk; it signals "page unchanged,
	// no frame written" to the caller driving the copy loop.
	SkipCurrentPage int32 = -4
)

// FrameHeaderSize is the on-disk size of a BackupPageHeader.
const FrameHeaderSize = 8

// BackupPageHeader is the fixed header preceding each page's payload in a
// backup data file.
type BackupPageHeader struct {
	Block          uint32
	CompressedSize int32
}

// Encode writes h in little-endian wire format.
func (h BackupPageHeader) Encode() [FrameHeaderSize]byte {
	var buf [FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.Block)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.CompressedSize))
	return buf
}

// DecodeHeader parses a BackupPageHeader from the front of buf.
func DecodeHeader(buf []byte) (BackupPageHeader, error) {
	if len(buf) < FrameHeaderSize {
		return BackupPageHeader{}, fmt.Errorf("pagecodec: short frame header (%d bytes)", len(buf))
	}
	return BackupPageHeader{
		Block:          binary.LittleEndian.Uint32(buf[0:4]),
		CompressedSize: int32(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}

// AlignedPayloadSize rounds n up to the next multiple of maxAlign, the
// padding every frame's payload is written at.
func AlignedPayloadSize(n int32) int32 {
	if n <= 0 {
		return 0
	}
	rem := n % maxAlign
	if rem == 0 {
		return n
	}
	return n + (maxAlign - rem)
}

// Compress compresses page with alg, returning the payload to write and the
// CompressedSize to record. On compression failure, when the compressed
// form is not smaller than the page, or for alg ==
// compression.NoCompression, the raw page is returned with CompressedSize
// equal to PageSize, matching the "non-positive return falls back to raw"
// rule.
func Compress(page []byte, alg compression.Type) (payload []byte, compressedSize int32) {
	if alg == compression.NoCompression {
		return page, int32(len(page))
	}
	out, err := compression.Compress(alg, page)
	if err != nil || len(out) == 0 || len(out) >= len(page) {
		return page, int32(len(page))
	}
	return out, int32(len(out))
}

// Decompress reverses Compress. A CompressedSize equal to PageSize means
// the payload is stored raw (either genuinely uncompressed, or a
// compression failure fallback at backup time).
func Decompress(payload []byte, compressedSize int32, alg compression.Type) ([]byte, error) {
	if int(compressedSize) == PageSize {
		return payload, nil
	}
	if alg == compression.NoCompression {
		return nil, fmt.Errorf("pagecodec: compressed frame with CompressAlg=none")
	}
	return compression.DecompressWithSize(alg, payload, PageSize)
}

// DecompressLegacy reproduces the pre-2.0.23 decompression heuristic: when
// compressedSize equals PageSize, a legacy backup may still have compressed
// the page if compression happened to produce exactly PageSize bytes by
// coincidence. Such backups probed the first payload byte for the zlib
// magic (0x78) to decide. New backups never need this path because they
// only ever set CompressedSize == PageSize for genuinely raw payloads (see
// Compress); callers reading pre-2.0.23 backups must use this instead of
// Decompress.
func DecompressLegacy(payload []byte, compressedSize int32, alg compression.Type) ([]byte, error) {
	if int(compressedSize) != PageSize {
		return Decompress(payload, compressedSize, alg)
	}
	if len(payload) > 0 && payload[0] == 0x78 && alg == compression.ZlibCompression {
		if out, err := compression.DecompressWithSize(alg, payload, PageSize); err == nil {
			return out, nil
		}
	}
	return payload, nil
}
