package datafile

import (
	"errors"
	"io"
	"sort"

	"github.com/aalhour/pgbackup/internal/checksum"
	"github.com/aalhour/pgbackup/internal/compression"
	"github.com/aalhour/pgbackup/internal/pagechecksum"
	"github.com/aalhour/pgbackup/internal/pagecodec"
	"github.com/aalhour/pgbackup/vfs"
)

// Mode selects which blocks of a file the backup loop considers, and by
// what rule. Root package pgbackup maps its public BackupMode onto one of
// these at the call site, keeping this package ignorant of the catalog's
// mode vocabulary.
type Mode uint8

const (
	// ModeCopyAll scans every block of the file in order and copies all of
	// them (FULL mode).
	ModeCopyAll Mode = iota
	// ModeDeltaLSN scans every block of the file in order, copying a block
	// only if its page LSN is at or after ParentStartLSN (DELTA mode).
	ModeDeltaLSN
	// ModeExplicitBlocks copies exactly the blocks named in Options.Blocks,
	// in ascending block order, with no whole-file scan (PAGE/PTRACK mode).
	ModeExplicitBlocks
)

// Options configures a single BackupFile call.
type Options struct {
	BlockSize uint32
	// AbsoluteBlockBase is added to a file-relative block number to get the
	// block's absolute position for checksum computation (SegNo *
	// blocks-per-segment).
	AbsoluteBlockBase uint32

	ChecksumVersion pagechecksum.Version
	CompressAlg     compression.Type
	RetryAttempts   int

	Mode           Mode
	ParentStartLSN uint64
	Blocks         []uint32 // candidate blocks for ModeExplicitBlocks

	// ExtensionFetch, if non-nil, is consulted mid-retry on a checksum
	// mismatch: if it returns a page, that page is trusted instead of
	// continuing to reread local disk. Modeled on the change-tracking
	// extension fallback described for strict/non-strict corruption
	// handling.
	ExtensionFetch func(block uint32) ([]byte, bool)
}

// Result summarizes one BackupFile call.
type Result struct {
	BlocksRead    int
	BlocksWritten int
	BlocksSkipped int
	BytesWritten  int64
	CRC           uint32
	Truncated     bool
}

// BackupFile drives the per-block backup loop over src, writing
// BackupPageHeader-framed pages to dst per opts.Mode, and returns an
// accumulated CRC-32C over exactly the bytes written to dst.
func BackupFile(src vfs.RandomAccessFile, dst vfs.WritableFile, opts Options) (Result, error) {
	var res Result
	var crc uint32

	writeFrame := func(block uint32, page []byte, compressedSize int32) error {
		h := pagecodec.BackupPageHeader{Block: block, CompressedSize: compressedSize}
		hbuf := h.Encode()
		if err := writeAndCRC(dst, &crc, hbuf[:]); err != nil {
			return err
		}
		if compressedSize > 0 {
			padded := pagecodec.AlignedPayloadSize(compressedSize)
			buf := page
			if int(padded) != len(page) {
				buf = make([]byte, padded)
				copy(buf, page)
			}
			if err := writeAndCRC(dst, &crc, buf); err != nil {
				return err
			}
			res.BytesWritten += int64(len(hbuf)) + int64(len(buf))
		} else {
			res.BytesWritten += int64(len(hbuf))
		}
		return nil
	}

	copyBlock := func(block uint32) error {
		page, truncated, err := readBlockWithRetry(src, block, opts)
		if err != nil {
			return err
		}
		if truncated {
			if err := writeFrame(block, nil, pagecodec.PageIsTruncated); err != nil {
				return err
			}
			res.Truncated = true
			return errStop
		}
		res.BlocksRead++

		if opts.Mode == ModeDeltaLSN && pagecodec.LSN(page) < opts.ParentStartLSN {
			res.BlocksSkipped++
			return nil
		}

		payload, compressedSize := pagecodec.Compress(page, opts.CompressAlg)
		if err := writeFrame(block, payload, compressedSize); err != nil {
			return err
		}
		res.BlocksWritten++
		return nil
	}

	switch opts.Mode {
	case ModeCopyAll, ModeDeltaLSN:
		for block := uint32(0); ; block++ {
			if err := copyBlock(block); err != nil {
				if errors.Is(err, errStop) {
					break
				}
				return res, err
			}
		}
	case ModeExplicitBlocks:
		blocks := append([]uint32(nil), opts.Blocks...)
		sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
		for _, block := range blocks {
			if err := copyBlock(block); err != nil {
				if errors.Is(err, errStop) {
					break
				}
				return res, err
			}
		}
	}

	res.CRC = crc
	return res, nil
}

// errStop is an internal sentinel meaning "truncation sentinel written,
// stop iterating this file" — never returned to BackupFile's caller.
var errStop = errors.New("datafile: internal stop sentinel")

func writeAndCRC(dst vfs.WritableFile, crc *uint32, data []byte) error {
	if _, err := dst.Write(data); err != nil {
		return err
	}
	*crc = checksum.Extend(*crc, data)
	return nil
}

// readBlockWithRetry reads one block at blockInFile, retrying up to
// opts.RetryAttempts times across header-validation and checksum failures,
// which is how a torn page mid-write by the source server is distinguished
// from genuine corruption. A zero-length read at the block's offset means
// the file ends there: that is a truncation sentinel, not an error.
func readBlockWithRetry(src vfs.RandomAccessFile, blockInFile uint32, opts Options) (page []byte, truncated bool, err error) {
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	absBlock := opts.AbsoluteBlockBase + blockInFile
	off := int64(blockInFile) * int64(opts.BlockSize)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		buf := make([]byte, opts.BlockSize)
		n, rerr := src.ReadAt(buf, off)
		if n == 0 && (errors.Is(rerr, io.EOF) || rerr == nil) {
			return nil, true, nil
		}
		if n < len(buf) {
			if errors.Is(rerr, io.EOF) {
				// The file's length is not a page multiple; the partial
				// tail can never become a complete page, so it is ignored
				// and the file ends at the last whole block.
				return nil, true, nil
			}
			lastErr = rerr
			continue // short read: likely a torn write in progress, retry
		}
		if !pagecodec.IsValidHeader(buf) {
			lastErr = nil
			continue
		}
		if !pagecodec.VerifyChecksum(buf, absBlock, opts.ChecksumVersion) {
			if opts.ExtensionFetch != nil {
				if extPage, ok := opts.ExtensionFetch(blockInFile); ok {
					return extPage, false, nil
				}
			}
			lastErr = nil
			continue
		}
		return buf, false, nil
	}
	if lastErr != nil {
		return nil, false, lastErr
	}
	return nil, false, ErrCorrupt
}
