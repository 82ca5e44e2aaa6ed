package datafile

import (
	"fmt"
	"io"

	"github.com/aalhour/pgbackup/internal/compression"
	"github.com/aalhour/pgbackup/internal/pagecodec"
)

// RandomWriter is the subset of *os.File's API restore needs: positioned
// writes plus truncation. vfs.WritableFile only models sequential
// Write/Append, so restore talks to the target file through this narrower,
// locally-defined interface instead of widening the shared vfs.FS contract
// for one caller's sake.
type RandomWriter interface {
	io.WriterAt
	Truncate(size int64) error
}

// RestoreOptions configures RestoreFile.
type RestoreOptions struct {
	BlockSize   uint32
	CompressAlg compression.Type
	// Legacy selects the pre-2.0.23 decompression heuristic for backups
	// written before framing always set CompressedSize==PageSize for raw
	// payloads.
	Legacy bool
}

// RestoreFile reads a backup data file's frames from src (the backup's
// on-disk copy, read sequentially) and writes each page to dst at its
// recorded block offset. A PageIsTruncated frame ends the stream and
// truncates dst to that point, matching the backup-time truncation
// sentinel.
func RestoreFile(src io.Reader, dst RandomWriter, opts RestoreOptions) error {
	hbuf := make([]byte, pagecodec.FrameHeaderSize)
	for {
		if _, err := io.ReadFull(src, hbuf); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("datafile: read frame header: %w", err)
		}
		h, err := pagecodec.DecodeHeader(hbuf)
		if err != nil {
			return err
		}

		if h.CompressedSize == pagecodec.PageIsTruncated {
			return dst.Truncate(int64(h.Block) * int64(opts.BlockSize))
		}

		padded := pagecodec.AlignedPayloadSize(h.CompressedSize)
		payload := make([]byte, padded)
		if _, err := io.ReadFull(src, payload); err != nil {
			return fmt.Errorf("datafile: read frame payload (block %d): %w", h.Block, err)
		}
		payload = payload[:h.CompressedSize]

		var page []byte
		if opts.Legacy {
			page, err = pagecodec.DecompressLegacy(payload, h.CompressedSize, opts.CompressAlg)
		} else {
			page, err = pagecodec.Decompress(payload, h.CompressedSize, opts.CompressAlg)
		}
		if err != nil {
			return fmt.Errorf("datafile: decompress frame (block %d): %w", h.Block, err)
		}

		off := int64(h.Block) * int64(opts.BlockSize)
		if _, err := dst.WriteAt(page, off); err != nil {
			return fmt.Errorf("datafile: write block %d: %w", h.Block, err)
		}
	}
}

// TruncateToBlockCount is used by DELTA restore: when the backup recorded a
// final block count and the current target file is longer, the extra tail
// blocks belong to a later version of the relation and must be discarded.
func TruncateToBlockCount(dst RandomWriter, blockCount int32, blockSize uint32) error {
	if blockCount < 0 {
		return nil
	}
	return dst.Truncate(int64(blockCount) * int64(blockSize))
}
