package pgbackup

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/aalhour/pgbackup/internal/checksum"
	"github.com/aalhour/pgbackup/internal/pagecodec"
)

// Validate re-reads a backup's stored files and verifies what OK status
// promises: every file-list entry that claims stored bytes is present, its
// recomputed CRC matches the recorded one, and every data-file page frame
// carries a well-formed header. It does not touch the source cluster.
func (s *Store) Validate(b *Backup) error {
	files := b.Files
	if len(files) == 0 {
		loaded, err := s.Load(b.ID())
		if err != nil {
			return err
		}
		files = loaded.Files
	}

	base := s.BackupDir(b)
	for _, f := range files {
		if f.Kind != FileRegular {
			continue
		}
		if f.WriteSize == BytesInvalid || f.WriteSize == FileNotFound || f.WriteSize == 0 {
			continue
		}

		path := storedPath(base, f)
		sf, err := s.fs.Open(path)
		if err != nil {
			return NewError(KindCatalog, SeverityError, "Store.Validate",
				fmt.Errorf("backup %s: stored file %s missing: %w", b.ID(), f.RelPath, err))
		}

		var crc uint32
		var verr error
		if f.IsDatafile {
			crc, verr = validateFrames(sf, b.BlockSize)
		} else {
			crc, verr = crcReader(sf)
		}
		closeErr := sf.Close()
		if verr != nil {
			return NewError(KindPage, SeverityError, "Store.Validate",
				fmt.Errorf("backup %s: %s: %w", b.ID(), f.RelPath, verr))
		}
		if closeErr != nil {
			return NewError(KindIO, SeverityError, "Store.Validate", closeErr)
		}
		if crc != f.CRC {
			return NewError(KindCatalog, SeverityError, "Store.Validate",
				fmt.Errorf("backup %s: %s: CRC mismatch (recorded %08x, recomputed %08x)", b.ID(), f.RelPath, f.CRC, crc))
		}
	}
	return nil
}

func storedPath(base string, f *File) string {
	if f.ExternalDirNum > 0 {
		return filepath.Join(base, "external_directories", externalDirName(f.ExternalDirNum), f.RelPath)
	}
	return filepath.Join(base, "database", f.RelPath)
}

// validateFrames walks a stored data file's page frames, checking each
// header's shape (a payload never larger than a page, block numbers
// strictly increasing, a truncation sentinel only as the final frame) and
// accumulating the CRC over the exact bytes stored.
func validateFrames(r io.Reader, blockSize uint32) (uint32, error) {
	if blockSize == 0 {
		blockSize = pagecodec.PageSize
	}
	var crc uint32
	hbuf := make([]byte, pagecodec.FrameHeaderSize)
	first := true
	var prevBlock uint32

	for {
		if _, err := io.ReadFull(r, hbuf); err != nil {
			if errors.Is(err, io.EOF) {
				return crc, nil
			}
			return 0, fmt.Errorf("short frame header: %w", err)
		}
		crc = checksum.Extend(crc, hbuf)

		h, err := pagecodec.DecodeHeader(hbuf)
		if err != nil {
			return 0, err
		}
		if !first && h.Block <= prevBlock {
			return 0, fmt.Errorf("frame block numbers not increasing (%d after %d)", h.Block, prevBlock)
		}
		first = false
		prevBlock = h.Block

		switch {
		case h.CompressedSize == pagecodec.PageIsTruncated:
			// Truncation sentinel ends the stream; trailing bytes would
			// mean the writer kept going past its own end marker.
			var tail [1]byte
			if n, _ := r.Read(tail[:]); n != 0 {
				return 0, fmt.Errorf("bytes follow the truncation sentinel")
			}
			return crc, nil
		case h.CompressedSize <= 0:
			return 0, fmt.Errorf("frame block %d: invalid compressed size %d", h.Block, h.CompressedSize)
		case uint32(h.CompressedSize) > blockSize:
			return 0, fmt.Errorf("frame block %d: compressed size %d exceeds page size %d", h.Block, h.CompressedSize, blockSize)
		}

		padded := pagecodec.AlignedPayloadSize(h.CompressedSize)
		payload := make([]byte, padded)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, fmt.Errorf("frame block %d: short payload: %w", h.Block, err)
		}
		crc = checksum.Extend(crc, payload)
	}
}

func crcReader(r io.Reader) (uint32, error) {
	var crc uint32
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			crc = checksum.Extend(crc, buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return crc, nil
		}
		if err != nil {
			return 0, err
		}
	}
}
