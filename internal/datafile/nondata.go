package datafile

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/aalhour/pgbackup/internal/checksum"
	"github.com/aalhour/pgbackup/vfs"
)

// ErrSourceMissing is returned by CopyWhole when the source file does not
// exist and missingOK is false.
var ErrSourceMissing = errors.New("datafile: source file not found")

// PrevEntry describes the parent backup's record for a non-data file, used
// to decide whether it can be skipped this run.
type PrevEntry struct {
	ModTime time.Time
	CRC     uint32
}

// CopyWhole copies a non-relation file verbatim (small config files, WAL
// segments staged into the backup, control files) with no page framing,
// computing a CRC-32C over its exact bytes. If prev is non-nil and the
// source's mtime is not newer than prev.ModTime and the computed CRC equals
// prev.CRC, the file is considered unchanged: no bytes are copied and
// skipped is true (the caller still writes a file-list metadata line with
// write-size BYTES_INVALID).
//
// If the source has disappeared, missingOK controls whether that is
// reported via notFound=true (continue, record FILE_NOT_FOUND) or as
// ErrSourceMissing (fatal).
func CopyWhole(fs vfs.FS, srcPath string, dst vfs.WritableFile, prev *PrevEntry, missingOK bool) (bytesWritten int64, crc uint32, skipped, notFound bool, err error) {
	info, statErr := fs.Stat(srcPath)
	if statErr != nil {
		if os.IsNotExist(statErr) && missingOK {
			return 0, 0, false, true, nil
		}
		if os.IsNotExist(statErr) {
			return 0, 0, false, false, ErrSourceMissing
		}
		return 0, 0, false, false, statErr
	}

	sf, err := fs.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) && missingOK {
			return 0, 0, false, true, nil
		}
		return 0, 0, false, false, err
	}
	defer func() { _ = sf.Close() }()

	// Compute the CRC unconditionally: the skip decision requires it, and a
	// non-data file is assumed small enough that reading it twice (once
	// here, once to copy) is not worth the bookkeeping to avoid.
	fileCRC, rerr := crcOf(sf)
	if rerr != nil {
		return 0, 0, false, false, rerr
	}

	if prev != nil && !info.ModTime().After(prev.ModTime) && fileCRC == prev.CRC {
		return 0, fileCRC, true, false, nil
	}

	sf2, err := fs.Open(srcPath)
	if err != nil {
		return 0, 0, false, false, err
	}
	defer func() { _ = sf2.Close() }()

	n, err := io.Copy(dst, sf2)
	if err != nil {
		return n, fileCRC, false, false, err
	}
	return n, fileCRC, false, false, nil
}

func crcOf(r io.Reader) (uint32, error) {
	var crc uint32
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			crc = checksum.Extend(crc, buf[:n])
		}
		if err == io.EOF {
			return crc, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// ShouldDeleteEmpty reports whether a data file that was scanned but
// produced no output should be removed from the backup rather than left as
// a zero-byte placeholder: every candidate block was skipped (DELTA no-op)
// and at least one block was considered.
func ShouldDeleteEmpty(blocksRead, blocksSkipped int) bool {
	return blocksRead > 0 && blocksRead == blocksSkipped
}
