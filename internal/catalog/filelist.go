package catalog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/aalhour/pgbackup/vfs"
)

// FileRecord is the on-disk JSON shape of one backup_content.control line.
// Struct tags carry the on-disk key spellings, so encoding/json needs no
// custom MarshalJSON.
type FileRecord struct {
	Path           string `json:"path"`
	Size           int64  `json:"size"`
	Mode           uint32 `json:"mode"`
	IsDatafile     bool   `json:"is_datafile"`
	IsCFS          bool   `json:"is_cfs"`
	CRC            uint32 `json:"crc"`
	CompressAlg    int    `json:"compress_alg"`
	ExternalDirNum int    `json:"external_dir_num"`
	WriteSize      int64  `json:"write_size"`

	// Present only when applicable, matching the source's "omit when not a
	// datafile / not a symlink" behavior.
	SegNo   *uint32 `json:"segno,omitempty"`
	Linked  string  `json:"linked,omitempty"`
	NBlocks *int32  `json:"n_blocks,omitempty"`
}

// filelistFlushBatch bounds how many records are buffered before a chunk is
// flushed to the underlying writer, amortizing syscall cost over large file
// lists without holding an entire multi-hundred-thousand-entry list in a
// single buffered write.
const filelistFlushBatch = 500

// ReadFileList reads a backup_content.control file: one JSON object per
// line.
func ReadFileList(fs vfs.FS, path string) ([]FileRecord, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ParseFileList(f)
}

// ParseFileList parses a file-list stream.
func ParseFileList(r io.Reader) ([]FileRecord, error) {
	var records []FileRecord
	scanner := bufio.NewScanner(r)
	// A relation file list can carry one JSON object for every page-
	// changed file in a large cluster; grow the scanner's buffer well past
	// the default 64KiB line limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec FileRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("catalog: parse file list line: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("catalog: read file list: %w", err)
	}
	return records, nil
}

// WriteFileList writes records as a backup_content.control file: one JSON
// object per line, flushed in filelistFlushBatch-sized chunks, crash-safely
// committed via tmp+fsync+rename.
func WriteFileList(fs vfs.FS, path string, records []FileRecord) (err error) {
	tmpPath := path + ".tmp"
	wf, err := fs.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("catalog: create %s: %w", tmpPath, err)
	}
	defer func() {
		if err != nil {
			_ = fs.Remove(tmpPath)
		}
	}()

	buf := make([]byte, 0, filelistFlushBatch*256)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if werr := wf.Append(buf); werr != nil {
			return werr
		}
		buf = buf[:0]
		return nil
	}

	for i, rec := range records {
		line, merr := json.Marshal(rec)
		if merr != nil {
			_ = wf.Close()
			return fmt.Errorf("catalog: marshal file list entry: %w", merr)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
		if (i+1)%filelistFlushBatch == 0 {
			if err = flush(); err != nil {
				_ = wf.Close()
				return fmt.Errorf("catalog: write %s: %w", tmpPath, err)
			}
		}
	}
	if err = flush(); err != nil {
		_ = wf.Close()
		return fmt.Errorf("catalog: write %s: %w", tmpPath, err)
	}
	if err = wf.Sync(); err != nil {
		_ = wf.Close()
		return fmt.Errorf("catalog: fsync %s: %w", tmpPath, err)
	}
	if err = wf.Close(); err != nil {
		return fmt.Errorf("catalog: close %s: %w", tmpPath, err)
	}
	if err = fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("catalog: rename %s to %s: %w", tmpPath, path, err)
	}
	if err = fs.SyncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("catalog: syncdir %s: %w", filepath.Dir(path), err)
	}
	return nil
}
