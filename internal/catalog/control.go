// Package catalog implements the on-disk backup catalog: control-file and
// file-list (de)serialization and the per-backup lockfile protocol.
//
// It deliberately knows nothing about the domain meaning of a backup;
// package pgbackup maps its generic Record/FileRecord types to and from
// the Backup and File domain types, keeping this package free of an import
// cycle back to the root package.
package catalog

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aalhour/pgbackup/vfs"
)

// Record is a parsed control file: an ordered set of key=value pairs.
// Order is preserved so rewriting a control file produces a stable diff.
type Record struct {
	keys   []string
	values map[string]string
}

// NewRecord returns an empty Record.
func NewRecord() *Record {
	return &Record{values: make(map[string]string)}
}

// Get returns the value for key and whether it was present.
func (r *Record) Get(key string) (string, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Set assigns key=value, appending key to the write order if it is new.
func (r *Record) Set(key, value string) {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Keys returns the keys in the order they were first set (or parsed).
func (r *Record) Keys() []string {
	return r.keys
}

// ParseControl parses a whole control file's contents: one "key = value" or
// "key=value" pair per line, '#'-prefixed comment lines and blank lines
// ignored. Section headers (e.g. "[Section]") are accepted and ignored,
// since backup.control is flat but this keeps the parser tolerant of the
// same format shape the file-parsing idiom elsewhere in this codebase uses.
func ParseControl(r io.Reader) (*Record, error) {
	rec := NewRecord()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		rec.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("catalog: parse control: %w", err)
	}
	return rec, nil
}

// ReadControl opens and parses the control file at path.
func ReadControl(fs vfs.FS, path string) (*Record, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ParseControl(f)
}

// WriteControl serializes rec as "key = value" lines in key-order and writes
// it crash-safely: the new content is written to path+".tmp", flushed and
// fsynced, then renamed over path. On any failure the tmp file is removed
// and the original path is left untouched.
func WriteControl(fs vfs.FS, path string, rec *Record) (err error) {
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

	var b strings.Builder
	for _, k := range rec.keys {
		fmt.Fprintf(&b, "%s = %s\n", k, rec.values[k])
	}
	if err = wf.Append([]byte(b.String())); err != nil {
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
	// The rename itself is not durable until the containing directory's
	// metadata is synced; without this a crash can leave the directory entry
	// pointing at the old inode even though Rename returned successfully.
	if err = fs.SyncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("catalog: syncdir %s: %w", filepath.Dir(path), err)
	}
	return nil
}

// SortedKeys returns rec's keys sorted lexically, for callers that want a
// deterministic dump regardless of write order (diagnostics, tests).
func (r *Record) SortedKeys() []string {
	keys := append([]string(nil), r.keys...)
	sort.Strings(keys)
	return keys
}
