package catalog

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aalhour/pgbackup/vfs"
)

// ControlFileName and FileListName are the fixed file names inside a
// backup directory.
const (
	ControlFileName  = "backup.control"
	FileListName     = "backup_content.control"
	LockFileName     = "backup.pid"
	DatabaseDirName  = "database"
	ExternalDirsName = "external_directories"
)

// TimeLayout is the ISO-8601-local form every control-file timestamp key
// (start-time, end-time, recovery-time, merge-time) is written in.
const TimeLayout = "2006-01-02 15:04:05 MST"

// ParseStartTime parses a control file's start-time value into Unix
// seconds, the form backup identity (the base-36 directory name) is
// computed from. ok is false for a missing, malformed, or zero value —
// the conditions that mark a control file corrupt.
func ParseStartTime(v string) (int64, bool) {
	t, err := time.Parse(TimeLayout, v)
	if err != nil || t.Unix() == 0 {
		return 0, false
	}
	return t.Unix(), true
}

// Entry is one directory found while enumerating a backup instance
// directory, with its control file parsed if present.
type Entry struct {
	Name string // directory name, expected to be base-36(start-time)
	Path string

	// DecodedStartTime is the start-time obtained by base-36-decoding Name.
	// DecodedErr is non-nil if Name is not valid base-36.
	DecodedStartTime int64
	DecodedErr       error

	// Control is the parsed backup.control, or nil if the file is missing
	// (a placeholder entry — the caller should synthesize a minimal record
	// from DecodedStartTime).
	Control *Record
}

// Enumerate scans instanceDir for backup directories, skipping hidden
// entries and anything that is not a directory. For each directory it reads
// backup.control if present. Results are sorted by effective start-time
// (the control file's "start-time" key if present and valid, otherwise
// DecodedStartTime) descending, matching the catalog's newest-first listing
// order.
func Enumerate(fs vfs.FS, instanceDir string) ([]Entry, error) {
	names, err := fs.ListDir(instanceDir)
	if err != nil {
		return nil, fmt.Errorf("catalog: list %s: %w", instanceDir, err)
	}

	var entries []Entry
	for _, name := range names {
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(instanceDir, name)
		info, statErr := fs.Stat(path)
		if statErr != nil || !info.IsDir() {
			continue
		}

		e := Entry{Name: name, Path: path}
		if t, derr := strconv.ParseInt(name, 36, 64); derr != nil {
			e.DecodedErr = fmt.Errorf("catalog: directory name %q is not valid base-36: %w", name, derr)
		} else {
			e.DecodedStartTime = t
		}

		controlPath := filepath.Join(path, ControlFileName)
		if fs.Exists(controlPath) {
			rec, rerr := ReadControl(fs, controlPath)
			if rerr == nil {
				e.Control = rec
			}
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return effectiveStartTime(entries[i]) > effectiveStartTime(entries[j])
	})
	return entries, nil
}

func effectiveStartTime(e Entry) int64 {
	if e.Control != nil {
		if v, ok := e.Control.Get("start-time"); ok {
			if t, valid := ParseStartTime(v); valid {
				return t
			}
		}
	}
	return e.DecodedStartTime
}

// DecodedMismatch reports whether e's control file start-time disagrees
// with the value decoded from the directory name, the condition the
// catalog must warn about (while trusting the control file's value).
func DecodedMismatch(e Entry) (controlStartTime int64, mismatched bool) {
	if e.Control == nil {
		return 0, false
	}
	v, ok := e.Control.Get("start-time")
	if !ok {
		return 0, false
	}
	t, valid := ParseStartTime(v)
	if !valid {
		return 0, false
	}
	return t, t != e.DecodedStartTime
}
