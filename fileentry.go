package pgbackup

import "sync/atomic"

// FileKind classifies a catalog file-list entry.
type FileKind uint8

const (
	FileRegular FileKind = iota
	FileDirectory
	FileSymlink
)

// Sentinel values for File.WriteSize.
const (
	// BytesInvalid means the file was unchanged from its parent and was not
	// re-copied (a DELTA/PAGE/PTRACK no-op entry).
	BytesInvalid int64 = -1
	// FileNotFound means the source file disappeared mid-scan and
	// MissingOK permitted the worker to continue without it.
	FileNotFound int64 = -2
)

// File is one entry in a backup's file list: the metadata needed to copy,
// skip, or restore a single file under the data directory or an external
// directory.
type File struct {
	AbsPath string // source path, e.g. "/var/lib/pg/data/base/16384/16385"
	RelPath string // path relative to the data/external-dir root, used at restore

	Kind FileKind
	Mode uint32
	Size int64
	CRC  uint32

	// WriteSize is the number of bytes actually stored for this file in the
	// backup, or one of BytesInvalid / FileNotFound.
	WriteSize int64

	IsDatafile bool
	IsCFS      bool // lives in a tablespace compressed at rest (CFS)

	SegNo       uint32 // relation segment number (0 for the first segment)
	RelOID      uint32
	DBOID       uint32
	TablespaceOID uint32
	Fork        string // "", "fsm", "vm", "init"

	LinkedTarget string // symlink target, if Kind == FileSymlink

	NBlocks int32 // blocks read, meaningful for DELTA datafiles; -1 if unknown

	CompressAlg CompressAlg

	// ExternalDirNum is the 1-based index into Backup.ExternalDirs this file
	// was copied from, or 0 for the main data directory.
	ExternalDirNum int

	// PageMap is the set of blocks to copy for this file under PAGE/PTRACK
	// mode. A nil map with PageMapAbsent=false means "copy unconditionally"
	// (FULL/DELTA or a PAGE/PTRACK file with no applicable map).
	PageMap map[uint32]struct{}

	// ExistsInPrev records whether a same-relative-path entry was found in
	// the parent backup's file list, used by the non-datafile skip-if-
	// unchanged rule.
	ExistsInPrev bool

	// PageMapAbsent records that PTRACK bitmap lookup found no applicable
	// slice for this file, forcing a full-file copy.
	PageMapAbsent bool

	claimed atomic.Bool // per-entry work-distribution flag; see TryClaim
}

// TryClaim atomically marks the entry as claimed by a worker, returning true
// the first time it is called and false on every subsequent call. Workers
// use this instead of a shared index to distribute file-list entries across
// a pool without a central dispatcher lock.
func (f *File) TryClaim() bool {
	return f.claimed.CompareAndSwap(false, true)
}

// IsClaimed reports whether some worker has already claimed f.
func (f *File) IsClaimed() bool {
	return f.claimed.Load()
}

// AbsoluteBlock returns the block's absolute position within the relation,
// accounting for this entry's segment number. segBlocks is the number of
// blocks per segment (RELSEG_SIZE), a compile-time-in-spirit constant of the
// source server.
func (f *File) AbsoluteBlock(blockInSegment uint32, segBlocks uint32) uint32 {
	return f.SegNo*segBlocks + blockInSegment
}

// MarkBlock records that blockInSegment changed, for PAGE/PTRACK map
// construction. Callers must hold whatever mutex guards concurrent map
// construction (see internal/pagemap); File itself does not serialize
// PageMap writes.
func (f *File) MarkBlock(blockInSegment uint32) {
	if f.PageMap == nil {
		f.PageMap = make(map[uint32]struct{})
	}
	f.PageMap[blockInSegment] = struct{}{}
}
