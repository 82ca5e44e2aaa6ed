package pgbackup

// options.go defines the in-process configuration for a backup Session.

import (
	"time"

	"github.com/aalhour/pgbackup/internal/compression"
	"github.com/aalhour/pgbackup/internal/logging"
	"github.com/aalhour/pgbackup/internal/pagechecksum"
	"github.com/aalhour/pgbackup/vfs"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// CompressAlg is an alias for the page-compression algorithm type applied by
// the page codec and recorded in a backup's control file.
type CompressAlg = compression.Type

// Compression algorithm constants.
const (
	CompressNone   = compression.NoCompression
	CompressZlib   = compression.ZlibCompression
	CompressPglz   = compression.LZ4Compression
	CompressSnappy = compression.SnappyCompression
	CompressZstd   = compression.ZstdCompression
)

// ChecksumVersion is an alias for the page-checksum algorithm version.
type ChecksumVersion = pagechecksum.Version

// Checksum version constants.
const (
	ChecksumNone = pagechecksum.VersionNone
	ChecksumV1   = pagechecksum.Version1
)

// BackupMode selects how a backup decides which blocks to copy.
type BackupMode uint8

const (
	// ModeFull copies every block of every data file.
	ModeFull BackupMode = iota

	// ModeDelta copies blocks whose LSN (read from each block's own header)
	// is at or after the parent backup's start LSN.
	ModeDelta

	// ModePage copies blocks found in the WAL-scanned page map covering the
	// range between the parent backup's start LSN and this backup's start
	// LSN.
	ModePage

	// ModePtrack copies blocks flagged by the database's change-tracking
	// extension since the parent backup.
	ModePtrack
)

// String returns the control-file spelling of the backup mode.
func (m BackupMode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeDelta:
		return "delta"
	case ModePage:
		return "page"
	case ModePtrack:
		return "ptrack"
	default:
		return "unknown"
	}
}

// ParseBackupMode parses the control-file spelling of a backup mode.
func ParseBackupMode(s string) (BackupMode, bool) {
	switch s {
	case "full":
		return ModeFull, true
	case "delta":
		return ModeDelta, true
	case "page":
		return ModePage, true
	case "ptrack":
		return ModePtrack, true
	default:
		return 0, false
	}
}

// Options configures a backup Session. Most fields are persisted verbatim
// into the backup's control file (see internal/catalog); SystemIdentifier,
// SmoothCheckpoint, NoValidate, RetryAttempts, WalWaitTimeout, Strict, DBFS
// and Logger are in-process only.
type Options struct {
	// BackupMode selects the block-selection strategy for this run.
	BackupMode BackupMode

	// Stream, when true, starts a concurrent Stream Worker that copies WAL
	// segments produced during the backup into the backup's own WAL
	// directory, making the backup self-contained without archive recovery.
	Stream bool

	// FromReplica indicates the source connection is a standby; it changes
	// how the WAL Waiter treats its timeout (see internal/walwait).
	FromReplica bool

	// CompressAlg selects the Page Codec's compressor. CompressLevel is
	// recorded in the control file but is not passed to the compressor:
	// CompressZlib always deflates at flate.BestSpeed, and CompressNone and
	// CompressPglz take no level.
	CompressAlg   CompressAlg
	CompressLevel int

	// BlockSize and XlogBlockSize record the source server's page size and
	// WAL segment size, checked against the live server at backup start and
	// stored in the control file for restore-time verification.
	BlockSize     uint32
	XlogBlockSize uint32

	// ChecksumVersion selects whether page headers carry a verifiable
	// checksum and which algorithm produced it. It is confirmed against the
	// live server's data_checksums setting at backup start.
	ChecksumVersion ChecksumVersion

	// SystemIdentifier is the cluster system identifier this catalog
	// instance was initialized against. Zero disables the check; otherwise
	// the session refuses to back up a server (or a data directory) whose
	// identifier differs.
	SystemIdentifier uint64

	// SmoothCheckpoint spreads the start-of-backup checkpoint over the
	// server's normal checkpoint schedule instead of requesting an
	// immediate one, trading backup start latency for less I/O impact.
	SmoothCheckpoint bool

	// NoValidate skips the post-copy validation pass, leaving the backup in
	// DONE status instead of advancing it to OK.
	NoValidate bool

	// ProgramVersion and ServerVersion are recorded verbatim in the control
	// file for diagnostics and restore-time compatibility checks.
	ProgramVersion string
	ServerVersion  string

	// ExternalDirs lists additional directories outside the data directory
	// to copy as opaque trees alongside the relation files (tablespaces
	// mapped outside the default tablespace directory, config directories).
	ExternalDirs []string

	// PrimaryConnInfo is persisted so the standby connection string can be
	// regenerated from a backup without the original invocation.
	PrimaryConnInfo string

	// RetryAttempts bounds how many times the Data-File Engine retries a
	// block read that fails a checksum or torn-page check before giving up.
	RetryAttempts int

	// WalWaitTimeout bounds how long the WAL Waiter polls for a WAL segment
	// to appear before failing the backup.
	WalWaitTimeout time.Duration

	// Strict, when false, lets a PTRACK backup fetch a block that keeps
	// failing checksum verification from the change-tracking extension
	// before giving up on it; when true (or in any other mode) such a block
	// fails the backup. A PTRACK file with no page map is copied whole
	// either way (see DESIGN.md's Open Question on read-page corruption
	// under change tracking).
	Strict bool

	// DBFS is the filesystem used for every vfs.DBHost operation: reads of
	// the source cluster's data directory and external directories. The
	// vfs.BackupHost filesystem enters through NewStore, which owns every
	// catalog and backup-file write, so the two backends cannot be
	// crossed. If nil, vfs.Default() is used.
	DBFS vfs.FS

	// Logger receives structured progress and diagnostic messages. If nil,
	// a default WARN-level logger writing to stderr is used.
	Logger Logger
}

// DefaultOptions returns an Options populated with the defaults this engine
// uses when a caller does not override a field.
func DefaultOptions() *Options {
	return &Options{
		BackupMode:      ModeFull,
		CompressAlg:     CompressNone,
		CompressLevel:   1,
		BlockSize:       8192,
		XlogBlockSize:   8192 * 2048, // 16MB default WAL segment size
		ChecksumVersion: ChecksumNone,
		RetryAttempts:   100,
		WalWaitTimeout:  5 * time.Minute,
		Strict:          true,
		DBFS:            nil, // resolved to vfs.Default() by dbFS()
		Logger:          nil, // resolved to a WARN-level default by logger()
	}
}

// logger returns o.Logger, falling back to a default WARN-level logger if it
// is nil or a typed nil.
func (o *Options) logger() Logger {
	return logging.OrDefault(o.Logger)
}

// dbFS returns o.DBFS, falling back to the OS filesystem if it is nil.
func (o *Options) dbFS() vfs.FS {
	if o.DBFS == nil {
		return vfs.Default()
	}
	return o.DBFS
}
