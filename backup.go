package pgbackup

import "time"

// Status is a backup's lifecycle state.
type Status uint8

const (
	StatusInvalid Status = iota
	StatusRunning
	StatusOK
	StatusDone
	StatusError
	StatusMerging
	StatusDeleting
	StatusDeleted
	StatusOrphan
	StatusCorrupt
)

func (s Status) String() string {
	switch s {
	case StatusInvalid:
		return "INVALID"
	case StatusRunning:
		return "RUNNING"
	case StatusOK:
		return "OK"
	case StatusDone:
		return "DONE"
	case StatusError:
		return "ERROR"
	case StatusMerging:
		return "MERGING"
	case StatusDeleting:
		return "DELETING"
	case StatusDeleted:
		return "DELETED"
	case StatusOrphan:
		return "ORPHAN"
	case StatusCorrupt:
		return "CORRUPT"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus parses the control-file spelling of a backup status.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "INVALID":
		return StatusInvalid, true
	case "RUNNING":
		return StatusRunning, true
	case "OK":
		return StatusOK, true
	case "DONE":
		return StatusDone, true
	case "ERROR":
		return StatusError, true
	case "MERGING":
		return StatusMerging, true
	case "DELETING":
		return StatusDeleting, true
	case "DELETED":
		return StatusDeleted, true
	case "ORPHAN":
		return StatusOrphan, true
	case "CORRUPT":
		return StatusCorrupt, true
	default:
		return 0, false
	}
}

// Valid reports whether s is one of OK or DONE — the statuses a chain
// member must have for scan_parent_chain to consider it uncorrupted.
func (s Status) Valid() bool {
	return s == StatusOK || s == StatusDone
}

// Backup is one entry in the catalog: the record of a single backup run,
// its position in a parent chain, and the accounting collected while it ran.
//
// StartTime is the backup's identity: its on-disk directory name is
// EncodeBase36(StartTime), and a child backup names its parent by this same
// value in ParentBackupID.
type Backup struct {
	StartTime int64 // Unix seconds; identity of this backup
	Mode      BackupMode
	Status    Status

	TimelineID uint32
	StartLSN   LSN
	StopLSN    LSN

	EndTimestamp      time.Time
	RecoveryTimestamp time.Time
	MergeTimestamp    time.Time
	RecoveryXid       uint64

	BlockSize       uint32
	XlogBlockSize   uint32
	ChecksumVersion ChecksumVersion

	CompressAlg   CompressAlg
	CompressLevel int

	Stream      bool
	FromReplica bool

	// ParentBackupID is the base-36 start-time of this backup's parent, or
	// 0 for a FULL backup.
	ParentBackupID int64
	// Parent is resolved in-memory after catalog enumeration; nil for a
	// FULL backup or an as-yet-unresolved reference.
	Parent *Backup

	ProgramVersion  string
	ServerVersion   string
	PrimaryConnInfo string
	ExternalDirs    []string

	DataBytes int64 // -1 means "invalid / not yet known"
	WalBytes  int64

	Files []*File
}

// DataBytesInvalid is the control-file sentinel meaning "data-bytes has not
// been computed for this backup".
const DataBytesInvalid int64 = -1

// ID returns the backup's canonical on-disk directory name.
func (b *Backup) ID() string {
	return EncodeBase36(b.StartTime)
}

// StartedAt returns the backup's start time as a time.Time. The control
// file stores it in ISO-8601-local form; StartTime holds the same instant
// in Unix seconds for identity computation and chain ordering.
func (b *Backup) StartedAt() time.Time {
	return time.Unix(b.StartTime, 0)
}

// IsFull reports whether b is a FULL backup (has no parent).
func (b *Backup) IsFull() bool {
	return b.Mode == ModeFull
}

// FindParentFull walks b's parent links until it reaches a backup with no
// parent, returning it only if that root is itself a FULL backup. A broken
// chain (a non-FULL root) is reported via ok=false.
func FindParentFull(b *Backup) (root *Backup, ok bool) {
	cur := b
	for cur.Parent != nil {
		cur = cur.Parent
	}
	return cur, cur.IsFull()
}

// ChainState is the result of ScanParentChain.
type ChainState uint8

const (
	// ChainBroken means a parent link could not be resolved to a backup in
	// the catalog.
	ChainBroken ChainState = iota
	// ChainIntactWithInvalid means every link resolved, but at least one
	// ancestor is not in a Valid (OK/DONE) status.
	ChainIntactWithInvalid
	// ChainIntactAllOK means every link resolved and every ancestor,
	// including b itself, is Valid.
	ChainIntactAllOK
)

// ScanParentChain walks from b to its FULL root, tracking the oldest
// ancestor (by start-time) whose status is not Valid. It returns the chain
// state and that witness backup (nil if none was found / the chain is
// broken before any witness could be identified).
func ScanParentChain(b *Backup) (ChainState, *Backup) {
	var witness *Backup
	cur := b
	for {
		if !cur.Status.Valid() {
			if witness == nil || cur.StartTime < witness.StartTime {
				witness = cur
			}
		}
		if cur.IsFull() {
			break
		}
		if cur.Parent == nil {
			return ChainBroken, witness
		}
		cur = cur.Parent
	}
	if witness != nil {
		return ChainIntactWithInvalid, witness
	}
	return ChainIntactAllOK, nil
}

// IsParent reports whether t is an ancestor start-time of c: a strict
// ancestor if inclusive is false, or either a strict ancestor or c itself if
// inclusive is true.
func IsParent(t int64, c *Backup, inclusive bool) bool {
	if inclusive && c.StartTime == t {
		return true
	}
	for cur := c.Parent; cur != nil; cur = cur.Parent {
		if cur.StartTime == t {
			return true
		}
	}
	return false
}

// IsProlific reports whether more than one Valid backup in list names b as
// its parent — a catalog consistency anomaly that retention logic must
// account for before deleting b.
func IsProlific(list []*Backup, b *Backup) bool {
	count := 0
	for _, candidate := range list {
		if candidate.Parent == b && candidate.Status.Valid() {
			count++
			if count > 1 {
				return true
			}
		}
	}
	return false
}
