// session.go wires every subsystem package into the 8-phase backup-session
// state machine described by doc.go: INIT -> CONNECTED -> STARTED -> LISTED
// -> MAPPED -> COPYING -> STOPPED -> FINALIZED -> (OK|ERROR). One method
// per phase, driven in order by a top-level Run, with two optional
// concurrent helpers (the WAL stream worker and the checkpoint rewriter).
package pgbackup

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/aalhour/pgbackup/internal/catalog"
	"github.com/aalhour/pgbackup/internal/dbconn"
	"github.com/aalhour/pgbackup/internal/logging"
	"github.com/aalhour/pgbackup/internal/orchestrator"
	"github.com/aalhour/pgbackup/internal/pagemap"
	"github.com/aalhour/pgbackup/internal/stream"
	"github.com/aalhour/pgbackup/vfs"
)

// checkpointInterval is how often the lead worker rewrites the partial file
// list and control file while COPYING is in progress, so a crash mid-backup
// leaves a readable, if incomplete, catalog entry.
const checkpointInterval = 10 * time.Second

// relSegSize is RELSEG_SIZE: blocks per relation segment at the standard 1
// GiB segment size and 8 KiB page size.
const relSegSize = 131072

// SessionDeps bundles the external collaborators a Session needs beyond the
// catalog and the database connection itself — the pieces this module
// consumes only as interfaces, with their wire protocols out of scope
// (WAL-record parsing, the replication stream, the change-tracking
// extension's transport).
type SessionDeps struct {
	// WALScanner opens a RecordSource over one archived WAL segment's block
	// touches, for PAGE-mode page-map construction. Required when
	// Options.BackupMode is ModePage.
	WALScanner func(ctx context.Context, segmentPath string) (pagemap.RecordSource, error)

	// PtrackSource fetches change-tracking bitmaps. Required when
	// Options.BackupMode is ModePtrack.
	PtrackSource pagemap.PtrackSource

	// PtrackInitDBs reports which databases had ptrack_init set when the
	// extension's bitmap was last queried, forcing a full resync of every
	// relation in that database for this backup.
	PtrackInitDBs map[uint32]bool

	// StreamReceiver yields WAL chunks over the replication protocol.
	// Required when Options.Stream is true.
	StreamReceiver stream.Receiver

	// LSNScanner confirms a target LSN is covered by a valid record in an
	// archived WAL segment (WAL-record parsing itself is outside this
	// module). Optional: with no scanner, the WAL Waiter accepts segment
	// presence as sufficient, and the segment-boundary stop-LSN
	// substitution keeps the boundary value.
	LSNScanner LSNScanner

	// UnloggedChecker filters non-init forks of unlogged relations out of
	// the file list; see classify.go. Nil disables the filter.
	UnloggedChecker UnloggedChecker

	// Workers sizes the file-worker pool driving the COPYING phase. Zero
	// means copyWorkers.
	Workers int
}

// LSNScanner is the WAL-record-parsing collaborator the session consults
// to confirm an LSN is durably covered by a segment, and to find the last
// valid LSN at-or-before a target when the target itself cannot be used (a
// stop LSN landing exactly on a segment boundary, or a replica that will
// never see the exact target).
type LSNScanner interface {
	ScanSegment(segmentPath string, gz bool, target uint64) (found bool, lastValid uint64, err error)
}

// Session drives a single backup run through its state machine. A caller
// constructs one with NewSession, then calls Run.
type Session struct {
	opts  *Options
	deps  SessionDeps
	store *Store
	db    *dbconn.RPC

	machine *orchestrator.Machine
	backup  *Backup
	parent  *Backup
	lock    *catalog.Lock

	// backupStarted is set once start-of-backup has been issued; the
	// failure cleanup only sends stop-of-backup when it is true, matching
	// the "cleanup handler registered at STARTED" rule.
	backupStarted bool

	label        string
	dataDir      string
	segBlocks    uint32
	streamWorker *stream.Worker
	streamCancel context.CancelFunc
	streamDone   chan error

	prevByPath map[string]*File // parent backup's file list, indexed by RelPath
}

// NewSession constructs a Session for a new backup of dataDir against store,
// using db for every database RPC. label is persisted as the start-of-backup
// label and used to derive the Stream Worker's WAL subdirectory name.
func NewSession(opts *Options, store *Store, db *dbconn.RPC, deps SessionDeps, dataDir, label string) *Session {
	if opts.Logger != nil && store != nil {
		store.SetLogger(opts.Logger)
	}
	return &Session{
		opts:      opts,
		deps:      deps,
		store:     store,
		db:        db,
		machine:   orchestrator.NewMachine(),
		dataDir:   dataDir,
		label:     label,
		segBlocks: relSegSize,
	}
}

// Backup returns the in-progress (or completed) backup record.
func (s *Session) Backup() *Backup { return s.backup }

// fs resolves the filesystem for a location: the catalog Store's backend
// for vfs.BackupHost (every write under the backup directory and the WAL
// archive), Options.DBFS for vfs.DBHost (every read of the source data
// directory).
func (s *Session) fs(loc vfs.Location) vfs.FS {
	if loc == vfs.BackupHost {
		return s.store.FS()
	}
	return s.opts.dbFS()
}

// Run drives the session through every phase in order, with two cleanup
// guarantees on failure: once STARTED, an abnormal exit sends
// stop-of-backup to the server; once a control file exists, an abnormal
// exit marks it ERROR instead of leaving it RUNNING.
func (s *Session) Run(ctx context.Context) (err error) {
	log := s.opts.logger()

	defer func() {
		if err == nil {
			if s.lock != nil {
				_ = s.lock.Release()
			}
			return
		}
		if ctx.Err() != nil {
			err = NewError(KindInterrupt, SeverityError, "Session.Run", ErrInterrupted)
		}
		s.machine.Fail()
		if s.backupStarted && s.db != nil {
			// Best-effort: tell the server to forget about an in-progress
			// backup so pg_backup_start's "only one concurrent backup"
			// guard does not wedge the instance.
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, _ = s.db.StopBackup(stopCtx, false)
			cancel()
		}
		if s.backup != nil {
			s.backup.Status = StatusError
			s.backup.EndTimestamp = time.Now()
			if s.store != nil {
				if serr := s.store.SaveControl(s.backup); serr != nil {
					log.Errorf(logging.NSOrchestrator+"mark backup ERROR after failure: %v", serr)
				}
			}
		}
		if s.lock != nil {
			_ = s.lock.Release()
		}
	}()

	if err = s.connect(ctx); err != nil {
		return err
	}
	if err = s.start(ctx); err != nil {
		return err
	}
	if err = s.list(ctx); err != nil {
		return err
	}
	if err = s.buildPageMap(ctx); err != nil {
		return err
	}
	if err = s.copy(ctx); err != nil {
		return err
	}
	if err = s.stop(ctx); err != nil {
		return err
	}
	if err = s.finalize(ctx); err != nil {
		return err
	}

	s.backup.Status = StatusDone
	if err = s.store.SaveControl(s.backup); err != nil {
		return err
	}

	if !s.opts.NoValidate {
		if err = s.store.Validate(s.backup); err != nil {
			return err
		}
		s.backup.Status = StatusOK
		if err = s.store.SaveControl(s.backup); err != nil {
			return err
		}
	}

	if err = s.machine.Advance(orchestrator.StateOK); err != nil {
		return err
	}
	log.Infof(logging.NSOrchestrator+"backup %s completed: mode=%s status=%s stop-lsn=%s", s.backup.ID(), s.backup.Mode, s.backup.Status, s.backup.StopLSN)
	return nil
}

// minServerVersionNum is the oldest server version the session protocol
// supports, in numeric GUC form (SHOW server_version_num).
const minServerVersionNum = 90600

// connect establishes the catalog's bookkeeping for this run: a new Backup
// record in RUNNING status, its on-disk directory, and its lockfile. The
// database connection itself is assumed already open (db was constructed by
// the caller) — this phase confirms the server is reachable and compatible
// before claiming catalog resources: version floor, page and WAL-segment
// sizes, checksum setting, and cluster identity.
func (s *Session) connect(ctx context.Context) error {
	if err := s.checkCompatibility(ctx); err != nil {
		return err
	}

	tli, err := s.db.CurrentTimeline(ctx)
	if err != nil {
		return NewError(KindProtocol, SeverityError, "Session.connect", err)
	}
	inRecovery, err := s.db.IsInRecovery(ctx)
	if err != nil {
		return NewError(KindProtocol, SeverityError, "Session.connect", err)
	}
	if inRecovery && !s.opts.FromReplica {
		return NewError(KindConfig, SeverityError, "Session.connect",
			fmt.Errorf("server is a replica but Options.FromReplica is false"))
	}

	s.backup = &Backup{
		Mode:            s.opts.BackupMode,
		Status:          StatusRunning,
		TimelineID:      tli,
		BlockSize:       s.opts.BlockSize,
		XlogBlockSize:   s.opts.XlogBlockSize,
		ChecksumVersion: s.opts.ChecksumVersion,
		CompressAlg:     s.opts.CompressAlg,
		CompressLevel:   s.opts.CompressLevel,
		Stream:          s.opts.Stream,
		FromReplica:     s.opts.FromReplica,
		ProgramVersion:  s.opts.ProgramVersion,
		ServerVersion:   s.opts.ServerVersion,
		PrimaryConnInfo: s.opts.PrimaryConnInfo,
		ExternalDirs:    s.opts.ExternalDirs,
		DataBytes:       DataBytesInvalid,
	}

	if !s.backup.IsFull() {
		parent, perr := s.resolveParent()
		if perr != nil {
			return perr
		}
		s.parent = parent
		s.backup.ParentBackupID = parent.StartTime
		s.backup.Parent = parent
	}

	return s.machine.Advance(orchestrator.StateConnected)
}

// checkCompatibility verifies the live server matches what this session
// was configured for: version at or above the supported floor, block and
// WAL-segment sizes equal to the catalog's, data_checksums agreeing with
// ChecksumVersion, and the cluster system identifier matching both the
// catalog's recorded value and the source data directory's own control
// file. Mismatches are configuration errors: proceeding would produce a
// backup that cannot be restored against what the catalog describes.
func (s *Session) checkCompatibility(ctx context.Context) error {
	vnum, err := s.db.ServerVersionNum(ctx)
	if err != nil {
		return NewError(KindProtocol, SeverityError, "Session.connect", err)
	}
	if vnum < minServerVersionNum {
		return NewError(KindConfig, SeverityError, "Session.connect",
			fmt.Errorf("server version %d is below the minimum supported %d", vnum, minServerVersionNum))
	}

	rawBlock, err := s.db.GUC(ctx, "block_size")
	if err != nil {
		return NewError(KindProtocol, SeverityError, "Session.connect", err)
	}
	blockSize, err := dbconn.ParseBytesWithUnit(rawBlock)
	if err != nil {
		return NewError(KindProtocol, SeverityError, "Session.connect", err)
	}
	if uint32(blockSize) != s.opts.BlockSize {
		return NewError(KindConfig, SeverityError, "Session.connect",
			fmt.Errorf("server block_size %d does not match configured %d", blockSize, s.opts.BlockSize))
	}

	rawSeg, err := s.db.GUC(ctx, "wal_segment_size")
	if err != nil {
		return NewError(KindProtocol, SeverityError, "Session.connect", err)
	}
	segSize, err := dbconn.ParseBytesWithUnit(rawSeg)
	if err != nil {
		return NewError(KindProtocol, SeverityError, "Session.connect", err)
	}
	if uint32(segSize) != s.opts.XlogBlockSize {
		return NewError(KindConfig, SeverityError, "Session.connect",
			fmt.Errorf("server wal_segment_size %d does not match configured %d", segSize, s.opts.XlogBlockSize))
	}

	rawCk, err := s.db.GUC(ctx, "data_checksums")
	if err != nil {
		return NewError(KindProtocol, SeverityError, "Session.connect", err)
	}
	checksums, err := dbconn.ParseGUCBool(rawCk)
	if err != nil {
		return NewError(KindProtocol, SeverityError, "Session.connect", err)
	}
	if checksums != (s.opts.ChecksumVersion != ChecksumNone) {
		return NewError(KindConfig, SeverityError, "Session.connect",
			fmt.Errorf("server data_checksums=%v disagrees with configured checksum version", checksums))
	}

	if s.opts.SystemIdentifier != 0 {
		sysid, serr := s.db.SystemIdentifier(ctx)
		if serr != nil {
			return NewError(KindProtocol, SeverityError, "Session.connect", serr)
		}
		if sysid != s.opts.SystemIdentifier {
			return NewError(KindConfig, SeverityError, "Session.connect",
				fmt.Errorf("server system identifier %d does not match catalog's %d", sysid, s.opts.SystemIdentifier))
		}
		dirID, derr := readControlSystemID(s.fs(vfs.DBHost), s.dataDir)
		if derr != nil {
			return NewError(KindIO, SeverityError, "Session.connect", derr)
		}
		if dirID != s.opts.SystemIdentifier {
			return NewError(KindConfig, SeverityError, "Session.connect",
				fmt.Errorf("data directory system identifier %d does not match catalog's %d", dirID, s.opts.SystemIdentifier))
		}
	}
	return nil
}

// readControlSystemID reads the cluster system identifier from a data
// directory's global/pg_control: the first 8 bytes, little-endian.
func readControlSystemID(fs vfs.FS, dataDir string) (uint64, error) {
	f, err := fs.OpenRandomAccess(dataDir + "/global/pg_control")
	if err != nil {
		return 0, fmt.Errorf("read pg_control: %w", err)
	}
	defer func() { _ = f.Close() }()
	var buf [8]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return 0, fmt.Errorf("read pg_control: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// resolveParent enumerates the catalog for the most recent backup whose
// chain is entirely OK/DONE, the only kind an incremental backup may build
// on.
func (s *Session) resolveParent() (*Backup, error) {
	backups, err := s.store.Enumerate()
	if err != nil {
		return nil, err
	}
	for _, b := range backups {
		if state, _ := ScanParentChain(b); state == ChainIntactAllOK {
			return b, nil
		}
	}
	return nil, ErrNoValidParent
}
