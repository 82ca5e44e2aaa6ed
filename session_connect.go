package pgbackup

import (
	"context"
	"fmt"
	"time"

	"github.com/aalhour/pgbackup/internal/logging"
	"github.com/aalhour/pgbackup/internal/orchestrator"
	"github.com/aalhour/pgbackup/internal/stream"
	"github.com/aalhour/pgbackup/internal/walwait"
	"github.com/aalhour/pgbackup/vfs"
)

// selfWalSubdir is the backup-relative directory a Stream Worker writes
// received WAL segments into, mirroring the server's own "pg_wal" name so a
// restored data directory needs no renaming.
const selfWalSubdir = "pg_wal"

// start issues the start-of-backup RPC, persists the initial control file
// and lockfile, and (for a streamed backup) launches the Stream Worker
// against the segment boundary the start LSN falls in.
func (s *Session) start(ctx context.Context) error {
	log := s.opts.logger()

	s.backup.StartTime = time.Now().Unix()

	if err := s.store.EnsureLayout(); err != nil {
		return err
	}
	// Lock before the first control-file write: a concurrent enumeration
	// treats an unlocked RUNNING backup as crashed.
	lock, err := s.store.Lock(s.backup)
	if err != nil {
		return err
	}
	s.lock = lock
	if err := s.store.SaveControl(s.backup); err != nil {
		return err
	}

	startLSN, err := s.db.StartBackup(ctx, s.label, !s.opts.SmoothCheckpoint)
	if err != nil {
		return NewError(KindProtocol, SeverityError, "Session.start", err)
	}
	s.backupStarted = true
	s.backup.StartLSN = LSN(startLSN)
	log.Infof(logging.NSOrchestrator+"backup %s started at LSN %s (mode=%s)", s.backup.ID(), s.backup.StartLSN, s.backup.Mode)

	if s.backup.Mode == ModePage {
		// PAGE mode scans archived WAL up to the start LSN; switching
		// segments now forces the one containing it to be archived instead
		// of sitting open until the server's next natural switch.
		if _, err := s.db.SwitchWAL(ctx); err != nil {
			return NewError(KindProtocol, SeverityError, "Session.start", err)
		}
	}

	if s.opts.Stream {
		if s.deps.StreamReceiver == nil {
			return NewError(KindConfig, SeverityError, "Session.start", fmt.Errorf("Options.Stream is set but no StreamReceiver was supplied"))
		}
		walDir := s.store.BackupDir(s.backup) + "/database/" + selfWalSubdir
		stopTimeout, cerr := s.db.CheckpointTimeout(ctx)
		if cerr != nil {
			return NewError(KindProtocol, SeverityError, "Session.start", cerr)
		}
		stopTimeout = time.Duration(float64(stopTimeout) * 1.1)

		worker := stream.NewWorker(s.fs(vfs.BackupHost), walDir, s.deps.StreamReceiver, stopTimeout, log)
		s.streamWorker = worker

		streamCtx, cancel := context.WithCancel(context.Background())
		s.streamCancel = cancel
		s.streamDone = make(chan error, 1)
		go func() { s.streamDone <- worker.Run(streamCtx) }()
	}

	if !s.opts.Stream {
		// The segment containing the start LSN must be durably archived
		// before any page can be copied; in stream mode the Stream Worker
		// fetches it itself, so there is nothing to wait for here.
		name := s.backup.StartLSN.SegmentName(s.backup.TimelineID, uint64(s.opts.XlogBlockSize))
		_, werr := walwait.Wait(ctx, s.fs(vfs.BackupHost), walwait.Options{
			Dir:         s.store.WalDir(),
			SegmentName: name,
			Timeout:     s.opts.WalWaitTimeout,
			FromReplica: s.opts.FromReplica,
			ScanForLSN:  s.scanForLSN(uint64(s.backup.StartLSN)),
		}, log)
		if werr != nil {
			return NewError(KindWalWait, SeverityError, "Session.start", werr)
		}
	}

	if err := s.store.SaveControl(s.backup); err != nil {
		return err
	}
	return s.machine.Advance(orchestrator.StateStarted)
}

// scanForLSN adapts SessionDeps.LSNScanner (if any) to walwait's callback
// shape for a given target. With no scanner wired, walwait falls back to
// presence-only checking.
func (s *Session) scanForLSN(target uint64) func(segmentPath string, gz bool) (bool, error) {
	if s.deps.LSNScanner == nil {
		return nil
	}
	return func(segmentPath string, gz bool) (bool, error) {
		found, _, err := s.deps.LSNScanner.ScanSegment(segmentPath, gz, target)
		return found, err
	}
}

// loadParentFiles loads the parent backup's file list (Store.Enumerate does
// not populate Files) and indexes it by relative path, for the non-datafile
// unchanged-skip rule and the DELTA/PAGE/PTRACK block-selection rules.
func (s *Session) loadParentFiles() error {
	if s.parent == nil {
		return nil
	}
	full, err := s.store.Load(s.parent.ID())
	if err != nil {
		return err
	}
	s.prevByPath = make(map[string]*File, len(full.Files))
	for _, f := range full.Files {
		s.prevByPath[f.RelPath] = f
	}
	return nil
}
