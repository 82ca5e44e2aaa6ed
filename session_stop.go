package pgbackup

import (
	"context"
	"time"

	"github.com/aalhour/pgbackup/internal/checksum"
	"github.com/aalhour/pgbackup/internal/dbconn"
	"github.com/aalhour/pgbackup/internal/logging"
	"github.com/aalhour/pgbackup/internal/orchestrator"
	"github.com/aalhour/pgbackup/internal/walwait"
	"github.com/aalhour/pgbackup/vfs"
)

// stop issues the stop-of-backup RPC, persists the returned backup label
// and tablespace map as catalog entries, and waits for the WAL segment
// containing the stop LSN to become durably archived (or, for a streamed
// backup, for the Stream Worker to reach it instead).
func (s *Session) stop(ctx context.Context) error {
	log := s.opts.logger()

	res, err := s.stopBackupAsync(ctx)
	if err != nil {
		return NewError(KindProtocol, SeverityError, "Session.stop", err)
	}
	// The server has closed the backup; the failure cleanup must not send
	// a second stop.
	s.backupStarted = false

	s.backup.StopLSN = LSN(res.LSN)
	s.backup.EndTimestamp = time.Now()
	s.backup.RecoveryTimestamp = res.RecoveryTime
	s.backup.RecoveryXid = res.RecoveryXid

	if err := s.saveServerFile("backup_label", res.Label); err != nil {
		return err
	}
	if len(res.TablespaceMap) > 0 {
		if err := s.saveServerFile("tablespace_map", res.TablespaceMap); err != nil {
			return err
		}
	}

	if s.opts.Stream {
		if err := s.waitForStream(); err != nil {
			return err
		}
	} else {
		if err := s.waitForArchivedWAL(ctx); err != nil {
			return err
		}
	}

	log.Infof(logging.NSOrchestrator+"backup %s stopped at LSN %s", s.backup.ID(), s.backup.StopLSN)
	return s.machine.Advance(orchestrator.StateStopped)
}

// stopBackupAsync sends stop-of-backup on its own goroutine so an
// interrupt can cancel the session while the server is still flushing; the
// RPC itself is bounded by the archive timeout.
func (s *Session) stopBackupAsync(ctx context.Context) (dbconn.StopResult, error) {
	type outcome struct {
		res dbconn.StopResult
		err error
	}
	done := make(chan outcome, 1)
	stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.WalWaitTimeout)
	defer cancel()

	go func() {
		r, e := s.db.StopBackup(stopCtx, true)
		done <- outcome{r, e}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		cancel()
		return dbconn.StopResult{}, ctx.Err()
	}
}

// saveServerFile writes server-generated content (backup_label,
// tablespace_map) into the backup's data directory as an ordinary
// non-datafile entry, the way the server itself would have written it to
// PGDATA had this not been an exclusive-API-free backup.
func (s *Session) saveServerFile(name string, data []byte) error {
	fs := s.fs(vfs.BackupHost)
	dst := s.store.BackupDir(s.backup) + "/database/" + name
	wf, err := fs.Create(dst)
	if err != nil {
		return NewError(KindIO, SeverityError, "Session.saveServerFile", err)
	}
	if _, werr := wf.Write(data); werr != nil {
		_ = wf.Close()
		return NewError(KindIO, SeverityError, "Session.saveServerFile", werr)
	}
	if err := wf.Close(); err != nil {
		return NewError(KindIO, SeverityError, "Session.saveServerFile", err)
	}
	s.backup.Files = append(s.backup.Files, &File{
		AbsPath:   dst,
		RelPath:   name,
		Kind:      FileRegular,
		Size:      int64(len(data)),
		CRC:       checksum.Extend(0, data),
		WriteSize: int64(len(data)),
	})
	return nil
}

// waitForStream tells the already-running Stream Worker its stop LSN and
// waits for it to reach it (or time out).
func (s *Session) waitForStream() error {
	s.streamWorker.SetStopLSN(uint64(s.backup.StopLSN), time.Now())
	err := <-s.streamDone
	s.streamCancel()
	if err != nil {
		return NewError(KindWalWait, SeverityError, "Session.waitForStream", err)
	}
	return nil
}

// waitForArchivedWAL polls the instance's WAL archive for the segment
// covering the stop LSN.
//
// A stop LSN landing exactly on a segment boundary names a segment no
// backed-up page can reference; waiting for it could hang forever if the
// server never writes another record. Instead the previous segment's
// presence suffices, and when an LSNScanner is wired, the stop LSN is
// substituted with the last valid LSN at or before the boundary so the
// recorded stop position names a record that actually exists.
func (s *Session) waitForArchivedWAL(ctx context.Context) error {
	segSize := uint64(s.opts.XlogBlockSize)
	target := uint64(s.backup.StopLSN)
	fs := s.fs(vfs.BackupHost)
	log := s.opts.logger()

	if target%segSize == 0 {
		name := segmentFileName(s.backup.TimelineID, target/segSize-1, segSize)
		res, err := walwait.Wait(ctx, fs, walwait.Options{
			Dir:             s.store.WalDir(),
			SegmentName:     name,
			Timeout:         s.opts.WalWaitTimeout,
			WaitForPrevious: true,
			FromReplica:     s.opts.FromReplica,
		}, log)
		if err != nil {
			return NewError(KindWalWait, SeverityError, "Session.waitForArchivedWAL", err)
		}
		if s.deps.LSNScanner != nil {
			_, lastValid, serr := s.deps.LSNScanner.ScanSegment(res.SegmentPath, res.Gzip, target)
			if serr != nil {
				return NewError(KindWalWait, SeverityError, "Session.waitForArchivedWAL", serr)
			}
			if lastValid != 0 && lastValid <= target {
				log.Infof(logging.NSOrchestrator+"stop LSN %s is a segment boundary; recording last valid LSN %s instead",
					s.backup.StopLSN, LSN(lastValid))
				s.backup.StopLSN = LSN(lastValid)
			}
		}
		return nil
	}

	// Track the most recent valid LSN each scan reports so the replica
	// fallback can return it once a quarter of the timeout has elapsed.
	var lastValid uint64
	scan := s.scanForLSN(target)
	if s.deps.LSNScanner != nil {
		scan = func(path string, gz bool) (bool, error) {
			found, lv, err := s.deps.LSNScanner.ScanSegment(path, gz, target)
			if lv != 0 {
				lastValid = lv
			}
			return found, err
		}
	}

	name := LSN(target).SegmentName(s.backup.TimelineID, segSize)
	res, err := walwait.Wait(ctx, fs, walwait.Options{
		Dir:         s.store.WalDir(),
		SegmentName: name,
		Timeout:     s.opts.WalWaitTimeout,
		FromReplica: s.opts.FromReplica,
		ScanForLSN:  scan,
		LastValidLSN: func() (uint64, bool) {
			return lastValid, lastValid != 0
		},
	}, log)
	if err != nil {
		return NewError(KindWalWait, SeverityError, "Session.waitForArchivedWAL", err)
	}
	if res.UsedFallback && res.FallbackLSN != 0 {
		s.backup.StopLSN = LSN(res.FallbackLSN)
	}
	return nil
}
