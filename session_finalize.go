package pgbackup

import (
	"context"
	"fmt"

	"github.com/aalhour/pgbackup/internal/logging"
	"github.com/aalhour/pgbackup/internal/orchestrator"
	"github.com/aalhour/pgbackup/vfs"
)

// finalize writes the backup's final file list and control file now that
// every field is known (stop LSN, data bytes, WAL bytes), and verifies the
// parent chain is still intact — a concurrent retention run could have
// invalidated an ancestor while this backup was copying.
func (s *Session) finalize(ctx context.Context) error {
	log := s.opts.logger()

	if s.parent != nil {
		if state, witness := ScanParentChain(s.parent); state != ChainIntactAllOK {
			return NewError(KindCatalog, SeverityError, "Session.finalize", parentInvalidatedErr(state, witness))
		}
	}

	if s.opts.Stream {
		s.backup.WalBytes = s.streamedWalBytes()
	}

	if err := s.store.SaveFileList(s.backup); err != nil {
		return err
	}
	if err := s.store.SaveControl(s.backup); err != nil {
		return err
	}

	log.Infof(logging.NSOrchestrator+"backup %s finalized: %d files, %d bytes", s.backup.ID(), len(s.backup.Files), s.backup.DataBytes)
	return s.machine.Advance(orchestrator.StateFinalized)
}

// streamedWalBytes sums the sizes of the WAL segments the Stream Worker
// wrote into the backup's own WAL subdirectory.
func (s *Session) streamedWalBytes() int64 {
	fs := s.fs(vfs.BackupHost)
	dir := s.store.BackupDir(s.backup) + "/database/" + selfWalSubdir
	names, err := fs.ListDir(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, name := range names {
		if info, err := fs.Stat(dir + "/" + name); err == nil && !info.IsDir() {
			total += info.Size()
		}
	}
	return total
}

func parentInvalidatedErr(state ChainState, witness *Backup) error {
	if witness != nil {
		return fmt.Errorf("parent chain invalidated during backup: ancestor %s is status %s", witness.ID(), witness.Status)
	}
	return fmt.Errorf("parent chain broken during backup (state=%d)", state)
}
