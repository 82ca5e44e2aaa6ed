package pgbackup

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/aalhour/pgbackup/internal/datafile"
	"github.com/aalhour/pgbackup/internal/logging"
	"github.com/aalhour/pgbackup/internal/orchestrator"
	"github.com/aalhour/pgbackup/vfs"
)

// copyWorkers bounds the file-worker pool size when SessionDeps.Workers is
// unset.
const copyWorkers = 4

// copy dispatches every file in the backup's file list across a claim-based
// worker pool, with the lead path (this goroutine) running a periodic
// checkpoint that rewrites the file list and control file so a crash
// mid-backup leaves a resumable catalog entry.
func (s *Session) copy(ctx context.Context) error {
	log := s.opts.logger()

	if err := s.machine.Advance(orchestrator.StateCopying); err != nil {
		return err
	}

	workers := s.deps.Workers
	if workers < 1 {
		workers = copyWorkers
	}
	cp := orchestrator.StartCheckpointer(checkpointInterval, func() {
		if err := s.store.SaveFileList(s.backup); err != nil {
			log.Warnf(logging.NSOrchestrator+"checkpoint: save file list: %v", err)
		}
		if err := s.store.SaveControl(s.backup); err != nil {
			log.Warnf(logging.NSOrchestrator+"checkpoint: save control file: %v", err)
		}
	})
	defer cp.Stop()

	res := orchestrator.Run(ctx, s.backup.Files, workers, s.backupOneFile)
	if res.Err != nil {
		return NewError(KindIO, SeverityError, "Session.copy", res.Err)
	}

	var dataBytes int64
	for _, f := range s.backup.Files {
		if f.WriteSize > 0 {
			dataBytes += f.WriteSize
		}
	}
	s.backup.DataBytes = dataBytes

	log.Infof(logging.NSOrchestrator+"backup %s copied %d files (%d bytes)", s.backup.ID(), res.Processed, dataBytes)
	return nil
}

// backupOneFile is the per-item task given to orchestrator.Run: it copies
// one claimed File to its place under the backup directory, using the
// page-level Data-File Engine for relation files and a whole-file copy for
// everything else.
func (s *Session) backupOneFile(f *File) error {
	switch f.Kind {
	case FileDirectory, FileSymlink:
		return nil
	}

	dst := s.destPath(f)
	if err := s.fs(vfs.BackupHost).MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}

	if !f.IsDatafile {
		return s.copyNonDataFile(f, dst)
	}
	return s.copyDataFile(f, dst)
}

// destPath returns where f's contents are stored within the backup
// directory: under "database/" for the main data directory, or under
// "external_directories/externaldirN/" for a file copied from an external
// directory.
func (s *Session) destPath(f *File) string {
	base := s.store.BackupDir(s.backup)
	if f.ExternalDirNum > 0 {
		return filepath.Join(base, "external_directories", externalDirName(f.ExternalDirNum), f.RelPath)
	}
	return filepath.Join(base, "database", f.RelPath)
}

func externalDirName(n int) string {
	return "externaldir" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *Session) copyNonDataFile(f *File, dst string) error {
	srcFS := s.fs(vfs.DBHost)
	dstFS := s.fs(vfs.BackupHost)
	var prev *datafile.PrevEntry
	if p, ok := s.prevByPath[f.RelPath]; ok && f.ExistsInPrev {
		// Skippable only if untouched since before the parent backup began.
		prev = &datafile.PrevEntry{ModTime: s.parent.StartedAt(), CRC: p.CRC}
	}

	wf, err := dstFS.Create(dst)
	if err != nil {
		return err
	}
	n, crc, skipped, notFound, err := datafile.CopyWhole(srcFS, f.AbsPath, wf, prev, true)
	closeErr := wf.Close()
	if err != nil {
		_ = dstFS.Remove(dst)
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	switch {
	case notFound:
		_ = dstFS.Remove(dst)
		f.WriteSize = FileNotFound
	case skipped:
		_ = dstFS.Remove(dst)
		f.WriteSize = BytesInvalid
		f.CRC = crc
	default:
		f.WriteSize = n
		f.CRC = crc
	}
	return nil
}

func (s *Session) copyDataFile(f *File, dst string) error {
	dstFS := s.fs(vfs.BackupHost)
	src, err := s.fs(vfs.DBHost).OpenRandomAccess(f.AbsPath)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	if f.Size%int64(s.backup.BlockSize) != 0 {
		s.opts.logger().Warnf(logging.NSOrchestrator+"data file %s size %d is not a multiple of the page size; ignoring the partial tail block", f.RelPath, f.Size)
	}

	opts := datafile.Options{
		BlockSize:         s.backup.BlockSize,
		AbsoluteBlockBase: f.SegNo * s.segBlocks,
		ChecksumVersion:   s.backup.ChecksumVersion,
		CompressAlg:       s.backup.CompressAlg,
		RetryAttempts:     s.opts.RetryAttempts,
	}
	if !s.opts.Strict && s.backup.Mode == ModePtrack {
		opts.ExtensionFetch = func(block uint32) ([]byte, bool) {
			page, ok, ferr := s.db.PtrackGetBlock2(context.Background(), f.DBOID, f.RelOID, forkNumber(f.Fork), f.AbsoluteBlock(block, s.segBlocks))
			if ferr != nil || !ok {
				return nil, false
			}
			return page, true
		}
	}

	switch s.backup.Mode {
	case ModeFull:
		opts.Mode = datafile.ModeCopyAll
	case ModeDelta:
		opts.Mode = datafile.ModeDeltaLSN
		opts.ParentStartLSN = uint64(s.parent.StartLSN)
	case ModePage, ModePtrack:
		if f.PageMapAbsent {
			opts.Mode = datafile.ModeCopyAll
		} else {
			opts.Mode = datafile.ModeExplicitBlocks
			opts.Blocks = blockKeys(f.PageMap)
		}
	}

	wf, err := dstFS.Create(dst)
	if err != nil {
		return err
	}
	res, err := datafile.BackupFile(src, wf, opts)
	closeErr := wf.Close()
	if err != nil {
		_ = dstFS.Remove(dst)
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	f.NBlocks = int32(res.BlocksRead)
	f.CRC = res.CRC

	if datafile.ShouldDeleteEmpty(res.BlocksRead, res.BlocksSkipped) {
		_ = dstFS.Remove(dst)
		f.WriteSize = BytesInvalid
		return nil
	}
	f.WriteSize = res.BytesWritten
	return nil
}

func blockKeys(m map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(m))
	for b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// forkNumber maps a fork's name to PostgreSQL's ForkNumber encoding
// (MAIN_FORKNUM = 0), used when calling the change-tracking extension's
// single-block RPC.
func forkNumber(fork string) uint32 {
	switch fork {
	case "fsm":
		return 1
	case "vm":
		return 2
	case "init":
		return 3
	default:
		return 0
	}
}
