package pgbackup

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/aalhour/pgbackup/internal/catalog"
	"github.com/aalhour/pgbackup/internal/logging"
	"github.com/aalhour/pgbackup/vfs"
)

// Store is the on-disk backup catalog rooted at a backup-path/instance
// pair: <backup-path>/backups/<instance>/ holds one directory per backup,
// <backup-path>/wal/<instance>/ holds archived WAL segments.
type Store struct {
	fs       vfs.FS
	root     string // backup-path
	instance string
	log      Logger
}

// NewStore opens a Store for instance under root. Neither path is created;
// call EnsureLayout to create the directory tree for a new instance.
func NewStore(fs vfs.FS, root, instance string) *Store {
	if fs == nil {
		fs = vfs.Default()
	}
	return &Store{fs: fs, root: root, instance: instance}
}

// SetLogger directs the store's advisory messages (directory-name
// mismatches and the like) to log instead of the default stderr logger.
func (s *Store) SetLogger(log Logger) { s.log = log }

// FS returns the store's filesystem — the vfs.BackupHost backend. A
// Session routes every backup-file write through this value so data files
// and the catalog metadata describing them can never land on different
// hosts.
func (s *Store) FS() vfs.FS { return s.fs }

// InstanceDir returns <root>/backups/<instance>.
func (s *Store) InstanceDir() string {
	return filepath.Join(s.root, "backups", s.instance)
}

// WalDir returns <root>/wal/<instance>.
func (s *Store) WalDir() string {
	return filepath.Join(s.root, "wal", s.instance)
}

// BackupDir returns the directory for a specific backup id.
func (s *Store) BackupDir(b *Backup) string {
	return filepath.Join(s.InstanceDir(), b.ID())
}

// EnsureLayout creates the instance and WAL directories if they do not
// already exist.
func (s *Store) EnsureLayout() error {
	if err := s.fs.MkdirAll(s.InstanceDir(), 0o750); err != nil {
		return NewError(KindCatalog, SeverityError, "Store.EnsureLayout", err)
	}
	if err := s.fs.MkdirAll(s.WalDir(), 0o750); err != nil {
		return NewError(KindCatalog, SeverityError, "Store.EnsureLayout", err)
	}
	return nil
}

// Enumerate lists every backup directory under the instance, synthesizing a
// placeholder Backup (status INVALID, mode FULL) for directories missing a
// control file, and resolves parent links for the whole list by binary
// search over the start-time-descending order Enumerate returns from the
// catalog package.
//
// The returned slice is sorted newest-first, matching Enumerate's contract.
func (s *Store) Enumerate() ([]*Backup, error) {
	entries, err := catalog.Enumerate(s.fs, s.InstanceDir())
	if err != nil {
		return nil, NewError(KindCatalog, SeverityError, "Store.Enumerate", err)
	}

	backups := make([]*Backup, len(entries))
	for i, e := range entries {
		if e.Control == nil {
			backups[i] = &Backup{StartTime: e.DecodedStartTime, Status: StatusInvalid, Mode: ModeFull}
			continue
		}
		b, berr := recordToBackup(e.Control)
		if berr != nil {
			backups[i] = &Backup{StartTime: e.DecodedStartTime, Status: StatusCorrupt, Mode: ModeFull}
			continue
		}
		if ct, mismatched := catalog.DecodedMismatch(e); mismatched {
			// The control file's value wins; the mismatch is advisory only.
			logging.OrDefault(s.log).Warnf("catalog: backup directory %s decodes to start-time %d but its control file says %d",
				e.Name, e.DecodedStartTime, ct)
		}
		// A RUNNING backup with no live lock holder is the residue of a
		// crashed process; demote it so the chain scan never builds on it.
		if b.Status == StatusRunning && !catalog.HolderAlive(filepath.Join(e.Path, catalog.LockFileName)) {
			b.Status = StatusError
			if b.EndTimestamp.IsZero() {
				b.EndTimestamp = time.Now()
			}
			if err := catalog.WriteControl(s.fs, filepath.Join(e.Path, catalog.ControlFileName), backupToRecord(b)); err != nil {
				logging.OrDefault(s.log).Warnf("catalog: demote crashed backup %s to ERROR: %v", e.Name, err)
			}
		}
		backups[i] = b
	}

	linkParents(backups)
	return backups, nil
}

// linkParents resolves each non-FULL backup's Parent pointer by binary
// search over backups, which must already be sorted by StartTime
// descending.
func linkParents(backups []*Backup) {
	startTimes := make([]int64, len(backups))
	for i, b := range backups {
		startTimes[i] = b.StartTime
	}
	for _, b := range backups {
		if b.IsFull() || b.ParentBackupID == 0 {
			continue
		}
		// startTimes is descending; sort.Search wants an ascending
		// predicate, so search for the first index whose value is <= target.
		idx := sort.Search(len(startTimes), func(i int) bool {
			return startTimes[i] <= b.ParentBackupID
		})
		if idx < len(startTimes) && startTimes[idx] == b.ParentBackupID {
			b.Parent = backups[idx]
		}
	}
}

// Load reads a single backup's control file and file list. A backup whose
// file list has not been written yet (one that never got past its first
// control-file write) loads with no Files.
func (s *Store) Load(id string) (*Backup, error) {
	dir := filepath.Join(s.InstanceDir(), id)
	rec, err := catalog.ReadControl(s.fs, filepath.Join(dir, catalog.ControlFileName))
	if err != nil {
		return nil, NewError(KindCatalog, SeverityError, "Store.Load", err)
	}
	b, err := recordToBackup(rec)
	if err != nil {
		return nil, NewError(KindCatalog, SeverityError, "Store.Load", err)
	}
	frecs, err := catalog.ReadFileList(s.fs, filepath.Join(dir, catalog.FileListName))
	if err != nil && !os.IsNotExist(err) {
		return nil, NewError(KindCatalog, SeverityError, "Store.Load", err)
	}
	b.Files = make([]*File, len(frecs))
	for i, fr := range frecs {
		b.Files[i] = fileRecordToFile(fr)
	}
	return b, nil
}

// SaveControl writes b's control file crash-safely, overwriting any
// existing one.
func (s *Store) SaveControl(b *Backup) error {
	dir := s.BackupDir(b)
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return NewError(KindCatalog, SeverityError, "Store.SaveControl", err)
	}
	rec := backupToRecord(b)
	if err := catalog.WriteControl(s.fs, filepath.Join(dir, catalog.ControlFileName), rec); err != nil {
		return NewError(KindCatalog, SeverityError, "Store.SaveControl", err)
	}
	return nil
}

// SaveFileList writes b's file list crash-safely.
func (s *Store) SaveFileList(b *Backup) error {
	dir := s.BackupDir(b)
	recs := make([]catalog.FileRecord, len(b.Files))
	for i, f := range b.Files {
		recs[i] = fileToFileRecord(f)
	}
	if err := catalog.WriteFileList(s.fs, filepath.Join(dir, catalog.FileListName), recs); err != nil {
		return NewError(KindCatalog, SeverityError, "Store.SaveFileList", err)
	}
	return nil
}

// Lock acquires b's lockfile, implementing the exclusive-create / stale-PID
// protocol described in internal/catalog. The backup directory is created
// if it does not exist yet, so a new backup can be locked before its first
// control-file write.
func (s *Store) Lock(b *Backup) (*catalog.Lock, error) {
	if err := s.fs.MkdirAll(s.BackupDir(b), 0o750); err != nil {
		return nil, NewError(KindCatalog, SeverityError, "Store.Lock", err)
	}
	path := filepath.Join(s.BackupDir(b), catalog.LockFileName)
	lock, err := catalog.AcquireLock(path)
	if err != nil {
		if err == catalog.ErrBusy {
			return nil, ErrBackupLocked
		}
		return nil, NewError(KindCatalog, SeverityError, "Store.Lock", err)
	}
	return lock, nil
}

const timeLayout = catalog.TimeLayout

func recordToBackup(rec *catalog.Record) (*Backup, error) {
	startStr, ok := rec.Get("start-time")
	if !ok {
		return nil, catalog.ErrControlCorrupt
	}
	startTime, valid := catalog.ParseStartTime(startStr)
	if !valid {
		return nil, catalog.ErrControlCorrupt
	}

	b := &Backup{StartTime: startTime}

	if v, ok := rec.Get("backup-mode"); ok {
		if m, ok := ParseBackupMode(v); ok {
			b.Mode = m
		}
	}
	if v, ok := rec.Get("status"); ok {
		if st, ok := ParseStatus(v); ok {
			b.Status = st
		}
	}
	if v, ok := rec.Get("stream"); ok {
		b.Stream = v == "true"
	}
	if v, ok := rec.Get("from-replica"); ok {
		b.FromReplica = v == "true"
	}
	if v, ok := rec.Get("compress-alg"); ok {
		b.CompressAlg = parseCompressAlg(v)
	}
	if v, ok := rec.Get("compress-level"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			b.CompressLevel = n
		}
	}
	if v, ok := rec.Get("block-size"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			b.BlockSize = uint32(n)
		}
	}
	if v, ok := rec.Get("xlog-block-size"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			b.XlogBlockSize = uint32(n)
		}
	}
	if v, ok := rec.Get("checksum-version"); ok {
		if n, err := strconv.Atoi(v); err == nil && n != 0 {
			b.ChecksumVersion = ChecksumV1
		}
	}
	if v, ok := rec.Get("timelineid"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			b.TimelineID = uint32(n)
		}
	}
	if v, ok := rec.Get("start-lsn"); ok {
		if lsn, err := ParseLSN(v); err == nil {
			b.StartLSN = lsn
		}
	}
	if v, ok := rec.Get("stop-lsn"); ok {
		if lsn, err := ParseLSN(v); err == nil {
			b.StopLSN = lsn
		}
	}
	if v, ok := rec.Get("end-time"); ok {
		if t, err := time.Parse(timeLayout, v); err == nil {
			b.EndTimestamp = t
		}
	}
	if v, ok := rec.Get("recovery-time"); ok {
		if t, err := time.Parse(timeLayout, v); err == nil {
			b.RecoveryTimestamp = t
		}
	}
	if v, ok := rec.Get("merge-time"); ok {
		if t, err := time.Parse(timeLayout, v); err == nil {
			b.MergeTimestamp = t
		}
	}
	if v, ok := rec.Get("recovery-xid"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			b.RecoveryXid = n
		}
	}
	if v, ok := rec.Get("parent-backup-id"); ok && v != "" {
		if t, err := DecodeBase36(v); err == nil {
			b.ParentBackupID = t
		}
	}
	if v, ok := rec.Get("program-version"); ok {
		b.ProgramVersion = v
	}
	if v, ok := rec.Get("server-version"); ok {
		b.ServerVersion = v
	}
	if v, ok := rec.Get("primary_conninfo"); ok {
		b.PrimaryConnInfo = v
	}
	if v, ok := rec.Get("external-dirs"); ok && v != "" {
		b.ExternalDirs = splitColonList(v)
	}
	b.DataBytes = DataBytesInvalid
	if v, ok := rec.Get("data-bytes"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			b.DataBytes = n
		}
	}
	if v, ok := rec.Get("wal-bytes"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			b.WalBytes = n
		}
	}

	return b, nil
}

func backupToRecord(b *Backup) *catalog.Record {
	rec := catalog.NewRecord()
	rec.Set("start-time", time.Unix(b.StartTime, 0).Format(timeLayout))
	rec.Set("backup-mode", b.Mode.String())
	rec.Set("status", b.Status.String())
	rec.Set("stream", boolString(b.Stream))
	rec.Set("from-replica", boolString(b.FromReplica))
	rec.Set("compress-alg", compressAlgString(b.CompressAlg))
	rec.Set("compress-level", strconv.Itoa(b.CompressLevel))
	rec.Set("block-size", strconv.FormatUint(uint64(b.BlockSize), 10))
	rec.Set("xlog-block-size", strconv.FormatUint(uint64(b.XlogBlockSize), 10))
	if b.ChecksumVersion == ChecksumV1 {
		rec.Set("checksum-version", "1")
	} else {
		rec.Set("checksum-version", "0")
	}
	rec.Set("timelineid", strconv.FormatUint(uint64(b.TimelineID), 10))
	rec.Set("start-lsn", b.StartLSN.String())
	rec.Set("stop-lsn", b.StopLSN.String())
	if !b.EndTimestamp.IsZero() {
		rec.Set("end-time", b.EndTimestamp.Format(timeLayout))
	}
	if !b.RecoveryTimestamp.IsZero() {
		rec.Set("recovery-time", b.RecoveryTimestamp.Format(timeLayout))
	}
	if !b.MergeTimestamp.IsZero() {
		rec.Set("merge-time", b.MergeTimestamp.Format(timeLayout))
	}
	rec.Set("recovery-xid", strconv.FormatUint(b.RecoveryXid, 10))
	if b.ParentBackupID != 0 {
		rec.Set("parent-backup-id", EncodeBase36(b.ParentBackupID))
	}
	rec.Set("program-version", b.ProgramVersion)
	rec.Set("server-version", b.ServerVersion)
	if b.PrimaryConnInfo != "" {
		rec.Set("primary_conninfo", b.PrimaryConnInfo)
	}
	if len(b.ExternalDirs) > 0 {
		rec.Set("external-dirs", joinColonList(b.ExternalDirs))
	}
	if b.DataBytes != DataBytesInvalid {
		rec.Set("data-bytes", strconv.FormatInt(b.DataBytes, 10))
	}
	rec.Set("wal-bytes", strconv.FormatInt(b.WalBytes, 10))
	return rec
}

func fileRecordToFile(fr catalog.FileRecord) *File {
	f := &File{
		RelPath:        fr.Path,
		Size:           fr.Size,
		Mode:           fr.Mode,
		IsDatafile:     fr.IsDatafile,
		IsCFS:          fr.IsCFS,
		CRC:            fr.CRC,
		CompressAlg:    CompressAlg(fr.CompressAlg),
		ExternalDirNum: fr.ExternalDirNum,
		WriteSize:      fr.WriteSize,
		LinkedTarget:   fr.Linked,
		NBlocks:        -1,
	}
	if fr.SegNo != nil {
		f.SegNo = *fr.SegNo
	}
	if fr.NBlocks != nil {
		f.NBlocks = *fr.NBlocks
	}
	if fr.Linked != "" {
		f.Kind = FileSymlink
	}
	return f
}

func fileToFileRecord(f *File) catalog.FileRecord {
	fr := catalog.FileRecord{
		Path:           f.RelPath,
		Size:           f.Size,
		Mode:           f.Mode,
		IsDatafile:     f.IsDatafile,
		IsCFS:          f.IsCFS,
		CRC:            f.CRC,
		CompressAlg:    int(f.CompressAlg),
		ExternalDirNum: f.ExternalDirNum,
		WriteSize:      f.WriteSize,
		Linked:         f.LinkedTarget,
	}
	if f.IsDatafile {
		segno := f.SegNo
		fr.SegNo = &segno
	}
	if f.NBlocks >= 0 {
		n := f.NBlocks
		fr.NBlocks = &n
	}
	return fr
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func parseCompressAlg(s string) CompressAlg {
	switch s {
	case "zlib":
		return CompressZlib
	case "pglz":
		return CompressPglz
	default:
		return CompressNone
	}
}

func compressAlgString(a CompressAlg) string {
	switch a {
	case CompressZlib:
		return "zlib"
	case CompressPglz:
		return "pglz"
	default:
		return "none"
	}
}

func splitColonList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ':' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func joinColonList(dirs []string) string {
	out := ""
	for i, d := range dirs {
		if i > 0 {
			out += ":"
		}
		out += d
	}
	return out
}
