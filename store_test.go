package pgbackup

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/aalhour/pgbackup/vfs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s := NewStore(vfs.Default(), root, "maindb")
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	return s
}

func TestStoreEnsureLayout(t *testing.T) {
	s := newTestStore(t)
	fs := vfs.Default()
	if !fs.Exists(s.InstanceDir()) {
		t.Errorf("InstanceDir %s was not created", s.InstanceDir())
	}
	if !fs.Exists(s.WalDir()) {
		t.Errorf("WalDir %s was not created", s.WalDir())
	}
}

func TestStoreSaveControlAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	b := &Backup{
		StartTime:       1753000000,
		Mode:            ModeFull,
		Status:          StatusOK,
		TimelineID:      1,
		StartLSN:        LSN(0x16)<<32 | LSN(0xB374D848),
		StopLSN:         LSN(0x16)<<32 | LSN(0xB375E000),
		BlockSize:       8192,
		XlogBlockSize:   8192 * 2048,
		ChecksumVersion: ChecksumV1,
		CompressAlg:     CompressZlib,
		CompressLevel:   3,
		Stream:          true,
		ProgramVersion:  "1.0.0",
		ServerVersion:   "16.2",
		ExternalDirs:    []string{"/opt/ext1", "/opt/ext2"},
		DataBytes:       4096,
		WalBytes:        16 * 1024 * 1024,
	}

	if err := s.SaveControl(b); err != nil {
		t.Fatalf("SaveControl: %v", err)
	}

	b.Files = []*File{
		{RelPath: "base/16384/16385", Size: 8192, IsDatafile: true, SegNo: 0, CRC: 0xdeadbeef, NBlocks: 1},
		{RelPath: "base/16384/PG_VERSION", Size: 3, NBlocks: -1},
	}
	if err := s.SaveFileList(b); err != nil {
		t.Fatalf("SaveFileList: %v", err)
	}

	loaded, err := s.Load(b.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.StartTime != b.StartTime {
		t.Errorf("StartTime = %d, want %d", loaded.StartTime, b.StartTime)
	}
	if loaded.Mode != b.Mode {
		t.Errorf("Mode = %v, want %v", loaded.Mode, b.Mode)
	}
	if loaded.Status != b.Status {
		t.Errorf("Status = %v, want %v", loaded.Status, b.Status)
	}
	if loaded.StartLSN != b.StartLSN || loaded.StopLSN != b.StopLSN {
		t.Errorf("LSNs = (%v, %v), want (%v, %v)", loaded.StartLSN, loaded.StopLSN, b.StartLSN, b.StopLSN)
	}
	if loaded.CompressAlg != b.CompressAlg || loaded.CompressLevel != b.CompressLevel {
		t.Errorf("compression = (%v, %d), want (%v, %d)", loaded.CompressAlg, loaded.CompressLevel, b.CompressAlg, b.CompressLevel)
	}
	if !loaded.Stream {
		t.Error("Stream should round-trip to true")
	}
	if loaded.ChecksumVersion != ChecksumV1 {
		t.Errorf("ChecksumVersion = %v, want ChecksumV1", loaded.ChecksumVersion)
	}
	if len(loaded.ExternalDirs) != 2 || loaded.ExternalDirs[0] != "/opt/ext1" || loaded.ExternalDirs[1] != "/opt/ext2" {
		t.Errorf("ExternalDirs = %v, want [/opt/ext1 /opt/ext2]", loaded.ExternalDirs)
	}
	if loaded.DataBytes != b.DataBytes || loaded.WalBytes != b.WalBytes {
		t.Errorf("bytes = (%d, %d), want (%d, %d)", loaded.DataBytes, loaded.WalBytes, b.DataBytes, b.WalBytes)
	}
	if len(loaded.Files) != 2 {
		t.Fatalf("loaded %d files, want 2", len(loaded.Files))
	}
	if loaded.Files[0].RelPath != "base/16384/16385" || loaded.Files[0].CRC != 0xdeadbeef {
		t.Errorf("Files[0] = %+v, unexpected", loaded.Files[0])
	}
	if !loaded.Files[0].IsDatafile || loaded.Files[0].NBlocks != 1 {
		t.Errorf("Files[0] datafile metadata did not round-trip: %+v", loaded.Files[0])
	}
}

func TestStoreSaveControlDataBytesInvalidOmitted(t *testing.T) {
	s := newTestStore(t)
	b := &Backup{StartTime: 1700000000, Mode: ModeFull, Status: StatusRunning, DataBytes: DataBytesInvalid}

	if err := s.SaveControl(b); err != nil {
		t.Fatalf("SaveControl: %v", err)
	}
	loaded, err := s.Load(b.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.DataBytes != DataBytesInvalid {
		t.Errorf("DataBytes = %d, want DataBytesInvalid (%d) when never set", loaded.DataBytes, DataBytesInvalid)
	}
}

func TestStoreEnumerateLinksParentChain(t *testing.T) {
	s := newTestStore(t)

	full := &Backup{StartTime: 1000, Mode: ModeFull, Status: StatusOK}
	delta := &Backup{StartTime: 2000, Mode: ModeDelta, Status: StatusOK, ParentBackupID: 1000}
	page := &Backup{StartTime: 3000, Mode: ModePage, Status: StatusOK, ParentBackupID: 2000}

	for _, b := range []*Backup{full, delta, page} {
		if err := s.SaveControl(b); err != nil {
			t.Fatalf("SaveControl(%d): %v", b.StartTime, err)
		}
	}

	backups, err := s.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("Enumerate returned %d backups, want 3", len(backups))
	}

	// Enumerate's contract is newest-first.
	if backups[0].StartTime != 3000 || backups[1].StartTime != 2000 || backups[2].StartTime != 1000 {
		t.Fatalf("Enumerate order = %d,%d,%d, want 3000,2000,1000",
			backups[0].StartTime, backups[1].StartTime, backups[2].StartTime)
	}

	byStart := make(map[int64]*Backup, 3)
	for _, b := range backups {
		byStart[b.StartTime] = b
	}
	if byStart[2000].Parent != byStart[1000] {
		t.Error("delta backup's Parent should resolve to the FULL backup")
	}
	if byStart[3000].Parent != byStart[2000] {
		t.Error("page backup's Parent should resolve to the delta backup")
	}
	if byStart[1000].Parent != nil {
		t.Error("FULL backup should have a nil Parent")
	}

	root, ok := FindParentFull(byStart[3000])
	if !ok || root != byStart[1000] {
		t.Errorf("FindParentFull(page) = (%v, %v), want (FULL backup, true)", root, ok)
	}
}

func TestStoreEnumeratePlaceholderForMissingControl(t *testing.T) {
	s := newTestStore(t)
	fs := vfs.Default()

	dir := filepath.Join(s.InstanceDir(), EncodeBase36(5000))
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	backups, err := s.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("Enumerate returned %d backups, want 1", len(backups))
	}
	if backups[0].StartTime != 5000 {
		t.Errorf("placeholder StartTime = %d, want 5000", backups[0].StartTime)
	}
	if backups[0].Status != StatusInvalid {
		t.Errorf("placeholder Status = %v, want StatusInvalid", backups[0].Status)
	}
}

func TestStoreEnumerateDemotesCrashedRunningBackup(t *testing.T) {
	s := newTestStore(t)
	// A RUNNING control file with no lockfile is what a hard-killed
	// process leaves behind.
	b := &Backup{StartTime: 1700001111, Mode: ModeFull, Status: StatusRunning}
	if err := s.SaveControl(b); err != nil {
		t.Fatalf("SaveControl: %v", err)
	}

	backups, err := s.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(backups) != 1 || backups[0].Status != StatusError {
		t.Fatalf("crashed RUNNING backup = %+v, want status ERROR", backups[0])
	}
	if backups[0].EndTimestamp.IsZero() {
		t.Error("demotion should set an end time")
	}

	// The demotion is persisted, not just in-memory.
	loaded, err := s.Load(b.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != StatusError {
		t.Errorf("persisted status = %s, want ERROR", loaded.Status)
	}
}

func TestStoreLockBusyForForeignLiveProcess(t *testing.T) {
	s := newTestStore(t)
	b := &Backup{StartTime: 9000, Mode: ModeFull}
	if err := s.SaveControl(b); err != nil {
		t.Fatalf("SaveControl: %v", err)
	}

	// A live process that is neither us nor an ancestor: a child we keep
	// running for the duration of the test.
	child := exec.Command("sleep", "30")
	if err := child.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	defer func() {
		_ = child.Process.Kill()
		_, _ = child.Process.Wait()
	}()

	lockPath := filepath.Join(s.BackupDir(b), "backup.pid")
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(child.Process.Pid)+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Lock(b); err != ErrBackupLocked {
		t.Errorf("Lock against a live foreign holder = %v, want ErrBackupLocked", err)
	}
	if data, err := os.ReadFile(lockPath); err != nil || strings.TrimSpace(string(data)) != strconv.Itoa(child.Process.Pid) {
		t.Errorf("holder's lockfile was disturbed: %q, %v", data, err)
	}
}

func TestStoreLockStealsOwnStalePID(t *testing.T) {
	s := newTestStore(t)
	b := &Backup{StartTime: 9100, Mode: ModeFull}
	if err := s.SaveControl(b); err != nil {
		t.Fatalf("SaveControl: %v", err)
	}

	lock, err := s.Lock(b)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer func() { _ = lock.Release() }()

	// A lockfile naming our own PID can only be left over from a previous
	// boot's PID reuse, so a second acquisition steals it.
	relock, err := s.Lock(b)
	if err != nil {
		t.Fatalf("re-Lock over own stale PID = %v, want success", err)
	}
	_ = relock.Release()
}
