package pgbackup

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aalhour/pgbackup/internal/dbconn"
	"github.com/aalhour/pgbackup/vfs"
)

// fakeRow satisfies dbconn.Row from a fixed value list.
type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) > len(r.vals) {
		return fmt.Errorf("fakeRow: %d destinations, %d values", len(dest), len(r.vals))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.vals[i].(string)
		case *[]byte:
			if r.vals[i] == nil {
				*p = nil
			} else {
				*p = r.vals[i].([]byte)
			}
		case *bool:
			*p = r.vals[i].(bool)
		case *uint32:
			*p = r.vals[i].(uint32)
		case *int64:
			*p = r.vals[i].(int64)
		case *time.Time:
			*p = r.vals[i].(time.Time)
		default:
			return fmt.Errorf("fakeRow: unsupported destination %T", d)
		}
	}
	return nil
}

// fakeConn answers the session's RPCs with canned results, keyed on the
// SQL text the way the real server would dispatch on the function called.
type fakeConn struct {
	startLSN string
	stopLSN  string
	label    []byte
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) dbconn.Row {
	switch {
	case strings.Contains(sql, "pg_backup_start"):
		return fakeRow{vals: []any{c.startLSN}}
	case strings.Contains(sql, "pg_backup_stop"):
		return fakeRow{vals: []any{c.stopLSN, c.label, []byte(nil), time.Now(), int64(4242)}}
	case strings.Contains(sql, "pg_switch_wal"):
		return fakeRow{vals: []any{c.stopLSN}}
	case strings.Contains(sql, "pg_control_checkpoint"):
		return fakeRow{vals: []any{uint32(1)}}
	case strings.Contains(sql, "pg_control_system"):
		return fakeRow{vals: []any{int64(7001)}}
	case strings.Contains(sql, "pg_is_in_recovery"):
		return fakeRow{vals: []any{false}}
	case strings.Contains(sql, "server_version_num"):
		return fakeRow{vals: []any{"150004"}}
	case strings.Contains(sql, "SHOW block_size"):
		return fakeRow{vals: []any{"8192"}}
	case strings.Contains(sql, "SHOW wal_segment_size"):
		return fakeRow{vals: []any{"16MB"}}
	case strings.Contains(sql, "SHOW data_checksums"):
		return fakeRow{vals: []any{"off"}}
	default:
		return fakeRow{err: fmt.Errorf("fakeConn: unexpected query %q", sql)}
	}
}

func (c *fakeConn) Close(ctx context.Context) error { return nil }

// makeTestPage builds an 8 KiB page with an internally consistent header
// and the given LSN.
func makeTestPage(lsn uint64) []byte {
	page := make([]byte, 8192)
	binary.LittleEndian.PutUint64(page[0:], lsn)
	binary.LittleEndian.PutUint16(page[12:], 28)   // pd_lower
	binary.LittleEndian.PutUint16(page[14:], 8192) // pd_upper
	binary.LittleEndian.PutUint16(page[16:], 8192) // pd_special
	binary.LittleEndian.PutUint16(page[18:], 8192|4)
	return page
}

// writeTestDataDir builds a plausible minimal data directory: one two-page
// relation plus enough filler entries to clear the plausibility floor.
// Every file's mtime is set an hour back, so each file predates the
// second-granular start time of any backup the test runs.
func writeTestDataDir(t *testing.T, dir string) {
	t.Helper()
	mustMkdir := func(p string) {
		if err := os.MkdirAll(p, 0o750); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-time.Hour)
	mustWrite := func(p string, data []byte) {
		if err := os.WriteFile(p, data, 0o640); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
	}

	mustMkdir(filepath.Join(dir, "global"))
	mustMkdir(filepath.Join(dir, "base", "1"))
	mustMkdir(filepath.Join(dir, "pg_logical"))

	sysid := make([]byte, 8192)
	binary.LittleEndian.PutUint64(sysid, 7001)
	mustWrite(filepath.Join(dir, "global", "pg_control"), sysid)

	rel := append(makeTestPage(0x100), makeTestPage(0x200)...)
	mustWrite(filepath.Join(dir, "base", "1", "16384"), rel)

	mustWrite(filepath.Join(dir, "postgresql.auto.conf"), []byte("# empty\n"))
	mustWrite(filepath.Join(dir, "PG_VERSION"), []byte("15\n"))

	for i := 0; i < 100; i++ {
		mustWrite(filepath.Join(dir, "pg_logical", fmt.Sprintf("map%03d", i)), []byte("x"))
	}
}

// testHarness bundles the fixture both end-to-end tests share.
type testHarness struct {
	root    string
	dataDir string
	store   *Store
	conn    *fakeConn
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	root := t.TempDir()
	dataDir := filepath.Join(root, "pgdata")
	writeTestDataDir(t, dataDir)

	h := &testHarness{
		root:    root,
		dataDir: dataDir,
		store:   NewStore(nil, filepath.Join(root, "catalog"), "main"),
		conn: &fakeConn{
			startLSN: "0/1000028",
			stopLSN:  "0/1000128",
			label:    []byte("START WAL LOCATION: 0/1000028\n"),
		},
	}

	// Both the start and stop LSN fall in segment 1 of timeline 1; the
	// non-stream waits need it present in the archive before Run begins.
	if err := os.MkdirAll(h.store.WalDir(), 0o750); err != nil {
		t.Fatal(err)
	}
	seg := filepath.Join(h.store.WalDir(), "000000010000000000000001")
	if err := os.WriteFile(seg, []byte("wal"), 0o640); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *testHarness) run(t *testing.T, opts *Options) *Backup {
	t.Helper()
	sess := NewSession(opts, h.store, dbconn.New(h.conn), SessionDeps{Workers: 2}, h.dataDir, "test-label")
	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return sess.Backup()
}

func baseTestOptions() *Options {
	opts := DefaultOptions()
	opts.XlogBlockSize = 16 * 1024 * 1024
	opts.WalWaitTimeout = 5 * time.Second
	opts.SystemIdentifier = 7001
	return opts
}

func TestSessionFullBackup(t *testing.T) {
	h := newTestHarness(t)
	b := h.run(t, baseTestOptions())

	if b.Status != StatusOK {
		t.Fatalf("status = %s, want OK", b.Status)
	}
	if b.StartLSN != 0x1000028 || b.StopLSN != 0x1000128 {
		t.Fatalf("LSNs = %s..%s", b.StartLSN, b.StopLSN)
	}
	if b.RecoveryXid != 4242 {
		t.Errorf("recovery xid = %d, want 4242", b.RecoveryXid)
	}
	if b.DataBytes <= 0 {
		t.Errorf("data bytes = %d, want > 0", b.DataBytes)
	}

	// The catalog round-trips the run: enumeration finds it OK with the
	// same identity.
	listed, err := h.store.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].ID() != b.ID() || listed[0].Status != StatusOK {
		t.Fatalf("enumerate = %+v", listed)
	}

	// The relation was stored framed: 2 pages of 8 KiB plus headers.
	stored := filepath.Join(h.store.BackupDir(b), "database", "base", "1", "16384")
	info, err := os.Stat(stored)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(2*(8+8192) + 8); info.Size() != want {
		t.Errorf("stored relation size = %d, want %d (2 frames + truncation sentinel)", info.Size(), want)
	}

	// No lockfile survives a completed run.
	if _, err := os.Stat(filepath.Join(h.store.BackupDir(b), "backup.pid")); !os.IsNotExist(err) {
		t.Errorf("lockfile still present after Run")
	}
}

func TestSessionDeltaNoOp(t *testing.T) {
	h := newTestHarness(t)
	full := h.run(t, baseTestOptions())

	// Backup identity is second-granular; a same-second DELTA would
	// collide with the FULL's directory.
	for time.Now().Unix() == full.StartTime {
		time.Sleep(25 * time.Millisecond)
	}

	opts := baseTestOptions()
	opts.BackupMode = ModeDelta
	delta := h.run(t, opts)

	if delta.Status != StatusOK {
		t.Fatalf("delta status = %s, want OK", delta.Status)
	}
	if delta.ParentBackupID != full.StartTime {
		t.Fatalf("delta parent = %d, want %d", delta.ParentBackupID, full.StartTime)
	}

	// No page changed since the FULL (both page LSNs predate its start
	// LSN), so the relation is a no-op entry and its placeholder file is
	// gone from the backup.
	var relEntry *File
	for _, f := range delta.Files {
		if f.IsDatafile && strings.HasSuffix(f.RelPath, "16384") {
			relEntry = f
		}
	}
	if relEntry == nil {
		t.Fatal("relation missing from delta file list")
	}
	if relEntry.WriteSize != BytesInvalid {
		t.Errorf("relation write size = %d, want BytesInvalid", relEntry.WriteSize)
	}
	stored := filepath.Join(h.store.BackupDir(delta), "database", "base", "1", "16384")
	if _, err := os.Stat(stored); !os.IsNotExist(err) {
		t.Errorf("no-op relation left a placeholder file in the backup")
	}

	// Unchanged non-data files are skipped too: only the server-generated
	// backup_label carries stored bytes.
	for _, f := range delta.Files {
		if f.Kind != FileRegular || f.WriteSize <= 0 {
			continue
		}
		if f.RelPath != "backup_label" {
			t.Errorf("unexpected stored bytes for %s (%d)", f.RelPath, f.WriteSize)
		}
	}

	// Chain queries see FULL <- DELTA intact.
	listed, err := h.store.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	var child *Backup
	for _, b := range listed {
		if b.ID() == delta.ID() {
			child = b
		}
	}
	if child == nil || child.Parent == nil || child.Parent.ID() != full.ID() {
		t.Fatalf("parent link not resolved: %+v", child)
	}
	if state, _ := ScanParentChain(child); state != ChainIntactAllOK {
		t.Errorf("chain state = %d, want intact-all-ok", state)
	}
}

// readOnlyFS wraps an FS and fails every mutating operation, for tests
// asserting a code path only ever reads through it.
type readOnlyFS struct{ vfs.FS }

func (readOnlyFS) Create(name string) (vfs.WritableFile, error) {
	return nil, fmt.Errorf("read-only filesystem: create %s", name)
}

func (readOnlyFS) MkdirAll(path string, perm os.FileMode) error {
	return fmt.Errorf("read-only filesystem: mkdir %s", path)
}

func (readOnlyFS) Remove(name string) error {
	return fmt.Errorf("read-only filesystem: remove %s", name)
}

func (readOnlyFS) Rename(oldname, newname string) error {
	return fmt.Errorf("read-only filesystem: rename %s", oldname)
}

func TestSessionRoutesWritesToBackupHost(t *testing.T) {
	h := newTestHarness(t)

	// The DB host's filesystem only ever serves reads; every backup-file
	// and catalog write must resolve through the store's backup-host
	// backend instead.
	opts := baseTestOptions()
	opts.DBFS = readOnlyFS{vfs.Default()}
	b := h.run(t, opts)

	if b.Status != StatusOK {
		t.Fatalf("status = %s, want OK with a read-only DB-host filesystem", b.Status)
	}
}

func TestSessionRejectsImplausibleDataDir(t *testing.T) {
	h := newTestHarness(t)
	small := filepath.Join(h.root, "tiny")
	if err := os.MkdirAll(filepath.Join(small, "global"), 0o750); err != nil {
		t.Fatal(err)
	}
	sysid := make([]byte, 8192)
	binary.LittleEndian.PutUint64(sysid, 7001)
	if err := os.WriteFile(filepath.Join(small, "global", "pg_control"), sysid, 0o640); err != nil {
		t.Fatal(err)
	}

	sess := NewSession(baseTestOptions(), h.store, dbconn.New(h.conn), SessionDeps{}, small, "tiny")
	err := sess.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded on an implausibly small data directory")
	}
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindConfig {
		t.Fatalf("error = %v, want KindConfig", err)
	}
}

func TestSessionRejectsSystemIDMismatch(t *testing.T) {
	h := newTestHarness(t)
	opts := baseTestOptions()
	opts.SystemIdentifier = 9999 // catalog disagrees with server and datadir

	sess := NewSession(opts, h.store, dbconn.New(h.conn), SessionDeps{}, h.dataDir, "mismatch")
	err := sess.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded despite system identifier mismatch")
	}
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindConfig {
		t.Fatalf("error = %v, want KindConfig", err)
	}
}
