package catalog

import (
	"testing"

	"github.com/aalhour/pgbackup/vfs"
)

func TestFileListRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	path := dir + "/backup_content.control"

	segno := uint32(1)
	nblocks := int32(128)
	records := []FileRecord{
		{Path: "base/16384/16385", Size: 8192 * 128, IsDatafile: true, CRC: 0xdeadbeef, SegNo: &segno, NBlocks: &nblocks},
		{Path: "postgresql.conf", Size: 512, WriteSize: 512},
		{Path: "pg_tblspc/1", Linked: "/mnt/ts1"},
	}

	if err := WriteFileList(fs, path, records); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFileList(fs, path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(records) {
		t.Fatalf("got %d records, want %d", len(got), len(records))
	}
	if got[0].Path != records[0].Path || *got[0].SegNo != segno {
		t.Fatalf("round trip mismatch: %+v", got[0])
	}
	if got[2].Linked != "/mnt/ts1" {
		t.Fatalf("symlink target not preserved: %+v", got[2])
	}
}

func TestFileListFlushBatching(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	path := dir + "/backup_content.control"

	records := make([]FileRecord, filelistFlushBatch*2+3)
	for i := range records {
		records[i] = FileRecord{Path: "f", Size: int64(i)}
	}
	if err := WriteFileList(fs, path, records); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFileList(fs, path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(records) {
		t.Fatalf("got %d records, want %d", len(got), len(records))
	}
}
