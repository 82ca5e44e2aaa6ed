package pgbackup

import "testing"

func TestStatusStringAndParseRoundTrip(t *testing.T) {
	statuses := []Status{
		StatusInvalid, StatusRunning, StatusOK, StatusDone, StatusError,
		StatusMerging, StatusDeleting, StatusDeleted, StatusOrphan, StatusCorrupt,
	}
	for _, s := range statuses {
		got, ok := ParseStatus(s.String())
		if !ok {
			t.Fatalf("ParseStatus(%q): ok=false", s.String())
		}
		if got != s {
			t.Errorf("round trip %v: got %v", s, got)
		}
	}
}

func TestParseStatusUnknown(t *testing.T) {
	if _, ok := ParseStatus("NOT-A-STATUS"); ok {
		t.Error("expected ok=false for unknown status string")
	}
}

func TestStatusValid(t *testing.T) {
	valid := []Status{StatusOK, StatusDone}
	invalid := []Status{StatusInvalid, StatusRunning, StatusError, StatusMerging, StatusDeleting, StatusDeleted, StatusOrphan, StatusCorrupt}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("%v.Valid() = false, want true", s)
		}
	}
	for _, s := range invalid {
		if s.Valid() {
			t.Errorf("%v.Valid() = true, want false", s)
		}
	}
}

func TestBackupIDAndIsFull(t *testing.T) {
	b := &Backup{StartTime: 1753000000, Mode: ModeFull}
	if b.ID() != EncodeBase36(1753000000) {
		t.Errorf("Backup.ID() = %q, want %q", b.ID(), EncodeBase36(1753000000))
	}
	if !b.IsFull() {
		t.Error("expected IsFull() true for ModeFull")
	}
	b.Mode = ModeDelta
	if b.IsFull() {
		t.Error("expected IsFull() false for ModeDelta")
	}
}

func TestFindParentFull(t *testing.T) {
	full := &Backup{StartTime: 1, Mode: ModeFull}
	child := &Backup{StartTime: 2, Mode: ModeDelta, Parent: full}
	grandchild := &Backup{StartTime: 3, Mode: ModePage, Parent: child}

	root, ok := FindParentFull(grandchild)
	if !ok || root != full {
		t.Errorf("FindParentFull: root=%v ok=%v, want full backup and ok=true", root, ok)
	}

	brokenRoot := &Backup{StartTime: 4, Mode: ModeDelta}
	orphan := &Backup{StartTime: 5, Mode: ModePage, Parent: brokenRoot}
	root, ok = FindParentFull(orphan)
	if ok {
		t.Errorf("FindParentFull: expected ok=false when root is not FULL, got root=%v", root)
	}
}

func TestScanParentChainAllOK(t *testing.T) {
	full := &Backup{StartTime: 1, Mode: ModeFull, Status: StatusOK}
	child := &Backup{StartTime: 2, Mode: ModeDelta, Status: StatusDone, Parent: full}

	state, witness := ScanParentChain(child)
	if state != ChainIntactAllOK || witness != nil {
		t.Errorf("ScanParentChain = (%v, %v), want (ChainIntactAllOK, nil)", state, witness)
	}
}

func TestScanParentChainWithInvalidAncestor(t *testing.T) {
	full := &Backup{StartTime: 1, Mode: ModeFull, Status: StatusCorrupt}
	child := &Backup{StartTime: 2, Mode: ModeDelta, Status: StatusOK, Parent: full}

	state, witness := ScanParentChain(child)
	if state != ChainIntactWithInvalid {
		t.Fatalf("ScanParentChain state = %v, want ChainIntactWithInvalid", state)
	}
	if witness != full {
		t.Errorf("witness = %v, want the corrupt FULL ancestor", witness)
	}
}

func TestScanParentChainBroken(t *testing.T) {
	orphanRoot := &Backup{StartTime: 1, Mode: ModeDelta, Status: StatusOK}
	child := &Backup{StartTime: 2, Mode: ModePage, Status: StatusOK, Parent: orphanRoot}

	state, _ := ScanParentChain(child)
	if state != ChainBroken {
		t.Errorf("ScanParentChain state = %v, want ChainBroken", state)
	}
}

func TestScanParentChainPicksOldestInvalidWitness(t *testing.T) {
	full := &Backup{StartTime: 1, Mode: ModeFull, Status: StatusOK}
	mid := &Backup{StartTime: 2, Mode: ModeDelta, Status: StatusCorrupt, Parent: full}
	top := &Backup{StartTime: 3, Mode: ModePage, Status: StatusError, Parent: mid}

	_, witness := ScanParentChain(top)
	if witness != mid {
		t.Errorf("witness = %v, want the oldest invalid ancestor (StartTime=2)", witness)
	}
}

func TestIsParent(t *testing.T) {
	full := &Backup{StartTime: 1, Mode: ModeFull}
	child := &Backup{StartTime: 2, Mode: ModeDelta, Parent: full}

	if !IsParent(1, child, false) {
		t.Error("expected strict ancestor match")
	}
	if IsParent(2, child, false) {
		t.Error("strict ancestor check should not match the backup itself")
	}
	if !IsParent(2, child, true) {
		t.Error("inclusive check should match the backup itself")
	}
	if IsParent(99, child, true) {
		t.Error("unrelated start-time should not match")
	}
}

func TestIsProlific(t *testing.T) {
	base := &Backup{StartTime: 1, Mode: ModeFull, Status: StatusOK}
	a := &Backup{StartTime: 2, Mode: ModeDelta, Status: StatusOK, Parent: base}
	b := &Backup{StartTime: 3, Mode: ModeDelta, Status: StatusOK, Parent: base}
	errored := &Backup{StartTime: 4, Mode: ModeDelta, Status: StatusError, Parent: base}

	list := []*Backup{base, a, b, errored}
	if !IsProlific(list, base) {
		t.Error("expected IsProlific=true: two Valid children share the same parent")
	}

	single := []*Backup{base, a, errored}
	if IsProlific(single, base) {
		t.Error("expected IsProlific=false: only one Valid child, the errored one doesn't count")
	}
}
