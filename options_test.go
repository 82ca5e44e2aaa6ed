package pgbackup

import "testing"

func TestBackupModeStringAndParseRoundTrip(t *testing.T) {
	modes := []BackupMode{ModeFull, ModeDelta, ModePage, ModePtrack}
	for _, m := range modes {
		got, ok := ParseBackupMode(m.String())
		if !ok || got != m {
			t.Errorf("round trip %v: got (%v, %v)", m, got, ok)
		}
	}
}

func TestParseBackupModeUnknown(t *testing.T) {
	if _, ok := ParseBackupMode("bogus"); ok {
		t.Error("expected ok=false for unrecognized backup mode string")
	}
}

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	if o.BackupMode != ModeFull {
		t.Errorf("default BackupMode = %v, want ModeFull", o.BackupMode)
	}
	if o.CompressAlg != CompressNone {
		t.Errorf("default CompressAlg = %v, want CompressNone", o.CompressAlg)
	}
	if o.BlockSize != 8192 {
		t.Errorf("default BlockSize = %d, want 8192", o.BlockSize)
	}
	if o.RetryAttempts <= 0 {
		t.Error("default RetryAttempts should be positive")
	}
	if o.WalWaitTimeout <= 0 {
		t.Error("default WalWaitTimeout should be positive")
	}
	if !o.Strict {
		t.Error("default Strict should be true")
	}
}

func TestOptionsDBFSFallsBackToDefault(t *testing.T) {
	o := DefaultOptions()
	if o.dbFS() == nil {
		t.Error("dbFS() should fall back to vfs.Default() when DBFS is nil")
	}
}

func TestOptionsLoggerNeverNil(t *testing.T) {
	o := DefaultOptions()
	l := o.logger()
	if l == nil {
		t.Fatal("logger() should never return nil, even when Options.Logger is nil")
	}
}
