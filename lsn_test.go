package pgbackup

import "testing"

func TestLSNStringFormat(t *testing.T) {
	l := LSN(0x16)<<32 | LSN(0xB374D848)
	if got, want := l.String(), "16/B374D848"; got != want {
		t.Errorf("LSN.String() = %q, want %q", got, want)
	}
}

func TestParseLSNRoundTrip(t *testing.T) {
	cases := []string{"0/0", "16/B374D848", "FF/1", "0/1"}
	for _, s := range cases {
		l, err := ParseLSN(s)
		if err != nil {
			t.Fatalf("ParseLSN(%q): %v", s, err)
		}
		if got := l.String(); got != s {
			t.Errorf("ParseLSN(%q).String() = %q, want %q", s, got, s)
		}
	}
}

func TestParseLSNMalformed(t *testing.T) {
	cases := []string{"", "nodashes", "GG/0", "0/GG", "0/0/0"}
	for _, s := range cases {
		if _, err := ParseLSN(s); err == nil {
			t.Errorf("ParseLSN(%q): expected error, got nil", s)
		}
	}
}

func TestInvalidLSNIsZero(t *testing.T) {
	if InvalidLSN != 0 {
		t.Errorf("InvalidLSN = %d, want 0", InvalidLSN)
	}
}

func TestLSNSegmentName(t *testing.T) {
	const segSize = uint64(16 * 1024 * 1024) // 16MB, default WAL segment size
	l := LSN(0)
	got := l.SegmentName(1, segSize)
	want := "0000000100000000" + "00000000"
	if got != want {
		t.Errorf("SegmentName(timeline=1, lsn=0) = %q, want %q", got, want)
	}
}

func TestLSNSegmentNameAdvances(t *testing.T) {
	const segSize = uint64(16 * 1024 * 1024)
	l := LSN(segSize) // exactly one segment in
	got := l.SegmentName(1, segSize)
	want := "0000000100000000" + "00000001"
	if got != want {
		t.Errorf("SegmentName at one segment in = %q, want %q", got, want)
	}
}
