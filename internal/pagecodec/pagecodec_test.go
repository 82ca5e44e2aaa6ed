package pagecodec

import (
	"encoding/binary"
	"testing"

	"github.com/aalhour/pgbackup/internal/compression"
	"github.com/aalhour/pgbackup/internal/pagechecksum"
)

func validPage() []byte {
	page := make([]byte, PageSize)
	binary.LittleEndian.PutUint16(page[offLower:], HeaderSize)
	binary.LittleEndian.PutUint16(page[offUpper:], PageSize-8)
	binary.LittleEndian.PutUint16(page[offSpecial:], PageSize)
	binary.LittleEndian.PutUint16(page[offSizeVer:], PageSize)
	return page
}

func TestIsValidHeaderEmptyPage(t *testing.T) {
	page := make([]byte, PageSize)
	if !IsValidHeader(page) {
		t.Fatal("all-zero page should be valid")
	}
}

func TestIsValidHeaderWellFormed(t *testing.T) {
	if !IsValidHeader(validPage()) {
		t.Fatal("well-formed page rejected")
	}
}

func TestIsValidHeaderRejectsBadOrdering(t *testing.T) {
	page := validPage()
	binary.LittleEndian.PutUint16(page[offUpper:], HeaderSize-1) // upper < lower
	if IsValidHeader(page) {
		t.Fatal("pd_upper < pd_lower should be rejected")
	}
}

func TestIsValidHeaderRejectsMisalignedSpecial(t *testing.T) {
	page := validPage()
	binary.LittleEndian.PutUint16(page[offSpecial:], PageSize-3)
	binary.LittleEndian.PutUint16(page[offUpper:], PageSize-3)
	if IsValidHeader(page) {
		t.Fatal("misaligned pd_special should be rejected")
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	page := validPage()
	StampChecksum(page, 7, pagechecksum.Version1)
	if !VerifyChecksum(page, 7, pagechecksum.Version1) {
		t.Fatal("stamped page failed verification")
	}
	if VerifyChecksum(page, 8, pagechecksum.Version1) {
		t.Fatal("checksum should not verify at the wrong block number")
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	for _, alg := range []compression.Type{compression.NoCompression, compression.ZlibCompression, compression.LZ4Compression} {
		page := validPage()
		for i := range page {
			page[i] = byte(i % 251)
		}
		payload, size := Compress(page, alg)
		got, err := Decompress(payload, size, alg)
		if err != nil {
			t.Fatalf("alg=%v: %v", alg, err)
		}
		if string(got) != string(page) {
			t.Fatalf("alg=%v: round trip mismatch", alg)
		}
	}
}

func TestAlignedPayloadSize(t *testing.T) {
	cases := map[int32]int32{0: 0, 1: 8, 8: 8, 9: 16, -2: 0}
	for in, want := range cases {
		if got := AlignedPayloadSize(in); got != want {
			t.Fatalf("AlignedPayloadSize(%d) = %d, want %d", in, got, want)
		}
	}
}
