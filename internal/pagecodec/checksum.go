package pagecodec

import "github.com/aalhour/pgbackup/internal/pagechecksum"

// VerifyChecksum reports whether page's stored checksum matches its
// computed checksum at absoluteBlock. When version is VersionNone the page
// is considered valid unconditionally, matching a cluster that was
// initialized without checksums enabled.
func VerifyChecksum(page []byte, absoluteBlock uint32, version pagechecksum.Version) bool {
	if version == pagechecksum.VersionNone {
		return true
	}
	return pagechecksum.Verify(page, absoluteBlock, offChecksum)
}

// StampChecksum writes page's checksum field for absoluteBlock. A no-op
// when version is VersionNone.
func StampChecksum(page []byte, absoluteBlock uint32, version pagechecksum.Version) {
	if version == pagechecksum.VersionNone {
		return
	}
	pagechecksum.Stamp(page, absoluteBlock, offChecksum)
}
