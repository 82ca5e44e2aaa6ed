package pgbackup

import (
	"fmt"
	"strconv"
	"strings"
)

// LSN is a log sequence number: a monotonically increasing byte offset into
// the write-ahead log. The high 32 bits are the WAL file's logical segment
// group and the low 32 bits are the offset within it, mirroring the
// database's own %X/%X textual representation.
type LSN uint64

// InvalidLSN is the zero value, used as a sentinel for "not yet known".
const InvalidLSN LSN = 0

// String formats the LSN in the database's canonical hex/hex form, e.g.
// "16/B374D848".
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// ParseLSN parses the canonical "%X/%X" textual form of an LSN.
func ParseLSN(s string) (LSN, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("pgbackup: malformed LSN %q: missing '/'", s)
	}
	hiV, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("pgbackup: malformed LSN %q: %w", s, err)
	}
	loV, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("pgbackup: malformed LSN %q: %w", s, err)
	}
	return LSN(hiV<<32 | loV), nil
}

// SegmentName returns the WAL segment file name containing l on the given
// timeline, for a server whose WAL segments are segSize bytes.
func (l LSN) SegmentName(timeline uint32, segSize uint64) string {
	segNo := uint64(l) / segSize
	return segmentFileName(timeline, segNo, segSize)
}

func segmentFileName(timeline uint32, segNo, segSize uint64) string {
	// Standard 24-character WAL segment naming: 8 hex digits of timeline,
	// followed by the segment number split into a logical-file id and a
	// segment-within-file id, matching the database's XLogFileName layout
	// for the common (non-huge-segment) configuration.
	segmentsPerFile := uint64(0x100000000) / segSize
	logID := segNo / segmentsPerFile
	seg := segNo % segmentsPerFile
	return fmt.Sprintf("%08X%08X%08X", timeline, logID, seg)
}
