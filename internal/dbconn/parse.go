package dbconn

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is wrapped by every parser below when the input does not
// match the expected wire format. Parsers are total: they never panic, and
// always return either a value or a wrapped ErrMalformed, never both.
var ErrMalformed = fmt.Errorf("dbconn: malformed RPC result")

// ParseLSN parses the "%X/%X" LSN text form into a single uint64.
func ParseLSN(s string) (uint64, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("%w: LSN %q: missing '/'", ErrMalformed, s)
	}
	hiVal, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: LSN %q: %v", ErrMalformed, s, err)
	}
	loVal, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: LSN %q: %v", ErrMalformed, s, err)
	}
	return hiVal<<32 | loVal, nil
}

// FormatLSN is the inverse of ParseLSN.
func FormatLSN(lsn uint64) string {
	return fmt.Sprintf("%X/%X", lsn>>32, lsn&0xFFFFFFFF)
}

// ParseGUCBool parses a GUC's on/off (also accepting true/false and 1/0,
// since some GUCs report those forms) into a bool.
func ParseGUCBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("%w: bool %q", ErrMalformed, s)
	}
}

// ParseIntWithUnit parses a time-denominated GUC value that may carry a
// trailing unit suffix (ms, s, min, h, d) into a time.Duration; a bare
// number is taken as seconds. Byte-denominated GUCs use ParseBytesWithUnit.
func ParseIntWithUnit(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for _, u := range []struct {
		suffix string
		unit   time.Duration
	}{
		{"ms", time.Millisecond},
		{"min", time.Minute},
		{"s", time.Second},
		{"h", time.Hour},
		{"d", 24 * time.Hour},
	} {
		if strings.HasSuffix(s, u.suffix) {
			numPart := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numPart, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: duration %q: %v", ErrMalformed, s, err)
			}
			return time.Duration(n) * u.unit, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: duration %q: %v", ErrMalformed, s, err)
	}
	return time.Duration(n) * time.Second, nil
}

// ParseBytesWithUnit parses a GUC value carrying a byte-denominated unit
// suffix (kB, MB, GB, TB) into a byte count.
func ParseBytesWithUnit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"kB", 1 << 10},
	} {
		if strings.HasSuffix(s, u.suffix) {
			numPart := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numPart, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: byte size %q: %v", ErrMalformed, s, err)
			}
			return n * u.mult, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: byte size %q: %v", ErrMalformed, s, err)
	}
	return n, nil
}

// timestampLayout is the ISO-8601-local form PostgreSQL timestamp output
// columns use by default.
const timestampLayout = "2006-01-02 15:04:05.999999-07"

// ParseTimestamp parses an ISO-8601-local timestamp as returned by RPCs
// such as pg_postmaster_start_time().
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrMalformed, s, err)
	}
	return t, nil
}

// ParseBase36ID parses a backup directory name / parent-backup-id value.
func ParseBase36ID(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 36, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: base-36 id %q: %v", ErrMalformed, s, err)
	}
	return n, nil
}

// ParseByteaHex decodes PostgreSQL's "\x"-prefixed hex bytea text
// representation, the form the wire protocol uses for byte string RPC
// results (e.g. ptrack bitmaps returned over a text-mode connection).
func ParseByteaHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "\\x") {
		return nil, fmt.Errorf("%w: bytea %q: missing \\x prefix", ErrMalformed, s)
	}
	hexPart := s[2:]
	if len(hexPart)%2 != 0 {
		return nil, fmt.Errorf("%w: bytea %q: odd hex length", ErrMalformed, s)
	}
	out := make([]byte, len(hexPart)/2)
	for i := range out {
		var b byte
		for j := 0; j < 2; j++ {
			c := hexPart[i*2+j]
			b <<= 4
			switch {
			case c >= '0' && c <= '9':
				b |= c - '0'
			case c >= 'a' && c <= 'f':
				b |= c - 'a' + 10
			case c >= 'A' && c <= 'F':
				b |= c - 'A' + 10
			default:
				return nil, fmt.Errorf("%w: bytea %q: invalid hex digit %q", ErrMalformed, s, c)
			}
		}
		out[i] = b
	}
	return out, nil
}
