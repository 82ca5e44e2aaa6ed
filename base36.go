package pgbackup

import "strconv"

// base36digits is the digit alphabet used for backup identifiers: a
// backup's start-time (seconds since epoch) encoded in base 36.
const base36digits = "0123456789abcdefghijklmnopqrstuvwxyz"

// EncodeBase36 encodes t as a base-36 string, used as a backup's on-disk
// directory name and as its parent-backup-id reference.
func EncodeBase36(t int64) string {
	return strconv.FormatInt(t, 36)
}

// DecodeBase36 decodes a base-36 backup identifier back into a Unix
// timestamp.
func DecodeBase36(s string) (int64, error) {
	return strconv.ParseInt(s, 36, 64)
}
