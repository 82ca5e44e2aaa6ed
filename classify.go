package pgbackup

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// relFilenameRe matches a relation-segment file's base name:
// <relfilenode>[_fsm|_vm|_init][.<segno>].
var relFilenameRe = regexp.MustCompile(`^([0-9]+)(_(fsm|vm|init))?(\.([0-9]+))?$`)

// ClassifyRelation parses a PGDATA-relative path into the relation identity
// fields a backup's file list records. It recognizes the three storage
// layouts a relation file can live under: the shared catalog ("global/"),
// a database's default-tablespace directory ("base/<dboid>/"), and a
// non-default tablespace ("pg_tblspc/<tsoid>/.../<dboid>/"). ok is false
// for any path that is not shaped like a relation-segment file (config
// files, WAL, directories); the caller should then record it as a
// non-datafile via CopyWhole instead of BackupFile.
func ClassifyRelation(relPath string) (dbOID, tablespaceOID, relOID, segNo uint32, fork string, ok bool) {
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	if len(parts) == 0 {
		return 0, 0, 0, 0, "", false
	}
	name := parts[len(parts)-1]
	if IsTempRelationFile(name) {
		return 0, 0, 0, 0, "", false
	}

	m := relFilenameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, 0, 0, "", false
	}
	relOID64, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, 0, 0, 0, "", false
	}
	fork = m[3]
	if m[5] != "" {
		s, serr := strconv.ParseUint(m[5], 10, 32)
		if serr != nil {
			return 0, 0, 0, 0, "", false
		}
		segNo = uint32(s)
	}

	switch {
	case len(parts) >= 2 && parts[0] == "global":
		return 0, 0, uint32(relOID64), segNo, fork, true
	case len(parts) >= 3 && parts[0] == "base":
		db, derr := strconv.ParseUint(parts[1], 10, 32)
		if derr != nil {
			return 0, 0, 0, 0, "", false
		}
		return uint32(db), 0, uint32(relOID64), segNo, fork, true
	case len(parts) >= 4 && parts[0] == "pg_tblspc":
		ts, terr := strconv.ParseUint(parts[1], 10, 32)
		if terr != nil {
			return 0, 0, 0, 0, "", false
		}
		db, derr := strconv.ParseUint(parts[len(parts)-2], 10, 32)
		if derr != nil {
			return 0, 0, 0, 0, "", false
		}
		return uint32(db), uint32(ts), uint32(relOID64), segNo, fork, true
	default:
		return 0, 0, 0, 0, "", false
	}
}

// IsTempRelationFile reports whether name (a file's base name) is a
// backend-local temporary relation file, spelled "t<backendid>_<relfilenode
// >...". These are excluded from every backup mode: a temp relation's
// contents are meaningless outside the backend session that created it.
func IsTempRelationFile(name string) bool {
	if len(name) < 3 || name[0] != 't' {
		return false
	}
	i := 1
	for i < len(name) && name[i] >= '0' && name[i] <= '9' {
		i++
	}
	return i > 1 && i < len(name) && name[i] == '_'
}

// UnloggedChecker reports whether (dbOID, relOID) names a relation whose
// storage is unlogged, in which case only its "init" fork is meaningful to
// copy — every other fork is reset on crash recovery and excluded from the
// backup. Answering this requires a pg_class lookup, which is not part of
// the RPC surface this engine issues itself; callers that can answer it
// (by querying the catalog themselves) wire it in here. A nil checker
// disables the filter, keeping every fork.
type UnloggedChecker func(dbOID, relOID uint32) bool

// SkipFork reports whether a classified relation file's fork should be
// excluded from the file list under the LISTED-phase filtering rule for
// non-init forks of unlogged relations.
func SkipFork(fork string, dbOID, relOID uint32, unlogged UnloggedChecker) bool {
	if fork == "" || fork == "init" {
		return false
	}
	if unlogged == nil {
		return false
	}
	return unlogged(dbOID, relOID)
}

// compressionMarkerName is the marker file whose presence in a tablespace
// version directory means every relation file under it is transparently
// compressed at rest (a CFS tablespace).
const compressionMarkerName = "pg_compression"
