// Package dbconn specifies the database-side RPCs the backup engine
// consumes and the parsers for their text-encoded results.
//
// The wire connection itself is a thin wrapper over jackc/pgx; callers that
// only need to exercise the orchestration logic against a fake can
// implement the Conn interface directly.
package dbconn

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Row is the minimal result-row shape RPCs need: a single Scan call.
// database/sql and pgx rows both satisfy it.
type Row interface {
	Scan(dest ...any) error
}

// Conn is the subset of a database connection the RPC layer needs.
// It is satisfied by pgxConn defined in pgx.go (an adapter over *pgx.Conn),
// and trivially fakeable in tests.
type Conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Close(ctx context.Context) error
}

// RPC wraps a Conn with the specific queries the backup engine issues
// against the database, returning already-typed results via the parsers in
// parse.go.
type RPC struct {
	conn Conn
}

// New wraps an established connection.
func New(conn Conn) *RPC {
	return &RPC{conn: conn}
}

// Close releases the underlying connection.
func (r *RPC) Close(ctx context.Context) error {
	return r.conn.Close(ctx)
}

// StartBackup issues the start-of-backup RPC and returns the backup start
// LSN.
func (r *RPC) StartBackup(ctx context.Context, label string, fast bool) (uint64, error) {
	var raw string
	if err := r.conn.QueryRow(ctx, `SELECT lsn FROM pg_backup_start($1, $2)`, label, fast).Scan(&raw); err != nil {
		return 0, fmt.Errorf("dbconn: start backup: %w", err)
	}
	return ParseLSN(raw)
}

// StopResult is everything the stop-of-backup RPC yields: the stop LSN,
// the server-generated backup_label and tablespace_map contents (written
// into the backup as files in non-exclusive mode), and the recovery
// timestamp and transaction id recorded alongside the stop.
type StopResult struct {
	LSN           uint64
	Label         []byte
	TablespaceMap []byte
	RecoveryTime  time.Time
	RecoveryXid   uint64
}

// StopBackup issues the stop-of-backup RPC. The recovery timestamp and
// transaction id are taken in the same round trip so they bracket the stop
// LSN as closely as the text protocol allows.
func (r *RPC) StopBackup(ctx context.Context, waitWAL bool) (StopResult, error) {
	var (
		raw      string
		labelRaw []byte
		spcRaw   []byte
		recTime  time.Time
		recXid   int64
	)
	err := r.conn.QueryRow(ctx,
		`SELECT lsn, labelfile, spcmapfile, now(), txid_snapshot_xmax(txid_current_snapshot()) FROM pg_backup_stop($1)`,
		waitWAL).Scan(&raw, &labelRaw, &spcRaw, &recTime, &recXid)
	if err != nil {
		return StopResult{}, fmt.Errorf("dbconn: stop backup: %w", err)
	}
	lsn, err := ParseLSN(raw)
	if err != nil {
		return StopResult{}, err
	}
	return StopResult{
		LSN:           lsn,
		Label:         labelRaw,
		TablespaceMap: spcRaw,
		RecoveryTime:  recTime,
		RecoveryXid:   uint64(recXid),
	}, nil
}

// SwitchWAL forces a WAL segment switch and returns the new segment's start
// LSN.
func (r *RPC) SwitchWAL(ctx context.Context) (uint64, error) {
	var raw string
	if err := r.conn.QueryRow(ctx, `SELECT lsn FROM pg_switch_wal() AS lsn`).Scan(&raw); err != nil {
		return 0, fmt.Errorf("dbconn: switch wal: %w", err)
	}
	return ParseLSN(raw)
}

// CurrentTimeline returns the server's active timeline ID.
func (r *RPC) CurrentTimeline(ctx context.Context) (uint32, error) {
	var tli uint32
	if err := r.conn.QueryRow(ctx, `SELECT timeline_id FROM pg_control_checkpoint()`).Scan(&tli); err != nil {
		return 0, fmt.Errorf("dbconn: current timeline: %w", err)
	}
	return tli, nil
}

// ServerVersionNum returns the server's version in its numeric GUC form
// (e.g. 150004 for 15.4), used for the minimum-supported-version check at
// backup start.
func (r *RPC) ServerVersionNum(ctx context.Context) (int, error) {
	raw, err := r.GUC(ctx, "server_version_num")
	if err != nil {
		return 0, err
	}
	n, perr := strconv.Atoi(raw)
	if perr != nil {
		return 0, fmt.Errorf("%w: server_version_num %q", ErrMalformed, raw)
	}
	return n, nil
}

// SystemIdentifier returns the cluster's system identifier from
// pg_control_system(), checked against the catalog's recorded value and
// against the source data directory's own control file so a backup cannot
// silently mix clusters.
func (r *RPC) SystemIdentifier(ctx context.Context) (uint64, error) {
	var sysid int64
	if err := r.conn.QueryRow(ctx, `SELECT system_identifier FROM pg_control_system()`).Scan(&sysid); err != nil {
		return 0, fmt.Errorf("dbconn: system identifier: %w", err)
	}
	return uint64(sysid), nil
}

// IsInRecovery reports whether the server is a replica currently replaying
// WAL.
func (r *RPC) IsInRecovery(ctx context.Context) (bool, error) {
	var raw bool
	if err := r.conn.QueryRow(ctx, `SELECT pg_is_in_recovery()`).Scan(&raw); err != nil {
		return false, fmt.Errorf("dbconn: is in recovery: %w", err)
	}
	return raw, nil
}

// GUC fetches a single GUC value as its raw text form, for callers that
// apply their own typed parser (ParseGUCBool, ParseGUCIntWithUnit, …).
func (r *RPC) GUC(ctx context.Context, name string) (string, error) {
	var raw string
	if err := r.conn.QueryRow(ctx, `SHOW `+name).Scan(&raw); err != nil {
		return "", fmt.Errorf("dbconn: show %s: %w", name, err)
	}
	return raw, nil
}

// LastReplayedLSN returns pg_last_wal_replay_lsn(), used on a replica to
// establish the most recent durably-replayed position.
func (r *RPC) LastReplayedLSN(ctx context.Context) (uint64, error) {
	var raw string
	if err := r.conn.QueryRow(ctx, `SELECT pg_last_wal_replay_lsn()`).Scan(&raw); err != nil {
		return 0, fmt.Errorf("dbconn: last replayed lsn: %w", err)
	}
	return ParseLSN(raw)
}

// LastReceivedLSN returns pg_last_wal_receive_lsn().
func (r *RPC) LastReceivedLSN(ctx context.Context) (uint64, error) {
	var raw string
	if err := r.conn.QueryRow(ctx, `SELECT pg_last_wal_receive_lsn()`).Scan(&raw); err != nil {
		return 0, fmt.Errorf("dbconn: last received lsn: %w", err)
	}
	return ParseLSN(raw)
}

// Tablespace is one entry of the tablespace location listing.
type Tablespace struct {
	OID      uint32
	Location string
}

// TablespaceLister covers a query the single-row Conn abstraction above
// cannot serve (it
// returns a set); implementations needing it should issue the query
// directly against their own pgx/sql rows type. Kept here only as the
// documented shape the orchestrator expects back from whatever transport
// does issue it.
type TablespaceLister interface {
	ListTablespaces(ctx context.Context) ([]Tablespace, error)
}

// CreateRestorePoint issues pg_create_restore_point and returns the LSN at
// which the named restore point was created.
func (r *RPC) CreateRestorePoint(ctx context.Context, name string) (uint64, error) {
	var raw string
	if err := r.conn.QueryRow(ctx, `SELECT pg_create_restore_point($1)`, name).Scan(&raw); err != nil {
		return 0, fmt.Errorf("dbconn: create restore point: %w", err)
	}
	return ParseLSN(raw)
}

// PtrackVersion returns the installed change-tracking extension version
// string, or "" if ptrack is not installed.
func (r *RPC) PtrackVersion(ctx context.Context) (string, error) {
	var raw string
	if err := r.conn.QueryRow(ctx, `SELECT ptrack_version()`).Scan(&raw); err != nil {
		return "", fmt.Errorf("dbconn: ptrack version: %w", err)
	}
	return raw, nil
}

// PtrackControlLSN returns the LSN at which the change-tracking map was
// last reset; bitmaps fetched via PtrackGetAndClear are only valid for
// changes since this LSN.
func (r *RPC) PtrackControlLSN(ctx context.Context) (uint64, error) {
	var raw string
	if err := r.conn.QueryRow(ctx, `SELECT ptrack_control_lsn()`).Scan(&raw); err != nil {
		return 0, fmt.Errorf("dbconn: ptrack control lsn: %w", err)
	}
	return ParseLSN(raw)
}

// PtrackGetAndClearDB fetches the full per-database changed-page bitmap and
// clears it, for PTRACK backups of a database whose ptrack_init flag is
// not set.
func (r *RPC) PtrackGetAndClearDB(ctx context.Context, dbOID, relOID uint32) ([]byte, error) {
	var raw []byte
	if err := r.conn.QueryRow(ctx, `SELECT ptrack_get_and_clear_db($1, $2)`, dbOID, relOID).Scan(&raw); err != nil {
		return nil, fmt.Errorf("dbconn: ptrack get and clear db: %w", err)
	}
	return raw, nil
}

// PtrackGetAndClear fetches and clears the changed-page bitmap for one
// relfilenode.
func (r *RPC) PtrackGetAndClear(ctx context.Context, dbOID, relFileNode uint32) ([]byte, error) {
	var raw []byte
	if err := r.conn.QueryRow(ctx, `SELECT ptrack_get_and_clear($1, $2)`, dbOID, relFileNode).Scan(&raw); err != nil {
		return nil, fmt.Errorf("dbconn: ptrack get and clear: %w", err)
	}
	return raw, nil
}

// PtrackGetBlock2 fetches a single page directly from the change-tracking
// extension's own copy, used by the Data-File Engine as the non-strict
// PTRACK torn-page fallback (see internal/datafile's Options.ExtensionFetch) when
// local rereads keep failing checksum verification. ok is false if the
// extension has no page recorded for this block (it was never marked
// changed, or ptrack has since been cleared).
func (r *RPC) PtrackGetBlock2(ctx context.Context, dbOID, relFileNode, forkNum, blockNum uint32) (page []byte, ok bool, err error) {
	var raw []byte
	if qerr := r.conn.QueryRow(ctx, `SELECT ptrack_get_block_2($1, $2, $3, $4)`, dbOID, relFileNode, forkNum, blockNum).Scan(&raw); qerr != nil {
		return nil, false, fmt.Errorf("dbconn: ptrack get block: %w", qerr)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	return raw, true, nil
}

// CheckpointTimeout returns the checkpoint_timeout GUC as a time.Duration,
// used to size the stream-stop timeout (spec: ~1.1x this value).
func (r *RPC) CheckpointTimeout(ctx context.Context) (time.Duration, error) {
	raw, err := r.GUC(ctx, "checkpoint_timeout")
	if err != nil {
		return 0, err
	}
	return ParseIntWithUnit(raw)
}
