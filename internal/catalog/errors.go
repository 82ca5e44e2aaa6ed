package catalog

import "errors"

// ErrBusy is returned by AcquireLock when a live process already holds the
// lockfile. Callers should treat this as "could not proceed" rather than an
// I/O failure — the lock simply belongs to someone else.
var ErrBusy = errors.New("catalog: backup is locked by a live process")

// ErrLockRetriesExceeded is returned when maxLockAttempts create-or-steal
// cycles all failed, most likely because the lock directory itself is not
// writable.
var ErrLockRetriesExceeded = errors.New("catalog: exceeded lock acquisition retries")

// ErrControlCorrupt is returned when a control file's identifying field
// (start-time) is missing or zero.
var ErrControlCorrupt = errors.New("catalog: control file missing or zero start-time")
