/*
Package pgbackup implements the core of a physical, block-level, incremental
backup engine for a page-oriented relational database.

pgbackup takes consistent backups of a running database's data directory and
stores them in a local catalog. It supports FULL, DELTA, PAGE, and PTRACK
backup modes, the latter two exploiting page-level change tracking to avoid
copying unchanged blocks.

# Scope

This package implements the backup catalog and its locking protocol, the
page-level data-file engine, and the backup-session state machine. The CLI
front end, on-disk config-file parsing, log rotation, the SSH-tunneled remote
file transport, WAL-record parsing internals, the in-database change-tracking
extension, retention-policy evaluation, and restore/merge orchestration are
treated as external collaborators: this package specifies their interfaces
(see package dbconn, the vfs.FS facade, and SessionDeps) without
implementing them end to end.

# Usage

A caller constructs an Options, opens a Store rooted at the backup
directory, and drives a Session through its state machine to completion.

# Concurrency

A Session drives one backup run. File workers and the WAL stream worker run
as goroutines coordinated by the Session; the Session itself is not safe for
concurrent use by more than one orchestrator goroutine, but the catalog and
page-map structures it owns are safe for the concurrent access patterns its
own workers perform.

Reference: pg_probackup (C) — this package reimplements its on-disk catalog
and page-copy semantics in idiomatic Go. It targets compatibility with the
documented control-file and page-frame wire formats, not C struct layout.
*/
package pgbackup
