// Package walwait implements polling for a WAL segment's durable presence
// and, once present, confirmation that a target LSN is actually covered by
// a valid record within it.
//
// WAL-record parsing is out of scope for this module; callers supply a
// ScanForLSN callback that performs the actual record scan, keeping this
// package responsible only for the poll/timeout/replica-fallback protocol.
package walwait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aalhour/pgbackup/internal/logging"
	"github.com/aalhour/pgbackup/vfs"
)

// ErrSegmentAbsent means the target segment never appeared within the
// timeout.
var ErrSegmentAbsent = errors.New("walwait: WAL segment never appeared")

// ErrLSNNotReached means the segment appeared, but ScanForLSN never
// confirmed the target LSN within the timeout.
var ErrLSNNotReached = errors.New("walwait: WAL segment present but target LSN not reached")

// PollInterval is how often presence is re-checked.
const PollInterval = time.Second

// replicaFallbackFraction is when, on a replica, we start accepting "the
// last valid LSN before the target" instead of continuing to wait for the
// exact target — a quarter of the way through the configured timeout.
const replicaFallbackFraction = 4

// Options configures one Wait call.
type Options struct {
	Dir         string
	SegmentName string
	Timeout     time.Duration

	// WaitForPrevious means the caller only needs the segment to exist
	// (used when a backup is waiting for the segment preceding its actual
	// target, a corner case of segment-boundary LSNs); ScanForLSN is not
	// invoked in that case.
	WaitForPrevious bool

	FromReplica bool

	// ScanForLSN is called once the segment is found (or its ".gz" archived
	// counterpart) to confirm the target LSN is present in it. It must be
	// total: no panics on malformed WAL.
	ScanForLSN func(segmentPath string, gzip bool) (bool, error)

	// LastValidLSN is consulted only on a replica after the fallback
	// fraction of Timeout has elapsed without success; it returns whatever
	// LSN scanning has found to be the most recent valid one so far.
	LastValidLSN func() (lsn uint64, ok bool)
}

// Result is what Wait found.
type Result struct {
	SegmentPath  string
	Gzip         bool
	UsedFallback bool
	FallbackLSN  uint64
}

// Wait polls for opts.SegmentName under opts.Dir (accepting a compressed
// ".gz" variant as equivalent), then, unless WaitForPrevious, confirms the
// target LSN via ScanForLSN. A wait satisfied by the first poll logs
// nothing; otherwise one informational message is logged, after the first
// unsuccessful poll, and no further one while waiting continues.
func Wait(ctx context.Context, fs vfs.FS, opts Options, logger logging.Logger) (Result, error) {
	logger = logging.OrDefault(logger)
	deadline := time.Now().Add(opts.Timeout)
	fallbackAt := time.Now().Add(opts.Timeout / replicaFallbackFraction)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	announced := false
	for {
		path, gz, ok := findSegment(fs, opts.Dir, opts.SegmentName)
		if ok {
			if opts.WaitForPrevious {
				return Result{SegmentPath: path, Gzip: gz}, nil
			}
			if opts.ScanForLSN == nil {
				return Result{SegmentPath: path, Gzip: gz}, nil
			}
			found, err := opts.ScanForLSN(path, gz)
			if err != nil {
				return Result{}, fmt.Errorf("walwait: scan %s: %w", path, err)
			}
			if found {
				return Result{SegmentPath: path, Gzip: gz}, nil
			}
		}

		if !announced {
			logger.Infof(logging.NSWalWait+" waiting for WAL segment %s under %s", opts.SegmentName, opts.Dir)
			announced = true
		}

		if time.Now().After(deadline) {
			if ok {
				return Result{}, ErrLSNNotReached
			}
			return Result{}, ErrSegmentAbsent
		}

		if opts.FromReplica && opts.LastValidLSN != nil && time.Now().After(fallbackAt) {
			if lsn, has := opts.LastValidLSN(); has {
				logger.Infof(logging.NSWalWait + " replica timeout fallback: using last valid LSN before target")
				return Result{UsedFallback: true, FallbackLSN: lsn}, nil
			}
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func findSegment(fs vfs.FS, dir, name string) (path string, gzip bool, ok bool) {
	plain := dir + "/" + name
	if fs.Exists(plain) {
		return plain, false, true
	}
	gz := plain + ".gz"
	if fs.Exists(gz) {
		return gz, true, true
	}
	return "", false, false
}
