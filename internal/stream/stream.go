// Package stream implements the WAL stream worker: a goroutine that
// receives WAL from the database's replication protocol and writes it into
// the backup's own WAL subdirectory, so the backup is self-contained
// without relying on archive recovery.
//
// The replication wire protocol itself is out of scope; callers supply a
// Receiver that yields WAL chunks however they were obtained (a real
// implementation drives it over a streaming-replication connection).
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aalhour/pgbackup/internal/logging"
	"github.com/aalhour/pgbackup/vfs"
)

// ErrStopTimeout is returned by Run when the stop predicate never reports
// done within StopTimeout of SetStopLSN being called.
var ErrStopTimeout = errors.New("stream: timed out waiting for stream to reach stop LSN")

// Chunk is one unit of WAL delivered by a Receiver: bytes belonging to
// segment Name, whose end corresponds to WAL position EndLSN.
type Chunk struct {
	Name   string
	Data   []byte
	EndLSN uint64
}

// Receiver yields WAL chunks until the stream ends or ctx is cancelled.
type Receiver interface {
	Next(ctx context.Context) (Chunk, error)
}

// Worker streams WAL chunks from a Receiver into a backup's WAL directory
// until a stop-LSN (set by the orchestrator once stop-of-backup completes)
// is reached, or StopTimeout elapses after the stop-LSN is set.
type Worker struct {
	fs       vfs.FS
	dir      string
	receiver Receiver
	logger   logging.Logger

	stopTimeout time.Duration

	stopLSN   atomic.Uint64
	stopSetAt atomic.Int64 // UnixNano; zero means "not yet set"

	position atomic.Uint64
}

// NewWorker constructs a Worker writing received WAL into dir.
func NewWorker(fs vfs.FS, dir string, receiver Receiver, stopTimeout time.Duration, logger logging.Logger) *Worker {
	return &Worker{
		fs:          fs,
		dir:         dir,
		receiver:    receiver,
		stopTimeout: stopTimeout,
		logger:      logging.OrDefault(logger),
	}
}

// SetStopLSN records the global stop-LSN; Run's loop ends the next time its
// streamed position reaches or passes it, or after StopTimeout, whichever
// comes first.
func (w *Worker) SetStopLSN(lsn uint64, now time.Time) {
	w.stopLSN.Store(lsn)
	w.stopSetAt.Store(now.UnixNano())
}

// Position returns the most recent WAL position the worker has durably
// written, for the orchestrator's stop predicate and diagnostics.
func (w *Worker) Position() uint64 {
	return w.position.Load()
}

// Run streams chunks until the stop predicate is satisfied, StopTimeout
// elapses past SetStopLSN, or ctx is cancelled. It starts writing at a
// segment boundary; callers are expected to have rounded startLSN down
// before constructing the Receiver, since segment rounding depends on WAL
// segment size, which is a catalog/config concern, not this package's.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.fs.MkdirAll(w.dir, 0o750); err != nil {
		return fmt.Errorf("stream: create %s: %w", w.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if setAt := w.stopSetAt.Load(); setAt != 0 {
			if time.Since(time.Unix(0, setAt)) > w.stopTimeout {
				return ErrStopTimeout
			}
		}

		chunk, err := w.receiver.Next(ctx)
		if err != nil {
			return fmt.Errorf("stream: receive: %w", err)
		}
		if err := w.writeChunk(chunk); err != nil {
			return err
		}
		w.position.Store(chunk.EndLSN)

		if stop := w.stopLSN.Load(); stop != 0 && chunk.EndLSN >= stop {
			w.logger.Infof(logging.NSStream+" reached stop LSN at position %d", chunk.EndLSN)
			return nil
		}
	}
}

func (w *Worker) writeChunk(c Chunk) error {
	path := w.dir + "/" + c.Name
	wf, err := w.fs.Create(path)
	if err != nil {
		return fmt.Errorf("stream: open %s: %w", path, err)
	}
	if _, err := wf.Write(c.Data); err != nil {
		_ = wf.Close()
		return fmt.Errorf("stream: write %s: %w", path, err)
	}
	if err := wf.Sync(); err != nil {
		_ = wf.Close()
		return fmt.Errorf("stream: sync %s: %w", path, err)
	}
	return wf.Close()
}
